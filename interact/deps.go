package interact

import (
	"context"
	"time"

	"github.com/cocoonstack/nbinteract/binder"
	"github.com/cocoonstack/nbinteract/jupyter"
	"github.com/cocoonstack/nbinteract/types"
	"github.com/cocoonstack/nbinteract/widgets"
)

// ServerStarter boots notebook servers (binder.Hub).
type ServerStarter interface {
	StartServer(ctx context.Context) (*types.Server, error)
	RegisterCallback(state types.State, cb binder.Callback) bool
}

// Kernel is a live kernel connection that can also probe the server for
// its own model. Done is closed once the connection is gone; the remote
// kernel may still be running.
type Kernel interface {
	widgets.Kernel
	Model(ctx context.Context) (*jupyter.KernelModel, error)
	Done() <-chan struct{}
}

// KernelService is the kernel REST surface of one notebook server.
type KernelService interface {
	DefaultSpec(ctx context.Context) (string, error)
	StartKernel(ctx context.Context, name string) (*jupyter.KernelModel, error)
	WaitStarted(ctx context.Context, id string, timeout time.Duration) (*jupyter.KernelModel, error)
	FindKernel(ctx context.Context, id string) (*jupyter.KernelModel, error)
	Shutdown(ctx context.Context, id string) error
	Connect(ctx context.Context, model *jupyter.KernelModel) (Kernel, error)
}

// Connector returns the KernelService for a server.
type Connector func(settings jupyter.Settings) KernelService

// Cache persists the last session (cache.Cache).
type Cache interface {
	Session(ctx context.Context) (*types.Server, string, error)
	SaveSession(ctx context.Context, srv *types.Server, kernelID string) error
}

// Page is the document being made interactive (page.Page).
type Page interface {
	widgets.View
	SetButtonsStatus(msg string, cells ...int) error
	HasCodeCells() bool
}

// WidgetManager executes cells and renders views (widgets.Manager).
type WidgetManager interface {
	SetKernel(k widgets.Kernel)
	GenerateWidgets(ctx context.Context) error
}

// ManagerFactory creates the widget manager on the first run.
type ManagerFactory func(k widgets.Kernel, view widgets.View) WidgetManager

// JupyterConnector is the Connector backed by jupyter.Client.
func JupyterConnector(settings jupyter.Settings) KernelService {
	return jupyterService{jupyter.NewClient(settings)}
}

type jupyterService struct {
	*jupyter.Client
}

func (s jupyterService) Connect(ctx context.Context, model *jupyter.KernelModel) (Kernel, error) {
	conn, err := s.Client.Connect(ctx, model)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func defaultManager(k widgets.Kernel, view widgets.View) WidgetManager {
	return widgets.New(k, view)
}
