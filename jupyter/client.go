// Package jupyter is a minimal Jupyter server client: the kernel REST API
// plus the kernel channels websocket, enough to start kernels, run code and
// observe IOPub output.
package jupyter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/projecteru2/core/log"

	"github.com/cocoonstack/nbinteract/utils"
)

const (
	ExecutionStarting = "starting"
	ExecutionIdle     = "idle"
	ExecutionBusy     = "busy"

	startPollInterval = 250 * time.Millisecond
)

var (
	ErrKernelNotFound = errors.New("kernel not found")
	ErrNoKernelSpec   = errors.New("no kernel spec available")
)

// KernelModel is the REST representation of a kernel.
type KernelModel struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	LastActivity   time.Time `json:"last_activity"`
	ExecutionState string    `json:"execution_state"`
	Connections    int       `json:"connections"`
}

// KernelSpecs is the GET /api/kernelspecs response.
type KernelSpecs struct {
	Default     string                     `json:"default"`
	Kernelspecs map[string]json.RawMessage `json:"kernelspecs"`
}

// Client talks to one notebook server.
type Client struct {
	settings Settings
	hc       *http.Client
	dialer   *websocket.Dialer
}

// NewClient returns a client authenticating with settings.Token.
func NewClient(settings Settings) *Client {
	return &Client{
		settings: settings,
		hc:       utils.NewHTTPClient(settings.Token),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: utils.HTTPTimeout,
		},
	}
}

// Settings returns the server settings the client was built with.
func (c *Client) Settings() Settings { return c.settings }

func (c *Client) api(parts ...string) string {
	u := c.settings.BaseURL + "/api"
	for _, p := range parts {
		u += "/" + url.PathEscape(p)
	}
	return u
}

// Specs lists the available kernel specs.
func (c *Client) Specs(ctx context.Context) (*KernelSpecs, error) {
	specs, err := utils.DoJSON[KernelSpecs](ctx, c.hc, http.MethodGet, c.api("kernelspecs"), nil, http.StatusOK)
	if err != nil {
		return nil, fmt.Errorf("get kernel specs: %w", err)
	}
	return &specs, nil
}

// DefaultSpec returns the server's default kernel spec name.
func (c *Client) DefaultSpec(ctx context.Context) (string, error) {
	specs, err := c.Specs(ctx)
	if err != nil {
		return "", err
	}
	if specs.Default != "" {
		return specs.Default, nil
	}
	for name := range specs.Kernelspecs {
		return name, nil
	}
	return "", ErrNoKernelSpec
}

// StartKernel starts a kernel from spec name. The request is sent once: a
// retried POST after a lost response would leave an orphaned kernel.
func (c *Client) StartKernel(ctx context.Context, name string) (*KernelModel, error) {
	body := map[string]string{"name": name}
	model, err := utils.SendJSON[KernelModel](ctx, c.hc, http.MethodPost, c.api("kernels"), body, http.StatusCreated)
	if err != nil {
		return nil, fmt.Errorf("start kernel %s: %w", name, err)
	}
	return &model, nil
}

// FindKernel returns the kernel model for id, or ErrKernelNotFound.
func (c *Client) FindKernel(ctx context.Context, id string) (*KernelModel, error) {
	model, err := utils.DoJSON[KernelModel](ctx, c.hc, http.MethodGet, c.api("kernels", id), nil, http.StatusOK)
	if err != nil {
		if utils.IsStatus(err, http.StatusNotFound) {
			return nil, fmt.Errorf("%s: %w", id, ErrKernelNotFound)
		}
		return nil, fmt.Errorf("get kernel %s: %w", id, err)
	}
	return &model, nil
}

// ListKernels returns every running kernel.
func (c *Client) ListKernels(ctx context.Context) ([]KernelModel, error) {
	models, err := utils.DoJSON[[]KernelModel](ctx, c.hc, http.MethodGet, c.api("kernels"), nil, http.StatusOK)
	if err != nil {
		return nil, fmt.Errorf("list kernels: %w", err)
	}
	return models, nil
}

// Shutdown stops kernel id.
func (c *Client) Shutdown(ctx context.Context, id string) error {
	_, err := utils.DoWithRetry(ctx, func() ([]byte, error) {
		return utils.DoAPI(ctx, c.hc, http.MethodDelete, c.api("kernels", id), nil, http.StatusNoContent)
	})
	if err != nil {
		if utils.IsStatus(err, http.StatusNotFound) {
			return fmt.Errorf("%s: %w", id, ErrKernelNotFound)
		}
		return fmt.Errorf("shutdown kernel %s: %w", id, err)
	}
	return nil
}

// WaitStarted polls kernel id until it leaves the starting state.
func (c *Client) WaitStarted(ctx context.Context, id string, timeout time.Duration) (*KernelModel, error) {
	logger := log.WithFunc("jupyter.WaitStarted")
	return utils.PollUntil(ctx, timeout, startPollInterval, func() (*KernelModel, bool, error) {
		model, err := c.FindKernel(ctx, id)
		if err != nil {
			return nil, false, err
		}
		if model.ExecutionState == ExecutionStarting {
			logger.Debugf(ctx, "kernel %s still starting", id)
			return nil, false, nil
		}
		return model, true, nil
	})
}

// Connect opens the channels websocket of model.
func (c *Client) Connect(ctx context.Context, model *KernelModel) (*Conn, error) {
	session := utils.NewUUID()
	target := fmt.Sprintf("%s/api/kernels/%s/channels?session_id=%s",
		c.settings.WsURL, url.PathEscape(model.ID), url.QueryEscape(session))

	header := http.Header{}
	if c.settings.Token != "" {
		header.Set("Authorization", "token "+c.settings.Token)
	}
	ws, resp, err := c.dialer.DialContext(ctx, target, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%s: %w", model.ID, ErrKernelNotFound)
		}
		return nil, fmt.Errorf("connect kernel %s: %w", model.ID, err)
	}
	return newConn(c, *model, session, ws), nil
}
