// Package widgets executes the code cells of a page on a kernel and turns
// the widget traffic it produces into rendered views and embedded widget
// state.
package widgets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/projecteru2/core/log"
	"github.com/samber/lo"

	"github.com/cocoonstack/nbinteract/jupyter"
	"github.com/cocoonstack/nbinteract/page"
)

const (
	// WidgetTarget is the comm target of ipywidgets models.
	WidgetTarget = "jupyter.widget"
	// ViewVersionMajor is the only widget-view protocol rendered.
	ViewVersionMajor = 2
)

var (
	ErrNoKernel = errors.New("no kernel attached")

	ansiColor = regexp.MustCompile(`\x1b\[.*?m`)
)

// Kernel is the live kernel connection the manager executes on.
type Kernel interface {
	ID() string
	Execute(ctx context.Context, code string, handler func(*jupyter.Message)) error
	Dispose()
}

// View is the page the manager renders into.
type View interface {
	CodeCells() []page.Cell
	SetButtonsError(msg string, cells ...int) error
	RemoveButtons(cells ...int) error
	RenderWidget(index int, view []byte) error
	ClearWidgets() int
	EmbedState(state []byte)
}

type model struct {
	Name          string         `json:"model_name"`
	Module        string         `json:"model_module"`
	ModuleVersion string         `json:"model_module_version"`
	State         map[string]any `json:"state"`
}

// Manager owns the widget models of one page.
type Manager struct {
	view View

	mu     sync.Mutex
	kernel Kernel
	models map[string]*model
	order  []string
}

// New returns a manager executing on kernel and rendering into view.
func New(kernel Kernel, view View) *Manager {
	return &Manager{
		view:   view,
		kernel: kernel,
		models: make(map[string]*model),
	}
}

// Kernel returns the attached kernel.
func (m *Manager) Kernel() Kernel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.kernel
}

// SetKernel attaches k. Switching to a different connection drops every
// known widget model, clears the views rendered from them and disposes the
// previous connection; the next GenerateWidgets renders them again.
func (m *Manager) SetKernel(k Kernel) {
	logger := log.WithFunc("widgets.SetKernel")
	m.mu.Lock()
	old := m.kernel
	if old == k {
		m.mu.Unlock()
		return
	}
	closed := len(m.order)
	m.models = make(map[string]*model)
	m.order = nil
	m.kernel = k
	m.mu.Unlock()

	cleared := m.view.ClearWidgets()
	logger.Debugf(context.Background(), "%d widget models closed, %d views cleared", closed, cleared)
	if old != nil {
		old.Dispose()
	}
}

// Models returns the number of open widget models.
func (m *Manager) Models() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.models)
}

// GenerateWidgets executes every code cell in page order and embeds the
// resulting widget state. Cell errors are shown on the cell's buttons and do
// not stop the run; losing the kernel does.
func (m *Manager) GenerateWidgets(ctx context.Context) error {
	logger := log.WithFunc("widgets.GenerateWidgets")
	cells := m.view.CodeCells()
	for _, cell := range cells {
		k := m.Kernel()
		if k == nil {
			return ErrNoKernel
		}
		if err := k.Execute(ctx, cell.Source, m.handler(ctx, cell)); err != nil {
			return fmt.Errorf("execute cell %d on %s: %w", cell.Index, k.ID(), err)
		}
	}

	state, err := m.State()
	if err != nil {
		return err
	}
	m.view.EmbedState(state)
	logger.Infof(ctx, "executed %d cells, %d widget models", len(cells), m.Models())
	return nil
}

// State returns the widget state document of the open models.
func (m *Manager) State() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state := make(map[string]*model, len(m.models))
	for id, md := range m.models {
		state[id] = md
	}
	b, err := json.Marshal(map[string]any{
		"version_major": ViewVersionMajor,
		"version_minor": 0,
		"state":         state,
	})
	if err != nil {
		return nil, fmt.Errorf("encode widget state: %w", err)
	}
	return b, nil
}

func (m *Manager) handler(ctx context.Context, cell page.Cell) func(*jupyter.Message) {
	logger := log.WithFunc("widgets.handler")
	return func(msg *jupyter.Message) {
		switch msg.Type() {
		case jupyter.MsgError:
			var content jupyter.ErrorContent
			if err := msg.Decode(&content); err != nil {
				logger.Warnf(ctx, "cell %d: %v", cell.Index, err)
				return
			}
			text := CleanTraceback(content.Traceback)
			logger.Errorf(ctx, errors.New(content.EName), "cell %d:\n%s", cell.Index, text)
			if cell.Widget {
				_ = m.view.SetButtonsError(text, cell.Index)
			}
		case jupyter.MsgDisplayData, jupyter.MsgExecuteResult:
			m.display(ctx, cell, msg)
		case jupyter.MsgCommOpen, jupyter.MsgCommMsg, jupyter.MsgCommClose:
			m.comm(ctx, msg)
		case jupyter.MsgStream:
			var content jupyter.StreamContent
			if msg.Decode(&content) == nil {
				logger.Debugf(ctx, "cell %d %s: %s", cell.Index, content.Name, strings.TrimRight(content.Text, "\n"))
			}
		}
	}
}

func (m *Manager) display(ctx context.Context, cell page.Cell, msg *jupyter.Message) {
	logger := log.WithFunc("widgets.display")
	var content jupyter.DisplayContent
	if err := msg.Decode(&content); err != nil {
		logger.Warnf(ctx, "cell %d: %v", cell.Index, err)
		return
	}
	raw, ok := content.Data[page.MimeWidgetView]
	if !ok {
		return
	}
	var view struct {
		ModelID      string `json:"model_id"`
		VersionMajor int    `json:"version_major"`
	}
	if err := json.Unmarshal(raw, &view); err != nil {
		logger.Warnf(ctx, "cell %d: decode widget view: %v", cell.Index, err)
		return
	}
	if view.VersionMajor != ViewVersionMajor {
		logger.Warnf(ctx, "cell %d: unsupported widget view version %d", cell.Index, view.VersionMajor)
		return
	}
	if err := m.view.RenderWidget(cell.Index, raw); err != nil {
		logger.Warnf(ctx, "cell %d: render %s: %v", cell.Index, view.ModelID, err)
		return
	}
	_ = m.view.RemoveButtons()
}

func (m *Manager) comm(ctx context.Context, msg *jupyter.Message) {
	var content jupyter.CommContent
	if err := msg.Decode(&content); err != nil {
		log.WithFunc("widgets.comm").Warnf(ctx, "%v", err)
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	switch msg.Type() {
	case jupyter.MsgCommOpen:
		if content.TargetName != WidgetTarget {
			return
		}
		state, _ := content.Data["state"].(map[string]any)
		if state == nil {
			state = map[string]any{}
		}
		md := &model{State: state}
		md.Name, _ = state["_model_name"].(string)
		md.Module, _ = state["_model_module"].(string)
		md.ModuleVersion, _ = state["_model_module_version"].(string)
		if _, ok := m.models[content.CommID]; !ok {
			m.order = append(m.order, content.CommID)
		}
		m.models[content.CommID] = md
	case jupyter.MsgCommMsg:
		md, ok := m.models[content.CommID]
		if !ok {
			return
		}
		method, _ := content.Data["method"].(string)
		if method != "update" && method != "echo_update" {
			return
		}
		if delta, ok := content.Data["state"].(map[string]any); ok {
			for k, v := range delta {
				md.State[k] = v
			}
		}
	case jupyter.MsgCommClose:
		delete(m.models, content.CommID)
		m.order = lo.Without(m.order, content.CommID)
	}
}

// CleanTraceback joins traceback frames and strips ANSI colour codes.
func CleanTraceback(frames []string) string {
	return ansiColor.ReplaceAllString(strings.Join(frames, "\n"), "")
}
