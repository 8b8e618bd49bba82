// Package interact orchestrates a page: it obtains a kernel (live, cached or
// freshly started through BinderHub), runs the page's cells through the
// widget manager, and keeps the kernel alive with a heartbeat that swaps in
// a new kernel when the old one disappears.
package interact

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/projecteru2/core/log"
	"go.opentelemetry.io/otel/metric"

	"github.com/cocoonstack/nbinteract/binder"
	"github.com/cocoonstack/nbinteract/jupyter"
	"github.com/cocoonstack/nbinteract/page"
	"github.com/cocoonstack/nbinteract/progress"
	"github.com/cocoonstack/nbinteract/types"
)

const (
	DefaultHeartbeatInterval  = 5 * time.Second
	DefaultDebounce           = 500 * time.Millisecond
	DefaultKernelStartTimeout = 2 * time.Minute

	StatusInitializing = "Initializing widgets..."
	errorPrefix        = "Error, try refreshing the page:\n"
)

var ErrClosed = errors.New("interact closed")

// Config tunes an Interact.
type Config struct {
	HeartbeatInterval  time.Duration
	Debounce           time.Duration
	KernelStartTimeout time.Duration

	Meter   metric.Meter
	Tracker progress.Tracker[Event]
}

// Option overrides a collaborator.
type Option func(*Interact)

// WithConnector replaces the jupyter client used to reach servers.
func WithConnector(c Connector) Option { return func(i *Interact) { i.connect = c } }

// WithManagerFactory replaces widgets.New.
func WithManagerFactory(f ManagerFactory) Option { return func(i *Interact) { i.newManager = f } }

// WithClock replaces time.Now for debouncing.
func WithClock(now func() time.Time) Option { return func(i *Interact) { i.now = now } }

// Status is a snapshot for status endpoints.
type Status struct {
	BuildState     types.State `json:"build_state"`
	KernelID       string      `json:"kernel_id,omitempty"`
	ServerURL      string      `json:"server_url,omitempty"`
	Running        bool        `json:"running"`
	LastRun        time.Time   `json:"last_run,omitzero"`
	LastHeartbeat  time.Time   `json:"last_heartbeat,omitzero"`
	HeartbeatError string      `json:"heartbeat_error,omitempty"`
}

// Interact is the orchestrator of one page.
type Interact struct {
	cfg        Config
	hub        ServerStarter
	cache      Cache
	page       Page
	connect    Connector
	newManager ManagerFactory
	tracker    progress.Tracker[Event]
	metrics    *Metrics
	now        func() time.Time

	mu            sync.Mutex
	kernel        Kernel
	server        *types.Server
	manager       WidgetManager
	buildState    types.State
	lastCall      time.Time
	running       bool
	lastRun       time.Time
	heartbeatOn   bool
	lastHeartbeat time.Time
	heartbeatErr  error
	closed        bool

	prepareOnce sync.Once

	stop chan struct{}
	wg   sync.WaitGroup
}

// New wires an orchestrator. The hub's wildcard callback feeds the tracker.
func New(cfg Config, hub ServerStarter, cache Cache, pg Page, opts ...Option) (*Interact, error) {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.KernelStartTimeout <= 0 {
		cfg.KernelStartTimeout = DefaultKernelStartTimeout
	}
	i := &Interact{
		cfg:        cfg,
		hub:        hub,
		cache:      cache,
		page:       pg,
		connect:    JupyterConnector,
		newManager: defaultManager,
		tracker:    cfg.Tracker,
		now:        time.Now,
		buildState: types.StateUnset,
		stop:       make(chan struct{}),
	}
	if i.tracker == nil {
		i.tracker = progress.Nop[Event]()
	}
	for _, o := range opts {
		o(i)
	}
	if cfg.Meter != nil {
		m, err := NewMetrics(cfg.Meter)
		if err != nil {
			return nil, fmt.Errorf("create metrics: %w", err)
		}
		i.metrics = m
	}
	hub.RegisterCallback(types.StateAny, func(_ context.Context, _, newState types.State, ev *types.BuildEvent) {
		i.mu.Lock()
		i.buildState = newState
		i.mu.Unlock()
		i.emit(Event{Kind: KindBuild, State: string(newState), Message: ev.Message})
	})
	return i, nil
}

// Prepare resets the buttons, shows build failures on them, and runs right
// away if the cached kernel is still alive.
func (i *Interact) Prepare(ctx context.Context) error {
	_ = i.page.SetButtonsStatus(page.DefaultButtonText)
	i.prepareOnce.Do(func() {
		i.hub.RegisterCallback(types.StateFailed, func(_ context.Context, _, _ types.State, ev *types.BuildEvent) {
			_ = i.page.SetButtonsError(errorPrefix + ev.Message)
		})
	})
	return i.RunIfKernelExists(ctx)
}

// Run performs one orchestration pass. Calls arriving within the debounce
// window of the previous call, or while a pass is in flight, are dropped.
func (i *Interact) Run(ctx context.Context) error {
	logger := log.WithFunc("interact.Run")
	if !i.claim() {
		logger.Debugf(ctx, "debounced")
		return nil
	}
	defer i.release()

	start := time.Now()
	err := i.run(ctx)
	status := "ok"
	if err != nil {
		status = "error"
		_ = i.page.SetButtonsError(errorPrefix + errorMessage(err))
		i.emit(Event{Kind: KindRun, State: status, Message: err.Error()})
	} else {
		i.emit(Event{Kind: KindRun, State: status, KernelID: i.kernelID()})
	}
	i.metrics.RecordRun(ctx, status, time.Since(start))
	return err
}

func (i *Interact) run(ctx context.Context) error {
	_ = i.page.SetButtonsStatus(StatusInitializing)
	hasCells := i.page.HasCodeCells()
	if !hasCells {
		_ = i.page.RemoveButtons()
	}

	k, replaced, err := i.getOrStartKernel(ctx)
	if err != nil {
		return err
	}

	i.mu.Lock()
	mgr := i.manager
	if mgr == nil {
		i.manager = i.newManager(k, i.page)
		mgr, replaced = i.manager, false
	}
	i.mu.Unlock()
	if replaced {
		mgr.SetKernel(k)
	}

	if hasCells {
		if err := mgr.GenerateWidgets(ctx); err != nil {
			return fmt.Errorf("generate widgets: %w", err)
		}
	}
	i.startHeartbeat(ctx)
	return nil
}

// RunIfKernelExists runs only when the cached session still resolves to a
// live kernel.
func (i *Interact) RunIfKernelExists(ctx context.Context) error {
	logger := log.WithFunc("interact.RunIfKernelExists")
	srv, id, err := i.cache.Session(ctx)
	if err != nil {
		logger.Debugf(ctx, "no cached kernel: %v", err)
		return nil
	}
	if _, err := i.connect(jupyter.NewSettings(srv)).FindKernel(ctx, id); err != nil {
		logger.Debugf(ctx, "cached kernel %s gone: %v", id, err)
		return nil
	}
	return i.Run(ctx)
}

func (i *Interact) claim() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	now := i.now()
	suppressed := !i.lastCall.IsZero() && now.Sub(i.lastCall) < i.cfg.Debounce
	i.lastCall = now
	if suppressed || i.running || i.closed {
		return false
	}
	i.running = true
	return true
}

func (i *Interact) release() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.running = false
	i.lastRun = i.now()
}

// getOrStartKernel returns the live kernel, else reconnects to the cached
// one, else starts a new one. replaced reports that a kernel connection
// other than the previous live one was installed.
func (i *Interact) getOrStartKernel(ctx context.Context) (k Kernel, replaced bool, err error) {
	logger := log.WithFunc("interact.getOrStartKernel")
	prev := i.currentKernel()
	if prev != nil {
		if alive(prev) {
			return prev, false, nil
		}
		logger.Warnf(ctx, "kernel %s connection lost, reconnecting", prev.ID())
	}

	k, srv, err := i.connectOrStart(ctx)
	if err != nil {
		return nil, false, err
	}
	if cur, ok := i.commitKernel(prev, k, srv); !ok {
		k.Dispose()
		if cur == nil {
			return nil, false, ErrClosed
		}
		return cur, false, nil
	}
	i.emit(Event{Kind: KindKernel, State: "connected", KernelID: k.ID()})
	return k, prev != nil, nil
}

// connectOrStart reconnects to the cached kernel and falls back to starting
// a new one.
func (i *Interact) connectOrStart(ctx context.Context) (Kernel, *types.Server, error) {
	k, srv, err := i.connectCached(ctx)
	if err == nil {
		return k, srv, nil
	}
	log.WithFunc("interact.connectOrStart").Infof(ctx, "cached kernel unavailable, starting a new one: %v", err)
	return i.startKernel(ctx)
}

// commitKernel installs next unless the live kernel is no longer prev, in
// which case the current one is returned with ok false.
func (i *Interact) commitKernel(prev, next Kernel, srv *types.Server) (Kernel, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.kernel != prev {
		return i.kernel, false
	}
	i.kernel, i.server = next, srv
	return next, true
}

func (i *Interact) connectCached(ctx context.Context) (Kernel, *types.Server, error) {
	srv, id, err := i.cache.Session(ctx)
	if err != nil {
		return nil, nil, err
	}
	svc := i.connect(jupyter.NewSettings(srv))
	model, err := svc.FindKernel(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	k, err := svc.Connect(ctx, model)
	if err != nil {
		return nil, nil, err
	}
	return k, srv, nil
}

// startKernel boots a server, starts its default kernel, connects to it
// and caches the session.
func (i *Interact) startKernel(ctx context.Context) (Kernel, *types.Server, error) {
	logger := log.WithFunc("interact.startKernel")
	srv, err := i.hub.StartServer(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("start server: %w", err)
	}
	svc := i.connect(jupyter.NewSettings(srv))

	spec, err := svc.DefaultSpec(ctx)
	if err != nil {
		return nil, nil, err
	}
	model, err := svc.StartKernel(ctx, spec)
	if err != nil {
		return nil, nil, err
	}
	if model, err = svc.WaitStarted(ctx, model.ID, i.cfg.KernelStartTimeout); err != nil {
		return nil, nil, fmt.Errorf("wait kernel: %w", err)
	}
	k, err := svc.Connect(ctx, model)
	if err != nil {
		return nil, nil, err
	}
	if err := i.cache.SaveSession(ctx, srv, model.ID); err != nil {
		logger.Warnf(ctx, "cache session: %v", err)
	}
	i.metrics.RecordKernelStart(ctx)
	logger.Infof(ctx, "kernel %s (%s) started on %s", model.ID, spec, srv.URL)
	i.emit(Event{Kind: KindKernel, State: "started", KernelID: model.ID})
	return k, srv, nil
}

func (i *Interact) startHeartbeat(ctx context.Context) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.heartbeatOn || i.closed {
		return
	}
	i.heartbeatOn = true
	i.wg.Add(1)
	go i.heartbeat(context.WithoutCancel(ctx))
}

func (i *Interact) heartbeat(ctx context.Context) {
	defer i.wg.Done()
	timer := time.NewTimer(i.cfg.HeartbeatInterval)
	defer timer.Stop()
	for {
		select {
		case <-i.stop:
			return
		case <-timer.C:
		}
		i.checkKernel(ctx)
		timer.Reset(i.cfg.HeartbeatInterval)
	}
}

// checkKernel probes the live kernel and replaces it when the probe fails.
// A dropped connection is repaired by reconnecting to the same kernel; a
// kernel the server no longer knows is replaced by a new one.
func (i *Interact) checkKernel(ctx context.Context) {
	logger := log.WithFunc("interact.checkKernel")
	ctx, cancel := i.stopContext(ctx)
	defer cancel()

	k := i.currentKernel()
	if k == nil {
		return
	}
	lost := !alive(k)
	var err error
	if lost {
		err = jupyter.ErrKernelDisposed
	} else {
		_, err = k.Model(ctx)
	}
	i.mu.Lock()
	i.lastHeartbeat, i.heartbeatErr = i.now(), err
	i.mu.Unlock()
	if err == nil || ctx.Err() != nil {
		return
	}

	logger.Warnf(ctx, "kernel %s unreachable, restarting: %v", k.ID(), err)
	i.metrics.RecordHeartbeatFailure(ctx)
	i.emit(Event{Kind: KindHeartbeat, State: "failed", KernelID: k.ID(), Message: err.Error()})

	var (
		nk  Kernel
		srv *types.Server
	)
	if lost {
		nk, srv, err = i.connectOrStart(ctx)
	} else {
		nk, srv, err = i.startKernel(ctx)
	}
	if err != nil {
		logger.Errorf(ctx, err, "restart kernel")
		return
	}
	if _, ok := i.commitKernel(k, nk, srv); !ok {
		nk.Dispose()
		return
	}
	i.emit(Event{Kind: KindKernel, State: "connected", KernelID: nk.ID()})

	i.mu.Lock()
	mgr := i.manager
	i.mu.Unlock()
	if mgr == nil {
		k.Dispose()
		return
	}
	mgr.SetKernel(nk)
	i.metrics.RecordRestart(ctx)
	if err := mgr.GenerateWidgets(ctx); err != nil {
		logger.Errorf(ctx, err, "regenerate widgets")
	}
}

// stopContext derives a context cancelled by Close.
func (i *Interact) stopContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-i.stop:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// KillKernel shuts down the cached kernel on its server.
func (i *Interact) KillKernel(ctx context.Context) error {
	srv, id, err := i.cache.Session(ctx)
	if err != nil {
		return err
	}
	if err := i.connect(jupyter.NewSettings(srv)).Shutdown(ctx, id); err != nil {
		return err
	}
	i.emit(Event{Kind: KindKernel, State: "killed", KernelID: id})
	return nil
}

// Status returns a snapshot of the orchestrator.
func (i *Interact) Status() Status {
	i.mu.Lock()
	defer i.mu.Unlock()
	st := Status{
		BuildState:    i.buildState,
		Running:       i.running,
		LastRun:       i.lastRun,
		LastHeartbeat: i.lastHeartbeat,
	}
	if i.kernel != nil {
		st.KernelID = i.kernel.ID()
	}
	if i.server != nil {
		st.ServerURL = i.server.URL
	}
	if i.heartbeatErr != nil {
		st.HeartbeatError = i.heartbeatErr.Error()
	}
	return st
}

// Close stops the heartbeat and disposes the live kernel connection. The
// remote kernel keeps running so a later process can reuse it.
func (i *Interact) Close() {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return
	}
	i.closed = true
	close(i.stop)
	i.mu.Unlock()

	i.wg.Wait()

	i.mu.Lock()
	k := i.kernel
	i.kernel = nil
	i.mu.Unlock()
	if k != nil {
		k.Dispose()
	}
}

func alive(k Kernel) bool {
	select {
	case <-k.Done():
		return false
	default:
		return true
	}
}

func (i *Interact) currentKernel() Kernel {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.kernel
}

func (i *Interact) kernelID() string {
	if k := i.currentKernel(); k != nil {
		return k.ID()
	}
	return ""
}

func (i *Interact) emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = i.now()
	}
	i.tracker.OnEvent(ev)
}

func errorMessage(err error) string {
	var be *binder.BuildError
	if errors.As(err, &be) {
		return be.Message
	}
	return err.Error()
}
