package interact

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cocoonstack/nbinteract/binder"
	"github.com/cocoonstack/nbinteract/cache"
	"github.com/cocoonstack/nbinteract/jupyter"
	"github.com/cocoonstack/nbinteract/page"
	"github.com/cocoonstack/nbinteract/progress"
	"github.com/cocoonstack/nbinteract/types"
	"github.com/cocoonstack/nbinteract/widgets"
)

const cellsHTML = `<html><body>
<div class="cell code_cell"><div class="input_area">interact(f, x=10)</div>
<div class="output_widget_view"></div><button class="js-nbinteract-widget">Show Widgets</button></div>
</body></html>`

type fakeHub struct {
	mu     sync.Mutex
	url    string
	starts int
	err    error
	cbs    map[types.State][]binder.Callback
}

func (h *fakeHub) StartServer(context.Context) (*types.Server, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.starts++
	if h.err != nil {
		return nil, h.err
	}
	if h.url != "" {
		return &types.Server{URL: h.url}, nil
	}
	return &types.Server{URL: fmt.Sprintf("http://hub/user/%d/", h.starts), Token: "t"}, nil
}

func (h *fakeHub) RegisterCallback(state types.State, cb binder.Callback) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cbs == nil {
		h.cbs = map[types.State][]binder.Callback{}
	}
	h.cbs[state] = append(h.cbs[state], cb)
	return true
}

func (h *fakeHub) fire(state types.State, ev *types.BuildEvent) {
	h.mu.Lock()
	cbs := append(append([]binder.Callback(nil), h.cbs[state]...), h.cbs[types.StateAny]...)
	h.mu.Unlock()
	for _, cb := range cbs {
		cb(context.Background(), types.StateWaiting, state, ev)
	}
}

func (h *fakeHub) startCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.starts
}

type fakeKernel struct {
	id       string
	mu       sync.Mutex
	dead     bool
	disposed int
	done     chan struct{}
	dropOnce sync.Once
}

func newFakeKernel(id string) *fakeKernel {
	return &fakeKernel{id: id, done: make(chan struct{})}
}

func (k *fakeKernel) ID() string { return k.id }

func (k *fakeKernel) Execute(context.Context, string, func(*jupyter.Message)) error {
	if !alive(k) {
		return jupyter.ErrKernelDisposed
	}
	return nil
}

func (k *fakeKernel) Dispose() {
	k.mu.Lock()
	k.disposed++
	k.mu.Unlock()
	k.drop()
}

func (k *fakeKernel) Done() <-chan struct{} { return k.done }

// drop closes the connection while the remote kernel stays alive.
func (k *fakeKernel) drop() {
	k.dropOnce.Do(func() { close(k.done) })
}

func (k *fakeKernel) Model(context.Context) (*jupyter.KernelModel, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.dead {
		return nil, jupyter.ErrKernelNotFound
	}
	return &jupyter.KernelModel{ID: k.id, ExecutionState: jupyter.ExecutionIdle}, nil
}

func (k *fakeKernel) kill() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.dead = true
}

// fakeJupyter is every notebook server at once.
type fakeJupyter struct {
	mu       sync.Mutex
	next     int
	alive    map[string]bool
	kernels  map[string]*fakeKernel
	started  int
	connects int
	shutdown []string
}

func newFakeJupyter() *fakeJupyter {
	return &fakeJupyter{alive: map[string]bool{}, kernels: map[string]*fakeKernel{}}
}

func (j *fakeJupyter) connector(jupyter.Settings) KernelService { return j }

func (j *fakeJupyter) DefaultSpec(context.Context) (string, error) { return "python3", nil }

func (j *fakeJupyter) StartKernel(_ context.Context, name string) (*jupyter.KernelModel, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.next++
	j.started++
	id := fmt.Sprintf("k%d", j.next)
	j.alive[id] = true
	return &jupyter.KernelModel{ID: id, Name: name, ExecutionState: jupyter.ExecutionStarting}, nil
}

func (j *fakeJupyter) WaitStarted(ctx context.Context, id string, _ time.Duration) (*jupyter.KernelModel, error) {
	return j.FindKernel(ctx, id)
}

func (j *fakeJupyter) FindKernel(_ context.Context, id string) (*jupyter.KernelModel, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.alive[id] {
		return nil, jupyter.ErrKernelNotFound
	}
	return &jupyter.KernelModel{ID: id, ExecutionState: jupyter.ExecutionIdle}, nil
}

func (j *fakeJupyter) Shutdown(_ context.Context, id string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.alive[id] {
		return jupyter.ErrKernelNotFound
	}
	delete(j.alive, id)
	j.shutdown = append(j.shutdown, id)
	return nil
}

func (j *fakeJupyter) Connect(_ context.Context, model *jupyter.KernelModel) (Kernel, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	k := newFakeKernel(model.ID)
	j.kernels[model.ID] = k
	j.connects++
	return k, nil
}

func (j *fakeJupyter) kernel(id string) *fakeKernel {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.kernels[id]
}

func (j *fakeJupyter) connectCount() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.connects
}

func (j *fakeJupyter) startedCount() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.started
}

type fakeManager struct {
	mu       sync.Mutex
	initial  widgets.Kernel
	swapped  []widgets.Kernel
	generate int
}

func (m *fakeManager) SetKernel(k widgets.Kernel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.swapped = append(m.swapped, k)
}

func (m *fakeManager) GenerateWidgets(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.generate++
	return nil
}

func (m *fakeManager) counts() (swaps, generates int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.swapped), m.generate
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	hub     *fakeHub
	jup     *fakeJupyter
	cache   *cache.Cache
	page    *page.Page
	manager *fakeManager
	clock   *clock
	events  *progress.Broadcaster[Event]
	ia      *Interact
}

func newHarness(t *testing.T, html string, cfg Config) *harness {
	t.Helper()
	pg, err := page.Parse(strings.NewReader(html), page.FormatHTML)
	require.NoError(t, err)
	h := &harness{
		hub:     &fakeHub{},
		jup:     newFakeJupyter(),
		cache:   cache.New(t.TempDir(), "test"),
		page:    pg,
		manager: &fakeManager{},
		clock:   &clock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)},
		events:  progress.NewBroadcaster[Event](64),
	}
	cfg.Tracker = h.events
	h.ia, err = New(cfg, h.hub, h.cache, pg,
		WithConnector(h.jup.connector),
		WithClock(h.clock.Now),
		WithManagerFactory(func(k widgets.Kernel, _ widgets.View) WidgetManager {
			h.manager.initial = k
			return h.manager
		}),
	)
	require.NoError(t, err)
	t.Cleanup(h.ia.Close)
	return h
}

func TestRunDebouncesBurst(t *testing.T) {
	h := newHarness(t, cellsHTML, Config{})
	ctx := context.Background()

	for range 3 {
		require.NoError(t, h.ia.Run(ctx))
		h.clock.Advance(100 * time.Millisecond)
	}
	require.Equal(t, 1, h.hub.startCount())
	_, generates := h.manager.counts()
	require.Equal(t, 1, generates)
}

func TestRunDebounceWindowSlides(t *testing.T) {
	h := newHarness(t, cellsHTML, Config{})
	ctx := context.Background()

	require.NoError(t, h.ia.Run(ctx))
	h.clock.Advance(400 * time.Millisecond)
	require.NoError(t, h.ia.Run(ctx))
	h.clock.Advance(400 * time.Millisecond)
	require.NoError(t, h.ia.Run(ctx))
	_, generates := h.manager.counts()
	require.Equal(t, 1, generates)

	h.clock.Advance(600 * time.Millisecond)
	require.NoError(t, h.ia.Run(ctx))
	_, generates = h.manager.counts()
	require.Equal(t, 2, generates)
	require.Equal(t, 1, h.hub.startCount(), "second pass reuses the live kernel")
}

func TestRunColdStartCachesSession(t *testing.T) {
	h := newHarness(t, cellsHTML, Config{})
	ctx := context.Background()

	require.NoError(t, h.ia.Run(ctx))
	require.Equal(t, 1, h.hub.startCount())
	require.Equal(t, 1, h.jup.startedCount())
	require.Same(t, h.jup.kernel("k1"), h.manager.initial)

	srv, id, err := h.cache.Session(ctx)
	require.NoError(t, err)
	require.Equal(t, "k1", id)
	require.Equal(t, "http://hub/user/1/", srv.URL)
	require.Equal(t, []string{StatusInitializing}, h.page.Buttons())

	st := h.ia.Status()
	require.Equal(t, "k1", st.KernelID)
	require.Equal(t, "http://hub/user/1/", st.ServerURL)
	require.False(t, st.Running)
}

func TestStaleCacheStartsKernelOnce(t *testing.T) {
	h := newHarness(t, cellsHTML, Config{})
	ctx := context.Background()
	require.NoError(t, h.cache.SaveSession(ctx, &types.Server{URL: "http://old"}, "stale"))

	require.NoError(t, h.ia.Run(ctx))
	require.Equal(t, 1, h.hub.startCount())
	require.Equal(t, 1, h.jup.startedCount())

	_, id, err := h.cache.Session(ctx)
	require.NoError(t, err)
	require.Equal(t, "k1", id)
}

func TestCachedKernelReused(t *testing.T) {
	h := newHarness(t, cellsHTML, Config{})
	ctx := context.Background()
	h.jup.alive["warm"] = true
	require.NoError(t, h.cache.SaveSession(ctx, &types.Server{URL: "http://warm"}, "warm"))

	require.NoError(t, h.ia.Prepare(ctx))
	require.Zero(t, h.hub.startCount())
	require.Same(t, h.jup.kernel("warm"), h.manager.initial)
	require.Equal(t, "warm", h.ia.Status().KernelID)
}

func TestPrepareWithoutKernel(t *testing.T) {
	h := newHarness(t, cellsHTML, Config{})
	ctx := context.Background()
	require.NoError(t, h.page.SetButtonsStatus("stale"))

	require.NoError(t, h.ia.Prepare(ctx))
	require.Zero(t, h.hub.startCount())
	require.Equal(t, []string{page.DefaultButtonText}, h.page.Buttons())

	h.hub.fire(types.StateFailed, &types.BuildEvent{Phase: "failed", Message: "boom"})
	require.Equal(t, []string{"Error, try refreshing the page:\nboom"}, h.page.Buttons())
	require.Equal(t, types.StateFailed, h.ia.Status().BuildState)
}

func TestRunBuildFailure(t *testing.T) {
	h := newHarness(t, cellsHTML, Config{})
	h.hub.err = &binder.BuildError{Message: "boom"}

	err := h.ia.Run(context.Background())
	require.ErrorIs(t, err, binder.ErrBuildFailed)
	require.Equal(t, []string{"Error, try refreshing the page:\nboom"}, h.page.Buttons())
	_, generates := h.manager.counts()
	require.Zero(t, generates)
}

func TestRunWithoutCodeCells(t *testing.T) {
	h := newHarness(t, `<html><body><button class="js-nbinteract-widget">Show Widgets</button></body></html>`, Config{})

	require.NoError(t, h.ia.Run(context.Background()))
	require.Empty(t, h.page.Buttons())
	require.Equal(t, 1, h.hub.startCount())
	_, generates := h.manager.counts()
	require.Zero(t, generates)
}

func TestHeartbeatRestartsKernel(t *testing.T) {
	h := newHarness(t, cellsHTML, Config{HeartbeatInterval: 10 * time.Millisecond})
	ctx := context.Background()
	require.NoError(t, h.ia.Run(ctx))

	first := h.jup.kernel("k1")
	first.kill()

	require.Eventually(t, func() bool {
		swaps, generates := h.manager.counts()
		return swaps == 1 && generates == 2
	}, 2*time.Second, 5*time.Millisecond)

	// the replacement is healthy, so no further swaps happen
	time.Sleep(50 * time.Millisecond)
	swaps, _ := h.manager.counts()
	require.Equal(t, 1, swaps)

	h.manager.mu.Lock()
	require.Same(t, h.jup.kernel("k2"), h.manager.swapped[0])
	h.manager.mu.Unlock()
	require.Equal(t, 2, h.hub.startCount())
	require.Equal(t, "k2", h.ia.Status().KernelID)

	_, id, err := h.cache.Session(ctx)
	require.NoError(t, err)
	require.Equal(t, "k2", id)
}

func TestHeartbeatStartedOnce(t *testing.T) {
	h := newHarness(t, cellsHTML, Config{HeartbeatInterval: time.Hour})
	ctx := context.Background()
	require.NoError(t, h.ia.Run(ctx))
	h.clock.Advance(time.Second)
	require.NoError(t, h.ia.Run(ctx))

	h.ia.mu.Lock()
	require.True(t, h.ia.heartbeatOn)
	h.ia.mu.Unlock()
}

func TestKillKernel(t *testing.T) {
	h := newHarness(t, cellsHTML, Config{})
	ctx := context.Background()
	require.ErrorIs(t, h.ia.KillKernel(ctx), cache.ErrNoCachedSession)

	require.NoError(t, h.ia.Run(ctx))
	require.NoError(t, h.ia.KillKernel(ctx))
	require.Equal(t, []string{"k1"}, h.jup.shutdown)
	require.True(t, errors.Is(h.ia.KillKernel(ctx), jupyter.ErrKernelNotFound))
}

func TestCloseDisposesKernel(t *testing.T) {
	h := newHarness(t, cellsHTML, Config{HeartbeatInterval: 10 * time.Millisecond})
	require.NoError(t, h.ia.Run(context.Background()))
	h.ia.Close()
	h.ia.Close()

	k := h.jup.kernel("k1")
	k.mu.Lock()
	require.Equal(t, 1, k.disposed)
	k.mu.Unlock()

	h.clock.Advance(time.Second)
	require.NoError(t, h.ia.Run(context.Background()))
	require.Equal(t, 1, h.hub.startCount())
}

func TestEventsPublished(t *testing.T) {
	h := newHarness(t, cellsHTML, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := h.events.Subscribe(ctx)
	require.NoError(t, err)

	require.NoError(t, h.ia.Run(context.Background()))

	var kinds []string
	for len(kinds) < 3 {
		ev := <-ch
		kinds = append(kinds, ev.Kind+":"+ev.State)
	}
	require.Equal(t, []string{"kernel:started", "kernel:connected", "run:ok"}, kinds)
}

func TestRunReconnectsDroppedConnection(t *testing.T) {
	h := newHarness(t, cellsHTML, Config{HeartbeatInterval: time.Hour})
	ctx := context.Background()
	require.NoError(t, h.ia.Run(ctx))
	first := h.jup.kernel("k1")
	first.drop()

	h.clock.Advance(time.Second)
	require.NoError(t, h.ia.Run(ctx))
	require.Equal(t, 1, h.hub.startCount())
	require.Equal(t, 1, h.jup.startedCount())
	require.Equal(t, 2, h.jup.connectCount())

	second := h.jup.kernel("k1")
	require.NotSame(t, first, second)
	h.manager.mu.Lock()
	require.Equal(t, []widgets.Kernel{second}, h.manager.swapped)
	h.manager.mu.Unlock()
	_, generates := h.manager.counts()
	require.Equal(t, 2, generates)
	require.Equal(t, "k1", h.ia.Status().KernelID)

	// the repaired connection is reused
	h.clock.Advance(time.Second)
	require.NoError(t, h.ia.Run(ctx))
	require.Equal(t, 2, h.jup.connectCount())
}

func TestRunStartsKernelWhenDroppedKernelIsGone(t *testing.T) {
	h := newHarness(t, cellsHTML, Config{HeartbeatInterval: time.Hour})
	ctx := context.Background()
	require.NoError(t, h.ia.Run(ctx))
	require.NoError(t, h.jup.Shutdown(ctx, "k1"))
	h.jup.kernel("k1").drop()

	h.clock.Advance(time.Second)
	require.NoError(t, h.ia.Run(ctx))
	require.Equal(t, 2, h.hub.startCount())
	require.Equal(t, "k2", h.ia.Status().KernelID)
	swaps, _ := h.manager.counts()
	require.Equal(t, 1, swaps)
}

func TestHeartbeatReconnectsDroppedConnection(t *testing.T) {
	h := newHarness(t, cellsHTML, Config{HeartbeatInterval: 10 * time.Millisecond})
	require.NoError(t, h.ia.Run(context.Background()))
	h.jup.kernel("k1").drop()

	require.Eventually(t, func() bool {
		swaps, generates := h.manager.counts()
		return swaps == 1 && generates == 2
	}, 2*time.Second, 5*time.Millisecond)

	require.Equal(t, 1, h.hub.startCount())
	require.Equal(t, 1, h.jup.startedCount())
	require.Equal(t, 2, h.jup.connectCount())
	h.manager.mu.Lock()
	require.Same(t, h.jup.kernel("k1"), h.manager.swapped[0])
	h.manager.mu.Unlock()
}

func TestPrepareRegistersFailureCallbackOnce(t *testing.T) {
	h := newHarness(t, cellsHTML, Config{})
	ctx := context.Background()
	require.NoError(t, h.ia.Prepare(ctx))
	require.NoError(t, h.ia.Prepare(ctx))

	h.hub.mu.Lock()
	require.Len(t, h.hub.cbs[types.StateFailed], 1)
	h.hub.mu.Unlock()
}
