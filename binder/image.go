package binder

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/cocoonstack/nbinteract/eventstream"
	"github.com/cocoonstack/nbinteract/types"
)

const (
	// DefaultMaxConnectionAttempts is the number of consecutive transport
	// errors tolerated before the build is declared failed.
	DefaultMaxConnectionAttempts = 3

	// ConnectFailedMessage is the message of the synthetic failed event
	// dispatched when the connection threshold is reached.
	ConnectFailedMessage = "Failed to connect to event stream"
)

// ErrImageClosed is returned by Fetch on a closed Image.
var ErrImageClosed = errors.New("image closed")

// Callback observes a state change. ev is the frame that caused it; for
// re-dispatched data frames oldState equals newState.
type Callback func(ctx context.Context, oldState, newState types.State, ev *types.BuildEvent)

// ImageConfig identifies a build target and tunes the event stream.
type ImageConfig struct {
	BaseURL  string
	Provider string
	Spec     string

	MaxConnectionAttempts int
	RetryDelay            time.Duration
	HTTPClient            *http.Client
}

// Image tracks one BinderHub build through its lifecycle states.
type Image struct {
	cfg ImageConfig

	mu        sync.Mutex
	state     types.State
	callbacks map[types.State][]Callback
	stream    *eventstream.Stream
	errCount  int
	closed    bool
}

// NewImage returns an Image in the unset state.
func NewImage(cfg ImageConfig) *Image {
	if cfg.MaxConnectionAttempts <= 0 {
		cfg.MaxConnectionAttempts = DefaultMaxConnectionAttempts
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Image{
		cfg:       cfg,
		state:     types.StateUnset,
		callbacks: make(map[types.State][]Callback),
	}
}

// APIURL returns the build endpoint {baseUrl}/build/{provider}/{spec}.
func (i *Image) APIURL() string {
	return fmt.Sprintf("%s/build/%s/%s", i.cfg.BaseURL, i.cfg.Provider, strings.TrimLeft(i.cfg.Spec, "/"))
}

// State returns the last committed state.
func (i *Image) State() types.State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// OnStateChange registers cb for state, or for every state with
// types.StateAny. Unknown states are logged and ignored.
func (i *Image) OnStateChange(state types.State, cb Callback) bool {
	if !state.Registrable() || cb == nil {
		log.WithFunc("binder.OnStateChange").Warnf(context.Background(), "ignoring callback for invalid state %q", state)
		return false
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.callbacks[state] = append(i.callbacks[state], cb)
	return true
}

// ChangeState invokes the callbacks registered for newState, then the
// wildcard callbacks, then commits newState. An empty newState re-invokes
// the current state's callbacks without committing. Once a terminal state
// has been committed every later call is a no-op.
func (i *Image) ChangeState(ctx context.Context, newState types.State, ev *types.BuildEvent) {
	logger := log.WithFunc("binder.ChangeState")

	i.mu.Lock()
	old := i.state
	if old.Terminal() {
		i.mu.Unlock()
		logger.Debugf(ctx, "%s: ignoring %q after terminal state %s", i.APIURL(), newState, old)
		return
	}
	target := newState
	if target == "" {
		target = old
	}
	if !target.Valid() {
		i.mu.Unlock()
		logger.Warnf(ctx, "%s: ignoring transition to invalid state %q", i.APIURL(), newState)
		return
	}
	cbs := make([]Callback, 0, len(i.callbacks[target])+len(i.callbacks[types.StateAny]))
	cbs = append(cbs, i.callbacks[target]...)
	cbs = append(cbs, i.callbacks[types.StateAny]...)
	i.mu.Unlock()

	if ev == nil {
		ev = &types.BuildEvent{Phase: string(target)}
	}
	for _, cb := range cbs {
		cb(ctx, old, target, ev)
	}

	if newState == "" {
		return
	}
	i.mu.Lock()
	if !i.state.Terminal() {
		i.state = newState
	}
	i.mu.Unlock()
}

// Fetch opens the build event stream and drives the state machine from it.
// It returns once the stream is open; progress is observed via callbacks.
func (i *Image) Fetch(ctx context.Context) error {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return ErrImageClosed
	}
	if i.stream != nil {
		i.mu.Unlock()
		return fmt.Errorf("fetch %s: already fetching", i.APIURL())
	}
	opts := []eventstream.Option{eventstream.WithRetryDelay(i.cfg.RetryDelay)}
	if i.cfg.HTTPClient != nil {
		opts = append(opts, eventstream.WithHTTPClient(i.cfg.HTTPClient))
	}
	stream := eventstream.New(i.APIURL(), opts...)
	i.stream = stream
	i.mu.Unlock()

	stream.OnMessage(func(msg eventstream.Event) { i.handleMessage(ctx, msg) })
	stream.OnError(func(err error) { i.handleError(ctx, err) })
	return stream.Open(ctx)
}

func (i *Image) handleMessage(ctx context.Context, msg eventstream.Event) {
	logger := log.WithFunc("binder.handleMessage")

	i.mu.Lock()
	i.errCount = 0
	i.mu.Unlock()

	ev, err := types.ParseBuildEvent([]byte(msg.Data))
	if err != nil {
		logger.Warnf(ctx, "%s: skip frame: %v", i.APIURL(), err)
		return
	}
	state, ok := types.ParseState(ev.Phase)
	if !ok {
		if ev.Phase != "" {
			logger.Debugf(ctx, "%s: unknown phase %q, treating as data frame", i.APIURL(), ev.Phase)
		}
		state = ""
	}
	i.ChangeState(ctx, state, ev)
}

func (i *Image) handleError(ctx context.Context, err error) {
	logger := log.WithFunc("binder.handleError")

	i.mu.Lock()
	i.errCount++
	n := i.errCount
	i.mu.Unlock()

	logger.Warnf(ctx, "%s: connection error %d/%d: %v", i.APIURL(), n, i.cfg.MaxConnectionAttempts, err)
	if n < i.cfg.MaxConnectionAttempts {
		return
	}
	i.ChangeState(ctx, types.StateFailed, &types.BuildEvent{
		Phase:   string(types.StateFailed),
		Message: ConnectFailedMessage,
	})
	i.Close()
}

// Close stops the event stream. It is idempotent.
func (i *Image) Close() {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return
	}
	i.closed = true
	stream := i.stream
	i.mu.Unlock()

	if stream != nil {
		stream.Close()
	}
}

// Done is closed when the underlying stream has stopped. It is nil before
// Fetch.
func (i *Image) Done() <-chan struct{} {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.stream == nil {
		return nil
	}
	return i.stream.Done()
}
