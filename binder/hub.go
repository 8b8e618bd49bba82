// Package binder talks to a BinderHub deployment: it follows the build event
// stream of a repository spec through its lifecycle and hands back the
// running notebook server once the hub reports it ready.
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
	"go.opentelemetry.io/otel/metric"

	"github.com/cocoonstack/nbinteract/types"
)

const (
	DefaultBaseURL  = "https://mybinder.org"
	DefaultProvider = "gh"
	DefaultSpec     = "SamLau95/nbinteract-image/master"

	// DefaultLocalURL is the notebook server used in local mode.
	DefaultLocalURL = "http://localhost:8888"
)

// ErrBuildFailed is matched by every *BuildError.
var ErrBuildFailed = errors.New("binder build failed")

// BuildError carries the message of the failed event.
type BuildError struct {
	Message string
}

func (e *BuildError) Error() string {
	if e.Message == "" {
		return ErrBuildFailed.Error()
	}
	return fmt.Sprintf("%s: %s", ErrBuildFailed, e.Message)
}

func (e *BuildError) Unwrap() error { return ErrBuildFailed }

// Config configures a Hub.
type Config struct {
	BaseURL  string
	Provider string
	Spec     string

	// NbURL bypasses BinderHub entirely; StartServer returns it as-is.
	NbURL string
	// Local is NbURL defaulting to DefaultLocalURL.
	Local bool
	Token string

	MaxConnectionAttempts int
	RetryDelay            time.Duration
	HTTPClient            *http.Client

	// Callbacks are registered on every Image before StartServer's own.
	Callbacks map[types.State][]Callback
	Meter     metric.Meter
}

type registration struct {
	state types.State
	cb    Callback
}

// Hub starts notebook servers.
type Hub struct {
	cfg     Config
	direct  *types.Server
	metrics *Metrics

	mu            sync.Mutex
	registrations []registration
}

// NewHub validates cfg and fills defaults.
func NewHub(cfg Config) (*Hub, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Provider == "" {
		cfg.Provider = DefaultProvider
	}
	if cfg.Spec == "" {
		cfg.Spec = DefaultSpec
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Local && cfg.NbURL == "" {
		cfg.NbURL = DefaultLocalURL
	}

	h := &Hub{cfg: cfg}
	if cfg.NbURL != "" {
		h.direct = &types.Server{URL: cfg.NbURL, Token: cfg.Token}
	}
	if cfg.Meter != nil {
		m, err := NewMetrics(cfg.Meter)
		if err != nil {
			return nil, fmt.Errorf("create metrics: %w", err)
		}
		h.metrics = m
	}

	h.RegisterCallback(types.StateAny, logPhase)
	for state, cbs := range cfg.Callbacks {
		for _, cb := range cbs {
			h.RegisterCallback(state, cb)
		}
	}
	return h, nil
}

// Target identifies the sessions this hub produces; it namespaces the cache.
func (h *Hub) Target() string {
	if h.direct != nil {
		return h.direct.URL
	}
	return fmt.Sprintf("%s/%s/%s", h.cfg.BaseURL, h.cfg.Provider, h.cfg.Spec)
}

// Direct reports whether StartServer bypasses BinderHub.
func (h *Hub) Direct() bool { return h.direct != nil }

// RegisterCallback adds cb to every Image created afterwards. Invalid states
// are logged and ignored.
func (h *Hub) RegisterCallback(state types.State, cb Callback) bool {
	if !state.Registrable() || cb == nil {
		log.WithFunc("binder.RegisterCallback").Warnf(context.Background(), "ignoring callback for invalid state %q", state)
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.registrations = append(h.registrations, registration{state: state, cb: cb})
	return true
}

// NewImage returns an Image for the configured target with every hub-level
// callback registered.
func (h *Hub) NewImage() *Image {
	img := NewImage(ImageConfig{
		BaseURL:               h.cfg.BaseURL,
		Provider:              h.cfg.Provider,
		Spec:                  h.cfg.Spec,
		MaxConnectionAttempts: h.cfg.MaxConnectionAttempts,
		RetryDelay:            h.cfg.RetryDelay,
		HTTPClient:            h.cfg.HTTPClient,
	})
	h.mu.Lock()
	regs := append([]registration(nil), h.registrations...)
	h.mu.Unlock()
	for _, r := range regs {
		img.OnStateChange(r.state, r.cb)
	}
	return img
}

type outcome struct {
	srv *types.Server
	err error
}

// StartServer returns a running notebook server. With a direct URL it
// returns immediately; otherwise it follows a fresh build until the hub
// reports ready or failed. The result is settled at most once.
func (h *Hub) StartServer(ctx context.Context) (*types.Server, error) {
	if h.direct != nil {
		srv := *h.direct
		return &srv, nil
	}

	logger := log.WithFunc("binder.StartServer")
	start := time.Now()
	img := h.NewImage()

	result := make(chan outcome, 1)
	var once sync.Once
	settle := func(o outcome) {
		once.Do(func() { result <- o })
	}
	img.OnStateChange(types.StateReady, func(_ context.Context, _, _ types.State, ev *types.BuildEvent) {
		if ev.URL == "" {
			settle(outcome{err: &BuildError{Message: "ready event without url"}})
		} else {
			settle(outcome{srv: &types.Server{URL: ev.URL, Token: ev.Token}})
		}
		img.Close()
	})
	img.OnStateChange(types.StateFailed, func(_ context.Context, _, _ types.State, ev *types.BuildEvent) {
		settle(outcome{err: &BuildError{Message: ev.Message}})
		img.Close()
	})

	logger.Infof(ctx, "starting server from %s", img.APIURL())
	if err := img.Fetch(ctx); err != nil {
		return nil, fmt.Errorf("fetch %s: %w", img.APIURL(), err)
	}

	select {
	case o := <-result:
		if o.err != nil {
			h.metrics.RecordBuild(ctx, string(types.StateFailed), time.Since(start))
			return nil, o.err
		}
		h.metrics.RecordBuild(ctx, string(types.StateReady), time.Since(start))
		logger.Infof(ctx, "server ready at %s", o.srv.URL)
		return o.srv, nil
	case <-ctx.Done():
		img.Close()
		h.metrics.RecordBuild(ctx, "canceled", time.Since(start))
		return nil, ctx.Err()
	}
}

func logPhase(ctx context.Context, _, newState types.State, ev *types.BuildEvent) {
	logger := log.WithFunc("binder.phase")
	if ev.HasMessage() {
		logger.Infof(ctx, "[%s] %s", newState, strings.TrimRight(ev.Message, "\n"))
		return
	}
	logger.Debugf(ctx, "[%s]", newState)
}
