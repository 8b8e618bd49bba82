// Package eventstream is a reconnecting Server-Sent Events client with the
// delivery semantics of a browser EventSource: frames are handed to a single
// message handler in arrival order, every transport failure is reported to
// the error handler, and the connection is re-established after the retry
// delay until Close is called.
package eventstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/cocoonstack/nbinteract/utils"
)

// DefaultRetryDelay is the reconnect delay used until the server sends "retry:".
const DefaultRetryDelay = time.Second

var (
	// ErrStreamEnded is reported when the server closes the response body.
	ErrStreamEnded = errors.New("event stream ended")
	ErrClosed      = errors.New("event stream closed")
)

// Option configures a Stream.
type Option func(*Stream)

// WithHTTPClient overrides the client used to open the stream. The client
// must not set a total Timeout, the response body is read indefinitely.
func WithHTTPClient(hc *http.Client) Option {
	return func(s *Stream) { s.hc = hc }
}

// WithRetryDelay sets the initial reconnect delay.
func WithRetryDelay(d time.Duration) Option {
	return func(s *Stream) {
		if d > 0 {
			s.retry = d
		}
	}
}

// Stream is a single EventSource-style subscription.
type Stream struct {
	url   string
	hc    *http.Client
	retry time.Duration

	mu        sync.Mutex
	onMessage func(Event)
	onError   func(error)
	lastID    string
	started   bool

	closed    chan struct{}
	closeOnce sync.Once
	done      chan struct{}
	cancel    context.CancelFunc
}

// New returns an unopened stream for url.
func New(url string, opts ...Option) *Stream {
	s := &Stream{
		url:    url,
		hc:     &http.Client{},
		retry:  DefaultRetryDelay,
		closed: make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// URL returns the stream endpoint.
func (s *Stream) URL() string { return s.url }

// OnMessage sets the frame handler. Must be called before Open.
func (s *Stream) OnMessage(fn func(Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onMessage = fn
}

// OnError sets the transport error handler. Must be called before Open.
func (s *Stream) OnError(fn func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onError = fn
}

// Open starts the read loop in a new goroutine. The stream stays open until
// Close is called or ctx is done. Opening twice returns an error.
func (s *Stream) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("open %s: already opened", s.url)
	}
	if s.isClosed() {
		s.mu.Unlock()
		return ErrClosed
	}
	s.started = true
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	go s.loop(ctx)
	return nil
}

// Close stops the stream. It is idempotent and safe to call from a handler.
func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.mu.Lock()
		cancel, started := s.cancel, s.started
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		if !started {
			close(s.done)
		}
	})
}

// Done is closed once the read loop has exited.
func (s *Stream) Done() <-chan struct{} { return s.done }

func (s *Stream) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *Stream) loop(ctx context.Context) {
	logger := log.WithFunc("eventstream.loop")
	defer close(s.done)
	defer s.Close()

	for {
		err := s.connect(ctx)
		if s.isClosed() || ctx.Err() != nil {
			return
		}
		logger.Debugf(ctx, "%s: %v, reconnecting in %s", s.url, err, s.retryDelay())
		s.dispatchError(err)
		if s.isClosed() {
			return
		}

		timer := time.NewTimer(s.retryDelay())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.closed:
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// connect runs one HTTP request and returns why it ended.
func (s *Stream) connect(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return fmt.Errorf("build request %s: %w", s.url, err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	s.mu.Lock()
	if s.lastID != "" {
		req.Header.Set("Last-Event-ID", s.lastID)
	}
	s.mu.Unlock()

	resp, err := s.hc.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", s.url, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &utils.APIError{
			Code:    resp.StatusCode,
			Message: fmt.Sprintf("GET %s → %d: %s", s.url, resp.StatusCode, body),
		}
	}

	sc := NewScanner(resp.Body)
	for sc.Next() {
		if s.isClosed() {
			return ErrClosed
		}
		ev := sc.Event()
		s.mu.Lock()
		if ev.ID != "" {
			s.lastID = ev.ID
		}
		if ev.Retry > 0 {
			s.retry = ev.Retry
		}
		s.mu.Unlock()
		s.dispatchMessage(ev)
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read %s: %w", s.url, err)
	}
	return ErrStreamEnded
}

func (s *Stream) retryDelay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retry
}

func (s *Stream) dispatchMessage(ev Event) {
	s.mu.Lock()
	fn := s.onMessage
	s.mu.Unlock()
	if fn != nil && !s.isClosed() {
		fn(ev)
	}
}

func (s *Stream) dispatchError(err error) {
	s.mu.Lock()
	fn := s.onError
	s.mu.Unlock()
	if fn != nil && !s.isClosed() {
		fn(err)
	}
}
