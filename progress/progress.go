// Package progress fans lifecycle events out to interested parties: log
// lines, the CLI, and SSE subscribers of the HTTP sidecar.
package progress

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Subscribe after Close.
var ErrClosed = errors.New("broadcaster closed")

// Tracker receives events.
type Tracker[E any] interface {
	OnEvent(E)
}

// TrackerFunc adapts a function to Tracker.
type TrackerFunc[E any] func(E)

func (f TrackerFunc[E]) OnEvent(e E) { f(e) }

// Nop returns a Tracker that drops every event.
func Nop[E any]() Tracker[E] { return TrackerFunc[E](func(E) {}) }

// Multi forwards each event to every tracker in order.
func Multi[E any](trackers ...Tracker[E]) Tracker[E] {
	return TrackerFunc[E](func(e E) {
		for _, t := range trackers {
			t.OnEvent(e)
		}
	})
}

// Broadcaster is a Tracker delivering events to buffered subscriber
// channels. Sends never block: a subscriber whose buffer is full misses the
// event.
type Broadcaster[E any] struct {
	buffer int

	mu     sync.RWMutex
	subs   []chan E
	last   E
	seen   bool
	closed bool
}

// NewBroadcaster returns a Broadcaster whose subscribers buffer up to
// buffer events.
func NewBroadcaster[E any](buffer int) *Broadcaster[E] {
	if buffer <= 0 {
		buffer = 16
	}
	return &Broadcaster[E]{buffer: buffer}
}

// OnEvent implements Tracker.
func (b *Broadcaster[E]) OnEvent(e E) { b.Publish(e) }

// Publish records e as the latest event and offers it to every subscriber.
func (b *Broadcaster[E]) Publish(e E) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.last, b.seen = e, true
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Last returns the most recent event.
func (b *Broadcaster[E]) Last() (E, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.last, b.seen
}

// Subscribe returns a channel primed with the latest event. It is closed
// when ctx ends or the Broadcaster is closed.
func (b *Broadcaster[E]) Subscribe(ctx context.Context) (<-chan E, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	ch := make(chan E, b.buffer)
	if b.seen {
		ch <- b.last
	}
	b.subs = append(b.subs, ch)

	go func() {
		<-ctx.Done()
		b.unsubscribe(ch)
	}()
	return ch, nil
}

func (b *Broadcaster[E]) unsubscribe(ch chan E) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subs {
		if sub == ch {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			close(ch)
			return
		}
	}
}

// Close closes every subscriber channel. Later events are dropped.
func (b *Broadcaster[E]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}
