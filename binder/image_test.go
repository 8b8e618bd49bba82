package binder

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cocoonstack/nbinteract/types"
)

type call struct {
	tag      string
	old, new types.State
	msg      string
}

type calls struct {
	mu  sync.Mutex
	got []call
}

func (c *calls) record(tag string) Callback {
	return func(_ context.Context, old, new types.State, ev *types.BuildEvent) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.got = append(c.got, call{tag: tag, old: old, new: new, msg: ev.Message})
	}
}

func (c *calls) list() []call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]call(nil), c.got...)
}

func sseServer(t *testing.T, frames ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, f := range frames {
			_, _ = fmt.Fprintf(w, "data: %s\n\n", f)
		}
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestAPIURL(t *testing.T) {
	img := NewImage(ImageConfig{BaseURL: "https://mybinder.org/", Provider: "gh", Spec: "a/b/master"})
	require.Equal(t, "https://mybinder.org/build/gh/a/b/master", img.APIURL())
	require.Equal(t, types.StateUnset, img.State())
}

func TestOnStateChangeRejectsInvalidStates(t *testing.T) {
	img := NewImage(ImageConfig{})
	c := &calls{}
	require.False(t, img.OnStateChange("bogus", c.record("x")))
	require.False(t, img.OnStateChange("", c.record("x")))
	require.False(t, img.OnStateChange(types.StateReady, nil))
	require.True(t, img.OnStateChange(types.StateAny, c.record("any")))
	require.Len(t, img.callbacks, 1)
}

func TestChangeStateOrderAndCommit(t *testing.T) {
	ctx := context.Background()
	img := NewImage(ImageConfig{})
	c := &calls{}
	img.OnStateChange(types.StateAny, c.record("any"))
	img.OnStateChange(types.StateBuilding, c.record("b1"))
	img.OnStateChange(types.StateBuilding, c.record("b2"))

	img.ChangeState(ctx, types.StateBuilding, &types.BuildEvent{Phase: "building", Message: "step 1"})
	require.Equal(t, types.StateBuilding, img.State())
	require.Equal(t, []call{
		{tag: "b1", old: types.StateUnset, new: types.StateBuilding, msg: "step 1"},
		{tag: "b2", old: types.StateUnset, new: types.StateBuilding, msg: "step 1"},
		{tag: "any", old: types.StateUnset, new: types.StateBuilding, msg: "step 1"},
	}, c.list())
}

func TestChangeStateEmptyReinvokesCurrent(t *testing.T) {
	ctx := context.Background()
	img := NewImage(ImageConfig{})
	c := &calls{}
	img.OnStateChange(types.StateBuilding, c.record("b"))
	img.OnStateChange(types.StateAny, c.record("any"))

	img.ChangeState(ctx, types.StateBuilding, &types.BuildEvent{Message: "first"})
	img.ChangeState(ctx, "", &types.BuildEvent{Message: "log line"})

	require.Equal(t, types.StateBuilding, img.State())
	got := c.list()
	require.Len(t, got, 4)
	require.Equal(t, call{tag: "b", old: types.StateBuilding, new: types.StateBuilding, msg: "log line"}, got[2])
	require.Equal(t, "any", got[3].tag)
}

func TestChangeStateIgnoredAfterTerminal(t *testing.T) {
	ctx := context.Background()
	img := NewImage(ImageConfig{})
	c := &calls{}
	img.OnStateChange(types.StateAny, c.record("any"))

	img.ChangeState(ctx, types.StateFailed, &types.BuildEvent{Message: "boom"})
	img.ChangeState(ctx, types.StateReady, &types.BuildEvent{})
	img.ChangeState(ctx, "", &types.BuildEvent{})

	require.Equal(t, types.StateFailed, img.State())
	require.Len(t, c.list(), 1)
}

func TestFetchDrivesStates(t *testing.T) {
	srv := sseServer(t,
		`{"phase":"Waiting"}`,
		`{"phase":"building","message":"Step 1/3"}`,
		`{"phase":"somethingnew","message":"extra"}`,
		`{"phase":"built"}`,
	)
	img := NewImage(ImageConfig{BaseURL: srv.URL, Provider: "gh", Spec: "a/b/master"})
	c := &calls{}
	img.OnStateChange(types.StateAny, c.record("any"))
	require.NoError(t, img.Fetch(context.Background()))
	defer img.Close()

	require.Eventually(t, func() bool { return img.State() == types.StateBuilt }, 2*time.Second, 10*time.Millisecond)

	got := c.list()
	require.Len(t, got, 4)
	require.Equal(t, types.StateWaiting, got[0].new)
	require.Equal(t, types.StateBuilding, got[2].new)
	require.Equal(t, "extra", got[2].msg)
	require.Equal(t, types.StateBuilt, got[3].new)
}

func TestFetchFailsAfterConsecutiveErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	img := NewImage(ImageConfig{BaseURL: srv.URL, Provider: "gh", Spec: "x", RetryDelay: 5 * time.Millisecond})
	c := &calls{}
	img.OnStateChange(types.StateAny, c.record("any"))
	require.NoError(t, img.Fetch(context.Background()))

	select {
	case <-img.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("stream not closed after threshold")
	}
	require.Equal(t, types.StateFailed, img.State())
	require.Equal(t, int32(DefaultMaxConnectionAttempts), hits.Load())

	got := c.list()
	require.Len(t, got, 1)
	require.Equal(t, ConnectFailedMessage, got[0].msg)
}

func TestFetchAfterCloseFails(t *testing.T) {
	img := NewImage(ImageConfig{BaseURL: "http://127.0.0.1:0"})
	img.Close()
	img.Close()
	require.ErrorIs(t, img.Fetch(context.Background()), ErrImageClosed)
}

func TestUnknownPhaseBeforeAnyState(t *testing.T) {
	img := NewImage(ImageConfig{})
	c := &calls{}
	img.OnStateChange(types.StateUnset, c.record("unset"))
	img.handleMessage(context.Background(), eventFrame(`{"message":"hello"}`))
	require.Equal(t, types.StateUnset, img.State())
	require.Len(t, c.list(), 1)
	require.True(t, strings.HasPrefix(c.list()[0].msg, "hello"))
}
