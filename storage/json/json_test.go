package json

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cocoonstack/nbinteract/lock/flock"
)

type doc struct {
	Items map[string]int `json:"items"`
}

func (d *doc) Init() {
	if d.Items == nil {
		d.Items = make(map[string]int)
	}
}

func newStore(t *testing.T) (*Store[doc], string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "db", "doc.json")
	return New[doc](path, flock.New(filepath.Join(dir, "db", "doc.lock"))), path
}

func TestMissingFileReadsAsInitialized(t *testing.T) {
	s, path := newStore(t)
	err := s.With(context.Background(), func(d *doc) error {
		require.NotNil(t, d.Items)
		require.Empty(t, d.Items)
		return nil
	})
	require.NoError(t, err)

	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err))
}

func TestUpdatePersists(t *testing.T) {
	s, path := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.Update(ctx, func(d *doc) error {
		d.Items["a"] = 1
		return nil
	}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.JSONEq(t, `{"items":{"a":1}}`, string(data))

	require.NoError(t, s.With(ctx, func(d *doc) error {
		require.Equal(t, 1, d.Items["a"])
		return nil
	}))
}

func TestUpdateErrorDiscardsChanges(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.Update(ctx, func(d *doc) error {
		d.Items["a"] = 1
		return boom
	})
	require.ErrorIs(t, err, boom)

	require.NoError(t, s.With(ctx, func(d *doc) error {
		require.NotContains(t, d.Items, "a")
		return nil
	}))
}

func TestWithDoesNotPersist(t *testing.T) {
	s, path := newStore(t)
	require.NoError(t, s.With(context.Background(), func(d *doc) error {
		d.Items["a"] = 1
		return nil
	}))
	_, err := os.Stat(path)
	require.True(t, os.IsNotExist(err))
}

func TestCorruptFile(t *testing.T) {
	s, path := newStore(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(t, os.WriteFile(path, []byte("{"), 0o600))

	err := s.With(context.Background(), func(*doc) error { return nil })
	require.Error(t, err)
}
