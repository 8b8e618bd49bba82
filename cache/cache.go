// Package cache persists the connection details of the last started
// notebook server so a later process (or a page reload) can reconnect to the
// same kernel without rebuilding the Binder image.
//
// Two keys are stored, mirroring the browser-side layout:
//
//	serverParams  JSON string of {"url": ..., "token": ...}
//	kernelId      id of the kernel started on that server
//
// Both are overwritten on every successful kernel start; nothing ever expires
// them explicitly, a stale entry simply fails to resolve and triggers a cold
// start.
package cache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cocoonstack/nbinteract/lock/flock"
	"github.com/cocoonstack/nbinteract/storage"
	storejson "github.com/cocoonstack/nbinteract/storage/json"
	"github.com/cocoonstack/nbinteract/types"
	"github.com/cocoonstack/nbinteract/utils"
)

const (
	KeyServerParams = "serverParams"
	KeyKernelID     = "kernelId"
)

var (
	ErrNotFound        = errors.New("cache key not found")
	ErrNoCachedSession = errors.New("no cached session")

	errSkipSave = errors.New("skip save")
)

// entries is the on-disk document.
type entries struct {
	Values    map[string]string `json:"values"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Init implements storage.Initer.
func (e *entries) Init() {
	if e.Values == nil {
		e.Values = make(map[string]string)
	}
}

// Cache is a small persisted key/value store scoped to one build target.
type Cache struct {
	path  string
	store storage.Store[entries]
}

// New returns the cache for namespace (typically the build URL or the
// direct notebook URL) under dir. Each namespace gets its own file so two
// documentation sites never share a kernel.
func New(dir, namespace string) *Cache {
	return Open(filepath.Join(dir, utils.UUIDv5(namespace)+".json"))
}

// Open returns the cache backed by an existing file, as listed by Scan.
func Open(path string) *Cache {
	return &Cache{
		path:  path,
		store: storejson.New[entries](path, flock.New(lockPath(path))),
	}
}

// Scan lists the cache files under dir. A missing dir yields nothing.
func Scan(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", dir, err)
	}
	return matches, nil
}

func lockPath(path string) string {
	return strings.TrimSuffix(path, ".json") + ".lock"
}

// Path returns the backing file.
func (c *Cache) Path() string { return c.path }

// Get returns the value for key, or ErrNotFound.
func (c *Cache) Get(ctx context.Context, key string) (string, error) {
	var v string
	return v, c.store.With(ctx, func(e *entries) error {
		val, ok := e.Values[key]
		if !ok {
			return fmt.Errorf("%q: %w", key, ErrNotFound)
		}
		v = val
		return nil
	})
}

// Set overwrites key.
func (c *Cache) Set(ctx context.Context, key, value string) error {
	return c.store.Update(ctx, func(e *entries) error {
		e.Values[key] = value
		e.UpdatedAt = time.Now()
		return nil
	})
}

// Session returns the cached server and kernel id.
func (c *Cache) Session(ctx context.Context) (*types.Server, string, error) {
	var (
		srv      *types.Server
		kernelID string
	)
	err := c.store.With(ctx, func(e *entries) error {
		raw, ok := e.Values[KeyServerParams]
		if !ok {
			return fmt.Errorf("%w: missing %s", ErrNoCachedSession, KeyServerParams)
		}
		kernelID, ok = e.Values[KeyKernelID]
		if !ok || kernelID == "" {
			return fmt.Errorf("%w: missing %s", ErrNoCachedSession, KeyKernelID)
		}
		var err error
		if srv, err = types.ParseServer(raw); err != nil {
			return fmt.Errorf("%w: %w", ErrNoCachedSession, err)
		}
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	return srv, kernelID, nil
}

// SaveSession stores the server and kernel id in a single write.
func (c *Cache) SaveSession(ctx context.Context, srv *types.Server, kernelID string) error {
	raw, err := srv.Encode()
	if err != nil {
		return err
	}
	return c.store.Update(ctx, func(e *entries) error {
		e.Values[KeyServerParams] = raw
		e.Values[KeyKernelID] = kernelID
		e.UpdatedAt = time.Now()
		return nil
	})
}

// UpdatedAt returns the time of the last write, zero if never written.
func (c *Cache) UpdatedAt(ctx context.Context) (time.Time, error) {
	var t time.Time
	return t, c.store.With(ctx, func(e *entries) error {
		t = e.UpdatedAt
		return nil
	})
}

// Remove deletes the backing file under the cache lock. The lock file stays:
// unlinking it would let a waiter on the old inode and a new opener both
// hold the lock.
func (c *Cache) Remove(ctx context.Context) error {
	err := c.store.Update(ctx, func(*entries) error {
		if err := os.Remove(c.path); err != nil && !os.IsNotExist(err) {
			return err
		}
		return errSkipSave
	})
	if err != nil && !errors.Is(err, errSkipSave) {
		return fmt.Errorf("remove %s: %w", c.path, err)
	}
	return nil
}

// Clear removes every cached key.
func (c *Cache) Clear(ctx context.Context) error {
	return c.store.Update(ctx, func(e *entries) error {
		e.Values = make(map[string]string)
		e.UpdatedAt = time.Now()
		return nil
	})
}
