package json

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/cocoonstack/nbinteract/lock"
	"github.com/cocoonstack/nbinteract/storage"
	"github.com/cocoonstack/nbinteract/utils"
)

// compile-time interface check.
var _ storage.Store[struct{}] = (*Store[struct{}])(nil)

// Store keeps one JSON document on disk, guarded by a Locker.
// A missing file reads as the zero document.
type Store[T any] struct {
	path   string
	locker lock.Locker
}

// New creates a Store for the document at path.
func New[T any](path string, locker lock.Locker) *Store[T] {
	return &Store[T]{path: path, locker: locker}
}

// With implements storage.Store.
func (s *Store[T]) With(ctx context.Context, fn func(*T) error) error {
	return lock.WithLock(ctx, s.locker, func() error {
		doc, err := s.load()
		if err != nil {
			return err
		}
		return fn(doc)
	})
}

// Update implements storage.Store.
func (s *Store[T]) Update(ctx context.Context, fn func(*T) error) error {
	return lock.WithLock(ctx, s.locker, func() error {
		doc, err := s.load()
		if err != nil {
			return err
		}
		if err := fn(doc); err != nil {
			return err
		}
		return s.save(doc)
	})
}

func (s *Store[T]) load() (*T, error) {
	doc := new(T)
	data, err := os.ReadFile(s.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read %s: %w", s.path, err)
	case len(data) > 0:
		if err := json.Unmarshal(data, doc); err != nil {
			return nil, fmt.Errorf("decode %s: %w", s.path, err)
		}
	}
	if in, ok := any(doc).(storage.Initer); ok {
		in.Init()
	}
	return doc, nil
}

func (s *Store[T]) save(doc *T) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", s.path, err)
	}
	return utils.AtomicWriteFile(s.path, data, 0o600)
}
