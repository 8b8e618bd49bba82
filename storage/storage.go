package storage

import "context"

// Initer is implemented by stored documents that need their maps allocated
// after being loaded (or when the backing file does not exist yet).
type Initer interface {
	Init()
}

// Store persists a single document of type T.
//
// With gives read access under the store lock; changes made by fn are
// discarded. Update loads, calls fn, and writes the document back only when
// fn returns nil.
type Store[T any] interface {
	With(ctx context.Context, fn func(*T) error) error
	Update(ctx context.Context, fn func(*T) error) error
}
