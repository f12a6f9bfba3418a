// Package store defines the narrow object-store contract the resource
// repository is built on: bytes at a path, nothing more. Implementations
// carry no knowledge of metadata semantics.
package store

import (
	"context"
	"errors"
	"io"
)

// ErrNotExist is returned when the requested object is absent from the store.
var ErrNotExist = errors.New("object does not exist")

// ObjectStore is the minimal surface the repository needs from durable
// storage. Paths are forward-slash separated and relative to the store root.
type ObjectStore interface {
	// Put writes the full content of r at path, replacing any existing
	// object in a single visible step: readers observe either the old or
	// the new content, never a partial write.
	Put(ctx context.Context, path string, r io.Reader) error

	// Get opens the object at path for reading. Returns ErrNotExist if
	// the object is absent.
	Get(ctx context.Context, path string) (io.ReadCloser, error)

	// Delete removes the object at path. Returns ErrNotExist if the
	// object is already gone.
	Delete(ctx context.Context, path string) error

	// List returns the paths of all objects under prefix, sorted. A
	// prefix with no objects yields an empty slice, not an error.
	List(ctx context.Context, prefix string) ([]string, error)
}

// ReadAll fetches the object at path and returns its full content.
func ReadAll(ctx context.Context, s ObjectStore, path string) ([]byte, error) {
	rc, err := s.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()

	return io.ReadAll(rc)
}
