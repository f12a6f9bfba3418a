// Package fsstore implements store.ObjectStore on top of a billy filesystem.
// Production jobs run it over osfs rooted at a data directory; tests run the
// same code over memfs.
package fsstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"

	"github.com/blobvault/blobvault/internal/store"
)

// Store is a filesystem-backed object store.
type Store struct {
	fs billy.Filesystem
}

// New creates a store over the given filesystem.
func New(fs billy.Filesystem) *Store {
	return &Store{fs: fs}
}

// NewRoot creates a store over the local filesystem rooted at dir.
// The directory is created if it does not exist.
func NewRoot(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create store root: %w", err)
	}
	return New(osfs.New(dir)), nil
}

// NewMem creates an in-memory store. Used by tests.
func NewMem() *Store {
	return New(memfs.New())
}

// Put writes the object atomically: content goes to a temp file in the
// target directory first, then a rename makes it visible in one step.
func (s *Store) Put(ctx context.Context, p string, r io.Reader) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p = normalize(p)
	dir := path.Dir(p)
	if dir != "." {
		if err := s.fs.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create parent dirs for %s: %w", p, err)
		}
	}

	tmp, err := util.TempFile(s.fs, dir, "."+path.Base(p)+".tmp-")
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", p, err)
	}
	tmpName := tmp.Name()

	if _, err := io.Copy(tmp, r); err != nil {
		_ = tmp.Close()
		_ = s.fs.Remove(tmpName)
		return fmt.Errorf("write %s: %w", p, err)
	}
	if err := tmp.Close(); err != nil {
		_ = s.fs.Remove(tmpName)
		return fmt.Errorf("close temp file for %s: %w", p, err)
	}

	if err := s.fs.Rename(tmpName, p); err != nil {
		_ = s.fs.Remove(tmpName)
		return fmt.Errorf("rename temp file to %s: %w", p, err)
	}

	return nil
}

// Get opens the object at p for reading.
func (s *Store) Get(ctx context.Context, p string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := s.fs.Open(normalize(p))
	if os.IsNotExist(err) {
		return nil, store.ErrNotExist
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", p, err)
	}
	return f, nil
}

// Delete removes the object at p and prunes directories it leaves empty,
// so the on-disk layout mirrors the set of live objects.
func (s *Store) Delete(ctx context.Context, p string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p = normalize(p)
	if _, err := s.fs.Lstat(p); os.IsNotExist(err) {
		return store.ErrNotExist
	} else if err != nil {
		return fmt.Errorf("stat %s: %w", p, err)
	}

	if err := s.fs.Remove(p); err != nil {
		return fmt.Errorf("remove %s: %w", p, err)
	}

	for dir := path.Dir(p); dir != "." && dir != "/"; dir = path.Dir(dir) {
		entries, err := s.fs.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			break
		}
		if err := s.fs.Remove(dir); err != nil {
			break
		}
	}

	return nil
}

// List walks the filesystem under prefix and returns all object paths, sorted.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	prefix = normalize(prefix)
	if _, err := s.fs.Lstat(prefix); os.IsNotExist(err) {
		return nil, nil
	}

	var paths []string
	err := util.Walk(s.fs, prefix, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		paths = append(paths, normalize(p))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", prefix, err)
	}

	sort.Strings(paths)
	return paths, nil
}

// normalize cleans an object path into the forward-slash relative form the
// underlying filesystem expects.
func normalize(p string) string {
	p = path.Clean(strings.TrimPrefix(p, "/"))
	return p
}
