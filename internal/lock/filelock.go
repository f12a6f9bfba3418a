package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/danjacques/gofslock/fslock"
)

// FileLocker implements Locker with an OS advisory file lock. It is for
// same-host coordination, typically guarding a local staging directory
// before an upload; the OS releases the lock if the process dies, so there
// is nothing to renew or steal.
type FileLocker struct {
	path string
}

// NewFileLocker returns a locker backed by the lock file at path.
func NewFileLocker(path string) *FileLocker {
	return &FileLocker{path: path}
}

// Acquire implements Locker. ttl and renewInterval are accepted for
// interface parity but the lease never expires on its own.
func (l *FileLocker) Acquire(_ context.Context, _, _ time.Duration) (Session, error) {
	handle, err := fslock.Lock(l.path)
	if err != nil {
		if err == fslock.ErrLockHeld {
			return nil, fmt.Errorf("%w: file lock %s", ErrHeld, l.path)
		}
		return nil, fmt.Errorf("acquiring file lock %s: %w", l.path, err)
	}
	return &fileSession{handle: handle}, nil
}

type fileSession struct {
	handle   fslock.Handle
	released bool
}

func (s *fileSession) Renew(context.Context) error         { return nil }
func (s *fileSession) RenewIfNeeded(context.Context) error { return nil }

func (s *fileSession) Release(context.Context) error {
	if s.released {
		return nil
	}
	s.released = true
	return s.handle.Unlock()
}
