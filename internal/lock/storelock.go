package lock

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/blobvault/blobvault/internal/store"
)

// StoreLocker implements Locker on top of an object store. The lock is a
// JSON record at a fixed path; it is cooperative, so every writer of the
// guarded collection must go through the same path.
type StoreLocker struct {
	store store.ObjectStore
	path  string

	// now is replaceable in tests.
	now func() time.Time
}

// NewStoreLocker returns a locker whose record lives at path in s.
func NewStoreLocker(s store.ObjectStore, path string) *StoreLocker {
	return &StoreLocker{store: s, path: path, now: func() time.Time { return time.Now().UTC() }}
}

// Acquire implements Locker. An expired record is stolen with a warning
// naming the previous holder.
func (l *StoreLocker) Acquire(ctx context.Context, ttl, renewInterval time.Duration) (Session, error) {
	existing, err := l.read(ctx)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if !existing.Expired(l.now()) {
			return nil, fmt.Errorf("%w: %s", ErrHeld, describeHolder(existing.Holder))
		}
		log.Warn().
			Str("path", l.path).
			Str("holder", describeHolder(existing.Holder)).
			Time("renewed_at", existing.RenewedAt).
			Msg("stealing expired lock")
	}

	now := l.now()
	rec := &Record{
		Holder:     localHolder(),
		AcquiredAt: now,
		TTL:        ttl,
		RenewedAt:  now,
	}
	if err := l.write(ctx, rec); err != nil {
		return nil, err
	}

	log.Debug().Str("path", l.path).Str("session", rec.Holder.SessionID).Msg("lock acquired")
	return &storeSession{locker: l, record: rec, renewInterval: renewInterval}, nil
}

func (l *StoreLocker) read(ctx context.Context) (*Record, error) {
	data, err := store.ReadAll(ctx, l.store, l.path)
	if errors.Is(err, store.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading lock record: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parsing lock record %s: %w", l.path, err)
	}
	return &rec, nil
}

func (l *StoreLocker) write(ctx context.Context, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding lock record: %w", err)
	}
	if err := l.store.Put(ctx, l.path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("writing lock record: %w", err)
	}
	return nil
}

type storeSession struct {
	locker        *StoreLocker
	record        *Record
	renewInterval time.Duration
	released      bool
}

func (s *storeSession) Renew(ctx context.Context) error {
	if s.released {
		return errors.New("renew on released lock session")
	}
	s.record.RenewedAt = s.locker.now()
	return s.locker.write(ctx, s.record)
}

func (s *storeSession) RenewIfNeeded(ctx context.Context) error {
	if s.released {
		return errors.New("renew on released lock session")
	}
	if s.locker.now().Sub(s.record.RenewedAt) < s.renewInterval {
		return nil
	}
	return s.Renew(ctx)
}

func (s *storeSession) Release(ctx context.Context) error {
	if s.released {
		return nil
	}
	s.released = true
	err := s.locker.store.Delete(ctx, s.locker.path)
	if errors.Is(err, store.ErrNotExist) {
		// Stolen after expiry; nothing left to release.
		return nil
	}
	if err != nil {
		return fmt.Errorf("releasing lock: %w", err)
	}
	log.Debug().Str("path", s.locker.path).Str("session", s.record.Holder.SessionID).Msg("lock released")
	return nil
}
