// Package lock provides the cooperative lease that serializes mutation of a
// resource collection across processes. A session is a renewable TTL record;
// holders renew it inside long loops so it cannot expire mid-operation, and
// an expired record may be stolen by the next acquirer.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
)

// ErrHeld is returned when a live session already holds the lock.
var ErrHeld = errors.New("lock held by another session")

// Holder identifies the process that owns a lock record. Operators use it to
// work out which job is holding (or abandoned) a collection.
type Holder struct {
	Host         string    `json:"host"`
	PID          int       `json:"pid"`
	ProcessStart time.Time `json:"process_start_time"`
	SessionID    string    `json:"session_id"`
}

// Record is the lock state persisted at a well-known path. Presence means
// held; RenewedAt plus TTL in the past means abandoned.
type Record struct {
	Holder     Holder        `json:"holder"`
	AcquiredAt time.Time     `json:"acquired_at"`
	TTL        time.Duration `json:"ttl"`
	RenewedAt  time.Time     `json:"renewed_at"`
}

// Expired reports whether the record's lease has lapsed at the given time.
func (r *Record) Expired(now time.Time) bool {
	return now.After(r.RenewedAt.Add(r.TTL))
}

// Session is a held lease. All methods must be called from the single
// goroutine driving the job; Release is idempotent.
type Session interface {
	// Renew extends the lease unconditionally.
	Renew(ctx context.Context) error

	// RenewIfNeeded extends the lease only when the renew interval has
	// passed since the last renewal. Cheap enough to call once per
	// iteration of a long loop.
	RenewIfNeeded(ctx context.Context) error

	// Release gives up the lease. Safe to call more than once.
	Release(ctx context.Context) error
}

// Locker hands out sessions for one logical resource collection.
type Locker interface {
	// Acquire takes the lock, failing with ErrHeld if a live session
	// exists. renewInterval controls how often RenewIfNeeded actually
	// renews; it should be well below ttl.
	Acquire(ctx context.Context, ttl, renewInterval time.Duration) (Session, error)
}

// With acquires a session, runs fn under it, and releases on every exit
// path, including panic.
func With(ctx context.Context, l Locker, ttl, renewInterval time.Duration, fn func(Session) error) error {
	session, err := l.Acquire(ctx, ttl, renewInterval)
	if err != nil {
		return err
	}
	defer func() { _ = session.Release(context.WithoutCancel(ctx)) }()

	return fn(session)
}

var processStart = time.Now().UTC()

// localHolder describes the current process.
func localHolder() Holder {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return Holder{
		Host:         host,
		PID:          os.Getpid(),
		ProcessStart: processStart,
		SessionID:    uuid.NewString(),
	}
}

// describeHolder renders a holder for ErrHeld messages and steal logs.
func describeHolder(h Holder) string {
	return fmt.Sprintf("%s pid=%d started=%s session=%s",
		h.Host, h.PID, h.ProcessStart.Format(time.RFC3339), h.SessionID)
}
