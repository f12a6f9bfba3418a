package repo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/blobvault/blobvault/internal/store"
)

// Consumer tracks how far one downstream client has read a collection. The
// bookmark is the last consumed record, stored per client id, so consumers
// resume where they left off across restarts.
type Consumer struct {
	repo *Repository
	path string
	id   string
}

// Consumer returns the consumption tracker for clientID. The bookmark lives
// at <base>/clients/<clientID>.json.
func (r *Repository) Consumer(clientID string) *Consumer {
	return &Consumer{
		repo: r,
		path: path.Join(r.opts.BasePath, "clients", clientID+".json"),
		id:   clientID,
	}
}

// ConsumeStatus compares a client's bookmark with the newest published
// record. Latest is nil for an empty collection; Consumed is nil when the
// client has never consumed anything.
type ConsumeStatus struct {
	UpToDate bool
	Latest   *Record
	Consumed *Record
}

// Status reports whether the client has consumed the newest published
// record. An empty collection counts as up to date.
func (c *Consumer) Status(ctx context.Context) (*ConsumeStatus, error) {
	consumed, err := c.bookmark(ctx)
	if err != nil {
		return nil, err
	}
	latest, err := c.repo.LastResource(ctx)
	if errors.Is(err, ErrNotFound) {
		latest = nil
	} else if err != nil {
		return nil, err
	}

	st := &ConsumeStatus{Latest: latest, Consumed: consumed}
	switch {
	case latest == nil:
		st.UpToDate = true
	case consumed == nil:
		st.UpToDate = false
	default:
		st.UpToDate = consumed.ResourceID == latest.ResourceID &&
			consumed.ResourceFile == latest.ResourceFile
	}
	return st, nil
}

// Behind reports whether a newer record than the bookmark has been
// published.
func (c *Consumer) Behind(ctx context.Context) (bool, error) {
	st, err := c.Status(ctx)
	if err != nil {
		return false, err
	}
	return !st.UpToDate, nil
}

// Consume feeds the newest unconsumed blob to callback and advances the
// bookmark. It returns false without invoking the callback when the client
// is already up to date; the bookmark only moves after the callback
// succeeds.
func (c *Consumer) Consume(ctx context.Context, callback func(ctx context.Context, rec *Record, content io.Reader) error) (bool, error) {
	st, err := c.Status(ctx)
	if err != nil {
		return false, err
	}
	if st.UpToDate {
		return false, nil
	}

	body, err := c.repo.store.Get(ctx, st.Latest.ResourcePath)
	if err != nil {
		return false, fmt.Errorf("reading resource %s: %w", st.Latest.ResourcePath, err)
	}
	err = callback(ctx, st.Latest, body)
	body.Close()
	if err != nil {
		return false, fmt.Errorf("consuming %s: %w", st.Latest.ResourcePath, err)
	}

	mark := st.Latest.Clone()
	mark.SetExtra("consume_date", c.repo.now().UTC().Format(timeLayout))
	if err := c.writeBookmark(ctx, mark); err != nil {
		return false, err
	}
	log.Debug().Str("client", c.id).Str("resource", mark.ResourceFile).Msg("resource consumed")
	return true, nil
}

// bookmark reads the stored bookmark, or nil when this client has never
// consumed anything.
func (c *Consumer) bookmark(ctx context.Context) (*Record, error) {
	data, err := store.ReadAll(ctx, c.repo.store, c.path)
	if errors.Is(err, store.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading consumer status %s: %w", c.path, err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: consumer status %s: %v", ErrCorruptDoc, c.path, err)
	}
	return &rec, nil
}

func (c *Consumer) writeBookmark(ctx context.Context, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding consumer status: %w", err)
	}
	if err := c.repo.store.Put(ctx, c.path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("writing consumer status %s: %w", c.path, err)
	}
	return nil
}

// ConsumeDate returns when the bookmark record was consumed, or the zero
// time when the stamp is absent or malformed.
func (r *Record) ConsumeDate() time.Time {
	t, err := time.Parse(timeLayout, r.ExtraString("consume_date"))
	if err != nil {
		return time.Time{}
	}
	return t
}
