package repo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/blobvault/blobvault/internal/store"
)

// Client performs typed CRUD over one metadata document. It holds no cross
// process lock itself; callers serialize mutation through a lock session.
type Client struct {
	store   store.ObjectStore
	path    string
	schema  KeySchema
	archive bool

	// maxHistories caps per-identity history length; 0 keeps everything.
	maxHistories int

	// cache holds the last loaded document when caching is on. Only safe
	// for the single writer holding the collection lock.
	caching bool
	cache   *Document
}

// ClientOptions configures a metadata client.
type ClientOptions struct {
	Schema       KeySchema
	Archive      bool
	MaxHistories int

	// Cache keeps the loaded document in memory between calls. Use only
	// when this process is the sole writer for the client's lifetime.
	Cache bool
}

// NewClient returns a client for the metadata document at path.
func NewClient(s store.ObjectStore, path string, opts ClientOptions) *Client {
	schema := opts.Schema
	if schema == 0 {
		schema = SimpleKeys
	}
	return &Client{
		store:        s,
		path:         path,
		schema:       schema,
		archive:      opts.Archive,
		maxHistories: opts.MaxHistories,
		caching:      opts.Cache,
	}
}

// Path returns the document's storage path.
func (c *Client) Path() string { return c.path }

// Load reads the document, returning an empty one when it does not exist
// yet. Malformed JSON is fatal and never auto-repaired.
func (c *Client) Load(ctx context.Context) (*Document, error) {
	if c.caching && c.cache != nil {
		return c.cache, nil
	}
	doc := NewDocument(c.schema)
	data, err := store.ReadAll(ctx, c.store, c.path)
	if errors.Is(err, store.ErrNotExist) {
		c.remember(doc)
		return doc, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading metadata document %s: %w", c.path, err)
	}
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptDoc, c.path, err)
	}
	c.remember(doc)
	return doc, nil
}

// save writes the document back, or deletes it when it has become empty so
// that sharded indexes never point at hollow shards.
func (c *Client) save(ctx context.Context, doc *Document) error {
	if doc.Empty() {
		err := c.store.Delete(ctx, c.path)
		if err != nil && !errors.Is(err, store.ErrNotExist) {
			return fmt.Errorf("deleting empty metadata document %s: %w", c.path, err)
		}
		c.remember(doc)
		return nil
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding metadata document %s: %w", c.path, err)
	}
	if err := c.store.Put(ctx, c.path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("writing metadata document %s: %w", c.path, err)
	}
	c.remember(doc)
	return nil
}

func (c *Client) remember(doc *Document) {
	if c.caching {
		c.cache = doc
	}
}

// Invalidate drops the cached document so the next call re-reads the store.
func (c *Client) Invalidate() { c.cache = nil }

// Get returns the record for a full key. version selects the live record
// (VersionCurrent or "") or a historical resource file name.
func (c *Client) Get(ctx context.Context, k Key, version string) (*Record, error) {
	if err := c.schema.Validate(k); err != nil {
		return nil, err
	}
	doc, err := c.Load(ctx)
	if err != nil {
		return nil, err
	}
	entry := doc.Get(k)
	if entry == nil {
		return nil, fmt.Errorf("%s: %w", k, ErrNotFound)
	}
	return entry.Resolve(version)
}

// Entry returns the full entry (current plus histories) for a key.
func (c *Client) Entry(ctx context.Context, k Key) (*Entry, error) {
	if err := c.schema.Validate(k); err != nil {
		return nil, err
	}
	doc, err := c.Load(ctx)
	if err != nil {
		return nil, err
	}
	entry := doc.Get(k)
	if entry == nil {
		return nil, fmt.Errorf("%s: %w", k, ErrNotFound)
	}
	return entry, nil
}

// Records returns the current record of every identity matching the
// partial key, in key order. A zero-value partial matches everything.
func (c *Client) Records(ctx context.Context, partial Key) ([]*Record, error) {
	doc, err := c.Load(ctx)
	if err != nil {
		return nil, err
	}
	keys := doc.Match(partial)
	out := make([]*Record, 0, len(keys))
	for _, k := range keys {
		out = append(out, doc.Get(k).Current)
	}
	return out, nil
}

// AddOptions tunes a single Add call.
type AddOptions struct {
	// CreateOnly fails with ErrAlreadyExists when the identity is present.
	CreateOnly bool
}

// Add installs rec as the current record for its identity and writes the
// document back. In archive mode an existing current moves into histories.
// The returned bool is true when the identity was created.
func (c *Client) Add(ctx context.Context, rec *Record, opts AddOptions) (*Document, bool, error) {
	k := rec.Key()
	if err := c.schema.Validate(k); err != nil {
		return nil, false, err
	}
	if err := rec.validateExtra(); err != nil {
		return nil, false, fmt.Errorf("%s: %w", k, err)
	}
	doc, err := c.Load(ctx)
	if err != nil {
		return nil, false, err
	}

	entry := doc.Get(k)
	created := entry == nil
	if created {
		entry = NewEntry(rec, c.archive)
		doc.Put(k, entry)
	} else {
		if opts.CreateOnly {
			return nil, false, fmt.Errorf("%s: %w", k, ErrAlreadyExists)
		}
		entry.Replace(rec, c.maxHistories)
	}

	if err := c.save(ctx, doc); err != nil {
		return nil, false, err
	}
	log.Debug().Stringer("key", k).Bool("created", created).Str("doc", c.path).Msg("metadata record added")
	return doc, created, nil
}

// Update applies fn to the identity's entry in place and writes the
// document back. Fails with ErrNotFound when the identity is absent.
func (c *Client) Update(ctx context.Context, k Key, fn func(*Entry)) (*Record, error) {
	if err := c.schema.Validate(k); err != nil {
		return nil, err
	}
	doc, err := c.Load(ctx)
	if err != nil {
		return nil, err
	}
	entry := doc.Get(k)
	if entry == nil {
		return nil, fmt.Errorf("%s: %w", k, ErrNotFound)
	}
	fn(entry)
	if err := c.save(ctx, doc); err != nil {
		return nil, err
	}
	return entry.Current, nil
}

// Remove deletes the identity's entry and writes the document back, pruning
// an emptied group level and deleting an emptied document. It returns the
// removed current record, or nil if the identity was absent.
func (c *Client) Remove(ctx context.Context, k Key) (*Record, error) {
	if err := c.schema.Validate(k); err != nil {
		return nil, err
	}
	doc, err := c.Load(ctx)
	if err != nil {
		return nil, err
	}
	entry := doc.Remove(k)
	if entry == nil {
		return nil, nil
	}
	if err := c.save(ctx, doc); err != nil {
		return nil, err
	}
	log.Debug().Stringer("key", k).Str("doc", c.path).Msg("metadata record removed")
	return entry.Current, nil
}
