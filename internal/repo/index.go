package repo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/blobvault/blobvault/internal/store"
)

// ShardFunc maps a point in time to a shard name. Shard names must sort
// lexically in time order so scan bounds can compare them directly.
type ShardFunc func(t time.Time) string

// ShardPolicy is the caller-supplied sharding strategy.
type ShardPolicy struct {
	// Name picks the shard a record pushed at t belongs to.
	Name ShardFunc

	// Earliest, when set, bounds full scans: shards whose name sorts
	// below Earliest(now) are skipped. Typically a retention window,
	// such as "twelve periods back".
	Earliest ShardFunc
}

// MonthlyShards names shards by calendar month, e.g. "metadata-2026-08".
func MonthlyShards(prefix string) ShardFunc {
	return func(t time.Time) string {
		return prefix + "-" + t.UTC().Format("2006-01")
	}
}

// DailyShards names shards by calendar day, e.g. "metadata-2026-08-31".
func DailyShards(prefix string) ShardFunc {
	return func(t time.Time) string {
		return prefix + "-" + t.UTC().Format("2006-01-02")
	}
}

// Shard is one index mapping.
type Shard struct {
	Name string
	Path string
}

// Index maps shard names to metadata document paths so a scan can discover
// shards without listing the object store. The mapping is kept in strict
// correspondence with live shards: entries are added when a shard gains its
// first record and removed when the shard document is deleted.
type Index struct {
	store store.ObjectStore
	path  string
}

// NewIndex returns the index stored at path.
func NewIndex(s store.ObjectStore, path string) *Index {
	return &Index{store: s, path: path}
}

// Path returns the index document's storage path.
func (x *Index) Path() string { return x.path }

func (x *Index) load(ctx context.Context) (map[string]string, error) {
	data, err := store.ReadAll(ctx, x.store, x.path)
	if errors.Is(err, store.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading metadata index %s: %w", x.path, err)
	}
	var m map[string]string
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: index %s: %v", ErrCorruptDoc, x.path, err)
	}
	return m, nil
}

func (x *Index) save(ctx context.Context, m map[string]string) error {
	if len(m) == 0 {
		err := x.store.Delete(ctx, x.path)
		if err != nil && !errors.Is(err, store.ErrNotExist) {
			return fmt.Errorf("deleting empty metadata index %s: %w", x.path, err)
		}
		return nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encoding metadata index: %w", err)
	}
	if err := x.store.Put(ctx, x.path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("writing metadata index %s: %w", x.path, err)
	}
	return nil
}

// Add records a shard name to document path mapping. Idempotent: an
// existing entry is left untouched.
func (x *Index) Add(ctx context.Context, name, docPath string) error {
	m, err := x.load(ctx)
	if err != nil {
		return err
	}
	if existing, ok := m[name]; ok {
		if existing != docPath {
			return fmt.Errorf("shard %s already indexed at %s", name, existing)
		}
		return nil
	}
	m[name] = docPath
	if err := x.save(ctx, m); err != nil {
		return err
	}
	log.Debug().Str("shard", name).Str("path", docPath).Msg("shard indexed")
	return nil
}

// Remove drops a shard mapping, deleting the index document when the last
// entry goes. Removing an absent name is a no-op.
func (x *Index) Remove(ctx context.Context, name string) error {
	m, err := x.load(ctx)
	if err != nil {
		return err
	}
	if _, ok := m[name]; !ok {
		return nil
	}
	delete(m, name)
	return x.save(ctx, m)
}

// Shards returns all indexed shards sorted by name, which is time order
// under the lexical naming contract.
func (x *Index) Shards(ctx context.Context) ([]Shard, error) {
	m, err := x.load(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Shard, 0, len(m))
	for name, p := range m {
		out = append(out, Shard{Name: name, Path: p})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
