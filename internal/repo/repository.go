package repo

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/blobvault/blobvault/internal/lock"
	"github.com/blobvault/blobvault/internal/store"
)

const (
	// DefaultMetaName is the metadata document name for unsharded
	// collections.
	DefaultMetaName = "metadata"

	indexName = "_metadata_index.json"
	lockName  = "_lock.json"
	dataDir   = "data"
)

// Options configures a resource repository.
type Options struct {
	// BasePath is the collection's root in the object store. Everything
	// the repository writes lives under it.
	BasePath string

	// MetaName overrides the metadata document name. Ignored when Shard
	// is set.
	MetaName string

	Schema       KeySchema
	Archive      bool
	MaxHistories int

	// Shard splits metadata across per-period documents tracked by the
	// index. Nil keeps one document for the whole collection.
	Shard *ShardPolicy

	// VerifyUploads re-reads each pushed blob and compares MD5 digests
	// before the metadata commit.
	VerifyUploads bool

	// Metrics receives operation counters when set.
	Metrics *Metrics
}

// Repository is the entry point archiving jobs use: push, get, list,
// delete, download, and the reconciliation sweeps. It performs no locking
// itself; callers hold a lock.Session around any mutating sequence.
type Repository struct {
	store store.ObjectStore
	opts  Options
	index *Index

	// single is the collection's only client when unsharded.
	single *Client

	now func() time.Time
}

// New returns a repository over the collection rooted at opts.BasePath.
func New(s store.ObjectStore, opts Options) (*Repository, error) {
	if opts.BasePath == "" {
		return nil, fmt.Errorf("base path is required")
	}
	if opts.Schema == 0 {
		opts.Schema = SimpleKeys
	}
	if opts.MetaName == "" {
		opts.MetaName = DefaultMetaName
	}
	if opts.Shard != nil && opts.Shard.Name == nil {
		return nil, fmt.Errorf("shard policy needs a name function")
	}

	r := &Repository{
		store: s,
		opts:  opts,
		now:   func() time.Time { return time.Now().UTC() },
	}
	if opts.Shard != nil {
		r.index = NewIndex(s, path.Join(opts.BasePath, indexName))
	} else {
		r.single = r.clientFor(opts.MetaName)
	}
	return r, nil
}

// Locker returns a store-backed locker for this collection. All mutators
// of the collection must acquire through the same path.
func (r *Repository) Locker() lock.Locker {
	return lock.NewStoreLocker(r.store, path.Join(r.opts.BasePath, lockName))
}

// Index returns the shard index, or nil for unsharded collections.
func (r *Repository) Index() *Index { return r.index }

func (r *Repository) clientFor(metaName string) *Client {
	return NewClient(r.store, path.Join(r.opts.BasePath, metaName+".json"), ClientOptions{
		Schema:       r.opts.Schema,
		Archive:      r.opts.Archive,
		MaxHistories: r.opts.MaxHistories,
	})
}

// dataPath derives the object path for a resource file.
func (r *Repository) dataPath(k Key, file string) string {
	if k.Group != "" {
		return path.Join(r.opts.BasePath, dataDir, k.Group, file)
	}
	return path.Join(r.opts.BasePath, dataDir, file)
}

// dataPrefix is the root of all resource blobs in the collection.
func (r *Repository) dataPrefix() string {
	return path.Join(r.opts.BasePath, dataDir)
}

// StampedFile derives a version-unique blob name from a resource id, e.g.
// "access.log" pushed at 12:30:05 becomes "access_2026-08-31-12-30-05.log".
func StampedFile(id string, t time.Time) string {
	ext := path.Ext(id)
	stem := id[:len(id)-len(ext)]
	if stem == "" {
		// Dotfiles like ".bashrc" have no extension; stamp after the name.
		stem, ext = id, ""
	}
	return stem + "_" + t.UTC().Format("2006-01-02-15-04-05") + ext
}

// scanClients returns the clients to visit for a read or sweep. With
// sharding it walks the index newest shard first; bounded scans skip shards
// older than the policy's earliest bound.
func (r *Repository) scanClients(ctx context.Context, bounded bool) ([]*Client, error) {
	if r.single != nil {
		return []*Client{r.single}, nil
	}
	shards, err := r.index.Shards(ctx)
	if err != nil {
		return nil, err
	}
	earliest := ""
	if bounded && r.opts.Shard.Earliest != nil {
		earliest = r.opts.Shard.Earliest(r.now())
	}
	out := make([]*Client, 0, len(shards))
	for i := len(shards) - 1; i >= 0; i-- {
		if shards[i].Name < earliest {
			continue
		}
		out = append(out, NewClient(r.store, shards[i].Path, ClientOptions{
			Schema:       r.opts.Schema,
			Archive:      r.opts.Archive,
			MaxHistories: r.opts.MaxHistories,
		}))
	}
	return out, nil
}

// findClient locates the client whose document holds the key.
func (r *Repository) findClient(ctx context.Context, k Key) (*Client, error) {
	clients, err := r.scanClients(ctx, true)
	if err != nil {
		return nil, err
	}
	for _, c := range clients {
		doc, err := c.Load(ctx)
		if err != nil {
			return nil, err
		}
		if doc.Get(k) != nil {
			return c, nil
		}
	}
	return nil, fmt.Errorf("%s: %w", k, ErrNotFound)
}

// PushOptions tunes one push.
type PushOptions struct {
	// CreateOnly fails with ErrAlreadyExists when the identity already
	// has a record.
	CreateOnly bool

	// PostPush runs after the upload and before the metadata commit,
	// typically to stamp an end-of-collection timestamp on the record.
	PostPush func(*Record) error
}

// Push uploads content for rec and commits its metadata. ResourceFile is
// stamped from the resource id when unset; ResourcePath and PublishDate are
// always set here. The blob is uploaded before the document write, so a
// crash in between leaves an orphan for CleanOrphans to collect.
func (r *Repository) Push(ctx context.Context, rec *Record, content io.Reader, opts PushOptions) (*Document, error) {
	k := rec.Key()
	if err := r.opts.Schema.Validate(k); err != nil {
		return nil, err
	}
	if opts.CreateOnly {
		// Checked before the upload so a doomed push does not leave an
		// orphaned blob behind. Add re-checks under the document write.
		exists, err := r.IsExist(ctx, k)
		if err != nil {
			return nil, err
		}
		if exists {
			return nil, fmt.Errorf("%s: %w", k, ErrAlreadyExists)
		}
	}

	now := r.now()
	if rec.ResourceFile == "" {
		rec.ResourceFile = StampedFile(rec.ResourceID, now)
	}
	rec.ResourcePath = r.dataPath(k, rec.ResourceFile)
	rec.PublishDate = now

	hash := md5.New()
	n, err := r.put(ctx, rec.ResourcePath, io.TeeReader(content, hash))
	if err != nil {
		r.countPush("error", 0)
		return nil, fmt.Errorf("uploading %s: %w", rec.ResourcePath, err)
	}
	if r.opts.VerifyUploads {
		if err := r.verifyUpload(ctx, rec.ResourcePath, hash.Sum(nil)); err != nil {
			r.countPush("error", 0)
			return nil, err
		}
	}

	if opts.PostPush != nil {
		if err := opts.PostPush(rec); err != nil {
			return nil, fmt.Errorf("post-push hook: %w", err)
		}
	}

	client, err := r.writeClient(ctx, now)
	if err != nil {
		return nil, err
	}
	doc, created, err := client.Add(ctx, rec, AddOptions{CreateOnly: opts.CreateOnly})
	if err != nil {
		return nil, err
	}
	if r.index != nil {
		shardName := r.opts.Shard.Name(now)
		if err := r.index.Add(ctx, shardName, client.Path()); err != nil {
			return nil, err
		}
	}

	r.countPush("ok", n)
	log.Info().
		Stringer("key", k).
		Str("file", rec.ResourceFile).
		Int64("bytes", n).
		Bool("created", created).
		Msg("resource pushed")
	return doc, nil
}

// PushFile pushes the contents of a local file.
func (r *Repository) PushFile(ctx context.Context, localPath string, rec *Record, opts PushOptions) (*Document, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", localPath, err)
	}
	defer f.Close()
	return r.Push(ctx, rec, f, opts)
}

func (r *Repository) put(ctx context.Context, p string, content io.Reader) (int64, error) {
	counter := &countingReader{r: content}
	if err := r.store.Put(ctx, p, counter); err != nil {
		return 0, err
	}
	return counter.n, nil
}

// verifyUpload re-reads the blob and compares digests. Catches the rare
// truncated write an eventually consistent store can surface.
func (r *Repository) verifyUpload(ctx context.Context, p string, want []byte) error {
	rc, err := r.store.Get(ctx, p)
	if err != nil {
		return fmt.Errorf("verifying upload %s: %w", p, err)
	}
	defer rc.Close()
	hash := md5.New()
	if _, err := io.Copy(hash, rc); err != nil {
		return fmt.Errorf("verifying upload %s: %w", p, err)
	}
	if got := hash.Sum(nil); !bytes.Equal(got, want) {
		return fmt.Errorf("upload %s: digest mismatch, got %s want %s",
			p, hex.EncodeToString(got), hex.EncodeToString(want))
	}
	return nil
}

// writeClient picks the document a record pushed now belongs to.
func (r *Repository) writeClient(ctx context.Context, now time.Time) (*Client, error) {
	if r.single != nil {
		return r.single, nil
	}
	name := r.opts.Shard.Name(now)
	return NewClient(r.store, path.Join(r.opts.BasePath, name+".json"), ClientOptions{
		Schema:       r.opts.Schema,
		Archive:      r.opts.Archive,
		MaxHistories: r.opts.MaxHistories,
	}), nil
}

// Get returns the record for a key: the current version, or a historical
// one when version names a resource file.
func (r *Repository) Get(ctx context.Context, k Key, version string) (*Record, error) {
	client, err := r.findClient(ctx, k)
	if err != nil {
		return nil, err
	}
	return client.Get(ctx, k, version)
}

// Entry returns the full entry (current plus histories) for a key.
func (r *Repository) Entry(ctx context.Context, k Key) (*Entry, error) {
	client, err := r.findClient(ctx, k)
	if err != nil {
		return nil, err
	}
	return client.Entry(ctx, k)
}

// IsExist reports whether the identity has a record.
func (r *Repository) IsExist(ctx context.Context, k Key) (bool, error) {
	_, err := r.Get(ctx, k, VersionCurrent)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Metadatas returns the current record of every identity matching the
// partial key, newest shard first within the scan bound.
func (r *Repository) Metadatas(ctx context.Context, partial Key) ([]*Record, error) {
	clients, err := r.scanClients(ctx, true)
	if err != nil {
		return nil, err
	}
	var out []*Record
	for _, c := range clients {
		recs, err := c.Records(ctx, partial)
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
	}
	return out, nil
}

// LastResource returns the most recently pushed current record, or
// ErrNotFound for an empty collection. Continuous jobs use it as the
// resume bookmark after a restart.
func (r *Repository) LastResource(ctx context.Context) (*Record, error) {
	recs, err := r.Metadatas(ctx, Key{})
	if err != nil {
		return nil, err
	}
	var last *Record
	for _, rec := range recs {
		if last == nil || rec.PublishDate.After(last.PublishDate) {
			last = rec
		}
	}
	if last == nil {
		return nil, ErrNotFound
	}
	return last, nil
}

// Delete removes a resource. permanent=false stamps the logical delete
// markers and keeps blob and record for the retention window; re-deleting
// keeps the original delete time. permanent=true removes every version's
// blob and the record itself. Returns the affected record, or nil when the
// identity was already absent.
func (r *Repository) Delete(ctx context.Context, k Key, permanent bool) (*Record, error) {
	client, err := r.findClient(ctx, k)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !permanent {
		now := r.now()
		rec, err := client.Update(ctx, k, func(e *Entry) {
			if e.Current.Deleted {
				return
			}
			e.Current.Deleted = true
			e.Current.DeleteTime = now
		})
		if err != nil {
			return nil, err
		}
		r.countDelete("logical")
		log.Info().Stringer("key", k).Msg("resource logically deleted")
		return rec, nil
	}
	return r.deletePermanent(ctx, client, k)
}

func (r *Repository) deletePermanent(ctx context.Context, client *Client, k Key) (*Record, error) {
	entry, err := client.Entry(ctx, k)
	if err != nil {
		return nil, err
	}
	for _, rec := range entry.Records() {
		if rec.ResourcePath == "" {
			continue
		}
		err := r.store.Delete(ctx, rec.ResourcePath)
		if err != nil && !errors.Is(err, store.ErrNotExist) {
			return nil, fmt.Errorf("deleting blob %s: %w", rec.ResourcePath, err)
		}
		if errors.Is(err, store.ErrNotExist) {
			log.Warn().Str("path", rec.ResourcePath).Msg("blob already gone during delete")
		}
	}
	removed, err := client.Remove(ctx, k)
	if err != nil {
		return nil, err
	}
	if r.index != nil {
		if err := r.unindexIfEmpty(ctx, client); err != nil {
			return nil, err
		}
	}
	r.countDelete("permanent")
	log.Info().Stringer("key", k).Int("versions", len(entry.Records())).Msg("resource permanently deleted")
	return removed, nil
}

// unindexIfEmpty drops the shard's index entry once its document is gone.
func (r *Repository) unindexIfEmpty(ctx context.Context, client *Client) error {
	doc, err := client.Load(ctx)
	if err != nil {
		return err
	}
	if !doc.Empty() {
		return nil
	}
	shards, err := r.index.Shards(ctx)
	if err != nil {
		return err
	}
	for _, s := range shards {
		if s.Path == client.Path() {
			return r.index.Remove(ctx, s.Name)
		}
	}
	return nil
}

// Download fetches the current blob for one identity into dest. An
// existing destination fails with ErrAlreadyExists unless overwrite is set.
func (r *Repository) Download(ctx context.Context, k Key, dest string, overwrite bool) error {
	rec, err := r.Get(ctx, k, VersionCurrent)
	if err != nil {
		return err
	}
	return r.downloadRecord(ctx, rec, dest, overwrite)
}

// DownloadGroup fetches the current blob of every identity under a group
// into destDir, named by resource file. Existing files are skipped unless
// overwrite is set.
func (r *Repository) DownloadGroup(ctx context.Context, group, destDir string, overwrite bool) error {
	recs, err := r.Metadatas(ctx, Key{Group: group})
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		return fmt.Errorf("group %s: %w", group, ErrNotFound)
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return err
	}
	for _, rec := range recs {
		dest := filepath.Join(destDir, rec.ResourceFile)
		err := r.downloadRecord(ctx, rec, dest, overwrite)
		if errors.Is(err, ErrAlreadyExists) {
			log.Debug().Str("dest", dest).Msg("download skipped, file exists")
			continue
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *Repository) downloadRecord(ctx context.Context, rec *Record, dest string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Lstat(dest); err == nil {
			return fmt.Errorf("%s: %w", dest, ErrAlreadyExists)
		}
	}
	rc, err := r.store.Get(ctx, rec.ResourcePath)
	if err != nil {
		return fmt.Errorf("downloading %s: %w", rec.ResourcePath, err)
	}
	defer rc.Close()

	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, rc); err != nil {
		f.Close()
		return fmt.Errorf("writing %s: %w", dest, err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	if r.opts.Metrics != nil {
		r.opts.Metrics.DownloadsTotal.Inc()
	}
	return nil
}

// CleanExpiredDeleted permanently removes every logically deleted record
// whose delete time plus expiry has passed. The session, when given, is
// renewed between deletions. Returns the number of resources purged.
func (r *Repository) CleanExpiredDeleted(ctx context.Context, expiry time.Duration, session lock.Session) (int, error) {
	clients, err := r.scanClients(ctx, false)
	if err != nil {
		return 0, err
	}
	now := r.now()
	purged := 0
	for _, c := range clients {
		doc, err := c.Load(ctx)
		if err != nil {
			return purged, err
		}
		for _, k := range doc.Keys() {
			rec := doc.Get(k).Current
			if !rec.Deleted || !now.After(rec.DeleteTime.Add(expiry)) {
				continue
			}
			if _, err := r.deletePermanent(ctx, c, k); err != nil {
				return purged, err
			}
			purged++
			if r.opts.Metrics != nil {
				r.opts.Metrics.PurgedTotal.Inc()
			}
			if session != nil {
				if err := session.RenewIfNeeded(ctx); err != nil {
					return purged, err
				}
			}
		}
	}
	if purged > 0 {
		log.Info().Int("purged", purged).Dur("expiry", expiry).Msg("expired deleted resources purged")
	}
	return purged, nil
}

// CleanOrphans deletes every blob under the data prefix that no metadata
// record references, recovering the space lost to crashes between upload
// and metadata commit. The scan covers all shards regardless of the
// policy's earliest bound. Returns the deleted paths.
func (r *Repository) CleanOrphans(ctx context.Context) ([]string, error) {
	clients, err := r.scanClients(ctx, false)
	if err != nil {
		return nil, err
	}
	referenced := make(map[string]struct{})
	for _, c := range clients {
		doc, err := c.Load(ctx)
		if err != nil {
			return nil, err
		}
		for _, k := range doc.Keys() {
			for _, rec := range doc.Get(k).Records() {
				referenced[rec.ResourcePath] = struct{}{}
			}
		}
	}

	blobs, err := r.store.List(ctx, r.dataPrefix())
	if err != nil {
		return nil, fmt.Errorf("listing data blobs: %w", err)
	}
	var deleted []string
	for _, p := range blobs {
		if _, ok := referenced[p]; ok {
			continue
		}
		err := r.store.Delete(ctx, p)
		if err != nil && !errors.Is(err, store.ErrNotExist) {
			return deleted, fmt.Errorf("deleting orphan %s: %w", p, err)
		}
		deleted = append(deleted, p)
		log.Warn().Str("path", p).Msg("orphan blob removed")
		if r.opts.Metrics != nil {
			r.opts.Metrics.OrphansCleaned.Inc()
		}
	}
	return deleted, nil
}

// CleanResources permanently deletes every live record matching pred,
// working in batches of batchSize with a lease renewal between batches so
// hours-long sweeps keep their lock. It finishes with an orphan scan.
// Returns the number of resources deleted.
func (r *Repository) CleanResources(ctx context.Context, pred func(*Record) bool, batchSize int, session lock.Session) (int, error) {
	if batchSize <= 0 {
		batchSize = 1000
	}
	clients, err := r.scanClients(ctx, false)
	if err != nil {
		return 0, err
	}
	deleted := 0
	inBatch := 0
	for _, c := range clients {
		doc, err := c.Load(ctx)
		if err != nil {
			return deleted, err
		}
		for _, k := range doc.Keys() {
			rec := doc.Get(k).Current
			if rec.Deleted || !pred(rec) {
				continue
			}
			if _, err := r.deletePermanent(ctx, c, k); err != nil {
				return deleted, err
			}
			deleted++
			inBatch++
			if inBatch >= batchSize {
				inBatch = 0
				if session != nil {
					if err := session.Renew(ctx); err != nil {
						return deleted, err
					}
				}
				log.Info().Int("deleted", deleted).Msg("clean batch complete")
			}
		}
	}
	if _, err := r.CleanOrphans(ctx); err != nil {
		return deleted, err
	}
	log.Info().Int("deleted", deleted).Msg("resource clean complete")
	return deleted, nil
}

func (r *Repository) countPush(status string, n int64) {
	if r.opts.Metrics == nil {
		return
	}
	r.opts.Metrics.PushesTotal.WithLabelValues(status).Inc()
	if n > 0 {
		r.opts.Metrics.PushBytes.Add(float64(n))
	}
}

func (r *Repository) countDelete(mode string) {
	if r.opts.Metrics != nil {
		r.opts.Metrics.DeletesTotal.WithLabelValues(mode).Inc()
	}
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
