package repo

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blobvault/blobvault/internal/store"
	"github.com/blobvault/blobvault/internal/store/fsstore"
)

// fakeClock hands out strictly increasing times so stamped resource files
// never collide within a test.
type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

func newTestRepo(t *testing.T, opts Options) (*Repository, store.ObjectStore, *fakeClock) {
	t.Helper()
	s := fsstore.NewMem()
	if opts.BasePath == "" {
		opts.BasePath = "logs"
	}
	r, err := New(s, opts)
	require.NoError(t, err)
	clock := newFakeClock()
	r.now = clock.Now
	return r, s, clock
}

func pushString(t *testing.T, r *Repository, rec *Record, content string) *Record {
	t.Helper()
	_, err := r.Push(context.Background(), rec, strings.NewReader(content), PushOptions{})
	require.NoError(t, err)
	return rec
}

func TestPushStampsRecord(t *testing.T) {
	ctx := context.Background()
	r, s, _ := newTestRepo(t, Options{Schema: SimpleKeys, Archive: true})

	rec := pushString(t, r, &Record{ResourceID: "access.log"}, "line1\n")

	assert.Regexp(t, `^access_\d{4}-\d{2}-\d{2}-\d{2}-\d{2}-\d{2}\.log$`, rec.ResourceFile)
	assert.Equal(t, "logs/data/"+rec.ResourceFile, rec.ResourcePath)
	assert.False(t, rec.PublishDate.IsZero())

	data, err := store.ReadAll(ctx, s, rec.ResourcePath)
	require.NoError(t, err)
	assert.Equal(t, "line1\n", string(data))
}

func TestStampedFile(t *testing.T) {
	at := time.Date(2026, 8, 31, 12, 30, 5, 0, time.UTC)

	assert.Equal(t, "access_2026-08-31-12-30-05.log", StampedFile("access.log", at))
	assert.Equal(t, "dump.tar_2026-08-31-12-30-05.gz", StampedFile("dump.tar.gz", at))
	assert.Equal(t, "report_2026-08-31-12-30-05", StampedFile("report", at))
	assert.Equal(t, ".bashrc_2026-08-31-12-30-05", StampedFile(".bashrc", at))
}

func TestPushKeepsExplicitResourceFile(t *testing.T) {
	r, _, _ := newTestRepo(t, Options{Schema: SimpleKeys})

	rec := pushString(t, r, &Record{ResourceID: "a.txt", ResourceFile: "a-v7.txt"}, "x")
	assert.Equal(t, "a-v7.txt", rec.ResourceFile)
	assert.Equal(t, "logs/data/a-v7.txt", rec.ResourcePath)
}

func TestPushGroupedPath(t *testing.T) {
	r, _, _ := newTestRepo(t, Options{Schema: GroupKeys})

	rec := pushString(t, r, &Record{ResourceGroup: "web01", ResourceID: "access.log"}, "x")
	assert.Equal(t, "logs/data/web01/"+rec.ResourceFile, rec.ResourcePath)
}

func TestPushPostPushHook(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newTestRepo(t, Options{Schema: SimpleKeys})

	_, err := r.Push(ctx, &Record{ResourceID: "a.txt"}, strings.NewReader("x"), PushOptions{
		PostPush: func(rec *Record) error {
			rec.SetExtra("collected_to", "2026-08-31 11:59:00")
			return nil
		},
	})
	require.NoError(t, err)

	got, err := r.Get(ctx, SimpleKey("a.txt"), VersionCurrent)
	require.NoError(t, err)
	assert.Equal(t, "2026-08-31 11:59:00", got.ExtraString("collected_to"))
}

func TestPushCreateOnly(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newTestRepo(t, Options{Schema: SimpleKeys})

	first := pushString(t, r, &Record{ResourceID: "a.txt"}, "v1")
	_, err := r.Push(ctx, &Record{ResourceID: "a.txt"}, strings.NewReader("v2"), PushOptions{CreateOnly: true})
	assert.ErrorIs(t, err, ErrAlreadyExists)

	// The rejected push uploaded nothing: only the first blob exists.
	blobs, err := r.store.List(ctx, r.dataPrefix())
	require.NoError(t, err)
	assert.Equal(t, []string{first.ResourcePath}, blobs)
}

func TestPushVerifyUploads(t *testing.T) {
	r, _, _ := newTestRepo(t, Options{Schema: SimpleKeys, VerifyUploads: true})
	pushString(t, r, &Record{ResourceID: "a.txt"}, "payload")
}

func TestPushFile(t *testing.T) {
	ctx := context.Background()
	r, s, _ := newTestRepo(t, Options{Schema: SimpleKeys})

	local := filepath.Join(t.TempDir(), "report.csv")
	require.NoError(t, os.WriteFile(local, []byte("a,b,c\n"), 0o644))

	_, err := r.PushFile(ctx, local, &Record{ResourceID: "report.csv"}, PushOptions{})
	require.NoError(t, err)

	rec, err := r.Get(ctx, SimpleKey("report.csv"), VersionCurrent)
	require.NoError(t, err)
	data, err := store.ReadAll(ctx, s, rec.ResourcePath)
	require.NoError(t, err)
	assert.Equal(t, "a,b,c\n", string(data))
}

func TestEndToEnd(t *testing.T) {
	ctx := context.Background()
	r, s, _ := newTestRepo(t, Options{Schema: SimpleKeys, Archive: true})

	pushString(t, r, &Record{ResourceID: "a.txt"}, "v1")
	first, err := r.Get(ctx, SimpleKey("a.txt"), VersionCurrent)
	require.NoError(t, err)
	assert.NotEmpty(t, first.ResourceFile)

	pushString(t, r, &Record{ResourceID: "a.txt"}, "v2")
	entry, err := r.Entry(ctx, SimpleKey("a.txt"))
	require.NoError(t, err)
	require.Len(t, entry.Histories, 1)
	assert.Equal(t, first.ResourceFile, entry.Histories[0].ResourceFile)
	assert.NotEqual(t, first.ResourceFile, entry.Current.ResourceFile)

	removed, err := r.Delete(ctx, SimpleKey("a.txt"), true)
	require.NoError(t, err)
	require.NotNil(t, removed)

	_, err = r.Get(ctx, SimpleKey("a.txt"), VersionCurrent)
	assert.ErrorIs(t, err, ErrNotFound)

	for _, rec := range []*Record{first, entry.Current} {
		_, err := s.Get(ctx, rec.ResourcePath)
		assert.ErrorIs(t, err, store.ErrNotExist, "blob %s should be gone", rec.ResourcePath)
	}
}

func TestLogicalDeleteIdempotent(t *testing.T) {
	ctx := context.Background()
	r, s, _ := newTestRepo(t, Options{Schema: SimpleKeys})

	rec := pushString(t, r, &Record{ResourceID: "a.txt"}, "v1")

	first, err := r.Delete(ctx, SimpleKey("a.txt"), false)
	require.NoError(t, err)
	assert.True(t, first.Deleted)
	require.False(t, first.DeleteTime.IsZero())

	second, err := r.Delete(ctx, SimpleKey("a.txt"), false)
	require.NoError(t, err)
	assert.Equal(t, first.DeleteTime, second.DeleteTime, "re-delete keeps the original delete time")

	// The blob survives a logical delete.
	_, err = s.Get(ctx, rec.ResourcePath)
	require.NoError(t, err)
}

func TestDeleteAbsent(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newTestRepo(t, Options{Schema: SimpleKeys})

	rec, err := r.Delete(ctx, SimpleKey("missing"), true)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestIsExist(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newTestRepo(t, Options{Schema: SimpleKeys})

	ok, err := r.IsExist(ctx, SimpleKey("a.txt"))
	require.NoError(t, err)
	assert.False(t, ok)

	pushString(t, r, &Record{ResourceID: "a.txt"}, "v1")
	ok, err = r.IsExist(ctx, SimpleKey("a.txt"))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLastResource(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newTestRepo(t, Options{Schema: SimpleKeys})

	_, err := r.LastResource(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	pushString(t, r, &Record{ResourceID: "a.txt"}, "v1")
	pushString(t, r, &Record{ResourceID: "b.txt"}, "v1")

	last, err := r.LastResource(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b.txt", last.ResourceID)
}

func TestDownload(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newTestRepo(t, Options{Schema: SimpleKeys})

	pushString(t, r, &Record{ResourceID: "a.txt"}, "hello")

	dest := filepath.Join(t.TempDir(), "a.txt")
	require.NoError(t, r.Download(ctx, SimpleKey("a.txt"), dest, false))
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	err = r.Download(ctx, SimpleKey("a.txt"), dest, false)
	assert.ErrorIs(t, err, ErrAlreadyExists)
	require.NoError(t, r.Download(ctx, SimpleKey("a.txt"), dest, true))

	err = r.Download(ctx, SimpleKey("missing"), dest, true)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDownloadGroup(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newTestRepo(t, Options{Schema: GroupKeys})

	a := pushString(t, r, &Record{ResourceGroup: "web01", ResourceID: "access.log"}, "aa")
	b := pushString(t, r, &Record{ResourceGroup: "web01", ResourceID: "error.log"}, "bb")
	pushString(t, r, &Record{ResourceGroup: "web02", ResourceID: "access.log"}, "cc")

	destDir := t.TempDir()
	require.NoError(t, r.DownloadGroup(ctx, "web01", destDir, false))

	for rec, want := range map[*Record]string{a: "aa", b: "bb"} {
		data, err := os.ReadFile(filepath.Join(destDir, rec.ResourceFile))
		require.NoError(t, err)
		assert.Equal(t, want, string(data))
	}

	// Existing files are skipped, not overwritten.
	require.NoError(t, r.DownloadGroup(ctx, "web01", destDir, false))

	err := r.DownloadGroup(ctx, "web09", destDir, false)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCleanOrphans(t *testing.T) {
	ctx := context.Background()
	r, s, _ := newTestRepo(t, Options{Schema: SimpleKeys, Archive: true})

	kept := pushString(t, r, &Record{ResourceID: "a.txt"}, "v1")
	pushString(t, r, &Record{ResourceID: "a.txt"}, "v2")

	// A blob with no record: the crash-between-upload-and-commit case.
	require.NoError(t, s.Put(ctx, "logs/data/stray_2026-08-31.txt", bytes.NewReader([]byte("lost"))))

	deleted, err := r.CleanOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"logs/data/stray_2026-08-31.txt"}, deleted)

	// Current and history blobs are both still referenced.
	_, err = s.Get(ctx, kept.ResourcePath)
	require.NoError(t, err)
}

func TestCleanExpiredDeleted(t *testing.T) {
	ctx := context.Background()
	r, s, clock := newTestRepo(t, Options{Schema: SimpleKeys})
	expiry := 28 * 24 * time.Hour

	expired := pushString(t, r, &Record{ResourceID: "old.txt"}, "v1")
	fresh := pushString(t, r, &Record{ResourceID: "new.txt"}, "v1")
	pushString(t, r, &Record{ResourceID: "live.txt"}, "v1")

	now := clock.t
	_, err := r.single.Update(ctx, SimpleKey("old.txt"), func(e *Entry) {
		e.Current.Deleted = true
		e.Current.DeleteTime = now.Add(-expiry - time.Second)
	})
	require.NoError(t, err)
	_, err = r.single.Update(ctx, SimpleKey("new.txt"), func(e *Entry) {
		e.Current.Deleted = true
		e.Current.DeleteTime = now.Add(-expiry + time.Second)
	})
	require.NoError(t, err)

	r.now = func() time.Time { return now }
	purged, err := r.CleanExpiredDeleted(ctx, expiry, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	_, err = r.Get(ctx, SimpleKey("old.txt"), VersionCurrent)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Get(ctx, expired.ResourcePath)
	assert.ErrorIs(t, err, store.ErrNotExist)

	got, err := r.Get(ctx, SimpleKey("new.txt"), VersionCurrent)
	require.NoError(t, err)
	assert.True(t, got.Deleted, "inside the window the record is retained")
	_, err = s.Get(ctx, fresh.ResourcePath)
	require.NoError(t, err)
}

func TestCleanResources(t *testing.T) {
	ctx := context.Background()
	r, s, _ := newTestRepo(t, Options{Schema: SimpleKeys})

	pushString(t, r, &Record{ResourceID: "keep.txt"}, "v1")
	pushString(t, r, &Record{ResourceID: "drop1.txt"}, "v1")
	pushString(t, r, &Record{ResourceID: "drop2.txt"}, "v1")
	require.NoError(t, s.Put(ctx, "logs/data/stray.txt", bytes.NewReader([]byte("x"))))

	session, err := r.Locker().Acquire(ctx, time.Minute, time.Second)
	require.NoError(t, err)
	defer session.Release(ctx)

	deleted, err := r.CleanResources(ctx, func(rec *Record) bool {
		return strings.HasPrefix(rec.ResourceID, "drop")
	}, 1, session)
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	_, err = r.Get(ctx, SimpleKey("keep.txt"), VersionCurrent)
	require.NoError(t, err)
	for _, id := range []string{"drop1.txt", "drop2.txt"} {
		_, err = r.Get(ctx, SimpleKey(id), VersionCurrent)
		assert.ErrorIs(t, err, ErrNotFound)
	}

	// The concluding orphan scan removed the stray blob too.
	_, err = s.Get(ctx, "logs/data/stray.txt")
	assert.ErrorIs(t, err, store.ErrNotExist)
}

func TestCleanResourcesSkipsLogicallyDeleted(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newTestRepo(t, Options{Schema: SimpleKeys})

	pushString(t, r, &Record{ResourceID: "a.txt"}, "v1")
	_, err := r.Delete(ctx, SimpleKey("a.txt"), false)
	require.NoError(t, err)

	deleted, err := r.CleanResources(ctx, func(*Record) bool { return true }, 10, nil)
	require.NoError(t, err)
	assert.Zero(t, deleted, "logically deleted records wait for the purge sweep")
}

func TestShardedRepository(t *testing.T) {
	ctx := context.Background()
	s := fsstore.NewMem()
	r, err := New(s, Options{
		BasePath: "logs",
		Schema:   SimpleKeys,
		Archive:  true,
		Shard:    &ShardPolicy{Name: MonthlyShards("metadata")},
	})
	require.NoError(t, err)

	july := time.Date(2026, 7, 10, 0, 0, 0, 0, time.UTC)
	august := time.Date(2026, 8, 10, 0, 0, 0, 0, time.UTC)

	r.now = func() time.Time { return july }
	_, err = r.Push(ctx, &Record{ResourceID: "a.txt"}, strings.NewReader("july"), PushOptions{})
	require.NoError(t, err)

	r.now = func() time.Time { return august }
	_, err = r.Push(ctx, &Record{ResourceID: "b.txt"}, strings.NewReader("august"), PushOptions{})
	require.NoError(t, err)

	shards, err := r.Index().Shards(ctx)
	require.NoError(t, err)
	require.Len(t, shards, 2)
	assert.Equal(t, "metadata-2026-07", shards[0].Name)
	assert.Equal(t, "metadata-2026-08", shards[1].Name)

	// Reads reach across shards.
	got, err := r.Get(ctx, SimpleKey("a.txt"), VersionCurrent)
	require.NoError(t, err)
	assert.Equal(t, july, got.PublishDate)

	all, err := r.Metadatas(ctx, Key{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	// Deleting the only record of a shard drops its index entry.
	_, err = r.Delete(ctx, SimpleKey("a.txt"), true)
	require.NoError(t, err)
	shards, err = r.Index().Shards(ctx)
	require.NoError(t, err)
	require.Len(t, shards, 1)
	assert.Equal(t, "metadata-2026-08", shards[0].Name)
}

func TestShardedScanBound(t *testing.T) {
	ctx := context.Background()
	s := fsstore.NewMem()
	monthly := MonthlyShards("metadata")
	r, err := New(s, Options{
		BasePath: "logs",
		Schema:   SimpleKeys,
		Shard: &ShardPolicy{
			Name: monthly,
			Earliest: func(t time.Time) string {
				return monthly(t.AddDate(0, -1, 0))
			},
		},
	})
	require.NoError(t, err)

	for i, month := range []time.Time{
		time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
	} {
		r.now = func() time.Time { return month }
		_, err = r.Push(ctx, &Record{ResourceID: []string{"old.txt", "mid.txt", "new.txt"}[i]},
			strings.NewReader("x"), PushOptions{})
		require.NoError(t, err)
	}

	r.now = func() time.Time { return time.Date(2026, 8, 15, 0, 0, 0, 0, time.UTC) }

	// Bounded reads skip shards older than one month back.
	all, err := r.Metadatas(ctx, Key{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	_, err = r.Get(ctx, SimpleKey("old.txt"), VersionCurrent)
	assert.ErrorIs(t, err, ErrNotFound)

	// Maintenance sweeps ignore the bound: the May blob is referenced,
	// not orphaned.
	deleted, err := r.CleanOrphans(ctx)
	require.NoError(t, err)
	assert.Empty(t, deleted)
}

func TestConsumer(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newTestRepo(t, Options{Schema: SimpleKeys, Archive: true})
	consumer := r.Consumer("gpstracker")

	// Empty collection counts as up to date; Consume is a no-op.
	st, err := consumer.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.UpToDate)
	assert.Nil(t, st.Latest)
	assert.Nil(t, st.Consumed)
	did, err := consumer.Consume(ctx, func(context.Context, *Record, io.Reader) error {
		t.Fatal("callback must not run when up to date")
		return nil
	})
	require.NoError(t, err)
	assert.False(t, did)

	// A push leaves the never-consumed client behind.
	pushed := pushString(t, r, &Record{ResourceID: "a.txt"}, "line1\n")
	behind, err := consumer.Behind(ctx)
	require.NoError(t, err)
	assert.True(t, behind)

	var consumed string
	did, err = consumer.Consume(ctx, func(_ context.Context, rec *Record, content io.Reader) error {
		assert.Equal(t, pushed.ResourceFile, rec.ResourceFile)
		data, err := io.ReadAll(content)
		require.NoError(t, err)
		consumed = string(data)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, did)
	assert.Equal(t, "line1\n", consumed)

	st, err = consumer.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.UpToDate)
	require.NotNil(t, st.Consumed)
	assert.Equal(t, pushed.ResourceFile, st.Consumed.ResourceFile)
	assert.False(t, st.Consumed.ConsumeDate().IsZero())

	// A newer version flips the client back to behind until consumed again.
	pushString(t, r, &Record{ResourceID: "a.txt"}, "line2\n")
	behind, err = consumer.Behind(ctx)
	require.NoError(t, err)
	assert.True(t, behind)
	did, err = consumer.Consume(ctx, func(context.Context, *Record, io.Reader) error { return nil })
	require.NoError(t, err)
	assert.True(t, did)
	behind, err = consumer.Behind(ctx)
	require.NoError(t, err)
	assert.False(t, behind)
}

func TestConsumerBookmarkHoldsOnCallbackError(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newTestRepo(t, Options{Schema: SimpleKeys, Archive: true})
	consumer := r.Consumer("gpstracker")

	pushString(t, r, &Record{ResourceID: "a.txt"}, "line1\n")
	_, err := consumer.Consume(ctx, func(context.Context, *Record, io.Reader) error {
		return fmt.Errorf("downstream unavailable")
	})
	require.Error(t, err)

	behind, err := consumer.Behind(ctx)
	require.NoError(t, err)
	assert.True(t, behind, "bookmark must not advance past a failed callback")
}
