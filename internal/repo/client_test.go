package repo

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blobvault/blobvault/internal/store"
	"github.com/blobvault/blobvault/internal/store/fsstore"
)

func newTestClient(t *testing.T, opts ClientOptions) (*Client, store.ObjectStore) {
	t.Helper()
	s := fsstore.NewMem()
	return NewClient(s, "base/metadata.json", opts), s
}

func TestClientAddGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t, ClientOptions{Schema: SimpleKeys, Archive: true})

	rec := &Record{ResourceID: "a.txt", ResourceFile: "a_1.txt", ResourcePath: "base/data/a_1.txt"}
	_, created, err := c.Add(ctx, rec, AddOptions{})
	require.NoError(t, err)
	assert.True(t, created)

	got, err := c.Get(ctx, SimpleKey("a.txt"), VersionCurrent)
	require.NoError(t, err)
	assert.Equal(t, rec, got)
}

func TestClientGetNotFound(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t, ClientOptions{Schema: SimpleKeys})

	_, err := c.Get(ctx, SimpleKey("missing"), VersionCurrent)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClientHistoryAppendOnly(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t, ClientOptions{Schema: SimpleKeys, Archive: true})

	const n = 4
	var added []*Record
	for i := 0; i < n; i++ {
		rec := &Record{ResourceID: "a.txt", ResourceFile: fmt.Sprintf("a_%d.txt", i)}
		_, _, err := c.Add(ctx, rec, AddOptions{})
		require.NoError(t, err)
		added = append(added, rec)
	}

	entry, err := c.Entry(ctx, SimpleKey("a.txt"))
	require.NoError(t, err)
	require.Len(t, entry.Histories, n-1)
	for i := 0; i < n-1; i++ {
		assert.Equal(t, added[i], entry.Histories[i], "history %d is the current after add %d", i, i)
	}
	assert.Equal(t, added[n-1], entry.Current)
}

func TestClientNoArchiveOverwrites(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t, ClientOptions{Schema: SimpleKeys})

	for i := 0; i < 3; i++ {
		rec := &Record{ResourceID: "a.txt", ResourceFile: fmt.Sprintf("a_%d.txt", i)}
		_, _, err := c.Add(ctx, rec, AddOptions{})
		require.NoError(t, err)
	}

	entry, err := c.Entry(ctx, SimpleKey("a.txt"))
	require.NoError(t, err)
	assert.Empty(t, entry.Histories)
	assert.Equal(t, "a_2.txt", entry.Current.ResourceFile)
}

func TestClientAddCreateOnly(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t, ClientOptions{Schema: SimpleKeys})

	_, _, err := c.Add(ctx, &Record{ResourceID: "a.txt"}, AddOptions{CreateOnly: true})
	require.NoError(t, err)

	_, _, err = c.Add(ctx, &Record{ResourceID: "a.txt"}, AddOptions{CreateOnly: true})
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestClientAddRejectsReservedExtra(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t, ClientOptions{Schema: SimpleKeys, Archive: true})

	_, _, err := c.Add(ctx, &Record{ResourceID: "a.txt", ResourceFile: "a_1.txt"}, AddOptions{})
	require.NoError(t, err)

	bad := &Record{ResourceID: "a.txt", ResourceFile: "a_2.txt"}
	bad.SetExtra("current", "2026-08-31")
	_, _, err = c.Add(ctx, bad, AddOptions{})
	require.Error(t, err)

	// The rejected record left no trace; the document still reads back.
	got, err := c.Get(ctx, SimpleKey("a.txt"), VersionCurrent)
	require.NoError(t, err)
	assert.Equal(t, "a_1.txt", got.ResourceFile)
}

func TestClientAddValidatesKey(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t, ClientOptions{Schema: GroupKeys})

	_, _, err := c.Add(ctx, &Record{ResourceID: "a.txt"}, AddOptions{})
	assert.Error(t, err, "group is required under group keys")
}

func TestClientRemove(t *testing.T) {
	ctx := context.Background()
	c, s := newTestClient(t, ClientOptions{Schema: GroupKeys})

	for _, id := range []string{"a.txt", "b.txt"} {
		_, _, err := c.Add(ctx, &Record{ResourceGroup: "g1", ResourceID: id}, AddOptions{})
		require.NoError(t, err)
	}
	_, _, err := c.Add(ctx, &Record{ResourceGroup: "g2", ResourceID: "c.txt"}, AddOptions{})
	require.NoError(t, err)

	removed, err := c.Remove(ctx, GroupKey("g1", "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "a.txt", removed.ResourceID)

	doc, err := c.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, doc.Match(Key{Group: "g1"}), 1)

	// Removing the rest of g1 prunes the group level.
	_, err = c.Remove(ctx, GroupKey("g1", "b.txt"))
	require.NoError(t, err)
	doc, err = c.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, doc.Match(Key{Group: "g1"}))
	assert.Len(t, doc.Keys(), 1)

	// Removing the last record deletes the document itself.
	_, err = c.Remove(ctx, GroupKey("g2", "c.txt"))
	require.NoError(t, err)
	_, err = store.ReadAll(ctx, s, "base/metadata.json")
	assert.ErrorIs(t, err, store.ErrNotExist)
}

func TestClientRemoveAbsent(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t, ClientOptions{Schema: SimpleKeys})

	removed, err := c.Remove(ctx, SimpleKey("missing"))
	require.NoError(t, err)
	assert.Nil(t, removed)
}

func TestClientGetHistoricalVersion(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t, ClientOptions{Schema: SimpleKeys, Archive: true})

	for i := 0; i < 3; i++ {
		rec := &Record{ResourceID: "a.txt", ResourceFile: fmt.Sprintf("a_%d.txt", i)}
		_, _, err := c.Add(ctx, rec, AddOptions{})
		require.NoError(t, err)
	}

	got, err := c.Get(ctx, SimpleKey("a.txt"), "a_1.txt")
	require.NoError(t, err)
	assert.Equal(t, "a_1.txt", got.ResourceFile)

	_, err = c.Get(ctx, SimpleKey("a.txt"), "a_9.txt")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClientRecordsPartialKey(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t, ClientOptions{Schema: GroupKeys})

	for _, k := range []Key{GroupKey("g1", "a"), GroupKey("g1", "b"), GroupKey("g2", "c")} {
		_, _, err := c.Add(ctx, &Record{ResourceGroup: k.Group, ResourceID: k.ID}, AddOptions{})
		require.NoError(t, err)
	}

	all, err := c.Records(ctx, Key{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	g1, err := c.Records(ctx, Key{Group: "g1"})
	require.NoError(t, err)
	require.Len(t, g1, 2)
	assert.Equal(t, "a", g1[0].ResourceID)
	assert.Equal(t, "b", g1[1].ResourceID)
}

func TestClientCorruptDocument(t *testing.T) {
	ctx := context.Background()
	s := fsstore.NewMem()
	require.NoError(t, s.Put(ctx, "base/metadata.json", bytes.NewReader([]byte("{not json"))))

	c := NewClient(s, "base/metadata.json", ClientOptions{Schema: SimpleKeys})
	_, err := c.Load(ctx)
	assert.ErrorIs(t, err, ErrCorruptDoc)
}

func TestClientUpdate(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t, ClientOptions{Schema: SimpleKeys})

	_, _, err := c.Add(ctx, &Record{ResourceID: "a.txt"}, AddOptions{})
	require.NoError(t, err)

	rec, err := c.Update(ctx, SimpleKey("a.txt"), func(e *Entry) {
		e.Current.Deleted = true
	})
	require.NoError(t, err)
	assert.True(t, rec.Deleted)

	got, err := c.Get(ctx, SimpleKey("a.txt"), VersionCurrent)
	require.NoError(t, err)
	assert.True(t, got.Deleted)

	_, err = c.Update(ctx, SimpleKey("missing"), func(*Entry) {})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClientCachedDocument(t *testing.T) {
	ctx := context.Background()
	s := fsstore.NewMem()
	c := NewClient(s, "base/metadata.json", ClientOptions{Schema: SimpleKeys, Cache: true})

	_, _, err := c.Add(ctx, &Record{ResourceID: "a.txt"}, AddOptions{})
	require.NoError(t, err)

	// Mutate the store behind the cache; the client keeps serving the
	// cached view until invalidated.
	require.NoError(t, s.Delete(ctx, "base/metadata.json"))
	_, err = c.Get(ctx, SimpleKey("a.txt"), VersionCurrent)
	require.NoError(t, err)

	c.Invalidate()
	_, err = c.Get(ctx, SimpleKey("a.txt"), VersionCurrent)
	assert.ErrorIs(t, err, ErrNotFound)
}
