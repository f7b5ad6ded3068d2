package leveldb

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/ssr-proxy/internal/cache"
)

func TestSnapshotStorePersistsAcrossReopen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache")
	inserted := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	store, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, []cache.Record{
		{Entry: cache.Entry{Key: "Render:https://a/", Text: "<p>a</p>", Status: 200, HitCount: 3, InsertedAt: inserted}, Checksum: "abc"},
		{Entry: cache.Entry{Key: "Render:https://b/", Text: "<p>b</p>", Status: 200, InsertedAt: inserted}, Checksum: "def"},
	}))
	require.NoError(t, store.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })

	got, err := reopened.Load(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "Render:https://a/", got[0].Key)
	require.Equal(t, 3, got[0].HitCount)
	require.Equal(t, "abc", got[0].Checksum)
	require.True(t, inserted.Equal(got[0].InsertedAt))
}

func TestSnapshotStoreSaveDropsStaleKeys(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, err := Open(filepath.Join(t.TempDir(), "cache"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.Save(ctx, []cache.Record{{Entry: cache.Entry{Key: "old"}}}))
	require.NoError(t, store.Save(ctx, []cache.Record{{Entry: cache.Entry{Key: "new"}}}))

	got, err := store.Load(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "new", got[0].Key)
}
