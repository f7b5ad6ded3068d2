package gcs

import (
	"context"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"github.com/JakeFAU/ssr-proxy/internal/cache"
)

const (
	testBucket = "test-bucket"
	testObject = "ssrproxy/snapshot.gob"
)

// fakeGCS simulates the JSON API multipart upload and serves the last
// uploaded media on any GET.
type fakeGCS struct {
	t      *testing.T
	mu     sync.Mutex
	object []byte
}

func (f *fakeGCS) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		assert.Contains(f.t, r.URL.Path, fmt.Sprintf("/upload/storage/v1/b/%s/o", testBucket))
		assert.Equal(f.t, testObject, r.URL.Query().Get("name"))
		assert.Equal(f.t, "multipart", r.URL.Query().Get("uploadType"))

		_, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
		require.NoError(f.t, err)
		mr := multipart.NewReader(r.Body, params["boundary"])
		_, err = mr.NextPart() // metadata
		require.NoError(f.t, err)
		media, err := mr.NextPart()
		require.NoError(f.t, err)
		data, err := io.ReadAll(media)
		require.NoError(f.t, err)

		f.mu.Lock()
		f.object = data
		f.mu.Unlock()
		fmt.Fprintf(w, `{"name":%q,"bucket":%q,"size":"%d"}`, testObject, testBucket, len(data))
	case http.MethodGet:
		f.mu.Lock()
		data := f.object
		f.mu.Unlock()
		if data == nil {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Length", fmt.Sprint(len(data)))
		_, _ = w.Write(data)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newTestStore(t *testing.T, handler http.Handler) *SnapshotStore {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := storage.NewClient(context.Background(), option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store, err := New(client, Config{Bucket: testBucket, Object: testObject})
	require.NoError(t, err)
	return store
}

func TestSnapshotStoreRoundTrip(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, &fakeGCS{t: t})
	ctx := context.Background()
	inserted := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, store.Save(ctx, []cache.Record{
		{Entry: cache.Entry{Key: "Render:https://a/", Text: "<p>a</p>", Status: 200, HitCount: 4, InsertedAt: inserted}, Checksum: "abc"},
	}))

	got, err := store.Load(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Render:https://a/", got[0].Key)
	assert.Equal(t, "<p>a</p>", got[0].Text)
	assert.Equal(t, 4, got[0].HitCount)
	assert.Equal(t, "abc", got[0].Checksum)
	assert.True(t, inserted.Equal(got[0].InsertedAt))
}

func TestSnapshotStoreMissingObjectIsEmpty(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, &fakeGCS{t: t})
	got, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSnapshotStoreSaveError(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.Error(t, store.Save(ctx, nil))
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b", Object: "o"})
	require.ErrorContains(t, err, "storage client is required")

	client, err := storage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	_, err = New(client, Config{Object: "o"})
	require.ErrorContains(t, err, "bucket name is required")
	_, err = New(client, Config{Bucket: "b"})
	require.ErrorContains(t, err, "object name is required")
}
