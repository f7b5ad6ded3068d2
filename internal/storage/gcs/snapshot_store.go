// Package gcs persists cache snapshots as a single object in a Google Cloud
// Storage bucket, so replicas in different zones can warm from one snapshot.
package gcs

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"

	"github.com/JakeFAU/ssr-proxy/internal/cache"
)

const contentType = "application/octet-stream"

// Config captures the parameters required to locate the snapshot object.
type Config struct {
	Bucket string
	Object string
}

// SnapshotStore reads and writes the snapshot object.
type SnapshotStore struct {
	client *storage.Client
	bucket string
	object string
	owned  bool
}

// Open creates a client using Application Default Credentials and verifies
// the bucket is reachable, failing fast on a wrong bucket name or missing
// permissions.
func Open(ctx context.Context, cfg Config) (*SnapshotStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcs client init failed: %w", err)
	}
	s, err := New(client, cfg)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	if _, err := client.Bucket(cfg.Bucket).Attrs(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("gcs bucket %q attributes: %w", cfg.Bucket, err)
	}
	s.owned = true
	return s, nil
}

// New wraps an existing client. The caller keeps ownership of client.
func New(client *storage.Client, cfg Config) (*SnapshotStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	if strings.TrimSpace(cfg.Object) == "" {
		return nil, fmt.Errorf("object name is required")
	}
	return &SnapshotStore{client: client, bucket: cfg.Bucket, object: cfg.Object}, nil
}

// Save uploads records, replacing the previous snapshot object.
func (s *SnapshotStore) Save(ctx context.Context, records []cache.Record) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(records); err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	writer := s.client.Bucket(s.bucket).Object(s.object).NewWriter(ctx)
	writer.ContentType = contentType
	if _, err := io.Copy(writer, &buf); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return fmt.Errorf("copy object: %w (close writer: %v)", err, closeErr)
		}
		return fmt.Errorf("copy object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close writer: %w", err)
	}
	return nil
}

// Load downloads and decodes the snapshot. A missing object is an empty
// snapshot.
func (s *SnapshotStore) Load(ctx context.Context) ([]cache.Record, error) {
	reader, err := s.client.Bucket(s.bucket).Object(s.object).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open gs://%s/%s: %w", s.bucket, s.object, err)
	}
	defer reader.Close()

	var records []cache.Record
	if err := gob.NewDecoder(reader).Decode(&records); err != nil {
		return nil, fmt.Errorf("decode gs://%s/%s: %w", s.bucket, s.object, err)
	}
	return records, nil
}

// Close closes the client when the store created it.
func (s *SnapshotStore) Close() error {
	if !s.owned {
		return nil
	}
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close gcs client: %w", err)
	}
	return nil
}
