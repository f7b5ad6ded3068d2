package cache

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Record is the persisted form of an Entry.
type Record struct {
	Entry
	Checksum string
}

// SnapshotStore persists cache records across restarts.
type SnapshotStore interface {
	Save(ctx context.Context, records []Record) error
	Load(ctx context.Context) ([]Record, error)
	Close() error
}

// Hasher produces content checksums for persisted records.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// SaveSnapshot writes every cached entry to store.
func SaveSnapshot(ctx context.Context, c *Cache, store SnapshotStore, hasher Hasher) (int, error) {
	entries := c.Snapshot()
	records := make([]Record, 0, len(entries))
	for _, e := range entries {
		sum, err := hasher.Hash([]byte(e.Text))
		if err != nil {
			return 0, fmt.Errorf("checksum %s: %w", e.Key, err)
		}
		records = append(records, Record{Entry: e, Checksum: sum})
	}
	if err := store.Save(ctx, records); err != nil {
		return 0, fmt.Errorf("save snapshot: %w", err)
	}
	return len(records), nil
}

// LoadSnapshot restores records from store into c. Records whose checksum
// does not match their text are skipped.
func LoadSnapshot(ctx context.Context, c *Cache, store SnapshotStore, hasher Hasher) (int, error) {
	records, err := store.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("load snapshot: %w", err)
	}
	entries := make([]Entry, 0, len(records))
	for _, rec := range records {
		sum, err := hasher.Hash([]byte(rec.Text))
		if err != nil || sum != rec.Checksum {
			c.logger.Warn("skipping corrupt snapshot record", zap.String("key", rec.Key))
			continue
		}
		entries = append(entries, rec.Entry)
	}
	return c.Restore(entries), nil
}
