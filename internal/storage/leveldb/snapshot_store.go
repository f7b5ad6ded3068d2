// Package leveldb persists cache snapshots in an embedded LevelDB database.
package leveldb

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/JakeFAU/ssr-proxy/internal/cache"
)

const entryPrefix = "e:"

// SnapshotStore stores one gob-encoded record per cache key.
type SnapshotStore struct {
	db *leveldb.DB
}

// Open opens (or creates) the database at path.
func Open(path string) (*SnapshotStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", path, err)
	}
	return &SnapshotStore{db: db}, nil
}

// Save atomically replaces the stored snapshot with records.
func (s *SnapshotStore) Save(ctx context.Context, records []cache.Record) error {
	batch := new(leveldb.Batch)

	it := s.db.NewIterator(util.BytesPrefix([]byte(entryPrefix)), nil)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return fmt.Errorf("scan snapshot: %w", err)
	}

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("save snapshot: %w", err)
		}
		b, err := encodeRecord(rec)
		if err != nil {
			return err
		}
		batch.Put([]byte(entryPrefix+rec.Key), b)
	}
	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

// Load decodes every stored record. Undecodable records are skipped.
func (s *SnapshotStore) Load(ctx context.Context) ([]cache.Record, error) {
	it := s.db.NewIterator(util.BytesPrefix([]byte(entryPrefix)), nil)
	defer it.Release()

	var out []cache.Record
	for it.Next() {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("load snapshot: %w", err)
		}
		var rec cache.Record
		if err := gob.NewDecoder(bytes.NewReader(it.Value())).Decode(&rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("iterate snapshot: %w", err)
	}
	return out, nil
}

// Close closes the database.
func (s *SnapshotStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close leveldb: %w", err)
	}
	return nil
}

func encodeRecord(rec cache.Record) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(rec); err != nil {
		return nil, fmt.Errorf("encode %s: %w", rec.Key, err)
	}
	return buf.Bytes(), nil
}
