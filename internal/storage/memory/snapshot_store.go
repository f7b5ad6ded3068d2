// Package memory keeps cache snapshots in process memory. It survives cache
// rebuilds within one process and backs tests.
package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/ssr-proxy/internal/cache"
)

// SnapshotStore holds the latest saved snapshot.
type SnapshotStore struct {
	mu      sync.RWMutex
	records []cache.Record
}

// NewSnapshotStore creates an empty in-memory snapshot store.
func NewSnapshotStore() *SnapshotStore {
	return &SnapshotStore{}
}

// Save replaces the stored snapshot.
func (s *SnapshotStore) Save(_ context.Context, records []cache.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append([]cache.Record(nil), records...)
	return nil
}

// Load returns a copy of the stored snapshot.
func (s *SnapshotStore) Load(_ context.Context) ([]cache.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]cache.Record(nil), s.records...), nil
}

// Close is a no-op.
func (s *SnapshotStore) Close() error {
	return nil
}
