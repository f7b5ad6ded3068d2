// Package cache holds rendered and proxied responses in memory with
// hit-count driven eviction.
package cache

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/ssr-proxy/internal/clock/system"
	"github.com/JakeFAU/ssr-proxy/internal/metrics"
)

// Clock abstracts time for expiry checks.
type Clock interface {
	Now() time.Time
}

// Reason explains why TryClear removed an entry.
type Reason string

// Eviction reasons reported by TryClear.
const (
	ReasonSize    Reason = "size"
	ReasonLength  Reason = "length"
	ReasonExpired Reason = "expired"
)

// Entry is a cached response body with its bookkeeping.
type Entry struct {
	Key         string    `json:"key"`
	Text        string    `json:"-"`
	Status      int       `json:"status"`
	ContentType string    `json:"content_type"`
	HitCount    int       `json:"hit_count"`
	InsertedAt  time.Time `json:"inserted_at"`
}

// Deletion reports one entry removed by TryClear.
type Deletion struct {
	Key    string `json:"key"`
	Reason Reason `json:"reason"`
}

// Stats summarizes the cache footprint.
type Stats struct {
	Entries    int   `json:"entries"`
	Bytes      int64 `json:"bytes"`
	MaxEntries int   `json:"max_entries"`
	MaxBytes   int64 `json:"max_bytes"`
}

// Config bounds the cache. Zero or negative limits disable that bound.
type Config struct {
	MaxEntries int
	MaxBytes   int64
	Expiration time.Duration
}

// DefaultConfig returns the stock limits: 50 entries, 50 MB, 10 minutes.
func DefaultConfig() Config {
	return Config{
		MaxEntries: 50,
		MaxBytes:   50_000_000,
		Expiration: 10 * time.Minute,
	}
}

type record struct {
	Entry
	seq uint64
}

// Cache is safe for concurrent use. Every read with a side effect and every
// mutation is serialized by a single mutex.
type Cache struct {
	mu      sync.Mutex
	cfg     Config
	clock   Clock
	logger  *zap.Logger
	entries map[string]*record
	bytes   int64
	seq     uint64
}

// New creates a Cache. A nil clock uses the system clock.
func New(cfg Config, clock Clock, logger *zap.Logger) *Cache {
	if clock == nil {
		clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		cfg:     cfg,
		clock:   clock,
		logger:  logger,
		entries: make(map[string]*record),
	}
}

// Has reports whether key is cached without counting a hit.
func (c *Cache) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	return ok
}

// Get returns a copy of the entry and increments its hit count.
func (c *Cache) Get(key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.entries[key]
	if !ok {
		return Entry{}, false
	}
	rec.HitCount++
	return rec.Entry, true
}

// Set inserts or replaces key. The stored entry starts with zero hits.
func (c *Cache) Set(key, text string, status int, contentType string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putLocked(&record{Entry: Entry{
		Key:         key,
		Text:        text,
		Status:      status,
		ContentType: contentType,
		InsertedAt:  c.clock.Now(),
	}})
}

// SetStream reads r to completion and stores the text under key. Nothing is
// stored when reading fails.
func (c *Cache) SetStream(key string, r io.Reader, status int, contentType string) error {
	body, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("read stream for %s: %w", key, err)
	}
	c.Set(key, string(body), status, contentType)
	return nil
}

// Delete removes key and reports whether it was present.
func (c *Cache) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.removeLocked(key)
}

// TryClear runs one eviction pass. Entries are visited from most to least
// hit (older first on ties). A running byte total evicts once it passes
// MaxBytes, the lowest-hit survivors are evicted while the table is larger
// than MaxEntries, and entries older than Expiration are evicted. Each
// entry is deleted at most once.
func (c *Cache) TryClear() []Deletion {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	order := c.sortedLocked()
	var (
		deletions []Deletion
		total     int64
	)
	evict := func(key string, reason Reason) {
		if c.removeLocked(key) {
			deletions = append(deletions, Deletion{Key: key, Reason: reason})
		}
	}
	tail := len(order) - 1
	for _, rec := range order {
		if _, ok := c.entries[rec.Key]; !ok {
			continue
		}
		total += int64(len(rec.Text))
		if c.cfg.MaxBytes > 0 && total > c.cfg.MaxBytes {
			evict(rec.Key, ReasonSize)
			continue
		}
		for c.cfg.MaxEntries > 0 && len(c.entries) > c.cfg.MaxEntries && tail >= 0 {
			evict(order[tail].Key, ReasonLength)
			tail--
		}
		if _, ok := c.entries[rec.Key]; !ok {
			continue
		}
		if c.cfg.Expiration > 0 && now.Sub(rec.InsertedAt) > c.cfg.Expiration {
			evict(rec.Key, ReasonExpired)
		}
	}

	for _, d := range deletions {
		metrics.ObserveCacheEviction(string(d.Reason))
		c.logger.Debug("cache entry evicted", zap.String("key", d.Key), zap.String("reason", string(d.Reason)))
	}
	metrics.SetCacheSize(len(c.entries), c.bytes)
	return deletions
}

// Keys lists cached keys in sorted order.
func (c *Cache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns the current footprint and configured limits.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Entries:    len(c.entries),
		Bytes:      c.bytes,
		MaxEntries: c.cfg.MaxEntries,
		MaxBytes:   c.cfg.MaxBytes,
	}
}

// Snapshot copies every entry, ordered by key, without counting hits.
func (c *Cache) Snapshot() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Entry, 0, len(c.entries))
	for _, rec := range c.entries {
		out = append(out, rec.Entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Restore inserts previously snapshotted entries, keeping their hit counts
// and insertion times, then runs an eviction pass. It returns how many
// entries remain from the restored set.
func (c *Cache) Restore(entries []Entry) int {
	c.mu.Lock()
	sorted := append([]Entry(nil), entries...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].InsertedAt.Before(sorted[j].InsertedAt)
	})
	for _, e := range sorted {
		if e.Key == "" {
			continue
		}
		c.putLocked(&record{Entry: e})
	}
	c.mu.Unlock()

	c.TryClear()

	kept := 0
	for _, e := range sorted {
		if c.Has(e.Key) {
			kept++
		}
	}
	return kept
}

func (c *Cache) putLocked(rec *record) {
	if old, ok := c.entries[rec.Key]; ok {
		c.bytes -= int64(len(old.Text))
	}
	c.seq++
	rec.seq = c.seq
	c.entries[rec.Key] = rec
	c.bytes += int64(len(rec.Text))
}

func (c *Cache) removeLocked(key string) bool {
	rec, ok := c.entries[key]
	if !ok {
		return false
	}
	c.bytes -= int64(len(rec.Text))
	delete(c.entries, key)
	return true
}

func (c *Cache) sortedLocked() []*record {
	order := make([]*record, 0, len(c.entries))
	for _, rec := range c.entries {
		order = append(order, rec)
	}
	sort.Slice(order, func(i, j int) bool {
		if order[i].HitCount != order[j].HitCount {
			return order[i].HitCount > order[j].HitCount
		}
		if !order[i].InsertedAt.Equal(order[j].InsertedAt) {
			return order[i].InsertedAt.Before(order[j].InsertedAt)
		}
		return order[i].seq < order[j].seq
	})
	return order
}
