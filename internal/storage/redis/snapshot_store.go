// Package redis persists cache snapshots in a Redis hash so that several
// proxy replicas can warm from one shared snapshot.
package redis

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/ssr-proxy/internal/cache"
)

// Config holds connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
	Key      string
}

// SnapshotStore stores records as gob values in one Redis hash.
type SnapshotStore struct {
	client *redis.Client
	key    string
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*SnapshotStore, error) {
	if cfg.Key == "" {
		return nil, errors.New("redis snapshot key is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &SnapshotStore{client: client, key: cfg.Key}, nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client, key string) *SnapshotStore {
	return &SnapshotStore{client: client, key: key}
}

// Save replaces the hash with records in one transaction.
func (s *SnapshotStore) Save(ctx context.Context, records []cache.Record) error {
	values := make([]any, 0, len(records)*2)
	for _, rec := range records {
		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(rec); err != nil {
			return fmt.Errorf("encode %s: %w", rec.Key, err)
		}
		values = append(values, rec.Key, buf.Bytes())
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.key)
		if len(values) > 0 {
			pipe.HSet(ctx, s.key, values...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis save snapshot: %w", err)
	}
	return nil
}

// Load reads every record from the hash. Undecodable values are skipped.
func (s *SnapshotStore) Load(ctx context.Context) ([]cache.Record, error) {
	raw, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis load snapshot: %w", err)
	}
	out := make([]cache.Record, 0, len(raw))
	for _, v := range raw {
		var rec cache.Record
		if err := gob.NewDecoder(bytes.NewReader([]byte(v))).Decode(&rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Close closes the client.
func (s *SnapshotStore) Close() error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close redis: %w", err)
	}
	return nil
}
