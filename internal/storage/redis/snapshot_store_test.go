package redis

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewRequiresKey(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), Config{Addr: "localhost:6379"})
	require.ErrorContains(t, err, "key is required")
}

func TestNewFailsWhenUnreachable(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := New(ctx, Config{Addr: "127.0.0.1:1", Key: "k"})
	require.ErrorContains(t, err, "redis ping")
}
