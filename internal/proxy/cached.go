package proxy

import (
	"context"
	"errors"
	"io"

	"go.uber.org/zap"

	"github.com/JakeFAU/ssr-proxy/internal/cache"
	"github.com/JakeFAU/ssr-proxy/internal/logging"
	"github.com/JakeFAU/ssr-proxy/internal/metrics"
)

// cacheAccess is the cache participation of one strategy. A nil cache means
// the strategy does not use caching.
type cacheAccess struct {
	t     Type
	cache *cache.Cache
}

func (a cacheAccess) lookup(ctx context.Context, key string, p Params) (Result, bool) {
	if a.cache == nil || p.CacheBypass {
		return Result{}, false
	}
	entry, ok := a.cache.Get(key)
	metrics.ObserveCacheLookup(string(a.t), ok)
	if !ok {
		return Result{}, false
	}
	logging.FromContext(ctx).Debug("cache hit", zap.String("key", key), zap.Int("hits", entry.HitCount))
	text := entry.Text
	return Result{
		Text:        &text,
		Status:      entry.Status,
		ContentType: entry.ContentType,
		CacheHit:    true,
	}, true
}

func (a cacheAccess) storeText(ctx context.Context, key, text string, status int, contentType string) {
	if a.cache == nil {
		return
	}
	a.cache.Set(key, text, status, contentType)
	a.clear(ctx)
}

// tee wraps a body so that it is cached once fully consumed.
func (a cacheAccess) tee(ctx context.Context, key string, rc io.ReadCloser, status int, contentType string) io.ReadCloser {
	if a.cache == nil {
		return rc
	}
	logger := logging.FromContext(ctx)
	return a.cache.Tee(key, rc, status, contentType, func(err error) {
		switch {
		case err == nil:
			a.clear(ctx)
		case errors.Is(err, cache.ErrStreamAborted):
			logger.Debug("stream closed before caching completed", zap.String("key", key))
		default:
			logger.Warn("cache population failed", zap.String("key", key), zap.Error(err))
		}
	})
}

func (a cacheAccess) clear(ctx context.Context) {
	if deleted := a.cache.TryClear(); len(deleted) > 0 {
		logging.FromContext(ctx).Debug("cache cleared", zap.Any("deleted", deleted))
	}
}
