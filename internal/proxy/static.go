package proxy

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/ssr-proxy/internal/cache"
	"github.com/JakeFAU/ssr-proxy/internal/logging"
	"github.com/JakeFAU/ssr-proxy/internal/storage/local"
)

// IndexPolicy decides when a request path is a directory index.
type IndexPolicy string

// Index policies.
const (
	IndexTrailingSlash IndexPolicy = "trailing-slash"
	IndexAlways        IndexPolicy = "always"
	IndexNever         IndexPolicy = "never"
)

// UseIndex reports whether the index file should be appended to p.
func (ip IndexPolicy) UseIndex(p string) bool {
	switch ip {
	case IndexAlways:
		return true
	case IndexNever:
		return false
	default:
		return strings.HasSuffix(p, "/")
	}
}

// StaticConfig configures the static file strategy.
type StaticConfig struct {
	ShouldUse   Flag
	IndexFile   string
	IndexPolicy IndexPolicy
}

// StaticStrategy serves files from a local directory.
type StaticStrategy struct {
	cfg   StaticConfig
	root  *local.Root
	cache cacheAccess
}

// NewStaticStrategy creates the strategy. Pass a nil cache to disable caching.
func NewStaticStrategy(cfg StaticConfig, root *local.Root, c *cache.Cache) *StaticStrategy {
	if cfg.IndexFile == "" {
		cfg.IndexFile = "index.html"
	}
	return &StaticStrategy{cfg: cfg, root: root, cache: cacheAccess{t: TypeStaticFile, cache: c}}
}

// Type implements Strategy.
func (s *StaticStrategy) Type() Type { return TypeStaticFile }

// ShouldUse implements Strategy.
func (s *StaticStrategy) ShouldUse(p Params) bool { return s.cfg.ShouldUse.Eval(p) }

// Resolve streams the file addressed by the request's source path.
func (s *StaticStrategy) Resolve(ctx context.Context, p Params) Result {
	logger := logging.FromContext(ctx)
	key := CacheKey(TypeStaticFile, p.Method, p.TargetURL)
	if hit, ok := s.cache.lookup(ctx, key, p); ok {
		return hit
	}

	reqPath := sourcePath(p)
	if s.cfg.IndexPolicy.UseIndex(reqPath) {
		reqPath = path.Join(reqPath, s.cfg.IndexFile)
	}
	f, _, err := s.root.Open(reqPath)
	if err != nil {
		logger.Debug("static lookup failed", zap.String("path", reqPath), zap.Error(err))
		return Result{Err: fmt.Errorf("%w: %s", ErrFileNotFound, reqPath)}
	}

	contentType := ContentTypeFor(reqPath)
	return Result{
		Stream:      s.cache.tee(ctx, key, f, http.StatusOK, contentType),
		Status:      http.StatusOK,
		ContentType: contentType,
	}
}

// sourcePath is the unescaped path of the inbound request URI.
func sourcePath(p Params) string {
	if u, err := url.ParseRequestURI(p.SourceURL); err == nil && u.Path != "" {
		return u.Path
	}
	if p.TargetURL != nil && p.TargetURL.Path != "" {
		return p.TargetURL.Path
	}
	return "/"
}
