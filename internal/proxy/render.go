package proxy

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/JakeFAU/ssr-proxy/internal/cache"
	"github.com/JakeFAU/ssr-proxy/internal/logging"
	"github.com/JakeFAU/ssr-proxy/internal/render"
)

// RenderConfig configures the render strategy.
type RenderConfig struct {
	ShouldUse   Flag
	QueryParams []QueryParam
	// FailOnStatus turns a non-2xx render status into an error.
	FailOnStatus bool
	Cleaner      *render.Cleaner
}

// RenderStrategy serves HTML produced by a headless browser.
type RenderStrategy struct {
	cfg      RenderConfig
	renderer render.Renderer
	cache    cacheAccess
}

// NewRenderStrategy creates the strategy. Pass a nil cache to disable caching.
func NewRenderStrategy(cfg RenderConfig, renderer render.Renderer, c *cache.Cache) *RenderStrategy {
	return &RenderStrategy{
		cfg:      cfg,
		renderer: renderer,
		cache:    cacheAccess{t: TypeRender, cache: c},
	}
}

// Type implements Strategy.
func (s *RenderStrategy) Type() Type { return TypeRender }

// ShouldUse implements Strategy.
func (s *RenderStrategy) ShouldUse(p Params) bool { return s.cfg.ShouldUse.Eval(p) }

// Resolve serves from cache or renders the target.
func (s *RenderStrategy) Resolve(ctx context.Context, p Params) Result {
	if p.TargetURL == nil {
		return Result{Err: errMissingTarget}
	}
	logger := logging.FromContext(ctx)
	key := CacheKey(TypeRender, p.Method, p.TargetURL)
	if hit, ok := s.cache.lookup(ctx, key, p); ok {
		return hit
	}

	target := withQuery(p.TargetURL, s.cfg.QueryParams)
	logger.Info("bot access",
		zap.String("source", p.SourceURL),
		zap.String("user_agent", p.Headers.Get("User-Agent")),
	)
	res, err := s.renderer.Render(ctx, render.Request{
		URL:     target.String(),
		Method:  p.Method,
		Headers: NormalizeHeaders(p.Headers),
	})
	elapsed := res.Elapsed.Milliseconds()
	if err != nil {
		logger.Info("render result", zap.Int64("render_ms", elapsed), zap.Bool("success", false), zap.Error(err))
		return Result{Err: fmt.Errorf("render %s: %w", p.Target(), err)}
	}

	status := res.Status
	if status == 0 {
		status = http.StatusOK
	}
	logger.Info("render result", zap.Int64("render_ms", elapsed), zap.Bool("success", true), zap.Int("status", status))
	if s.cfg.FailOnStatus && (status < 200 || status >= 300) {
		return Result{Err: &BackendError{Status: status}}
	}

	text := res.Text
	if s.cfg.Cleaner != nil {
		cleaned, err := s.cfg.Cleaner.Clean(text)
		if err != nil {
			logger.Warn("strip selectors failed", zap.Error(err))
		} else {
			text = cleaned
		}
	}

	headers := StripResponseHeaders(res.Headers)
	headers.Set("Server-Timing", fmt.Sprintf(`Prerender;dur=%d;desc="Headless render time (ms)"`, elapsed))
	contentType := ContentTypeFor(p.TargetURL.Path)

	// Error pages are returned but never cached.
	if status < http.StatusBadRequest {
		s.cache.storeText(ctx, key, text, status, contentType)
	}
	return Result{
		Text:        &text,
		Status:      status,
		ContentType: contentType,
		Headers:     headers,
	}
}
