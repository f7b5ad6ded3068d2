package proxy

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/ssr-proxy/internal/cache"
	"github.com/JakeFAU/ssr-proxy/internal/logging"
)

// maxErrorBody bounds how much of a failing backend response is kept.
const maxErrorBody = 1 << 20

// ForwardConfig configures the HTTP forward strategy.
type ForwardConfig struct {
	ShouldUse   Flag
	QueryParams []QueryParam
	// UnsafeHTTPS disables TLS certificate verification towards the backend.
	UnsafeHTTPS bool
	Timeout     time.Duration
}

// ForwardStrategy proxies the request to the backend and streams the reply.
type ForwardStrategy struct {
	cfg    ForwardConfig
	client *http.Client
	cache  cacheAccess
}

// NewForwardStrategy creates the strategy. Pass a nil cache to disable caching.
func NewForwardStrategy(cfg ForwardConfig, c *cache.Cache) *ForwardStrategy {
	transport, ok := http.DefaultTransport.(*http.Transport)
	if ok {
		transport = transport.Clone()
	} else {
		transport = &http.Transport{}
	}
	if cfg.UnsafeHTTPS {
		// #nosec G402 -- opt-in for backends with self-signed certificates.
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &ForwardStrategy{
		cfg: cfg,
		// The client timeout also covers reading the streamed body.
		client: &http.Client{Transport: transport, Timeout: cfg.Timeout},
		cache:  cacheAccess{t: TypeHTTPForward, cache: c},
	}
}

// NewForwardStrategyWithClient uses client as is, ignoring UnsafeHTTPS and Timeout.
func NewForwardStrategyWithClient(cfg ForwardConfig, client *http.Client, c *cache.Cache) *ForwardStrategy {
	return &ForwardStrategy{cfg: cfg, client: client, cache: cacheAccess{t: TypeHTTPForward, cache: c}}
}

// Type implements Strategy.
func (s *ForwardStrategy) Type() Type { return TypeHTTPForward }

// ShouldUse implements Strategy.
func (s *ForwardStrategy) ShouldUse(p Params) bool { return s.cfg.ShouldUse.Eval(p) }

// Resolve forwards p to its target URL.
func (s *ForwardStrategy) Resolve(ctx context.Context, p Params) Result {
	if p.TargetURL == nil {
		return Result{Err: errMissingTarget}
	}
	logger := logging.FromContext(ctx)
	method := strings.ToUpper(p.Method)
	if method == "" {
		method = http.MethodGet
	}
	key := CacheKey(TypeHTTPForward, method, p.TargetURL)
	if hit, ok := s.cache.lookup(ctx, key, p); ok {
		return hit
	}

	target := withQuery(p.TargetURL, s.cfg.QueryParams)
	var body io.Reader
	if len(p.Body) > 0 {
		body = bytes.NewReader(p.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return Result{Err: fmt.Errorf("build forward request: %w", err)}
	}
	req.Header = forwardHeaders(p.Headers)

	resp, err := s.client.Do(req)
	if err != nil {
		logger.Warn("forward failed", zap.String("target", target.Redacted()), zap.Error(err))
		return Result{Err: fmt.Errorf("forward %s %s: %w", method, target.Redacted(), err)}
	}
	logger.Debug("forward result", zap.String("target", target.Redacted()), zap.Int("status", resp.StatusCode))

	if resp.StatusCode >= http.StatusBadRequest {
		defer resp.Body.Close()
		raw, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		if err != nil {
			logger.Debug("drain backend error body", zap.Error(err))
		}
		return Result{Err: &BackendError{Status: resp.StatusCode, Body: string(raw)}}
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = ContentTypeFor(target.Path)
	}
	return Result{
		Stream:      s.cache.tee(ctx, key, resp.Body, resp.StatusCode, contentType),
		Status:      resp.StatusCode,
		ContentType: contentType,
		Headers:     StripResponseHeaders(resp.Header),
	}
}
