package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/ssr-proxy/internal/bot"
	"github.com/JakeFAU/ssr-proxy/internal/proxy"
)

type stubStrategy struct {
	typ     proxy.Type
	skip    bool
	resolve func(p proxy.Params) proxy.Result

	mu   sync.Mutex
	seen []proxy.Params
}

func (s *stubStrategy) Type() proxy.Type { return s.typ }

func (s *stubStrategy) ShouldUse(proxy.Params) bool { return !s.skip }

func (s *stubStrategy) Resolve(_ context.Context, p proxy.Params) proxy.Result {
	s.mu.Lock()
	s.seen = append(s.seen, p)
	s.mu.Unlock()
	return s.resolve(p)
}

func (s *stubStrategy) last(t *testing.T) proxy.Params {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.seen)
	return s.seen[len(s.seen)-1]
}

func textResult(body string, status int) proxy.Result {
	return proxy.Result{Text: &body, Status: status, ContentType: "text/html"}
}

type failingReader struct{ err error }

func (f failingReader) Read([]byte) (int, error) { return 0, f.err }
func (failingReader) Close() error               { return nil }

func newTestPipeline(t *testing.T, cfg PipelineConfig, strategies ...proxy.Strategy) *Pipeline {
	t.Helper()
	order := make([]proxy.Type, 0, len(strategies))
	for _, s := range strategies {
		order = append(order, s.Type())
	}
	classifier, err := bot.New("auto")
	require.NoError(t, err)
	if cfg.TargetRoute == nil {
		cfg.TargetRoute, err = url.Parse("http://backend:3000")
		require.NoError(t, err)
	}
	return NewPipeline(proxy.NewChain(order, strategies), classifier, cfg)
}

func TestPipeline_TextResult(t *testing.T) {
	t.Parallel()

	render := &stubStrategy{typ: proxy.TypeRender, resolve: func(proxy.Params) proxy.Result {
		r := textResult("<html>ok</html>", http.StatusOK)
		r.CacheHit = true
		r.Headers = http.Header{"Server-Timing": {"Prerender;dur=5"}}
		return r
	}}
	p := newTestPipeline(t, PipelineConfig{}, render)

	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/products?id=1", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "<html>ok</html>", rec.Body.String())
	assert.Equal(t, "Render", rec.Header().Get(HeaderStrategy))
	assert.Equal(t, "hit", rec.Header().Get(HeaderCache))
	assert.Equal(t, "text/html", rec.Header().Get("Content-Type"))
	assert.Equal(t, "Prerender;dur=5", rec.Header().Get("Server-Timing"))
}

func TestPipeline_BuildsParams(t *testing.T) {
	t.Parallel()

	render := &stubStrategy{typ: proxy.TypeRender, resolve: func(proxy.Params) proxy.Result {
		return textResult("ok", 0)
	}}
	p := newTestPipeline(t, PipelineConfig{MaxBodyBytes: 1024}, render)

	req := httptest.NewRequest(http.MethodPost, "/search?q=shoes", strings.NewReader("term=shoes"))
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)")
	req.Header.Set("Accept-Language", "de")
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	got := render.last(t)
	assert.Equal(t, "/search?q=shoes", got.SourceURL)
	assert.Equal(t, "http://backend:3000/search?q=shoes", got.TargetURL.String())
	assert.Equal(t, http.MethodPost, got.Method)
	assert.True(t, got.IsBot)
	assert.False(t, got.CacheBypass)
	assert.Equal(t, "term=shoes", string(got.Body))
	assert.Equal(t, "de", got.Headers.Get("Accept-Language"))
	assert.Equal(t, "miss", rec.Header().Get(HeaderCache))
}

func TestPipeline_HumanIsNotBot(t *testing.T) {
	t.Parallel()

	render := &stubStrategy{typ: proxy.TypeRender, resolve: func(proxy.Params) proxy.Result {
		return textResult("ok", http.StatusOK)
	}}
	p := newTestPipeline(t, PipelineConfig{}, render)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("User-Agent", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 Chrome/120.0 Safari/537.36")
	p.ServeHTTP(httptest.NewRecorder(), req)

	assert.False(t, render.last(t).IsBot)
}

func TestPipeline_StreamResult(t *testing.T) {
	t.Parallel()

	forward := &stubStrategy{typ: proxy.TypeHTTPForward, resolve: func(proxy.Params) proxy.Result {
		return proxy.Result{
			Stream:      io.NopCloser(strings.NewReader(`{"ok":true}`)),
			Status:      http.StatusCreated,
			ContentType: "application/json",
		}
	}}
	p := newTestPipeline(t, PipelineConfig{}, forward)

	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api", nil))

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.JSONEq(t, `{"ok":true}`, rec.Body.String())
	assert.Equal(t, "HttpForward", rec.Header().Get(HeaderStrategy))
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}

func TestPipeline_StreamFailingUpFrontBecomesFailure(t *testing.T) {
	t.Parallel()

	forward := &stubStrategy{typ: proxy.TypeHTTPForward, resolve: func(proxy.Params) proxy.Result {
		return proxy.Result{Stream: failingReader{err: errors.New("connection reset")}}
	}}
	p := newTestPipeline(t, PipelineConfig{FailStatus: FixedFailStatus(http.StatusBadGateway)}, forward)

	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api", nil))

	require.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "connection reset")
}

func TestPipeline_FailureUsesErrorBody(t *testing.T) {
	t.Parallel()

	static := &stubStrategy{typ: proxy.TypeStaticFile, resolve: func(proxy.Params) proxy.Result {
		return proxy.Result{Err: proxy.ErrFileNotFound}
	}}
	p := newTestPipeline(t, PipelineConfig{
		FailStatus: FixedFailStatus(http.StatusServiceUnavailable),
		ErrorBody:  "proxy failed: {error}",
	}, static)

	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/missing.css", nil))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "proxy failed: File Not Found", rec.Body.String())
	assert.Equal(t, "StaticFile", rec.Header().Get(HeaderStrategy))
	assert.Equal(t, "text/plain; charset=utf-8", rec.Header().Get("Content-Type"))
}

func TestPipeline_EarlierErrorSurvivesTrailingSkip(t *testing.T) {
	t.Parallel()

	render := &stubStrategy{typ: proxy.TypeRender, resolve: func(proxy.Params) proxy.Result {
		return proxy.Result{Err: errors.New("render timed out")}
	}}
	static := &stubStrategy{typ: proxy.TypeStaticFile, skip: true}
	p := newTestPipeline(t, PipelineConfig{}, render, static)

	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "render timed out", rec.Body.String())
}

func TestPipeline_NothingApplies(t *testing.T) {
	t.Parallel()

	static := &stubStrategy{typ: proxy.TypeStaticFile, skip: true}
	p := newTestPipeline(t, PipelineConfig{}, static)

	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "No Proxy Result", rec.Body.String())
}

func TestPipeline_BodyTooLarge(t *testing.T) {
	t.Parallel()

	forward := &stubStrategy{typ: proxy.TypeHTTPForward, resolve: func(proxy.Params) proxy.Result {
		return textResult("unreachable", http.StatusOK)
	}}
	p := newTestPipeline(t, PipelineConfig{MaxBodyBytes: 8}, forward)

	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader("0123456789abcdef")))

	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	forward.mu.Lock()
	defer forward.mu.Unlock()
	assert.Empty(t, forward.seen)
}
