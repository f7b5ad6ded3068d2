package server

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/ssr-proxy/internal/api"
	"github.com/JakeFAU/ssr-proxy/internal/config"
)

func testConfig(t *testing.T, backendURL string) config.Config {
	t.Helper()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("<h1>home</h1>"), 0o600))

	return config.Config{
		Server: config.ServerConfig{Port: 8081, Hostname: "127.0.0.1", TargetRoute: backendURL, MaxBodyBytes: 1 << 20},
		Proxy: config.ProxyConfig{
			Order:       []string{config.StrategyRender, config.StrategyStaticFile, config.StrategyHTTPForward},
			SkipOnError: true,
			FailStatus:  404,
			IsBot:       "auto",
		},
		HTTPForward: config.HTTPForwardConfig{Enabled: true, ShouldUse: "always", Timeout: 5 * time.Second},
		Static: config.StaticConfig{
			Enabled:     true,
			ShouldUse:   "always",
			Dir:         dir,
			IndexFile:   "index.html",
			IndexPolicy: "trailing-slash",
		},
		Cache: config.CacheConfig{
			Enabled:     true,
			Strategies:  []string{config.StrategyHTTPForward},
			MaxEntries:  10,
			MaxBytes:    1 << 20,
			Expiration:  time.Minute,
			Persistence: config.PersistenceConfig{Driver: "memory"},
		},
		Refresh: config.RefreshConfig{
			Order:    []string{config.StrategyHTTPForward},
			Interval: time.Minute,
			Timezone: "UTC",
			Retries:  1,
			Backoff:  config.BackoffConfig{Strategy: "fixed", BaseDelay: time.Millisecond},
		},
		Admin:    config.AdminConfig{Enabled: true, Prefix: "/_ssrproxy"},
		Shutdown: config.ShutdownConfig{DrainTimeout: time.Second, HardTimeout: 2 * time.Second},
	}
}

func newBackend(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	backend := httptest.NewServer(handler)
	t.Cleanup(backend.Close)
	return backend
}

func TestNewServesStaticThenForward(t *testing.T) {
	t.Parallel()

	backend := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"path":"`+r.URL.Path+`"}`)
	})
	app, err := New(context.Background(), testConfig(t, backend.URL), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })

	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "<h1>home</h1>", rec.Body.String())
	assert.Equal(t, "StaticFile", rec.Header().Get(api.HeaderStrategy))

	rec = httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/items", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"path":"/api/items"}`, rec.Body.String())
	assert.Equal(t, "HttpForward", rec.Header().Get(api.HeaderStrategy))
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}

func TestCloseSavesSnapshot(t *testing.T) {
	t.Parallel()

	backend := newBackend(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "cached body")
	})
	app, err := New(context.Background(), testConfig(t, backend.URL), zap.NewNop())
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/data.txt", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Eventually(t, func() bool { return app.cache.Len() == 1 }, time.Second, 10*time.Millisecond)

	store := app.snapshots
	require.NoError(t, app.Close(context.Background()))

	records, err := store.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "HttpForward:GET:"+backend.URL+"/data.txt", records[0].Key)
	assert.Equal(t, "cached body", records[0].Text)
}

func TestNewOrderSkipsDisabledStrategies(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "http://127.0.0.1:1")
	app, err := New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })

	assert.Equal(t, "StaticFile,HttpForward", joinTypes(app))
}

func joinTypes(app *App) string {
	out := ""
	for i, t := range app.chain.Order() {
		if i > 0 {
			out += ","
		}
		out += string(t)
	}
	return out
}

func TestNewRejectsInvalidSettings(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"relative target", func(c *config.Config) { c.Server.TargetRoute = "/backend" }, "absolute URL"},
		{"unknown driver", func(c *config.Config) { c.Cache.Persistence.Driver = "etcd" }, "unknown cache persistence driver"},
		{"bad flag", func(c *config.Config) { c.Static.ShouldUse = "sometimes" }, "static.should_use"},
		{"bad timezone", func(c *config.Config) { c.Refresh.Timezone = "Mars/Olympus" }, "refresh.timezone"},
		{"bad order", func(c *config.Config) { c.Proxy.Order = []string{"Teleport"} }, "Teleport"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := testConfig(t, "http://127.0.0.1:1")
			tt.mutate(&cfg)
			_, err := New(context.Background(), cfg, zap.NewNop())
			require.ErrorContains(t, err, tt.want)
		})
	}
}

func TestNewLevelDBPersistenceRestores(t *testing.T) {
	t.Parallel()

	backend := newBackend(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "persisted")
	})
	cfg := testConfig(t, backend.URL)
	cfg.Cache.Persistence = config.PersistenceConfig{Driver: "leveldb", Path: filepath.Join(t.TempDir(), "snap")}

	first, err := New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	first.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/p.txt", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Eventually(t, func() bool { return first.cache.Len() == 1 }, time.Second, 10*time.Millisecond)
	require.NoError(t, first.Close(context.Background()))

	second, err := New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = second.Close(context.Background()) })
	entry, ok := second.cache.Get("HttpForward:GET:" + backend.URL + "/p.txt")
	require.True(t, ok)
	assert.Equal(t, "persisted", entry.Text)
}

func listen(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return ln
}

func TestServeStopsOnCancel(t *testing.T) {
	t.Parallel()

	app, err := New(context.Background(), testConfig(t, "http://127.0.0.1:1"), zap.NewNop())
	require.NoError(t, err)

	ln := listen(t)
	srv := &http.Server{Handler: app.Handler(), ReadHeaderTimeout: time.Second}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.serve(ctx, srv, func() error { return srv.Serve(ln) }) }()

	url := "http://" + ln.Addr().String() + "/_ssrproxy/healthz"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url) //nolint:noctx // test probe
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
}

func TestServeForceClosesAfterHardTimeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	backend := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
		_, _ = io.WriteString(w, "late")
	})
	t.Cleanup(func() { close(release) })

	cfg := testConfig(t, backend.URL)
	cfg.Shutdown = config.ShutdownConfig{DrainTimeout: 50 * time.Millisecond, HardTimeout: 100 * time.Millisecond}
	app, err := New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)

	ln := listen(t)
	srv := &http.Server{Handler: app.Handler(), ReadHeaderTimeout: time.Second}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.serve(ctx, srv, func() error { return srv.Serve(ln) }) }()

	started := make(chan struct{})
	go func() {
		close(started)
		resp, err := http.Get("http://" + ln.Addr().String() + "/slow.txt") //nolint:noctx // test client
		if err == nil {
			_ = resp.Body.Close()
		}
	}()
	<-started
	time.Sleep(100 * time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrShutdownTimeout))
	case <-time.After(3 * time.Second):
		t.Fatal("serve did not return after hard timeout")
	}
}

func TestRefreshResolvesRelativeRoutes(t *testing.T) {
	t.Parallel()

	backend := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "warm "+r.URL.Path)
	})
	cfg := testConfig(t, backend.URL)
	cfg.Refresh.Enabled = true
	cfg.Refresh.ShouldUse = true
	cfg.Refresh.Parallelism = 1
	cfg.Refresh.Routes = []config.RouteConfig{{URL: "/warm.txt"}}
	app, err := New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })

	report := app.scheduler.RunCycle(context.Background())
	require.Empty(t, report.Failed)
	require.Len(t, report.Succeeded, 1)

	entry, ok := app.cache.Get("HttpForward:GET:" + backend.URL + "/warm.txt")
	require.True(t, ok)
	assert.Equal(t, "warm /warm.txt", entry.Text)
}
