// Package server builds the proxy's dependency graph and runs it until
// shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os/signal"
	"slices"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/ssr-proxy/internal/api"
	"github.com/JakeFAU/ssr-proxy/internal/bot"
	"github.com/JakeFAU/ssr-proxy/internal/cache"
	"github.com/JakeFAU/ssr-proxy/internal/clock/system"
	"github.com/JakeFAU/ssr-proxy/internal/config"
	"github.com/JakeFAU/ssr-proxy/internal/hash/sha256"
	"github.com/JakeFAU/ssr-proxy/internal/logging"
	"github.com/JakeFAU/ssr-proxy/internal/metrics"
	"github.com/JakeFAU/ssr-proxy/internal/proxy"
	"github.com/JakeFAU/ssr-proxy/internal/refresh"
	"github.com/JakeFAU/ssr-proxy/internal/render"
	"github.com/JakeFAU/ssr-proxy/internal/retry"
	"github.com/JakeFAU/ssr-proxy/internal/storage/gcs"
	"github.com/JakeFAU/ssr-proxy/internal/storage/leveldb"
	"github.com/JakeFAU/ssr-proxy/internal/storage/local"
	"github.com/JakeFAU/ssr-proxy/internal/storage/memory"
	redisstore "github.com/JakeFAU/ssr-proxy/internal/storage/redis"
)

// ErrShutdownTimeout is returned by Run when in-flight requests outlive the
// hard shutdown timeout and the listener had to be force-closed.
var ErrShutdownTimeout = errors.New("shutdown timed out")

// browser is what the App needs from a renderer: rendering for the chain,
// release for the refresh scheduler and close at shutdown.
type browser interface {
	render.Renderer
	render.Releaser
	Close() error
}

// App contains the application's dependencies.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	cache     *cache.Cache
	snapshots cache.SnapshotStore
	renderer  browser
	chain     *proxy.Chain
	scheduler *refresh.Scheduler
	apiServer *api.Server
}

// Build creates the process logger, installs it as the zap global and wires
// the application.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(logging.Config{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
		OutputPaths: cfg.Logging.OutputPaths,
	})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return New(ctx, cfg, logger)
}

// New wires the application around an existing logger.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	metrics.Init()
	app := &App{cfg: cfg, logger: logger}
	app.logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.String("target_route", cfg.Server.TargetRoute),
		zap.Strings("order", cfg.Proxy.Order),
	)

	target, err := url.Parse(cfg.Server.TargetRoute)
	if err != nil || target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("server.target_route %q must be an absolute URL", cfg.Server.TargetRoute)
	}

	if err := app.setupCache(ctx); err != nil {
		app.closeStores()
		return nil, err
	}
	if err := app.setupRenderer(); err != nil {
		app.closeStores()
		return nil, err
	}

	strategies, err := app.buildStrategies()
	if err != nil {
		app.closeAll()
		return nil, err
	}
	order, err := app.enabledOrder(cfg.Proxy.Order, strategies)
	if err != nil {
		app.closeAll()
		return nil, err
	}
	opts := []proxy.Option{proxy.WithSkipOnError(cfg.Proxy.SkipOnError)}
	if mw := proxy.Rewrite(proxy.RewriteConfig{
		StripQuery:        cfg.Proxy.Rewrite.StripQuery,
		TrimTrailingSlash: cfg.Proxy.Rewrite.TrimTrailingSlash,
	}); mw != nil {
		opts = append(opts, proxy.WithRequestMiddleware(mw))
	}
	app.chain = proxy.NewChain(order, strategies, opts...)

	classifier, err := bot.New(cfg.Proxy.IsBot)
	if err != nil {
		app.closeAll()
		return nil, fmt.Errorf("bot classifier init failed: %w", err)
	}
	pipeline := api.NewPipeline(app.chain, classifier, api.PipelineConfig{
		TargetRoute:  target,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		FailStatus:   api.FixedFailStatus(cfg.Proxy.FailStatus),
		ErrorBody:    cfg.Proxy.ErrorBody,
	})

	if err := app.setupScheduler(target, strategies); err != nil {
		app.closeAll()
		return nil, err
	}

	var refresher api.Refresher
	if cfg.Refresh.Enabled {
		refresher = app.scheduler
	}
	admin := api.AdminConfig{Enabled: cfg.Admin.Enabled, Prefix: cfg.Admin.Prefix}
	if cfg.Admin.Auth.Enabled {
		admin.APIKey = cfg.Admin.Auth.APIKey
	}
	app.apiServer = api.NewServer(pipeline, app.cache, refresher, admin, logger.Named("api"))
	return app, nil
}

func (a *App) setupCache(ctx context.Context) error {
	if !a.cfg.Cache.Enabled {
		a.logger.Info("response cache disabled")
		return nil
	}
	a.cache = cache.New(cache.Config{
		MaxEntries: a.cfg.Cache.MaxEntries,
		MaxBytes:   a.cfg.Cache.MaxBytes,
		Expiration: a.cfg.Cache.Expiration,
	}, system.New(), a.logger.Named("cache"))
	a.logger.Info("response cache enabled",
		zap.Strings("strategies", a.cfg.Cache.Strategies),
		zap.Int("max_entries", a.cfg.Cache.MaxEntries),
		zap.Int64("max_bytes", a.cfg.Cache.MaxBytes),
		zap.Duration("expiration", a.cfg.Cache.Expiration),
	)

	store, err := openSnapshotStore(ctx, a.cfg.Cache.Persistence)
	if err != nil {
		return err
	}
	if store == nil {
		return nil
	}
	a.snapshots = store
	n, err := cache.LoadSnapshot(ctx, a.cache, store, sha256.New())
	if err != nil {
		a.logger.Warn("cache snapshot load failed", zap.Error(err))
		return nil
	}
	a.logger.Info("cache snapshot restored",
		zap.String("driver", a.cfg.Cache.Persistence.Driver),
		zap.Int("entries", n),
	)
	return nil
}

func openSnapshotStore(ctx context.Context, cfg config.PersistenceConfig) (cache.SnapshotStore, error) {
	switch cfg.Driver {
	case "", "none":
		return nil, nil
	case "memory":
		return memory.NewSnapshotStore(), nil
	case "leveldb":
		store, err := leveldb.Open(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("leveldb snapshot store init failed: %w", err)
		}
		return store, nil
	case "redis":
		store, err := redisstore.New(ctx, redisstore.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Key:      cfg.RedisKey,
		})
		if err != nil {
			return nil, fmt.Errorf("redis snapshot store init failed: %w", err)
		}
		return store, nil
	case "gcs":
		store, err := gcs.Open(ctx, gcs.Config{Bucket: cfg.GCSBucket, Object: cfg.GCSObject})
		if err != nil {
			return nil, fmt.Errorf("gcs snapshot store init failed: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown cache persistence driver %q", cfg.Driver)
	}
}

func (a *App) setupRenderer() error {
	if !a.cfg.Render.Enabled {
		a.renderer = render.Noop{}
		return nil
	}
	rc := a.cfg.Render
	r, err := render.NewChromedp(render.Config{
		Mode:             render.BrowserMode(rc.Browser.Mode),
		WSEndpoint:       rc.Browser.WSEndpoint,
		ExecPath:         rc.Browser.ExecPath,
		UserAgent:        rc.Browser.UserAgent,
		NoSandbox:        rc.Browser.NoSandbox,
		AllowedResources: rc.AllowedResources,
		WaitUntil:        rc.WaitUntil,
		Timeout:          rc.Timeout,
		MaxConcurrency:   rc.MaxConcurrency,
		DomainQPS:        rc.DomainQPS,
	}, a.logger.Named("render"))
	if err != nil {
		return fmt.Errorf("renderer init failed: %w", err)
	}
	a.renderer = r
	a.logger.Info("headless renderer configured",
		zap.String("mode", rc.Browser.Mode),
		zap.Bool("remote", rc.Browser.WSEndpoint != ""),
		zap.String("wait_until", rc.WaitUntil),
		zap.Int("max_concurrency", rc.MaxConcurrency),
	)
	return nil
}

// cacheFor returns the shared cache when t participates in caching.
func (a *App) cacheFor(t proxy.Type) *cache.Cache {
	if a.cache == nil || !slices.Contains(a.cfg.Cache.Strategies, string(t)) {
		return nil
	}
	return a.cache
}

func (a *App) buildStrategies() ([]proxy.Strategy, error) {
	var out []proxy.Strategy

	if a.cfg.Render.Enabled {
		flag, err := proxy.ParseFlag(a.cfg.Render.ShouldUse)
		if err != nil {
			return nil, fmt.Errorf("render.should_use: %w", err)
		}
		out = append(out, proxy.NewRenderStrategy(proxy.RenderConfig{
			ShouldUse:    flag,
			QueryParams:  queryParams(a.cfg.Render.QueryParams),
			FailOnStatus: a.cfg.Render.FailOnStatus,
			Cleaner:      render.NewCleaner(a.cfg.Render.StripSelectors),
		}, a.renderer, a.cacheFor(proxy.TypeRender)))
	}

	if a.cfg.HTTPForward.Enabled {
		flag, err := proxy.ParseFlag(a.cfg.HTTPForward.ShouldUse)
		if err != nil {
			return nil, fmt.Errorf("http_forward.should_use: %w", err)
		}
		out = append(out, proxy.NewForwardStrategy(proxy.ForwardConfig{
			ShouldUse:   flag,
			QueryParams: queryParams(a.cfg.HTTPForward.QueryParams),
			UnsafeHTTPS: a.cfg.HTTPForward.UnsafeHTTPS,
			Timeout:     a.cfg.HTTPForward.Timeout,
		}, a.cacheFor(proxy.TypeHTTPForward)))
	}

	if a.cfg.Static.Enabled {
		flag, err := proxy.ParseFlag(a.cfg.Static.ShouldUse)
		if err != nil {
			return nil, fmt.Errorf("static.should_use: %w", err)
		}
		root, err := local.New(local.Config{BaseDir: a.cfg.Static.Dir})
		if err != nil {
			return nil, fmt.Errorf("static root init failed: %w", err)
		}
		a.logger.Debug("static file root", zap.String("dir", root.Dir()))
		out = append(out, proxy.NewStaticStrategy(proxy.StaticConfig{
			ShouldUse:   flag,
			IndexFile:   a.cfg.Static.IndexFile,
			IndexPolicy: proxy.IndexPolicy(a.cfg.Static.IndexPolicy),
		}, root, a.cacheFor(proxy.TypeStaticFile)))
	}
	return out, nil
}

// enabledOrder parses names and drops strategies that are disabled, so a
// default order keeps working when one strategy is switched off.
func (a *App) enabledOrder(names []string, strategies []proxy.Strategy) ([]proxy.Type, error) {
	order, err := proxy.ParseOrder(names)
	if err != nil {
		return nil, err
	}
	enabled := make(map[proxy.Type]bool, len(strategies))
	for _, s := range strategies {
		enabled[s.Type()] = true
	}
	out := make([]proxy.Type, 0, len(order))
	for _, t := range order {
		if !enabled[t] {
			a.logger.Warn("strategy in order is disabled, skipping", zap.String("strategy", string(t)))
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (a *App) setupScheduler(target *url.URL, strategies []proxy.Strategy) error {
	rc := a.cfg.Refresh
	order, err := a.enabledOrder(rc.Order, strategies)
	if err != nil {
		return fmt.Errorf("refresh.order: %w", err)
	}
	loc, err := time.LoadLocation(rc.Timezone)
	if err != nil {
		return fmt.Errorf("refresh.timezone: %w", err)
	}

	var policy retry.Policy
	if rc.Backoff.Strategy == "fixed" {
		policy = retry.NewFixed(rc.Retries, rc.Backoff.BaseDelay)
	} else {
		policy = retry.NewExponential(rc.Retries, rc.Backoff.BaseDelay, rc.Backoff.MaxDelay)
	}

	// Relative route URLs are resolved against the backend origin.
	routes := make([]refresh.Route, 0, len(rc.Routes))
	for _, r := range rc.Routes {
		ref, err := url.Parse(r.URL)
		if err != nil {
			return fmt.Errorf("refresh route %q: %w", r.URL, err)
		}
		routes = append(routes, refresh.Route{
			Method:  r.Method,
			URL:     target.ResolveReference(ref).String(),
			Headers: r.Headers,
		})
	}
	shouldUse := rc.ShouldUse
	a.scheduler, err = refresh.New(refresh.Config{
		Enabled:         rc.Enabled,
		ShouldUse:       func() bool { return shouldUse },
		InitialDelay:    rc.InitialDelay,
		Interval:        rc.Interval,
		Cron:            rc.Cron,
		Location:        loc,
		Parallelism:     rc.Parallelism,
		IsBot:           rc.IsBot,
		ReleaseRenderer: rc.ReleaseBrowser,
		StopOnError:     rc.StopOnError,
		Routes:          routes,
	}, a.chain.WithOrder(order), policy, a.renderer, a.logger.Named("refresh"))
	if err != nil {
		return fmt.Errorf("refresh scheduler init failed: %w", err)
	}
	return nil
}

func queryParams(in []config.QueryParam) []proxy.QueryParam {
	out := make([]proxy.QueryParam, 0, len(in))
	for _, q := range in {
		out = append(out, proxy.QueryParam{Key: q.Key, Value: q.Value})
	}
	return out
}

// Handler exposes the HTTP handler, mostly for tests.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run serves HTTP and runs the refresh scheduler until ctx is canceled or
// the process receives SIGINT/SIGTERM, then shuts everything down.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              net.JoinHostPort(a.cfg.Server.Hostname, strconv.Itoa(a.cfg.Server.Port)),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return a.serve(ctx, srv, func() error { return srv.ListenAndServe() })
}

func (a *App) serve(ctx context.Context, srv *http.Server, listen func() error) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("http server started", zap.String("addr", srv.Addr))
		if err := listen(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return a.scheduler.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		return a.shutdown(srv)
	})

	runErr := g.Wait()
	return errors.Join(runErr, a.Close(context.Background()))
}

// shutdown stops accepting connections and drains in-flight requests. A
// drain that overruns drain_timeout gets until hard_timeout before the
// listener is force-closed.
func (a *App) shutdown(srv *http.Server) error {
	a.logger.Info("shutdown initiated")
	a.apiServer.SetReady(false)

	drainCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Shutdown.DrainTimeout)
	defer cancel()
	if err := srv.Shutdown(drainCtx); err == nil {
		return nil
	}
	a.logger.Warn("drain timeout exceeded, waiting for hard timeout",
		zap.Duration("drain_timeout", a.cfg.Shutdown.DrainTimeout),
		zap.Duration("hard_timeout", a.cfg.Shutdown.HardTimeout),
	)

	hardCtx, hardCancel := context.WithTimeout(context.Background(), a.cfg.Shutdown.HardTimeout-a.cfg.Shutdown.DrainTimeout)
	defer hardCancel()
	if err := srv.Shutdown(hardCtx); err != nil {
		a.logger.Error("hard timeout exceeded, closing connections", zap.Error(err))
		_ = srv.Close()
		return fmt.Errorf("%w: %w", ErrShutdownTimeout, err)
	}
	return nil
}

// Close releases the renderer and persists the cache. Run calls it after
// the scheduler has stopped; callers that never Run must call it directly.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.renderer != nil {
		if err := a.renderer.Close(); err != nil {
			a.logger.Warn("renderer close failed", zap.Error(err))
			errs = append(errs, err)
		}
	}
	if a.cache != nil && a.snapshots != nil {
		n, err := cache.SaveSnapshot(ctx, a.cache, a.snapshots, sha256.New())
		if err != nil {
			a.logger.Warn("cache snapshot save failed", zap.Error(err))
			errs = append(errs, err)
		} else {
			a.logger.Info("cache snapshot saved", zap.Int("entries", n))
		}
	}
	a.closeStores()
	a.logger.Info("shutdown complete")
	_ = a.logger.Sync()
	return errors.Join(errs...)
}

func (a *App) closeStores() {
	if a.snapshots == nil {
		return
	}
	if err := a.snapshots.Close(); err != nil {
		a.logger.Warn("snapshot store close failed", zap.Error(err))
	}
	a.snapshots = nil
}

func (a *App) closeAll() {
	if a.renderer != nil {
		_ = a.renderer.Close()
	}
	a.closeStores()
}
