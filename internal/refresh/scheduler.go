// Package refresh keeps cached pages warm by re-resolving a fixed set of
// routes on a schedule, independent of live traffic.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/ssr-proxy/internal/metrics"
	"github.com/JakeFAU/ssr-proxy/internal/pool"
	"github.com/JakeFAU/ssr-proxy/internal/proxy"
	"github.com/JakeFAU/ssr-proxy/internal/render"
	"github.com/JakeFAU/ssr-proxy/internal/retry"
)

var (
	// ErrCycleRunning is returned by Trigger while a cycle is in progress.
	ErrCycleRunning = errors.New("refresh cycle already running")
	// ErrNotRunning is returned by Trigger when Run is not active.
	ErrNotRunning = errors.New("refresh scheduler not running")
)

// Route is one request replayed every cycle.
type Route struct {
	Method  string
	URL     string
	Headers map[string]string
}

// Runner resolves a request; *proxy.Chain satisfies it.
type Runner interface {
	Run(ctx context.Context, p *proxy.Params) (proxy.Result, proxy.Type)
}

// Config controls scheduling and per-cycle behavior.
type Config struct {
	Enabled bool
	// ShouldUse is consulted at the start of every cycle. Nil means true.
	ShouldUse    func() bool
	InitialDelay time.Duration
	// Interval is used when Cron is empty.
	Interval time.Duration
	// Cron is a standard five-field expression evaluated in Location.
	Cron            string
	Location        *time.Location
	Parallelism     int
	IsBot           bool
	ReleaseRenderer bool
	StopOnError     bool
	Routes          []Route
}

// RouteFailure pairs a route with the error that exhausted its retries.
type RouteFailure struct {
	Route Route
	Err   error
}

// Report summarizes one cycle.
type Report struct {
	Skipped   bool
	Succeeded []Route
	Failed    []RouteFailure
	Duration  time.Duration
}

// Scheduler runs refresh cycles.
type Scheduler struct {
	cfg      Config
	runner   Runner
	policy   retry.Policy
	releaser render.Releaser
	logger   *zap.Logger
	schedule cron.Schedule

	mu       sync.Mutex
	active   bool
	cycleCtx context.Context //nolint:containedctx // cycles outlive the cron callback
	wg       sync.WaitGroup
	busy     atomic.Bool
}

// New validates cfg. releaser may be nil.
func New(cfg Config, runner Runner, policy retry.Policy, releaser render.Releaser, logger *zap.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 1
	}
	s := &Scheduler{cfg: cfg, runner: runner, policy: policy, releaser: releaser, logger: logger}
	if !cfg.Enabled {
		return s, nil
	}

	switch {
	case strings.TrimSpace(cfg.Cron) != "":
		sched, err := cron.ParseStandard(cfg.Cron)
		if err != nil {
			return nil, fmt.Errorf("parse refresh cron %q: %w", cfg.Cron, err)
		}
		s.schedule = sched
	case cfg.Interval > 0:
		s.schedule = cron.Every(cfg.Interval)
	default:
		return nil, errors.New("refresh needs an interval or a cron expression")
	}
	for _, r := range cfg.Routes {
		if _, err := parseRouteURL(r.URL); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Run blocks until ctx is done, running a cycle after the initial delay and
// then on every scheduled tick. A tick that arrives while a cycle is still
// running is skipped. Run returns once the last cycle has finished.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.cfg.Enabled || len(s.cfg.Routes) == 0 {
		s.logger.Info("cache refresh disabled")
		return nil
	}

	s.mu.Lock()
	s.active = true
	s.cycleCtx = ctx
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.active = false
		s.mu.Unlock()
		s.wg.Wait()
	}()

	s.logger.Info("cache refresh scheduled",
		zap.Duration("initial_delay", s.cfg.InitialDelay),
		zap.Duration("interval", s.cfg.Interval),
		zap.String("cron", s.cfg.Cron),
		zap.Int("routes", len(s.cfg.Routes)),
	)
	timer := time.NewTimer(s.cfg.InitialDelay)
	select {
	case <-ctx.Done():
		timer.Stop()
		return nil
	case <-timer.C:
	}
	s.launch()

	c := cron.New(
		cron.WithLocation(s.cfg.Location),
		cron.WithLogger(cronLogger{s.logger.Sugar()}),
	)
	c.Schedule(s.schedule, cron.FuncJob(s.launch))
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// Trigger starts a cycle now without waiting for the schedule.
func (s *Scheduler) Trigger() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return ErrNotRunning
	}
	if !s.launchLocked() {
		return ErrCycleRunning
	}
	return nil
}

func (s *Scheduler) launch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return
	}
	if !s.launchLocked() {
		s.logger.Warn("refresh cycle skipped: previous cycle still running")
	}
}

func (s *Scheduler) launchLocked() bool {
	if !s.busy.CompareAndSwap(false, true) {
		return false
	}
	ctx := s.cycleCtx
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.busy.Store(false)
		s.RunCycle(ctx)
	}()
	return true
}

// RunCycle refreshes every route once, at most Parallelism at a time. Routes
// fail independently unless StopOnError is set. The renderer is released
// afterwards when configured, whatever the outcome.
func (s *Scheduler) RunCycle(ctx context.Context) Report {
	if s.cfg.ShouldUse != nil && !s.cfg.ShouldUse() {
		s.logger.Debug("refresh cycle skipped by predicate")
		return Report{Skipped: true}
	}
	if len(s.cfg.Routes) == 0 {
		return Report{Skipped: true}
	}

	start := time.Now()
	if s.cfg.ReleaseRenderer && s.releaser != nil {
		defer func() {
			if err := s.releaser.Release(ctx); err != nil {
				s.logger.Warn("release renderer", zap.Error(err))
			}
		}()
	}

	urls := make([]string, len(s.cfg.Routes))
	tasks := make([]pool.Task, len(s.cfg.Routes))
	for i, route := range s.cfg.Routes {
		urls[i] = route.URL
		tasks[i] = func(ctx context.Context) error {
			return s.refreshRoute(ctx, route)
		}
	}
	s.logger.Info("refreshing cache", zap.Strings("routes", urls))

	errs := pool.Run(ctx, s.cfg.Parallelism, tasks, pool.Options{StopOnError: s.cfg.StopOnError})

	var report Report
	for i, err := range errs {
		if err == nil {
			report.Succeeded = append(report.Succeeded, s.cfg.Routes[i])
			continue
		}
		if errors.Is(err, pool.ErrNotStarted) {
			metrics.ObserveRefreshRoute("not_started")
		}
		report.Failed = append(report.Failed, RouteFailure{Route: s.cfg.Routes[i], Err: err})
	}
	report.Duration = time.Since(start)
	metrics.ObserveRefreshCycle(report.Duration)
	s.logger.Info("refresh cycle finished",
		zap.Int("succeeded", len(report.Succeeded)),
		zap.Int("failed", len(report.Failed)),
		zap.Duration("duration", report.Duration),
	)
	return report
}

func (s *Scheduler) refreshRoute(ctx context.Context, route Route) error {
	logger := s.logger.With(zap.String("url", route.URL))
	var strategy proxy.Type
	err := retry.Do(ctx, s.policy,
		func(ctx context.Context, _ int) error {
			t, err := s.attempt(ctx, route)
			strategy = t
			return err
		},
		func(attempt int, err error, wait time.Duration) {
			logger.Warn("refresh attempt failed", zap.Int("attempt", attempt), zap.Duration("retry_in", wait), zap.Error(err))
		},
	)
	if err != nil {
		logger.Error("refresh route failed", zap.Error(err))
		metrics.ObserveRefreshRoute("failed")
		return err
	}
	logger.Info("route refreshed", zap.String("strategy", string(strategy)))
	metrics.ObserveRefreshRoute("success")
	return nil
}

func (s *Scheduler) attempt(ctx context.Context, route Route) (proxy.Type, error) {
	target, err := parseRouteURL(route.URL)
	if err != nil {
		return "", retry.Permanent(err)
	}
	method := strings.ToUpper(route.Method)
	if method == "" {
		method = http.MethodGet
	}
	headers := make(http.Header, len(route.Headers))
	for k, v := range route.Headers {
		headers.Set(k, v)
	}
	params := &proxy.Params{
		SourceURL:   route.URL,
		Method:      method,
		Headers:     headers,
		TargetURL:   target,
		IsBot:       s.cfg.IsBot,
		CacheBypass: true,
	}

	result, typ := s.runner.Run(ctx, params)
	switch {
	case result.Err != nil:
		if errors.Is(result.Err, proxy.ErrInvalidType) {
			return typ, retry.Permanent(result.Err)
		}
		return typ, fmt.Errorf("%s: %w", typ, result.Err)
	case result.Stream != nil:
		// Draining to EOF is what commits a tee'd stream to the cache.
		_, copyErr := io.Copy(io.Discard, result.Stream)
		closeErr := result.Stream.Close()
		if err := errors.Join(copyErr, closeErr); err != nil {
			return typ, fmt.Errorf("drain %s stream: %w", typ, err)
		}
		return typ, nil
	case result.HasText():
		return typ, nil
	default:
		return typ, proxy.ErrNoResult
	}
}

func parseRouteURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse refresh route %q: %w", raw, err)
	}
	if !u.IsAbs() || u.Host == "" {
		return nil, fmt.Errorf("refresh route %q must be an absolute url", raw)
	}
	return u, nil
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
