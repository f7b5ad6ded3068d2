package render

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/ssr-proxy/internal/metrics"
	"github.com/JakeFAU/ssr-proxy/internal/policy/ratelimit"
)

// BrowserMode selects how browser processes are shared between renders.
type BrowserMode string

const (
	// ModeShared keeps one browser alive and opens a tab per render.
	ModeShared BrowserMode = "shared"
	// ModePrivate launches and tears down a browser for every render.
	ModePrivate BrowserMode = "private"
)

const snapshotJS = `(() => {
	const dt = document.doctype;
	const head = dt ? new XMLSerializer().serializeToString(dt) : '';
	return head + document.documentElement.outerHTML;
})()`

// Config controls the chromedp renderer.
type Config struct {
	Mode       BrowserMode
	WSEndpoint string
	ExecPath   string
	UserAgent  string
	NoSandbox  bool

	// AllowedResources lists resource types the page may load; the rest are
	// failed with BlockedByClient.
	AllowedResources []string
	// WaitUntil is one of load, domcontentloaded, networkidle0, networkidle2.
	WaitUntil      string
	Timeout        time.Duration
	MaxConcurrency int
	DomainQPS      float64
}

// Chromedp renders pages in headless Chrome.
type Chromedp struct {
	cfg       Config
	logger    *zap.Logger
	slots     chan struct{}
	limiter   *ratelimit.Limiter
	allowed   map[network.ResourceType]bool
	lifecycle string

	mu     sync.Mutex
	shared *browser
	closed bool
}

type browser struct {
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc

	users   int
	retired bool
}

func (b *browser) close() {
	b.cancel()
	b.allocCancel()
}

// NewChromedp validates cfg. The browser itself is launched lazily.
func NewChromedp(cfg Config, logger *zap.Logger) (*Chromedp, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Mode {
	case "":
		cfg.Mode = ModeShared
	case ModeShared, ModePrivate:
	default:
		return nil, fmt.Errorf("unknown browser mode %q", cfg.Mode)
	}
	lifecycle, err := lifecycleName(cfg.WaitUntil)
	if err != nil {
		return nil, err
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if len(cfg.AllowedResources) == 0 {
		cfg.AllowedResources = []string{"document", "script", "xhr", "fetch"}
	}
	allowed := make(map[network.ResourceType]bool, len(cfg.AllowedResources))
	for _, name := range cfg.AllowedResources {
		rt, err := resourceTypeFor(name)
		if err != nil {
			return nil, err
		}
		allowed[rt] = true
	}

	r := &Chromedp{
		cfg:       cfg,
		logger:    logger,
		allowed:   allowed,
		lifecycle: lifecycle,
	}
	if cfg.MaxConcurrency > 0 {
		r.slots = make(chan struct{}, cfg.MaxConcurrency)
	}
	if cfg.DomainQPS > 0 {
		r.limiter = ratelimit.New(ratelimit.Config{DefaultRPS: cfg.DomainQPS, DefaultBurst: 1})
	}
	return r, nil
}

// Render opens req.URL in a fresh tab and returns the serialized DOM once
// the configured lifecycle point is reached.
func (r *Chromedp) Render(ctx context.Context, req Request) (Result, error) {
	if err := r.acquireSlot(ctx); err != nil {
		return Result{}, err
	}
	defer r.releaseSlot()

	if r.limiter != nil {
		if err := r.limiter.Wait(ctx, req.URL); err != nil {
			return Result{}, err
		}
	}

	b, done, err := r.acquireBrowser()
	if err != nil {
		return Result{}, err
	}
	defer done()

	start := time.Now()
	tabCtx, cancelTab := chromedp.NewContext(b.ctx)
	defer cancelTab()
	taskCtx, cancelTask := context.WithTimeout(tabCtx, r.cfg.Timeout)
	defer cancelTask()
	stop := forwardCancel(ctx, cancelTask)
	defer stop()

	meta := newResponseMeta()
	wait := newLifecycleWait(r.lifecycle)
	var intercepted atomic.Bool
	chromedp.ListenTarget(tabCtx, func(ev any) {
		switch e := ev.(type) {
		case *network.EventResponseReceived:
			meta.capture(e)
		case *page.EventLifecycleEvent:
			wait.observe(e)
		case *fetch.EventRequestPaused:
			go r.interceptRequest(tabCtx, e, req, &intercepted)
		}
	})

	var html string
	err = chromedp.Run(taskCtx,
		network.Enable(),
		fetch.Enable().WithPatterns([]*fetch.RequestPattern{{URLPattern: "*"}}),
		page.SetLifecycleEventsEnabled(true),
		wait.arm(),
		chromedp.Navigate(req.URL),
		wait.action(),
		chromedp.Evaluate(snapshotJS, &html),
	)
	elapsed := time.Since(start)
	if err != nil {
		metrics.ObserveRender(req.URL, "error", elapsed)
		return Result{Elapsed: elapsed}, fmt.Errorf("chromedp run: %w", err)
	}
	metrics.ObserveRender(req.URL, "success", elapsed)

	status, headers := meta.snapshot()
	if status == 0 {
		status = http.StatusOK
	}
	return Result{Text: html, Status: status, Headers: headers, Elapsed: elapsed}, nil
}

// interceptRequest blocks disallowed resource types and applies the
// caller's method and headers to the first document request.
func (r *Chromedp) interceptRequest(tabCtx context.Context, e *fetch.EventRequestPaused, req Request, first *atomic.Bool) {
	c := chromedp.FromContext(tabCtx)
	if c == nil || c.Target == nil {
		return
	}
	ctx := cdp.WithExecutor(tabCtx, c.Target)

	if !r.allowed[e.ResourceType] {
		if err := fetch.FailRequest(e.RequestID, network.ErrorReasonBlockedByClient).Do(ctx); err != nil {
			r.logger.Debug("fail request", zap.String("resource_type", e.ResourceType.String()), zap.Error(err))
		}
		return
	}

	cont := fetch.ContinueRequest(e.RequestID)
	if e.ResourceType == network.ResourceTypeDocument && first.CompareAndSwap(false, true) {
		if req.Method != "" && !strings.EqualFold(req.Method, http.MethodGet) {
			cont = cont.WithMethod(strings.ToUpper(req.Method))
		}
		if len(req.Headers) > 0 {
			var base network.Headers
			if e.Request != nil {
				base = e.Request.Headers
			}
			cont = cont.WithHeaders(mergeHeaderEntries(base, req.Headers))
		}
	}
	if err := cont.Do(ctx); err != nil {
		r.logger.Debug("continue request", zap.Error(err))
	}
}

// Release closes the shared browser once in-flight renders finish. The next
// render launches a new one.
func (r *Chromedp) Release(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retireLocked()
	return nil
}

// Close releases the browser and rejects further renders.
func (r *Chromedp) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.retireLocked()
	return nil
}

func (r *Chromedp) retireLocked() {
	if r.shared == nil {
		return
	}
	r.shared.retired = true
	if r.shared.users == 0 {
		r.shared.close()
	}
	r.shared = nil
}

func (r *Chromedp) acquireBrowser() (*browser, func(), error) {
	if r.cfg.Mode == ModePrivate {
		r.mu.Lock()
		closed := r.closed
		r.mu.Unlock()
		if closed {
			return nil, nil, ErrRendererClosed
		}
		b, err := r.launch()
		if err != nil {
			return nil, nil, err
		}
		return b, b.close, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, nil, ErrRendererClosed
	}
	if r.shared == nil {
		b, err := r.launch()
		if err != nil {
			return nil, nil, err
		}
		r.shared = b
	}
	b := r.shared
	b.users++
	return b, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		b.users--
		if b.retired && b.users == 0 {
			b.close()
		}
	}, nil
}

func (r *Chromedp) launch() (*browser, error) {
	var (
		allocCtx    context.Context
		allocCancel context.CancelFunc
	)
	if r.cfg.WSEndpoint != "" {
		allocCtx, allocCancel = chromedp.NewRemoteAllocator(context.Background(), r.cfg.WSEndpoint)
	} else {
		opts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", true),
			chromedp.Flag("disable-gpu", true),
			chromedp.Flag("hide-scrollbars", true),
			chromedp.Flag("enable-automation", false),
		)
		if r.cfg.UserAgent != "" {
			opts = append(opts, chromedp.UserAgent(r.cfg.UserAgent))
		}
		if r.cfg.ExecPath != "" {
			opts = append(opts, chromedp.ExecPath(r.cfg.ExecPath))
		}
		if r.cfg.NoSandbox {
			opts = append(opts, chromedp.NoSandbox)
		}
		allocCtx, allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	}

	ctx, cancel := chromedp.NewContext(allocCtx)
	// The first Run starts the browser.
	if err := chromedp.Run(ctx); err != nil {
		cancel()
		allocCancel()
		return nil, fmt.Errorf("launch browser: %w", err)
	}
	r.logger.Info("browser launched", zap.String("mode", string(r.cfg.Mode)), zap.Bool("remote", r.cfg.WSEndpoint != ""))
	return &browser{ctx: ctx, cancel: cancel, allocCancel: allocCancel}, nil
}

func (r *Chromedp) acquireSlot(ctx context.Context) error {
	if r.slots == nil {
		return nil
	}
	select {
	case r.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("render slot wait canceled: %w", ctx.Err())
	}
}

func (r *Chromedp) releaseSlot() {
	if r.slots == nil {
		return
	}
	select {
	case <-r.slots:
	default:
	}
}

// forwardCancel cancels the tab when the caller's context ends. The tab
// context derives from the browser, not from ctx.
func forwardCancel(ctx context.Context, cancel context.CancelFunc) func() {
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-stop:
		}
	}()
	return func() { close(stop) }
}

func lifecycleName(waitUntil string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(waitUntil)) {
	case "", "load", "domcontentloaded":
		// Navigate already waits for the load event.
		return "", nil
	case "networkidle0":
		return "networkIdle", nil
	case "networkidle2":
		return "networkAlmostIdle", nil
	default:
		return "", fmt.Errorf("unknown wait_until %q", waitUntil)
	}
}

func resourceTypeFor(name string) (network.ResourceType, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "document":
		return network.ResourceTypeDocument, nil
	case "stylesheet":
		return network.ResourceTypeStylesheet, nil
	case "image":
		return network.ResourceTypeImage, nil
	case "media":
		return network.ResourceTypeMedia, nil
	case "font":
		return network.ResourceTypeFont, nil
	case "script":
		return network.ResourceTypeScript, nil
	case "texttrack":
		return network.ResourceTypeTextTrack, nil
	case "xhr":
		return network.ResourceTypeXHR, nil
	case "fetch":
		return network.ResourceTypeFetch, nil
	case "eventsource":
		return network.ResourceTypeEventSource, nil
	case "websocket":
		return network.ResourceTypeWebSocket, nil
	case "manifest":
		return network.ResourceTypeManifest, nil
	case "other":
		return network.ResourceTypeOther, nil
	default:
		return "", fmt.Errorf("unknown resource type %q", name)
	}
}

// lifecycleWait blocks until the main frame of the navigation started after
// arm reports the named lifecycle event.
type lifecycleWait struct {
	name string

	mu     sync.Mutex
	armed  bool
	frame  cdp.FrameID
	loader cdp.LoaderID

	once sync.Once
	done chan struct{}
}

func newLifecycleWait(name string) *lifecycleWait {
	return &lifecycleWait{name: name, done: make(chan struct{})}
}

func (w *lifecycleWait) arm() chromedp.Action {
	return chromedp.ActionFunc(func(context.Context) error {
		w.mu.Lock()
		w.armed = true
		w.mu.Unlock()
		return nil
	})
}

func (w *lifecycleWait) observe(e *page.EventLifecycleEvent) {
	if w.name == "" || e == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.armed {
		return
	}
	if e.Name == "init" {
		if w.loader == "" {
			w.frame, w.loader = e.FrameID, e.LoaderID
		}
		return
	}
	if e.Name == w.name && w.loader != "" && e.FrameID == w.frame && e.LoaderID == w.loader {
		w.once.Do(func() { close(w.done) })
	}
}

func (w *lifecycleWait) action() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if w.name == "" {
			return nil
		}
		select {
		case <-w.done:
			return nil
		case <-ctx.Done():
			return fmt.Errorf("wait for %s: %w", w.name, ctx.Err())
		}
	})
}

type responseMeta struct {
	mu      sync.RWMutex
	status  int
	headers http.Header
}

func newResponseMeta() *responseMeta {
	return &responseMeta{headers: http.Header{}}
}

// capture keeps the first document response, which is the navigation target
// or the first hop of a redirect chain.
func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status != 0 {
		return
	}
	headers := http.Header{}
	for key, value := range event.Response.Headers {
		switch v := value.(type) {
		case string:
			// CDP folds repeated headers into one newline-separated value.
			for _, part := range strings.Split(v, "\n") {
				headers.Add(key, part)
			}
		case []any:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	m.status = int(event.Response.Status)
	m.headers = headers
}

func (m *responseMeta) snapshot() (int, http.Header) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status, cloneHeader(m.headers)
}

func cloneHeader(src http.Header) http.Header {
	if src == nil {
		return nil
	}
	dst := make(http.Header, len(src))
	for k, values := range src {
		dst[k] = append([]string(nil), values...)
	}
	return dst
}

// mergeHeaderEntries overlays custom onto the browser's own request headers.
// Names compare case-insensitively and custom values win.
func mergeHeaderEntries(base network.Headers, custom http.Header) []*fetch.HeaderEntry {
	overridden := make(map[string]bool, len(custom))
	for k := range custom {
		overridden[strings.ToLower(k)] = true
	}
	out := make([]*fetch.HeaderEntry, 0, len(base)+len(custom))
	for k, v := range base {
		if overridden[strings.ToLower(k)] {
			continue
		}
		out = append(out, &fetch.HeaderEntry{Name: k, Value: fmt.Sprint(v)})
	}
	for k, values := range custom {
		for _, v := range values {
			out = append(out, &fetch.HeaderEntry{Name: k, Value: v})
		}
	}
	return out
}
