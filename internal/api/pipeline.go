package api

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/ssr-proxy/internal/bot"
	"github.com/JakeFAU/ssr-proxy/internal/logging"
	"github.com/JakeFAU/ssr-proxy/internal/proxy"
)

// Response headers describing how a request was resolved.
const (
	HeaderStrategy = "X-Ssr-Proxy"
	HeaderCache    = "X-Ssr-Cache"
)

// errorPlaceholder is replaced by the error message in a custom error body.
const errorPlaceholder = "{error}"

// PipelineConfig configures request translation.
type PipelineConfig struct {
	// TargetRoute is the backend origin request URIs are resolved against.
	TargetRoute *url.URL
	// MaxBodyBytes bounds buffered request bodies. Zero or less disables
	// the limit.
	MaxBodyBytes int64
	// FailStatus picks the status of a failure response. Nil means 404.
	FailStatus func(p proxy.Params, t proxy.Type) int
	// ErrorBody is the body of failure responses. "{error}" is replaced by
	// the error message; empty means the bare message.
	ErrorBody string
}

// Pipeline turns inbound requests into chain runs and chain results into
// responses.
type Pipeline struct {
	chain      *proxy.Chain
	classifier *bot.Classifier
	cfg        PipelineConfig
}

// NewPipeline creates a Pipeline.
func NewPipeline(chain *proxy.Chain, classifier *bot.Classifier, cfg PipelineConfig) *Pipeline {
	if cfg.FailStatus == nil {
		cfg.FailStatus = func(proxy.Params, proxy.Type) int { return http.StatusNotFound }
	}
	return &Pipeline{chain: chain, classifier: classifier, cfg: cfg}
}

// FixedFailStatus returns a FailStatus func that always answers status.
func FixedFailStatus(status int) func(proxy.Params, proxy.Type) int {
	return func(proxy.Params, proxy.Type) int { return status }
}

func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.FromContext(ctx)

	params, status, err := p.buildParams(w, r)
	if err != nil {
		writeText(w, status, err.Error())
		return
	}

	result, typ := p.chain.Run(ctx, params)
	if typ != "" {
		w.Header().Set(HeaderStrategy, string(typ))
	}

	switch {
	case result.Err != nil:
		p.fail(w, params, typ, result, result.Err)
	case result.HasText():
		cacheHeader(w, result)
		writeHeaders(w, result)
		w.WriteHeader(statusOrOK(result.Status))
		if _, err := io.WriteString(w, *result.Text); err != nil {
			logger.Debug("write response body", zap.Error(err))
		}
	case result.Stream != nil:
		p.sendStream(w, logger, params, typ, result)
	default:
		p.fail(w, params, typ, result, proxy.ErrNoResult)
	}
}

func (p *Pipeline) buildParams(w http.ResponseWriter, r *http.Request) (*proxy.Params, int, error) {
	uri := r.RequestURI
	if uri == "" {
		uri = r.URL.RequestURI()
	}
	ref, err := url.ParseRequestURI(uri)
	if err != nil {
		return nil, http.StatusBadRequest, fmt.Errorf("invalid request uri: %w", err)
	}
	target := ref
	if p.cfg.TargetRoute != nil {
		target = p.cfg.TargetRoute.ResolveReference(ref)
	}

	var body []byte
	if r.Body != nil && r.Body != http.NoBody {
		reader := io.Reader(r.Body)
		if p.cfg.MaxBodyBytes > 0 {
			reader = http.MaxBytesReader(w, r.Body, p.cfg.MaxBodyBytes)
		}
		body, err = io.ReadAll(reader)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				return nil, http.StatusRequestEntityTooLarge, errors.New("request body too large")
			}
			return nil, http.StatusBadRequest, fmt.Errorf("read request body: %w", err)
		}
	}

	return &proxy.Params{
		SourceURL: uri,
		Method:    r.Method,
		Headers:   r.Header.Clone(),
		TargetURL: target,
		IsBot:     p.classifier.IsBot(r),
		Body:      body,
	}, 0, nil
}

// sendStream peeks at the first byte so that a stream failing up front can
// still become a failure response. Later errors can only be logged.
func (p *Pipeline) sendStream(w http.ResponseWriter, logger *zap.Logger, params *proxy.Params, typ proxy.Type, result proxy.Result) {
	defer result.Stream.Close()

	br := bufio.NewReader(result.Stream)
	if _, err := br.Peek(1); err != nil && !errors.Is(err, io.EOF) {
		p.fail(w, params, typ, result, fmt.Errorf("read %s stream: %w", typ, err))
		return
	}
	cacheHeader(w, result)
	writeHeaders(w, result)
	w.WriteHeader(statusOrOK(result.Status))
	if _, err := io.Copy(w, br); err != nil {
		logger.Warn("stream interrupted", zap.String("strategy", string(typ)), zap.Error(err))
	}
}

func (p *Pipeline) fail(w http.ResponseWriter, params *proxy.Params, typ proxy.Type, result proxy.Result, err error) {
	for k, values := range result.Headers {
		for _, v := range values {
			w.Header().Add(k, v)
		}
	}
	msg := err.Error()
	if p.cfg.ErrorBody != "" {
		msg = strings.ReplaceAll(p.cfg.ErrorBody, errorPlaceholder, msg)
	}
	writeText(w, p.cfg.FailStatus(*params, typ), msg)
}

func cacheHeader(w http.ResponseWriter, result proxy.Result) {
	if result.CacheHit {
		w.Header().Set(HeaderCache, "hit")
	} else {
		w.Header().Set(HeaderCache, "miss")
	}
}

func writeHeaders(w http.ResponseWriter, result proxy.Result) {
	h := w.Header()
	for k, values := range result.Headers {
		h.Del(k)
		for _, v := range values {
			h.Add(k, v)
		}
	}
	if result.ContentType != "" {
		h.Set("Content-Type", result.ContentType)
	}
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Del("Content-Length")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func statusOrOK(status int) int {
	if status == 0 {
		return http.StatusOK
	}
	return status
}
