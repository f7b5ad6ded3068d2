package proxy

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/ssr-proxy/internal/logging"
	"github.com/JakeFAU/ssr-proxy/internal/metrics"
)

// Strategy resolves requests one way.
type Strategy interface {
	Type() Type
	// ShouldUse reports whether the strategy accepts p at all.
	ShouldUse(p Params) bool
	Resolve(ctx context.Context, p Params) Result
}

// Chain runs strategies in order until one succeeds.
type Chain struct {
	strategies  map[Type]Strategy
	order       []Type
	skipOnError bool
	reqMW       ReqMiddleware
	resMW       ResMiddleware
}

// Option configures a Chain.
type Option func(*Chain)

// WithSkipOnError controls whether a failing strategy falls through to the
// next one. The default is true.
func WithSkipOnError(skip bool) Option {
	return func(c *Chain) { c.skipOnError = skip }
}

// WithRequestMiddleware installs a hook run once per strategy attempt.
func WithRequestMiddleware(mw ReqMiddleware) Option {
	return func(c *Chain) { c.reqMW = mw }
}

// WithResponseMiddleware installs a hook run once on the final result.
func WithResponseMiddleware(mw ResMiddleware) Option {
	return func(c *Chain) { c.resMW = mw }
}

// NewChain builds a chain over strategies in the given order. Types in order
// without a registered strategy fail with ErrInvalidType when reached.
func NewChain(order []Type, strategies []Strategy, opts ...Option) *Chain {
	c := &Chain{
		strategies:  make(map[Type]Strategy, len(strategies)),
		order:       append([]Type(nil), order...),
		skipOnError: true,
	}
	for _, s := range strategies {
		c.strategies[s.Type()] = s
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WithOrder returns a chain sharing c's strategies and hooks but running
// them in a different order.
func (c *Chain) WithOrder(order []Type) *Chain {
	cp := *c
	cp.order = append([]Type(nil), order...)
	return &cp
}

// Order returns the configured strategy order.
func (c *Chain) Order() []Type {
	return append([]Type(nil), c.order...)
}

// Run resolves p and reports which strategy produced the result. Failures
// are carried in Result.Err. The only field of p the chain writes is
// LastError.
func (c *Chain) Run(ctx context.Context, p *Params) (Result, Type) {
	logger := logging.FromContext(ctx)

	var (
		result Result
		last   Type
	)
	for _, t := range c.order {
		last = t
		result = c.attempt(ctx, t, p)

		switch {
		case result.Skipped:
			metrics.ObserveStrategy(string(t), "skipped")
			logger.Debug("strategy skipped", zap.String("strategy", string(t)), zap.String("target", p.Target()))
		case result.Err != nil:
			metrics.ObserveStrategy(string(t), "error")
			logger.Debug("strategy failed", zap.String("strategy", string(t)), zap.String("target", p.Target()), zap.Error(result.Err))
		default:
			metrics.ObserveStrategy(string(t), "success")
		}

		if result.Err != nil {
			p.LastError = result.Err
		}
		if !result.Skipped && result.Err == nil {
			break
		}
		if !c.skipOnError && result.Err != nil {
			return result, t
		}
	}

	// A trailing skip must not hide an earlier failure.
	if result.Skipped && p.LastError != nil {
		result = Result{Err: p.LastError}
	}

	if c.resMW != nil {
		out, err := c.resMW(ctx, *p, result)
		if err != nil {
			closeStream(result)
			return Result{Err: fmt.Errorf("response middleware: %w", err)}, last
		}
		result = out
	}
	return result, last
}

func (c *Chain) attempt(ctx context.Context, t Type, p *Params) Result {
	s, ok := c.strategies[t]
	if !ok {
		return Result{Err: fmt.Errorf("%w: %s", ErrInvalidType, t)}
	}
	attempt := p.Clone()
	if c.reqMW != nil {
		var err error
		if attempt, err = c.reqMW(ctx, attempt); err != nil {
			return Result{Err: fmt.Errorf("request middleware: %w", err)}
		}
	}
	if !s.ShouldUse(attempt) {
		return Result{Skipped: true}
	}
	return s.Resolve(ctx, attempt)
}

func closeStream(r Result) {
	if r.Stream != nil {
		_ = r.Stream.Close()
	}
}
