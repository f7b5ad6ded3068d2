// Package render turns a URL into fully rendered HTML using a headless browser.
package render

import (
	"context"
	"errors"
	"net/http"
	"time"
)

var (
	// ErrRendererDisabled indicates rendering has been disabled via configuration.
	ErrRendererDisabled = errors.New("renderer disabled")
	// ErrRendererClosed is returned after Close.
	ErrRendererClosed = errors.New("renderer closed")
)

// Request describes one page render.
type Request struct {
	URL     string
	Method  string
	Headers http.Header
}

// Result is the rendered document. Elapsed is set even when Render fails.
type Result struct {
	Text    string
	Status  int
	Headers http.Header
	Elapsed time.Duration
}

// Renderer renders pages.
type Renderer interface {
	Render(ctx context.Context, req Request) (Result, error)
}

// Releaser gives back pooled browser resources without disabling the renderer.
type Releaser interface {
	Release(ctx context.Context) error
}

// Noop is used when rendering is switched off.
type Noop struct{}

// Render always fails with ErrRendererDisabled.
func (Noop) Render(context.Context, Request) (Result, error) {
	return Result{}, ErrRendererDisabled
}

// Release does nothing.
func (Noop) Release(context.Context) error { return nil }

// Close does nothing.
func (Noop) Close() error { return nil }
