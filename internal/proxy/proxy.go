// Package proxy resolves a request through an ordered chain of strategies:
// headless render, HTTP forward to a backend, and static files.
package proxy

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Type identifies a strategy.
type Type string

// Strategy types. The values double as cache key prefixes.
const (
	TypeRender      Type = "Render"
	TypeHTTPForward Type = "HttpForward"
	TypeStaticFile  Type = "StaticFile"
)

var (
	// ErrInvalidType is returned for a strategy type no strategy is registered for.
	ErrInvalidType = errors.New("invalid proxy type")
	// ErrFileNotFound is returned by the static strategy for missing files.
	ErrFileNotFound = errors.New("File Not Found") //nolint:staticcheck // client-visible message
	// ErrNoResult is used when a chain produced neither content nor an error.
	ErrNoResult = errors.New("No Proxy Result") //nolint:staticcheck // client-visible message
)

// ParseType maps a configured name onto a Type.
func ParseType(s string) (Type, error) {
	switch t := Type(strings.TrimSpace(s)); t {
	case TypeRender, TypeHTTPForward, TypeStaticFile:
		return t, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidType, s)
	}
}

// ParseOrder parses an ordered list of strategy names.
func ParseOrder(names []string) ([]Type, error) {
	out := make([]Type, 0, len(names))
	for _, n := range names {
		t, err := ParseType(n)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// Params describes one request moving through the chain.
type Params struct {
	SourceURL   string
	Method      string
	Headers     http.Header
	TargetURL   *url.URL
	IsBot       bool
	CacheBypass bool
	LastError   error
	Body        []byte
}

// Clone returns a deep copy so a strategy can modify its attempt freely.
func (p *Params) Clone() Params {
	out := *p
	out.Headers = p.Headers.Clone()
	if p.TargetURL != nil {
		u := *p.TargetURL
		if p.TargetURL.User != nil {
			user := *p.TargetURL.User
			u.User = &user
		}
		out.TargetURL = &u
	}
	if p.Body != nil {
		out.Body = append([]byte(nil), p.Body...)
	}
	return out
}

// Target returns the target URL as a string, or "" when unset.
func (p *Params) Target() string {
	if p.TargetURL == nil {
		return ""
	}
	return p.TargetURL.String()
}

// Result is what a strategy produced. At most one of Text, Stream and Err
// is meaningful; Skipped marks a strategy that declined the request.
type Result struct {
	Text        *string
	Stream      io.ReadCloser
	Status      int
	ContentType string
	Headers     http.Header
	Err         error
	Skipped     bool
	CacheHit    bool
}

// HasText reports whether the result carries a buffered body.
func (r Result) HasText() bool { return r.Text != nil }

// BackendError reports a backend response with an error status. Body holds
// the drained response body.
type BackendError struct {
	Status int
	Body   string
}

func (e *BackendError) Error() string {
	if strings.TrimSpace(e.Body) != "" {
		return e.Body
	}
	return fmt.Sprintf("backend responded with status %d", e.Status)
}

// QueryParam is a query parameter appended to outbound URLs.
type QueryParam struct {
	Key   string
	Value string
}

// withQuery returns a copy of u with params set.
func withQuery(u *url.URL, params []QueryParam) *url.URL {
	out := *u
	if len(params) == 0 {
		return &out
	}
	q := out.Query()
	for _, p := range params {
		q.Set(p.Key, p.Value)
	}
	out.RawQuery = q.Encode()
	return &out
}

// CacheKey builds the cache key for a strategy. Only HttpForward includes
// the method.
func CacheKey(t Type, method string, target *url.URL) string {
	u := ""
	if target != nil {
		u = target.String()
	}
	if t == TypeHTTPForward {
		if method == "" {
			method = http.MethodGet
		}
		return string(t) + ":" + strings.ToUpper(method) + ":" + u
	}
	return string(t) + ":" + u
}

var errMissingTarget = errors.New("missing target url")
