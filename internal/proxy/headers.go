package proxy

import (
	"mime"
	"net/http"
	"path"
	"strings"
)

// Request headers that describe the inbound hop, not the proxy's own call.
var droppedRequestHeaders = map[string]bool{
	"host":       true,
	"referer":    true,
	"user-agent": true,
}

// Additional request headers the HTTP client manages itself.
var transportRequestHeaders = map[string]bool{
	"accept-encoding":   true,
	"connection":        true,
	"content-length":    true,
	"transfer-encoding": true,
}

// Response headers that no longer describe the body once it is decoded and
// re-sent by this process.
var unsafeResponseHeaders = map[string]bool{
	"content-encoding":  true,
	"content-length":    true,
	"transfer-encoding": true,
	"connection":        true,
}

// NormalizeHeaders lower-cases header names and drops host, referer and
// user-agent. The result is a new map; h is not modified.
func NormalizeHeaders(h http.Header) http.Header {
	return filterHeaders(h, droppedRequestHeaders)
}

func forwardHeaders(h http.Header) http.Header {
	out := NormalizeHeaders(h)
	for k := range transportRequestHeaders {
		delete(out, k)
	}
	return out
}

func filterHeaders(h http.Header, drop map[string]bool) http.Header {
	out := make(http.Header, len(h))
	for k, values := range h {
		lk := strings.ToLower(k)
		if drop[lk] {
			continue
		}
		out[lk] = append(out[lk], values...)
	}
	return out
}

// StripResponseHeaders returns a copy of h without hop and encoding headers.
func StripResponseHeaders(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, values := range h {
		if unsafeResponseHeaders[strings.ToLower(k)] {
			continue
		}
		out[http.CanonicalHeaderKey(k)] = append([]string(nil), values...)
	}
	return out
}

// ContentTypeFor derives a content type from a URL or file path.
func ContentTypeFor(p string) string {
	if ext := path.Ext(p); ext != "" {
		if ct := mime.TypeByExtension(ext); ct != "" {
			return ct
		}
	}
	if LooksLikeHTML(p) {
		return "text/html"
	}
	return "text/plain"
}
