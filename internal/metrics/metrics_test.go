package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSite(tc.input); got != tc.expected {
				t.Errorf("SanitizeSite(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestInitIdempotent(t *testing.T) {
	Init()
	Init()

	if httpRequestsTotal == nil || cacheLookupsTotal == nil || strategyResultsTotal == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestCacheObservers(t *testing.T) {
	before := testutil.ToFloat64(cacheLookupsTotal.WithLabelValues("Render", "hit"))
	ObserveCacheLookup("Render", true)
	if got := testutil.ToFloat64(cacheLookupsTotal.WithLabelValues("Render", "hit")); got != before+1 {
		t.Errorf("expected hit counter to advance by 1, got %f -> %f", before, got)
	}

	beforeEvict := testutil.ToFloat64(cacheEvictionsTotal.WithLabelValues("length"))
	ObserveCacheEviction("length")
	if got := testutil.ToFloat64(cacheEvictionsTotal.WithLabelValues("length")); got != beforeEvict+1 {
		t.Errorf("expected eviction counter to advance by 1, got %f", got)
	}

	SetCacheSize(3, 1200)
	if got := testutil.ToFloat64(cacheEntries); got != 3 {
		t.Errorf("expected 3 entries, got %f", got)
	}
	if got := testutil.ToFloat64(cacheBytes); got != 1200 {
		t.Errorf("expected 1200 bytes, got %f", got)
	}
}

func TestRefreshObservers(t *testing.T) {
	before := testutil.ToFloat64(refreshRoutesTotal.WithLabelValues("failed"))
	ObserveRefreshRoute("failed")
	ObserveRefreshCycle(2 * time.Second)
	if got := testutil.ToFloat64(refreshRoutesTotal.WithLabelValues("failed")); got != before+1 {
		t.Errorf("expected failed route counter to advance, got %f", got)
	}
	if n := testutil.CollectAndCount(refreshCycleSeconds); n != 1 {
		t.Errorf("expected one cycle histogram series, got %d", n)
	}
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"http://example.com", "https://google.com", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		sanitized := SanitizeSite(orig)
		if sanitized == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
