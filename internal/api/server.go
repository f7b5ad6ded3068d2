package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/ssr-proxy/internal/cache"
	"github.com/JakeFAU/ssr-proxy/internal/metrics"
	"github.com/JakeFAU/ssr-proxy/internal/refresh"
)

// Refresher starts an out-of-schedule refresh cycle.
type Refresher interface {
	Trigger() error
}

// AdminConfig configures the operator routes.
type AdminConfig struct {
	Enabled bool
	Prefix  string
	// APIKey, when set, is required on every admin route.
	APIKey string
}

// Server wires the proxy pipeline and the admin routes into one router.
type Server struct {
	router    chi.Router
	cache     *cache.Cache
	refresher Refresher
	ready     atomic.Bool
}

// NewServer constructs a Server with middleware and routes. cache and
// refresher may be nil when the features are disabled.
func NewServer(pipeline http.Handler, c *cache.Cache, refresher Refresher, admin AdminConfig, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{cache: c, refresher: refresher}
	s.ready.Store(true)

	r := chi.NewRouter()
	r.Use(requestIDMiddleware(logger))
	r.Use(loggingMiddleware)
	r.Use(recoverMiddleware)
	r.Use(metrics.Middleware)

	if admin.Enabled {
		prefix := "/" + strings.Trim(admin.Prefix, "/")
		r.Route(prefix, func(r chi.Router) {
			if admin.APIKey != "" {
				r.Use(apiKeyMiddleware(admin.APIKey))
			}
			r.Get("/healthz", s.healthz)
			r.Get("/readyz", s.readyz)
			r.Method(http.MethodGet, "/metrics", metrics.Handler())
			r.Get("/cache", s.cacheStats)
			r.Delete("/cache", s.cacheDelete)
			r.Post("/cache/clear", s.cacheClear)
			r.Post("/refresh", s.triggerRefresh)
		})
	}
	r.Handle("/*", pipeline)

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// SetReady flips the readiness probe, e.g. while draining.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if !s.ready.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "draining"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type cacheStatsResponse struct {
	cache.Stats
	Keys []string `json:"keys"`
}

func (s *Server) cacheStats(w http.ResponseWriter, _ *http.Request) {
	if s.cache == nil {
		writeError(w, http.StatusNotFound, "cache disabled")
		return
	}
	writeJSON(w, http.StatusOK, cacheStatsResponse{Stats: s.cache.Stats(), Keys: s.cache.Keys()})
}

func (s *Server) cacheDelete(w http.ResponseWriter, r *http.Request) {
	if s.cache == nil {
		writeError(w, http.StatusNotFound, "cache disabled")
		return
	}
	key := r.URL.Query().Get("key")
	if key == "" {
		writeError(w, http.StatusBadRequest, "key required")
		return
	}
	if !s.cache.Delete(key) {
		writeError(w, http.StatusNotFound, "key not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deleted": key})
}

func (s *Server) cacheClear(w http.ResponseWriter, _ *http.Request) {
	if s.cache == nil {
		writeError(w, http.StatusNotFound, "cache disabled")
		return
	}
	deleted := s.cache.TryClear()
	if deleted == nil {
		deleted = []cache.Deletion{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": deleted})
}

func (s *Server) triggerRefresh(w http.ResponseWriter, _ *http.Request) {
	if s.refresher == nil {
		writeError(w, http.StatusServiceUnavailable, "refresh disabled")
		return
	}
	switch err := s.refresher.Trigger(); {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "triggered"})
	case errors.Is(err, refresh.ErrCycleRunning):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusServiceUnavailable, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
