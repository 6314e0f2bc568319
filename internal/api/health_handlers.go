package api

import (
	"context"
	"net/http"
	"time"
)

const healthTimeout = 3 * time.Second

type dependencyStatus struct {
	Status    string `json:"status"`
	Available bool   `json:"available"`
	Error     string `json:"error,omitempty"`
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ready, _ := s.readiness(r.Context())
	if !ready {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// health handles GET /v1/health. It reports dependencies and breakers;
// degraded is set while any breaker is open, and the status is 503 when the
// service cannot run audits.
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ready, deps := s.readiness(r.Context())
	breakers := s.breakerStates()
	degraded := false
	for _, st := range breakers {
		if st.State == "open" {
			degraded = true
		}
	}
	body := map[string]any{
		"status":           "healthy",
		"ready":            ready,
		"alive":            true,
		"degraded":         degraded,
		"dependencies":     deps,
		"circuit_breakers": breakers,
	}
	if s.deps.Browsers != nil {
		body["browser_pool"] = s.deps.Browsers.Stats()
	}
	if s.deps.Cache != nil {
		body["cache"] = s.deps.Cache.Stats(r.Context())
	}
	status := http.StatusOK
	if !ready {
		body["status"] = "unhealthy"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, body)
}

func (s *Server) readiness(ctx context.Context) (bool, map[string]dependencyStatus) {
	deps := make(map[string]dependencyStatus, 2)
	ready := true
	if s.deps.Lighthouse != nil {
		st := dependencyStatus{Status: "healthy", Available: true}
		if !s.deps.Lighthouse.Available() {
			st = dependencyStatus{Status: "unhealthy", Error: "lighthouse binary not found on PATH"}
			ready = false
		}
		deps["lighthouse_cli"] = st
	}
	if s.deps.Cache != nil {
		ctx, cancel := context.WithTimeout(ctx, healthTimeout)
		defer cancel()
		st := dependencyStatus{Status: "healthy", Available: true}
		if err := s.deps.Cache.Ping(ctx); err != nil {
			st = dependencyStatus{Status: "unhealthy", Error: err.Error()}
			ready = false
		}
		deps["cache"] = st
	}
	return ready, deps
}

func (s *Server) cacheStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Cache == nil {
		writeError(w, http.StatusServiceUnavailable, "cache unavailable")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Cache.Stats(r.Context()))
}

func (s *Server) cacheCleanup(w http.ResponseWriter, r *http.Request) {
	if s.deps.Cache == nil {
		writeError(w, http.StatusServiceUnavailable, "cache unavailable")
		return
	}
	removed := s.deps.Cache.Cleanup(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"message":       "Expired cache entries cleaned up successfully",
		"removed_count": removed,
	})
}

func (s *Server) cacheClear(w http.ResponseWriter, r *http.Request) {
	if s.deps.Cache == nil {
		writeError(w, http.StatusServiceUnavailable, "cache unavailable")
		return
	}
	removed := s.deps.Cache.Clear(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"message":       "Cache cleared successfully",
		"removed_count": removed,
	})
}
