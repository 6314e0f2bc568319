// Package api exposes the HTTP interface for the audit service.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/JakeFAU/webaudit/internal/audit"
	"github.com/JakeFAU/webaudit/internal/breaker"
	"github.com/JakeFAU/webaudit/internal/cache"
	"github.com/JakeFAU/webaudit/internal/config"
	"github.com/JakeFAU/webaudit/internal/dispatcher"
	"github.com/JakeFAU/webaudit/internal/lab"
	"github.com/JakeFAU/webaudit/internal/metrics"
	"github.com/JakeFAU/webaudit/internal/pool"
	"github.com/JakeFAU/webaudit/internal/progress"
	"github.com/JakeFAU/webaudit/internal/registry"
)

// Dispatcher is the admission API used by the handlers.
type Dispatcher interface {
	Submit(ctx context.Context, req audit.Request) (dispatcher.Submission, error)
	Get(jobID string) (audit.JobView, error)
	Await(ctx context.Context, jobID string) (audit.JobView, error)
	Cancel(jobID string) (registry.CancelResult, error)
	ListActive() []audit.JobView
	Stats() dispatcher.Stats
}

// CacheAdmin exposes cache maintenance.
type CacheAdmin interface {
	Stats(ctx context.Context) cache.Stats
	Cleanup(ctx context.Context) int
	Clear(ctx context.Context) int
	Ping(ctx context.Context) error
}

// Subscriber streams job progress.
type Subscriber interface {
	Subscribe(ctx context.Context, jobID string) *progress.Subscription
}

// BreakerReporter is implemented by clients guarded by a circuit breaker.
type BreakerReporter interface {
	Breaker() breaker.Status
}

// Deps are the collaborators behind the HTTP surface. Only Dispatcher is
// required.
type Deps struct {
	Dispatcher Dispatcher
	Cache      CacheAdmin
	Progress   Subscriber
	Lighthouse interface{ Available() bool }
	Browsers   interface{ Stats() lab.BrowserStats }
	Pool       interface{ Stats() pool.Stats }
	Breakers   []BreakerReporter
}

// Server wires HTTP handlers to the dispatcher and its collaborators.
type Server struct {
	router   chi.Router
	deps     Deps
	cfg      config.Config
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		deps:   deps,
		cfg:    cfg,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(*http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	timeout := cfg.Server.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	if cfg.Metrics.Enabled {
		r.Handle("/metrics", metrics.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/health", s.health)

		r.Group(func(r chi.Router) {
			if cfg.AuthEnabled() {
				r.Use(apiKeyMiddleware(cfg.Server.APIKey))
			}
			// Long-lived: ?wait=true submissions and WebSocket streams.
			r.Post("/audit", s.submitAudit)
			r.Get("/audit/{job_id}", s.getAudit)

			r.Group(func(r chi.Router) {
				r.Use(timeoutMiddleware(timeout))
				r.Delete("/audit/{job_id}", s.cancelAudit)
				r.Get("/audits/running", s.listRunning)
				r.Get("/audits/stats", s.stats)
				r.Get("/cache/stats", s.cacheStats)
				r.Post("/cache/cleanup", s.cacheCleanup)
				r.Delete("/cache", s.cacheClear)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	var (
		validation *audit.ValidationError
		limit      *audit.ClientLimitError
		capacity   *audit.QueueCapacityError
	)
	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.As(err, &limit):
		return http.StatusTooManyRequests
	case errors.As(err, &capacity), errors.Is(err, dispatcher.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, registry.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	switch status {
	case http.StatusNotFound:
		msg = "job not found or expired"
	case http.StatusInternalServerError:
		s.logger.Error("request failed", zap.Error(err))
		msg = "internal server error"
	}
	writeError(w, status, msg)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			reqID, _ := r.Context().Value(requestIDKey{}).(string)
			logger.Info("request completed",
				zap.String("request_id", reqID),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, `{"error":"request timed out"}`)
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
