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
	"go.uber.org/zap"

	idgen "github.com/JakeFAU/mdagent/internal/id/uuid"
	"github.com/JakeFAU/mdagent/internal/metrics"
	"github.com/JakeFAU/mdagent/internal/requestlog"
	"github.com/JakeFAU/mdagent/internal/stats"
)

// StatsService summarizes and resets the HTML vs Markdown comparison.
type StatsService interface {
	Summary(ctx context.Context) (stats.Summary, error)
	Reset(ctx context.Context) error
}

// Invalidator purges converter cache entries for a changed entity.
type Invalidator interface {
	Invalidate(ctx context.Context, entityID int64) (int, error)
}

// Estimator refreshes the stored HTML token estimate for a changed entity.
type Estimator interface {
	EstimateOnSave(ctx context.Context, entityID int64) error
}

// Notifier broadcasts a content change to other replicas.
type Notifier interface {
	NotifyChanged(ctx context.Context, entityID int64) error
}

// Options wires the admin server's collaborators. Estimator, Notifier and Ready may be nil.
type Options struct {
	Logs        requestlog.Store
	Stats       StatsService
	Invalidator Invalidator
	Estimator   Estimator
	Notifier    Notifier
	// Ready reports whether downstream dependencies are reachable.
	Ready func(ctx context.Context) error
	// APIKey enables key authentication when non-empty.
	APIKey  string
	Timeout time.Duration
	Logger  *zap.Logger
}

// Server exposes the admin API.
type Server struct {
	router      chi.Router
	logs        requestlog.Store
	stats       StatsService
	invalidator Invalidator
	estimator   Estimator
	notifier    Notifier
	ready       func(ctx context.Context) error
	timeout     time.Duration
	logger      *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultHandlerTimeout
	}
	s := &Server{
		logs:        opts.Logs,
		stats:       opts.Stats,
		invalidator: opts.Invalidator,
		estimator:   opts.Estimator,
		notifier:    opts.Notifier,
		ready:       opts.Ready,
		timeout:     opts.Timeout,
		logger:      opts.Logger,
	}
	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(AccessLog(opts.Logger))
	r.Use(Recover(opts.Logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/admin", func(r chi.Router) {
		if opts.APIKey != "" {
			r.Use(apiKeyMiddleware(opts.APIKey))
		}
		r.Route("/logs", func(r chi.Router) {
			r.Get("/", s.listLogs)
			r.Delete("/", s.clearLogs)
			r.Get("/bots", s.botCounts)
			r.Get("/tokens", s.tokenSummary)
			r.Get("/top", s.topEntities)
		})
		r.Get("/stats", s.getStats)
		r.Post("/stats/reset", s.resetStats)
		r.Post("/entities/{entity_id}/changed", s.entityChanged)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type requestIDKey struct{}

var requestIDs = idgen.New()

// RequestIDFrom returns the id assigned by RequestID, or "".
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// RequestID tags each request with a time-ordered UUID, echoed in X-Request-ID.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := requestIDs.MustID()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// AccessLog logs one line per completed request.
func AccessLog(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("request_id", RequestIDFrom(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

// Recover converts handler panics into a 500 JSON error.
func Recover(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					logger.Error("panic recovered",
						zap.String("request_id", RequestIDFrom(r.Context())),
						zap.Any("error", rec),
					)
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
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

// Unwrap exposes the underlying writer to http.ResponseController.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

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
