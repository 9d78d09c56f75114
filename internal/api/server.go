package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/statecrawler/internal/formfill"
	"github.com/JakeFAU/statecrawler/internal/frontier"
	"github.com/JakeFAU/statecrawler/internal/logging"
	"github.com/JakeFAU/statecrawler/internal/metrics"
	"github.com/JakeFAU/statecrawler/internal/session"
)

const (
	defaultFrontierLimit = 100
	maxFrontierLimit     = 1000
	requestTimeout       = 10 * time.Second
	shutdownTimeout      = 5 * time.Second
)

// FrontierView is the read side of the frontier.
type FrontierView interface {
	Snapshot() []frontier.Target
	Len() int
}

// StatsSource reports loop counters.
type StatsSource interface {
	Stats() session.Stats
}

// ErrorSource exposes the captured error log.
type ErrorSource interface {
	Entries() []logging.Entry
	Dropped() int
}

// ValuesSource exposes the form value mapping.
type ValuesSource interface {
	Values() formfill.Values
}

// OutcomeSource exposes per-outcome target counts.
type OutcomeSource interface {
	Outcomes() map[string]int
}

// Deps are the crawl components the server reads. Nil members make their
// routes answer 503.
type Deps struct {
	RunID    string
	Frontier FrontierView
	Stats    StatsSource
	Errors   ErrorSource
	Values   ValuesSource
	Outcomes OutcomeSource
}

// Server serves crawl status over HTTP.
type Server struct {
	router chi.Router
	deps   Deps
	logger *zap.Logger
}

// NewServer builds the router.
func NewServer(deps Deps, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{deps: deps, logger: logger}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(requestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/stats", s.getStats)
		r.Get("/frontier", s.getFrontier)
		r.Get("/errors", s.getErrors)
		r.Get("/form-values", s.getFormValues)
	})

	s.router = r
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx ends, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("status server listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("status server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown status server: %w", err)
	}
	return nil
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Frontier == nil {
		writeError(w, http.StatusServiceUnavailable, "crawl not started")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type statsResponse struct {
	RunID    string         `json:"run_id,omitempty"`
	Pending  int            `json:"pending"`
	Stats    session.Stats  `json:"stats"`
	Outcomes map[string]int `json:"outcomes,omitempty"`
}

func (s *Server) getStats(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Stats == nil || s.deps.Frontier == nil {
		writeError(w, http.StatusServiceUnavailable, "crawl stats unavailable")
		return
	}
	resp := statsResponse{
		RunID:   s.deps.RunID,
		Pending: s.deps.Frontier.Len(),
		Stats:   s.deps.Stats.Stats(),
	}
	if s.deps.Outcomes != nil {
		resp.Outcomes = s.deps.Outcomes.Outcomes()
	}
	writeJSON(w, http.StatusOK, resp)
}

type frontierResponse struct {
	Total   int               `json:"total"`
	Offset  int               `json:"offset"`
	Targets []frontier.Target `json:"targets"`
}

func (s *Server) getFrontier(w http.ResponseWriter, r *http.Request) {
	if s.deps.Frontier == nil {
		writeError(w, http.StatusServiceUnavailable, "frontier unavailable")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultFrontierLimit, maxFrontierLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	all := s.deps.Frontier.Snapshot()
	page := []frontier.Target{}
	if offset < len(all) {
		end := min(offset+limit, len(all))
		page = all[offset:end]
	}
	writeJSON(w, http.StatusOK, frontierResponse{Total: len(all), Offset: offset, Targets: page})
}

type errorsResponse struct {
	Entries []logging.Entry `json:"entries"`
	Dropped int             `json:"dropped"`
}

func (s *Server) getErrors(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Errors == nil {
		writeError(w, http.StatusServiceUnavailable, "error log unavailable")
		return
	}
	entries := s.deps.Errors.Entries()
	if entries == nil {
		entries = []logging.Entry{}
	}
	writeJSON(w, http.StatusOK, errorsResponse{Entries: entries, Dropped: s.deps.Errors.Dropped()})
}

func (s *Server) getFormValues(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Values == nil {
		writeError(w, http.StatusServiceUnavailable, "form values unavailable")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Values.Values().Clone())
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		limit = min(val, maxLimit)
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

type requestIDKey struct{}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		reqID, _ := r.Context().Value(requestIDKey{}).(string)
		s.logger.Debug("request completed",
			zap.String("request_id", reqID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
