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
	"go.uber.org/zap"

	"github.com/JakeFAU/proxy-session-rotator/internal/config"
	"github.com/JakeFAU/proxy-session-rotator/internal/dispatcher"
	"github.com/JakeFAU/proxy-session-rotator/internal/metrics"
	"github.com/JakeFAU/proxy-session-rotator/internal/rotation"
	"github.com/JakeFAU/proxy-session-rotator/internal/rotation/report"
	"github.com/JakeFAU/proxy-session-rotator/internal/store"
)

// SessionPool is the slice of the rotation pool the API reads and commands.
type SessionPool interface {
	Snapshot() rotation.PoolSnapshot
	Retire(id string) error
}

// ServerDeps collects the server's collaborators. Nil members disable the
// routes that need them (those answer 503).
type ServerDeps struct {
	Requests rotation.RequestStore
	Pool     SessionPool
	Dispatch *dispatcher.Dispatcher
	Runs     store.RunRepository
	IDGen    rotation.IDGenerator
	Clock    rotation.Clock
	Logger   *zap.Logger
}

// Server wires HTTP handlers to the dispatcher, the session pool, and the
// stores.
type Server struct {
	router   chi.Router
	requests rotation.RequestStore
	pool     SessionPool
	dispatch *dispatcher.Dispatcher
	idGen    rotation.IDGenerator
	clock    rotation.Clock
	cfg      config.Config
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(cfg config.Config, deps ServerDeps) *Server {
	metrics.Init()

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		requests: deps.Requests,
		pool:     deps.Pool,
		dispatch: deps.Dispatch,
		idGen:    deps.IDGen,
		clock:    deps.Clock,
		cfg:      cfg,
		logger:   logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(60 * time.Second))
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	runs := NewRunHandler(deps.Runs, logger)
	r.Route("/v1", func(r chi.Router) {
		r.Route("/dispatch", func(r chi.Router) {
			r.Post("/", s.submitDispatch)
			r.Post("/standard", s.submitStandardTarget)
		})
		r.Route("/requests", func(r chi.Router) {
			r.Get("/", s.listRequests)
			r.Route("/{request_id}", func(r chi.Router) {
				r.Get("/", s.getRequest)
				r.Post("/cancel", s.cancelRequest)
			})
		})
		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", s.listSessions)
			r.Post("/{session_id}/retire", s.retireSession)
		})
		r.Get("/blacklist", s.listBlacklist)
		r.Get("/report", s.getReport)
		r.Route("/runs", func(r chi.Router) {
			r.Get("/", runs.ListRuns)
			r.Route("/{run_id}", func(r chi.Router) {
				r.Get("/", runs.GetRun)
				r.Get("/hosts", runs.ListRunHosts)
				r.Get("/sessions", runs.ListRunSessions)
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

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.pool == nil || s.dispatch == nil {
		writeError(w, http.StatusServiceUnavailable, "rotation engine not ready")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) submitDispatch(w http.ResponseWriter, r *http.Request) {
	var req dispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	tgt := config.Target{
		URLs:        req.URLs,
		Method:      req.Method,
		UseHeadless: valueOrDefault(req.UseHeadless, false),
		Headers:     req.Headers,
	}
	ids, err := s.enqueueDispatch(r.Context(), tgt)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, errNoURLs):
			status = http.StatusBadRequest
		case errors.Is(err, context.DeadlineExceeded):
			status = http.StatusRequestTimeout
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"request_ids": ids})
}

func (s *Server) submitStandardTarget(w http.ResponseWriter, r *http.Request) {
	var req standardTargetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeError(w, http.StatusBadRequest, "missing target name")
		return
	}
	tgt, ok := s.cfg.StandardTargets[req.Name]
	if !ok {
		writeError(w, http.StatusNotFound, "standard target not found")
		return
	}
	ids, err := s.enqueueDispatch(r.Context(), cloneTarget(tgt))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"request_ids": ids})
}

func (s *Server) listRequests(w http.ResponseWriter, r *http.Request) {
	if s.requests == nil {
		writeError(w, http.StatusServiceUnavailable, "request store unavailable")
		return
	}
	state, err := parseRequestState(r.URL.Query().Get("state"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, _, err := parseLimitOffset(r, defaultRequestLimit, maxRequestLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	recs, err := s.requests.ListRequests(r.Context(), state, limit)
	if err != nil {
		s.logger.Error("list requests failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list requests")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": recs})
}

func (s *Server) getRequest(w http.ResponseWriter, r *http.Request) {
	if s.requests == nil {
		writeError(w, http.StatusServiceUnavailable, "request store unavailable")
		return
	}
	id := chi.URLParam(r, "request_id")
	rec, err := s.requests.GetRequest(r.Context(), id)
	if err != nil {
		if errors.Is(err, rotation.ErrRequestNotFound) {
			writeError(w, http.StatusNotFound, "request not found")
			return
		}
		s.logger.Error("get request failed", zap.String("request_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load request")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"request": rec})
}

// cancelRequest cancels a record that has not been dispatched yet. Workers
// drop cancelled records when they reach the front of the queue.
func (s *Server) cancelRequest(w http.ResponseWriter, r *http.Request) {
	if s.requests == nil {
		writeError(w, http.StatusServiceUnavailable, "request store unavailable")
		return
	}
	id := chi.URLParam(r, "request_id")
	rec, err := s.requests.GetRequest(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "request not found")
		return
	}
	if rec.State != rotation.StatePending {
		writeError(w, http.StatusConflict,
			fmt.Sprintf("request is %s, only pending requests can be cancelled", rec.State))
		return
	}
	state := rotation.StateCancelled
	completed := s.clock.Now()
	err = s.requests.UpdateRequest(r.Context(), id, rotation.DispatchUpdate{
		State:       &state,
		CompletedAt: &completed,
	})
	if err != nil {
		s.logger.Error("cancel request failed", zap.String("request_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to cancel request")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"request_id": id,
		"state":      string(rotation.StateCancelled),
	})
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	if s.pool == nil {
		writeError(w, http.StatusServiceUnavailable, "session pool unavailable")
		return
	}
	snap := s.pool.Snapshot()
	payload := map[string]any{
		"taken_at": snap.TakenAt,
		"sessions": snap.Live,
	}
	if r.URL.Query().Get("include") == "archived" {
		payload["archived"] = snap.Archived
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) retireSession(w http.ResponseWriter, r *http.Request) {
	if s.pool == nil {
		writeError(w, http.StatusServiceUnavailable, "session pool unavailable")
		return
	}
	id := chi.URLParam(r, "session_id")
	if err := s.pool.Retire(id); err != nil {
		if errors.Is(err, rotation.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		s.logger.Error("retire session failed", zap.String("session_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to retire session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"session_id": id,
		"status":     string(rotation.StatusRetired),
	})
}

func (s *Server) listBlacklist(w http.ResponseWriter, _ *http.Request) {
	if s.pool == nil {
		writeError(w, http.StatusServiceUnavailable, "session pool unavailable")
		return
	}
	snap := s.pool.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{"blacklist": snap.Entries})
}

func (s *Server) getReport(w http.ResponseWriter, _ *http.Request) {
	if s.pool == nil {
		writeError(w, http.StatusServiceUnavailable, "session pool unavailable")
		return
	}
	writeJSON(w, http.StatusOK, report.Build(s.pool.Snapshot()))
}

var errNoURLs = errors.New("urls required")

// enqueueDispatch creates one pending record per URL and hands each to the
// dispatcher. On a mid-batch failure the already created records stay
// pending and visible through the requests API.
func (s *Server) enqueueDispatch(ctx context.Context, tgt config.Target) ([]string, error) {
	if s.requests == nil || s.dispatch == nil {
		return nil, errors.New("dispatch pipeline unavailable")
	}
	if len(tgt.URLs) == 0 {
		return nil, errNoURLs
	}
	method := tgt.Method
	if method == "" {
		method = http.MethodGet
	}
	useHeadless := tgt.UseHeadless && s.cfg.Headless.Enabled

	ids := make([]string, 0, len(tgt.URLs))
	now := s.clock.Now()
	for _, target := range tgt.URLs {
		id, err := s.idGen.NewID()
		if err != nil {
			return nil, fmt.Errorf("generate request id: %w", err)
		}
		rec := rotation.DispatchRecord{
			ID:         id,
			URL:        target,
			Method:     method,
			State:      rotation.StatePending,
			EnqueuedAt: now,
		}
		if err := s.requests.CreateRequest(ctx, rec); err != nil {
			return nil, fmt.Errorf("create dispatch record: %w", err)
		}
		queueCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = s.dispatch.Enqueue(queueCtx, rotation.Request{
			ID:          id,
			URL:         target,
			Method:      method,
			Headers:     tgt.Headers,
			UseHeadless: useHeadless,
		})
		cancel()
		if err != nil {
			return nil, fmt.Errorf("enqueue request: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

type standardTargetRequest struct {
	Name string `json:"name"`
}

type dispatchRequest struct {
	URLs        []string          `json:"urls"`
	Method      string            `json:"method"`
	Headers     map[string]string `json:"headers"`
	UseHeadless *bool             `json:"use_headless"`
}

func valueOrDefault[T any](ptr *T, def T) T {
	if ptr == nil {
		return def
	}
	return *ptr
}

func cloneTarget(src config.Target) config.Target {
	cp := src
	if len(src.URLs) > 0 {
		cp.URLs = make([]string, len(src.URLs))
		copy(cp.URLs, src.URLs)
	}
	if src.Headers != nil {
		cp.Headers = make(map[string]string, len(src.Headers))
		for k, v := range src.Headers {
			cp.Headers[k] = v
		}
	}
	return cp
}

func parseRequestState(input string) (rotation.RequestState, error) {
	if input == "" {
		return "", nil
	}
	state := rotation.RequestState(input)
	switch state {
	case rotation.StatePending, rotation.StateDispatched, rotation.StateRetrying,
		rotation.StateSucceeded, rotation.StateFailed, rotation.StateCancelled:
		return state, nil
	default:
		return "", errors.New("invalid state")
	}
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
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
			logger.Info("request completed",
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
					logger.Error("panic recovered", zap.Any("error", rec))
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
