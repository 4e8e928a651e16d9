package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"calplan/internal/calsync"
	"calplan/internal/config"
	appLog "calplan/internal/log"
	"calplan/internal/model"
	"calplan/internal/provider"
	"calplan/internal/store"
)

// Syncer runs calendar syncs. *calsync.Orchestrator satisfies it.
type Syncer interface {
	SyncCalendar(ctx context.Context, calendarID string) (calsync.Result, error)
	SyncAllCalendars(ctx context.Context) (int, error)
}

// Planner runs the task scheduler. *scheduler.Scheduler satisfies it.
type Planner interface {
	AutoScheduleTasks(ctx context.Context, userID string) (int, error)
	ClearScheduledTasks(ctx context.Context, userID string) (int, error)
	DeferOverdueTasks(ctx context.Context) (int, error)
}

// Pinger checks the database. *store.Store satisfies it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Job names reported by /api/status.
const (
	JobCalendarSync = "calendar_sync"
	JobDeferOverdue = "defer_overdue"
	JobAutoSchedule = "auto_schedule"
)

// Server exposes the operational HTTP API: health, manual sync and
// scheduling triggers, and the outcome of the last background runs.
type Server struct {
	cfg     *config.Config
	syncer  Syncer
	planner Planner
	db      Pinger
	mux     *http.ServeMux
	now     func() time.Time

	// Outcome of the last run of every job, written by Record.
	runsMu sync.RWMutex
	runs   map[string]jobRun
}

type jobRun struct {
	At       time.Time `json:"at"`
	Count    int       `json:"count"`
	Error    string    `json:"error,omitempty"`
	Duration string    `json:"duration"`
}

// NewServer constructs a new Server.
func NewServer(cfg *config.Config, syncer Syncer, planner Planner, db Pinger) *Server {
	s := &Server{
		cfg:     cfg,
		syncer:  syncer,
		planner: planner,
		db:      db,
		mux:     http.NewServeMux(),
		now:     time.Now,
		runs:    make(map[string]jobRun),
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// Record stores the outcome of a job run for /api/status.
func (s *Server) Record(job string, started time.Time, count int, err error) {
	run := jobRun{
		At:       started.UTC(),
		Count:    count,
		Duration: s.now().Sub(started).Round(time.Millisecond).String(),
	}
	if err != nil {
		run.Error = err.Error()
	}
	s.runsMu.Lock()
	s.runs[job] = run
	s.runsMu.Unlock()
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="calplan", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// ListenAndServe serves on cfg.Listen until ctx is cancelled, then shuts the
// server down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	appLog.Info("HTTP server stopped", "listen", s.cfg.Listen)
	return nil
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/status", s.handleStatus)
	s.mux.HandleFunc("POST /api/sync", s.handleSyncAll)
	s.mux.HandleFunc("POST /api/calendars/{id}/sync", s.handleSyncCalendar)
	s.mux.HandleFunc("POST /api/users/{id}/schedule", s.handleSchedule)
	s.mux.HandleFunc("DELETE /api/users/{id}/schedule", s.handleClearSchedule)
	s.mux.HandleFunc("POST /api/tasks/defer", s.handleDefer)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if s.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.db.Ping(ctx); err != nil {
			appLog.Error("health check: database ping failed", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("database unavailable"))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

type statusResponse struct {
	Now  time.Time         `json:"now"`
	Jobs map[string]jobRun `json:"jobs"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.runsMu.RLock()
	jobs := make(map[string]jobRun, len(s.runs))
	for k, v := range s.runs {
		jobs[k] = v
	}
	s.runsMu.RUnlock()

	writeJSON(w, http.StatusOK, statusResponse{Now: s.now().UTC(), Jobs: jobs})
}

type countResponse struct {
	Count int `json:"count"`
}

func (s *Server) handleSyncAll(w http.ResponseWriter, r *http.Request) {
	started := s.now()
	n, err := s.syncer.SyncAllCalendars(r.Context())
	s.Record(JobCalendarSync, started, n, err)
	if err != nil {
		s.fail(w, "sync all calendars", err)
		return
	}
	writeJSON(w, http.StatusOK, countResponse{Count: n})
}

func (s *Server) handleSyncCalendar(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	res, err := s.syncer.SyncCalendar(r.Context(), id)
	if err != nil {
		s.fail(w, "sync calendar", err, "calendar_id", id)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	n, err := s.planner.AutoScheduleTasks(r.Context(), id)
	if err != nil {
		s.fail(w, "auto-schedule", err, "user_id", id)
		return
	}
	writeJSON(w, http.StatusOK, countResponse{Count: n})
}

func (s *Server) handleClearSchedule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	n, err := s.planner.ClearScheduledTasks(r.Context(), id)
	if err != nil {
		s.fail(w, "clear schedule", err, "user_id", id)
		return
	}
	writeJSON(w, http.StatusOK, countResponse{Count: n})
}

func (s *Server) handleDefer(w http.ResponseWriter, r *http.Request) {
	started := s.now()
	n, err := s.planner.DeferOverdueTasks(r.Context())
	s.Record(JobDeferOverdue, started, n, err)
	if err != nil {
		s.fail(w, "defer overdue tasks", err)
		return
	}
	writeJSON(w, http.StatusOK, countResponse{Count: n})
}

// fail logs err and writes the matching error response.
func (s *Server) fail(w http.ResponseWriter, op string, err error, kv ...any) {
	status := statusFor(err)
	if status >= 500 {
		appLog.Error("api: "+op+" failed", err, kv...)
	} else {
		appLog.Warn("api: "+op+" rejected", append(kv, "err", err.Error())...)
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrInvalidWorkHours):
		return http.StatusUnprocessableEntity
	case errors.Is(err, provider.ErrAuth):
		return http.StatusBadGateway
	case provider.IsTransient(err):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
