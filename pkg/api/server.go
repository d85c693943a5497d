// Package api implements the orchestrator's HTTP/WebSocket control
// plane: a chi router exposing work-unit CRUD, attention/conflict
// queries, operator actions (answer/resolve/retry-merge), an embedded
// HTML dashboard, and a /ws broadcast broker fed by the state store's
// pub/sub (net/http + gorilla/websocket + a respondJSON helper, chi
// routing for path params; see DESIGN.md).
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/veorc/veorc/pkg/conflict"
	"github.com/veorc/veorc/pkg/observability"
	"github.com/veorc/veorc/pkg/scheduler"
	"github.com/veorc/veorc/pkg/statestore"
)

// Server holds everything an HTTP handler needs to serve the control
// plane: the state store, the conflict oracle (for /conflicts/analyze),
// the scheduler (for /retry-merge, which re-invokes worktree merge), and
// the repo root (for inject validation against real GOAL.md/PLAN.md files).
type Server struct {
	Store      *statestore.Store
	Oracle     *conflict.Oracle
	Scheduler  *scheduler.Scheduler
	RepoRoot   string
	Logger     *slog.Logger
	StartedAt  time.Time
	Metrics    *observability.Metrics

	hub *hub
}

// New constructs a Server and wires its WebSocket broadcast hub to the
// store's pub/sub feed.
func New(store *statestore.Store, oracle *conflict.Oracle, sched *scheduler.Scheduler, repoRoot string, logger *slog.Logger) *Server {
	s := &Server{
		Store:     store,
		Oracle:    oracle,
		Scheduler: sched,
		RepoRoot:  repoRoot,
		Logger:    logger,
		StartedAt: time.Now(),
		hub:       newHub(logger),
	}
	go s.hub.run(store)
	return s
}

// Router builds the control plane's chi router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.loggingMiddleware)

	r.Get("/", s.handleDashboard)
	r.Get("/ws", s.handleWebSocket)
	r.Get("/status", s.handleStatus)
	r.Get("/metrics", s.handleMetrics)
	r.Get("/config", s.handleGetConfig)
	r.Patch("/config", s.handlePatchConfig)
	r.Get("/attention", s.handleAttention)

	r.Get("/work-units", s.handleListWorkUnits)
	r.Post("/work-units", s.handleCreateWorkUnit)
	r.Post("/work-units/inject", s.handleInject)
	r.Get("/work-units/queue", s.handleReadyQueue)
	r.Get("/work-units/{chunk}", s.handleGetWorkUnit)
	r.Patch("/work-units/{chunk}", s.handlePatchWorkUnit)
	r.Delete("/work-units/{chunk}", s.handleDeleteWorkUnit)
	r.Patch("/work-units/{chunk}/priority", s.handleSetPriority)
	r.Get("/work-units/{chunk}/history", s.handleHistory)
	r.Post("/work-units/{chunk}/answer", s.handleAnswer)
	r.Post("/work-units/{chunk}/resolve", s.handleResolve)
	r.Post("/work-units/{chunk}/retry-merge", s.handleRetryMerge)

	r.Get("/conflicts", s.handleListConflicts)
	r.Get("/conflicts/{chunk}", s.handleConflictsForChunk)
	r.Post("/conflicts/analyze", s.handleAnalyzeConflict)

	return r
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	s.Metrics.Handler().ServeHTTP(w, r)
}

// statusRecorder captures the response status for metrics, defaulting to
// 200 since http.ResponseWriter.WriteHeader isn't always called explicitly.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(status int) {
	rec.status = status
	rec.ResponseWriter.WriteHeader(status)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		duration := time.Since(start)
		routePattern := chi.RouteContext(r.Context()).RoutePattern()
		if routePattern == "" {
			routePattern = r.URL.Path
		}
		s.Metrics.RecordHTTPRequest(r.Method, routePattern, rec.status, duration)
		if s.Logger != nil {
			s.Logger.Debug("api request", "method", r.Method, "path", r.URL.Path, "status", rec.status, "duration", duration)
		}
	})
}
