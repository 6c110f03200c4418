// Package api implements the HTTP API contract named in spec.md §6. It is
// an external collaborator from the core's perspective (spec.md §1: "out of
// scope... interfaces only") — no run-queue invariant depends on its
// existence — but the teacher repo's own architecture centers on serving
// exactly this kind of surface, and spec.md §6 specifies it precisely
// enough to implement directly, split the way the teacher splits api.go
// (router wiring) from handlers.go (per-route methods) from types.go
// (DTOs).
package api

import (
	"log/slog"
	"net/http"
	"path/filepath"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/robfig/cron/v3"

	"github.com/taskhub/taskhub/internal/eventbus"
	"github.com/taskhub/taskhub/internal/store"
	"github.com/taskhub/taskhub/internal/task"
)

// cronParser validates cron_expression on POST /cron with the same 5-field
// grammar the Scheduler uses to evaluate entries.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Server wires the Store, task Registry, and event Bus into the HTTP
// surface described by spec.md §6.
type Server struct {
	store    *store.Store
	registry *task.Registry
	bus      *eventbus.Bus
	log      *slog.Logger
	router   chi.Router
	dataDir  string
}

// NewServer builds a Server and wires its routes. dataDir is the root of
// the run-directory tree (spec.md §3: "data/runs/<run_id>/"), needed only
// to resolve GetFile's on-disk path.
func NewServer(st *store.Store, reg *task.Registry, bus *eventbus.Bus, dataDir string, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		store:    st,
		registry: reg,
		bus:      bus,
		log:      log,
		router:   chi.NewRouter(),
		dataDir:  dataDir,
	}
	s.setupRoutes()
	return s
}

func (s *Server) runFilePath(runID, relPath string) string {
	return filepath.Join(s.dataDir, "runs", runID, relPath)
}

func (s *Server) setupRoutes() {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors)

	r.Get("/api/v1/health", s.HealthCheck)

	r.Get("/api/v1/tasks", s.ListTasks)
	r.Post("/api/v1/tasks/{task_id}/runs", s.EnqueueRun)

	r.Get("/api/v1/runs", s.ListRuns)
	r.Get("/api/v1/runs/{id}", s.GetRun)
	r.Post("/api/v1/runs/{id}/cancel", s.CancelRun)
	r.Get("/api/v1/runs/{id}/events", s.ListEvents)
	r.Get("/api/v1/runs/{id}/events/stream", s.StreamEvents)
	r.Get("/api/v1/runs/{id}/artifacts", s.ListArtifacts)
	r.Get("/api/v1/runs/{id}/files/{file_id}", s.GetFile)

	r.Get("/api/v1/workers", s.ListWorkers)

	r.Get("/api/v1/cron", s.ListCron)
	r.Post("/api/v1/cron", s.CreateCron)
	r.Delete("/api/v1/cron/{id}", s.DeleteCron)
	r.Post("/api/v1/cron/{id}/trigger", s.TriggerCron)
}

// Router returns the chi router for use with http.Server.
func (s *Server) Router() http.Handler {
	return s.router
}

// cors mirrors the teacher's permissive local-development CORS middleware
// (the UI and API are served from a single SPA host in the teacher's
// deployment, but the core's HTTP surface is still callable standalone).
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
