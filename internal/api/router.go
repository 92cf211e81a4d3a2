package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Route("/playbooks", func(r chi.Router) {
			r.Get("/", s.handleListPlaybooks)
			r.Post("/reload", s.handleReloadPlaybooks)
			r.Get("/{name}", s.handleGetPlaybook)
			r.Get("/{name}/diagram", s.handlePlaybookDiagram)
			r.Post("/{name}/run", s.handleRunPlaybook)
		})

		r.Route("/executions", func(r chi.Router) {
			r.Get("/", s.handleListExecutions)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetExecution)
				r.Post("/signal", s.handleSignal)
				r.Get("/events", s.handleListEvents)
				r.Get("/diagram", s.handleExecutionDiagram)
				r.Get("/stream", s.handleSSEExecution)
			})
		})

		r.Get("/handlers", s.handleListHandlers)
		r.Get("/stream", s.handleSSEGlobal)
		r.Get("/ws", s.handleWebSocket)

		r.Route("/schedules", func(r chi.Router) {
			r.Get("/", s.handleListSchedules)
			r.Post("/", s.handleCreateSchedule)
			r.Patch("/{id}", s.handleUpdateSchedule)
			r.Delete("/{id}", s.handleDeleteSchedule)
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	pool := s.deps.Manager.PoolMetrics()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "ok",
		"version":           s.deps.Version,
		"active_executions": s.deps.Manager.Registry().Len(),
		"pool":              pool,
		"stream_clients":    s.clients.count(),
	})
}
