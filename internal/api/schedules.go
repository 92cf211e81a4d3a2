package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/rendis/playbookd/internal/store"
	"github.com/rendis/playbookd/pkg/schema"
)

type createScheduleRequest struct {
	Playbook   string         `json:"playbook"`
	Cron       string         `json:"cron"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

type updateScheduleRequest struct {
	Enabled *bool `json:"enabled"`
}

func (s *Server) requireScheduler(w http.ResponseWriter) bool {
	if s.deps.Scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, schema.ErrCodeHandlerUnavailable, "scheduler is not configured")
		return false
	}
	return true
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	if !s.requireScheduler(w) {
		return
	}
	filter := store.ScheduledJobFilter{
		PlaybookName: r.URL.Query().Get("playbook"),
		Limit:        min(queryInt(r, "limit", defaultListLimit), maxListLimit),
	}
	switch r.URL.Query().Get("enabled") {
	case "true":
		v := true
		filter.Enabled = &v
	case "false":
		v := false
		filter.Enabled = &v
	}

	jobs, err := s.deps.Scheduler.Jobs(r.Context(), filter)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if jobs == nil {
		jobs = []*store.ScheduledJob{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedules": jobs, "count": len(jobs)})
}

// handleCreateSchedule registers a cron job after checking the playbook
// exists and accepts the fixed parameters.
func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	if !s.requireScheduler(w) {
		return
	}
	var body createScheduleRequest
	if err := decodeBody(r, &body); err != nil {
		writeEngineError(w, err)
		return
	}
	if body.Playbook == "" || body.Cron == "" {
		writeError(w, http.StatusBadRequest, schema.ErrCodeValidation, "playbook and cron are required")
		return
	}

	pb, err := s.deps.Catalog.Get(body.Playbook)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if s.deps.Validator != nil {
		if err := s.deps.Validator.ValidateInputs(pb, body.Parameters); err != nil {
			writeEngineError(w, err)
			return
		}
	}

	job, err := s.deps.Scheduler.CreateJob(r.Context(), body.Playbook, body.Cron, body.Parameters)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	s.logger.InfoContext(r.Context(), "schedule created", "job_id", job.ID, "playbook", job.PlaybookName, "cron", job.CronExpression)
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	if !s.requireScheduler(w) {
		return
	}
	id := chi.URLParam(r, "id")
	var body updateScheduleRequest
	if err := decodeBody(r, &body); err != nil {
		writeEngineError(w, err)
		return
	}
	if body.Enabled == nil {
		writeError(w, http.StatusBadRequest, schema.ErrCodeValidation, "enabled is required")
		return
	}
	if err := s.deps.Scheduler.SetEnabled(r.Context(), id, *body.Enabled); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "enabled": *body.Enabled})
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	if !s.requireScheduler(w) {
		return
	}
	if err := s.deps.Scheduler.DeleteJob(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
