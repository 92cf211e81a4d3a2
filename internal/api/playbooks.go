package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/rendis/playbookd/internal/engine"
)

type runRequest struct {
	Parameters  map[string]any `json:"parameters,omitempty"`
	DebugMode   bool           `json:"debug_mode,omitempty"`
	ExecutionID string         `json:"execution_id,omitempty"`
	Wait        bool           `json:"wait,omitempty"`
}

func (s *Server) handleListPlaybooks(w http.ResponseWriter, _ *http.Request) {
	list := s.deps.Catalog.List()
	writeJSON(w, http.StatusOK, map[string]any{"playbooks": list, "count": len(list)})
}

func (s *Server) handleGetPlaybook(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	pb, err := s.deps.Catalog.Get(name)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	resp := map[string]any{"playbook": pb}
	if report, ok := s.deps.Catalog.Report(pb.Name); ok && report != nil {
		resp["warnings"] = report.Warnings
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReloadPlaybooks(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Catalog.Reload()
	if err != nil {
		writeEngineError(w, err)
		return
	}
	s.logger.InfoContext(r.Context(), "playbooks reloaded", "loaded", len(res.Loaded), "failed", len(res.Failed))
	writeJSON(w, http.StatusOK, res)
}

// handleRunPlaybook starts an execution. With wait=true the response is the
// final state; otherwise it is the initial snapshot with 202 Accepted.
func (s *Server) handleRunPlaybook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := chi.URLParam(r, "name")

	var body runRequest
	if err := decodeBody(r, &body); err != nil {
		writeEngineError(w, err)
		return
	}

	pb, err := s.deps.Catalog.Get(name)
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

	x, err := s.deps.Manager.StartPlaybook(ctx, pb, body.Parameters, engine.RunOptions{
		ExecutionID: body.ExecutionID,
		DebugMode:   body.DebugMode,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	s.logger.InfoContext(ctx, "execution started via API", "execution_id", x.ID(), "playbook", pb.Ref())

	if !body.Wait {
		writeJSON(w, http.StatusAccepted, x.Snapshot())
		return
	}
	st, err := x.Wait(ctx)
	if st == nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleListHandlers(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Handlers == nil {
		writeJSON(w, http.StatusOK, map[string]any{"handlers": []any{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"handlers": s.deps.Handlers.List()})
}
