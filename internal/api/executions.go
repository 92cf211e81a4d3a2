package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/rendis/playbookd/internal/store"
	"github.com/rendis/playbookd/internal/streaming"
	"github.com/rendis/playbookd/pkg/schema"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

type signalRequest struct {
	Signal string `json:"signal"`
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.ExecutionFilter{
		PlaybookName:      q.Get("playbook"),
		ParentExecutionID: q.Get("parent"),
		Limit:             min(queryInt(r, "limit", defaultListLimit), maxListLimit),
		Offset:            max(queryInt(r, "offset", 0), 0),
	}
	if v := q.Get("status"); v != "" {
		st := schema.ExecutionStatus(v)
		if !st.Valid() {
			writeError(w, http.StatusBadRequest, schema.ErrCodeValidation, "unknown status "+v)
			return
		}
		filter.Status = &st
	}
	since, err := queryTime(r, "since")
	if err != nil {
		writeEngineError(w, err)
		return
	}
	filter.Since = since

	list, err := s.deps.Manager.List(r.Context(), filter)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if list == nil {
		list = []*schema.ExecutionState{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": list, "count": len(list)})
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Manager.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleSignal delivers a control signal and records it in the event log.
func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	var body signalRequest
	if err := decodeBody(r, &body); err != nil {
		writeEngineError(w, err)
		return
	}
	sig, err := schema.ParseSignal(body.Signal)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if err := s.deps.Manager.Signal(ctx, id, sig); err != nil {
		writeEngineError(w, err)
		return
	}
	s.announceSignal(ctx, id, sig, "api")

	st, err := s.deps.Manager.Status(ctx, id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"execution_id": id,
		"signal":       string(sig),
		"status":       st.Status,
	})
}

// announceSignal records a delivered signal in the event log and stream.
func (s *Server) announceSignal(ctx context.Context, id string, sig schema.ControlSignal, source string) {
	var appender streaming.EventAppender
	if s.deps.Events != nil {
		appender = s.deps.Events
	}
	streaming.Emit(ctx, s.deps.Hub, appender, s.logger, id, "", schema.EventSignalReceived, map[string]any{
		"signal": string(sig),
		"source": source,
	})
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Events == nil {
		writeError(w, http.StatusServiceUnavailable, schema.ErrCodeHandlerUnavailable, "event log is not configured")
		return
	}
	id := chi.URLParam(r, "id")
	events, err := s.deps.Events.GetEvents(r.Context(), id, int64(max(queryInt(r, "since", 0), 0)))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if events == nil {
		events = []*store.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}
