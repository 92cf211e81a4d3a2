package diagram

import (
	"encoding/json"

	"github.com/rendis/playbookd/internal/store"
	"github.com/rendis/playbookd/pkg/schema"
)

// OverlayFromEvents builds an overlay from event-log replay.
func OverlayFromEvents(states map[string]*store.StepState) Overlay {
	o := make(Overlay, len(states))
	for id, ss := range states {
		o[id] = &StatusOverlay{
			Status:     string(ss.Phase),
			DurationMs: ss.DurationMs,
			RetryCount: ss.RetryCount,
			Error:      errorText(ss.Error),
		}
	}
	return o
}

// OverlayFromState builds an overlay from an execution snapshot. The last
// result of a step wins. While the execution is live, the step at the
// current index is running (or paused) and unvisited steps are pending.
func OverlayFromState(pb *schema.Playbook, st *schema.ExecutionState) Overlay {
	o := make(Overlay, len(pb.Steps))
	if st == nil {
		return o
	}
	for i := range st.StepResults {
		r := &st.StepResults[i]
		ov := &StatusOverlay{
			Status:     outcomeStatus(r.Outcome),
			DurationMs: r.Duration().Milliseconds(),
		}
		if r.Attempts > 1 {
			ov.RetryCount = r.Attempts - 1
		}
		if r.Error != nil {
			ov.Error = r.Error.Message
		}
		o[r.StepID] = ov
	}

	if st.Status.IsTerminal() {
		return o
	}
	for i := range pb.Steps {
		if _, ok := o[pb.Steps[i].ID]; !ok {
			o[pb.Steps[i].ID] = &StatusOverlay{Status: StatusPending}
		}
	}
	if st.CurrentStepIndex >= 0 && st.CurrentStepIndex < len(pb.Steps) {
		cur := StatusRunning
		switch st.Status {
		case schema.StatusPaused:
			cur = StatusPaused
		case schema.StatusPending:
			cur = StatusPending
		}
		o[pb.Steps[st.CurrentStepIndex].ID] = &StatusOverlay{Status: cur}
	}
	return o
}

func outcomeStatus(out schema.StepOutcome) string {
	switch out {
	case schema.OutcomeSuccess:
		return StatusCompleted
	case schema.OutcomeFailure:
		return StatusFailed
	case schema.OutcomeSkipped:
		return StatusSkipped
	default:
		return StatusPending
	}
}

// errorText pulls the message out of a stored error payload.
func errorText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var e struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &e); err == nil && e.Message != "" {
		return e.Message
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// Merge fills o with entries from other for steps o does not know, and
// lets a retrying entry in other refine a running one in o.
func (o Overlay) Merge(other Overlay) {
	for id, ov := range other {
		cur, ok := o[id]
		switch {
		case !ok:
			o[id] = ov
		case cur.Status == StatusRunning && ov.Status == StatusRetrying:
			o[id] = ov
		}
	}
}
