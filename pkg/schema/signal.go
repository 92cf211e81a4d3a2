package schema

import "strings"

// ControlSignal is an external pause/resume/skip/skip_back/cancel request.
// Signals are one-shot: the engine consumes each at most once.
type ControlSignal string

const (
	SignalPause    ControlSignal = "pause"
	SignalResume   ControlSignal = "resume"
	SignalSkip     ControlSignal = "skip"
	SignalSkipBack ControlSignal = "skip_back"
	SignalCancel   ControlSignal = "cancel"
)

// AllSignals lists every control signal in priority order.
var AllSignals = []ControlSignal{SignalCancel, SignalPause, SignalResume, SignalSkipBack, SignalSkip}

// ParseSignal converts user input such as "skip-back" or "CANCEL" into a ControlSignal.
func ParseSignal(s string) (ControlSignal, error) {
	norm := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_")
	for _, sig := range AllSignals {
		if string(sig) == norm {
			return sig, nil
		}
	}
	return "", NewErrorf(ErrCodeValidation, "unknown control signal %q; valid: pause, resume, skip, skip_back, cancel", s)
}
