package loopdetect

import (
	"fmt"
	"strings"

	"overseer/internal/logging"
	"overseer/internal/state"
)

// Decision is an operator's answer to a hard escalation.
type Decision string

const (
	DecisionRollback Decision = "rollback"
	DecisionContinue Decision = "continue"
	DecisionAbandon  Decision = "abandon"
)

// EscalationOptions lists the decisions an operator may take.
var EscalationOptions = []string{
	string(DecisionRollback),
	string(DecisionContinue),
	string(DecisionAbandon),
}

// Guidance is a soft intervention: advice attached to the next dispatch.
type Guidance struct {
	Detections []Detection `json:"detections"`
	Message    string      `json:"message"`
	Attempt    int         `json:"attempt"` // which intervention this is, 1-based
}

// Outcome is the result of assessing detections against a task signature.
// Exactly one of Guidance or Escalation is set when non-nil.
type Outcome struct {
	Guidance   *Guidance
	Escalation *state.Escalation
}

// InterventionSystem escalates repeated loop findings. Counters are keyed
// per (phase, task signature) and live in the run state: a loop in one
// phase must not poison interventions in another.
type InterventionSystem struct {
	maxInterventions int
}

// NewInterventionSystem creates the intervention system.
func NewInterventionSystem(maxInterventions int) *InterventionSystem {
	if maxInterventions <= 0 {
		maxInterventions = 3
	}
	return &InterventionSystem{maxInterventions: maxInterventions}
}

// Key builds the counter key for a phase and task signature.
func Key(phase, signature string) string {
	return phase + "|" + signature
}

// Assess records detections against a signature and decides the response.
// Empty detections return nil without touching the counter. Below the
// intervention bound the response is guidance; at the bound it is a hard
// escalation, stored as pending in the run state.
func (s *InterventionSystem) Assess(st *state.RunState, phase, taskID, signature string, detections []Detection) *Outcome {
	if len(detections) == 0 {
		return nil
	}

	key := Key(phase, signature)
	st.InterventionCounts[key]++
	count := st.InterventionCounts[key]

	if count < s.maxInterventions {
		logging.Detect("Intervention %d/%d for %s: issuing guidance", count, s.maxInterventions, key)
		return &Outcome{Guidance: &Guidance{
			Detections: detections,
			Message:    buildGuidanceMessage(detections, count, s.maxInterventions),
			Attempt:    count,
		}}
	}

	esc := &state.Escalation{
		ID:         fmt.Sprintf("esc-%s-%d", phase, count),
		Phase:      phase,
		TaskID:     taskID,
		Signature:  signature,
		Detections: summarize(detections),
		Options:    append([]string{}, EscalationOptions...),
		CreatedAt:  state.Now(),
	}
	st.Escalations[key] = esc
	logging.Get(logging.CategoryDetect).Warn("Intervention limit reached for %s: escalating", key)
	return &Outcome{Escalation: esc}
}

// IsBlocked reports whether a signature has a pending escalation and must
// not be auto-dispatched.
func (s *InterventionSystem) IsBlocked(st *state.RunState, phase, signature string) bool {
	_, ok := st.Escalations[Key(phase, signature)]
	return ok
}

// Pending returns the pending escalation for a signature, or nil.
func (s *InterventionSystem) Pending(st *state.RunState, phase, signature string) *state.Escalation {
	return st.Escalations[Key(phase, signature)]
}

// ResetOnProgress clears the counter for a signature after forward
// progress: a distinct successful outcome or a different target.
func (s *InterventionSystem) ResetOnProgress(st *state.RunState, phase, signature string) {
	key := Key(phase, signature)
	if st.InterventionCounts[key] > 0 {
		logging.DetectDebug("Progress observed, resetting intervention counter for %s", key)
	}
	delete(st.InterventionCounts, key)
}

// Resolve applies an operator decision to a pending escalation. The
// escalation is removed; continue additionally resets the counter so
// dispatch resumes cleanly. The caller applies task status changes.
func (s *InterventionSystem) Resolve(st *state.RunState, phase, signature string, decision Decision) (*state.Escalation, error) {
	key := Key(phase, signature)
	esc, ok := st.Escalations[key]
	if !ok {
		return nil, fmt.Errorf("no pending escalation for %s", key)
	}

	switch decision {
	case DecisionRollback, DecisionContinue, DecisionAbandon:
	default:
		return nil, fmt.Errorf("unknown decision %q", decision)
	}

	delete(st.Escalations, key)
	if decision == DecisionContinue {
		delete(st.InterventionCounts, key)
	}

	logging.Detect("Escalation %s resolved with %s", esc.ID, decision)
	return esc, nil
}

func buildGuidanceMessage(detections []Detection, attempt, max int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Loop warning %d of %d. Detected:\n", attempt, max)
	for _, d := range detections {
		fmt.Fprintf(&b, "- [%s] %s. %s\n", d.Severity, d.Evidence, d.Suggestion)
	}
	b.WriteString("Try a different approach before the next attempt.")
	return b.String()
}

func summarize(detections []Detection) []string {
	out := make([]string, len(detections))
	for i, d := range detections {
		out[i] = fmt.Sprintf("%s(%s): %s", d.Type, d.Severity, d.Evidence)
	}
	return out
}
