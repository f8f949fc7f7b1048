package main

import (
	"context"
	"fmt"
	"strings"

	"overseer/internal/config"
	"overseer/internal/coordinator"
	"overseer/internal/state"
)

// dryRunExecutor simulates phase work without touching any files. Every
// dispatch succeeds, so a dry run exercises the full phase flow of the
// objectives file end to end.
type dryRunExecutor struct {
	maxConsultations int
}

func newDryRunExecutor(cfg *config.Config) *dryRunExecutor {
	return &dryRunExecutor{maxConsultations: cfg.Executor.MaxConsultations}
}

func (e *dryRunExecutor) Execute(ctx context.Context, req coordinator.Request) (coordinator.Result, error) {
	advice, err := coordinator.Consult(ctx, req, e.maxConsultations,
		queueDepthConsultant,
		openIssueConsultant,
		objectiveHealthConsultant,
	)
	if err != nil {
		return coordinator.Result{}, err
	}

	res := coordinator.Result{
		Success: true,
		Data:    advice,
	}

	switch req.Phase {
	case coordinator.PhaseCoding, coordinator.PhaseDebugging:
		res.Message = fmt.Sprintf("simulated %s of %s", req.Phase, req.Task.Target)
		res.StateDigest = "dry:" + req.Task.ID + ":" + fmt.Sprint(req.Task.AttemptCount())
	case coordinator.PhaseQA:
		res.Message = "simulated review passed for " + req.Task.ID
	case coordinator.PhaseDocumentation:
		res.Message = "simulated docs for " + req.Task.Target
	default:
		res.Message = "simulated " + string(req.Phase)
	}

	if req.Guidance != nil {
		res.Message += " (after guidance: " + firstLine(req.Guidance.Message) + ")"
	}
	return res, nil
}

// queueDepthConsultant reports how much work is still queued.
func queueDepthConsultant(_ context.Context, req coordinator.Request) (string, string, error) {
	pending := 0
	for _, t := range req.State.Tasks {
		if !t.Status.IsTerminal() {
			pending++
		}
	}
	return "queue_depth", fmt.Sprint(pending), nil
}

// openIssueConsultant reports the open issue count by severity.
func openIssueConsultant(_ context.Context, req coordinator.Request) (string, string, error) {
	counts := make(map[state.IssueSeverity]int)
	for _, i := range req.State.Issues {
		if i.Status.IsOpen() {
			counts[i.Severity]++
		}
	}
	if len(counts) == 0 {
		return "open_issues", "none", nil
	}
	var parts []string
	for _, sev := range []state.IssueSeverity{state.SeverityCritical, state.SeverityHigh, state.SeverityMedium, state.SeverityLow} {
		if n := counts[sev]; n > 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", sev, n))
		}
	}
	return "open_issues", strings.Join(parts, " "), nil
}

// objectiveHealthConsultant reports the active objective's progress.
func objectiveHealthConsultant(_ context.Context, req coordinator.Request) (string, string, error) {
	if req.Objective == nil {
		return "objective", "none active", nil
	}
	return "objective", fmt.Sprintf("%s %.0f%% (streak %d)",
		req.Objective.ID, req.Objective.CompletionPct*100, req.Objective.ConsecutiveFailures), nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
