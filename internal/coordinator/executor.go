package coordinator

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"overseer/internal/loopdetect"
	"overseer/internal/state"
)

// Request carries everything an executor needs for one dispatch. The
// state snapshot is read-only by contract; results come back through
// the Result, never by mutating the snapshot.
type Request struct {
	Phase     Phase
	Task      *state.Task         // nil for phases that generate work
	Objective *state.Objective    // nil when no objective is active
	Guidance  *loopdetect.Guidance // loop-breaking advice, usually nil
	State     *state.RunState
}

// NewTaskSpec describes a task an executor wants created.
type NewTaskSpec struct {
	ID          string
	Description string
	Target      string
	Priority    int
	DependsOn   []string
}

// NewIssueSpec describes an issue an executor wants opened.
type NewIssueSpec struct {
	Title    string
	Severity state.IssueSeverity
	TaskID   string
}

// Result is the executor's report for one dispatch.
type Result struct {
	Success       bool
	Message       string
	Data          map[string]string
	NewTasks      []NewTaskSpec
	NewIssues     []NewIssueSpec
	NextPhaseHint string   // advisory; validated against phase adjacency
	Refs          []string // resources the dispatch depended on
	StateDigest   string   // hash of observable state after the dispatch
}

// PhaseExecutor performs the actual work of a phase. Implementations may
// call out to agents, toolchains or humans; the coordinator only sees
// the Result.
type PhaseExecutor interface {
	Execute(ctx context.Context, req Request) (Result, error)
}

// DecisionHandler answers hard escalations. Decide returns false when no
// decision is available yet; the escalation stays pending.
type DecisionHandler interface {
	Decide(ctx context.Context, esc *state.Escalation) (loopdetect.Decision, bool, error)
}

// Consultant is a read-only advisor consulted during a dispatch.
type Consultant func(ctx context.Context, req Request) (key, value string, err error)

// Consult fans consultants out concurrently, bounded by limit, and joins
// their advice into one map. Consultants must not mutate the request.
// The first error cancels the rest.
func Consult(ctx context.Context, req Request, limit int, consultants ...Consultant) (map[string]string, error) {
	if limit <= 0 {
		limit = len(consultants)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	type advice struct{ key, value string }
	results := make([]advice, len(consultants))

	for i, c := range consultants {
		i, c := i, c
		g.Go(func() error {
			k, v, err := c(ctx, req)
			if err != nil {
				return fmt.Errorf("consultant %d: %w", i, err)
			}
			results[i] = advice{key: k, value: v}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[string]string, len(results))
	for _, a := range results {
		if a.key != "" {
			out[a.key] = a.value
		}
	}
	return out, nil
}
