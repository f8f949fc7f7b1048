package loopdetect

import (
	"testing"

	"overseer/internal/state"
)

func someDetections() []Detection {
	return []Detection{{
		Type:     PatternActionLoop,
		Severity: SeverityHigh,
		Count:    5,
		Evidence: "action repeated 5 times",
	}}
}

func TestAssessGuidanceThenEscalation(t *testing.T) {
	sys := NewInterventionSystem(3)
	st := state.NewRunState("run-1")

	// First two assessments issue guidance
	for i := 1; i <= 2; i++ {
		out := sys.Assess(st, "coding", "t1", "edit:a.go", someDetections())
		if out == nil || out.Guidance == nil {
			t.Fatalf("assessment %d: expected guidance, got %+v", i, out)
		}
		if out.Escalation != nil {
			t.Fatalf("assessment %d: premature escalation", i)
		}
		if out.Guidance.Attempt != i {
			t.Errorf("assessment %d: attempt=%d", i, out.Guidance.Attempt)
		}
	}

	// Third hits the bound and escalates
	out := sys.Assess(st, "coding", "t1", "edit:a.go", someDetections())
	if out == nil || out.Escalation == nil {
		t.Fatalf("expected escalation at bound, got %+v", out)
	}
	if out.Guidance != nil {
		t.Error("escalation outcome must not carry guidance")
	}
	if len(out.Escalation.Options) != 3 {
		t.Errorf("expected 3 options, got %v", out.Escalation.Options)
	}

	if !sys.IsBlocked(st, "coding", "edit:a.go") {
		t.Error("signature with pending escalation must be blocked")
	}
}

func TestAssessEmptyDetectionsNoOp(t *testing.T) {
	sys := NewInterventionSystem(3)
	st := state.NewRunState("run-1")

	if out := sys.Assess(st, "coding", "t1", "edit:a.go", nil); out != nil {
		t.Errorf("empty detections should not intervene, got %+v", out)
	}
	if len(st.InterventionCounts) != 0 {
		t.Error("empty detections must not increment counters")
	}
}

func TestCountersIsolatedPerPhaseAndSignature(t *testing.T) {
	sys := NewInterventionSystem(3)
	st := state.NewRunState("run-1")

	sys.Assess(st, "coding", "t1", "edit:a.go", someDetections())
	sys.Assess(st, "coding", "t1", "edit:a.go", someDetections())

	// Different phase, same signature: fresh counter
	out := sys.Assess(st, "debugging", "t1", "edit:a.go", someDetections())
	if out == nil || out.Guidance == nil || out.Guidance.Attempt != 1 {
		t.Errorf("different phase should start a fresh counter, got %+v", out)
	}

	// Same phase, different signature: fresh counter
	out = sys.Assess(st, "coding", "t2", "edit:b.go", someDetections())
	if out == nil || out.Guidance == nil || out.Guidance.Attempt != 1 {
		t.Errorf("different signature should start a fresh counter, got %+v", out)
	}
}

func TestResetOnProgress(t *testing.T) {
	sys := NewInterventionSystem(3)
	st := state.NewRunState("run-1")

	sys.Assess(st, "coding", "t1", "edit:a.go", someDetections())
	sys.Assess(st, "coding", "t1", "edit:a.go", someDetections())
	sys.ResetOnProgress(st, "coding", "edit:a.go")

	out := sys.Assess(st, "coding", "t1", "edit:a.go", someDetections())
	if out == nil || out.Guidance == nil || out.Guidance.Attempt != 1 {
		t.Errorf("counter should restart after progress, got %+v", out)
	}
}

func TestResolveDecisions(t *testing.T) {
	tests := []struct {
		decision     Decision
		counterReset bool
	}{
		{DecisionRollback, false},
		{DecisionContinue, true},
		{DecisionAbandon, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.decision), func(t *testing.T) {
			sys := NewInterventionSystem(1)
			st := state.NewRunState("run-1")

			out := sys.Assess(st, "coding", "t1", "edit:a.go", someDetections())
			if out == nil || out.Escalation == nil {
				t.Fatal("expected immediate escalation with bound 1")
			}

			esc, err := sys.Resolve(st, "coding", "edit:a.go", tt.decision)
			if err != nil {
				t.Fatalf("Resolve failed: %v", err)
			}
			if esc.TaskID != "t1" {
				t.Errorf("escalation task=%s, want t1", esc.TaskID)
			}

			if sys.IsBlocked(st, "coding", "edit:a.go") {
				t.Error("signature must unblock after decision")
			}

			_, counted := st.InterventionCounts[Key("coding", "edit:a.go")]
			if tt.counterReset && counted {
				t.Error("continue should reset the counter")
			}
			if !tt.counterReset && !counted {
				t.Error("rollback/abandon should keep the counter")
			}
		})
	}
}

func TestResolveErrors(t *testing.T) {
	sys := NewInterventionSystem(1)
	st := state.NewRunState("run-1")

	if _, err := sys.Resolve(st, "coding", "edit:a.go", DecisionContinue); err == nil {
		t.Error("resolving a missing escalation should error")
	}

	sys.Assess(st, "coding", "t1", "edit:a.go", someDetections())
	if _, err := sys.Resolve(st, "coding", "edit:a.go", Decision("defer")); err == nil {
		t.Error("unknown decision should error")
	}
	if !sys.IsBlocked(st, "coding", "edit:a.go") {
		t.Error("failed resolve must leave escalation pending")
	}
}
