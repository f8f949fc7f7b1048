package objective

import (
	"strings"

	"overseer/internal/state"
)

// dimension keyword tables. A definition's text is scanned for hints of
// each concern; hits raise that dimension's weight.
var dimensionKeywords = map[string][]string{
	"temporal":    {"deadline", "urgent", "asap", "before", "release", "hotfix"},
	"functional":  {"implement", "feature", "behavior", "api", "endpoint", "command"},
	"data":        {"schema", "database", "migration", "model", "storage", "format"},
	"state":       {"state", "session", "lifecycle", "cache", "concurrent", "transition"},
	"error":       {"error", "failure", "crash", "bug", "recover", "retry", "fix"},
	"context":     {"config", "environment", "context", "logging", "observability"},
	"integration": {"integration", "external", "client", "protocol", "service", "third-party"},
}

// ComputeProfile derives a seven-dimension profile from a definition.
// Each dimension starts at a floor and grows with keyword hits in the
// name, description and task descriptions, capped at 1.0.
func ComputeProfile(d Definition) state.DimensionalProfile {
	var text strings.Builder
	text.WriteString(strings.ToLower(d.Name))
	text.WriteByte(' ')
	text.WriteString(strings.ToLower(d.Description))
	for _, t := range d.Tasks {
		text.WriteByte(' ')
		text.WriteString(strings.ToLower(t.Description))
	}
	corpus := text.String()

	score := func(dim string) float64 {
		v := 0.1
		for _, kw := range dimensionKeywords[dim] {
			if strings.Contains(corpus, kw) {
				v += 0.3
			}
		}
		if v > 1.0 {
			v = 1.0
		}
		return v
	}

	p := state.DimensionalProfile{
		Temporal:    score("temporal"),
		Functional:  score("functional"),
		Data:        score("data"),
		State:       score("state"),
		Error:       score("error"),
		Context:     score("context"),
		Integration: score("integration"),
	}

	// Level shifts urgency: primary objectives are inherently more
	// time-sensitive than tertiary ones.
	switch state.ObjectiveLevel(d.Level) {
	case state.LevelPrimary:
		p.Temporal = clamp(p.Temporal + 0.2)
	case state.LevelTertiary:
		p.Temporal = clamp(p.Temporal - 0.1)
	}

	return p
}

// Risk estimates how likely the objective is to go sideways, from the
// dimensions that historically correlate with churn.
func Risk(p state.DimensionalProfile) float64 {
	return clamp((p.Error + p.State + p.Integration) / 3)
}

// Urgency reads time pressure straight off the temporal dimension.
func Urgency(p state.DimensionalProfile) float64 {
	return clamp(p.Temporal)
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
