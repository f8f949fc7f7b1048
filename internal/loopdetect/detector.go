// Package loopdetect finds non-productive behavior in the action stream:
// repeated tries, ping-pong edits, circular dependencies and state cycles.
// Detectors are pure functions over an action snapshot; intervention state
// lives in the run state so it survives restarts.
package loopdetect

import (
	"fmt"
	"sort"
	"strings"

	"overseer/internal/config"
	"overseer/internal/logging"
	"overseer/internal/tracker"
)

// PatternType names a detected loop category.
type PatternType string

const (
	PatternActionLoop         PatternType = "action_loop"
	PatternModificationLoop   PatternType = "modification_loop"
	PatternConversationLoop   PatternType = "conversation_loop"
	PatternCircularDependency PatternType = "circular_dependency"
	PatternStateCycle         PatternType = "state_cycle"
	PatternRepetition         PatternType = "pattern_repetition"
)

// Severity ranks how disruptive a detected pattern is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Detection reports one detected pattern with supporting evidence.
type Detection struct {
	Type       PatternType `json:"type"`
	Severity   Severity    `json:"severity"`
	Count      int         `json:"count"`
	Evidence   string      `json:"evidence"`
	Suggestion string      `json:"suggestion"`
}

// Detector runs all pattern checks over an action snapshot.
type Detector struct {
	cfg config.DetectionConfig
}

// NewDetector creates a detector with the given thresholds.
func NewDetector(cfg config.DetectionConfig) *Detector {
	return &Detector{cfg: cfg}
}

// Detect runs every detector over the snapshot and returns all findings.
// The snapshot is treated as immutable; callers pass a copy.
func (d *Detector) Detect(actions []tracker.Action) []Detection {
	if len(actions) == 0 {
		return nil
	}

	var out []Detection
	out = append(out, d.detectActionLoop(actions)...)
	out = append(out, d.detectModificationLoop(actions)...)
	out = append(out, d.detectConversationLoop(actions)...)
	out = append(out, d.detectCircularDependency(actions)...)
	out = append(out, d.detectStateCycle(actions)...)
	out = append(out, d.detectPatternRepetition(actions)...)

	for _, det := range out {
		logging.Detect("Pattern %s (%s): %s", det.Type, det.Severity, det.Evidence)
	}
	return out
}

// ShouldIntervene reports whether findings warrant breaking the loop:
// any critical finding, or two or more high findings.
func ShouldIntervene(detections []Detection) bool {
	highs := 0
	for _, det := range detections {
		if det.Severity == SeverityCritical {
			return true
		}
		if det.Severity == SeverityHigh {
			highs++
		}
	}
	return highs >= 2
}

// detectActionLoop finds identical (tool, args, target) tries repeating.
func (d *Detector) detectActionLoop(actions []tracker.Action) []Detection {
	counts := make(map[string]int)
	for _, a := range actions {
		counts[a.Signature()]++
	}

	var out []Detection
	for sig, n := range counts {
		if n < d.cfg.ActionRepeatThreshold {
			continue
		}
		sev := SeverityMedium
		if n >= d.cfg.ActionRepeatHighWater {
			sev = SeverityHigh
		}
		out = append(out, Detection{
			Type:       PatternActionLoop,
			Severity:   sev,
			Count:      n,
			Evidence:   fmt.Sprintf("action %q repeated %d times", sig, n),
			Suggestion: "the same action keeps being tried; change the approach or gather more context first",
		})
	}
	sortDetections(out)
	return out
}

// detectModificationLoop finds a single target mutated over and over.
// Suppressed when work is spread across multiple targets: broad refactors
// legitimately touch one file several times among others.
func (d *Detector) detectModificationLoop(actions []tracker.Action) []Detection {
	counts := make(map[string]int)
	for _, a := range actions {
		if a.IsModification() {
			counts[a.Target]++
		}
	}
	if len(counts) >= d.cfg.MultiTargetSuppression {
		return nil
	}

	var out []Detection
	for target, n := range counts {
		if n < d.cfg.ModificationThreshold {
			continue
		}
		out = append(out, Detection{
			Type:       PatternModificationLoop,
			Severity:   SeverityHigh,
			Count:      n,
			Evidence:   fmt.Sprintf("target %q modified %d times with no other targets touched", target, n),
			Suggestion: "the same artifact keeps being rewritten; re-read it and reconsider the fix before editing again",
		})
	}
	sortDetections(out)
	return out
}

// detectConversationLoop finds identical result content recurring.
func (d *Detector) detectConversationLoop(actions []tracker.Action) []Detection {
	counts := make(map[string]int)
	sample := make(map[string]string)
	for _, a := range actions {
		if a.Result == "" {
			continue
		}
		h := a.ContentHash()
		counts[h]++
		if _, ok := sample[h]; !ok {
			s := a.Result
			if len(s) > 80 {
				s = s[:80]
			}
			sample[h] = s
		}
	}

	var out []Detection
	for h, n := range counts {
		if n < d.cfg.ConversationThreshold {
			continue
		}
		out = append(out, Detection{
			Type:       PatternConversationLoop,
			Severity:   SeverityMedium,
			Count:      n,
			Evidence:   fmt.Sprintf("identical output repeated %d times: %q", n, sample[h]),
			Suggestion: "responses are repeating verbatim; the conversation is stuck and needs new input",
		})
	}
	sortDetections(out)
	return out
}

// detectCircularDependency finds cycles in the dependency graph inferred
// from action refs, using DFS with white/grey/black coloring.
func (d *Detector) detectCircularDependency(actions []tracker.Action) []Detection {
	edges := make(map[string][]string)
	for _, a := range actions {
		if a.Target == "" || len(a.Refs) == 0 {
			continue
		}
		for _, ref := range a.Refs {
			if ref != "" && ref != a.Target {
				edges[a.Target] = append(edges[a.Target], ref)
			}
		}
	}
	if len(edges) == 0 {
		return nil
	}

	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[string]int)
	var cycle []string

	var visit func(node string, path []string) bool
	visit = func(node string, path []string) bool {
		color[node] = grey
		path = append(path, node)
		for _, next := range edges[node] {
			switch color[next] {
			case grey:
				// Back edge: extract the cycle from the path
				for i, p := range path {
					if p == next {
						cycle = append([]string{}, path[i:]...)
						return true
					}
				}
				cycle = []string{next, node}
				return true
			case white:
				if visit(next, path) {
					return true
				}
			}
		}
		color[node] = black
		return false
	}

	nodes := make([]string, 0, len(edges))
	for n := range edges {
		nodes = append(nodes, n)
	}
	sort.Strings(nodes)

	for _, n := range nodes {
		if color[n] == white && visit(n, nil) {
			break
		}
	}

	if len(cycle) < 2 {
		return nil
	}
	return []Detection{{
		Type:       PatternCircularDependency,
		Severity:   SeverityHigh,
		Count:      len(cycle),
		Evidence:   fmt.Sprintf("dependency cycle: %s", strings.Join(append(cycle, cycle[0]), " -> ")),
		Suggestion: "resources depend on each other in a cycle; one edge has to be broken before either can progress",
	}}
}

// detectStateCycle finds the run returning to a previously observed state
// with no successful modification in between.
func (d *Detector) detectStateCycle(actions []tracker.Action) []Detection {
	lastSeen := make(map[string]int)
	var out []Detection
	reported := make(map[string]bool)

	for i, a := range actions {
		if a.StateDigest == "" {
			continue
		}
		if prev, ok := lastSeen[a.StateDigest]; ok && !reported[a.StateDigest] {
			progress := false
			for _, between := range actions[prev+1 : i] {
				if between.Success && between.IsModification() {
					progress = true
					break
				}
			}
			if !progress {
				out = append(out, Detection{
					Type:       PatternStateCycle,
					Severity:   SeverityHigh,
					Count:      2,
					Evidence:   fmt.Sprintf("state %s recurred with no productive work between occurrences", a.StateDigest),
					Suggestion: "the run returned to an earlier state; retrying the same sequence will cycle again",
				})
				reported[a.StateDigest] = true
			}
		}
		lastSeen[a.StateDigest] = i
	}
	return out
}

// detectPatternRepetition finds a contiguous signature subsequence of
// length >= PatternMinLength repeating >= PatternMinRepeats times.
func (d *Detector) detectPatternRepetition(actions []tracker.Action) []Detection {
	sigs := make([]string, len(actions))
	for i, a := range actions {
		sigs[i] = a.Signature()
	}

	minLen := d.cfg.PatternMinLength
	minReps := d.cfg.PatternMinRepeats
	maxLen := len(sigs) / minReps

	var best *Detection
	for plen := maxLen; plen >= minLen; plen-- {
		for start := 0; start+plen*minReps <= len(sigs); start++ {
			reps := 1
			for {
				next := start + reps*plen
				if next+plen > len(sigs) || !equalSlice(sigs[start:start+plen], sigs[next:next+plen]) {
					break
				}
				reps++
			}
			if reps < minReps {
				continue
			}
			det := Detection{
				Type:       PatternRepetition,
				Severity:   SeverityMedium,
				Count:      reps,
				Evidence:   fmt.Sprintf("sequence of %d actions repeated %d times starting with %q", plen, reps, sigs[start]),
				Suggestion: "a multi-step sequence is cycling; the whole approach needs to change, not a single step",
			}
			if reps*plen >= 3*minLen {
				det.Severity = SeverityHigh
			}
			if best == nil || det.Count*plen > best.Count*plen {
				best = &det
			}
		}
		if best != nil {
			break
		}
	}

	if best == nil {
		return nil
	}
	return []Detection{*best}
}

func equalSlice(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// sortDetections orders findings deterministically: severity first, then
// count, then evidence text.
func sortDetections(dets []Detection) {
	rank := map[Severity]int{SeverityCritical: 0, SeverityHigh: 1, SeverityMedium: 2, SeverityLow: 3}
	sort.Slice(dets, func(i, j int) bool {
		if rank[dets[i].Severity] != rank[dets[j].Severity] {
			return rank[dets[i].Severity] < rank[dets[j].Severity]
		}
		if dets[i].Count != dets[j].Count {
			return dets[i].Count > dets[j].Count
		}
		return dets[i].Evidence < dets[j].Evidence
	})
}
