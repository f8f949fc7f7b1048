// Package objective manages strategic objectives: loading definitions,
// scoring candidates, holding the active objective and tracking health.
package objective

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"overseer/internal/logging"
	"overseer/internal/state"
)

// TaskDefinition describes a task inside an objective definition.
type TaskDefinition struct {
	ID          string   `yaml:"id"`
	Description string   `yaml:"description"`
	Target      string   `yaml:"target,omitempty"`
	Priority    int      `yaml:"priority,omitempty"`
	DependsOn   []string `yaml:"depends_on,omitempty"`
	MaxAttempts int      `yaml:"max_attempts,omitempty"`
}

// Definition is one objective as written by the planning collaborator.
type Definition struct {
	ID          string           `yaml:"id"`
	Name        string           `yaml:"name"`
	Description string           `yaml:"description,omitempty"`
	Level       string           `yaml:"level"` // primary, secondary, tertiary
	DependsOn   []string         `yaml:"depends_on,omitempty"`
	Acceptance  []string         `yaml:"acceptance,omitempty"`
	Tasks       []TaskDefinition `yaml:"tasks,omitempty"`
}

// DefinitionsFile is the top-level structure of objectives.yaml.
type DefinitionsFile struct {
	Objectives []Definition `yaml:"objectives"`
}

// LoadDefinitions parses the objectives file. A missing file yields an
// empty set; a malformed file is an error.
func LoadDefinitions(path string) ([]Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read objectives file: %w", err)
	}

	var f DefinitionsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse objectives file: %w", err)
	}
	return f.Objectives, nil
}

// validateDefinition checks one definition. Invalid definitions are
// skipped, not fatal.
func validateDefinition(d Definition) error {
	if d.ID == "" {
		return fmt.Errorf("%w: objective has no id", state.ErrValidation)
	}
	switch state.ObjectiveLevel(d.Level) {
	case state.LevelPrimary, state.LevelSecondary, state.LevelTertiary:
	default:
		return fmt.Errorf("%w: objective %s has unknown level %q", state.ErrValidation, d.ID, d.Level)
	}
	seen := make(map[string]bool)
	for _, td := range d.Tasks {
		if td.ID == "" {
			return fmt.Errorf("%w: objective %s has a task without id", state.ErrValidation, d.ID)
		}
		if seen[td.ID] {
			return fmt.Errorf("%w: objective %s repeats task id %s", state.ErrValidation, d.ID, td.ID)
		}
		seen[td.ID] = true
	}
	return nil
}

// Merge folds definitions into the run state. Existing objectives keep
// their runtime status and progress; new ones enter as proposed with a
// computed profile. Invalid definitions are skipped with a warning.
func Merge(st *state.RunState, defs []Definition) int {
	merged := 0
	for _, d := range defs {
		if err := validateDefinition(d); err != nil {
			logging.Get(logging.CategoryObjective).Warn("Skipping definition: %v", err)
			continue
		}

		obj, exists := st.Objectives[d.ID]
		if !exists {
			obj = &state.Objective{
				ID:        d.ID,
				Status:    state.ObjectiveProposed,
				CreatedAt: state.Now(),
			}
			st.Objectives[d.ID] = obj
		}

		obj.Name = d.Name
		obj.Level = state.ObjectiveLevel(d.Level)
		obj.DependsOn = append([]string{}, d.DependsOn...)
		obj.Acceptance = append([]string{}, d.Acceptance...)
		obj.Profile = ComputeProfile(d)
		obj.UpdatedAt = state.Now()

		for _, td := range d.Tasks {
			if _, ok := st.Tasks[td.ID]; ok {
				continue
			}
			st.Tasks[td.ID] = &state.Task{
				ID:          td.ID,
				Description: td.Description,
				Target:      td.Target,
				Status:      state.TaskPending,
				MaxAttempts: td.MaxAttempts,
				DependsOn:   append([]string{}, td.DependsOn...),
				Priority:    td.Priority,
				ObjectiveID: d.ID,
				CreatedAt:   state.Now(),
				UpdatedAt:   state.Now(),
			}
			obj.TaskIDs = appendUnique(obj.TaskIDs, td.ID)
		}
		merged++
	}
	logging.Objective("Merged %d objective definitions (%d in state)", merged, len(st.Objectives))
	return merged
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}
