package config

import "fmt"

// DetectionConfig holds loop pattern detection thresholds.
type DetectionConfig struct {
	// Snapshot window bounds
	WindowActions int `yaml:"window_actions" json:"window_actions"`
	WindowSeconds int `yaml:"window_seconds" json:"window_seconds"`

	// Identical (tool, args) repeats before a loop is reported / raised to high
	ActionRepeatThreshold int `yaml:"action_repeat_threshold" json:"action_repeat_threshold"`
	ActionRepeatHighWater int `yaml:"action_repeat_high_water" json:"action_repeat_high_water"`

	// Same-target modification repeats before a loop is reported
	ModificationThreshold int `yaml:"modification_threshold" json:"modification_threshold"`

	// Distinct modified targets at which modification looping is suppressed
	MultiTargetSuppression int `yaml:"multi_target_suppression" json:"multi_target_suppression"`

	// Identical content hash repeats before conversation looping is reported
	ConversationThreshold int `yaml:"conversation_threshold" json:"conversation_threshold"`

	// Repeating subsequence bounds
	PatternMinLength  int `yaml:"pattern_min_length" json:"pattern_min_length"`
	PatternMinRepeats int `yaml:"pattern_min_repeats" json:"pattern_min_repeats"`
}

// Validate checks that detection thresholds are within acceptable ranges.
func (d *DetectionConfig) Validate() error {
	if d.WindowActions < 1 {
		return fmt.Errorf("detection.window_actions must be >= 1")
	}
	if d.ActionRepeatThreshold < 2 {
		return fmt.Errorf("detection.action_repeat_threshold must be >= 2")
	}
	if d.ActionRepeatHighWater < d.ActionRepeatThreshold {
		return fmt.Errorf("detection.action_repeat_high_water must be >= action_repeat_threshold")
	}
	if d.ModificationThreshold < 2 {
		return fmt.Errorf("detection.modification_threshold must be >= 2")
	}
	if d.PatternMinLength < 2 {
		return fmt.Errorf("detection.pattern_min_length must be >= 2")
	}
	if d.PatternMinRepeats < 2 {
		return fmt.Errorf("detection.pattern_min_repeats must be >= 2")
	}
	return nil
}

// InterventionConfig configures loop intervention escalation.
type InterventionConfig struct {
	// Interventions per (phase, task signature) before hard escalation
	MaxInterventions int `yaml:"max_interventions" json:"max_interventions"`
}
