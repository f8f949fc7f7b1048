package config

import (
	"fmt"
	"math"
)

// ScoringConfig holds objective selection weights and health thresholds.
type ScoringConfig struct {
	// find-optimal term weights; must sum to 1.0
	ReadinessWeight float64 `yaml:"readiness_weight" json:"readiness_weight"`
	PriorityWeight  float64 `yaml:"priority_weight" json:"priority_weight"`
	RiskWeight      float64 `yaml:"risk_weight" json:"risk_weight"`
	UrgencyWeight   float64 `yaml:"urgency_weight" json:"urgency_weight"`

	// Completion fraction at which an active objective hands off
	CompletionBar float64 `yaml:"completion_bar" json:"completion_bar"`

	// Priority multiplier per objective level
	LevelWeights map[string]float64 `yaml:"level_weights" json:"level_weights"`

	// Health thresholds
	DegradedSuccessRate float64 `yaml:"degraded_success_rate" json:"degraded_success_rate"`
	HealthySuccessRate  float64 `yaml:"healthy_success_rate" json:"healthy_success_rate"`
	CriticalFailures    int     `yaml:"critical_failures" json:"critical_failures"`
}

// LevelWeight returns the priority multiplier for an objective level.
func (s *ScoringConfig) LevelWeight(level string) float64 {
	if w, ok := s.LevelWeights[level]; ok {
		return w
	}
	return 0.3
}

// Validate checks that scoring weights are coherent.
func (s *ScoringConfig) Validate() error {
	sum := s.ReadinessWeight + s.PriorityWeight + s.RiskWeight + s.UrgencyWeight
	if math.Abs(sum-1.0) > 0.001 {
		return fmt.Errorf("scoring weights must sum to 1.0, got %.3f", sum)
	}
	if s.CompletionBar <= 0 || s.CompletionBar > 1 {
		return fmt.Errorf("scoring.completion_bar must be in (0, 1]")
	}
	if s.CriticalFailures < 1 {
		return fmt.Errorf("scoring.critical_failures must be >= 1")
	}
	return nil
}
