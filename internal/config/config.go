package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all overseer configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Workspace paths
	Paths PathsConfig `yaml:"paths"`

	// Loop pattern detection thresholds
	Detection DetectionConfig `yaml:"detection"`

	// Intervention and escalation
	Intervention InterventionConfig `yaml:"intervention"`

	// Objective scoring weights
	Scoring ScoringConfig `yaml:"scoring"`

	// Task retry policy
	Retry RetryConfig `yaml:"retry"`

	// Executor dispatch settings
	Executor ExecutorConfig `yaml:"executor"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// PathsConfig names the files kept under the workspace dot-dir.
type PathsConfig struct {
	StateFile      string `yaml:"state_file"`
	ActionLog      string `yaml:"action_log"`
	ObjectivesFile string `yaml:"objectives_file"`
	HistoryDB      string `yaml:"history_db"`
}

// ExecutorConfig configures phase executor dispatch.
type ExecutorConfig struct {
	// Per-dispatch timeout; expiry counts as a failed attempt
	DispatchTimeout string `yaml:"dispatch_timeout"`

	// Upper bound on concurrent read-only consultations inside one dispatch
	MaxConsultations int `yaml:"max_consultations"`

	// Pause between iterations when no work is available
	IdleInterval string `yaml:"idle_interval"`

	// Hard cap on loop iterations; 0 means unbounded
	MaxIterations int `yaml:"max_iterations"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "overseer",
		Version: "1.0.0",

		Paths: PathsConfig{
			StateFile:      "state.json",
			ActionLog:      "actions.jsonl",
			ObjectivesFile: "objectives.yaml",
			HistoryDB:      "history.db",
		},

		Detection: DetectionConfig{
			WindowActions:          50,
			WindowSeconds:          300,
			ActionRepeatThreshold:  3,
			ActionRepeatHighWater:  5,
			ModificationThreshold:  4,
			MultiTargetSuppression: 2,
			ConversationThreshold:  3,
			PatternMinLength:       2,
			PatternMinRepeats:      2,
		},

		Intervention: InterventionConfig{
			MaxInterventions: 3,
		},

		Scoring: ScoringConfig{
			ReadinessWeight: 0.4,
			PriorityWeight:  0.3,
			RiskWeight:      0.2,
			UrgencyWeight:   0.1,
			CompletionBar:   0.8,
			LevelWeights: map[string]float64{
				"primary":   1.0,
				"secondary": 0.6,
				"tertiary":  0.3,
			},
			DegradedSuccessRate: 0.5,
			HealthySuccessRate:  0.7,
			CriticalFailures:    3,
		},

		Retry: RetryConfig{
			MaxAttempts: 3,
			BackoffBase: "5s",
			BackoffMax:  "5m",
		},

		Executor: ExecutorConfig{
			DispatchTimeout:  "120s",
			MaxConsultations: 4,
			IdleInterval:     "2s",
			MaxIterations:    0,
		},

		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return defaults if config file doesn't exist
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("OVERSEER_STATE_FILE"); v != "" {
		c.Paths.StateFile = v
	}
	if v := os.Getenv("OVERSEER_HISTORY_DB"); v != "" {
		c.Paths.HistoryDB = v
	}
	if v := os.Getenv("OVERSEER_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("OVERSEER_DEBUG"); v == "1" || v == "true" {
		c.Logging.DebugMode = true
	}
}

// GetDispatchTimeout returns the executor dispatch timeout as a duration.
func (c *Config) GetDispatchTimeout() time.Duration {
	d, err := time.ParseDuration(c.Executor.DispatchTimeout)
	if err != nil {
		return 120 * time.Second
	}
	return d
}

// GetIdleInterval returns the idle pause between empty iterations.
func (c *Config) GetIdleInterval() time.Duration {
	d, err := time.ParseDuration(c.Executor.IdleInterval)
	if err != nil {
		return 2 * time.Second
	}
	return d
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.Detection.Validate(); err != nil {
		return err
	}
	if c.Intervention.MaxInterventions < 1 {
		return fmt.Errorf("intervention.max_interventions must be >= 1")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be >= 1")
	}
	if err := c.Scoring.Validate(); err != nil {
		return err
	}
	return nil
}
