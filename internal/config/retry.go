package config

import "time"

// RetryConfig configures the task retry policy.
type RetryConfig struct {
	// Attempts before a task is blocked and an issue is opened
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`

	// Exponential backoff bounds
	BackoffBase string `yaml:"backoff_base" json:"backoff_base"`
	BackoffMax  string `yaml:"backoff_max" json:"backoff_max"`
}

// GetBackoffBase returns the backoff base as a duration.
func (r *RetryConfig) GetBackoffBase() time.Duration {
	d, err := time.ParseDuration(r.BackoffBase)
	if err != nil {
		return 5 * time.Second
	}
	return d
}

// GetBackoffMax returns the backoff ceiling as a duration.
func (r *RetryConfig) GetBackoffMax() time.Duration {
	d, err := time.ParseDuration(r.BackoffMax)
	if err != nil {
		return 5 * time.Minute
	}
	return d
}
