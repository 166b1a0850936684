package config

import "time"

// RetentionConfig controls data retention and cleanup behavior.
type RetentionConfig struct {
	// RawRetentionDays is how many days raw execution records are kept.
	RawRetentionDays int `yaml:"raw_retention_days"`

	// AggregateRetentionDays is how many days hourly aggregates are kept.
	// Longer than raw so dashboards keep their history.
	AggregateRetentionDays int `yaml:"aggregate_retention_days"`

	// DeadLetterRetentionDays is the hold window for failed deliveries.
	DeadLetterRetentionDays int `yaml:"dead_letter_retention_days"`

	// ScheduledRetentionDays is how long delivered/cancelled scheduler rows
	// are kept for audit.
	ScheduledRetentionDays int `yaml:"scheduled_retention_days"`

	// CleanupInterval is how often the cleanup loop runs.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// DefaultRetentionConfig returns the built-in retention defaults.
func DefaultRetentionConfig() *RetentionConfig {
	return &RetentionConfig{
		RawRetentionDays:        30,
		AggregateRetentionDays:  180,
		DeadLetterRetentionDays: 14,
		ScheduledRetentionDays:  7,
		CleanupInterval:         12 * time.Hour,
	}
}
