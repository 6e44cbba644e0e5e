package config

import "maps"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// PolicyChanged is true when caps or overrides differ. Overrides apply
	// to new evaluations immediately; in-flight checkpoints keep the
	// decision they already got.
	PolicyChanged bool

	// DeadlinesChanged is true when any topology budget differs. New budgets
	// apply to runs started after the reload.
	DeadlinesChanged bool

	// RetryChanged is true when the backoff settings differ.
	RetryChanged bool
}

// Any reports whether the diff carries at least one change.
func (d ConfigDiff) Any() bool {
	return d.LogLevelChanged || d.PolicyChanged || d.DeadlinesChanged || d.RetryChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Policy.MaxArtifacts != new.Policy.MaxArtifacts ||
		old.Policy.MaxArtifactPayloadBytes != new.Policy.MaxArtifactPayloadBytes ||
		!maps.Equal(old.Policy.Overrides, new.Policy.Overrides) {
		d.PolicyChanged = true
	}

	if old.Pipeline.DefaultDeadline != new.Pipeline.DefaultDeadline ||
		!maps.Equal(old.Pipeline.Deadlines, new.Pipeline.Deadlines) {
		d.DeadlinesChanged = true
	}

	if old.Retry != new.Retry {
		d.RetryChanged = true
	}

	return d
}
