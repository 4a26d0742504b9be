package config

import (
	"strings"
	"time"
)

// RetryBackoffMode selects how the delay between fetch attempts grows.
type RetryBackoffMode string

const (
	RetryBackoffFixed       RetryBackoffMode = "fixed"
	RetryBackoffLinear      RetryBackoffMode = "linear"
	RetryBackoffExponential RetryBackoffMode = "exponential"
)

// RetryConfig is the backoff policy for git fetches and remote imports.
// Build retries of known transient failures are governed by maxretries.
type RetryConfig struct {
	Mode       RetryBackoffMode `yaml:"mode,omitempty"`
	Initial    time.Duration    `yaml:"initial,omitempty"`
	Max        time.Duration    `yaml:"max,omitempty"`
	MaxRetries int              `yaml:"max_retries,omitempty"`
}

// ParseRetryBackoff accepts a mode name in any case.
func ParseRetryBackoff(raw string) (RetryBackoffMode, bool) {
	switch m := RetryBackoffMode(strings.ToLower(strings.TrimSpace(raw))); m {
	case RetryBackoffFixed, RetryBackoffLinear, RetryBackoffExponential:
		return m, true
	default:
		return "", false
	}
}

// Backoff returns the configured mode, exponential when unset or unknown.
func (rc RetryConfig) Backoff() RetryBackoffMode {
	if m, ok := ParseRetryBackoff(string(rc.Mode)); ok {
		return m
	}
	return RetryBackoffExponential
}
