package config

import "fmt"

// RetryConfig is the default retry policy. Per-run overrides are
// allowed at submit time.
type RetryConfig struct {
	Enabled     bool     `yaml:"enabled"`
	MaxAttempts int      `yaml:"max_attempts"`
	BaseDelayMs int      `yaml:"base_delay_ms"`
	MaxDelayMs  int      `yaml:"max_delay_ms"`
	Multiplier  float64  `yaml:"multiplier"`
	RetryOn     []string `yaml:"retry_on"` // failure categories eligible for retry
}

// DefaultRetry returns the retry defaults: retry transient
// infrastructure faults, leave deterministic failures alone.
func DefaultRetry() RetryConfig {
	return RetryConfig{
		Enabled:     true,
		MaxAttempts: 3,
		BaseDelayMs: 1000,
		MaxDelayMs:  30000,
		Multiplier:  2.0,
		RetryOn: []string{
			"TIMEOUT",
			"NETWORK_ERROR",
			"STALE_ELEMENT",
			"ELEMENT_NOT_FOUND",
		},
	}
}

// Validate checks the retry settings.
func (c RetryConfig) Validate() error {
	if c.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be >= 1, got %d", c.MaxAttempts)
	}
	if c.Multiplier < 1.0 {
		return fmt.Errorf("retry.multiplier must be >= 1.0, got %v", c.Multiplier)
	}
	if c.MaxDelayMs < c.BaseDelayMs {
		return fmt.Errorf("retry.max_delay_ms (%d) must be >= retry.base_delay_ms (%d)", c.MaxDelayMs, c.BaseDelayMs)
	}
	return nil
}
