package config

import (
	"fmt"
	"time"
)

// AgentConfig bounds the autonomous fix agent.
type AgentConfig struct {
	MaxIter          int     `yaml:"max_iter"`
	VerificationRuns int     `yaml:"verification_runs"`
	Budget           float64 `yaml:"budget"`
	DeadlineMs       int     `yaml:"deadline_ms"`
	// MaxConcurrent bounds simultaneously running agents. Agents have
	// their own executor so they never occupy orchestrator workers.
	MaxConcurrent int `yaml:"max_concurrent"`
}

// DefaultAgent returns the agent defaults.
func DefaultAgent() AgentConfig {
	return AgentConfig{
		MaxIter:          10,
		VerificationRuns: 5,
		Budget:           10.0,
		DeadlineMs:       1800000, // 30 minutes
		MaxConcurrent:    2,
	}
}

// Deadline returns the wall-clock deadline as a duration.
func (c AgentConfig) Deadline() time.Duration {
	if c.DeadlineMs <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(c.DeadlineMs) * time.Millisecond
}

// Validate checks the agent settings.
func (c AgentConfig) Validate() error {
	if c.MaxIter < 1 {
		return fmt.Errorf("agent.max_iter must be >= 1, got %d", c.MaxIter)
	}
	if c.VerificationRuns < 1 {
		return fmt.Errorf("agent.verification_runs must be >= 1, got %d", c.VerificationRuns)
	}
	return nil
}
