package config

import (
	"fmt"
	"time"
)

// ExecutionConfig configures the orchestrator worker pool.
type ExecutionConfig struct {
	Workers       int `yaml:"workers"`        // worker pool size; max concurrent runs
	QueueCapacity int `yaml:"queue_capacity"` // bounded queue size; submit backpressure
	RunTimeoutMs  int `yaml:"run_timeout_ms"` // per-run wall-clock deadline
}

// DefaultExecution returns the execution defaults.
func DefaultExecution() ExecutionConfig {
	return ExecutionConfig{
		Workers:       4,
		QueueCapacity: 64,
		RunTimeoutMs:  300000, // 5 minutes
	}
}

// RunTimeout returns the per-run deadline as a duration.
func (c ExecutionConfig) RunTimeout() time.Duration {
	if c.RunTimeoutMs <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.RunTimeoutMs) * time.Millisecond
}

// Validate checks the execution settings.
func (c ExecutionConfig) Validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("execution.workers must be >= 1, got %d", c.Workers)
	}
	if c.QueueCapacity < 1 {
		return fmt.Errorf("execution.queue_capacity must be >= 1, got %d", c.QueueCapacity)
	}
	return nil
}
