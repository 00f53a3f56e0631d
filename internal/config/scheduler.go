package config

import (
	"fmt"
	"time"
)

// CatchupPolicy selects how missed cron fires are handled.
type CatchupPolicy string

const (
	// CatchupSingle schedules one run for the most recent missed
	// instant and counts the rest as missed fires.
	CatchupSingle CatchupPolicy = "SINGLE"
	// CatchupNone skips all missed instants.
	CatchupNone CatchupPolicy = "NONE"
)

// SchedulerConfig configures the cron tick loop.
type SchedulerConfig struct {
	TickMs  int           `yaml:"tick_ms"`
	Catchup CatchupPolicy `yaml:"catchup"`
}

// DefaultScheduler returns the scheduler defaults.
func DefaultScheduler() SchedulerConfig {
	return SchedulerConfig{
		TickMs:  5000,
		Catchup: CatchupSingle,
	}
}

// Tick returns the tick interval as a duration.
func (c SchedulerConfig) Tick() time.Duration {
	if c.TickMs <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.TickMs) * time.Millisecond
}

// Validate checks the scheduler settings.
func (c SchedulerConfig) Validate() error {
	switch c.Catchup {
	case CatchupSingle, CatchupNone, "":
		return nil
	}
	return fmt.Errorf("scheduler.catchup must be SINGLE or NONE, got %q", c.Catchup)
}
