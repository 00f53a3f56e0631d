package history

import (
	"context"
	"fmt"
	"time"

	"qanerd/internal/analyzer"
	"qanerd/internal/logging"
	"qanerd/internal/store"
	"qanerd/internal/types"
)

// Snapshotter builds the daily QualitySnapshot by aggregating one UTC
// calendar day of history.
type Snapshotter struct {
	store    *store.Store
	analyzer *analyzer.Analyzer
	// now is swappable for tests.
	now func() time.Time
	// sweep, when set, runs after each daily snapshot. The artifact
	// retention sweep hangs off the same clock.
	sweep func() error
}

// NewSnapshotter creates a snapshotter over the given store.
func NewSnapshotter(s *store.Store, sweep func() error) *Snapshotter {
	return &Snapshotter{
		store:    s,
		analyzer: analyzer.New(s),
		now:      time.Now,
		sweep:    sweep,
	}
}

// BuildFor aggregates the UTC calendar day containing t and writes the
// snapshot row. Re-running a day replaces its row.
func (sn *Snapshotter) BuildFor(day time.Time) (*types.QualitySnapshot, error) {
	day = day.UTC()
	from := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 0, 1)

	health, err := sn.analyzer.SuiteHealth(analyzer.Window{From: from, To: to})
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate day %s: %w", from.Format("2006-01-02"), err)
	}

	allTests, err := sn.store.ListTests(false)
	if err != nil {
		return nil, fmt.Errorf("failed to count tests: %w", err)
	}
	active := 0
	for _, t := range allTests {
		if t.Active {
			active++
		}
	}

	snap := &types.QualitySnapshot{
		Date:              from.Format("2006-01-02"),
		TotalTests:        len(allTests),
		ActiveTests:       active,
		StableTests:       health.StableTests,
		FlakyTests:        health.FlakyTests,
		FailingTests:      health.FailingTests,
		AvgPassRate:       health.PassRate,
		AvgFlakinessScore: health.AvgFlakiness,
		OverallHealth:     health.OverallHealth,
		TotalExecutions:   int64(health.TotalRuns),
		AvgExecutionMs:    health.AvgDurationMs,
	}
	if err := sn.store.SaveSnapshot(snap); err != nil {
		return nil, err
	}
	logging.History("snapshot %s: %d executions, health %.1f", snap.Date, snap.TotalExecutions, snap.OverallHealth)
	return snap, nil
}

// Run blocks until ctx is done, building the previous day's snapshot
// shortly after each UTC midnight.
func (sn *Snapshotter) Run(ctx context.Context) {
	for {
		now := sn.now().UTC()
		next := time.Date(now.Year(), now.Month(), now.Day(), 0, 5, 0, 0, time.UTC).AddDate(0, 0, 1)
		select {
		case <-ctx.Done():
			return
		case <-time.After(next.Sub(now)):
		}

		yesterday := sn.now().UTC().AddDate(0, 0, -1)
		if _, err := sn.BuildFor(yesterday); err != nil {
			logging.Get(logging.CategoryHistory).Error("daily snapshot failed: %v", err)
		}
		if sn.sweep != nil {
			if err := sn.sweep(); err != nil {
				logging.Get(logging.CategoryHistory).Warn("retention sweep failed: %v", err)
			}
		}
	}
}
