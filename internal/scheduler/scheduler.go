// Package scheduler drives cron-based run submission. Each tick it
// finds due schedules, claims them atomically so overlapping fires are
// impossible, and submits through the orchestrator. Terminal runs come
// back through an observer that releases the claim and updates
// counters.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"qanerd/internal/config"
	"qanerd/internal/logging"
	"qanerd/internal/orchestrator"
	"qanerd/internal/store"
	"qanerd/internal/types"
)

// ErrInvalidCron is returned when a cron expression does not parse.
var ErrInvalidCron = errors.New("invalid cron expression")

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Scheduler owns the tick loop and schedule lifecycle.
type Scheduler struct {
	cfg   config.SchedulerConfig
	store *store.Store
	orch  *orchestrator.Orchestrator
	// now is swappable for tests.
	now func() time.Time
}

// New creates the scheduler and hooks its terminal observer into the
// orchestrator.
func New(cfg config.SchedulerConfig, st *store.Store, orch *orchestrator.Orchestrator) *Scheduler {
	s := &Scheduler{cfg: cfg, store: st, orch: orch, now: time.Now}
	orch.AddObserver(s.onTerminal)
	return s
}

// Create validates and persists a new schedule, precomputing its first
// fire time.
func (s *Scheduler) Create(testID, cronExpr, timezone string) (*types.ScheduleEntry, error) {
	sched, loc, err := parse(cronExpr, timezone)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.GetTest(testID); err != nil {
		return nil, err
	}

	entry := &types.ScheduleEntry{
		TestID:    testID,
		CronExpr:  cronExpr,
		Timezone:  locName(timezone),
		Enabled:   true,
		NextRunAt: sched.Next(s.now().In(loc)).UTC(),
	}
	if err := s.store.SaveSchedule(entry); err != nil {
		return nil, err
	}
	logging.Scheduler("created schedule %s for test %s: %q next %s",
		entry.ID, testID, cronExpr, entry.NextRunAt.Format(time.RFC3339))
	return entry, nil
}

// Update replaces the cron expression and timezone of a schedule.
func (s *Scheduler) Update(id, cronExpr, timezone string) error {
	sched, loc, err := parse(cronExpr, timezone)
	if err != nil {
		return err
	}
	entry, err := s.store.GetSchedule(id)
	if err != nil {
		return err
	}
	entry.CronExpr = cronExpr
	entry.Timezone = locName(timezone)
	entry.NextRunAt = sched.Next(s.now().In(loc)).UTC()
	return s.store.SaveSchedule(entry)
}

// SetEnabled flips a schedule on or off. Re-enabling recomputes the
// next fire from now, so a long-disabled schedule does not replay.
func (s *Scheduler) SetEnabled(id string, enabled bool) error {
	if !enabled {
		return s.store.SetScheduleEnabled(id, false)
	}
	entry, err := s.store.GetSchedule(id)
	if err != nil {
		return err
	}
	sched, loc, err := parse(entry.CronExpr, entry.Timezone)
	if err != nil {
		return err
	}
	if err := s.store.SetScheduleEnabled(id, true); err != nil {
		return err
	}
	return s.store.SetScheduleNextRun(id, sched.Next(s.now().In(loc)).UTC())
}

// Delete removes a schedule.
func (s *Scheduler) Delete(id string) error {
	return s.store.DeleteSchedule(id)
}

// List returns schedules.
func (s *Scheduler) List() ([]*types.ScheduleEntry, error) {
	return s.store.ListSchedules(false)
}

// TriggerNow injects an out-of-band run for a schedule, subject to the
// same overlap guard as a cron fire.
func (s *Scheduler) TriggerNow(id string) (string, error) {
	entry, err := s.store.GetSchedule(id)
	if err != nil {
		return "", err
	}
	now := s.now().UTC()
	claimed, err := s.store.ClaimSchedule(id, now)
	if err != nil {
		return "", err
	}
	if !claimed {
		return "", fmt.Errorf("schedule %s already has a run in flight", id)
	}
	runID, err := s.submit(entry, now, false)
	if err != nil {
		if uerr := s.store.UnclaimSchedule(id); uerr != nil {
			logging.Get(logging.CategoryScheduler).Error("failed to unclaim schedule %s: %v", id, uerr)
		}
		return "", err
	}
	return runID, nil
}

// Run drives the tick loop until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Tick())
	defer ticker.Stop()
	logging.Scheduler("tick loop started (every %v, catchup=%s)", s.cfg.Tick(), s.cfg.Catchup)

	for {
		select {
		case <-ctx.Done():
			logging.Scheduler("tick loop stopped")
			return
		case <-ticker.C:
			s.Tick()
		}
	}
}

// Tick processes all currently due schedules once.
func (s *Scheduler) Tick() {
	now := s.now().UTC()
	due, err := s.ListDue(now)
	if err != nil {
		logging.Get(logging.CategoryScheduler).Error("failed to list due schedules: %v", err)
		return
	}
	for _, entry := range due {
		s.fire(entry, now)
	}
}

// ListDue returns enabled schedules whose next fire time has passed.
// Running schedules stay in the list so fire can account suppressed
// instants; the atomic claim arbitrates.
func (s *Scheduler) ListDue(now time.Time) ([]*types.ScheduleEntry, error) {
	entries, err := s.store.ListSchedules(true)
	if err != nil {
		return nil, err
	}
	var due []*types.ScheduleEntry
	for _, e := range entries {
		if !e.NextRunAt.IsZero() && !e.NextRunAt.After(now) {
			due = append(due, e)
		}
	}
	return due, nil
}

// fire handles one due schedule: counts missed instants, applies the
// catch-up policy, claims, submits, and advances the fire clock.
func (s *Scheduler) fire(entry *types.ScheduleEntry, now time.Time) {
	log := logging.Get(logging.CategoryScheduler)

	sched, loc, err := parse(entry.CronExpr, entry.Timezone)
	if err != nil {
		log.Error("schedule %s has unparseable cron %q: %v", entry.ID, entry.CronExpr, err)
		return
	}

	// Count fire instants in (next_run_at, now]. The first due instant
	// is next_run_at itself.
	instants := 1
	next := sched.Next(entry.NextRunAt.In(loc))
	for !next.After(now) && instants < 1000 {
		instants++
		next = sched.Next(next)
	}
	nextUTC := next.UTC()

	if instants > 1 {
		// SINGLE runs the most recent missed instant; NONE skips them
		// all and waits for the next future one.
		skipped := instants - 1
		if s.cfg.Catchup == config.CatchupNone {
			skipped = instants
		}
		for i := 0; i < skipped; i++ {
			if err := s.store.RecordMissedFire(entry.ID); err != nil {
				log.Warn("failed to record missed fire for %s: %v", entry.ID, err)
				break
			}
		}
		log.Warn("schedule %s missed %d fire instants (catchup=%s)", entry.ID, instants-1, s.cfg.Catchup)
		if s.cfg.Catchup == config.CatchupNone {
			if err := s.store.SetScheduleNextRun(entry.ID, nextUTC); err != nil {
				log.Error("failed to advance schedule %s: %v", entry.ID, err)
			}
			return
		}
	}

	claimed, err := s.store.ClaimSchedule(entry.ID, now)
	if err != nil {
		log.Error("failed to claim schedule %s: %v", entry.ID, err)
		return
	}
	if !claimed {
		// Previous run still in flight: suppress this instant.
		if err := s.store.RecordMissedFire(entry.ID); err != nil {
			log.Warn("failed to record missed fire for %s: %v", entry.ID, err)
		}
		if err := s.store.SetScheduleNextRun(entry.ID, nextUTC); err != nil {
			log.Error("failed to advance schedule %s: %v", entry.ID, err)
		}
		logging.SchedulerDebug("schedule %s fire suppressed: run in flight", entry.ID)
		return
	}

	if _, err := s.submit(entry, now, instants > 1); err != nil {
		log.Error("failed to submit run for schedule %s: %v", entry.ID, err)
		if err := s.store.UnclaimSchedule(entry.ID); err != nil {
			log.Error("failed to unclaim schedule %s: %v", entry.ID, err)
		}
		if err := s.store.RecordMissedFire(entry.ID); err != nil {
			log.Warn("failed to record missed fire for %s: %v", entry.ID, err)
		}
	}
	if err := s.store.SetScheduleNextRun(entry.ID, nextUTC); err != nil {
		log.Error("failed to advance schedule %s: %v", entry.ID, err)
	}
}

func (s *Scheduler) submit(entry *types.ScheduleEntry, firedAt time.Time, catchUp bool) (string, error) {
	runID, err := s.orch.Submit(entry.TestID, orchestrator.Options{
		TriggeredBy: types.TriggerSchedule,
		ScheduleID:  entry.ID,
	})
	if err != nil {
		return "", err
	}
	if err := s.store.RecordScheduleFire(entry.ID, runID, firedAt, catchUp); err != nil {
		logging.Get(logging.CategoryScheduler).Warn("failed to record fire for %s: %v", entry.ID, err)
	}
	logging.Scheduler("schedule %s fired run %s (catch_up=%v)", entry.ID, runID, catchUp)
	return runID, nil
}

// onTerminal releases the schedule claim when its run finishes.
func (s *Scheduler) onTerminal(run *types.Run, testName string) {
	if run.ScheduleID == "" {
		return
	}
	if err := s.store.ReleaseSchedule(run.ScheduleID, run.Status); err != nil {
		logging.Get(logging.CategoryScheduler).Error(
			"failed to release schedule %s after run %s: %v", run.ScheduleID, run.ID, err)
		return
	}
	logging.SchedulerDebug("schedule %s released: run %s %s", run.ScheduleID, run.ID, run.Status)
}

// parse resolves a cron expression and timezone.
func parse(expr, timezone string) (cron.Schedule, *time.Location, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %q: %v", ErrInvalidCron, expr, err)
	}
	loc := time.UTC
	if timezone != "" && timezone != "UTC" {
		loc, err = time.LoadLocation(timezone)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: unknown timezone %q", ErrInvalidCron, timezone)
		}
	}
	return sched, loc, nil
}

func locName(timezone string) string {
	if timezone == "" {
		return "UTC"
	}
	return timezone
}
