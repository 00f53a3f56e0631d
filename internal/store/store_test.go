package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"qanerd/internal/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "qa.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleTest(name string) *types.Test {
	return &types.Test{
		Name:      name,
		Framework: "qanerd",
		Active:    true,
		Script: types.Script{Steps: []types.Step{
			{Action: types.ActionNavigate, Value: "https://example.test/login"},
			{Action: types.ActionAssertTitle, Value: "Login"},
		}},
	}
}

func TestSaveAndGetTest(t *testing.T) {
	s := newTestStore(t)

	tst := sampleTest("login-happy-path")
	require.NoError(t, s.SaveTest(tst))
	require.NotEmpty(t, tst.ID)

	got, err := s.GetTest(tst.ID)
	require.NoError(t, err)
	require.Equal(t, "login-happy-path", got.Name)
	require.Len(t, got.Script.Steps, 2)
	require.Equal(t, types.ActionNavigate, got.Script.Steps[0].Action)

	byName, err := s.GetTestByName("login-happy-path")
	require.NoError(t, err)
	require.Equal(t, tst.ID, byName.ID)
}

func TestGetTestNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetTest("missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestListTestsActiveFilter(t *testing.T) {
	s := newTestStore(t)

	active := sampleTest("active-test")
	require.NoError(t, s.SaveTest(active))
	inactive := sampleTest("inactive-test")
	inactive.Active = false
	require.NoError(t, s.SaveTest(inactive))

	all, err := s.ListTests(false)
	require.NoError(t, err)
	require.Len(t, all, 2)

	onlyActive, err := s.ListTests(true)
	require.NoError(t, err)
	require.Len(t, onlyActive, 1)
	require.Equal(t, "active-test", onlyActive[0].Name)
}

func TestRunLifecycle(t *testing.T) {
	s := newTestStore(t)
	tst := sampleTest("lifecycle")
	require.NoError(t, s.SaveTest(tst))

	run := &types.Run{
		ID:          "run-1",
		TestID:      tst.ID,
		Browser:     types.BrowserChrome,
		TriggeredBy: types.TriggerAPI,
	}
	require.NoError(t, s.CreateRun(run))

	got, err := s.GetRun("run-1")
	require.NoError(t, err)
	require.Equal(t, types.RunQueued, got.Status)

	start := time.Now().UTC()
	require.NoError(t, s.MarkRunning("run-1", start))

	run.Status = types.RunPassed
	run.EndedAt = start.Add(3 * time.Second)
	run.DurationMs = 3000
	run.ArtifactRefs = []string{"logs/run-1/steps.log"}
	require.NoError(t, s.FinalizeRun(run))

	got, err = s.GetRun("run-1")
	require.NoError(t, err)
	require.Equal(t, types.RunPassed, got.Status)
	require.Equal(t, int64(3000), got.DurationMs)
	require.Equal(t, []string{"logs/run-1/steps.log"}, got.ArtifactRefs)
}

func TestTerminalStatusIsWriteOnce(t *testing.T) {
	s := newTestStore(t)
	tst := sampleTest("write-once")
	require.NoError(t, s.SaveTest(tst))

	run := &types.Run{ID: "run-1", TestID: tst.ID, Browser: types.BrowserChrome, TriggeredBy: types.TriggerAPI}
	require.NoError(t, s.CreateRun(run))
	require.NoError(t, s.MarkRunning("run-1", time.Now().UTC()))

	run.Status = types.RunCancelled
	require.NoError(t, s.FinalizeRun(run))

	// A worker racing the cancel loses: the first terminal write wins.
	run.Status = types.RunPassed
	require.ErrorIs(t, s.FinalizeRun(run), ErrTerminal)

	got, err := s.GetRun("run-1")
	require.NoError(t, err)
	require.Equal(t, types.RunCancelled, got.Status)

	require.ErrorIs(t, s.MarkRunning("run-1", time.Now().UTC()), ErrTerminal)
}

func TestFinalizeRejectsNonTerminal(t *testing.T) {
	s := newTestStore(t)
	tst := sampleTest("non-terminal")
	require.NoError(t, s.SaveTest(tst))

	run := &types.Run{ID: "run-1", TestID: tst.ID, Browser: types.BrowserChrome, TriggeredBy: types.TriggerAPI}
	require.NoError(t, s.CreateRun(run))

	run.Status = types.RunRunning
	require.Error(t, s.FinalizeRun(run))
}

func TestHistoryQueries(t *testing.T) {
	s := newTestStore(t)

	base := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	for i, status := range []types.RunStatus{types.RunPassed, types.RunFailed, types.RunPassed} {
		require.NoError(t, s.InsertHistory(&types.RunHistory{
			RunID:      "run-" + string(rune('a'+i)),
			TestName:   "checkout",
			Status:     status,
			DurationMs: int64(1000 * (i + 1)),
			Browser:    types.BrowserChrome,
			ExecutedAt: base.Add(time.Duration(i) * time.Hour),
		}))
	}

	rows, err := s.HistoryForTest("checkout", 2)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	// Newest first.
	require.Equal(t, "run-c", rows[0].RunID)

	window, err := s.HistoryBetween(base, base.Add(90*time.Minute))
	require.NoError(t, err)
	require.Len(t, window, 2)

	names, err := s.HistoryTestNames(base, base.Add(24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, []string{"checkout"}, names)
}

func TestFailurePatternUpsert(t *testing.T) {
	s := newTestStore(t)

	first := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	require.NoError(t, s.UpsertFailurePattern("checkout", "timeout waiting for #pay-N", "TIMEOUT", first))
	require.NoError(t, s.UpsertFailurePattern("checkout", "timeout waiting for #pay-N", "TIMEOUT", first.Add(time.Hour)))
	require.NoError(t, s.UpsertFailurePattern("checkout", "element STR not found", "ELEMENT_NOT_FOUND", first))

	patterns, err := s.FailurePatterns("checkout", 10)
	require.NoError(t, err)
	require.Len(t, patterns, 2)
	require.Equal(t, int64(2), patterns[0].Occurrences)
	require.Equal(t, "timeout waiting for #pay-N", patterns[0].Signature)
	require.Equal(t, first.Add(time.Hour), patterns[0].LastSeen)
	require.Equal(t, first, patterns[0].FirstSeen)

	require.NoError(t, s.ResolvePattern("checkout", "timeout waiting for #pay-N"))
	patterns, err = s.FailurePatterns("checkout", 10)
	require.NoError(t, err)
	require.Len(t, patterns, 1)
}

func TestSnapshotUpsert(t *testing.T) {
	s := newTestStore(t)

	snap := &types.QualitySnapshot{
		Date:            "2026-08-20",
		TotalTests:      5,
		AvgPassRate:     80,
		TotalExecutions: 42,
	}
	require.NoError(t, s.SaveSnapshot(snap))

	// Same-day rewrite replaces the row.
	snap.TotalExecutions = 50
	require.NoError(t, s.SaveSnapshot(snap))

	got, err := s.GetSnapshot("2026-08-20")
	require.NoError(t, err)
	require.Equal(t, int64(50), got.TotalExecutions)

	_, err = s.GetSnapshot("2026-08-21")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestScheduleClaimRelease(t *testing.T) {
	s := newTestStore(t)
	tst := sampleTest("scheduled")
	require.NoError(t, s.SaveTest(tst))

	e := &types.ScheduleEntry{TestID: tst.ID, CronExpr: "*/5 * * * *", Enabled: true}
	require.NoError(t, s.SaveSchedule(e))

	now := time.Now().UTC()
	claimed, err := s.ClaimSchedule(e.ID, now)
	require.NoError(t, err)
	require.True(t, claimed)

	// Second fire while still running is refused.
	claimed, err = s.ClaimSchedule(e.ID, now.Add(time.Minute))
	require.NoError(t, err)
	require.False(t, claimed)
	require.NoError(t, s.RecordMissedFire(e.ID))

	require.NoError(t, s.ReleaseSchedule(e.ID, types.RunPassed))

	got, err := s.GetSchedule(e.ID)
	require.NoError(t, err)
	require.False(t, got.Running)
	require.Equal(t, int64(1), got.TotalRuns)
	require.Equal(t, int64(1), got.SuccessRuns)
	require.Equal(t, int64(1), got.MissedFires)
	require.Equal(t, types.RunPassed, got.LastRunStatus)

	// Released schedule can be claimed again.
	claimed, err = s.ClaimSchedule(e.ID, now.Add(5*time.Minute))
	require.NoError(t, err)
	require.True(t, claimed)
}

func TestDisabledScheduleCannotBeClaimed(t *testing.T) {
	s := newTestStore(t)
	tst := sampleTest("disabled-sched")
	require.NoError(t, s.SaveTest(tst))

	e := &types.ScheduleEntry{TestID: tst.ID, CronExpr: "0 * * * *", Enabled: false}
	require.NoError(t, s.SaveSchedule(e))

	claimed, err := s.ClaimSchedule(e.ID, time.Now().UTC())
	require.NoError(t, err)
	require.False(t, claimed)
}

func TestAgentExecutionLifecycle(t *testing.T) {
	s := newTestStore(t)

	e := &types.AgentExecution{AgentKind: "stabilize", Goal: "stabilize checkout", MaxIter: 5}
	require.NoError(t, s.CreateAgentExecution(e))
	require.NotEmpty(t, e.ID)

	require.NoError(t, s.AppendAgentAction(e.ID, types.AgentAction{
		Iteration: 1, Kind: "propose", Input: "TIMEOUT pattern", Output: "raise step timeout", Cost: 0.5,
	}))
	require.NoError(t, s.UpdateAgentProgress(e.ID, 1, 0.5))

	require.NoError(t, s.FinalizeAgentExecution(e.ID, types.AgentSucceeded, time.Now().UTC(), 0.5))
	require.ErrorIs(t, s.FinalizeAgentExecution(e.ID, types.AgentFailed, time.Now().UTC(), 0.5), ErrTerminal)

	got, err := s.GetAgentExecution(e.ID)
	require.NoError(t, err)
	require.Equal(t, types.AgentSucceeded, got.Status)
	require.Len(t, got.ActionLog, 1)
	require.Equal(t, "propose", got.ActionLog[0].Kind)
}

func TestMigrationsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "qa.db")
	s, err := New(path)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// Reopening an existing database re-runs migrations harmlessly.
	s, err = New(path)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}
