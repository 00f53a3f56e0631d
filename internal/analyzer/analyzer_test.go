package analyzer

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"qanerd/internal/store"
	"qanerd/internal/types"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "qa.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

var testBase = time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC)

func seedRuns(t *testing.T, s *store.Store, name string, passed, failed int, durations ...int64) {
	t.Helper()
	i := 0
	record := func(status types.RunStatus, errMsg string) {
		var d int64 = 1000
		if i < len(durations) {
			d = durations[i]
		}
		failureType := ""
		if status != types.RunPassed {
			failureType = "TIMEOUT"
		}
		require.NoError(t, s.InsertHistory(&types.RunHistory{
			RunID:        fmt.Sprintf("%s-%d", name, i),
			TestName:     name,
			Status:       status,
			DurationMs:   d,
			FailureType:  failureType,
			ErrorMessage: errMsg,
			Browser:      types.BrowserChrome,
			ExecutedAt:   testBase.Add(time.Duration(i) * time.Minute),
		}))
		i++
	}
	for n := 0; n < passed; n++ {
		record(types.RunPassed, "")
	}
	for n := 0; n < failed; n++ {
		record(types.RunFailed, "timeout waiting for #pay-42")
	}
}

func window() Window {
	return Window{From: testBase.Add(-time.Hour), To: testBase.Add(24 * time.Hour)}
}

func TestFlakinessSymmetry(t *testing.T) {
	for p := 0.0; p <= 50; p += 5 {
		require.InDelta(t, FlakinessScore(p), FlakinessScore(100-p), 1e-9)
	}
	require.Equal(t, 100.0, FlakinessScore(50))
	require.Equal(t, 0.0, FlakinessScore(0))
	require.Equal(t, 0.0, FlakinessScore(100))
}

func TestLabelMonotonicity(t *testing.T) {
	order := map[StabilityLabel]int{
		LabelUnreliable: 0, LabelVeryFlaky: 1, LabelFlaky: 2,
		LabelMostlyStable: 3, LabelStable: 4,
	}
	prev := -1
	for p := 0.0; p <= 100; p++ {
		rank := order[Label(p)]
		require.GreaterOrEqual(t, rank, prev, "label must not get less stable as pass rate rises (p=%v)", p)
		prev = rank
	}
	// Boundary pins.
	require.Equal(t, LabelStable, Label(95))
	require.Equal(t, LabelMostlyStable, Label(94.9))
	require.Equal(t, LabelMostlyStable, Label(80))
	require.Equal(t, LabelFlaky, Label(79.9))
	require.Equal(t, LabelFlaky, Label(50))
	require.Equal(t, LabelVeryFlaky, Label(49.9))
	require.Equal(t, LabelVeryFlaky, Label(20))
	require.Equal(t, LabelUnreliable, Label(19.9))
}

func TestFlakinessLabeling(t *testing.T) {
	s := newTestStore(t)
	seedRuns(t, s, "half-and-half", 5, 5)
	a := New(s)

	view, err := a.AnalyzeTest("half-and-half", window())
	require.NoError(t, err)
	require.NotNil(t, view)
	require.Equal(t, 50.0, view.PassRate)
	require.Equal(t, 100.0, view.FlakinessScore)
	require.Equal(t, LabelFlaky, view.Label)
}

func TestStableLabeling(t *testing.T) {
	s := newTestStore(t)
	seedRuns(t, s, "mostly-green", 95, 5)
	a := New(s)

	view, err := a.AnalyzeTest("mostly-green", window())
	require.NoError(t, err)
	require.NotNil(t, view)
	require.Equal(t, 95.0, view.PassRate)
	require.Equal(t, 10.0, view.FlakinessScore)
	require.Equal(t, LabelStable, view.Label)
}

func TestMinObservationsFloor(t *testing.T) {
	s := newTestStore(t)
	seedRuns(t, s, "barely-run", 1, 1)
	a := New(s)

	view, err := a.AnalyzeTest("barely-run", window())
	require.NoError(t, err)
	require.Nil(t, view)

	flaky, err := a.Flaky(window())
	require.NoError(t, err)
	require.Empty(t, flaky)
}

func TestFlakySortedByScore(t *testing.T) {
	s := newTestStore(t)
	seedRuns(t, s, "coin-flip", 5, 5)   // flakiness 100
	seedRuns(t, s, "mostly-bad", 3, 7)  // pass 30, flakiness 60
	seedRuns(t, s, "solid", 10, 0)      // stable, excluded
	a := New(s)

	flaky, err := a.Flaky(window())
	require.NoError(t, err)
	require.Len(t, flaky, 2)
	require.Equal(t, "coin-flip", flaky[0].TestName)
	require.Equal(t, "mostly-bad", flaky[1].TestName)
	require.Equal(t, LabelVeryFlaky, flaky[1].Label)
}

func TestDurationTrend(t *testing.T) {
	require.Equal(t, TrendInsufficientData, DurationTrend([]int64{100, 100, 100, 100}))
	require.Equal(t, TrendStable, DurationTrend([]int64{100, 100, 100, 100, 100, 105, 100, 100, 100, 100}))
	require.Equal(t, TrendDegrading, DurationTrend([]int64{100, 100, 100, 100, 100, 150, 150, 150, 150, 150}))
	require.Equal(t, TrendImproving, DurationTrend([]int64{150, 150, 150, 150, 150, 100, 100, 100, 100, 100}))
}

func TestPerfViews(t *testing.T) {
	s := newTestStore(t)
	seedRuns(t, s, "slowpoke", 6, 0, 100, 200, 300, 400, 500, 600)
	a := New(s)

	perf, err := a.Perf(window())
	require.NoError(t, err)
	require.Len(t, perf, 1)
	p := perf[0]
	require.Equal(t, int64(350), p.MedianMs)
	require.InDelta(t, 350.0, p.MeanMs, 1e-9)
	require.Equal(t, int64(100), p.MinMs)
	require.Equal(t, int64(600), p.MaxMs)
	require.Equal(t, TrendDegrading, p.Trend)
}

func TestPatternClustering(t *testing.T) {
	s := newTestStore(t)
	seedRuns(t, s, "checkout", 2, 3)
	seedRuns(t, s, "cart", 2, 1)
	a := New(s)

	patterns, err := a.Patterns(window())
	require.NoError(t, err)
	require.Len(t, patterns, 1)
	p := patterns[0]
	require.Equal(t, "timeout waiting for #pay-N", p.Signature)
	require.Equal(t, 4, p.Count)
	require.InDelta(t, 100.0, p.Percentage, 1e-9)
	require.Equal(t, []string{"cart", "checkout"}, p.AffectedTests)
	require.Equal(t, []string{"CHROME"}, p.Browsers)
}

func TestSuiteHealth(t *testing.T) {
	s := newTestStore(t)
	seedRuns(t, s, "solid", 10, 0)
	seedRuns(t, s, "coin-flip", 5, 5)
	a := New(s)

	h, err := a.SuiteHealth(window())
	require.NoError(t, err)
	require.Equal(t, 2, h.TotalTests)
	require.Equal(t, 1, h.StableTests)
	require.Equal(t, 1, h.FlakyTests)
	require.Equal(t, 20, h.TotalRuns)
	require.InDelta(t, 75.0, h.PassRate, 1e-9)
	// 0.7*75 + (1 - 1/2)*30 = 52.5 + 15 = 67.5
	require.InDelta(t, 67.5, h.OverallHealth, 1e-9)
}

func TestHealthScoreClamped(t *testing.T) {
	require.Equal(t, 100.0, HealthScore(100, 0, 10))
	require.Equal(t, 0.0, HealthScore(0, 10, 10))
	require.Equal(t, 0.0, HealthScore(0, 0, 0))
}
