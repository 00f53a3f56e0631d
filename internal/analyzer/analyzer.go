// Package analyzer is the windowed statistical engine over run
// history: stability labels, duration trends, failure pattern
// clusters, and suite health. All scoring is pure arithmetic; the
// store is touched only to fetch history rows.
package analyzer

import (
	"fmt"
	"math"
	"sort"
	"time"

	"qanerd/internal/classify"
	"qanerd/internal/logging"
	"qanerd/internal/store"
	"qanerd/internal/types"
)

// MinObservations is the floor below which a test gets no verdict.
const MinObservations = 3

// trendMinRuns is the per-test minimum for a duration trend call.
const trendMinRuns = 5

// StabilityLabel buckets a test by observed pass rate.
type StabilityLabel string

const (
	LabelStable       StabilityLabel = "STABLE"
	LabelMostlyStable StabilityLabel = "MOSTLY_STABLE"
	LabelFlaky        StabilityLabel = "FLAKY"
	LabelVeryFlaky    StabilityLabel = "VERY_FLAKY"
	LabelUnreliable   StabilityLabel = "UNRELIABLE"
)

// Flaky reports whether a label counts as flaky for suite aggregates
// and for the fix agent's stabilization check.
func (l StabilityLabel) Flaky() bool {
	switch l {
	case LabelFlaky, LabelVeryFlaky, LabelUnreliable:
		return true
	}
	return false
}

// Trend is the direction of recent duration movement.
type Trend string

const (
	TrendImproving        Trend = "IMPROVING"
	TrendDegrading        Trend = "DEGRADING"
	TrendStable           Trend = "STABLE"
	TrendInsufficientData Trend = "INSUFFICIENT_DATA"
)

// Window bounds an analysis to [From, To).
type Window struct {
	From time.Time
	To   time.Time
}

// LastDays returns a window covering the last n days up to now.
func LastDays(n int) Window {
	now := time.Now().UTC()
	return Window{From: now.AddDate(0, 0, -n), To: now}
}

// FlakyView is the per-test stability verdict.
type FlakyView struct {
	TestName       string         `json:"test_name"`
	Total          int            `json:"total_runs"`
	Passed         int            `json:"passed"`
	Failed         int            `json:"failed"`
	PassRate       float64        `json:"pass_rate"`
	FlakinessScore float64        `json:"flakiness_score"`
	Label          StabilityLabel `json:"label"`
}

// PerfView is the per-test duration profile.
type PerfView struct {
	TestName string  `json:"test_name"`
	Runs     int     `json:"runs"`
	MedianMs int64   `json:"median_ms"`
	MeanMs   float64 `json:"mean_ms"`
	MinMs    int64   `json:"min_ms"`
	MaxMs    int64   `json:"max_ms"`
	StddevMs float64 `json:"stddev_ms"`
	Trend    Trend   `json:"trend"`
}

// PatternView is one failure signature cluster in a window.
type PatternView struct {
	Signature     string   `json:"signature"`
	Category      string   `json:"category"`
	Count         int      `json:"count"`
	Percentage    float64  `json:"percentage"` // share of failed runs in the window
	AffectedTests []string `json:"affected_tests"`
	Browsers      []string `json:"browsers"`
}

// Health is the suite-level rollup.
type Health struct {
	Window        Window  `json:"-"`
	TotalTests    int     `json:"total_tests"`    // tests meeting the observation floor
	FlakyTests    int     `json:"flaky_tests"`    // label in the flaky family
	StableTests   int     `json:"stable_tests"`   // label STABLE
	FailingTests  int     `json:"failing_tests"`  // label UNRELIABLE
	PassRate      float64 `json:"pass_rate"`      // across all counted runs
	AvgFlakiness  float64 `json:"avg_flakiness"`  // mean per-test flakiness score
	OverallHealth float64 `json:"overall_health"` // 0.7*pass_rate + (1-flaky/total)*30, clamped
	TotalRuns     int     `json:"total_runs"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
}

// PassRate returns 100*P/N over a group of history rows.
func PassRate(rows []*types.RunHistory) float64 {
	if len(rows) == 0 {
		return 0
	}
	passed := 0
	for _, h := range rows {
		if h.Status == types.RunPassed {
			passed++
		}
	}
	return 100 * float64(passed) / float64(len(rows))
}

// FlakinessScore maps pass rate to instability: 0 at the extremes,
// 100 at a 50% pass rate. Symmetric around 50.
func FlakinessScore(passRate float64) float64 {
	return 100 - 2*math.Abs(passRate-50)
}

// Label assigns the stability bucket for a pass rate.
func Label(passRate float64) StabilityLabel {
	switch {
	case passRate >= 95:
		return LabelStable
	case passRate >= 80:
		return LabelMostlyStable
	case passRate >= 50:
		return LabelFlaky
	case passRate >= 20:
		return LabelVeryFlaky
	default:
		return LabelUnreliable
	}
}

// HealthScore blends suite pass rate with the flaky share of tests:
// clamp(0, 100, 0.7*passRate + (1 - flaky/total)*30).
func HealthScore(passRate float64, flaky, total int) float64 {
	if total <= 0 {
		return 0
	}
	score := 0.7*passRate + (1-float64(flaky)/float64(total))*30
	return math.Max(0, math.Min(100, score))
}

// DurationTrend compares the mean duration of the older half against
// the newer half. Ten percent slower reads DEGRADING, ten percent
// faster IMPROVING. Rows must be in execution order.
func DurationTrend(durations []int64) Trend {
	if len(durations) < trendMinRuns {
		return TrendInsufficientData
	}
	mid := len(durations) / 2
	older := mean(durations[:mid])
	newer := mean(durations[mid:])
	if older == 0 {
		return TrendStable
	}
	change := (newer - older) / older
	switch {
	case change >= 0.10:
		return TrendDegrading
	case change <= -0.10:
		return TrendImproving
	default:
		return TrendStable
	}
}

// Analyzer reads history from the store and scores it.
type Analyzer struct {
	store *store.Store
}

// New creates an analyzer over the given store.
func New(s *store.Store) *Analyzer {
	return &Analyzer{store: s}
}

// Flaky returns per-test stability verdicts for tests in the flaky
// family, sorted by flakiness score descending. Tests under the
// observation floor are excluded.
func (a *Analyzer) Flaky(w Window) ([]FlakyView, error) {
	groups, err := a.groups(w)
	if err != nil {
		return nil, err
	}

	var out []FlakyView
	for name, rows := range groups {
		if len(rows) < MinObservations {
			continue
		}
		view := flakyView(name, rows)
		if view.Label.Flaky() {
			out = append(out, view)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FlakinessScore != out[j].FlakinessScore {
			return out[i].FlakinessScore > out[j].FlakinessScore
		}
		return out[i].TestName < out[j].TestName
	})
	logging.Analyzer("flaky analysis: %d tests flagged in window", len(out))
	return out, nil
}

// AnalyzeTest returns the stability verdict for a single test,
// regardless of label. Under the observation floor it returns nil.
func (a *Analyzer) AnalyzeTest(testName string, w Window) (*FlakyView, error) {
	rows, err := a.store.HistoryBetween(w.From, w.To)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	var group []*types.RunHistory
	for _, h := range rows {
		if h.TestName == testName {
			group = append(group, h)
		}
	}
	if len(group) < MinObservations {
		return nil, nil
	}
	view := flakyView(testName, group)
	return &view, nil
}

// Perf returns per-test duration profiles, sorted by mean descending.
func (a *Analyzer) Perf(w Window) ([]PerfView, error) {
	groups, err := a.groups(w)
	if err != nil {
		return nil, err
	}

	var out []PerfView
	for name, rows := range groups {
		if len(rows) < MinObservations {
			continue
		}
		durations := make([]int64, len(rows)) // rows arrive in execution order
		for i, h := range rows {
			durations[i] = h.DurationMs
		}
		out = append(out, PerfView{
			TestName: name,
			Runs:     len(durations),
			MedianMs: median(durations),
			MeanMs:   mean(durations),
			MinMs:    minOf(durations),
			MaxMs:    maxOf(durations),
			StddevMs: stddev(durations),
			Trend:    DurationTrend(durations),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MeanMs > out[j].MeanMs })
	return out, nil
}

// Patterns clusters failed runs in the window by normalized signature.
func (a *Analyzer) Patterns(w Window) ([]PatternView, error) {
	rows, err := a.store.HistoryBetween(w.From, w.To)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}

	type cluster struct {
		count    int
		category string
		tests    map[string]bool
		browsers map[string]bool
	}
	clusters := make(map[string]*cluster)
	failed := 0
	for _, h := range rows {
		if h.Status != types.RunFailed && h.Status != types.RunError {
			continue
		}
		failed++
		sig := classify.NormalizeSignature(h.ErrorMessage)
		if sig == "" {
			sig = "(no error message)"
		}
		c, ok := clusters[sig]
		if !ok {
			c = &cluster{tests: make(map[string]bool), browsers: make(map[string]bool)}
			clusters[sig] = c
		}
		c.count++
		if c.category == "" {
			c.category = h.FailureType
		}
		c.tests[h.TestName] = true
		c.browsers[string(h.Browser)] = true
	}

	var out []PatternView
	for sig, c := range clusters {
		out = append(out, PatternView{
			Signature:     sig,
			Category:      c.category,
			Count:         c.count,
			Percentage:    100 * float64(c.count) / float64(failed),
			AffectedTests: sortedKeys(c.tests),
			Browsers:      sortedKeys(c.browsers),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Signature < out[j].Signature
	})
	return out, nil
}

// SuiteHealth rolls the whole window into one health record.
func (a *Analyzer) SuiteHealth(w Window) (*Health, error) {
	timer := logging.StartTimer(logging.CategoryAnalyzer, "SuiteHealth")
	defer timer.StopWithThreshold(5 * time.Second)

	groups, err := a.groups(w)
	if err != nil {
		return nil, err
	}

	h := &Health{Window: w}
	passed, counted := 0, 0
	var totalMs int64
	for _, rows := range groups {
		if len(rows) < MinObservations {
			continue
		}
		h.TotalTests++
		rate := PassRate(rows)
		h.AvgFlakiness += FlakinessScore(rate)
		switch label := Label(rate); {
		case label == LabelStable:
			h.StableTests++
		case label == LabelUnreliable:
			h.FailingTests++
			h.FlakyTests++
		case label.Flaky():
			h.FlakyTests++
		}
		for _, row := range rows {
			counted++
			totalMs += row.DurationMs
			if row.Status == types.RunPassed {
				passed++
			}
		}
	}
	if h.TotalTests > 0 {
		h.AvgFlakiness /= float64(h.TotalTests)
	}
	if counted > 0 {
		h.PassRate = 100 * float64(passed) / float64(counted)
		h.AvgDurationMs = float64(totalMs) / float64(counted)
	}
	h.TotalRuns = counted
	h.OverallHealth = HealthScore(h.PassRate, h.FlakyTests, h.TotalTests)
	return h, nil
}

// groups loads the window and buckets rows by test name, preserving
// execution order within each bucket.
func (a *Analyzer) groups(w Window) (map[string][]*types.RunHistory, error) {
	rows, err := a.store.HistoryBetween(w.From, w.To)
	if err != nil {
		return nil, fmt.Errorf("failed to load history window: %w", err)
	}
	groups := make(map[string][]*types.RunHistory)
	for _, h := range rows {
		groups[h.TestName] = append(groups[h.TestName], h)
	}
	return groups, nil
}

func flakyView(name string, rows []*types.RunHistory) FlakyView {
	passed, failed := 0, 0
	for _, h := range rows {
		switch h.Status {
		case types.RunPassed:
			passed++
		case types.RunFailed, types.RunError:
			failed++
		}
	}
	rate := PassRate(rows)
	return FlakyView{
		TestName:       name,
		Total:          len(rows),
		Passed:         passed,
		Failed:         failed,
		PassRate:       rate,
		FlakinessScore: FlakinessScore(rate),
		Label:          Label(rate),
	}
}

func mean(values []int64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum int64
	for _, v := range values {
		sum += v
	}
	return float64(sum) / float64(len(values))
}

func median(values []int64) int64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]int64, len(values))
	copy(sorted, values)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

func stddev(values []int64) float64 {
	if len(values) < 2 {
		return 0
	}
	m := mean(values)
	var sum float64
	for _, v := range values {
		d := float64(v) - m
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(values)))
}

func minOf(values []int64) int64 {
	out := values[0]
	for _, v := range values[1:] {
		if v < out {
			out = v
		}
	}
	return out
}

func maxOf(values []int64) int64 {
	out := values[0]
	for _, v := range values[1:] {
		if v > out {
			out = v
		}
	}
	return out
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
