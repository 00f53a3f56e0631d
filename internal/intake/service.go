// Package intake is the protocol-agnostic v1 service surface. It
// validates requests, delegates to the components, and translates
// their errors into the typed kind set. Transport bindings live
// elsewhere; nothing here knows about HTTP.
package intake

import (
	"strings"
	"time"

	"qanerd/internal/agent"
	"qanerd/internal/analyzer"
	"qanerd/internal/artifact"
	"qanerd/internal/config"
	"qanerd/internal/orchestrator"
	"qanerd/internal/scheduler"
	"qanerd/internal/store"
	"qanerd/internal/types"
)

const (
	defaultPageSize = 100
	maxPageSize     = 500
)

// Service is the v1 operation set over the wired components.
type Service struct {
	store     *store.Store
	orch      *orchestrator.Orchestrator
	sched     *scheduler.Scheduler
	artifacts *artifact.Store
	analyzer  *analyzer.Analyzer
	agents    *agent.Runner
}

// NewService wires the intake surface.
func NewService(st *store.Store, orch *orchestrator.Orchestrator, sched *scheduler.Scheduler,
	arts *artifact.Store, an *analyzer.Analyzer, agents *agent.Runner) *Service {
	return &Service{
		store:     st,
		orch:      orch,
		sched:     sched,
		artifacts: arts,
		analyzer:  an,
		agents:    agents,
	}
}

// CreateTestRequest registers a test definition.
type CreateTestRequest struct {
	Name      string `json:"name"`
	Framework string `json:"framework"`
	// Script is the YAML step payload.
	Script   []byte `json:"script"`
	Priority int    `json:"priority"`
}

// CreateTest validates and registers a test, returning its id.
func (s *Service) CreateTest(req CreateTestRequest) (string, error) {
	if strings.TrimSpace(req.Name) == "" {
		return "", Errorf(KindValidation, "test name is required")
	}
	script, err := types.ParseScript(req.Script)
	if err != nil {
		return "", Errorf(KindValidation, "invalid script: %v", err)
	}

	test := &types.Test{
		Name:      req.Name,
		Framework: req.Framework,
		Script:    script,
		Priority:  req.Priority,
		Active:    true,
	}
	if err := s.store.SaveTest(test); err != nil {
		return "", wrap(err)
	}
	return test.ID, nil
}

// GetTest loads a test by id.
func (s *Service) GetTest(id string) (*types.Test, error) {
	test, err := s.store.GetTest(id)
	return test, wrap(err)
}

// ListTests returns registered tests.
func (s *Service) ListTests(activeOnly bool) ([]*types.Test, error) {
	tests, err := s.store.ListTests(activeOnly)
	return tests, wrap(err)
}

// SubmitRunRequest enqueues one run.
type SubmitRunRequest struct {
	TestID      string `json:"test_id"`
	Browser     string `json:"browser,omitempty"`
	Environment string `json:"environment,omitempty"`
	// RetryOverride replaces the configured default policy when set.
	RetryOverride *config.RetryConfig `json:"retry_override,omitempty"`
}

var browserKinds = map[types.BrowserKind]bool{
	types.BrowserChrome:   true,
	types.BrowserFirefox:  true,
	types.BrowserEdge:     true,
	types.BrowserChromium: true,
	types.BrowserWebKit:   true,
}

// SubmitRun enqueues a run and returns its id in QUEUED state.
func (s *Service) SubmitRun(req SubmitRunRequest) (string, error) {
	if req.TestID == "" {
		return "", Errorf(KindValidation, "test id is required")
	}
	kind := types.BrowserKind(strings.ToUpper(req.Browser))
	if req.Browser != "" && !browserKinds[kind] {
		return "", Errorf(KindValidation, "unknown browser %q", req.Browser)
	}

	runID, err := s.orch.Submit(req.TestID, orchestrator.Options{
		Browser:     kind,
		Environment: req.Environment,
		TriggeredBy: types.TriggerAPI,
		RetryPolicy: req.RetryOverride,
	})
	return runID, wrap(err)
}

// GetRun returns the current view of a run.
func (s *Service) GetRun(runID string) (*types.Run, error) {
	run, err := s.orch.Get(runID)
	return run, wrap(err)
}

// CancelRun requests cooperative cancellation.
func (s *Service) CancelRun(runID string) error {
	return wrap(s.orch.Cancel(runID))
}

// ListRunsRequest filters and pages the run index.
type ListRunsRequest struct {
	TestID string    `json:"test_id,omitempty"`
	Status string    `json:"status,omitempty"`
	From   time.Time `json:"from,omitempty"`
	To     time.Time `json:"to,omitempty"`
	Limit  int       `json:"limit,omitempty"`
	Offset int       `json:"offset,omitempty"`
}

var runStatuses = map[types.RunStatus]bool{
	types.RunQueued:    true,
	types.RunRunning:   true,
	types.RunPassed:    true,
	types.RunFailed:    true,
	types.RunError:     true,
	types.RunCancelled: true,
}

// ListRuns returns a page of runs.
func (s *Service) ListRuns(req ListRunsRequest) ([]*types.Run, error) {
	status := types.RunStatus(strings.ToUpper(req.Status))
	if req.Status != "" && !runStatuses[status] {
		return nil, Errorf(KindValidation, "unknown run status %q", req.Status)
	}
	if req.Limit < 0 || req.Offset < 0 {
		return nil, Errorf(KindValidation, "limit and offset must be non-negative")
	}
	if !req.From.IsZero() && !req.To.IsZero() && req.To.Before(req.From) {
		return nil, Errorf(KindValidation, "time window ends before it starts")
	}

	limit := req.Limit
	if limit == 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	runs, err := s.orch.List(store.RunFilter{
		TestID: req.TestID,
		Status: status,
		From:   req.From,
		To:     req.To,
		Limit:  limit,
		Offset: req.Offset,
	})
	return runs, wrap(err)
}

// UploadArtifact stores bytes for a run and returns the key.
func (s *Service) UploadArtifact(runID, kind, name string, data []byte) (string, error) {
	if runID == "" {
		return "", Errorf(KindValidation, "run id is required")
	}
	key, err := s.artifacts.Put(runID, artifact.Kind(strings.ToUpper(kind)), data, name)
	return key, wrap(err)
}

// DownloadArtifact reads one artifact by key.
func (s *Service) DownloadArtifact(key string) ([]byte, error) {
	data, err := s.artifacts.Get(key)
	return data, wrap(err)
}

// ListArtifacts enumerates a run's artifacts.
func (s *Service) ListArtifacts(runID string) ([]artifact.Info, error) {
	infos, err := s.artifacts.List(runID)
	return infos, wrap(err)
}

// DeleteArtifacts removes one key, or all of a run's artifacts when
// key is empty, and returns the count removed. Deleting an empty run
// namespace succeeds with zero.
func (s *Service) DeleteArtifacts(runID, key string) (int, error) {
	if key != "" {
		if err := s.artifacts.DeleteKey(key); err != nil {
			return 0, wrap(err)
		}
		return 1, nil
	}
	n, err := s.artifacts.Delete(runID)
	return n, wrap(err)
}

// ArtifactStats summarizes the artifact store.
func (s *Service) ArtifactStats() (artifact.Stats, error) {
	stats, err := s.artifacts.Stats()
	return stats, wrap(err)
}

// CreateSchedule registers a cron trigger for a test.
func (s *Service) CreateSchedule(testID, cronExpr, timezone string) (*types.ScheduleEntry, error) {
	if testID == "" {
		return nil, Errorf(KindValidation, "test id is required")
	}
	entry, err := s.sched.Create(testID, cronExpr, timezone)
	return entry, wrap(err)
}

// UpdateSchedule replaces a schedule's cron expression and timezone.
func (s *Service) UpdateSchedule(id, cronExpr, timezone string) error {
	return wrap(s.sched.Update(id, cronExpr, timezone))
}

// SetScheduleEnabled flips a schedule on or off.
func (s *Service) SetScheduleEnabled(id string, enabled bool) error {
	return wrap(s.sched.SetEnabled(id, enabled))
}

// DeleteSchedule removes a schedule.
func (s *Service) DeleteSchedule(id string) error {
	return wrap(s.sched.Delete(id))
}

// ListSchedules returns all schedules.
func (s *Service) ListSchedules() ([]*types.ScheduleEntry, error) {
	entries, err := s.sched.List()
	return entries, wrap(err)
}

// TriggerSchedule fires a schedule out of band and returns the run id.
func (s *Service) TriggerSchedule(id string) (string, error) {
	runID, err := s.sched.TriggerNow(id)
	return runID, wrap(err)
}

// windowOf bounds analytics to the last n days; zero means a week.
func windowOf(days int) analyzer.Window {
	if days <= 0 {
		days = 7
	}
	return analyzer.LastDays(days)
}

// Flaky returns flaky-family verdicts over the last n days.
func (s *Service) Flaky(days int) ([]analyzer.FlakyView, error) {
	views, err := s.analyzer.Flaky(windowOf(days))
	return views, wrap(err)
}

// AnalyzeTest returns one test's stability verdict, or nil below the
// observation floor.
func (s *Service) AnalyzeTest(testName string, days int) (*analyzer.FlakyView, error) {
	view, err := s.analyzer.AnalyzeTest(testName, windowOf(days))
	return view, wrap(err)
}

// Perf returns duration profiles over the last n days.
func (s *Service) Perf(days int) ([]analyzer.PerfView, error) {
	views, err := s.analyzer.Perf(windowOf(days))
	return views, wrap(err)
}

// Patterns returns failure signature clusters over the last n days.
func (s *Service) Patterns(days int) ([]analyzer.PatternView, error) {
	views, err := s.analyzer.Patterns(windowOf(days))
	return views, wrap(err)
}

// SuiteHealth returns the suite rollup over the last n days.
func (s *Service) SuiteHealth(days int) (*analyzer.Health, error) {
	health, err := s.analyzer.SuiteHealth(windowOf(days))
	return health, wrap(err)
}

// StartAgent launches an agent loop and returns its execution id.
// Kind selects the loop; goal names the target test.
func (s *Service) StartAgent(kind, goal string) (string, error) {
	if kind != agent.KindStabilize {
		return "", Errorf(KindValidation, "unknown agent kind %q", kind)
	}
	if strings.TrimSpace(goal) == "" {
		return "", Errorf(KindValidation, "agent goal (test name) is required")
	}
	id, err := s.agents.Stabilize(goal)
	return id, wrap(err)
}

// StopAgent raises an agent's stop flag.
func (s *Service) StopAgent(id string) error {
	return wrap(s.agents.Stop(id))
}

// GetAgent returns an agent execution with its action log.
func (s *Service) GetAgent(id string) (*types.AgentExecution, error) {
	exec, err := s.agents.Get(id)
	return exec, wrap(err)
}
