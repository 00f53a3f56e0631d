// Package types holds the shared value types for the qaNERD execution
// core: tests, runs, schedules, history rows, and agent executions.
// Entities are plain values; relations are expressed by id references
// and joins happen in the persistence adapter.
package types

import "time"

// RunStatus is the lifecycle state of a Run.
type RunStatus string

const (
	RunQueued    RunStatus = "QUEUED"
	RunRunning   RunStatus = "RUNNING"
	RunPassed    RunStatus = "PASSED"
	RunFailed    RunStatus = "FAILED"
	RunError     RunStatus = "ERROR"
	RunCancelled RunStatus = "CANCELLED"
)

// Terminal reports whether the status is write-once terminal.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunPassed, RunFailed, RunError, RunCancelled:
		return true
	}
	return false
}

// BrowserKind identifies a browser engine the driver port may launch.
type BrowserKind string

const (
	BrowserChrome   BrowserKind = "CHROME"
	BrowserFirefox  BrowserKind = "FIREFOX"
	BrowserEdge     BrowserKind = "EDGE"
	BrowserChromium BrowserKind = "CHROMIUM"
	BrowserWebKit   BrowserKind = "WEBKIT"
)

// TriggerSource records what submitted a run.
type TriggerSource string

const (
	TriggerAPI      TriggerSource = "API"
	TriggerSchedule TriggerSource = "SCHEDULE"
	TriggerAgent    TriggerSource = "AGENT"
)

// Test is a declarative UI test definition.
type Test struct {
	ID            string            `json:"id" yaml:"id"`
	Name          string            `json:"name" yaml:"name"`
	Framework     string            `json:"framework" yaml:"framework"`
	Script        Script            `json:"script" yaml:"script"`
	Active        bool              `json:"active" yaml:"active"`
	Priority      int               `json:"priority" yaml:"priority"`
	Notifications map[string]string `json:"notifications,omitempty" yaml:"notifications,omitempty"` // opaque passthrough
	CreatedAt     time.Time         `json:"created_at" yaml:"-"`
	UpdatedAt     time.Time         `json:"updated_at" yaml:"-"`
}

// Run is one execution of a Test, potentially internally retried.
type Run struct {
	ID              string        `json:"id"`
	TestID          string        `json:"test_id"`
	Status          RunStatus     `json:"status"`
	Browser         BrowserKind   `json:"browser"`
	Environment     string        `json:"environment"`
	StartedAt       time.Time     `json:"started_at,omitempty"`
	EndedAt         time.Time     `json:"ended_at,omitempty"`
	DurationMs      int64         `json:"duration_ms"`
	RetryCount      int           `json:"retry_count"`
	FailureCategory string        `json:"failure_category,omitempty"`
	ErrorSummary    string        `json:"error_summary,omitempty"`
	ArtifactRefs    []string      `json:"artifact_refs,omitempty"`
	LogRef          string        `json:"log_ref,omitempty"`
	TriggeredBy     TriggerSource `json:"triggered_by"`
	ScheduleID      string        `json:"schedule_id,omitempty"`
}

// ScheduleEntry is a cron-driven trigger feeding the orchestrator.
type ScheduleEntry struct {
	ID            string    `json:"id"`
	TestID        string    `json:"test_id"`
	CronExpr      string    `json:"cron_expr"`
	Timezone      string    `json:"timezone"`
	Enabled       bool      `json:"enabled"`
	Running       bool      `json:"running"`
	LastRunAt     time.Time `json:"last_run_at,omitempty"`
	NextRunAt     time.Time `json:"next_run_at,omitempty"`
	LastRunStatus RunStatus `json:"last_run_status,omitempty"`
	TotalRuns     int64     `json:"total_runs"`
	SuccessRuns   int64     `json:"success_runs"`
	FailureRuns   int64     `json:"failure_runs"`
	MissedFires   int64     `json:"missed_fires"`
}

// RunHistory is the append-only record written per terminal Run.
// It denormalizes the test name so analytics never joins live Run state.
type RunHistory struct {
	RunID        string      `json:"run_id"`
	TestName     string      `json:"test_name"`
	Status       RunStatus   `json:"status"`
	DurationMs   int64       `json:"duration_ms"`
	FailureType  string      `json:"failure_type,omitempty"`  // failure category
	ErrorMessage string      `json:"error_message,omitempty"` // raw first error line
	Browser      BrowserKind `json:"browser"`
	Environment  string      `json:"environment"`
	ExecutedAt   time.Time   `json:"executed_at"`
}

// QualitySnapshot aggregates one UTC calendar day of history.
type QualitySnapshot struct {
	Date              string  `json:"date"` // YYYY-MM-DD, UTC
	TotalTests        int     `json:"total_tests"`
	ActiveTests       int     `json:"active_tests"`
	StableTests       int     `json:"stable_tests"`
	FlakyTests        int     `json:"flaky_tests"`
	FailingTests      int     `json:"failing_tests"`
	AvgPassRate       float64 `json:"avg_pass_rate"`
	AvgFlakinessScore float64 `json:"avg_flakiness_score"`
	OverallHealth     float64 `json:"overall_health_score"`
	TotalExecutions   int64   `json:"total_executions"`
	AvgExecutionMs    float64 `json:"avg_execution_ms"`
}

// FailurePattern clusters failures by normalized signature.
// (TestName, Signature) is unique; merges increment Occurrences.
type FailurePattern struct {
	TestName    string    `json:"test_name"`
	Signature   string    `json:"error_signature"`
	Category    string    `json:"category"`
	Occurrences int64     `json:"occurrences"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
	ImpactScore float64   `json:"impact_score"`
	Resolved    bool      `json:"resolved"`
}

// AgentStatus is the lifecycle state of an agent execution.
type AgentStatus string

const (
	AgentRunning        AgentStatus = "RUNNING"
	AgentWaiting        AgentStatus = "WAITING"
	AgentSucceeded      AgentStatus = "SUCCEEDED"
	AgentFailed         AgentStatus = "FAILED"
	AgentStopped        AgentStatus = "STOPPED"
	AgentTimeout        AgentStatus = "TIMEOUT"
	AgentBudgetExceeded AgentStatus = "BUDGET_EXCEEDED"
)

// Terminal reports whether the agent status is write-once terminal.
func (s AgentStatus) Terminal() bool {
	switch s {
	case AgentSucceeded, AgentFailed, AgentStopped, AgentTimeout, AgentBudgetExceeded:
		return true
	}
	return false
}

// AgentAction is one append-only action-log entry.
type AgentAction struct {
	Iteration int       `json:"iteration"`
	Kind      string    `json:"kind"`
	Input     string    `json:"input,omitempty"`
	Output    string    `json:"output,omitempty"`
	Error     string    `json:"error,omitempty"`
	Cost      float64   `json:"cost"`
	Timestamp time.Time `json:"ts"`
}

// AgentExecution tracks one autonomous agent loop.
type AgentExecution struct {
	ID          string        `json:"id"`
	AgentKind   string        `json:"agent_kind"`
	Status      AgentStatus   `json:"status"`
	Goal        string        `json:"goal"`
	CurrentIter int           `json:"current_iter"`
	MaxIter     int           `json:"max_iter"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at,omitempty"`
	TotalCost   float64       `json:"total_cost"`
	ActionLog   []AgentAction `json:"action_log,omitempty"`
}
