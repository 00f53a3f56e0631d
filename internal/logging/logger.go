// Package logging provides config-driven categorized file-based logging
// for qaNERD. Logs are written to .qanerd/logs/ with separate files per
// category. Logging is controlled by debug_mode in the config - when
// false, no category logs are written. Structured operational logging
// goes through zap at the entrypoints; this package exists for deep
// per-subsystem traces that would drown a production logger.
package logging

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Category represents a log category/subsystem.
type Category string

const (
	CategoryBoot         Category = "boot"         // Boot/initialization
	CategoryOrchestrator Category = "orchestrator" // Job queue, workers, run lifecycle
	CategoryScheduler    Category = "scheduler"    // Cron ticks, overlap prevention
	CategoryBrowser      Category = "browser"      // Driver port, CDP sessions
	CategoryClassifier   Category = "classifier"   // Failure classification decisions
	CategoryRetry        Category = "retry"        // Retry attempts and backoff
	CategoryArtifact     Category = "artifact"     // Artifact store operations
	CategoryHistory      Category = "history"      // History recorder, patterns, snapshots
	CategoryAnalyzer     Category = "analyzer"     // Flakiness analysis
	CategoryAgent        Category = "agent"        // Autonomous fix agent
	CategoryStore        Category = "store"        // SQLite persistence
)

// Settings mirrors the logging block of the main config to avoid a
// circular import.
type Settings struct {
	DebugMode  bool            `json:"debug_mode" yaml:"debug_mode"`
	Categories map[string]bool `json:"categories" yaml:"categories"`
	Level      string          `json:"level" yaml:"level"`
	JSONFormat bool            `json:"json_format" yaml:"json_format"`
}

// entry is the structured JSON form of one log line.
type entry struct {
	Timestamp int64          `json:"ts"`
	Category  string         `json:"cat"`
	Level     string         `json:"lvl"`
	Message   string         `json:"msg"`
	RunID     string         `json:"run,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Logger wraps a standard logger with category and file output.
type Logger struct {
	category Category
	logger   *log.Logger
	file     *os.File
}

var (
	loggersMu sync.RWMutex
	loggers   = make(map[Category]*Logger)

	configMu sync.RWMutex
	settings Settings
	logsDir  string
	logLevel int
)

// Log levels.
const (
	LevelDebug = 0
	LevelInfo  = 1
	LevelWarn  = 2
	LevelError = 3
)

// Initialize sets up the logging directory from the given settings.
// Should be called once at startup with the workspace path. Safe to
// call again on config reload.
func Initialize(workspace string, s Settings) error {
	if workspace == "" {
		return fmt.Errorf("workspace path required")
	}

	configMu.Lock()
	settings = s
	logsDir = filepath.Join(workspace, ".qanerd", "logs")
	switch s.Level {
	case "debug":
		logLevel = LevelDebug
	case "warn", "warning":
		logLevel = LevelWarn
	case "error":
		logLevel = LevelError
	default:
		logLevel = LevelInfo
	}
	configMu.Unlock()

	// Silent no-op in production mode.
	if !s.DebugMode {
		return nil
	}

	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	boot := Get(CategoryBoot)
	boot.Info("=== qaNERD logging initialized ===")
	boot.Info("Logs directory: %s", logsDir)
	boot.Info("Log level: %s", s.Level)
	return nil
}

// Reload swaps the active settings at runtime (config hot reload).
func Reload(s Settings) {
	configMu.Lock()
	settings = s
	configMu.Unlock()
}

// IsDebugMode returns whether debug logging is enabled.
func IsDebugMode() bool {
	configMu.RLock()
	defer configMu.RUnlock()
	return settings.DebugMode
}

// IsCategoryEnabled returns whether a specific category is enabled.
func IsCategoryEnabled(category Category) bool {
	configMu.RLock()
	defer configMu.RUnlock()

	if !settings.DebugMode {
		return false
	}
	if settings.Categories == nil {
		return true // all enabled by default in debug mode
	}
	enabled, exists := settings.Categories[string(category)]
	if !exists {
		return true
	}
	return enabled
}

// Get returns (or creates) a logger for the given category.
// Returns a no-op logger if debug mode or the category is disabled.
func Get(category Category) *Logger {
	if !IsCategoryEnabled(category) || logsDir == "" {
		return &Logger{category: category}
	}

	loggersMu.RLock()
	if l, ok := loggers[category]; ok {
		loggersMu.RUnlock()
		return l
	}
	loggersMu.RUnlock()

	loggersMu.Lock()
	defer loggersMu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}

	// Date prefix for easy rotation.
	date := time.Now().UTC().Format("2006-01-02")
	logPath := filepath.Join(logsDir, fmt.Sprintf("%s_%s.log", date, category))

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[logging] Warning: could not open log file %s: %v\n", logPath, err)
		return &Logger{category: category}
	}

	l := &Logger{
		category: category,
		file:     file,
		logger:   log.New(file, "", log.Ldate|log.Ltime|log.Lmicroseconds),
	}
	loggers[category] = l
	return l
}

func (l *Logger) write(level, msg string) {
	configMu.RLock()
	jsonFormat := settings.JSONFormat
	configMu.RUnlock()

	if jsonFormat {
		e := entry{
			Timestamp: time.Now().UnixMilli(),
			Category:  string(l.category),
			Level:     level,
			Message:   msg,
		}
		if data, err := json.Marshal(e); err == nil {
			l.logger.Printf("%s", data)
			return
		}
	}
	l.logger.Printf("[%s] %s", level, msg)
}

// Debug logs a debug message (only if level <= debug).
func (l *Logger) Debug(format string, args ...any) {
	if l.logger == nil || logLevel > LevelDebug {
		return
	}
	l.write("DEBUG", fmt.Sprintf(format, args...))
}

// Info logs an informational message (only if level <= info).
func (l *Logger) Info(format string, args ...any) {
	if l.logger == nil || logLevel > LevelInfo {
		return
	}
	l.write("INFO", fmt.Sprintf(format, args...))
}

// Warn logs a warning message (only if level <= warn).
func (l *Logger) Warn(format string, args ...any) {
	if l.logger == nil || logLevel > LevelWarn {
		return
	}
	l.write("WARN", fmt.Sprintf(format, args...))
}

// Error logs an error message (always logged if logger exists).
func (l *Logger) Error(format string, args ...any) {
	if l.logger == nil {
		return
	}
	l.write("ERROR", fmt.Sprintf(format, args...))
}

// WithRun returns a run-scoped logger that prefixes a correlation id.
func (l *Logger) WithRun(runID string) *RunLogger {
	return &RunLogger{logger: l, runID: runID}
}

// RunLogger provides run-scoped logging with a correlation id.
type RunLogger struct {
	logger *Logger
	runID  string
}

func (r *RunLogger) Debug(format string, args ...any) {
	r.logger.Debug("[run:%s] %s", r.runID, fmt.Sprintf(format, args...))
}

func (r *RunLogger) Info(format string, args ...any) {
	r.logger.Info("[run:%s] %s", r.runID, fmt.Sprintf(format, args...))
}

func (r *RunLogger) Warn(format string, args ...any) {
	r.logger.Warn("[run:%s] %s", r.runID, fmt.Sprintf(format, args...))
}

func (r *RunLogger) Error(format string, args ...any) {
	r.logger.Error("[run:%s] %s", r.runID, fmt.Sprintf(format, args...))
}

// CloseAll closes all open log files (call at shutdown).
func CloseAll() {
	loggersMu.Lock()
	defer loggersMu.Unlock()
	for _, l := range loggers {
		if l.file != nil {
			l.file.Close()
		}
	}
	loggers = make(map[Category]*Logger)
}

// Convenience functions: no-ops if the category is disabled.

// Orchestrator logs to the orchestrator category.
func Orchestrator(format string, args ...any) { Get(CategoryOrchestrator).Info(format, args...) }

// OrchestratorDebug logs debug to the orchestrator category.
func OrchestratorDebug(format string, args ...any) { Get(CategoryOrchestrator).Debug(format, args...) }

// Scheduler logs to the scheduler category.
func Scheduler(format string, args ...any) { Get(CategoryScheduler).Info(format, args...) }

// SchedulerDebug logs debug to the scheduler category.
func SchedulerDebug(format string, args ...any) { Get(CategoryScheduler).Debug(format, args...) }

// Browser logs to the browser category.
func Browser(format string, args ...any) { Get(CategoryBrowser).Info(format, args...) }

// BrowserDebug logs debug to the browser category.
func BrowserDebug(format string, args ...any) { Get(CategoryBrowser).Debug(format, args...) }

// Artifact logs to the artifact category.
func Artifact(format string, args ...any) { Get(CategoryArtifact).Info(format, args...) }

// History logs to the history category.
func History(format string, args ...any) { Get(CategoryHistory).Info(format, args...) }

// Analyzer logs to the analyzer category.
func Analyzer(format string, args ...any) { Get(CategoryAnalyzer).Info(format, args...) }

// Agent logs to the agent category.
func Agent(format string, args ...any) { Get(CategoryAgent).Info(format, args...) }

// AgentDebug logs debug to the agent category.
func AgentDebug(format string, args ...any) { Get(CategoryAgent).Debug(format, args...) }

// Store logs to the store category.
func Store(format string, args ...any) { Get(CategoryStore).Info(format, args...) }

// StoreDebug logs debug to the store category.
func StoreDebug(format string, args ...any) { Get(CategoryStore).Debug(format, args...) }

// Timer helps measure operation duration.
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation.
func StartTimer(category Category, operation string) *Timer {
	return &Timer{category: category, op: operation, start: time.Now()}
}

// Stop ends the timer and logs the duration at debug level.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold logs a warning if duration exceeds threshold.
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}
