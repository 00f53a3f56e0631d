package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"qanerd/internal/agent"
	"qanerd/internal/analyzer"
	"qanerd/internal/artifact"
	"qanerd/internal/browser"
	"qanerd/internal/config"
	"qanerd/internal/history"
	"qanerd/internal/intake"
	"qanerd/internal/logging"
	"qanerd/internal/orchestrator"
	"qanerd/internal/scheduler"
	"qanerd/internal/store"
	"qanerd/internal/types"
)

var (
	// Global flags
	verbose   bool
	workspace string
	days      int
	sweepDays int

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "qanerd",
	Short: "qaNERD - autonomous QA execution platform",
	Long: `qaNERD runs declarative browser tests through a bounded worker pool,
classifies failures, retries transient ones, schedules suites on cron,
tracks flakiness over time, and can loop an autonomous agent toward
stabilizing a flaky test.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zapCfg := zap.NewProductionConfig()
		if verbose {
			zapCfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zapCfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		if workspace == "" {
			workspace, err = os.Getwd()
			if err != nil {
				return err
			}
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// runtime is the wired component graph behind every subcommand.
type runtime struct {
	cfg    config.Config
	store  *store.Store
	arts   *artifact.Store
	rec    *history.Recorder
	driver *browser.RodDriver
	orch   *orchestrator.Orchestrator
	sched  *scheduler.Scheduler
	agents *agent.Runner
	svc    *intake.Service
}

func newRuntime() (*runtime, error) {
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, err
	}
	if err := logging.Initialize(workspace, cfg.Logging); err != nil {
		return nil, err
	}

	st, err := store.New(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}
	arts, err := artifact.NewStore(cfg.Artifact)
	if err != nil {
		st.Close()
		return nil, err
	}

	rec := history.NewRecorder(st, 256)
	driver := browser.NewRodDriver(cfg.Browser)
	orch := orchestrator.New(cfg.Execution, cfg.Retry, st, driver, arts, rec)
	sched := scheduler.New(cfg.Scheduler, st, orch)
	an := analyzer.New(st)
	agents := agent.NewRunner(cfg.Agent, st, an, orch, &agent.TimeoutProposer{CostPerCall: 0.25})

	return &runtime{
		cfg:    cfg,
		store:  st,
		arts:   arts,
		rec:    rec,
		driver: driver,
		orch:   orch,
		sched:  sched,
		agents: agents,
		svc:    intake.NewService(st, orch, sched, arts, an, agents),
	}, nil
}

func (rt *runtime) close() {
	rt.agents.Close()
	rt.orch.Close()
	rt.rec.Close()
	if err := rt.driver.Close(); err != nil {
		logger.Warn("browser shutdown failed", zap.Error(err))
	}
	if err := rt.store.Close(); err != nil {
		logger.Warn("store shutdown failed", zap.Error(err))
	}
}

// testFile is the on-disk YAML shape accepted by `qanerd run`.
type testFile struct {
	Name      string       `yaml:"name"`
	Framework string       `yaml:"framework"`
	Priority  int          `yaml:"priority"`
	Script    types.Script `yaml:"script"`
}

var runCmd = &cobra.Command{
	Use:   "run [test.yaml]",
	Short: "Register a test from a YAML file and execute it once",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		var tf testFile
		if err := yaml.Unmarshal(data, &tf); err != nil {
			return fmt.Errorf("failed to parse test file: %w", err)
		}
		if tf.Name == "" {
			return fmt.Errorf("test file must set name")
		}
		if err := tf.Script.Validate(); err != nil {
			return fmt.Errorf("invalid script: %w", err)
		}

		rt, err := newRuntime()
		if err != nil {
			return err
		}
		defer rt.close()

		test, err := rt.store.GetTestByName(tf.Name)
		if err != nil {
			test = &types.Test{Name: tf.Name, Active: true}
		}
		test.Framework = tf.Framework
		test.Priority = tf.Priority
		test.Script = tf.Script
		if err := rt.store.SaveTest(test); err != nil {
			return err
		}

		runID, err := rt.orch.Submit(test.ID, orchestrator.Options{
			Environment: rt.cfg.Environment,
			TriggeredBy: types.TriggerAPI,
		})
		if err != nil {
			return err
		}
		logger.Info("run submitted", zap.String("run_id", runID), zap.String("test", test.Name))

		// Ctrl-C cancels the run cooperatively instead of killing it.
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
		go func() {
			<-sigCh
			logger.Info("cancelling run on signal")
			if err := rt.orch.Cancel(runID); err != nil {
				logger.Warn("cancel failed", zap.Error(err))
			}
		}()

		run := waitTerminal(rt, runID)
		fmt.Printf("Run %s: %s", run.ID, run.Status)
		if run.FailureCategory != "" {
			fmt.Printf(" (%s)", run.FailureCategory)
		}
		fmt.Printf(" in %dms, %d retries\n", run.DurationMs, run.RetryCount)
		if run.ErrorSummary != "" {
			fmt.Printf("  %s\n", run.ErrorSummary)
		}
		if run.LogRef != "" {
			fmt.Printf("  log: %s\n", run.LogRef)
		}
		for _, ref := range run.ArtifactRefs {
			fmt.Printf("  artifact: %s\n", ref)
		}
		if run.Status != types.RunPassed {
			os.Exit(1)
		}
		return nil
	},
}

func waitTerminal(rt *runtime, runID string) *types.Run {
	for {
		run, err := rt.orch.Get(runID)
		if err == nil && run.Status.Terminal() {
			return run
		}
		time.Sleep(200 * time.Millisecond)
	}
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler, workers, and daily snapshot job until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime()
		if err != nil {
			return err
		}
		defer rt.close()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		watcher, err := config.NewWatcher(workspace)
		if err == nil {
			if err := watcher.Start(ctx); err != nil {
				logger.Warn("config watcher failed to start", zap.Error(err))
			} else {
				defer watcher.Close()
			}
		}

		snap := history.NewSnapshotter(rt.store, func() error {
			_, err := rt.arts.Sweep(rt.cfg.Artifact.RetentionDays)
			return err
		})
		go snap.Run(ctx)
		go rt.sched.Run(ctx)

		logger.Info("qanerd serving",
			zap.Int("workers", rt.cfg.Execution.Workers),
			zap.Int("queue_capacity", rt.cfg.Execution.QueueCapacity),
			zap.Duration("tick", rt.cfg.Scheduler.Tick()))
		<-ctx.Done()
		logger.Info("shutting down")
		return nil
	},
}

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Analytics over recorded run history",
}

var analyzeFlakyCmd = &cobra.Command{
	Use:   "flaky",
	Short: "List flaky tests in the window",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime()
		if err != nil {
			return err
		}
		defer rt.close()

		views, err := rt.svc.Flaky(days)
		if err != nil {
			return err
		}
		if len(views) == 0 {
			fmt.Printf("No flaky tests in the last %d days.\n", days)
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TEST\tRUNS\tPASS RATE\tFLAKINESS\tLABEL")
		for _, v := range views {
			fmt.Fprintf(w, "%s\t%d\t%.1f%%\t%.1f\t%s\n",
				v.TestName, v.Total, v.PassRate, v.FlakinessScore, v.Label)
		}
		return w.Flush()
	},
}

var analyzePerfCmd = &cobra.Command{
	Use:   "perf",
	Short: "Duration profiles per test",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime()
		if err != nil {
			return err
		}
		defer rt.close()

		views, err := rt.svc.Perf(days)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TEST\tRUNS\tMEDIAN\tMEAN\tMIN\tMAX\tTREND")
		for _, v := range views {
			fmt.Fprintf(w, "%s\t%d\t%dms\t%.0fms\t%dms\t%dms\t%s\n",
				v.TestName, v.Runs, v.MedianMs, v.MeanMs, v.MinMs, v.MaxMs, v.Trend)
		}
		return w.Flush()
	},
}

var analyzePatternsCmd = &cobra.Command{
	Use:   "patterns",
	Short: "Failure signature clusters",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime()
		if err != nil {
			return err
		}
		defer rt.close()

		views, err := rt.svc.Patterns(days)
		if err != nil {
			return err
		}
		for _, v := range views {
			fmt.Printf("%4dx %5.1f%% [%s] %s\n", v.Count, v.Percentage, v.Category, v.Signature)
			fmt.Printf("      tests: %s  browsers: %s\n",
				strings.Join(v.AffectedTests, ", "), strings.Join(v.Browsers, ", "))
		}
		return nil
	},
}

var analyzeHealthCmd = &cobra.Command{
	Use:   "health",
	Short: "Suite-level health rollup",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime()
		if err != nil {
			return err
		}
		defer rt.close()

		h, err := rt.svc.SuiteHealth(days)
		if err != nil {
			return err
		}
		fmt.Printf("Suite health (%d days): %.1f/100\n", days, h.OverallHealth)
		fmt.Printf("  tests: %d (%d stable, %d flaky, %d failing)\n",
			h.TotalTests, h.StableTests, h.FlakyTests, h.FailingTests)
		fmt.Printf("  runs:  %d, pass rate %.1f%%, avg duration %.0fms\n",
			h.TotalRuns, h.PassRate, h.AvgDurationMs)
		return nil
	},
}

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Autonomous fix agent",
}

var agentStabilizeCmd = &cobra.Command{
	Use:   "stabilize [test-name]",
	Short: "Loop the fix agent until the test verifies stable",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime()
		if err != nil {
			return err
		}
		defer rt.close()

		id, err := rt.svc.StartAgent(agent.KindStabilize, args[0])
		if err != nil {
			return err
		}
		logger.Info("agent started", zap.String("agent_id", id), zap.String("test", args[0]))

		// A signal raises the stop flag; the loop exits after the
		// in-flight action.
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
		go func() {
			<-sigCh
			logger.Info("stopping agent on signal")
			if err := rt.svc.StopAgent(id); err != nil {
				logger.Warn("stop failed", zap.Error(err))
			}
		}()

		rt.agents.Wait(id)
		exec, err := rt.svc.GetAgent(id)
		if err != nil {
			return err
		}
		printAgent(exec)
		if exec.Status != types.AgentSucceeded {
			os.Exit(1)
		}
		return nil
	},
}

var agentStatusCmd = &cobra.Command{
	Use:   "status [agent-id]",
	Short: "Show an agent execution and its action log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime()
		if err != nil {
			return err
		}
		defer rt.close()

		exec, err := rt.svc.GetAgent(args[0])
		if err != nil {
			return err
		}
		printAgent(exec)
		return nil
	},
}

var agentStopCmd = &cobra.Command{
	Use:   "stop [agent-id]",
	Short: "Raise an agent's stop flag",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime()
		if err != nil {
			return err
		}
		defer rt.close()
		return rt.svc.StopAgent(args[0])
	},
}

func printAgent(exec *types.AgentExecution) {
	fmt.Printf("Agent %s (%s): %s\n", exec.ID, exec.AgentKind, exec.Status)
	fmt.Printf("  goal: %s\n", exec.Goal)
	fmt.Printf("  iteration %d/%d, cost %.2f\n", exec.CurrentIter, exec.MaxIter, exec.TotalCost)
	for _, a := range exec.ActionLog {
		line := a.Output
		if a.Error != "" {
			line = "ERROR: " + a.Error
		}
		fmt.Printf("  [%d] %-8s %s\n", a.Iteration, a.Kind, line)
	}
}

var artifactsCmd = &cobra.Command{
	Use:   "artifacts",
	Short: "Artifact store maintenance",
}

var artifactsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show storage statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime()
		if err != nil {
			return err
		}
		defer rt.close()

		stats, err := rt.svc.ArtifactStats()
		if err != nil {
			return err
		}
		fmt.Printf("Artifacts: %d files, %d bytes\n", stats.Total, stats.TotalSize)
		for kind, ks := range stats.ByKind {
			fmt.Printf("  %-12s %d files, %d bytes\n", kind, ks.Count, ks.Size)
		}
		if !stats.Oldest.IsZero() {
			fmt.Printf("  oldest: %s  newest: %s\n",
				stats.Oldest.Format(time.RFC3339), stats.Newest.Format(time.RFC3339))
		}
		return nil
	},
}

var artifactsSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Delete artifacts past the retention bound",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime()
		if err != nil {
			return err
		}
		defer rt.close()

		removed, err := rt.arts.Sweep(sweepDays)
		if err != nil {
			return err
		}
		fmt.Printf("Removed %d artifacts.\n", removed)
		return nil
	},
}

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Cron schedule management",
}

var scheduleTimezone string

var scheduleCreateCmd = &cobra.Command{
	Use:   "create [test-id] [cron]",
	Short: "Create a cron schedule for a test",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime()
		if err != nil {
			return err
		}
		defer rt.close()

		entry, err := rt.svc.CreateSchedule(args[0], args[1], scheduleTimezone)
		if err != nil {
			return err
		}
		fmt.Printf("Schedule %s: %q next fire %s\n",
			entry.ID, entry.CronExpr, entry.NextRunAt.Format(time.RFC3339))
		return nil
	},
}

var scheduleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List schedules",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime()
		if err != nil {
			return err
		}
		defer rt.close()

		entries, err := rt.svc.ListSchedules()
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTEST\tCRON\tTZ\tENABLED\tNEXT\tRUNS\tMISSED")
		for _, e := range entries {
			next := "-"
			if !e.NextRunAt.IsZero() {
				next = e.NextRunAt.Format(time.RFC3339)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%v\t%s\t%d\t%d\n",
				e.ID, e.TestID, e.CronExpr, e.Timezone, e.Enabled, next, e.TotalRuns, e.MissedFires)
		}
		return w.Flush()
	},
}

var scheduleEnableCmd = &cobra.Command{
	Use:   "enable [schedule-id]",
	Short: "Enable a schedule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setScheduleEnabled(args[0], true)
	},
}

var scheduleDisableCmd = &cobra.Command{
	Use:   "disable [schedule-id]",
	Short: "Disable a schedule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setScheduleEnabled(args[0], false)
	},
}

func setScheduleEnabled(id string, enabled bool) error {
	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.close()
	return rt.svc.SetScheduleEnabled(id, enabled)
}

var scheduleTriggerCmd = &cobra.Command{
	Use:   "trigger [schedule-id]",
	Short: "Fire a schedule now, outside its cron",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime()
		if err != nil {
			return err
		}
		defer rt.close()

		runID, err := rt.svc.TriggerSchedule(args[0])
		if err != nil {
			return err
		}
		run := waitTerminal(rt, runID)
		fmt.Printf("Run %s: %s in %dms\n", run.ID, run.Status, run.DurationMs)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory (default: current)")

	analyzeCmd.PersistentFlags().IntVar(&days, "days", 7, "Analysis window in days")
	analyzeCmd.AddCommand(analyzeFlakyCmd)
	analyzeCmd.AddCommand(analyzePerfCmd)
	analyzeCmd.AddCommand(analyzePatternsCmd)
	analyzeCmd.AddCommand(analyzeHealthCmd)

	agentCmd.AddCommand(agentStabilizeCmd)
	agentCmd.AddCommand(agentStatusCmd)
	agentCmd.AddCommand(agentStopCmd)

	artifactsSweepCmd.Flags().IntVar(&sweepDays, "days", 0, "Retention override in days (0 = configured)")
	artifactsCmd.AddCommand(artifactsStatsCmd)
	artifactsCmd.AddCommand(artifactsSweepCmd)

	scheduleCreateCmd.Flags().StringVar(&scheduleTimezone, "tz", "UTC", "IANA timezone for the cron expression")
	scheduleCmd.AddCommand(scheduleCreateCmd)
	scheduleCmd.AddCommand(scheduleListCmd)
	scheduleCmd.AddCommand(scheduleEnableCmd)
	scheduleCmd.AddCommand(scheduleDisableCmd)
	scheduleCmd.AddCommand(scheduleTriggerCmd)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(artifactsCmd)
	rootCmd.AddCommand(scheduleCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
