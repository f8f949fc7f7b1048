package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"overseer/internal/config"
	"overseer/internal/coordinator"
	"overseer/internal/logging"
	"overseer/internal/state"
	"overseer/internal/store"
)

var (
	// Global flags
	verbose   bool
	workspace string

	// Run flags
	resume        bool
	maxIterations int
	dryRun        bool

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "overseer",
	Short: "overseer - autonomous multi-stage development run control",
	Long: `overseer coordinates an autonomous development run: it sequences
planning, coding, qa, debugging and documentation phases, watches the
action stream for non-productive loops, and escalates to the operator
when guidance fails to break one.

State lives under .overseer/ in the workspace and every run can be
resumed from its last saved iteration.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg := zap.NewProductionConfig()
		if verbose {
			cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = cfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// runCmd drives the coordinator loop until the run finishes.
var runCmd = &cobra.Command{
	Use:   "run [workspace]",
	Short: "Run the phase coordinator over a workspace",
	Long: `Starts the coordinator loop. Each iteration picks a phase, dispatches
one unit of work to the phase executor, folds the result into the run
state and persists it. The loop ends when every objective settles, the
iteration cap is reached, or the process is interrupted.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runCoordinator,
}

// statusCmd prints the persisted run state and phase statistics.
var statusCmd = &cobra.Command{
	Use:   "status [workspace]",
	Short: "Show the saved run state and per-phase history",
	Args:  cobra.MaximumNArgs(1),
	RunE:  showStatus,
}

// initCmd seeds a workspace with default configuration.
var initCmd = &cobra.Command{
	Use:   "init [workspace]",
	Short: "Write a default config and objectives skeleton",
	Args:  cobra.MaximumNArgs(1),
	RunE:  initWorkspace,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "workspace directory (default: cwd)")

	runCmd.Flags().BoolVar(&resume, "resume", false, "resume the previous run from its saved state")
	runCmd.Flags().IntVar(&maxIterations, "max-iterations", 0, "stop after this many iterations (0 = unbounded)")
	runCmd.Flags().BoolVar(&dryRun, "dry-run", false, "use the built-in simulating executor")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(initCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// resolveWorkspace picks the workspace from args, flag or cwd.
func resolveWorkspace(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	if workspace != "" {
		return workspace
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return cwd
}

func loadConfig(ws string) (*config.Config, error) {
	cfg, err := config.Load(filepath.Join(ws, ".overseer", "config.yaml"))
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func runCoordinator(cmd *cobra.Command, args []string) error {
	ws := resolveWorkspace(args)

	cfg, err := loadConfig(ws)
	if err != nil {
		return err
	}
	if maxIterations > 0 {
		cfg.Executor.MaxIterations = maxIterations
	}
	if verbose {
		cfg.Logging.DebugMode = true
	}

	if err := logging.Initialize(ws); err != nil {
		logger.Warn("Category logging unavailable", zap.Error(err))
	}
	defer logging.CloseAll()
	if err := logging.InitAudit(); err != nil {
		logger.Warn("Audit log unavailable", zap.Error(err))
	}
	defer logging.CloseAudit()

	var executor coordinator.PhaseExecutor
	if dryRun {
		executor = newDryRunExecutor(cfg)
	} else {
		// Until an agent backend is configured the simulating executor
		// is the only one available.
		logger.Info("No executor backend configured, using dry-run simulation")
		executor = newDryRunExecutor(cfg)
	}

	c, err := coordinator.New(cfg, coordinator.Options{
		Workspace: ws,
		Executor:  executor,
		Decisions: newPromptDecider(cmd.InOrStdin(), cmd.OutOrStdout()),
		Resume:    resume,
	})
	if err != nil {
		return fmt.Errorf("failed to build coordinator: %w", err)
	}
	defer c.Close()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	// Handle graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		logger.Info("Received shutdown signal")
		cancel()
	}()

	logger.Info("Starting run",
		zap.String("workspace", ws),
		zap.Bool("resume", resume),
		zap.Int("max_iterations", cfg.Executor.MaxIterations))

	if err := c.Run(ctx); err != nil {
		if ctx.Err() != nil {
			logger.Info("Run interrupted, state saved")
			return nil
		}
		printSummary(cmd, c.State())
		return fmt.Errorf("run failed: %w", err)
	}

	printSummary(cmd, c.State())
	return nil
}

func showStatus(cmd *cobra.Command, args []string) error {
	ws := resolveWorkspace(args)
	cfg, err := loadConfig(ws)
	if err != nil {
		return err
	}

	mgr := state.NewManager(filepath.Join(ws, ".overseer", cfg.Paths.StateFile))
	st, err := mgr.Load()
	if err != nil {
		return err
	}
	if st == nil {
		fmt.Fprintln(cmd.OutOrStdout(), "No saved run in this workspace.")
		return nil
	}

	printSummary(cmd, st)

	hist, err := store.NewHistoryStore(filepath.Join(ws, ".overseer", cfg.Paths.HistoryDB))
	if err != nil {
		return nil
	}
	defer hist.Close()

	stats, err := hist.Stats(st.RunID)
	if err != nil || len(stats) == 0 {
		return nil
	}
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "\nPhase history:")
	for _, ps := range stats {
		fmt.Fprintf(out, "  %-16s %4d iterations  %3d failed  avg %v\n",
			ps.Phase, ps.Iterations, ps.Failures, ps.AvgDuration.Round(1e6))
	}
	return nil
}

func printSummary(cmd *cobra.Command, st *state.RunState) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Run %s  iteration %d\n", st.RunID, st.Iteration)

	byStatus := make(map[state.TaskStatus]int)
	for _, t := range st.Tasks {
		byStatus[t.Status]++
	}
	fmt.Fprintf(out, "Tasks: %d total", len(st.Tasks))
	for _, s := range []state.TaskStatus{state.TaskCompleted, state.TaskPending, state.TaskQAPending,
		state.TaskNeedsFixes, state.TaskBlocked, state.TaskSkipped} {
		if n := byStatus[s]; n > 0 {
			fmt.Fprintf(out, "  %s=%d", s, n)
		}
	}
	fmt.Fprintln(out)

	for _, o := range st.Objectives {
		fmt.Fprintf(out, "Objective %-20s %-12s %3.0f%%\n", o.ID, o.Status, o.CompletionPct*100)
	}
	open := 0
	for _, i := range st.Issues {
		if i.Status.IsOpen() {
			open++
		}
	}
	if open > 0 {
		fmt.Fprintf(out, "Open issues: %d\n", open)
	}
	if len(st.Escalations) > 0 {
		fmt.Fprintf(out, "Pending escalations: %d\n", len(st.Escalations))
	}
}

const objectivesSkeleton = `# Objectives for this run. Levels: primary, secondary, tertiary.
objectives:
  - id: obj-example
    name: Example objective
    level: primary
    tasks:
      - id: task-example
        description: describe the first unit of work here
        target: main.go
`

func initWorkspace(cmd *cobra.Command, args []string) error {
	ws := resolveWorkspace(args)
	dir := filepath.Join(ws, ".overseer")

	cfgPath := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(cfgPath); err == nil {
		return fmt.Errorf("workspace already initialized: %s exists", cfgPath)
	}
	if err := config.DefaultConfig().Save(cfgPath); err != nil {
		return err
	}

	objPath := filepath.Join(dir, "objectives.yaml")
	if _, err := os.Stat(objPath); os.IsNotExist(err) {
		if err := os.WriteFile(objPath, []byte(objectivesSkeleton), 0644); err != nil {
			return err
		}
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Initialized workspace at %s\n", dir)
	return nil
}
