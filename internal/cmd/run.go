package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Mnehmos/rooswarm/internal/channel"
	"github.com/Mnehmos/rooswarm/internal/config"
	"github.com/Mnehmos/rooswarm/internal/event"
	"github.com/Mnehmos/rooswarm/internal/logging"
	"github.com/Mnehmos/rooswarm/internal/plan"
	"github.com/Mnehmos/rooswarm/internal/ratelimit"
	"github.com/Mnehmos/rooswarm/internal/scheduler"
	"github.com/Mnehmos/rooswarm/internal/strategy"
	"github.com/Mnehmos/rooswarm/internal/tui"
	"github.com/Mnehmos/rooswarm/internal/workerpool"
	"github.com/Mnehmos/rooswarm/internal/workspace"
)

var (
	runSimulate bool
	runNoTUI    bool
)

var runCmd = &cobra.Command{
	Use:   "run <plan file>",
	Short: "Execute a task plan",
	Long: `Run loads a task plan (YAML or JSON), validates the dependency graph
and workspace assignments, and drives the tasks to completion with a
bounded worker pool.

Worker sessions are created by an injected backend. Without one, pass
--simulate to run each task against a loopback worker that connects to
the message channel, acknowledges its assignment, and reports success.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPlan(cmd.Context(), args[0])
	},
}

func init() {
	runCmd.Flags().BoolVar(&runSimulate, "simulate", false, "execute tasks with loopback workers")
	runCmd.Flags().BoolVar(&runNoTUI, "no-tui", false, "disable the live run view")
	rootCmd.AddCommand(runCmd)
}

func runPlan(ctx context.Context, planPath string) error {
	cfg, err := config.Load(configPath())
	if err != nil {
		return err
	}

	if !runSimulate {
		return fmt.Errorf("no session backend configured; use --simulate or embed rooswarm as a library with your own SessionFactory")
	}

	p, err := plan.Load(planPath)
	if err != nil {
		return err
	}
	specs := p.Specs()

	log, err := logging.NewLogger(cfg.Logging.Dir, cfg.Logging.Level)
	if err != nil {
		return err
	}
	defer func() { _ = log.Close() }()

	bus := event.NewBus()

	server := channel.NewServer(bus,
		channel.WithPort(cfg.Channel.Port),
		channel.WithMaxQueueSize(cfg.Channel.MaxQueueSize),
		channel.WithMessageTimeout(time.Duration(cfg.Channel.MessageTimeoutMs)*time.Millisecond),
		channel.WithRemoteFallback(cfg.Channel.EnableRemoteFallback),
		channel.WithServerLogger(log),
	)
	if err := server.Start(); err != nil {
		return err
	}
	defer server.Stop()

	factory := newSimulatedFactory(server, bus,
		channel.WithReconnectDelay(time.Duration(cfg.Channel.ReconnectDelayMs)*time.Millisecond),
		channel.WithMaxReconnectAttempts(cfg.Channel.MaxReconnectAttempts),
	)

	pool, err := workerpool.New(factory,
		workerpool.WithMaxWorkers(cfg.Pool.MaxWorkers),
		workerpool.WithSpawnTimeout(time.Duration(cfg.Pool.SpawnTimeoutMs)*time.Millisecond),
		workerpool.WithAutoCleanup(cfg.Pool.AutoCleanup),
		workerpool.WithLogger(log),
	)
	if err != nil {
		return err
	}
	defer pool.Cleanup()

	limiter := ratelimit.New(bus, cfg.RateLimits, ratelimit.WithLogger(log))
	defer limiter.Dispose()

	strat, err := strategy.New(cfg.Scheduler.Strategy)
	if err != nil {
		return err
	}

	validator := workspace.NewValidator(
		workspace.WithStrictMode(cfg.Workspace.StrictMode),
		workspace.WithAllowNestedDirs(cfg.Workspace.AllowNestedDirs),
		workspace.WithSupportWildcards(cfg.Workspace.SupportWildcards),
	)

	if cfg.Workspace.Watch {
		if stop, err := watchWorkspaces(bus, log); err != nil {
			// The watcher is a best-effort guard; never fail the run for it.
			log.Warn("workspace watcher unavailable", "error", err)
		} else {
			defer stop()
		}
	}

	sched, err := scheduler.New(specs, pool, server, bus,
		scheduler.WithStrategy(strat),
		scheduler.WithMaxRPM(cfg.Scheduler.MaxRPM),
		scheduler.WithEstimatedRPMPerTask(cfg.Scheduler.EstimatedRPMPerTask),
		scheduler.WithRateLimiter(limiter),
		scheduler.WithProvider(cfg.Scheduler.Provider),
		scheduler.WithWorkspaceValidator(validator),
		scheduler.WithLogger(log),
	)
	if err != nil {
		return err
	}

	// The live view attaches only on real terminals.
	useTUI := !runNoTUI && term.IsTerminal(int(os.Stdout.Fd()))

	if !useTUI {
		return sched.Run(ctx)
	}

	taskIDs := make([]string, 0, len(specs))
	for _, spec := range specs {
		taskIDs = append(taskIDs, spec.ID)
	}

	program := tea.NewProgram(tui.New(taskIDs))
	detach := tui.Attach(program, bus)
	defer detach()

	runErr := make(chan error, 1)
	go func() { runErr <- sched.Run(ctx) }()

	if _, err := program.Run(); err != nil {
		return err
	}
	return <-runErr
}
