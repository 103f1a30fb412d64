// Command orchestrator-core runs the scan orchestration core as a
// standalone process, wiring the Orchestrator, Scheduler, Resource Broker,
// Dependency Resolver, Strategy Engine and Monitor together.
//
// Grounded on
// KhryptorGraphics-OllamaMax/ollama-distributed/cmd/node/main.go's
// cobra root-command-plus-subcommands structure and its use of
// github.com/fatih/color for startup banner output.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/scanforge/orchestrator-core/internal/config"
	"github.com/scanforge/orchestrator-core/internal/store"
	"github.com/scanforge/orchestrator-core/pkg/condition"
	"github.com/scanforge/orchestrator-core/pkg/dependency"
	"github.com/scanforge/orchestrator-core/pkg/events"
	"github.com/scanforge/orchestrator-core/pkg/monitor"
	"github.com/scanforge/orchestrator-core/pkg/orchestrator"
	"github.com/scanforge/orchestrator-core/pkg/orchtypes"
	"github.com/scanforge/orchestrator-core/pkg/resourcebroker"
	"github.com/scanforge/orchestrator-core/pkg/scanop"
	"github.com/scanforge/orchestrator-core/pkg/scheduler"
	"github.com/scanforge/orchestrator-core/pkg/strategy"
)

var configPath string

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error: %v", err))
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "orchestrator-core",
		Short: "Scan orchestration core",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")

	root.AddCommand(newServeCommand())
	root.AddCommand(newConfigCommand())
	return root
}

func newConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the resolved configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			fmt.Printf("%+v\n", cfg)
			return nil
		},
	}
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestration core's scheduling loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

// serve wires every component together and runs the scheduler's
// dispatch-attempt loop until the context is cancelled.
func serve(ctx context.Context, cfg config.Config) error {
	logger := newLogger(cfg.LogLevel)
	color.Green("orchestrator-core starting (max_concurrent_orchestrations=%d)", cfg.MaxConcurrentOrchestrations)

	registry := scanop.NewRegistry(logger)
	resolver := dependency.New(logger)
	cond := condition.New()
	sched := scheduler.New(cfg.Scheduler.QueueCapacity)

	sink := events.NewLoggingSink(logger)
	mon := monitor.New(sink, logger, monitor.WithRingSize(cfg.Monitor.RingSize))

	// The Broker is constructed before the Orchestrator that will receive
	// its preemption callbacks exist, so it starts with no notifier and
	// SetNotifier wires the Orchestrator in once it's built.
	broker := resourcebroker.New(resourcebroker.Config{
		ScaleUpThreshold:   cfg.Broker.ScaleUpThreshold,
		ScaleDownThreshold: cfg.Broker.ScaleDownThreshold,
		CoolDown:           cfg.Broker.CoolDown,
		Step:               cfg.Broker.Step,
		ScaleEventBurst:    1,
	}, nil, nil, nil, logger)
	registerDefaultPools(broker)

	weights := strategy.Weights{
		Performance: cfg.Strategy.PerformanceWeight,
		ResourceFit: cfg.Strategy.ResourceFitWeight,
		Risk:        cfg.Strategy.RiskWeight,
		Confidence:  cfg.Strategy.ConfidenceWeight,
	}
	engine := strategy.New(strategy.HeuristicPredictor{}, weights, logger)

	orch := orchestrator.New(broker, resolver, engine, mon, registry, cond, sched, logger)
	broker.SetNotifier(orch)

	repo, err := openRepository(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}
	orch.SetRepository(repo)

	return runDispatchLoop(ctx, orch, sched, broker, mon, logger)
}

// openRepository builds the Orchestrator's durability adapter: a
// PostgresStore when store.dsn is configured, migrated up front so the first
// SaveOrchestration call doesn't race a missing schema, or an in-process
// MemoryStore otherwise so persistence calls always have somewhere to land.
func openRepository(ctx context.Context, cfg config.StoreConfig, logger zerolog.Logger) (orchestrator.Repository, error) {
	if cfg.DSN == "" {
		logger.Warn().Msg("store.dsn not set, using in-memory Repository (no durability across restarts)")
		return store.NewMemoryStore(), nil
	}
	pg, err := store.Open(cfg.DSN, cfg.MaxOpenConns, cfg.ConnMaxLifetime, logger)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	if err := pg.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrating store: %w", err)
	}
	return pg, nil
}

func registerDefaultPools(broker *resourcebroker.Broker) {
	for _, pool := range []orchtypes.ResourcePool{
		{Type: orchtypes.PoolCPU, Total: 64, Unit: "cores", ScalePolicy: orchtypes.ScalePolicy{Min: 8, Max: 256, Step: 8, CoolDown: 2 * time.Minute}},
		{Type: orchtypes.PoolMemory, Total: 256, Unit: "GB", ScalePolicy: orchtypes.ScalePolicy{Min: 32, Max: 1024, Step: 16, CoolDown: 2 * time.Minute}},
		{Type: orchtypes.PoolWorkers, Total: 500, Unit: "workers", ScalePolicy: orchtypes.ScalePolicy{Min: 50, Max: 5000, Step: 50, CoolDown: time.Minute}},
		{Type: orchtypes.PoolAPICalls, Total: 1000, Unit: "calls/min", ScalePolicy: orchtypes.ScalePolicy{Min: 100, Max: 10000, Step: 100, CoolDown: time.Minute}},
	} {
		broker.RegisterPool(pool)
	}
}

// runDispatchLoop periodically ages the scheduler queue, resumes any
// orchestrations a preemption paused (if their resources have freed back
// up), and attempts to start the next ready orchestration, backing off
// when the Broker denies a reservation or a mandatory dependency is still
// outstanding. A slower tick sweeps the Resolver for newly-elapsed
// wait_timeouts and the Monitor for stale alerts, since neither runs its
// own background goroutine.
func runDispatchLoop(ctx context.Context, orch *orchestrator.Orchestrator, sched *scheduler.Scheduler, broker *resourcebroker.Broker, mon *monitor.Monitor, logger zerolog.Logger) error {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	scaleTicker := time.NewTicker(30 * time.Second)
	defer scaleTicker.Stop()

	sweepTicker := time.NewTicker(time.Minute)
	defer sweepTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-scaleTicker.C:
			broker.EvaluateScale(now)
		case now := <-sweepTicker.C:
			orch.Resolver().CheckTimeouts(now)
			mon.Sweep(now)
		case <-ticker.C:
			orch.ResumePreempted(ctx)
			sched.ApplyAging(time.Now())
			entry, ok := sched.Next()
			if !ok {
				continue
			}
			if err := orch.Start(ctx, entry.OrchestrationID); err != nil {
				logger.Warn().Str("orchestration_id", entry.OrchestrationID).Err(err).Msg("deferring dispatch")
				_ = sched.Submit(entry)
			}
		}
	}
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		Level(lvl).
		With().Timestamp().Logger()
}
