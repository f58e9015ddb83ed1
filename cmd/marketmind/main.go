package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/marketmind/marketmind/config/logger"
	store "github.com/marketmind/marketmind/config/storage/sqlite"
	config "github.com/marketmind/marketmind/config/utils"
	"github.com/marketmind/marketmind/internal/adapter/agents"
	"github.com/marketmind/marketmind/internal/adapter/provider"
	"github.com/marketmind/marketmind/internal/adapter/queue/inproc"
	sqliterepo "github.com/marketmind/marketmind/internal/adapter/storage/sqlite"
	"github.com/marketmind/marketmind/internal/core/domain"
	"github.com/marketmind/marketmind/internal/core/service"
)

// _execWaitPeriod is how long the one-shot exec command waits for a queued
// task to reach a terminal state before giving up on the result.
const _execWaitPeriod = 30 * time.Second

func main() {
	root := &cobra.Command{
		Use:   "marketmind",
		Short: "Background market intelligence worker",
	}
	root.AddCommand(runCmd(), execCmd(), doctorCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// app holds the wired service graph shared by the run and exec commands.
type app struct {
	cfg          *config.AppConfig
	db           *store.DB
	queue        interface{ Close() }
	worker       *service.Worker
	orchestrator *service.Orchestrator
	dispatcher   *service.Dispatcher
	log          *zap.Logger
}

// wire builds the whole service graph: store, queue, provider gateway,
// agents, orchestrator, worker and dispatcher. The orchestrator consumer is
// started; the worker loops are not.
func wire(ctx context.Context) (*app, error) {
	appConfig := config.New()
	baseLogger := logger.Build(appConfig.Logger)
	zap.L().Debug("Logger Builded successfully")

	zap.L().Info("Starting the application",
		zap.String("app", appConfig.App.Name),
		zap.String("env", appConfig.App.Env),
		zap.String("owner", appConfig.App.Owner))

	// Init embedded store
	dbService, err := store.New(ctx, appConfig.Store, baseLogger.Named("DB"))
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	if err := dbService.Migrate(); err != nil {
		dbService.Close()
		return nil, fmt.Errorf("migrating store: %w", err)
	}
	zap.L().Info("Successfully migrated the store", zap.String("path", appConfig.Store.Path))

	memory := sqliterepo.NewMemoryRepository(dbService, baseLogger.Named("Memory"))
	archive := sqliterepo.NewTaskArchive(dbService, baseLogger.Named("Archive"))

	// Init task queue
	taskQueue := inproc.NewQueueService(appConfig.Orchestrator.QueueCapacity, baseLogger.Named("Queue"))

	// Init provider gateway and the agent pool over it
	gateway := provider.NewGateway(
		buildBackends(appConfig.Provider, baseLogger.Named("Provider")),
		config.Duration(appConfig.Provider.CacheTTL, 90*time.Second),
		baseLogger.Named("Gateway"),
	)

	registry := service.NewRegistry(baseLogger.Named("Registry"))
	for _, spec := range agents.Builtin(gateway, baseLogger.Named("Agent")) {
		if err := registry.Register(spec.Descriptor, spec.Executor); err != nil {
			dbService.Close()
			return nil, fmt.Errorf("registering agent %s: %w", spec.Descriptor.Name, err)
		}
	}
	zap.L().Info("Agent pool registered", zap.Int("agents", len(registry.Snapshot())))

	orchestrator := service.NewOrchestrator(registry, taskQueue, memory, archive, service.OrchestratorOptions{
		MaxAttempts:     appConfig.Orchestrator.MaxAttempts,
		PerAgentLimit:   appConfig.Orchestrator.PerAgentLimit,
		ExecTimeout:     config.Duration(appConfig.Orchestrator.ExecTimeout, 2*time.Minute),
		ExecutorWorkers: appConfig.Orchestrator.ExecutorWorkers,
	}, baseLogger.Named("Orchestrator"))
	if err := orchestrator.Start(ctx); err != nil {
		dbService.Close()
		return nil, fmt.Errorf("starting orchestrator: %w", err)
	}

	worker, err := service.NewWorker(registry, orchestrator, memory, archive, buildPlans(appConfig.Worker), service.WorkerConfig{
		StopGrace:       config.Duration(appConfig.Worker.StopGrace, 10*time.Second),
		EvolutionAlpha:  appConfig.Worker.EvolutionAlpha,
		EvolutionWindow: appConfig.Worker.EvolutionWindow,
		Retention:       time.Duration(appConfig.Store.RetentionDays) * 24 * time.Hour,
	}, baseLogger.Named("Worker"))
	if err != nil {
		dbService.Close()
		return nil, fmt.Errorf("building worker: %w", err)
	}

	dispatcher := service.NewDispatcher(worker, orchestrator, registry, memory, baseLogger.Named("Dispatcher"))

	return &app{
		cfg:          appConfig,
		db:           dbService,
		queue:        taskQueue,
		worker:       worker,
		orchestrator: orchestrator,
		dispatcher:   dispatcher,
		log:          baseLogger,
	}, nil
}

func (a *app) shutdown(ctx context.Context) {
	if err := a.worker.Stop(ctx); err != nil {
		zap.L().Error("Error stopping worker", zap.Error(err))
	}
	a.queue.Close()
	if err := a.db.Close(); err != nil {
		zap.L().Error("Error closing store", zap.Error(err))
	}
	zap.L().Info("Graceful shutdown complete.")
}

// buildBackends converts the configured backend chain, falling back to the
// offline heuristic backend when nothing is configured.
func buildBackends(cfg *config.Provider, log *zap.Logger) []provider.Backend {
	var out []provider.Backend
	for _, b := range cfg.Backends {
		switch b.Kind {
		case "http":
			out = append(out, provider.NewHTTPBackend(b.Name, b.URL, b.APIKey, b.Model, log))
		case "local":
			out = append(out, provider.NewLocalBackend(b.Name))
		default:
			zap.L().Warn("Skipping backend of unknown kind", zap.String("name", b.Name), zap.String("kind", b.Kind))
		}
	}
	if len(out) == 0 {
		out = append(out, provider.NewLocalBackend("offline"))
	}
	return out
}

// buildPlans converts the configured cycle table, falling back to the stock
// plans when the config names none.
func buildPlans(cfg *config.Worker) []domain.CyclePlan {
	if len(cfg.Cycles) == 0 {
		return service.DefaultPlans()
	}
	plans := make([]domain.CyclePlan, 0, len(cfg.Cycles))
	for _, c := range cfg.Cycles {
		plans = append(plans, domain.CyclePlan{
			Name:     c.Name,
			Interval: config.Duration(c.Interval, 5*time.Minute),
			EmitType: domain.TaskType(c.EmitType),
			Enabled:  c.Enabled,
		})
	}
	return plans
}

// runCmd starts the daemon: all cycle loops plus the orchestrator, until
// SIGINT or SIGTERM.
func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the worker daemon until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			rootCtx, rootCtxCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer rootCtxCancel()

			a, err := wire(rootCtx)
			if err != nil {
				zap.L().Error("Error wiring services", zap.Error(err))
				return err
			}

			if err := a.worker.Start(rootCtx); err != nil {
				zap.L().Error("Error starting worker", zap.Error(err))
				a.shutdown(context.Background())
				return err
			}

			<-rootCtx.Done()
			zap.L().Info("Shutdown signal received")

			// The root context is gone; shut down on a fresh one.
			a.shutdown(context.Background())
			return nil
		},
	}
}

// execCmd runs one dispatcher command against a fresh service graph, waiting
// briefly for any task it queued, and prints the result.
func execCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "exec <command...>",
		Short: "Execute one command (try: exec help)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			a, err := wire(ctx)
			if err != nil {
				zap.L().Error("Error wiring services", zap.Error(err))
				return err
			}
			defer a.shutdown(context.Background())

			res := a.dispatcher.Handle(ctx, "cli", strings.Join(args, " "))
			fmt.Println(res.Message)

			if id, ok := res.Data["task_id"].(string); ok {
				task, done := waitForTask(ctx, a.orchestrator, id)
				switch {
				case done && task.ID != "":
					fmt.Printf("task %s %s\n", id, strings.ToLower(string(task.Status)))
					if summary, ok := task.Result["summary"].(string); ok {
						fmt.Println(summary)
					}
					if task.Error != "" {
						fmt.Println(task.Error)
					}
				case done:
					fmt.Printf("task %s finished\n", id)
				default:
					fmt.Printf("task %s still pending, it will continue under a running daemon\n", id)
				}
			}

			if res.Status != service.DispatchOK {
				return errors.New(res.Message)
			}
			return nil
		},
	}
}

// waitForTask polls until the task leaves the in-flight set or the wait
// period elapses.
func waitForTask(ctx context.Context, o *service.Orchestrator, id string) (domain.Task, bool) {
	deadline := time.After(_execWaitPeriod)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	var last domain.Task
	for {
		task, live := o.Lookup(id)
		if live {
			last = task
		}
		if !live || task.Status.Terminal() {
			return last, last.Status.Terminal() || !live
		}
		select {
		case <-ctx.Done():
			return last, false
		case <-deadline:
			return last, false
		case <-ticker.C:
		}
	}
}

// doctorCmd checks the local installation: config, store, migrations,
// memory counts.
func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Verify config, store and migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			appConfig := config.New()
			baseLogger := logger.Build(appConfig.Logger)
			failed := false

			check := func(name string, err error) {
				if err != nil {
					failed = true
					fmt.Printf("FAIL %-12s %v\n", name, err)
					return
				}
				fmt.Printf("ok   %s\n", name)
			}

			dbService, err := store.New(ctx, appConfig.Store, baseLogger.Named("DB"))
			check("store", err)
			if err == nil {
				defer dbService.Close()
				check("migrations", dbService.Migrate())
				check("health", dbService.DBHealth(ctx))

				memory := sqliterepo.NewMemoryRepository(dbService, baseLogger.Named("Memory"))
				stats, err := memory.Stats(ctx)
				check("memory", err)
				if err == nil {
					for kind, n := range stats.Counts {
						fmt.Printf("     %-20s %d\n", kind, n)
					}
					fmt.Printf("     %-20s %d\n", "archived_tasks", stats.Tasks)
					fmt.Printf("     %-20s %d bytes\n", "store_size", stats.SizeBytes)
				}
			}

			if failed {
				return errors.New("doctor found problems")
			}
			return nil
		},
	}
}
