package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/outflowhq/outflow/bus"
	"github.com/outflowhq/outflow/config"
	"github.com/outflowhq/outflow/httpapi"
	"github.com/outflowhq/outflow/ingress"
	"github.com/outflowhq/outflow/jobs"
	"github.com/outflowhq/outflow/llm"
	"github.com/outflowhq/outflow/planner"
	"github.com/outflowhq/outflow/policy"
	"github.com/outflowhq/outflow/queue"
	"github.com/outflowhq/outflow/runtime"
	"github.com/outflowhq/outflow/scheduler"
	"github.com/outflowhq/outflow/store"
	"github.com/outflowhq/outflow/subjectctx"
	"github.com/outflowhq/outflow/supervisor"
	"github.com/outflowhq/outflow/threads"
	"github.com/outflowhq/outflow/tools"
	"github.com/outflowhq/outflow/worker"
)

// App holds the shared infrastructure one daemon runs on.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	nc        *nats.Conn
	js        jetstream.JetStream
	cache     *store.Cache
	store     *store.Store
	publisher *bus.Publisher
	queue     *queue.Queue
	registry  *tools.Registry
	toolrt    *tools.Runtime
	overrides *policy.Overrides
	policy    *policy.Engine
	threads   *threads.Service
}

// buildFunc registers one daemon's components on the runner.
type buildFunc func(ctx context.Context, app *App, runner *runtime.Runner) error

// runDaemon wires shared infrastructure, lets the daemon add its
// components, and runs until signalled.
func runDaemon(ctx context.Context, cfg *config.Config, logger *slog.Logger, build buildFunc) error {
	app, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	runner := runtime.NewRunner(cfg.Consumers.SessionTimeout, logger)
	if err := build(ctx, app, runner); err != nil {
		return err
	}
	return runner.Run(ctx)
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	app := &App{cfg: cfg, logger: logger}

	if cfg.Cache.URL != "" {
		cache, err := store.NewCache(cfg.Cache, logger)
		if err != nil {
			// The store falls back to direct reads without a cache.
			logger.Warn("Cache unavailable, continuing without it", "error", err)
		} else {
			app.cache = cache
		}
	}

	st, err := store.Open(cfg.Database, app.cache, logger)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}
	app.store = st

	nc, err := nats.Connect(cfg.NATS.URL,
		nats.MaxReconnects(cfg.NATS.MaxReconnects),
		nats.ReconnectWait(cfg.NATS.ReconnectWait))
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("connect NATS: %w", err)
	}
	app.nc = nc

	js, err := jetstream.New(nc)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("init JetStream: %w", err)
	}
	app.js = js

	if err := bus.EnsureStreams(ctx, js, logger); err != nil {
		app.Close()
		return nil, err
	}

	app.publisher = bus.NewPublisher(js, appName, logger)
	if cfg.Features.EnableTracing {
		app.publisher.EnableTracing()
	}

	app.queue = queue.New(js, st, logger)
	if err := app.queue.EnsureStream(ctx); err != nil {
		app.Close()
		return nil, err
	}

	if cfg.Policy.OverridesPath != "" {
		overrides, err := policy.WatchOverrides(cfg.Policy.OverridesPath, logger)
		if err != nil {
			app.Close()
			return nil, fmt.Errorf("watch policy overrides: %w", err)
		}
		app.overrides = overrides
	}
	app.policy = policy.NewEngine(st, cfg.Policy, app.overrides, logger)

	app.registry = tools.Default()
	app.toolrt = &tools.Runtime{
		Store:    st,
		Channels: cfg.Channels,
		Logger:   logger,
	}
	app.registry.RefreshAvailability(app.toolrt)

	app.threads = threads.NewService(st, logger)
	return app, nil
}

// Close releases connections in reverse dependency order.
func (a *App) Close() {
	if a.overrides != nil {
		if err := a.overrides.Close(); err != nil {
			a.logger.Warn("Failed to close overrides watcher", "error", err)
		}
	}
	if a.nc != nil {
		a.nc.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("Failed to close store", "error", err)
		}
	}
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			a.logger.Warn("Failed to close cache", "error", err)
		}
	}
}

// newPlanner builds the LLM-backed planner from the config.
func (a *App) newPlanner() *planner.Planner {
	client := llm.NewClient(a.cfg.Planner, llm.WithLogger(a.logger))
	return planner.New(client, a.logger)
}

// newExecutor builds the tool executor with the policy gate.
func (a *App) newExecutor() *tools.Executor {
	return tools.NewExecutor(a.registry, a.toolrt, a.policy, a.logger)
}

// newIngestor builds the intake pipeline.
func (a *App) newIngestor() *ingress.Ingestor {
	mat := subjectctx.NewMaterializer(a.store, a.logger)
	return ingress.New(a.store, mat, a.queue, a.publisher, a.logger)
}

// addServer wraps the HTTP server in the component lifecycle.
func addServer(runner *runtime.Runner, srv *httpapi.Server, logger *slog.Logger) {
	runner.Add("admin-api", runtime.Funcs{
		StartFunc: func(ctx context.Context) error {
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("Admin API failed", "error", err)
				}
			}()
			return nil
		},
		StopFunc: func(timeout time.Duration) error {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			return srv.Stop(ctx)
		},
	})
}

// buildIngress serves the event intake surface only; admin routes that
// need other collaborators answer 503 here.
func buildIngress(_ context.Context, app *App, runner *runtime.Runner) error {
	srv := httpapi.New(app.cfg.HTTP, app.newIngestor(), nil, nil, app.store, app.logger)
	addServer(runner, srv, app.logger)
	return nil
}

// buildAdmin serves the full admin API: intake, threads, and DLQ
// reprocessing.
func buildAdmin(_ context.Context, app *App, runner *runtime.Runner) error {
	srv := httpapi.New(app.cfg.HTTP, app.newIngestor(), app.threads, app.queue, app.store, app.logger)
	addServer(runner, srv, app.logger)
	return nil
}

// buildHighPriority runs the supervisor's consumer group and the job
// queue worker pool.
func buildHighPriority(_ context.Context, app *App, runner *runtime.Runner) error {
	sup := supervisor.New(app.store, app.newPlanner(), app.registry, app.publisher, app.logger)
	group, err := bus.NewGroup(bus.HighPriorityGroup(app.cfg.Consumers), app.js, sup.HandleDelivery, app.store, app.logger)
	if err != nil {
		return err
	}

	invoker := jobs.NewInvoker(app.store, app.publisher, app.logger)
	sweeper := jobs.NewActionSweeper(app.store, app.policy, app.newExecutor(), app.logger)
	app.queue.Register(ingress.JobAgentInvocation, invoker.HandleJob)
	app.queue.Register(scheduler.JobScheduledActions, sweeper.HandleJob)

	runner.Add("job-queue", app.queue)
	runner.Add("high-priority-consumer", group)
	return nil
}

// buildWorkerTasks runs the bi-directional task consumer: assignments
// go to the worker, completion reports go to the supervisor.
func buildWorkerTasks(_ context.Context, app *App, runner *runtime.Runner) error {
	pl := app.newPlanner()
	w := worker.New(app.store, app.newExecutor(), pl, app.registry, app.publisher, app.logger)
	sup := supervisor.New(app.store, pl, app.registry, app.publisher, app.logger)

	route := func(ctx context.Context, d *bus.Delivery) error {
		if d.Envelope.EventType == bus.EventWorkerTaskCompleted {
			return sup.HandleDelivery(ctx, d)
		}
		return w.HandleDelivery(ctx, d)
	}
	group, err := bus.NewGroup(bus.WorkerTasksGroup(app.cfg.Consumers), app.js, route, app.store, app.logger)
	if err != nil {
		return err
	}
	runner.Add("worker-task-consumer", group)
	return nil
}

// buildScheduler runs the cron daemon.
func buildScheduler(_ context.Context, app *App, runner *runtime.Runner) error {
	runner.Add("scheduler", scheduler.New(app.queue, app.threads, app.cfg.Features, app.logger))
	return nil
}

// runMigrate applies migrations and exits.
func runMigrate(cfg *config.Config, logger *slog.Logger) error {
	st, err := store.Open(cfg.Database, nil, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn("Failed to close store", "error", err)
		}
	}()

	if err := st.Migrate(); err != nil {
		return err
	}
	logger.Info("Migrations applied")
	return nil
}
