package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/animus-labs/animus-orchestrator/internal/api"
	"github.com/animus-labs/animus-orchestrator/internal/events"
	"github.com/animus-labs/animus-orchestrator/internal/orchestration/approval"
	"github.com/animus-labs/animus-orchestrator/internal/orchestration/dispatch"
	"github.com/animus-labs/animus-orchestrator/internal/orchestration/graph"
	"github.com/animus-labs/animus-orchestrator/internal/orchestration/interrupt"
	"github.com/animus-labs/animus-orchestrator/internal/orchestration/nodes"
	"github.com/animus-labs/animus-orchestrator/internal/orchestration/recovery"
	"github.com/animus-labs/animus-orchestrator/internal/platform/auditlog"
	"github.com/animus-labs/animus-orchestrator/internal/platform/auth"
	"github.com/animus-labs/animus-orchestrator/internal/platform/env"
	"github.com/animus-labs/animus-orchestrator/internal/platform/httpserver"
	"github.com/animus-labs/animus-orchestrator/internal/platform/objectstore"
	"github.com/animus-labs/animus-orchestrator/internal/platform/postgres"
	"github.com/animus-labs/animus-orchestrator/internal/platform/retry"
	"github.com/animus-labs/animus-orchestrator/internal/platform/telemetry"
	"github.com/animus-labs/animus-orchestrator/internal/service/orchestrator"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator and its HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := newLogger(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, logger)
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := newLogger(cmd)
			if err != nil {
				return err
			}
			st, err := openStores(cmd.Context(), storePostgres)
			if err != nil {
				return err
			}
			defer func() { _ = st.close() }()
			if err := migrate(cmd.Context(), st); err != nil {
				return err
			}
			logger.Info("schema applied")
			return nil
		},
	}
}

// config gathers every env-derived setting so that a bad value fails
// before anything is started.
type config struct {
	store        string
	http         httpserver.Config
	tracing      telemetry.TracingConfig
	auth         auth.Config
	objects      objectstore.Config
	graph        graph.Config
	interrupts   interrupt.Config
	approvals    approval.Config
	itsm         approval.ITSMConfig
	recovery     recovery.Config
	retry        retry.Policy
	strategyFile string
}

func loadConfig() (config, error) {
	var (
		cfg config
		err error
	)
	if cfg.store, err = storeKind(); err != nil {
		return config{}, err
	}
	if cfg.http, err = httpserver.ConfigFromEnv(serviceName); err != nil {
		return config{}, fmt.Errorf("http: %w", err)
	}
	if cfg.tracing, err = telemetry.TracingConfigFromEnv(); err != nil {
		return config{}, fmt.Errorf("tracing: %w", err)
	}
	if cfg.auth, err = auth.ConfigFromEnv(); err != nil {
		return config{}, fmt.Errorf("auth: %w", err)
	}
	if cfg.objects, err = objectstore.ConfigFromEnv(); err != nil {
		return config{}, fmt.Errorf("object store: %w", err)
	}
	if cfg.graph, err = graph.ConfigFromEnv(); err != nil {
		return config{}, fmt.Errorf("graph: %w", err)
	}
	if cfg.interrupts, err = interrupt.ConfigFromEnv(); err != nil {
		return config{}, fmt.Errorf("interrupts: %w", err)
	}
	if cfg.approvals, err = approval.ConfigFromEnv(); err != nil {
		return config{}, fmt.Errorf("approvals: %w", err)
	}
	if cfg.itsm, err = approval.ITSMConfigFromEnv(); err != nil {
		return config{}, fmt.Errorf("itsm: %w", err)
	}
	if cfg.recovery, err = recovery.ConfigFromEnv(); err != nil {
		return config{}, fmt.Errorf("recovery: %w", err)
	}
	if cfg.retry, err = retry.PolicyFromEnv("CAS"); err != nil {
		return config{}, fmt.Errorf("retry: %w", err)
	}
	cfg.strategyFile = env.String("ORCHESTRATOR_FAILURE_STRATEGY_FILE", "")
	return cfg, nil
}

func migrate(ctx context.Context, st stores) error {
	if st.db == nil {
		return fmt.Errorf("migrate requires the %s store", storePostgres)
	}
	return postgres.Migrate(ctx, st.db)
}

func serve(ctx context.Context, logger *slog.Logger) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	shutdownTracing, err := telemetry.SetupProvider(ctx, cfg.tracing)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown failed", "err", err)
		}
	}()

	st, err := openStores(ctx, cfg.store)
	if err != nil {
		return err
	}
	defer func() { _ = st.close() }()
	metrics := telemetry.NewMetrics()

	var archive objectstore.Store
	checks := st.checks
	if cfg.objects.Enabled() {
		store, err := objectstore.NewMinioStore(cfg.objects)
		if err != nil {
			return fmt.Errorf("object store: %w", err)
		}
		startupCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err = store.EnsureBucket(startupCtx, cfg.objects.Region)
		cancel()
		if err != nil {
			return fmt.Errorf("object store bucket: %w", err)
		}
		archive = store
		checks = append(checks, httpserver.ReadinessCheck{Name: "object_store", Check: store.Check})
	}

	policy := dispatch.FailurePolicy(dispatch.FailureStrategy{})
	if cfg.strategyFile != "" {
		strategy, err := dispatch.LoadFailureStrategy(cfg.strategyFile)
		if err != nil {
			return fmt.Errorf("failure strategy: %w", err)
		}
		policy = strategy
	}

	bus := events.NewBus(logger)
	bus.Subscribe("audit", events.AuditSink(st.audit), events.AuditKinds...)
	bus.Subscribe("metrics", events.MetricsSink(metrics))

	cache, err := graph.New(graph.Options{
		Graphs:   st.graphs,
		Outcomes: st.outcomes,
		Archive:  archive,
		Retry:    cfg.retry,
		Logger:   logger,
		Metrics:  metrics,
	})
	if err != nil {
		return err
	}
	dispatcher, err := dispatch.New(dispatch.Options{
		Nodes:    st.nodes,
		Plans:    st.plans,
		Outcomes: st.outcomes,
		Updater:  nodes.NewUpdater(st.nodes, cfg.retry, logger, metrics),
		Graph:    cache,
		Policy:   policy,
		Events:   bus,
		Retry:    cfg.retry,
		Logger:   logger,
		Metrics:  metrics,
	})
	if err != nil {
		return err
	}
	engine, err := interrupt.New(interrupt.Options{
		Interrupts: st.interrupts,
		Nodes:      st.nodes,
		Plans:      st.plans,
		Dispatcher: dispatcher,
		Events:     bus,
		Retry:      cfg.retry,
		Config:     cfg.interrupts,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	approvalOpts := approval.Options{
		Approvals:  st.approvals,
		Nodes:      st.nodes,
		Dispatcher: dispatcher,
		Events:     bus,
		Retry:      cfg.retry,
		Config:     cfg.approvals,
		Logger:     logger,
	}
	if cfg.itsm.Enabled() {
		client, err := approval.NewITSMClient(ctx, cfg.itsm)
		if err != nil {
			return fmt.Errorf("itsm: %w", err)
		}
		approvalOpts.Source = client
	}
	approvals, err := approval.New(approvalOpts)
	if err != nil {
		return err
	}
	bus.Subscribe("approval", approvals.OnNodeEvent, events.NodeStatusChanged)

	svc, err := orchestrator.New(orchestrator.Options{
		Nodes:      st.nodes,
		Plans:      st.plans,
		Interrupts: st.interrupts,
		Approvals:  st.approvals,
		Dispatcher: dispatcher,
		Engine:     engine,
		Graph:      cache,
		Approval:   approvals,
		Events:     bus,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	authenticator, err := auth.New(ctx, cfg.auth)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("GET /healthz", httpserver.Healthz(serviceName))
	mux.Handle("GET /readyz", httpserver.ReadyzWithChecks(serviceName, checks...))
	mux.Handle("GET /metrics", metrics.Handler())
	api.New(logger, svc).Register(mux)
	handler := auth.Middleware{
		Logger:        logger,
		Authenticator: authenticator,
		Authorize:     auth.MethodRoleAuthorizer(),
		Audit:         auditlog.AuthDeny(st.audit, serviceName),
		SkipPrefixes:  []string{"/healthz", "/readyz", "/metrics"},
	}.Wrap(mux)

	sweeper := recovery.NewSweeper(st.nodes, dispatcher, cfg.recovery, logger, approvals)
	poller := approval.NewPoller(approvals)

	logger.Info("orchestrator starting",
		"store", cfg.store,
		"auth_mode", cfg.auth.Mode,
		"archive", cfg.objects.Enabled(),
		"itsm", cfg.itsm.Enabled(),
	)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return engine.Run(ctx) })
	g.Go(func() error { return poller.Run(ctx) })
	g.Go(func() error { return sweeper.Run(ctx) })
	if archive != nil {
		janitor := graph.NewJanitor(st.graphs, cfg.graph, logger)
		g.Go(func() error { return janitor.Run(ctx) })
	}
	g.Go(func() error {
		return httpserver.Run(ctx, logger, cfg.http, httpserver.Wrap(logger, serviceName, handler))
	})
	return g.Wait()
}
