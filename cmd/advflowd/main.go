// Package main is the entry point for the advflow workflow server.
// It wires all dependencies together and starts the HTTP server.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/advflow/internal/behavior"
	"github.com/pitabwire/advflow/internal/capability"
	"github.com/pitabwire/advflow/internal/config"
	"github.com/pitabwire/advflow/internal/definition"
	"github.com/pitabwire/advflow/internal/idempotency"
	"github.com/pitabwire/advflow/internal/notify"
	"github.com/pitabwire/advflow/internal/observability"
	"github.com/pitabwire/advflow/internal/scheduler"
	"github.com/pitabwire/advflow/internal/target"
	"github.com/pitabwire/advflow/internal/transport"
	"github.com/pitabwire/advflow/internal/workflow"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

// stores bundles the persistence backends chosen by configuration.
type stores struct {
	definitions definition.Store
	instances   interface {
		workflow.Store
		workflow.Bindings
	}
	readiness observability.ReadinessChecks
	close     func()
}

func run() int {
	// Step 1: Parse CLI flags.
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	// Step 2: Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	// Step 3: Initialize telemetry (logger, tracer, metrics).
	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "advflowd", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Step 4: Capability resolution.
	identity, err := buildIdentity(cfg.Capability, metrics)
	if err != nil {
		logger.Error("capability initialization failed", zap.Error(err))
		return 1
	}

	// Step 5: Stores.
	st, err := buildStores(ctx, cfg.Workflow.Store, logger)
	if err != nil {
		logger.Error("store initialization failed", zap.Error(err))
		return 1
	}
	defer st.close()

	// Step 6: Scheduler, notifier and idempotency backends.
	queue, queueCloser := buildScheduler(cfg.Scheduler, logger)
	defer queueCloser()
	st.readiness.Scheduler = queue

	notifier := buildNotifier(cfg.Notifier, logger, metrics)

	idemStore, idemCloser := buildIdempotencyStore(cfg.Idempotency, logger)
	defer idemCloser()
	if hc, ok := idemStore.(observability.HealthChecker); ok {
		st.readiness.IdempotencyStore = hc
	}

	// Step 7: Engine and services.
	behaviors := behavior.NewDefaultRegistry()
	targets := target.NewMemoryRepository()

	engine := workflow.NewEngine(workflow.Collaborators{
		Store:       st.instances,
		Behaviors:   behaviors,
		Targets:     targets,
		Scheduler:   queue,
		Notifier:    notifier,
		Permissions: identity,
		Logger:      logger,
		Metrics:     metrics,
	},
		workflow.WithChainLimit(cfg.Workflow.ChainLimit),
		workflow.WithAdminCapability(cfg.Capability.AdminCapability),
	)

	workflows := workflow.NewService(engine, st.instances, st.instances, st.definitions, targets,
		workflow.ServiceConfig{InheritDefinitions: cfg.Workflow.InheritDefinitions}, logger, metrics)
	definitions := definition.NewService(st.definitions, definition.NewValidator(behaviors), workflows, logger, metrics)

	// Step 8: Provision definitions from template directories.
	if len(cfg.Workflow.TemplateDirectories) > 0 {
		templates, err := definition.NewLoader().LoadAll(cfg.Workflow.TemplateDirectories)
		if err != nil {
			logger.Error("template loading failed", zap.Error(err))
			return 1
		}
		n, err := definitions.Provision(ctx, definition.NewCatalog(templates))
		if err != nil {
			logger.Error("definition provisioning failed", zap.Error(err))
			return 1
		}
		logger.Info("definitions provisioned", zap.Int("templates", len(templates)), zap.Int("imported", n))
	}

	// Step 9: HTTP router.
	keyFunc, err := transport.NewKeyFunc(cfg.Identity, logger)
	if err != nil {
		logger.Error("identity initialization failed", zap.Error(err))
		return 1
	}
	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Logger:       logger,
		Metrics:      metrics,
		Authenticate: transport.JWTAuthenticator(cfg.Identity, keyFunc),
		Workflows:    workflows,
		Definitions:  definitions,
		Behaviors:    behaviors,
		Targets:      targets,
		Identity:     identity,
		Idempotency:  idemStore,
		Readiness:    st.readiness,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Step 10: Start background tasks.
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	runner := scheduler.NewRunner(queue, scheduler.HandlerFunc(workflows.HandleJob), scheduler.RunnerConfig{
		Interval:    cfg.Scheduler.PollInterval,
		BatchSize:   cfg.Scheduler.BatchSize,
		MaxAttempts: cfg.Scheduler.MaxAttempts,
		RetryDelay:  cfg.Scheduler.RetryDelay,
	}, logger, metrics)
	go runner.Run(bgCtx)

	// Step 11: Start HTTP server.
	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("store", cfg.Workflow.Store.Driver),
		zap.String("scheduler", cfg.Scheduler.Driver),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	}

	// Graceful shutdown sequence.
	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}
	bgCancel()

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// buildIdentity creates the capability resolver. Without a policy file only
// the admin role is granted anything.
func buildIdentity(cfg config.CapabilityConfig, metrics *observability.Metrics) (*capability.Identity, error) {
	var evaluator *capability.StaticPolicyEvaluator
	if cfg.StaticPolicyFile != "" {
		e, err := capability.NewStaticPolicyEvaluator(cfg.StaticPolicyFile)
		if err != nil {
			return nil, fmt.Errorf("static policy: %w", err)
		}
		evaluator = e
	} else {
		evaluator = capability.NewStaticPolicy(capability.Policy{
			Roles: map[string][]string{"admin": {"workflow:*"}},
		})
	}
	resolver := capability.NewResolver(evaluator, cfg.Cache.TTL, cfg.Cache.MaxEntries, metrics)
	return capability.NewIdentity(resolver), nil
}

// buildStores creates the definition and instance stores.
func buildStores(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (stores, error) {
	switch cfg.Driver {
	case "memory":
		logger.Info("using in-memory stores")
		return stores{
			definitions: definition.NewMemoryStore(),
			instances:   workflow.NewMemoryStore(),
			close:       func() {},
		}, nil
	case "postgres":
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return stores{}, fmt.Errorf("store: %s environment variable not set", cfg.DSNEnv)
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return stores{}, fmt.Errorf("store: parse DSN: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
		poolCfg.MinConns = int32(cfg.MaxIdleConns)
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return stores{}, fmt.Errorf("store: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return stores{}, fmt.Errorf("store: ping: %w", err)
		}

		defs := definition.NewPgStore(pool)
		insts := workflow.NewPgStore(pool)
		if err := defs.Migrate(ctx); err != nil {
			pool.Close()
			return stores{}, err
		}
		if err := insts.Migrate(ctx); err != nil {
			pool.Close()
			return stores{}, err
		}
		return stores{
			definitions: defs,
			instances:   insts,
			readiness: observability.ReadinessChecks{
				DefinitionStore: defs,
				InstanceStore:   insts,
			},
			close: pool.Close,
		}, nil
	default:
		return stores{}, fmt.Errorf("unsupported store driver: %q", cfg.Driver)
	}
}

// buildScheduler creates the delayed-job queue.
func buildScheduler(cfg config.SchedulerConfig, logger *zap.Logger) (scheduler.Queue, func()) {
	if cfg.Driver == "redis" {
		client := redis.NewClient(&redis.Options{Addr: os.Getenv(cfg.AddrEnv), DB: cfg.DB})
		logger.Info("using redis scheduler", zap.String("prefix", cfg.KeyPrefix))
		return scheduler.NewRedisScheduler(client, cfg.KeyPrefix), func() { client.Close() }
	}
	logger.Info("using in-memory scheduler")
	return scheduler.NewMemoryScheduler(), func() {}
}

func buildNotifier(cfg config.NotifierConfig, logger *zap.Logger, metrics *observability.Metrics) notify.Notifier {
	if cfg.Driver == "queue" {
		return notify.NewQueueNotifier(cfg.From, cfg.OutboxCapacity, metrics)
	}
	return notify.NewLogNotifier(cfg.From, logger, metrics)
}

// buildIdempotencyStore creates the idempotency store based on config.
func buildIdempotencyStore(cfg config.IdempotencyConfig, logger *zap.Logger) (idempotency.Store, func()) {
	if !cfg.Enabled {
		return nil, func() {}
	}
	if cfg.Store.Driver == "redis" {
		client := redis.NewClient(&redis.Options{Addr: os.Getenv(cfg.Store.AddrEnv), DB: cfg.Store.DB})
		logger.Info("using redis idempotency store")
		return idempotency.NewRedisStore(client), func() { client.Close() }
	}
	logger.Info("using in-memory idempotency store")
	return idempotency.NewMemoryStore(), func() {}
}
