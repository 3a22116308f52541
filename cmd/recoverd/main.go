// cmd/recoverd/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/FairForge/recoverd/internal/api"
	"github.com/FairForge/recoverd/internal/archive"
	"github.com/FairForge/recoverd/internal/audit"
	"github.com/FairForge/recoverd/internal/auth"
	"github.com/FairForge/recoverd/internal/config"
	"github.com/FairForge/recoverd/internal/engine"
	"github.com/FairForge/recoverd/internal/infra"
	"github.com/FairForge/recoverd/internal/kube"
	"github.com/FairForge/recoverd/internal/metrics"
	"github.com/FairForge/recoverd/internal/objectstore"
	"github.com/FairForge/recoverd/internal/recovery"
	"github.com/FairForge/recoverd/internal/store"
)

func main() {
	cfg, err := config.Load(os.Getenv("RECOVERD_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "recoverd: %v\n", err)
		os.Exit(1)
	}

	logger, err := buildLogger(cfg.Server.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "recoverd: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	collector := metrics.NewCollector()

	// Database
	db, err := store.NewPostgres(store.Config{
		URL:      cfg.Database.URL,
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		Database: cfg.Database.Database,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		SSLMode:  cfg.Database.SSLMode,
	})
	if err != nil {
		logger.Fatal("failed to open database", zap.Error(err))
	}

	initCtx, initCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := db.Ping(initCtx); err != nil {
		logger.Fatal("database unreachable", zap.Error(err))
	}
	if err := db.CreateTables(initCtx); err != nil {
		logger.Fatal("failed to create tables", zap.Error(err))
	}

	runStore := store.NewRunStore(db)
	validationStore := store.NewValidationStore(db)
	complianceStore := store.NewComplianceStore(db)
	jobStore := store.NewJobStore(db)

	// Backup engine
	engineClient, err := engine.NewClient(&engine.Config{
		BaseURL:        cfg.Engine.BaseURL,
		APIKey:         cfg.Engine.APIKey,
		RequestTimeout: cfg.Engine.RequestTimeout.Std(),
		PollPerSecond:  cfg.Engine.PollPerSecond,
		PollBurst:      cfg.Engine.PollBurst,
		BreakerTimeout: cfg.Engine.BreakerTimeout.Std(),
	}, collector, logger)
	if err != nil {
		logger.Fatal("failed to create engine client", zap.Error(err))
	}

	// Infrastructure automation. Optional: without it the cross-region
	// provision and DNS steps fail instead of running.
	var infraRunner recovery.InfraRunner
	if cfg.Infra.BaseURL != "" {
		runner, err := infra.NewRunner(&infra.Config{
			BaseURL:        cfg.Infra.BaseURL,
			Token:          cfg.Infra.Token,
			RequestTimeout: cfg.Infra.RequestTimeout.Std(),
			PollInterval:   cfg.Infra.PollInterval.Std(),
		}, logger)
		if err != nil {
			logger.Fatal("failed to create infra runner", zap.Error(err))
		}
		infraRunner = runner
	} else {
		logger.Warn("infrastructure automation not configured, cross-region steps will fail")
	}

	// Kubernetes. An empty kubeconfig path selects in-cluster credentials.
	kubeClient, err := kube.NewClient(cfg.Kubernetes.Kubeconfig, logger)
	if err != nil {
		logger.Fatal("failed to create kubernetes client", zap.Error(err))
	}

	// Object storage
	objects, err := objectstore.NewClient(objectstore.Config{
		Endpoint:  cfg.ObjectStore.Endpoint,
		Region:    cfg.ObjectStore.Region,
		AccessKey: cfg.ObjectStore.AccessKey,
		SecretKey: cfg.ObjectStore.SecretKey,
		PathStyle: cfg.ObjectStore.PathStyle,
	}, logger)
	if err != nil {
		logger.Fatal("failed to create object storage client", zap.Error(err))
	}
	if bucket := cfg.ObjectStore.ManifestBucket; bucket != "" {
		if err := objects.HealthCheck(initCtx, bucket); err != nil {
			logger.Warn("manifest bucket unreachable",
				zap.String("bucket", bucket),
				zap.Error(err))
		}
	}
	initCancel()

	var archiver recovery.Archiver
	if cfg.Archive.Bucket != "" {
		arch, err := archive.NewArchiver(objects, archive.Config{
			Bucket:    cfg.Archive.Bucket,
			Prefix:    cfg.Archive.Prefix,
			Codec:     archive.Codec(cfg.Archive.Codec),
			ZstdLevel: cfg.Archive.ZstdLevel,
		}, logger)
		if err != nil {
			logger.Fatal("failed to create archiver", zap.Error(err))
		}
		archiver = arch
	}

	// Auth
	authService, err := auth.NewService([]byte(cfg.Auth.JWTSecret), cfg.Auth.TokenTTL.Std())
	if err != nil {
		logger.Fatal("failed to create auth service", zap.Error(err))
	}
	for _, op := range cfg.Auth.Operators {
		if err := authService.Register(op.Name, op.KeyHash, auth.Role(op.Role)); err != nil {
			logger.Fatal("failed to register operator",
				zap.String("operator", op.Name),
				zap.Error(err))
		}
	}
	if len(cfg.Auth.Operators) == 0 {
		logger.Warn("no operators configured, every request will be rejected")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Audit trail
	auditService := audit.NewService(db, logger)
	sweeper := audit.NewSweeper(auditService, audit.DefaultRetentionPolicies(),
		cfg.Audit.SweepInterval.Std(), logger)
	sweeper.Start(ctx)

	// Scenario definitions: built-ins, plus an optional file with hot reload.
	registry := recovery.NewScenarioRegistry(logger)
	var watcher *recovery.ScenarioWatcher
	if cfg.Scenarios.File != "" {
		if err := registry.LoadFile(cfg.Scenarios.File); err != nil {
			logger.Fatal("failed to load scenario file", zap.Error(err))
		}
		if cfg.Scenarios.Watch {
			watcher, err = recovery.NewScenarioWatcher(registry, cfg.Scenarios.File, logger)
			if err != nil {
				logger.Fatal("failed to watch scenario file", zap.Error(err))
			}
			watcher.Start()
		}
	}

	catalog := recovery.NewBackupCatalog(engineClient, cfg.Catalog.RefreshInterval.Std(), collector, logger)
	if err := catalog.Start(ctx); err != nil {
		logger.Fatal("failed to prime backup catalog", zap.Error(err))
	}

	executor := recovery.NewRecoveryExecutor(engineClient, infraRunner,
		recovery.DefaultExecutorConfig(), collector, logger)
	health := recovery.NewServiceHealthChecker(kubeClient, cfg.Health.Namespaces,
		cfg.Health.PollInterval.Std(), logger)

	objectives, err := recovery.NewObjectiveTracker(tierObjectives(cfg.Objectives), complianceStore, collector, logger)
	if err != nil {
		logger.Fatal("invalid recovery objectives", zap.Error(err))
	}

	leases := recovery.NewLeaseTable()

	controller, err := recovery.NewScenarioController(recovery.ControllerConfig{
		Registry:   registry,
		Catalog:    catalog,
		Executor:   executor,
		Health:     health,
		Objectives: objectives,
		Leases:     leases,
		Store:      runStore,
		Audit:      auditService,
		Archive:    archiver,
		Metrics:    collector,
		Logger:     logger,
	})
	if err != nil {
		logger.Fatal("failed to create controller", zap.Error(err))
	}

	resumeCtx, resumeCancel := context.WithTimeout(ctx, 30*time.Second)
	if err := controller.Resume(resumeCtx); err != nil {
		logger.Fatal("failed to resume interrupted runs", zap.Error(err))
	}
	resumeCancel()

	validator := recovery.NewValidationRunner(engineClient, kubeClient, objects,
		catalog, leases, validationStore, auditService, collector,
		validationConfig(cfg.Validation), logger)
	validator.Start(ctx)

	server := api.NewServer(cfg, logger, api.Deps{
		Controller: controller,
		Validator:  validator,
		Catalog:    catalog,
		Objectives: objectives,
		Engine:     engineClient,
		Jobs:       jobStore,
		Auth:       authService,
		Audit:      auditService,
	})

	// Handle shutdown gracefully
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down")
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutCancel()

		if err := server.Shutdown(shutCtx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
		controller.Stop()
		validator.Stop()
		catalog.Stop()
		sweeper.Stop()
		if watcher != nil {
			watcher.Stop()
		}
		auditService.Flush()
		cancel()
		if err := db.Close(); err != nil {
			logger.Error("database close error", zap.Error(err))
		}
		_ = logger.Sync()
		os.Exit(0)
	}()

	logger.Info("recoverd started",
		zap.Int("port", cfg.Server.Port),
		zap.Int("scenarios", len(registry.All())),
		zap.Strings("health_namespaces", cfg.Health.Namespaces))

	if err := server.Start(); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

// buildLogger constructs the process logger at the configured level.
func buildLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}

func tierObjectives(cfg config.ObjectivesConfig) recovery.TierObjectives {
	return recovery.TierObjectives{
		recovery.TierCritical:    {RTO: cfg.Critical.RTO.Std(), RPO: cfg.Critical.RPO.Std()},
		recovery.TierStandard:    {RTO: cfg.Standard.RTO.Std(), RPO: cfg.Standard.RPO.Std()},
		recovery.TierNonCritical: {RTO: cfg.NonCritical.RTO.Std(), RPO: cfg.NonCritical.RPO.Std()},
	}
}

// validationConfig maps file configuration onto runner defaults. Poll
// cadence stays internal; only operator-facing knobs are exposed.
func validationConfig(cfg config.ValidationConfig) *recovery.ValidationConfig {
	vc := recovery.DefaultValidationConfig()
	if w := cfg.Window.Std(); w > 0 {
		vc.Window = w
	}
	if cfg.NamespacePrefix != "" {
		vc.NamespacePrefix = cfg.NamespacePrefix
	}
	if t := cfg.CleanupTimeout.Std(); t > 0 {
		vc.CleanupTimeout = t
	}
	vc.Interval = cfg.Interval.Std()
	if len(cfg.Tiers) > 0 {
		tiers := make([]recovery.Tier, 0, len(cfg.Tiers))
		for _, t := range cfg.Tiers {
			tiers = append(tiers, recovery.Tier(t))
		}
		vc.Tiers = tiers
	}
	return vc
}
