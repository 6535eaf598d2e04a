package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/custodia-labs/twolaps-core/internal/adapters/driven/ai"
	"github.com/custodia-labs/twolaps-core/internal/adapters/driven/postgres"
	postgresqueue "github.com/custodia-labs/twolaps-core/internal/adapters/driven/queue/postgres"
	redisqueue "github.com/custodia-labs/twolaps-core/internal/adapters/driven/queue/redis"
	redisadapter "github.com/custodia-labs/twolaps-core/internal/adapters/driven/redis"
	"github.com/custodia-labs/twolaps-core/internal/adapters/driven/sqlite"
	httpadapter "github.com/custodia-labs/twolaps-core/internal/adapters/driving/http"
	"github.com/custodia-labs/twolaps-core/internal/config"
	"github.com/custodia-labs/twolaps-core/internal/core/domain"
	"github.com/custodia-labs/twolaps-core/internal/core/ports/driven"
	"github.com/custodia-labs/twolaps-core/internal/core/ports/driving"
	"github.com/custodia-labs/twolaps-core/internal/core/services"
	"github.com/custodia-labs/twolaps-core/internal/runtime"
)

// newLogger builds the process logger from the log section.
func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// app holds every wired component of the process.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	db          *postgres.DB
	artifactsDB *sqlite.DB
	redisClient *redis.Client

	taskQueue driven.TaskQueue
	lock      driven.DistributedLock

	subjects     driven.SubjectStore
	observations driven.ObservationStore

	services   *runtime.Services
	settings   driving.AISettingsService
	retrieval  driving.RetrievalService
	runner     *services.Orchestrator
	reader     driving.ResultReader
	collection *services.CollectionService
}

// newApp connects the backends and builds the services.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	if err := a.init(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) init(ctx context.Context) error {
	cfg, logger := a.cfg, a.logger
	var err error

	// ===== PostgreSQL =====
	logger.Info("connecting to postgres")
	a.db, err = postgres.Connect(ctx, postgres.Config{
		URL:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
	})
	if err != nil {
		return err
	}
	if err = a.db.InitSchema(ctx); err != nil {
		return err
	}

	// ===== Redis (optional) =====
	if cfg.Redis.URL != "" {
		opts, perr := redis.ParseURL(cfg.Redis.URL)
		if perr != nil {
			return fmt.Errorf("parse redis url: %w", perr)
		}
		a.redisClient = redis.NewClient(opts)
		if err = a.redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		logger.Info("redis connected")
	}

	// ===== Task queue and lock (Redis if available, otherwise PostgreSQL) =====
	if a.redisClient != nil {
		queue, qerr := redisqueue.NewQueue(ctx, a.redisClient, fmt.Sprintf("worker-%d", os.Getpid()))
		if qerr != nil {
			return fmt.Errorf("create task queue: %w", qerr)
		}
		a.taskQueue = queue
		a.lock = redisadapter.NewLock(a.redisClient, redisadapter.LockConfig{})
	} else {
		a.taskQueue = postgresqueue.NewQueue(a.db.DB)
		a.lock = postgres.NewAdvisoryLock(a.db)
	}
	logger.Info("queue backend selected", "backend", cfg.QueueBackend())

	// ===== Stores =====
	a.subjects = postgres.NewSubjectStore(a.db)
	a.observations = postgres.NewObservationStore(a.db)
	candidates := postgres.NewCandidateStore(a.db)

	var (
		results driven.ResultStore
		reports driven.ReportStore
		index   driven.VectorIndex
	)
	switch cfg.Storage.Artifacts {
	case config.ArtifactsSQLite:
		a.artifactsDB, err = sqlite.Open(ctx, cfg.Storage.SQLitePath)
		if err != nil {
			return err
		}
		results = sqlite.NewResultStore(a.artifactsDB)
		reports = sqlite.NewReportStore(a.artifactsDB)
		index = sqlite.NewVectorIndex(a.artifactsDB)
	default:
		results = postgres.NewResultStore(a.db)
		reports = postgres.NewReportStore(a.db)
		index = postgres.NewVectorIndex(a.db)
	}
	logger.Info("artifact backend selected", "backend", cfg.Storage.Artifacts)

	// ===== AI services =====
	a.services = runtime.NewServices(domain.NewRuntimeConfig(cfg.Storage.Artifacts, cfg.QueueBackend()))
	factory := ai.NewFactory(ai.FactoryConfig{
		QueryCacheTTL:     cfg.Embedding.CacheTTL,
		RequestsPerSecond: cfg.Generative.RequestsPerSecond,
		Burst:             cfg.Generative.Burst,
	})
	a.settings = services.NewAISettingsService(factory, a.services, logger)

	status, err := a.settings.Apply(ctx, &domain.AISettings{
		Embedding:  cfg.Embedding.Settings(),
		Generative: cfg.Generative.Settings(),
	})
	if err != nil {
		return fmt.Errorf("apply ai settings: %w", err)
	}
	for name, p := range cfg.Collection.Providers {
		settings := p.Settings()
		if perr := a.settings.ApplyAnswerProvider(ctx, name, &settings); perr != nil {
			logger.Warn("answer provider unavailable", "name", name, "error", perr)
		}
	}
	logger.Info("ai services configured",
		"can_index", status.CanIndex,
		"can_run_pipeline", status.CanRunPipeline,
		"answer_providers", a.services.AnswerProviderNames(),
	)

	// ===== Core services =====
	profiles, err := config.LoadMarketProfiles(cfg.MarketsFile)
	if err != nil {
		return err
	}

	a.retrieval = services.NewRetrievalService(services.RetrievalConfig{
		Index:    index,
		Services: a.services,
		MinChars: cfg.Pipeline.MinFragmentChars,
		TopK:     cfg.Pipeline.RetrievalTopK,
		Timeout:  cfg.Pipeline.ProviderTimeout,
		Logger:   logger,
	})

	engine := services.NewStageEngine(services.StageEngineConfig{
		Services:        a.services,
		Retrieval:       a.retrieval,
		Logger:          logger,
		MaxRetries:      &cfg.Pipeline.MaxRetries,
		TopK:            cfg.Pipeline.RetrievalTopK,
		Timeout:         cfg.Pipeline.ProviderTimeout,
		MaxContextChars: cfg.Pipeline.MaxContextChars,
	})

	a.runner = services.NewOrchestrator(services.OrchestratorConfig{
		Subjects: a.subjects,
		Results:  results,
		Lock:     a.lock,
		Profiles: profiles,
		Stages: services.DefaultStages(services.PipelineConfig{
			Engine:       engine,
			Observations: a.observations,
			Results:      results,
			Reports:      reports,
			TrendPeriods: cfg.Pipeline.TrendPeriods,
			Logger:       logger,
		}),
		Logger:           logger,
		LockTTL:          cfg.Pipeline.RunLockTTL,
		BatchConcurrency: cfg.Pipeline.BatchConcurrency,
	})

	a.reader = services.NewResultReader(a.subjects, results, reports)

	discovery := services.NewDiscoveryService(services.DiscoveryConfig{
		Services:   a.services,
		Candidates: candidates,
		Logger:     logger,
		Timeout:    cfg.Generative.Timeout,
	})

	var limiter *rate.Limiter
	if cfg.Collection.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.Collection.RequestsPerSecond), max(cfg.Collection.Burst, 1))
	}
	a.collection = services.NewCollectionService(services.CollectionConfig{
		Subjects:     a.subjects,
		Observations: a.observations,
		Services:     a.services,
		Limiter:      limiter,
		Hooks:        []services.ObservationHook{services.IndexHook(a.retrieval), discovery.Hook()},
		Logger:       logger,
		Concurrency:  cfg.Collection.Concurrency,
		Timeout:      cfg.Generative.Timeout,
	})

	return nil
}

// newPoller builds the collection poller when enabled.
func (a *app) newPoller() *services.Poller {
	if !a.cfg.Worker.Poller {
		return nil
	}
	return services.NewPoller(services.PollerConfig{
		Subjects:     a.subjects,
		Observations: a.observations,
		TaskQueue:    a.taskQueue,
		Lock:         a.lock,
		Logger:       a.logger,
		PollInterval: a.cfg.Collection.PollInterval,
	})
}

// readinessChecks lists the dependencies /ready pings.
func (a *app) readinessChecks() map[string]httpadapter.Pinger {
	checks := map[string]httpadapter.Pinger{
		"database": a.db,
		"queue":    a.taskQueue,
	}
	if a.artifactsDB != nil {
		checks["artifacts"] = pingFunc(a.artifactsDB.PingContext)
	}
	if a.redisClient != nil {
		checks["redis"] = pingFunc(func(ctx context.Context) error {
			return a.redisClient.Ping(ctx).Err()
		})
	}
	return checks
}

// Close releases every backend. Safe on a partially built app.
func (a *app) Close() {
	if a.services != nil {
		_ = a.services.Close()
	}
	if a.taskQueue != nil {
		_ = a.taskQueue.Close()
	}
	if a.redisClient != nil {
		_ = a.redisClient.Close()
	}
	if a.artifactsDB != nil {
		_ = a.artifactsDB.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }
