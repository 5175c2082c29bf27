package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/scanforge/orchestrator/internal/collab"
	"github.com/scanforge/orchestrator/internal/config"
	"github.com/scanforge/orchestrator/internal/controller"
	"github.com/scanforge/orchestrator/internal/db"
	"github.com/scanforge/orchestrator/internal/flow"
	"github.com/scanforge/orchestrator/internal/gap"
	"github.com/scanforge/orchestrator/internal/health"
	"github.com/scanforge/orchestrator/internal/httpapi"
	"github.com/scanforge/orchestrator/internal/models"
	"github.com/scanforge/orchestrator/internal/queue"
	"github.com/scanforge/orchestrator/internal/ratecontrol"
	"github.com/scanforge/orchestrator/internal/retry"
	"github.com/scanforge/orchestrator/internal/state"
	"github.com/scanforge/orchestrator/internal/streaming"
	"github.com/scanforge/orchestrator/internal/tracing"
	"github.com/scanforge/orchestrator/internal/workers"
)

func main() {
	configPath := flag.String("config", "", "path to orchestrator.yaml (defaults to CONFIG_PATH or config/orchestrator.yaml)")
	flag.Parse()

	path := *configPath
	if path == "" && os.Getenv("CONFIG_PATH") == "" {
		if found, ok := ratecontrol.FindUp("orchestrator.yaml"); ok {
			path = found
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := buildLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	if err := tracing.Initialize(tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		ServiceName:  cfg.Tracing.ServiceName,
		OTLPEndpoint: cfg.Tracing.Endpoint,
	}, logger); err != nil {
		logger.Warn("Tracing initialization failed", zap.Error(err))
	}

	// Rate limits live in their own hot-reloadable file.
	limitsPath := cfg.RateLimitsFile
	if limitsPath == "" {
		if found, ok := ratecontrol.FindUp("ratelimits.yaml"); ok {
			limitsPath = found
		}
	}
	limits, err := ratecontrol.Load(limitsPath)
	if err != nil {
		logger.Fatal("Failed to load rate limits", zap.Error(err))
	}

	bus := streaming.NewBus(256)
	mgr := queue.NewManager(logger, bus)

	queueCfg := func(name string) queue.Config {
		def := cfg.Queues[name]
		merged := limits.ForQueue(name, ratecontrol.Limit{
			PerMinute:   def.RatePerMinute,
			Burst:       def.Burst,
			Concurrency: def.Concurrency,
		})
		return queue.Config{
			Name:          name,
			Concurrency:   merged.Concurrency,
			RatePerMinute: merged.PerMinute,
			Burst:         merged.Burst,
		}
	}

	// External collaborators share one retry policy.
	policy := retry.DefaultPolicy()
	search, err := collab.NewHTTPSearch(clientCfg(cfg.Collaborators.Search), policy, logger)
	if err != nil {
		logger.Fatal("Failed to build search client", zap.Error(err))
	}
	extraction, err := collab.NewHTTPExtraction(clientCfg(cfg.Collaborators.Extraction), policy, logger)
	if err != nil {
		logger.Fatal("Failed to build extraction client", zap.Error(err))
	}
	evaluator, err := collab.NewHTTPEvaluator(clientCfg(cfg.Collaborators.Evaluator), policy, logger)
	if err != nil {
		logger.Fatal("Failed to build evaluator client", zap.Error(err))
	}
	interpreter, err := collab.NewHTTPInterpreter(clientCfg(cfg.Collaborators.Interpreter), policy, logger)
	if err != nil {
		logger.Fatal("Failed to build interpreter client", zap.Error(err))
	}
	composer, err := collab.NewHTTPComposer(clientCfg(cfg.Collaborators.Composer), policy, logger)
	if err != nil {
		logger.Fatal("Failed to build composer client", zap.Error(err))
	}

	searchWorker := workers.NewSearchWorker(search, cfg.Research.ReputableOutlets, logger)
	analysisWorker := workers.NewAnalysisWorker(extraction, logger)
	qualityWorker := workers.NewQualityWorker(evaluator, logger)
	technicalWorker := workers.NewTechnicalWorker(extraction, logger)

	workerQueues := map[string]queue.Handler{
		controller.QueueSearch:    searchWorker.Handle,
		controller.QueueAnalysis:  analysisWorker.Handle,
		controller.QueueQuality:   qualityWorker.Handle,
		controller.QueueTechnical: technicalWorker.Handle,
	}
	for name, handler := range workerQueues {
		if err := mgr.Register(queueCfg(name), handler); err != nil {
			logger.Fatal("Failed to register queue", zap.String("queue", name), zap.Error(err))
		}
	}

	var store state.Store
	if cfg.Redis.Enabled {
		redisStore, err := state.NewRedisStore(state.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TTL:      cfg.Redis.TTL,
		}, logger)
		if err != nil {
			logger.Fatal("Failed to connect run-state store", zap.Error(err))
		}
		defer redisStore.Close()
		store = redisStore
	} else {
		logger.Warn("Redis disabled, run state is held in memory only")
		store = state.NewMemoryStore()
	}

	var archive controller.Archiver
	if cfg.Database.Enabled {
		dbClient, err := db.NewClient(db.Config{
			Driver: cfg.Database.Driver,
			DSN:    cfg.Database.DSN,
		}, logger)
		if err != nil {
			logger.Fatal("Failed to initialize archive database", zap.Error(err))
		}
		defer dbClient.Close()
		archive = dbClient
	}

	ctrl := controller.New(mgr, flow.NewBuilder(mgr, logger), store, archive, bus,
		interpreter, composer, controller.Options{
			DepthIterations:   depthIterations(cfg.Research.DepthIterations),
			SearchResultLimit: cfg.Research.SearchResultLimit,
			Thresholds: gap.Thresholds{
				HighQualityScore:      cfg.Research.Thresholds.HighQualityScore,
				SufficientHighQuality: cfg.Research.Thresholds.SufficientHighQuality,
				MinEvidencePerPillar:  cfg.Research.Thresholds.MinEvidencePerPillar,
				MinAvgQuality:         cfg.Research.Thresholds.MinAvgQuality,
				MinAvgRecency:         cfg.Research.Thresholds.MinAvgRecency,
				MaxFollowUpsPerPillar: cfg.Research.Thresholds.MaxFollowUpsPerPillar,
			},
		}, logger)
	if err := ctrl.RegisterControlQueue(queueCfg(controller.QueueOrchestration)); err != nil {
		logger.Fatal("Failed to register orchestration queue", zap.Error(err))
	}

	// Hot-reload dispatch limits when the rate-limits file changes.
	stopWatch := make(chan struct{})
	defer close(stopWatch)
	if limitsPath != "" {
		err := config.WatchFile(limitsPath, logger, stopWatch, func() {
			if err := limits.Reload(); err != nil {
				logger.Warn("Rate limits reload failed", zap.Error(err))
				return
			}
			for name := range workerQueues {
				if err := mgr.UpdateLimits(name, queueCfg(name)); err != nil {
					logger.Warn("Failed to apply new limits", zap.String("queue", name), zap.Error(err))
				}
			}
		})
		if err != nil {
			logger.Warn("Rate limits watcher failed", zap.Error(err))
		}
	}

	healthMgr := health.NewManager(30*time.Second, 5*time.Second, logger)
	if redisStore, ok := store.(*state.RedisStore); ok {
		healthMgr.Register(health.PingChecker("redis", redisStore, true))
	}
	if dbClient, ok := archive.(*db.Client); ok {
		healthMgr.Register(health.PingChecker("database", dbClient, false))
	}
	for name := range workerQueues {
		healthMgr.Register(health.QueueDepthChecker(name, mgr.Depth, 1000))
	}
	healthMgr.Start()
	defer healthMgr.Stop()

	apiSrv := httpapi.StartServer(cfg.API.Port, httpapi.NewRunHandler(ctrl, bus, logger), healthMgr.Handler(), logger)

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{
			Addr:    ":" + strconv.Itoa(cfg.Metrics.Port),
			Handler: metricsMux,
		}
		go func() {
			logger.Info("Starting metrics server", zap.Int("port", cfg.Metrics.Port))
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("Metrics server failed", zap.Error(err))
			}
		}()
	}

	logger.Info("Orchestrator ready",
		zap.Int("api_port", cfg.API.Port),
		zap.Bool("redis", cfg.Redis.Enabled),
		zap.Bool("archive", cfg.Database.Enabled),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Shutting down", zap.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := apiSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("API server shutdown failed", zap.Error(err))
	}
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	mgr.Close()
	logger.Info("Shutdown complete")
}

func buildLogger(level, format string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", level, err)
	}
	var zcfg zap.Config
	if format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}

func clientCfg(c config.Collaborator) collab.ClientConfig {
	return collab.ClientConfig{BaseURL: c.BaseURL, APIKey: c.APIKey, Timeout: c.Timeout}
}

func depthIterations(m map[string]int) map[models.DepthLevel]int {
	if len(m) == 0 {
		return nil
	}
	out := make(map[models.DepthLevel]int, len(m))
	for k, v := range m {
		out[models.DepthLevel(k)] = v
	}
	return out
}
