package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/repairhub/repairhub/internal/app"
	dueshttp "github.com/repairhub/repairhub/internal/dues/http"
	"github.com/repairhub/repairhub/internal/observability"
	"github.com/repairhub/repairhub/internal/platform/cache"
	"github.com/repairhub/repairhub/internal/platform/db"
	"github.com/repairhub/repairhub/internal/shared"
	"github.com/repairhub/repairhub/jobs"
	"github.com/repairhub/repairhub/report"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	dbpool, err := db.New(ctx, cfg.DatabaseOptions())
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	// Dues listings fall back to uncached reads while redis is unreachable.
	redisClient, err := cache.New(ctx, cfg.RedisOptions())
	if err != nil {
		logger.Warn("redis ping", slog.Any("error", err))
		redisClient = nil
	}
	defer func() {
		if redisClient == nil {
			return
		}
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()

	redisOpts := cfg.AsynqRedisOpt()
	queue, err := jobs.NewClient(redisOpts)
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := queue.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()

	engine, err := app.NewEngine(app.EngineDeps{
		Config:  cfg,
		Logger:  logger,
		Pool:    dbpool,
		Redis:   redisClient,
		Queue:   queue,
		Metrics: metrics,
		Audit:   shared.NewAuditLogger(dbpool),
	})
	if err != nil {
		logger.Error("init dues engine", slog.Any("error", err))
		os.Exit(1)
	}

	duesHandler := dueshttp.NewHandler(dueshttp.Config{
		Logger:      logger,
		Ledger:      engine.Ledger,
		Payments:    engine.Recorder,
		Reports:     engine.Aggregator,
		Settlements: engine.Orchestrator,
		Idempotency: shared.NewIdempotencyStore(dbpool),
		Replays:     metrics,
		Location:    cfg.Location(),
	})
	reportHandler := report.NewHandler(engine.PDF, engine.Orchestrator, engine.Renderer, logger)

	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)

	readiness := map[string]app.Pinger{
		"postgres":  dbpool,
		"gotenberg": engine.PDF,
	}
	if redisClient != nil {
		readiness["redis"] = redisPinger(redisClient)
	}

	router := app.NewRouter(app.RouterParams{
		Logger:        logger,
		Config:        cfg,
		DuesHandler:   duesHandler,
		DocumentDir:   cfg.DocumentDir,
		ReportHandler: reportHandler,
		JobHandler:    jobHandler,
		Metrics:       metrics,
		Readiness:     readiness,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}

func redisPinger(client *redis.Client) app.Pinger {
	return app.PingFunc(func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	})
}
