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

	"github.com/agrihub-erp/agrihub-erp/internal/app"
	"github.com/agrihub-erp/agrihub-erp/internal/integration"
	"github.com/agrihub-erp/agrihub-erp/internal/observability"
	"github.com/agrihub-erp/agrihub-erp/internal/platform/cache"
	"github.com/agrihub-erp/agrihub-erp/internal/platform/db"
	"github.com/agrihub-erp/agrihub-erp/internal/shared"
	"github.com/agrihub-erp/agrihub-erp/internal/stock"
	"github.com/agrihub-erp/agrihub-erp/jobs"
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

	dbpool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	// The ledger works without Redis; listings just skip the cache layer.
	var redisClient *redis.Client
	if client, err := cache.New(ctx, cfg.RedisAddr); err != nil {
		logger.Warn("redis unavailable, caching disabled", slog.Any("error", err))
	} else {
		redisClient = client
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
	}

	idempotencyStore := shared.NewIdempotencyStore(dbpool)
	errorLog := shared.NewErrorLog(dbpool)
	hooks := integration.NewHooks()

	stockCache := stock.NewCache(redisClient, cfg.CacheTTL)
	stockRepo := stock.NewRepository(dbpool)
	stockService := stock.NewService(stockRepo, idempotencyStore, errorLog, stockCache, hooks)
	stockQueries := stock.NewQueryService(stockRepo, stockCache)

	metrics := observability.NewMetrics()
	stockHandler := stock.NewHandler(logger, stockService, stockQueries, metrics)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:       logger,
		Config:       cfg,
		StockHandler: stockHandler,
		JobHandler:   jobHandler,
		Pool:         dbpool,
		Redis:        redisClient,
		Metrics:      metrics,
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
