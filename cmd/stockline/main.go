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
	"github.com/joho/godotenv"

	"github.com/odyssey-erp/stockline/internal/allocation"
	"github.com/odyssey-erp/stockline/internal/app"
	"github.com/odyssey-erp/stockline/internal/drafts"
	"github.com/odyssey-erp/stockline/internal/forms"
	"github.com/odyssey-erp/stockline/internal/observability"
	"github.com/odyssey-erp/stockline/internal/platform/cache"
	"github.com/odyssey-erp/stockline/internal/platform/db"
	"github.com/odyssey-erp/stockline/internal/records"
	"github.com/odyssey-erp/stockline/jobs"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)
	slog.SetDefault(logger)

	dbpool, err := db.New(ctx, cfg.PGDSN, db.Options{MaxConns: cfg.PGMaxConns})
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	recordRepo := records.NewRepository(dbpool)
	if cfg.PGEnsureSchema {
		if err := recordRepo.EnsureSchema(ctx); err != nil {
			logger.Error("ensure schema", slog.Any("error", err))
			os.Exit(1)
		}
	}

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	queue := jobs.NewClient(cache.QueueOpts(cfg.RedisAddr))
	defer func() {
		if err := queue.Close(); err != nil {
			logger.Warn("queue close", slog.Any("error", err))
		}
	}()
	inspector := asynq.NewInspector(cache.QueueOpts(cfg.RedisAddr))
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	allocator := allocation.NewClient(allocation.ClientConfig{
		Endpoint:   cfg.AllocatorURL,
		Timeout:    cfg.AllocatorTimeout,
		Logger:     logger,
		Registerer: metrics.Registerer(),
	})

	formService := forms.NewService(forms.ServiceConfig{
		Allocator: allocator,
		Records:   recordRepo,
		Drafts:    drafts.NewStore(redisClient, cfg.DraftTTL),
		Publisher: queue,
		Strategy:  cfg.Strategy(),
		Metrics:   metrics,
		Logger:    logger,
	})
	defer formService.Close()

	router := app.NewRouter(app.RouterParams{
		Logger:      logger,
		Config:      cfg,
		FormHandler: forms.NewHandler(formService, logger),
		JobHandler:  jobs.NewHandler(inspector, logger),
		Metrics:     metrics,
		Dependencies: map[string]app.Pinger{
			"postgres": dbpool,
			"redis": app.PingFunc(func(ctx context.Context) error {
				return redisClient.Ping(ctx).Err()
			}),
		},
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	reaper := app.Every(time.Minute, func(context.Context) {
		if n := formService.Reap(cfg.FormIdleTimeout); n > 0 {
			logger.Info("reaped idle forms", slog.Int("count", n))
		}
	})
	if err := app.Serve(ctx, server, logger, shutdownTimeout, reaper); err != nil {
		logger.Error("http server", slog.Any("error", err))
		os.Exit(1)
	}
}
