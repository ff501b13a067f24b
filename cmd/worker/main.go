package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-iam/internal/app"
	"github.com/odyssey-erp/odyssey-iam/internal/auth/refresh"
	"github.com/odyssey-erp/odyssey-iam/internal/observability"
	"github.com/odyssey-erp/odyssey-iam/internal/platform/db"
	"github.com/odyssey-erp/odyssey-iam/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
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

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	registry := observability.NewMetrics()
	metrics := registry.Jobs()
	if cfg.WorkerMetricsAddr != "" {
		metricsSrv := &http.Server{
			Addr:              cfg.WorkerMetricsAddr,
			Handler:           registry.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("worker metrics server", slog.Any("error", err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsSrv.Shutdown(shutdownCtx)
		}()
	}

	// Purge only touches the repository, so no token issuer is needed here.
	sessions := refresh.NewStore(refresh.NewSQLRepository(db.SQL(pool)), nil, nil)

	resetJob := &jobs.PasswordResetJob{
		Mailer: jobs.NewSMTPMailer(jobs.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			From:     cfg.SMTPFrom,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
		}),
		URLBase: cfg.ResetURLBase,
		Logger:  logger,
		Metrics: metrics,
	}
	purgeJob := &jobs.RefreshPurgeJob{Store: sessions, Logger: logger, Metrics: metrics}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskPasswordResetMail, Handler: resetJob.Handle},
			{Type: jobs.TaskRefreshPurge, Handler: purgeJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.RefreshPurgeSpec, Task: jobs.NewRefreshPurgeTask(), Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
