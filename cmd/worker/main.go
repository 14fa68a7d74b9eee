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

	"github.com/sisadmin/sisadmin/internal/app"
	jobmetrics "github.com/sisadmin/sisadmin/internal/jobs"
	"github.com/sisadmin/sisadmin/internal/observability"
	"github.com/sisadmin/sisadmin/internal/platform/cache"
	"github.com/sisadmin/sisadmin/internal/platform/db"
	"github.com/sisadmin/sisadmin/internal/security"
	"github.com/sisadmin/sisadmin/internal/users"
	"github.com/sisadmin/sisadmin/jobs"
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

	pool, err := db.New(ctx, cfg.PGDSN, cfg.Postgres("worker"))
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.Redis())
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	jobMetrics := jobmetrics.NewMetrics(metrics.Registerer())

	redisOpts := cfg.Asynq()
	jobClient, err := jobs.NewClient(redisOpts)
	if err != nil {
		logger.Error("jobs client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("jobs client close", slog.Any("error", err))
		}
	}()

	eventStore := security.NewPGEventStore(pool)
	sink := security.NewSink(eventStore, logger, metrics, 0)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := sink.Close(closeCtx); err != nil {
			logger.Warn("flush security events", slog.Any("error", err))
		}
	}()
	limiter := security.NewLimiter(security.NewRedisStore(redisClient), cfg.LoginPolicy(), sink, metrics, logger)
	analyzer := security.NewService(security.ServiceConfig{
		Limiter:     limiter,
		Events:      eventStore,
		Recorder:    sink,
		Accounts:    users.NewRepository(pool),
		Alerts:      jobClient,
		Gate:        security.NewRedisAlertGate(redisClient),
		Thresholds:  cfg.AlertThresholds(),
		Retention:   cfg.SecurityRetention(),
		EmailAlerts: cfg.SecurityEmailAlerts,
		AlertEmail:  cfg.SecurityAlertEmail,
		Logger:      logger,
	})

	var mailer jobs.Mailer = jobs.LogMailer{Logger: logger}
	if cfg.SMTPHost != "" {
		mailer = jobs.NewSMTPMailer(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPFrom)
	}
	securityJobs := jobs.NewSecurityJobs(analyzer, mailer, logger, jobMetrics)

	scanTask, err := jobs.NewSecurityScanTask(time.Hour)
	if err != nil {
		logger.Error("build security scan task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: redisOpts,
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskTypeSendEmail, Handler: securityJobs.HandleSendEmail},
			{Type: jobs.TaskTypeSecurityAlert, Handler: securityJobs.HandleAlert},
			{Type: jobs.TaskTypeSecurityScan, Handler: securityJobs.HandleScan},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.SecurityScanCron, Task: scanTask, Options: []asynq.Option{asynq.Queue(jobs.QueueCritical), asynq.MaxRetry(1)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	metricsServer := &http.Server{Addr: cfg.WorkerMetricsAddr, Handler: metrics.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("worker metrics server", slog.Any("error", err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
