package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/sisadmin/sisadmin/cmd/sisadmin/cli"
	"github.com/sisadmin/sisadmin/internal/app"
	"github.com/sisadmin/sisadmin/internal/auth"
	"github.com/sisadmin/sisadmin/internal/observability"
	"github.com/sisadmin/sisadmin/internal/platform/cache"
	"github.com/sisadmin/sisadmin/internal/platform/db"
	"github.com/sisadmin/sisadmin/internal/rbac"
	"github.com/sisadmin/sisadmin/internal/security"
	securityhttp "github.com/sisadmin/sisadmin/internal/security/http"
	"github.com/sisadmin/sisadmin/internal/shared"
	"github.com/sisadmin/sisadmin/internal/users"
	"github.com/sisadmin/sisadmin/internal/view"
	"github.com/sisadmin/sisadmin/jobs"
)

const usage = `usage: sisadmin [serve | migrate | create-user -email E -name N -password P [-level L] | jobs trigger NAME | jobs stats]`

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

	cmd := "serve"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}
	switch cmd {
	case "serve":
		err = serve(ctx, cfg, logger)
	case "migrate":
		err = db.Migrate(ctx, cfg.PGDSN)
		if err == nil {
			logger.Info("migrations applied")
		}
	case "create-user":
		err = createUser(ctx, cfg, logger, os.Args[2:])
	case "jobs":
		err = jobsCommand(ctx, cfg, os.Args[2:])
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error(cmd, slog.Any("error", err))
		os.Exit(1)
	}
}

func createUser(ctx context.Context, cfg *app.Config, logger *slog.Logger, args []string) error {
	pool, err := db.New(ctx, cfg.PGDSN, cfg.Postgres("cli"))
	if err != nil {
		return err
	}
	defer pool.Close()
	svc := users.NewService(users.NewRepository(pool), auth.NewArgon2Hasher(cfg.Argon2()), cfg.PasswordRules(), nil, nil, logger)
	return cli.CreateUser(ctx, svc, args, os.Stdout)
}

func jobsCommand(ctx context.Context, cfg *app.Config, args []string) error {
	c := cli.NewJobsCLI(cfg.Asynq())
	defer c.Close()
	switch {
	case len(args) == 2 && args[0] == "trigger":
		info, err := c.Trigger(ctx, args[1])
		if err != nil {
			return err
		}
		fmt.Printf("enqueued %s as %s on %s\n", info.Type, info.ID, info.Queue)
		return nil
	case len(args) == 1 && args[0] == "stats":
		stats, err := c.InspectQueues(ctx)
		if err != nil {
			return err
		}
		for _, s := range stats {
			fmt.Printf("%-10s pending=%d active=%d scheduled=%d retry=%d archived=%d\n", s.Queue, s.Pending, s.Active, s.Scheduled, s.Retry, s.Archived)
		}
		return nil
	default:
		return errors.New(usage)
	}
}

func serve(ctx context.Context, cfg *app.Config, logger *slog.Logger) error {
	if cfg.PGMigrate {
		if err := db.Migrate(ctx, cfg.PGDSN); err != nil {
			return err
		}
	}

	dbpool, err := db.New(ctx, cfg.PGDSN, cfg.Postgres("web"))
	if err != nil {
		return err
	}
	defer dbpool.Close()

	redisClient, err := cache.New(ctx, cfg.Redis())
	if err != nil {
		return err
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()

	sessionManager := shared.NewSessionManager(redisClient, cfg.SessionCookie, cfg.SessionSecret, cfg.SessionTTL, cfg.IsProduction())
	csrfManager := shared.NewCSRFManager(cfg.CSRFSecret, cfg.SessionTimeout)

	templates, err := view.NewEngine()
	if err != nil {
		return fmt.Errorf("parse templates: %w", err)
	}

	var eventStore security.EventStore = security.NewPGEventStore(dbpool)
	sinkStore := eventStore
	if !cfg.AuditLogEnabled {
		sinkStore = nil
	}
	sink := security.NewSink(sinkStore, logger, metrics, 0)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := sink.Close(closeCtx); err != nil {
			logger.Warn("flush security events", slog.Any("error", err))
		}
	}()

	limiter := security.NewLimiter(security.NewRedisStore(redisClient), cfg.LoginPolicy(), sink, metrics, logger)
	policy := rbac.DefaultPolicy()
	rbacMiddleware := rbac.Middleware{Policy: policy, Logger: logger, LoginPath: "/auth/login"}

	authRepo := auth.NewRepository(dbpool)
	hasher := auth.NewArgon2Hasher(cfg.Argon2())
	guard := auth.NewSessionGuard(authRepo, sessionManager, cfg.RememberSecret, cfg.Sessions(), sink, metrics, logger)
	authService := auth.NewService(auth.ServiceConfig{
		Repo:     authRepo,
		Hasher:   hasher,
		Limiter:  limiter,
		Guard:    guard,
		Policy:   policy,
		Sessions: sessionManager,
		Events:   sink,
		Metrics:  metrics,
		Logger:   logger,
	})
	remember := auth.RememberCookie{Name: cfg.RememberCookie, TTL: cfg.RememberTTL}
	authHandler := auth.NewHandler(logger, authService, templates, csrfManager, remember)

	usersRepo := users.NewRepository(dbpool)
	usersService := users.NewService(usersRepo, hasher, cfg.PasswordRules(), policy, authService, logger)
	usersHandler := users.NewHandler(logger, usersService, templates, csrfManager, policy, rbacMiddleware)

	jobClient, err := jobs.NewClient(cfg.Asynq())
	if err != nil {
		return fmt.Errorf("jobs client: %w", err)
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("jobs client close", slog.Any("error", err))
		}
	}()

	securityService := security.NewService(security.ServiceConfig{
		Limiter:     limiter,
		Events:      eventStore,
		Recorder:    sink,
		Sessions:    sessionManager,
		Tokens:      authRepo,
		Accounts:    usersRepo,
		Alerts:      jobClient,
		Gate:        security.NewRedisAlertGate(redisClient),
		Thresholds:  cfg.AlertThresholds(),
		Retention:   cfg.SecurityRetention(),
		EmailAlerts: cfg.SecurityEmailAlerts,
		AlertEmail:  cfg.SecurityAlertEmail,
		Logger:      logger,
	})
	securityHandler := securityhttp.NewHandler(logger, securityService, templates, csrfManager, rbacMiddleware)
	permissionsHandler := rbac.NewPermissionsHandler(logger, policy, templates, csrfManager, rbacMiddleware)

	inspector := asynq.NewInspector(cfg.Asynq())
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:             logger,
		Config:             cfg,
		Templates:          templates,
		SessionManager:     sessionManager,
		CSRFManager:        csrfManager,
		Events:             sink,
		Authenticate:       authService.Authenticate(remember),
		RBACMiddleware:     rbacMiddleware,
		AuthHandler:        authHandler,
		UsersHandler:       usersHandler,
		SecurityHandler:    securityHandler,
		PermissionsHandler: permissionsHandler,
		JobHandler:         jobHandler,
		Metrics:            metrics,
		Blocklist:          limiter,
		Ready:              readiness(dbpool, redisClient),
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
	return nil
}

func readiness(pool *pgxpool.Pool, client *redis.Client) func(*http.Request) error {
	return func(r *http.Request) error {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := pool.Ping(ctx); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		return nil
	}
}
