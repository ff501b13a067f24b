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
	"github.com/odyssey-erp/odyssey-iam/internal/audit"
	audithttp "github.com/odyssey-erp/odyssey-iam/internal/audit/http"
	"github.com/odyssey-erp/odyssey-iam/internal/auth"
	"github.com/odyssey-erp/odyssey-iam/internal/auth/refresh"
	"github.com/odyssey-erp/odyssey-iam/internal/auth/token"
	"github.com/odyssey-erp/odyssey-iam/internal/observability"
	"github.com/odyssey-erp/odyssey-iam/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-iam/internal/platform/db"
	"github.com/odyssey-erp/odyssey-iam/internal/rbac"
	"github.com/odyssey-erp/odyssey-iam/internal/roles"
	"github.com/odyssey-erp/odyssey-iam/internal/shared"
	"github.com/odyssey-erp/odyssey-iam/internal/users"
	"github.com/odyssey-erp/odyssey-iam/jobs"
	"github.com/odyssey-erp/odyssey-iam/migrations"
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

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	if cfg.MigrateOnStart {
		sqlDB := db.SQL(pool)
		if err := db.Migrate(ctx, sqlDB, migrations.FS); err != nil {
			logger.Error("migrate", slog.Any("error", err))
			os.Exit(1)
		}
		_ = sqlDB.Close()
	}

	redisClient, err := cache.New(ctx, cache.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
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

	tokens, err := token.NewService(cfg.TokenConfig())
	if err != nil {
		logger.Error("init token service", slog.Any("error", err))
		os.Exit(1)
	}

	rbacRepo := rbac.NewRepository(pool)
	resolver := rbac.NewResolver(rbacRepo, rbac.NewCache(redisClient, cfg.RBACCacheTTL), logger)
	authorizer := rbac.NewAuthorizer(resolver, logger, metrics)
	rbacService := rbac.NewService(rbacRepo, resolver, logger)
	rbacMiddleware := rbac.Middleware{Authorizer: authorizer}

	seed, err := loadSeed(cfg.RBACSeedFile)
	if err != nil {
		logger.Error("load rbac seed", slog.Any("error", err))
		os.Exit(1)
	}
	if err := rbacService.Bootstrap(ctx, seed); err != nil {
		logger.Error("bootstrap rbac", slog.Any("error", err))
		os.Exit(1)
	}

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}
	jobClient := jobs.NewClient(redisOpts)
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("asynq client close", slog.Any("error", err))
		}
	}()
	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		_ = inspector.Close()
	}()

	auditLogger := shared.NewAuditLogger(pool)

	authRepo := auth.NewRepository(pool)
	sessions := refresh.NewStore(refresh.NewSQLRepository(db.SQL(pool)), tokens, auth.Subjects{Repo: authRepo})
	authService := auth.NewService(auth.Deps{
		Repo:        authRepo,
		Tokens:      tokens,
		Sessions:    sessions,
		Permissions: authorizer,
		Notifier:    jobClient,
		Auditor:     auditLogger,
		Observer:    metrics,
		Logger:      logger,
	}, auth.Options{
		DefaultRole:      cfg.AuthDefaultRole,
		AutoProvision:    cfg.AuthAutoProvision,
		ExposeResetToken: cfg.ExposeResetToken(),
	})
	authenticator := auth.NewAuthenticator(tokens, authService, logger, metrics)
	authHandler := auth.NewHandler(logger, authService, authenticator, app.RateLimit(cfg.AuthLoginRateLimit))

	usersService := users.NewService(users.NewRepository(pool), sessions, resolver, auditLogger, logger)
	rolesService := roles.NewService(roles.NewRepository(pool), resolver, auditLogger, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:             logger,
		Config:             cfg,
		Authenticator:      authenticator,
		AuthHandler:        authHandler,
		UsersHandler:       users.NewHandler(logger, usersService, rbacMiddleware),
		RolesHandler:       roles.NewHandler(logger, rolesService, rbacMiddleware),
		PermissionsHandler: rbac.NewPermissionsHandler(logger, rbacService, rbacMiddleware),
		AuditHandler:       audithttp.NewHandler(logger, audit.NewService(audit.NewRepository(pool)), rbacMiddleware),
		JobHandler:         jobs.NewHandler(inspector, logger),
		RBACMiddleware:     rbacMiddleware,
		Metrics:            metrics,
		HealthChecks: map[string]app.HealthCheck{
			"postgres": pool.Ping,
			"redis": func(ctx context.Context) error {
				return redisClient.Ping(ctx).Err()
			},
		},
	})

	srv := &http.Server{
		Addr:              cfg.AppAddr,
		Handler:           router,
		ReadTimeout:       cfg.AppReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.AppWriteTimeout,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("http server starting", slog.String("addr", cfg.AppAddr), slog.String("env", cfg.AppEnv))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", slog.Any("error", err))
	}
	logger.Info("http server stopped")
}

func loadSeed(path string) (rbac.Seed, error) {
	if path == "" {
		return rbac.DefaultSeed()
	}
	return rbac.LoadSeed(path)
}
