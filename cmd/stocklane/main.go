package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/stocklane/stocklane/internal/app"
	"github.com/stocklane/stocklane/internal/audit"
	"github.com/stocklane/stocklane/internal/auth"
	"github.com/stocklane/stocklane/internal/identity"
	"github.com/stocklane/stocklane/internal/observability"
	"github.com/stocklane/stocklane/internal/platform/cache"
	"github.com/stocklane/stocklane/internal/platform/db"
	"github.com/stocklane/stocklane/internal/rbac"
	"github.com/stocklane/stocklane/internal/session"
	"github.com/stocklane/stocklane/internal/shared"
	"github.com/stocklane/stocklane/jobs"
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

	sessionManager := shared.NewSessionManager(redisClient, "stocklane_session", cfg.SessionSecret, cfg.SessionTTL, cfg.IsProduction())

	identityRepo := identity.NewRepository(pool)
	identityService := identity.NewService(identityRepo)

	recorder := audit.NewPGRecorder(pool)

	rbacRepo := rbac.NewPGRepository(pool, cfg.LockWaitTimeout)
	engine := rbac.NewService(rbacRepo, recorder, nil, rbac.ServiceConfig{
		MandatoryPermissions: map[string][]string{
			"admin": {app.PermManageRoles},
		},
	}, logger)

	snapshots := session.NewCache(redisClient, engine, identityService, cfg.SnapshotTTL, logger)
	engine.SetInvalidator(snapshots)

	enqueuer := jobs.NewEnqueuer(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := enqueuer.Close(); err != nil {
			logger.Warn("enqueuer close", slog.Any("error", err))
		}
	}()

	authService := auth.NewService(identityService)
	authHandler := auth.NewHandler(authService, sessionManager, snapshots, logger)
	rbacHandler := rbac.NewHandler(engine, enqueuer, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:         logger,
		Config:         cfg,
		SessionManager: sessionManager,
		Metrics:        observability.NewMetrics(),
		AuthHandler:    authHandler,
		RBACHandler:    rbacHandler,
		RBACMiddleware: rbac.Middleware{Checker: snapshots, Logger: logger},
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("listening", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("serve", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", slog.Any("error", err))
	}
}
