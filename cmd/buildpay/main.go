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

	"github.com/buildpay/buildpay/internal/app"
	"github.com/buildpay/buildpay/internal/billing"
	"github.com/buildpay/buildpay/internal/catalog"
	"github.com/buildpay/buildpay/internal/ledger"
	"github.com/buildpay/buildpay/internal/observability"
	"github.com/buildpay/buildpay/internal/platform/cache"
	"github.com/buildpay/buildpay/internal/platform/db"
	"github.com/buildpay/buildpay/internal/rbac"
	"github.com/buildpay/buildpay/internal/settings"
	"github.com/buildpay/buildpay/internal/shared"
	"github.com/buildpay/buildpay/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	if len(os.Args) > 1 && os.Args[1] == "jobs" {
		os.Exit(runJobs(cfg, logger, os.Args[2:]))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.New(ctx, cfg.PGDSN, db.PoolOptions{MaxConns: cfg.PGMaxConns, MaxConnLifetime: cfg.PGMaxConnLifetime})
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr, cfg.RedisDB)
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
	services := app.NewServices(cfg, pool, redisClient, logger, metrics)

	sessionManager := shared.NewSessionManager(redisClient, cfg.SessionCookie, cfg.SessionSecret, cfg.SessionTTL, cfg.IsProduction())
	csrfManager := shared.NewCSRFManager(cfg.CSRFSecret)
	rbacMiddleware := rbac.Middleware{Service: rbac.NewService(pool), Logger: logger}

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:             logger,
		Config:             cfg,
		SessionManager:     sessionManager,
		CSRFManager:        csrfManager,
		RBACMiddleware:     rbacMiddleware,
		CatalogHandler:     catalog.NewHandler(logger, services.Catalog, rbacMiddleware),
		LedgerHandler:      ledger.NewHandler(logger, services.Ledger, rbacMiddleware),
		BillingHandler:     billing.NewHandler(logger, services.Billing, rbacMiddleware),
		SettingsHandler:    settings.NewHandler(logger, services.Settings, rbacMiddleware),
		PermissionsHandler: rbac.NewPermissionsHandler(csrfManager),
		JobHandler:         jobs.NewHandler(inspector, logger),
		Metrics:            metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
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
