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
	"golang.org/x/sync/errgroup"

	"github.com/helios-id/helios-id/internal/app"
	"github.com/helios-id/helios-id/internal/auth"
	"github.com/helios-id/helios-id/internal/events"
	"github.com/helios-id/helios-id/internal/keys"
	"github.com/helios-id/helios-id/internal/observability"
	"github.com/helios-id/helios-id/internal/platform/db"
	"github.com/helios-id/helios-id/internal/rbac"
	"github.com/helios-id/helios-id/internal/session"
	"github.com/helios-id/helios-id/internal/throttle"
	"github.com/helios-id/helios-id/internal/token"
	"github.com/helios-id/helios-id/internal/users"
	"github.com/helios-id/helios-id/jobs"
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

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Warn("redis ping", slog.Any("error", err))
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()

	keyManager := keys.NewManager(cfg.PrivateKeyPath, cfg.PublicKeyPath)
	if _, err := keyManager.SignKey(); err != nil {
		logger.Error("load signing key", slog.Any("error", err))
		os.Exit(1)
	}
	issuer := token.NewIssuer(keyManager, cfg.AccessTokenTTL, "helios-id")

	loginThrottle := throttle.NewLoginThrottle(redisClient, throttle.Config{
		MaxAttempts: cfg.LoginMaxAttempts,
		BlockWindow: cfg.LoginBlockWindow,
	})

	queueClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("init queue client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := queueClient.Close(); err != nil {
			logger.Warn("queue client close", slog.Any("error", err))
		}
	}()
	publisher := events.NewPublisher(queueClient.Unwrap(), logger)

	rbacRepo := rbac.NewRepository(pool)
	usersRepo := users.NewRepository(pool)
	usersService := users.NewService(usersRepo, rbacRepo, loginThrottle, publisher, db.PoolRunner{Pool: pool}, logger)

	sessionStore := session.NewStore(pool)
	sessionEngine := session.NewEngine(session.EngineConfig{
		Store:      sessionStore,
		Roles:      rbacRepo,
		Minter:     issuer,
		Logger:     logger,
		Observer:   metrics,
		RefreshTTL: cfg.RefreshTokenTTL,
		Grace:      cfg.RotationGrace,
	})

	rbacMiddleware := rbac.Middleware{Verifier: issuer, Logger: logger}

	authHandler := auth.NewHandler(auth.HandlerParams{
		Logger:     logger,
		Users:      usersService,
		Sessions:   sessionEngine,
		Issuer:     issuer,
		Roles:      rbacRepo,
		Keys:       keyManager,
		Middleware: rbacMiddleware,
		Cookie: auth.CookieConfig{
			Name:   cfg.RefreshCookieName,
			Secure: cfg.IsProduction(),
			MaxAge: cfg.RefreshTokenTTL,
		},
		Metrics: metrics,
	})
	usersHandler := users.NewHandler(logger, usersService, rbacMiddleware)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobsHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:       logger,
		Config:       cfg,
		AuthHandler:  authHandler,
		UsersHandler: usersHandler,
		JobsHandler:  jobsHandler,
		Metrics:      metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		logger.Error("server stopped", slog.Any("error", err))
		os.Exit(1)
	}
}
