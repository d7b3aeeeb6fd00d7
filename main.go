// Command server runs the realtime match server: HTTP auth and queue entry,
// websocket match sessions, and durable result finalization over Postgres.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"tickarena/server/internal/auth"
	"tickarena/server/internal/config"
	"tickarena/server/internal/finalize"
	"tickarena/server/internal/httpapi"
	"tickarena/server/internal/logging"
	"tickarena/server/internal/migrate"
	"tickarena/server/internal/obs"
	"tickarena/server/internal/queue"
	"tickarena/server/internal/realtime"
	"tickarena/server/internal/resume"
	"tickarena/server/internal/session"
	"tickarena/server/internal/store/postgres"
)

const shutdownGrace = 10 * time.Second

func main() {
	//1.- A local .env is convenient for development; absence is fine.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid configuration:", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger setup failed:", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server exited", logging.Error(err))
	}
}

func run(cfg *config.Config, logger *logging.Logger) error {
	ctx := context.Background()

	if err := migrate.Up(ctx, cfg.DatabaseURL); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	db, err := postgres.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer db.Close()

	users := postgres.NewUserRepo(db)
	results := postgres.NewResultRepo(db)
	ratings := postgres.NewRatingRepo(db)

	secret := cfg.AuthSecret
	if secret == "" {
		logger.Warn("ARENA_AUTH_SECRET not set, using an insecure development secret")
		secret = "insecure-dev-secret"
	}
	authService := auth.NewService(users, auth.Config{
		Secret:          []byte(secret),
		TokenTTL:        cfg.AuthTokenTTL,
		LoginRateWindow: cfg.LoginRateWindow,
		LoginRateMax:    cfg.LoginRateMax,
	})

	hub := realtime.NewHub()
	resumeStore := resume.NewStore()
	finalizer := finalize.NewFinalizer(db, results, ratings, logger)
	sessions := session.NewManager(hub, finalizer, cfg.TickInterval, cfg.MaxTicks, logger)
	defer sessions.Close()
	matchQueue := queue.New(sessions, hub, cfg.QueueTimeout, logger)
	defer matchQueue.Close()

	wsHandler := realtime.NewHandler(realtime.HandlerOptions{
		Hub:              hub,
		Inputs:           sessions,
		Resume:           resumeStore,
		Auth:             authService,
		Logger:           logger,
		MaxQueueMessages: cfg.WSQueueMessages,
		MaxQueueBytes:    cfg.WSQueueBytes,
		AllowedOrigins:   cfg.AllowedOrigins,
	})

	metrics := obs.NewMetrics(nil)
	handlers := httpapi.NewHandlerSet(httpapi.Options{
		Logger:       logger,
		Auth:         authService,
		Queue:        matchQueue,
		Sessions:     sessions,
		Ratings:      ratings,
		Metrics:      metrics,
		Connections:  hub.ActiveConnections,
		WS:           wsHandler,
		OpsToken:     cfg.OpsToken,
		QueueTimeout: cfg.QueueTimeout,
	})

	mux := http.NewServeMux()
	handlers.Register(mux)
	handler := logging.HTTPTraceMiddleware(logger)(httpapi.CountingMiddleware(metrics)(mux))

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", logging.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		logger.Info("shutting down", logging.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownGrace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}
