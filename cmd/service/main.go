// cmd/service/main.go
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

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Smeet23/WorkLedger-sub001/internal/api"
	"github.com/Smeet23/WorkLedger-sub001/internal/config"
	"github.com/Smeet23/WorkLedger-sub001/internal/github"
	"github.com/Smeet23/WorkLedger-sub001/internal/identity"
	"github.com/Smeet23/WorkLedger-sub001/internal/model"
	"github.com/Smeet23/WorkLedger-sub001/internal/skills"
	"github.com/Smeet23/WorkLedger-sub001/internal/store"
	"github.com/Smeet23/WorkLedger-sub001/internal/syncer"
	"github.com/Smeet23/WorkLedger-sub001/internal/tasks"
	"github.com/Smeet23/WorkLedger-sub001/internal/webhook"
)

func main() {
	if err := run(); err != nil {
		slog.Error("Application startup error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Initialize structured logger
	logLevel := new(slog.LevelVar)
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	logger := slog.New(handler)
	slog.SetDefault(logger)

	// 2. Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	setLogLevel(cfg.LogLevel, logLevel)
	logger.Info("Configuration loaded successfully")

	// 3. Setup context for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 4. Initialize database connection and run migrations
	dbpool, err := pgxpool.New(ctx, cfg.DBURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer dbpool.Close()
	logger.Info("Database connection established")

	if err := runMigrations(cfg.DBURL); err != nil {
		return fmt.Errorf("failed to run database migrations: %w", err)
	}
	logger.Info("Database migrations applied successfully")

	// 5. Initialize application components
	db := store.NewPostgres(dbpool)
	engine := skills.NewEngine(db, logger)
	queue := tasks.NewQueue(cfg.InferQueueSize, engine, logger)
	matcher := identity.NewMatcher(db, queue, logger)
	broker := github.NewBroker(db, cfg.GithubToken, logger)

	// Client factory scoped per run; no process-wide platform client.
	clients := func(ctx context.Context, scopeID uuid.UUID, scopeType model.ScopeType) (syncer.Platform, model.Connection, error) {
		client, conn, err := broker.GetScopedClient(ctx, scopeID, scopeType)
		if err != nil {
			return nil, model.Connection{}, err
		}
		return client, conn, nil
	}

	appSyncer := syncer.NewSyncer(db, clients, matcher, queue, syncer.Options{
		PageSize:        cfg.PageSize,
		QuickMaxRepos:   cfg.QuickMaxRepos,
		QuickMaxCommits: cfg.QuickMaxCommits,
		QuickLookback:   cfg.QuickLookback,
		StatPrefix:      cfg.StatPrefix,
		PauseEveryPages: cfg.PauseEveryPages,
		PauseDuration:   cfg.PauseDuration,
	}, logger)
	processor := webhook.NewProcessor(db, matcher, queue, cfg.GithubWebhookSecret, logger)
	router := api.NewRouter(appSyncer, processor, matcher, db, cfg.APIToken, logger)

	// 6. Start the inference worker and the HTTP server
	go queue.Run(ctx)

	server := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "port", cfg.HTTPPort)
		serverErr <- server.ListenAndServe()
	}()

	// 7. Wait for shutdown signal
	select {
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server error: %w", err)
		}
	case <-ctx.Done():
		logger.Info("Shutdown signal received. Exiting.")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}

	return nil
}

func runMigrations(dbURL string) error {
	m, err := migrate.New("file://migrations", dbURL)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

func setLogLevel(level string, v *slog.LevelVar) {
	switch level {
	case "debug":
		v.Set(slog.LevelDebug)
	case "warn":
		v.Set(slog.LevelWarn)
	case "error":
		v.Set(slog.LevelError)
	default:
		v.Set(slog.LevelInfo)
	}
}
