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

	"github.com/The-Genium007/Tumulte-MVP-sub003/internal/announce"
	"github.com/The-Genium007/Tumulte-MVP-sub003/internal/api"
	"github.com/The-Genium007/Tumulte-MVP-sub003/internal/config"
	"github.com/The-Genium007/Tumulte-MVP-sub003/internal/credentials"
	"github.com/The-Genium007/Tumulte-MVP-sub003/internal/engine"
	"github.com/The-Genium007/Tumulte-MVP-sub003/internal/poll"
	"github.com/The-Genium007/Tumulte-MVP-sub003/internal/provider"
	"github.com/The-Genium007/Tumulte-MVP-sub003/internal/store"
	ws "github.com/The-Genium007/Tumulte-MVP-sub003/internal/websocket"
	"github.com/The-Genium007/Tumulte-MVP-sub003/internal/worker"
	"github.com/spf13/cobra"
)

var skipMigrations bool

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, WebSocket feed and polling scheduler",
		RunE:  runServe,
	}
	serveCmd.Flags().BoolVar(&skipMigrations, "skip-migrations", false, "do not apply pending migrations at startup")
	rootCmd.AddCommand(serveCmd)

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		RunE:  runMigrate,
	}
	rootCmd.AddCommand(migrateCmd)
}

func newLogger(cfg *config.Config) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := newLogger(cfg)

	ctx := cmd.Context()
	pgStore, err := store.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pgStore.Close()

	applied, err := pgStore.RunMigrations(ctx, cfg.MigrationsDir)
	if err != nil {
		return err
	}
	logger.Info("database migrations applied", "applied", applied, "count", len(applied))
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.ValidateServe(); err != nil {
		return err
	}
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgStore, err := store.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pgStore.Close()
	logger.Info("connected to PostgreSQL")

	if !skipMigrations {
		applied, err := pgStore.RunMigrations(ctx, cfg.MigrationsDir)
		if err != nil {
			return err
		}
		logger.Info("database migrations applied", "count", len(applied))
	}

	redisClient, err := store.OpenRedis(ctx, cfg.RedisURL)
	if err != nil {
		return err
	}
	defer redisClient.Close()
	logger.Info("connected to Redis")

	vault, err := credentials.NewVault(cfg.TokenEncryptionKey, pgStore)
	if err != nil {
		return err
	}

	limiter := engine.NewRateLimiter(redisClient, cfg.ProviderRateLimit, time.Second, logger)
	providerClient := provider.NewClient(cfg.ProviderBaseURL, cfg.ProviderClientID, limiter, logger)
	breakers := engine.NewCircuitBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown, logger)
	executor := engine.NewExecutor(breakers, pgStore, logger)

	scheduler := worker.NewScheduler(cfg.PollInterval, logger)
	defer scheduler.Shutdown()

	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	hub := ws.NewHub(logger)
	go hub.Run(hubCtx)

	pollService := poll.NewService(poll.Dependencies{
		Store:       pgStore,
		Provider:    providerClient,
		Tokens:      vault,
		Executor:    executor,
		Tasks:       scheduler,
		Broadcaster: hub,
		Announcer:   announce.NewPublisher(redisClient, announce.DefaultChannel, logger),
		Logger:      logger,
	})
	if _, err := pollService.Resume(ctx); err != nil {
		return err
	}

	router := api.NewRouter(api.Config{
		Polls:          pollService,
		RetryEvents:    pgStore,
		Metrics:        pgStore,
		DB:             pgStore,
		WebSocket:      hub.HandleWebSocket,
		WSClientCount:  hub.ClientCount,
		ScheduledTasks: scheduler.Len,
		Version:        version,
		Logger:         logger,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("serving http: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}

	logger.Info("server stopped")
	return nil
}
