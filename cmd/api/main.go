package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/tgverify/server/internal/auth"
	"github.com/tgverify/server/internal/bot"
	"github.com/tgverify/server/internal/config"
	"github.com/tgverify/server/internal/db"
	httphandler "github.com/tgverify/server/internal/http"
	"github.com/tgverify/server/internal/http/handlers"
	"github.com/tgverify/server/internal/logger"
	"github.com/tgverify/server/internal/middleware"
	"github.com/tgverify/server/internal/repo"
	"github.com/tgverify/server/internal/verification"
	"github.com/tgverify/server/internal/webhook"
)

func main() {
	// Load .env from CWD (env vars override)
	_ = godotenv.Load(".env")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, File: cfg.LogFile})

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("server stopped with error")
	}
	log.Info().Msg("Server exited")
}

func run(cfg *config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sessions, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStore(); err != nil {
			log.Warn().Err(err).Msg("failed to close session store")
		}
	}()

	dispatcher := webhook.NewDispatcher(cfg.WebhookTimeout, log)
	service := verification.NewService(sessions, cfg.BotUsername, cfg.SessionTTL)
	gateway := bot.NewGateway(sessions, dispatcher, log, bot.WithSuccessPhoto(cfg.SuccessPhotoURL))

	tgClient, err := bot.NewClient(cfg, gateway, log)
	if err != nil {
		return err
	}

	var jwtService *auth.JWTService
	if cfg.APIJWTSecret != "" {
		jwtService = auth.NewJWTService(cfg.APIJWTSecret)
	}

	router := httphandler.NewRouter(httphandler.RouterConfig{
		Verification:    handlers.NewVerificationHandler(service, log),
		JWT:             jwtService,
		InitLimiter:     middleware.NewRateLimiter(cfg.RateLimitPerMinute),
		TelegramWebhook: tgClient.WebhookHandler(),
		Logger:          log,
	})

	// Create HTTP server with timeouts
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	sweeper := repo.NewSweeper(sessions, cfg.SweepInterval, cfg.SessionRetention, log)
	go sweeper.Run(ctx)

	botDone := make(chan struct{})
	go func() {
		defer close(botDone)
		if err := tgClient.Start(ctx); err != nil {
			log.Error().Err(err).Msg("telegram bot failed")
			stop()
		}
	}()

	serverErr := make(chan error, 1)
	go func() {
		log.Info().Str("port", cfg.Port).Str("store", cfg.StoreBackend).Msg("Server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	return shutdown(ctx, stop, serverErr, srv, botDone, dispatcher, log)
}

type shutdowner interface {
	Shutdown(ctx context.Context) error
}

type closer interface {
	Close(ctx context.Context) error
}

// shutdown waits for a signal or a server failure, then stops the HTTP
// server, the bot and the webhook dispatcher in that order. A server
// failure is returned after the tail has run.
func shutdown(ctx context.Context, stop context.CancelFunc, serverErr <-chan error, srv shutdowner, botDone <-chan struct{}, dispatcher closer, log zerolog.Logger) error {
	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serverErr:
		runErr = fmt.Errorf("http server: %w", err)
		stop()
	}

	log.Info().Msg("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	select {
	case <-botDone:
	case <-shutdownCtx.Done():
		log.Warn().Msg("telegram bot did not stop in time")
	}
	if err := dispatcher.Close(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("pending webhook deliveries abandoned")
	}
	return runErr
}

// openStore builds the configured SessionRepo and returns a function releasing it.
func openStore(ctx context.Context, cfg *config.Config, log zerolog.Logger) (repo.SessionRepo, func() error, error) {
	noop := func() error { return nil }

	switch cfg.StoreBackend {
	case config.StoreBolt:
		if dir := filepath.Dir(cfg.BoltPath); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, nil, fmt.Errorf("create bolt directory: %w", err)
			}
		}
		store, err := repo.NewBoltSessionRepo(cfg.BoltPath)
		if err != nil {
			return nil, nil, err
		}
		log.Info().Str("path", cfg.BoltPath).Msg("using bbolt session store")
		return store, store.Close, nil

	case config.StorePostgres:
		database, err := db.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open database: %w", err)
		}
		if err := db.Migrate(database); err != nil {
			_ = database.Close()
			return nil, nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		log.Info().Str("dsn", db.RedactDSN(cfg.DatabaseURL)).Msg("using postgres session store")
		return repo.NewPgSessionRepo(database), database.Close, nil

	default:
		log.Warn().Msg("using in-memory session store; sessions are lost on restart")
		return repo.NewMemorySessionRepo(), noop, nil
	}
}
