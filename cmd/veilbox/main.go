package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"veilbox/internal/classify"
	"veilbox/internal/config"
	"veilbox/internal/constants"
	"veilbox/internal/database"
	apperrors "veilbox/internal/errors"
	"veilbox/internal/privacy"
	"veilbox/internal/retry"
	"veilbox/internal/service"
	"veilbox/internal/tracing"
	"veilbox/pkg/generation"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Version is set at build time via -ldflags
var Version = "dev"

var (
	verbose     = flag.Bool("verbose", false, "enable verbose logging with full message content")
	configPath  = flag.String("config", "config.json", "path to configuration file")
	showVersion = flag.Bool("version", false, "print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("veilbox %s\n", Version)
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		logrus.WithError(err).Fatal("Service failed")
	}
}

func run(ctx context.Context) error {
	// Optional .env file; the environment always wins.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logrus.WithError(err).Warn("Failed to load .env file")
	}

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339,
	})

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	if *verbose {
		level = logrus.DebugLevel
	}
	logger.SetLevel(level)

	logger.WithFields(logrus.Fields{
		"version":   Version,
		"log_level": level.String(),
		"verbose":   *verbose,
	}).Info("Starting veilbox")

	tracingManager := tracing.NewManager(cfg.Tracing, logger)
	if err := tracingManager.Initialize(ctx); err != nil {
		logger.WithError(err).Warn("Failed to initialize tracing, continuing without it")
	}
	defer func() {
		if err := tracingManager.Shutdown(context.Background()); err != nil {
			logger.WithError(err).Warn("Failed to shut down tracing")
		}
	}()

	var db *database.Database
	dbBackoff := retry.NewBackoff(retry.BackoffConfig{
		InitialDelay: time.Duration(constants.DefaultRetryBackoffMs) * time.Millisecond,
		MaxDelay:     time.Duration(constants.DefaultMaxBackoffMs) * time.Millisecond,
		Multiplier:   2.0,
		MaxAttempts:  constants.DefaultDatabaseRetryAttempts,
		Jitter:       true,
	})
	err = dbBackoff.Retry(ctx, func() error {
		var dbErr error
		db, dbErr = database.New(cfg.Database.Path, logger)
		return dbErr
	})
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close database")
		}
	}()

	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" && cfg.Generation.APIBaseURL == "" {
		return apperrors.NewConfigError("OPENAI_API_KEY", "OPENAI_API_KEY environment variable is required")
	}

	repo := service.NewMessageRepository(db, logger)
	classifier := classify.NewClassifier(cfg.Categorizer)
	veiler := privacy.NewVeilGenerator(cfg.Veil)
	generator := generation.NewClient(generation.ClientConfig{
		APIKey:     apiKey,
		BaseURL:    cfg.Generation.APIBaseURL,
		Model:      cfg.Generation.Model,
		MaxReplies: cfg.Generation.MaxReplies,
	})

	engine := service.NewProcessingEngine(
		repo,
		classifier,
		veiler,
		generator,
		cfg.Engine,
		time.Duration(cfg.Generation.TimeoutSec)*time.Second,
		logger,
	)
	engine.Start(ctx)
	defer engine.Stop()

	scheduler := service.NewScheduler(db, cfg.RetentionDays, cfg.CleanupIntervalHours, logger)
	go scheduler.Start(ctx)
	defer scheduler.Stop()

	server := NewServer(cfg.Server, repo, logger, *verbose)
	serverErrCh := make(chan error, constants.ServerErrorChannelSize)
	go func() {
		serverErrCh <- server.Start()
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-serverErrCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	engine.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(constants.DefaultGracefulShutdownSec)*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	logger.Info("Shutdown complete")
	return nil
}
