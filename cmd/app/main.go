package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"genledger/internal/api/v1/router"
	"genledger/internal/app"
	"genledger/internal/config"
	"genledger/internal/logger"
	"genledger/internal/orchestrator/sweep"

	"github.com/joho/godotenv"
)

// @title Generation Ledger API
// @version 1.0
// @description Generation jobs, quota and balance ledger
// @host localhost:8080
// @BasePath /v1
// @Schemes http https

func main() {
	logger := logger.New()

	// 1. Load configuration
	if err := godotenv.Load(); err != nil {
		logger.Warn().Msg("Warning: no .env file found")
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Msgf("Error loading config: %v", err)
	}

	// 2. Build stores and services
	a, err := app.Build(context.Background(), cfg, logger)
	if err != nil {
		logger.Fatal().Msgf("Failed to initialize: %v", err)
	}
	defer a.Close()

	// 3. Without a queue worker the API process runs its own sweep.
	bg, stopBackground := context.WithCancel(context.Background())
	sweepDone := make(chan struct{})
	if a.Inline != nil {
		go func() {
			defer close(sweepDone)
			if err := sweep.Run(bg, logger, a.Jobs, cfg.SweepSettings().Interval); err != nil {
				logger.Error().Err(err).Msg("Sweep loop stopped")
			}
		}()
	} else {
		close(sweepDone)
	}

	// 4. Create HTTP server
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router.New(a, logger),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Msgf("Server starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Msgf("Listen: %s", err)
		}
	}()

	// 5. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info().Msg("Shutdown signal received, exiting...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Server forced to shutdown")
	}
	stopBackground()
	<-sweepDone
	logger.Info().Msg("Server shut down gracefully")
}
