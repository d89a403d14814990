package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"

	"genledger/internal/app"
	"genledger/internal/config"
	"genledger/internal/logger"
	"genledger/internal/orchestrator/submission"
	"genledger/internal/orchestrator/sweep"

	"github.com/joho/godotenv"
)

func main() {
	// Parse mode flag
	mode := flag.String("mode", "", "Orchestrator mode: submission|sweep")
	flag.Parse()

	logger := logger.New()

	if err := godotenv.Load(); err != nil {
		logger.Warn().Msg("Warning: no .env file found")
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Msgf("Error loading config: %v", err)
	}

	// Set up context with graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Msgf("Failed to initialize: %v", err)
	}
	defer a.Close()

	var runErr error
	switch *mode {
	case "submission":
		if a.Queue == nil {
			logger.Fatal().Msg("submission mode requires DISPATCH_MODE=queue")
		}
		runErr = submission.Run(ctx, logger, a.Queue, a.Jobs, submission.Options{
			Queue:           cfg.SubmissionQueueName,
			DeadLetterQueue: cfg.SubmissionDeadLetterQueueName,
			VisibilitySec:   cfg.SubmissionVisibilityTimeout,
			PollSec:         cfg.SubmissionPollTimeoutSec,
			MaxMessages:     cfg.SubmissionPollMaxMsg,
		})
	case "sweep":
		runErr = sweep.Run(ctx, logger, a.Jobs, cfg.SweepSettings().Interval)
	default:
		logger.Fatal().Msgf("Invalid mode: %s", *mode)
	}

	if runErr != nil {
		logger.Fatal().Msgf("%s orchestrator failed: %v", *mode, runErr)
	}

	logger.Info().Msgf("%s orchestrator stopped gracefully", *mode)
}
