package sweep

import (
	"context"
	"time"

	"genledger/internal/service"

	"github.com/rs/zerolog"
)

type Sweeper interface {
	Sweep(ctx context.Context) (service.SweepReport, error)
}

// Run executes a reconciliation pass every interval until ctx is cancelled.
func Run(ctx context.Context, logger zerolog.Logger, sweeper Sweeper, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	logger = logger.With().Str("orchestrator", "sweep").Logger()
	logger.Info().Dur("interval", interval).Msg("Starting sweep orchestrator")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := sweeper.Sweep(ctx); err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("Sweep pass failed")
		}
		select {
		case <-ctx.Done():
			logger.Info().Msg("Shutting down sweep orchestrator")
			return nil
		case <-ticker.C:
		}
	}
}
