package submission

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"genledger/internal/pgmq"
	"genledger/internal/service"

	"github.com/rs/zerolog"
)

// Queue is the subset of the pgmq client the consumer needs.
type Queue interface {
	ReadWithPoll(ctx context.Context, queue string, visibilitySec, maxMessages, pollSec int) ([]*pgmq.Message, error)
	Send(ctx context.Context, queue string, payload []byte) error
	Delete(ctx context.Context, queue string, msgID int64) error
}

// Submitter sends one reserved job to the generation provider.
type Submitter interface {
	SubmitToProvider(ctx context.Context, jobID string) error
}

type Options struct {
	Queue           string
	DeadLetterQueue string
	VisibilitySec   int
	PollSec         int
	MaxMessages     int
	// MaxDeliveries moves a message to the dead-letter queue after this many reads.
	MaxDeliveries int
}

// Run consumes the submission queue until ctx is cancelled.
func Run(ctx context.Context, logger zerolog.Logger, client Queue, svc Submitter, opts Options) error {
	if opts.MaxMessages < 1 {
		opts.MaxMessages = 1
	}
	if opts.MaxDeliveries < 1 {
		opts.MaxDeliveries = 5
	}
	logger = logger.With().Str("orchestrator", "submission").Str("queue", opts.Queue).Logger()
	logger.Info().Msg("Starting submission orchestrator")
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("Shutting down submission orchestrator")
			return nil
		default:
		}

		msgs, err := client.ReadWithPoll(ctx, opts.Queue, opts.VisibilitySec, opts.MaxMessages, opts.PollSec)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			logger.Error().Err(err).Msg("Error reading submission queue")
			time.Sleep(time.Second)
			continue
		}
		for _, msg := range msgs {
			handle(ctx, logger, client, svc, opts, msg)
		}
	}
}

func handle(ctx context.Context, logger zerolog.Logger, client Queue, svc Submitter, opts Options, msg *pgmq.Message) {
	log := logger.With().Int64("msg_id", msg.ID).Int("read_ct", msg.ReadCount).Logger()

	var payload service.SubmissionMessage
	if err := json.Unmarshal(msg.Data, &payload); err != nil || payload.JobID == "" {
		log.Error().Err(err).Msg("Malformed submission message; deleting")
		deadLetter(ctx, log, client, opts, msg)
		return
	}
	log = log.With().Str("job_id", payload.JobID).Logger()

	err := svc.SubmitToProvider(ctx, payload.JobID)
	switch {
	case err == nil:
		if err := client.Delete(ctx, opts.Queue, msg.ID); err != nil {
			log.Error().Err(err).Msg("Error deleting submission message")
		}
	case errors.Is(err, service.ErrSubmissionExhausted):
		// The job is already failed and refunded; keep the message for inspection.
		log.Warn().Err(err).Msg("Exhausted provider submission; moving message to DLQ")
		deadLetter(ctx, log, client, opts, msg)
	case ctx.Err() != nil:
		// Shutting down; the message becomes visible again after its timeout.
	case msg.ReadCount >= opts.MaxDeliveries:
		log.Error().Err(err).Msg("Submission kept failing; moving message to DLQ")
		deadLetter(ctx, log, client, opts, msg)
	default:
		log.Warn().Err(err).Msg("Submission failed; will retry after visibility timeout")
	}
}

func deadLetter(ctx context.Context, log zerolog.Logger, client Queue, opts Options, msg *pgmq.Message) {
	if opts.DeadLetterQueue != "" {
		if err := client.Send(ctx, opts.DeadLetterQueue, msg.Data); err != nil {
			log.Error().Err(err).Str("dlq", opts.DeadLetterQueue).Msg("Failed to send message to dead-letter queue")
			return
		}
	}
	if err := client.Delete(ctx, opts.Queue, msg.ID); err != nil {
		log.Error().Err(err).Msg("Error deleting submission message")
	}
}
