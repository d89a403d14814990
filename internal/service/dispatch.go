package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"genledger/internal/pgmq"

	"github.com/rs/zerolog"
)

// Dispatcher hands a reserved job to provider submission.
type Dispatcher interface {
	Dispatch(ctx context.Context, jobID string) error
}

// SubmissionMessage is the payload of the submission queue.
type SubmissionMessage struct {
	JobID string `json:"job_id"`
}

// QueueDispatcher enqueues jobs on a pgmq queue consumed by the submission orchestrator.
type QueueDispatcher struct {
	client *pgmq.Client
	queue  string
}

func NewQueueDispatcher(client *pgmq.Client, queue string) *QueueDispatcher {
	return &QueueDispatcher{client: client, queue: queue}
}

func (d *QueueDispatcher) Dispatch(ctx context.Context, jobID string) error {
	payload, err := json.Marshal(SubmissionMessage{JobID: jobID})
	if err != nil {
		return fmt.Errorf("marshal submission message: %w", err)
	}
	if err := d.client.Send(ctx, d.queue, payload); err != nil {
		return fmt.Errorf("enqueue job %s: %w", jobID, err)
	}
	return nil
}

// InlineDispatcher submits jobs from a background goroutine in the same process.
// The submission outlives the request that created it.
type InlineDispatcher struct {
	mu      sync.RWMutex
	submit  func(ctx context.Context, jobID string) error
	timeout time.Duration
	wg      sync.WaitGroup
	logger  zerolog.Logger
}

func NewInlineDispatcher(timeout time.Duration, logger zerolog.Logger) *InlineDispatcher {
	return &InlineDispatcher{
		timeout: timeout,
		logger:  logger.With().Str("service", "InlineDispatcher").Logger(),
	}
}

// Bind sets the job service whose SubmitToProvider runs for each dispatch.
func (d *InlineDispatcher) Bind(svc *JobService) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.submit = svc.SubmitToProvider
}

func (d *InlineDispatcher) Dispatch(ctx context.Context, jobID string) error {
	d.mu.RLock()
	submit := d.submit
	d.mu.RUnlock()
	if submit == nil {
		return fmt.Errorf("inline dispatcher is not bound")
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
		defer cancel()
		if err := submit(bg, jobID); err != nil {
			d.logger.Warn().Err(err).Str("job_id", jobID).Msg("Inline submission finished with error")
		}
	}()
	return nil
}

// Wait blocks until all in-flight submissions return.
func (d *InlineDispatcher) Wait() {
	d.wg.Wait()
}
