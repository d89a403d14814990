package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"genledger/internal/artifact"
	"genledger/internal/catalog"
	"genledger/internal/config"
	"genledger/internal/metrics"
	"genledger/internal/model"
	"genledger/internal/policy"
	"genledger/internal/provider"
	"genledger/internal/repository"

	"github.com/rs/zerolog"
)

// PresetCatalog resolves audio presets.
type PresetCatalog interface {
	policy.Prices
	Get(presetID string) (catalog.Preset, bool)
}

// SubmitRequest is a user's request for one generation.
type SubmitRequest struct {
	AccountID      string
	IdempotencyKey string
	Spec           model.JobSpec
	// FreeOnly rejects the job instead of charging when no free slot remains.
	FreeOnly bool
}

// JobServiceDeps groups the collaborators of JobService.
type JobServiceDeps struct {
	Ledger     repository.LedgerRepository
	Jobs       repository.JobRepository
	Provider   provider.GenerationProvider
	Catalog    PresetCatalog
	Rules      policy.Rules
	Retry      config.RetryPolicy
	Sweep      config.SweepSettings
	Dispatcher Dispatcher
	Events     *JobEventPublisher
	// Artifacts is optional; without it results stay on the job row only.
	Artifacts artifact.Store
	Logger    zerolog.Logger
	Now       func() time.Time
}

// JobService drives generation jobs from request to a terminal state.
type JobService struct {
	ledger     repository.LedgerRepository
	jobs       repository.JobRepository
	provider   provider.GenerationProvider
	catalog    PresetCatalog
	rules      policy.Rules
	retry      config.RetryPolicy
	sweep      config.SweepSettings
	dispatcher Dispatcher
	events     *JobEventPublisher
	artifacts  artifact.Store
	logger     zerolog.Logger
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error
}

func NewJobService(deps JobServiceDeps) *JobService {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	retry := deps.Retry
	if retry.MaxRetries < 1 {
		retry.MaxRetries = 1
	}
	if retry.RequestTimeout <= 0 {
		retry.RequestTimeout = 60 * time.Second
	}
	return &JobService{
		ledger:     deps.Ledger,
		jobs:       deps.Jobs,
		provider:   deps.Provider,
		catalog:    deps.Catalog,
		rules:      deps.Rules,
		retry:      retry,
		sweep:      sweepDefaults(deps.Sweep),
		dispatcher: deps.Dispatcher,
		events:     deps.Events,
		artifacts:  deps.Artifacts,
		logger:     deps.Logger.With().Str("service", "JobService").Logger(),
		now:        now,
		sleep:      sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (s *JobService) validate(req SubmitRequest) error {
	if strings.TrimSpace(req.AccountID) == "" {
		return fmt.Errorf("%w: account is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(req.IdempotencyKey) == "" {
		return fmt.Errorf("%w: idempotency key is required", ErrInvalidRequest)
	}
	switch req.Spec.Kind {
	case model.KindText:
		if strings.TrimSpace(req.Spec.Prompt) == "" {
			return fmt.Errorf("%w: prompt is required", ErrInvalidRequest)
		}
	case model.KindAudio:
		if req.Spec.Edit {
			return fmt.Errorf("%w: edits apply to text only", ErrInvalidRequest)
		}
		if s.catalog == nil {
			return fmt.Errorf("%w: %q", ErrUnknownPreset, req.Spec.PresetID)
		}
		if _, ok := s.catalog.Get(req.Spec.PresetID); !ok {
			return fmt.Errorf("%w: %q", ErrUnknownPreset, req.Spec.PresetID)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidRequest, req.Spec.Kind)
	}
	return nil
}

// Submit creates the job for req.IdempotencyKey, reserves its charge and dispatches it.
// Repeated calls with the same key return the existing job without side effects.
// When the charge cannot be reserved the rejected job is returned together with
// repository.ErrQuotaExhausted or repository.ErrInsufficientFunds.
func (s *JobService) Submit(ctx context.Context, req SubmitRequest) (*model.Job, error) {
	if err := s.validate(req); err != nil {
		metrics.Submissions.WithLabelValues("invalid").Inc()
		return nil, err
	}

	acc, err := s.ledger.GetOrCreateAccount(ctx, req.AccountID)
	if err != nil {
		metrics.Submissions.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("loading account: %w", err)
	}

	job, isNew, err := s.jobs.CreateIfAbsent(ctx, req.IdempotencyKey, req.AccountID, req.Spec)
	if err != nil {
		metrics.Submissions.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("creating job: %w", err)
	}
	if !isNew {
		metrics.Submissions.WithLabelValues("duplicate").Inc()
		s.logger.Debug().Str("job_id", job.ID).Str("idempotency_key", req.IdempotencyKey).Msg("Duplicate submission")
		return job, nil
	}

	log := s.logger.With().Str("job_id", job.ID).Str("account_id", req.AccountID).Logger()

	charge, err := policy.Decide(*acc, job.Spec, s.now(), s.catalog, s.rules)
	if err != nil {
		rejected := s.reject(ctx, job, "invalid_request")
		metrics.Submissions.WithLabelValues("rejected").Inc()
		return rejected, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if req.FreeOnly && !charge.IsFree() {
		rejected := s.reject(ctx, job, model.ReasonQuotaExhausted)
		metrics.Submissions.WithLabelValues("rejected").Inc()
		return rejected, repository.ErrQuotaExhausted
	}

	res, err := s.ledger.Reserve(ctx, req.AccountID, charge, job.ID)
	if errors.Is(err, repository.ErrQuotaExhausted) && charge.IsFree() && !req.FreeOnly {
		// The free slot was taken between decision and reservation.
		log.Debug().Msg("Free decision was stale; charging instead")
		charge = policy.PaidText(s.rules)
		res, err = s.ledger.Reserve(ctx, req.AccountID, charge, job.ID)
	}
	switch {
	case errors.Is(err, repository.ErrQuotaExhausted):
		rejected := s.reject(ctx, job, model.ReasonQuotaExhausted)
		metrics.Submissions.WithLabelValues("rejected").Inc()
		return rejected, repository.ErrQuotaExhausted
	case errors.Is(err, repository.ErrInsufficientFunds):
		rejected := s.reject(ctx, job, model.ReasonInsufficientFunds)
		metrics.Submissions.WithLabelValues("rejected").Inc()
		return rejected, repository.ErrInsufficientFunds
	case err != nil:
		// The job stays pending; the sweep resumes or rejects it.
		metrics.Submissions.WithLabelValues("error").Inc()
		log.Error().Err(err).Msg("Failed to reserve charge")
		return nil, fmt.Errorf("reserving charge: %w", err)
	}

	reserved, err := s.jobs.Transition(ctx, job.ID, model.JobPending, model.JobReserved, repository.TransitionPatch{
		Charge:        &res.Charge,
		ReservationID: res.ID,
	})
	if errors.Is(err, repository.ErrStaleTransition) {
		return s.afterLostReservationRace(ctx, job.ID, res)
	}
	if err != nil {
		metrics.Submissions.WithLabelValues("error").Inc()
		log.Error().Err(err).Msg("Failed to mark job reserved")
		return nil, fmt.Errorf("marking job reserved: %w", err)
	}
	metrics.JobTransitions.WithLabelValues(string(model.JobReserved)).Inc()
	metrics.Submissions.WithLabelValues("created").Inc()
	log.Info().Str("charge", res.Charge.String()).Msg("Job reserved")

	s.dispatch(ctx, reserved)
	return reserved, nil
}

// afterLostReservationRace handles a pending job that was moved on by the sweep
// while Submit was reserving.
func (s *JobService) afterLostReservationRace(ctx context.Context, jobID string, res *model.Reservation) (*model.Job, error) {
	current, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("reloading job: %w", err)
	}
	if current.State == model.JobRejected {
		s.logger.Warn().Str("job_id", jobID).Msg("Job was abandoned while reserving; reversing reservation")
		if err := s.settle(ctx, current); err != nil {
			return current, err
		}
	}
	return current, nil
}

func (s *JobService) dispatch(ctx context.Context, job *model.Job) {
	if s.dispatcher == nil {
		return
	}
	if err := s.dispatcher.Dispatch(ctx, job.ID); err != nil {
		// The sweep re-dispatches stale reserved jobs.
		s.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to dispatch job")
	}
}

// reject moves a pending job to rejected. No reservation exists for it.
func (s *JobService) reject(ctx context.Context, job *model.Job, reason string) *model.Job {
	rejected, err := s.jobs.Transition(ctx, job.ID, model.JobPending, model.JobRejected, repository.TransitionPatch{
		FailureReason: reason,
	})
	if err != nil {
		s.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to reject job")
		current, getErr := s.jobs.GetJob(ctx, job.ID)
		if getErr != nil {
			return job
		}
		return current
	}
	metrics.JobTransitions.WithLabelValues(string(model.JobRejected)).Inc()
	if err := s.settle(ctx, rejected); err != nil {
		s.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to settle rejected job")
	} else if fresh, err := s.jobs.GetJob(ctx, job.ID); err == nil {
		rejected = fresh
	}
	s.events.Publish(ctx, rejected)
	return rejected
}

// settle reverses the job's reservation if one exists and records that it is done.
// It is safe to call repeatedly.
func (s *JobService) settle(ctx context.Context, job *model.Job) error {
	res, err := s.ledger.FindReservation(ctx, job.ID)
	switch {
	case errors.Is(err, repository.ErrReservationNotFound):
	case err != nil:
		return fmt.Errorf("finding reservation for job %s: %w", job.ID, err)
	default:
		reversed, err := s.ledger.Reverse(ctx, res.ID)
		if err != nil {
			return fmt.Errorf("reversing reservation %s: %w", res.ID, err)
		}
		if reversed {
			s.logger.Info().
				Str("job_id", job.ID).
				Str("account_id", job.AccountID).
				Str("charge", res.Charge.String()).
				Msg("Reservation reversed")
		}
	}
	if err := s.jobs.MarkReversed(ctx, job.ID); err != nil {
		return fmt.Errorf("marking job %s settled: %w", job.ID, err)
	}
	return nil
}

// fail moves a job to failed and refunds it. A job that is already failed is only settled.
func (s *JobService) fail(ctx context.Context, job *model.Job, from model.JobState, reason string) (*model.Job, error) {
	failed, err := s.jobs.Transition(ctx, job.ID, from, model.JobFailed, repository.TransitionPatch{FailureReason: reason})
	if errors.Is(err, repository.ErrStaleTransition) {
		current, getErr := s.jobs.GetJob(ctx, job.ID)
		if getErr != nil {
			return nil, fmt.Errorf("reloading job: %w", getErr)
		}
		if current.State == model.JobFailed && current.ReversedAt == nil {
			return current, s.settle(ctx, current)
		}
		return current, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failing job %s: %w", job.ID, err)
	}
	metrics.JobTransitions.WithLabelValues(string(model.JobFailed)).Inc()
	s.logger.Warn().Str("job_id", job.ID).Str("reason", reason).Msg("Job failed")

	if err := s.settle(ctx, failed); err != nil {
		// The sweep retries unsettled failures.
		s.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to refund failed job")
	}
	s.events.Publish(ctx, failed)
	return failed, nil
}

// SubmitToProvider sends a reserved job to the generation provider, retrying
// transient errors with exponential backoff. When retries are exhausted the job
// is failed, refunded and ErrSubmissionExhausted is returned.
func (s *JobService) SubmitToProvider(ctx context.Context, jobID string) error {
	job, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("loading job %s: %w", jobID, err)
	}
	if job.State != model.JobReserved {
		s.logger.Debug().Str("job_id", jobID).Str("state", string(job.State)).Msg("Job is not awaiting submission")
		return nil
	}

	req := provider.SubmitRequest{JobID: job.ID, Spec: job.Spec}
	if job.Spec.Kind == model.KindAudio && s.catalog != nil {
		if p, ok := s.catalog.Get(job.Spec.PresetID); ok {
			req.Style = p.Style
			req.Title = p.Title
		}
	}

	backoff := s.retry.InitialBackoff
	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= s.retry.MaxRetries; attempt++ {
		attempts = attempt
		callCtx, cancel := context.WithTimeout(ctx, s.retry.RequestTimeout)
		start := time.Now()
		ref, err := s.provider.Submit(callCtx, req)
		cancel()
		metrics.ProviderLatency.WithLabelValues("submit").Observe(time.Since(start).Seconds())

		if err == nil {
			metrics.ProviderCalls.WithLabelValues("submit", "ok").Inc()
			_, err := s.jobs.Transition(ctx, job.ID, model.JobReserved, model.JobSubmitted, repository.TransitionPatch{
				ProviderRef: ref,
				Attempts:    attempt,
			})
			if errors.Is(err, repository.ErrStaleTransition) {
				s.logger.Warn().Str("job_id", job.ID).Str("provider_ref", ref).Msg("Job moved on during submission")
				return nil
			}
			if err != nil {
				return fmt.Errorf("marking job %s submitted: %w", job.ID, err)
			}
			metrics.JobTransitions.WithLabelValues(string(model.JobSubmitted)).Inc()
			s.logger.Info().Str("job_id", job.ID).Str("provider_ref", ref).Int("attempt", attempt).Msg("Job submitted")
			return nil
		}

		lastErr = err
		metrics.ProviderCalls.WithLabelValues("submit", "error").Inc()
		if ctx.Err() != nil {
			// Shutting down; the sweep re-dispatches the job.
			return ctx.Err()
		}
		if !provider.IsTransient(err) {
			break
		}
		s.logger.Warn().Err(err).Str("job_id", job.ID).Int("attempt", attempt).Msg("Provider submission failed, retrying")
		if attempt < s.retry.MaxRetries {
			if err := s.sleep(ctx, backoff); err != nil {
				return err
			}
			backoff *= 2
			if s.retry.MaxBackoff > 0 && backoff > s.retry.MaxBackoff {
				backoff = s.retry.MaxBackoff
			}
		}
	}

	reason := model.ReasonSubmitExhausted
	if errors.Is(lastErr, provider.ErrProviderRejected) {
		reason = model.ReasonProviderFailed
	}
	if _, err := s.fail(ctx, job, model.JobReserved, reason); err != nil {
		return err
	}
	s.logger.Warn().Err(lastErr).Str("job_id", job.ID).Int("attempts", attempts).Msg("Exhausted provider submission")
	return fmt.Errorf("%w after %d attempts: %v", ErrSubmissionExhausted, attempts, lastErr)
}

// HandleProviderResult finalizes a submitted job from a provider callback or poll.
// Results for jobs that are already terminal are ignored.
func (s *JobService) HandleProviderResult(ctx context.Context, providerRef string, outcome model.ProviderOutcome) (*model.Job, error) {
	job, err := s.jobs.GetJobByProviderRef(ctx, providerRef)
	if err != nil {
		return nil, fmt.Errorf("finding job for provider ref %s: %w", providerRef, err)
	}
	return s.applyOutcome(ctx, job, outcome)
}

func (s *JobService) applyOutcome(ctx context.Context, job *model.Job, outcome model.ProviderOutcome) (*model.Job, error) {
	log := s.logger.With().Str("job_id", job.ID).Str("provider_ref", job.ProviderRef).Logger()
	if job.State.Terminal() {
		log.Debug().Str("state", string(job.State)).Msg("Ignoring result for finalized job")
		return job, nil
	}
	if job.State != model.JobSubmitted {
		log.Warn().Str("state", string(job.State)).Msg("Result for job that is not submitted")
		return job, nil
	}

	switch outcome.Status {
	case model.OutcomePending:
		return job, nil
	case model.OutcomeSucceeded:
		patch := repository.TransitionPatch{Artifact: outcome.Artifact}
		if s.artifacts != nil && outcome.Artifact != nil {
			saveCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			key, err := s.artifacts.Save(saveCtx, job.ID, outcome.Artifact)
			cancel()
			if err != nil {
				log.Warn().Err(err).Msg("Failed to persist artifact; completing without a copy")
			} else {
				patch.ArtifactKey = key
			}
		}
		completed, err := s.jobs.Transition(ctx, job.ID, model.JobSubmitted, model.JobCompleted, patch)
		if errors.Is(err, repository.ErrStaleTransition) {
			return s.jobs.GetJob(ctx, job.ID)
		}
		if err != nil {
			return nil, fmt.Errorf("completing job %s: %w", job.ID, err)
		}
		metrics.JobTransitions.WithLabelValues(string(model.JobCompleted)).Inc()
		log.Info().Msg("Job completed")
		s.events.Publish(ctx, completed)
		return completed, nil
	case model.OutcomeFailed:
		reason := outcome.Reason
		if reason == "" {
			reason = model.ReasonProviderFailed
		}
		return s.fail(ctx, job, model.JobSubmitted, reason)
	default:
		return nil, fmt.Errorf("%w: unknown outcome %q", ErrInvalidRequest, outcome.Status)
	}
}

// GetJob returns a job owned by accountID.
func (s *JobService) GetJob(ctx context.Context, accountID, jobID string) (*model.Job, error) {
	job, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.AccountID != accountID {
		return nil, ErrForbidden
	}
	return job, nil
}

func (s *JobService) ListJobs(ctx context.Context, accountID string, limit int) ([]model.Job, error) {
	return s.jobs.ListJobs(ctx, accountID, limit)
}

func (s *JobService) History(ctx context.Context, jobID string) ([]model.JobTransition, error) {
	return s.jobs.History(ctx, jobID)
}
