package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"genledger/internal/config"
	"genledger/internal/metrics"
	"genledger/internal/model"
	"genledger/internal/repository"
)

// SweepReport counts what one reconciliation pass did.
type SweepReport struct {
	Resumed      int `json:"resumed"`
	Abandoned    int `json:"abandoned"`
	Redispatched int `json:"redispatched"`
	Finalized    int `json:"finalized"`
	TimedOut     int `json:"timed_out"`
	Settled      int `json:"settled"`
	Errors       int `json:"errors"`
}

func sweepDefaults(s config.SweepSettings) config.SweepSettings {
	if s.PendingAfter <= 0 {
		s.PendingAfter = 2 * time.Minute
	}
	if s.ReservedAfter <= 0 {
		s.ReservedAfter = 2 * time.Minute
	}
	if s.SubmittedAfter <= 0 {
		s.SubmittedAfter = 5 * time.Minute
	}
	if s.MaxJobAge <= 0 {
		s.MaxJobAge = time.Hour
	}
	if s.BatchSize <= 0 {
		s.BatchSize = 100
	}
	return s
}

// Sweep drives jobs that stopped making progress towards a terminal state and
// refunds terminal jobs whose reversal did not complete.
func (s *JobService) Sweep(ctx context.Context) (SweepReport, error) {
	var rep SweepReport
	now := s.now()

	steps := []func(context.Context, time.Time, *SweepReport) error{
		s.sweepPending,
		s.sweepReserved,
		s.sweepSubmitted,
		s.sweepUnsettled,
	}
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		if err := step(ctx, now, &rep); err != nil {
			return rep, err
		}
	}
	if rep != (SweepReport{}) {
		s.logger.Info().Interface("report", rep).Msg("Sweep finished")
	}
	return rep, nil
}

// sweepPending handles jobs whose Submit call died between creation and reservation.
func (s *JobService) sweepPending(ctx context.Context, now time.Time, rep *SweepReport) error {
	jobs, err := s.jobs.ListStale(ctx, model.JobPending, now.Add(-s.sweep.PendingAfter), s.sweep.BatchSize)
	if err != nil {
		return fmt.Errorf("listing stale pending jobs: %w", err)
	}
	for i := range jobs {
		job := &jobs[i]
		res, err := s.ledger.FindReservation(ctx, job.ID)
		if errors.Is(err, repository.ErrReservationNotFound) {
			// Reject first: a reservation written after this point is reversed by Submit.
			s.reject(ctx, job, model.ReasonAbandoned)
			metrics.SweepActions.WithLabelValues("abandoned").Inc()
			rep.Abandoned++
			continue
		}
		if err != nil {
			s.logger.Error().Err(err).Str("job_id", job.ID).Msg("Sweep failed to look up reservation")
			rep.Errors++
			continue
		}
		reserved, err := s.jobs.Transition(ctx, job.ID, model.JobPending, model.JobReserved, repository.TransitionPatch{
			Charge:        &res.Charge,
			ReservationID: res.ID,
			Note:          "resumed",
		})
		if errors.Is(err, repository.ErrStaleTransition) {
			continue
		}
		if err != nil {
			s.logger.Error().Err(err).Str("job_id", job.ID).Msg("Sweep failed to resume job")
			rep.Errors++
			continue
		}
		metrics.JobTransitions.WithLabelValues(string(model.JobReserved)).Inc()
		metrics.SweepActions.WithLabelValues("resumed").Inc()
		rep.Resumed++
		s.dispatch(ctx, reserved)
	}
	return nil
}

// sweepReserved re-dispatches reserved jobs that were never submitted, and gives up on old ones.
func (s *JobService) sweepReserved(ctx context.Context, now time.Time, rep *SweepReport) error {
	jobs, err := s.jobs.ListStale(ctx, model.JobReserved, now.Add(-s.sweep.ReservedAfter), s.sweep.BatchSize)
	if err != nil {
		return fmt.Errorf("listing stale reserved jobs: %w", err)
	}
	for i := range jobs {
		job := &jobs[i]
		if now.Sub(job.CreatedAt) > s.sweep.MaxJobAge {
			if _, err := s.fail(ctx, job, model.JobReserved, model.ReasonProviderTimeout); err != nil {
				s.logger.Error().Err(err).Str("job_id", job.ID).Msg("Sweep failed to time out job")
				rep.Errors++
				continue
			}
			metrics.SweepActions.WithLabelValues("timed_out").Inc()
			rep.TimedOut++
			continue
		}
		if s.dispatcher == nil {
			continue
		}
		if err := s.dispatcher.Dispatch(ctx, job.ID); err != nil {
			s.logger.Error().Err(err).Str("job_id", job.ID).Msg("Sweep failed to re-dispatch job")
			rep.Errors++
			continue
		}
		metrics.SweepActions.WithLabelValues("redispatched").Inc()
		rep.Redispatched++
	}
	return nil
}

// sweepSubmitted polls the provider for jobs whose callback never arrived.
func (s *JobService) sweepSubmitted(ctx context.Context, now time.Time, rep *SweepReport) error {
	jobs, err := s.jobs.ListStale(ctx, model.JobSubmitted, now.Add(-s.sweep.SubmittedAfter), s.sweep.BatchSize)
	if err != nil {
		return fmt.Errorf("listing stale submitted jobs: %w", err)
	}
	for i := range jobs {
		job := &jobs[i]
		log := s.logger.With().Str("job_id", job.ID).Str("provider_ref", job.ProviderRef).Logger()

		callCtx, cancel := context.WithTimeout(ctx, s.retry.RequestTimeout)
		start := time.Now()
		outcome, err := s.provider.GetStatus(callCtx, job.ProviderRef)
		cancel()
		metrics.ProviderLatency.WithLabelValues("status").Observe(time.Since(start).Seconds())
		if err != nil {
			metrics.ProviderCalls.WithLabelValues("status", "error").Inc()
			log.Warn().Err(err).Msg("Sweep failed to poll provider")
		} else {
			metrics.ProviderCalls.WithLabelValues("status", "ok").Inc()
		}

		if err == nil && outcome.Status != model.OutcomePending {
			if _, err := s.applyOutcome(ctx, job, outcome); err != nil {
				log.Error().Err(err).Msg("Sweep failed to apply polled result")
				rep.Errors++
				continue
			}
			metrics.SweepActions.WithLabelValues("finalized").Inc()
			rep.Finalized++
			continue
		}

		if now.Sub(job.CreatedAt) > s.sweep.MaxJobAge {
			if _, err := s.fail(ctx, job, model.JobSubmitted, model.ReasonProviderTimeout); err != nil {
				log.Error().Err(err).Msg("Sweep failed to time out job")
				rep.Errors++
				continue
			}
			metrics.SweepActions.WithLabelValues("timed_out").Inc()
			rep.TimedOut++
		}
	}
	return nil
}

// sweepUnsettled retries refunds for failed and rejected jobs.
func (s *JobService) sweepUnsettled(ctx context.Context, _ time.Time, rep *SweepReport) error {
	jobs, err := s.jobs.ListUnsettled(ctx, s.sweep.BatchSize)
	if err != nil {
		return fmt.Errorf("listing unsettled jobs: %w", err)
	}
	for i := range jobs {
		if err := s.settle(ctx, &jobs[i]); err != nil {
			s.logger.Error().Err(err).Str("job_id", jobs[i].ID).Msg("Sweep failed to settle job")
			rep.Errors++
			continue
		}
		metrics.SweepActions.WithLabelValues("settled").Inc()
		rep.Settled++
	}
	return nil
}
