package service

import (
	"context"
	"testing"
	"time"

	"genledger/internal/model"
	"genledger/internal/provider"
	"genledger/internal/repository"

	"github.com/stretchr/testify/require"
)

func TestSweep_AbandonsPendingJobWithoutReservation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Simulate a Submit that died right after creating the job.
	_, err := h.store.GetOrCreateAccount(ctx, "acc-1")
	require.NoError(t, err)
	job, _, err := h.store.CreateIfAbsent(ctx, "k", "acc-1", textSpec("hi"))
	require.NoError(t, err)

	h.clock.Advance(3 * time.Minute)
	rep, err := h.jobs.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, rep.Abandoned)

	got, err := h.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, model.JobRejected, got.State)
	require.Equal(t, model.ReasonAbandoned, got.FailureReason)
	require.NotNil(t, got.ReversedAt)
}

func TestSweep_ReversesReservationWrittenAfterAbandon(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.store.GetOrCreateAccount(ctx, "acc-1")
	require.NoError(t, err)
	job, _, err := h.store.CreateIfAbsent(ctx, "k", "acc-1", textSpec("hi"))
	require.NoError(t, err)

	h.clock.Advance(3 * time.Minute)
	rep, err := h.jobs.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, rep.Abandoned)

	// The stalled Submit commits its reservation after the job was rejected and
	// dies before reversing it.
	_, err = h.store.Reserve(ctx, "acc-1", model.FreeCharge(), job.ID)
	require.NoError(t, err)
	require.Equal(t, 1, h.account(t, "acc-1").FreeUsedToday)

	rep, err = h.jobs.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, rep.Settled)

	res, err := h.store.FindReservation(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, res.Reversed)
	require.Equal(t, 0, h.account(t, "acc-1").FreeUsedToday)
	h.requireConsistent(t, "acc-1")

	rep, err = h.jobs.Sweep(ctx)
	require.NoError(t, err)
	require.Zero(t, rep.Settled)
}

func TestSweep_ResumesPendingJobWithReservation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Simulate a Submit that died between reserving and marking the job reserved.
	_, err := h.store.GetOrCreateAccount(ctx, "acc-1")
	require.NoError(t, err)
	job, _, err := h.store.CreateIfAbsent(ctx, "k", "acc-1", textSpec("hi"))
	require.NoError(t, err)
	_, err = h.store.Reserve(ctx, "acc-1", model.FreeCharge(), job.ID)
	require.NoError(t, err)

	h.clock.Advance(3 * time.Minute)
	rep, err := h.jobs.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, rep.Resumed)
	require.Equal(t, []string{job.ID}, h.dispatcher.Dispatched())

	got, err := h.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, model.JobReserved, got.State)
	require.True(t, got.Charge.IsFree())
	require.NotEmpty(t, got.ReservationID)
}

func TestSweep_TimesOutOldReservedJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job, err := h.jobs.Submit(ctx, SubmitRequest{AccountID: "acc-1", IdempotencyKey: "k", Spec: textSpec("hi")})
	require.NoError(t, err)
	require.Equal(t, model.ChargeFree, job.Charge.Kind)

	h.clock.Advance(2 * time.Hour)
	rep, err := h.jobs.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, rep.TimedOut)

	got, err := h.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, model.JobFailed, got.State)
	require.Equal(t, model.ReasonProviderTimeout, got.FailureReason)
	h.requireConsistent(t, "acc-1")
}

func TestSweep_PollsSubmittedJobs(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	done, err := h.jobs.Submit(ctx, SubmitRequest{AccountID: "acc-1", IdempotencyKey: "done", Spec: textSpec("hi")})
	require.NoError(t, err)
	require.NoError(t, h.jobs.SubmitToProvider(ctx, done.ID))
	lost, err := h.jobs.Submit(ctx, SubmitRequest{AccountID: "acc-1", IdempotencyKey: "lost", Spec: textSpec("hi")})
	require.NoError(t, err)
	require.NoError(t, h.jobs.SubmitToProvider(ctx, lost.ID))

	h.provider.statuses["ref-"+done.ID] = model.ProviderOutcome{
		Status:   model.OutcomeSucceeded,
		Artifact: &model.Artifact{URLs: []string{"https://cdn.example/a.mp3"}},
	}
	h.provider.statuses["ref-"+lost.ID] = model.ProviderOutcome{Status: model.OutcomeFailed, Reason: "provider_failed"}

	h.clock.Advance(10 * time.Minute)
	rep, err := h.jobs.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, rep.Finalized)

	got, err := h.store.GetJob(ctx, done.ID)
	require.NoError(t, err)
	require.Equal(t, model.JobCompleted, got.State)
	got, err = h.store.GetJob(ctx, lost.ID)
	require.NoError(t, err)
	require.Equal(t, model.JobFailed, got.State)

	require.Equal(t, 1, h.account(t, "acc-1").FreeUsedToday)
	h.requireConsistent(t, "acc-1")
}

func TestSweep_FailsSubmittedJobPastMaxAge(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.provider.statusErr = provider.ErrProviderUnavailable

	job, err := h.jobs.Submit(ctx, SubmitRequest{AccountID: "acc-1", IdempotencyKey: "k", Spec: textSpec("hi")})
	require.NoError(t, err)
	require.NoError(t, h.jobs.SubmitToProvider(ctx, job.ID))

	h.clock.Advance(10 * time.Minute)
	rep, err := h.jobs.Sweep(ctx)
	require.NoError(t, err)
	require.Zero(t, rep.TimedOut)

	h.clock.Advance(2 * time.Hour)
	rep, err = h.jobs.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, rep.TimedOut)

	got, err := h.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, model.JobFailed, got.State)
	require.Equal(t, model.ReasonProviderTimeout, got.FailureReason)
	require.Equal(t, 0, h.account(t, "acc-1").FreeUsedToday)
}

func TestSweep_SettlesUnreversedFailures(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, "acc-1", 100)

	job, err := h.jobs.Submit(ctx, SubmitRequest{
		AccountID:      "acc-1",
		IdempotencyKey: "song",
		Spec:           model.JobSpec{Kind: model.KindAudio, PresetID: "pop-upbeat"},
	})
	require.Error(t, err)
	require.Equal(t, model.JobRejected, job.State)

	h.fund(t, "acc-2", 200)
	paid, err := h.jobs.Submit(ctx, SubmitRequest{
		AccountID:      "acc-2",
		IdempotencyKey: "song-2",
		Spec:           model.JobSpec{Kind: model.KindAudio, PresetID: "pop-upbeat"},
	})
	require.NoError(t, err)
	require.NoError(t, h.jobs.SubmitToProvider(ctx, paid.ID))
	got, err := h.store.GetJob(ctx, paid.ID)
	require.NoError(t, err)

	// Fail the job without refunding, as if the process died before settling.
	_, err = h.store.Transition(ctx, paid.ID, model.JobSubmitted, model.JobFailed, repository.TransitionPatch{FailureReason: model.ReasonProviderFailed})
	require.NoError(t, err)
	require.Equal(t, int64(51), h.account(t, "acc-2").Balance)
	require.Equal(t, "ref-"+paid.ID, got.ProviderRef)

	rep, err := h.jobs.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, rep.Settled)
	require.Equal(t, int64(200), h.account(t, "acc-2").Balance)
	h.requireConsistent(t, "acc-2")

	rep, err = h.jobs.Sweep(ctx)
	require.NoError(t, err)
	require.Zero(t, rep.Settled)
	require.Equal(t, int64(200), h.account(t, "acc-2").Balance)
}
