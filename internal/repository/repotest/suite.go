// Package repotest holds behaviour tests shared by every store backend.
package repotest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"genledger/internal/model"
	"genledger/internal/repository"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// Stores are the repositories under test. They must share one backing store
// configured with a free limit of 3.
type Stores struct {
	Ledger   repository.LedgerRepository
	Jobs     repository.JobRepository
	Payments repository.PaymentRepository
}

// Run executes the suite. newStores is called once per subtest.
func Run(t *testing.T, newStores func(t *testing.T) Stores) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s Stores)
	}{
		{"ReserveIsIdempotentPerReference", testReserveIdempotent},
		{"ReserveChecksQuotaAndBalance", testReserveLimits},
		{"ReverseOnce", testReverseOnce},
		{"ConcurrentReservesNeverOverdraw", testConcurrentReserves},
		{"CreditAndAudit", testCreditAndAudit},
		{"CreateIfAbsent", testCreateIfAbsent},
		{"PaymentStatusLeavesPendingOnly", testPaymentStatusLeavesPendingOnly},
		{"TransitionGuards", testTransitionGuards},
		{"ListStaleAndUnsettled", testListStaleAndUnsettled},
		{"PaymentAppliedOnce", testPaymentAppliedOnce},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStores(t))
		})
	}
}

func newAccount(t *testing.T, s Stores, balance int64) string {
	t.Helper()
	ctx := context.Background()
	id := "acc-" + uuid.NewString()
	_, err := s.Ledger.GetOrCreateAccount(ctx, id)
	require.NoError(t, err)
	if balance > 0 {
		_, err = s.Ledger.Credit(ctx, id, balance, model.ReasonTopUp, "seed-"+id)
		require.NoError(t, err)
	}
	return id
}

func requireConsistent(t *testing.T, s Stores, accountID string) {
	t.Helper()
	rep, err := s.Ledger.Audit(context.Background(), accountID, false)
	require.NoError(t, err)
	require.True(t, rep.Consistent(), "drift: %+v", rep)
}

func testReserveIdempotent(t *testing.T, s Stores) {
	ctx := context.Background()
	acc := newAccount(t, s, 100)
	ref := uuid.NewString()

	first, err := s.Ledger.Reserve(ctx, acc, model.PaidCharge(19), ref)
	require.NoError(t, err)
	second, err := s.Ledger.Reserve(ctx, acc, model.PaidCharge(19), ref)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	got, err := s.Ledger.GetOrCreateAccount(ctx, acc)
	require.NoError(t, err)
	require.Equal(t, int64(81), got.Balance)

	found, err := s.Ledger.FindReservation(ctx, ref)
	require.NoError(t, err)
	require.Equal(t, first.ID, found.ID)
	require.Equal(t, model.PaidCharge(19), found.Charge)

	_, err = s.Ledger.FindReservation(ctx, "missing")
	require.ErrorIs(t, err, repository.ErrReservationNotFound)
	requireConsistent(t, s, acc)
}

func testReserveLimits(t *testing.T, s Stores) {
	ctx := context.Background()
	acc := newAccount(t, s, 10)

	for i := 0; i < 3; i++ {
		res, err := s.Ledger.Reserve(ctx, acc, model.FreeCharge(), uuid.NewString())
		require.NoError(t, err)
		require.NotNil(t, res.QuotaWindow)
	}
	_, err := s.Ledger.Reserve(ctx, acc, model.FreeCharge(), uuid.NewString())
	require.ErrorIs(t, err, repository.ErrQuotaExhausted)

	_, err = s.Ledger.Reserve(ctx, acc, model.PaidCharge(19), uuid.NewString())
	require.ErrorIs(t, err, repository.ErrInsufficientFunds)

	got, err := s.Ledger.GetOrCreateAccount(ctx, acc)
	require.NoError(t, err)
	require.Equal(t, int64(10), got.Balance)
	require.Equal(t, 3, got.FreeUsedToday)
	requireConsistent(t, s, acc)
}

func testReverseOnce(t *testing.T, s Stores) {
	ctx := context.Background()
	acc := newAccount(t, s, 50)

	paid, err := s.Ledger.Reserve(ctx, acc, model.PaidCharge(19), uuid.NewString())
	require.NoError(t, err)
	free, err := s.Ledger.Reserve(ctx, acc, model.FreeCharge(), uuid.NewString())
	require.NoError(t, err)

	for _, id := range []string{paid.ID, free.ID} {
		reversed, err := s.Ledger.Reverse(ctx, id)
		require.NoError(t, err)
		require.True(t, reversed)
		reversed, err = s.Ledger.Reverse(ctx, id)
		require.NoError(t, err)
		require.False(t, reversed)
	}

	got, err := s.Ledger.GetOrCreateAccount(ctx, acc)
	require.NoError(t, err)
	require.Equal(t, int64(50), got.Balance)
	require.Equal(t, 0, got.FreeUsedToday)

	found, err := s.Ledger.FindReservation(ctx, paid.Reference)
	require.NoError(t, err)
	require.True(t, found.Reversed)

	_, err = s.Ledger.Reverse(ctx, uuid.NewString())
	require.ErrorIs(t, err, repository.ErrReservationNotFound)
	requireConsistent(t, s, acc)
}

func testConcurrentReserves(t *testing.T, s Stores) {
	ctx := context.Background()
	acc := newAccount(t, s, 19*4)

	var (
		mu       sync.Mutex
		ok, poor int
	)
	var g errgroup.Group
	for i := 0; i < 12; i++ {
		g.Go(func() error {
			_, err := s.Ledger.Reserve(ctx, acc, model.PaidCharge(19), fmt.Sprintf("ref-%s-%d", acc, i))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, repository.ErrInsufficientFunds):
				poor++
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.Equal(t, 4, ok)
	require.Equal(t, 8, poor)

	got, err := s.Ledger.GetOrCreateAccount(ctx, acc)
	require.NoError(t, err)
	require.Equal(t, int64(0), got.Balance)
	requireConsistent(t, s, acc)
}

func testCreditAndAudit(t *testing.T, s Stores) {
	ctx := context.Background()
	acc := newAccount(t, s, 0)

	_, err := s.Ledger.Credit(ctx, acc, 0, model.ReasonTopUp, "zero")
	require.Error(t, err)
	_, err = s.Ledger.Credit(ctx, acc, 10, model.ReasonChargeReserve, "bad-reason")
	require.Error(t, err)

	entry, err := s.Ledger.Credit(ctx, acc, 25, model.ReasonAdjustment, "admin/x")
	require.NoError(t, err)
	require.Equal(t, int64(25), entry.Delta)

	entries, err := s.Ledger.Entries(ctx, acc, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	rep, err := s.Ledger.Audit(ctx, acc, false)
	require.NoError(t, err)
	require.Equal(t, int64(25), rep.LedgerBalance)
	require.True(t, rep.Consistent())
}

func testCreateIfAbsent(t *testing.T, s Stores) {
	ctx := context.Background()
	acc := newAccount(t, s, 0)
	key := uuid.NewString()
	spec := model.JobSpec{Kind: model.KindText, Prompt: "hi"}

	var (
		mu    sync.Mutex
		ids   = map[string]bool{}
		fresh int
	)
	var g errgroup.Group
	for i := 0; i < 10; i++ {
		g.Go(func() error {
			job, isNew, err := s.Jobs.CreateIfAbsent(ctx, key, acc, spec)
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			ids[job.ID] = true
			if isNew {
				fresh++
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.Len(t, ids, 1)
	require.Equal(t, 1, fresh)

	other := newAccount(t, s, 0)
	_, _, err := s.Jobs.CreateIfAbsent(ctx, key, other, spec)
	require.ErrorIs(t, err, repository.ErrIdempotencyConflict)

	_, _, err = s.Jobs.CreateIfAbsent(ctx, key, acc, model.JobSpec{Kind: model.KindText, Prompt: "something else"})
	require.ErrorIs(t, err, repository.ErrIdempotencyConflict)
}

func testTransitionGuards(t *testing.T, s Stores) {
	ctx := context.Background()
	acc := newAccount(t, s, 0)
	job, _, err := s.Jobs.CreateIfAbsent(ctx, uuid.NewString(), acc, model.JobSpec{Kind: model.KindText, Prompt: "hi"})
	require.NoError(t, err)

	charge := model.FreeCharge()
	reserved, err := s.Jobs.Transition(ctx, job.ID, model.JobPending, model.JobReserved, repository.TransitionPatch{Charge: &charge, ReservationID: "res-1"})
	require.NoError(t, err)
	require.Equal(t, model.JobReserved, reserved.State)
	require.Equal(t, &charge, reserved.Charge)

	_, err = s.Jobs.Transition(ctx, job.ID, model.JobPending, model.JobReserved, repository.TransitionPatch{})
	require.ErrorIs(t, err, repository.ErrStaleTransition)
	_, err = s.Jobs.Transition(ctx, job.ID, model.JobReserved, model.JobCompleted, repository.TransitionPatch{})
	require.ErrorIs(t, err, repository.ErrInvalidTransition)
	_, err = s.Jobs.Transition(ctx, uuid.NewString(), model.JobPending, model.JobReserved, repository.TransitionPatch{})
	require.ErrorIs(t, err, repository.ErrJobNotFound)

	ref := "ref-" + job.ID
	_, err = s.Jobs.Transition(ctx, job.ID, model.JobReserved, model.JobSubmitted, repository.TransitionPatch{ProviderRef: ref, Attempts: 2})
	require.NoError(t, err)

	byRef, err := s.Jobs.GetJobByProviderRef(ctx, ref)
	require.NoError(t, err)
	require.Equal(t, job.ID, byRef.ID)
	require.Equal(t, 2, byRef.Attempts)

	done, err := s.Jobs.Transition(ctx, job.ID, model.JobSubmitted, model.JobCompleted, repository.TransitionPatch{
		Artifact: &model.Artifact{Text: "result"},
	})
	require.NoError(t, err)
	require.Equal(t, "result", done.Artifact.Text)
	require.NotNil(t, done.FinalizedAt)
	require.Equal(t, "res-1", done.ReservationID)

	history, err := s.Jobs.History(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	require.Equal(t, model.JobPending, history[0].From)
	require.Equal(t, model.JobCompleted, history[2].To)
}

func testListStaleAndUnsettled(t *testing.T, s Stores) {
	ctx := context.Background()
	acc := newAccount(t, s, 0)
	job, _, err := s.Jobs.CreateIfAbsent(ctx, uuid.NewString(), acc, model.JobSpec{Kind: model.KindText, Prompt: "hi"})
	require.NoError(t, err)

	stale, err := s.Jobs.ListStale(ctx, model.JobPending, time.Now().Add(time.Hour), 1000)
	require.NoError(t, err)
	require.True(t, containsJob(stale, job.ID))

	stale, err = s.Jobs.ListStale(ctx, model.JobPending, time.Now().Add(-time.Hour), 1000)
	require.NoError(t, err)
	require.False(t, containsJob(stale, job.ID))

	_, err = s.Jobs.Transition(ctx, job.ID, model.JobPending, model.JobRejected, repository.TransitionPatch{FailureReason: model.ReasonAbandoned})
	require.NoError(t, err)
	unsettled, err := s.Jobs.ListUnsettled(ctx, 1000)
	require.NoError(t, err)
	require.True(t, containsJob(unsettled, job.ID))

	require.NoError(t, s.Jobs.MarkReversed(ctx, job.ID))
	require.NoError(t, s.Jobs.MarkReversed(ctx, job.ID))
	unsettled, err = s.Jobs.ListUnsettled(ctx, 1000)
	require.NoError(t, err)
	require.False(t, containsJob(unsettled, job.ID))

	require.ErrorIs(t, s.Jobs.MarkReversed(ctx, uuid.NewString()), repository.ErrJobNotFound)

	// A reservation written after the job was settled makes it unsettled again.
	res, err := s.Ledger.Reserve(ctx, acc, model.FreeCharge(), job.ID)
	require.NoError(t, err)
	unsettled, err = s.Jobs.ListUnsettled(ctx, 1000)
	require.NoError(t, err)
	require.True(t, containsJob(unsettled, job.ID))

	_, err = s.Ledger.Reverse(ctx, res.ID)
	require.NoError(t, err)
	unsettled, err = s.Jobs.ListUnsettled(ctx, 1000)
	require.NoError(t, err)
	require.False(t, containsJob(unsettled, job.ID))
}

func containsJob(jobs []model.Job, id string) bool {
	for _, j := range jobs {
		if j.ID == id {
			return true
		}
	}
	return false
}

func testPaymentAppliedOnce(t *testing.T, s Stores) {
	ctx := context.Background()
	acc := "acc-" + uuid.NewString()
	paymentID := "P-" + uuid.NewString()
	ev := model.PaymentEvent{ExternalPaymentID: paymentID, Status: model.PaymentSucceeded, Amount: 500, AccountID: acc}

	var (
		mu       sync.Mutex
		credited int
	)
	var g errgroup.Group
	for i := 0; i < 5; i++ {
		g.Go(func() error {
			res, err := s.Payments.Apply(ctx, ev)
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			if res.Credited {
				credited++
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.Equal(t, 1, credited)

	got, err := s.Ledger.GetOrCreateAccount(ctx, acc)
	require.NoError(t, err)
	require.Equal(t, int64(500), got.Balance)

	stored, err := s.Payments.GetPayment(ctx, paymentID)
	require.NoError(t, err)
	require.True(t, stored.Applied)
	require.NotNil(t, stored.AppliedAt)

	_, err = s.Payments.GetPayment(ctx, "missing")
	require.ErrorIs(t, err, repository.ErrPaymentNotFound)
	requireConsistent(t, s, acc)
}

func testPaymentStatusLeavesPendingOnly(t *testing.T, s Stores) {
	ctx := context.Background()
	acc := "acc-" + uuid.NewString()

	failedID := "P-" + uuid.NewString()
	_, err := s.Payments.Apply(ctx, model.PaymentEvent{ExternalPaymentID: failedID, Status: model.PaymentFailed, Amount: 500, AccountID: acc})
	require.NoError(t, err)
	res, err := s.Payments.Apply(ctx, model.PaymentEvent{ExternalPaymentID: failedID, Status: model.PaymentPending, Amount: 500, AccountID: acc})
	require.NoError(t, err)
	require.True(t, res.Duplicate)
	require.False(t, res.Credited)
	stored, err := s.Payments.GetPayment(ctx, failedID)
	require.NoError(t, err)
	require.Equal(t, model.PaymentFailed, stored.Status)

	pendingID := "P-" + uuid.NewString()
	_, err = s.Payments.Apply(ctx, model.PaymentEvent{ExternalPaymentID: pendingID, Status: model.PaymentPending, Amount: 300, AccountID: acc})
	require.NoError(t, err)
	res, err = s.Payments.Apply(ctx, model.PaymentEvent{ExternalPaymentID: pendingID, Status: model.PaymentSucceeded, Amount: 300, AccountID: acc})
	require.NoError(t, err)
	require.True(t, res.Credited)

	// A late pending redelivery must not reopen a settled payment.
	res, err = s.Payments.Apply(ctx, model.PaymentEvent{ExternalPaymentID: pendingID, Status: model.PaymentPending, Amount: 300, AccountID: acc})
	require.NoError(t, err)
	require.False(t, res.Credited)
	stored, err = s.Payments.GetPayment(ctx, pendingID)
	require.NoError(t, err)
	require.Equal(t, model.PaymentSucceeded, stored.Status)
	require.True(t, stored.Applied)

	got, err := s.Ledger.GetOrCreateAccount(ctx, acc)
	require.NoError(t, err)
	require.Equal(t, int64(300), got.Balance)
	requireConsistent(t, s, acc)
}
