package memory

import (
	"context"
	"testing"
	"time"

	"genledger/internal/model"
	"genledger/internal/repository"
	"genledger/internal/repository/repotest"

	"github.com/stretchr/testify/require"
)

func TestStore(t *testing.T) {
	repotest.Run(t, func(t *testing.T) repotest.Stores {
		s := New(repository.LedgerOptions{FreeLimit: 3})
		return repotest.Stores{Ledger: s, Jobs: s, Payments: s}
	})
}

func TestWelcomeBonusGrantedOnce(t *testing.T) {
	ctx := context.Background()
	s := New(repository.LedgerOptions{FreeLimit: 3, WelcomeBonus: 50})

	for i := 0; i < 3; i++ {
		acc, err := s.GetOrCreateAccount(ctx, "acc-1")
		require.NoError(t, err)
		require.Equal(t, int64(50), acc.Balance)
	}
	entries, err := s.Entries(ctx, "acc-1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, model.ReasonWelcomeBonus, entries[0].Reason)
}

func TestAuditRepairsDrift(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	s := New(repository.LedgerOptions{FreeLimit: 3, Now: func() time.Time { return now }})

	_, err := s.GetOrCreateAccount(ctx, "acc-1")
	require.NoError(t, err)
	_, err = s.Credit(ctx, "acc-1", 40, model.ReasonTopUp, "P1")
	require.NoError(t, err)
	_, err = s.Reserve(ctx, "acc-1", model.FreeCharge(), "job-1")
	require.NoError(t, err)

	s.Corrupt("acc-1", 1000, 0)
	rep, err := s.Audit(ctx, "acc-1", true)
	require.NoError(t, err)
	require.True(t, rep.Repaired)
	require.Equal(t, int64(40), rep.LedgerBalance)
	require.Equal(t, 1, rep.LedgerFreeUsed)

	rep, err = s.Audit(ctx, "acc-1", false)
	require.NoError(t, err)
	require.True(t, rep.Consistent())
}

func TestQuotaWindowRollsOnRead(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 10, 23, 0, 0, 0, time.UTC)
	s := New(repository.LedgerOptions{FreeLimit: 3, Now: func() time.Time { return now }})

	_, err := s.GetOrCreateAccount(ctx, "acc-1")
	require.NoError(t, err)
	for _, ref := range []string{"a", "b", "c"} {
		_, err := s.Reserve(ctx, "acc-1", model.FreeCharge(), ref)
		require.NoError(t, err)
	}
	_, err = s.Reserve(ctx, "acc-1", model.FreeCharge(), "d")
	require.ErrorIs(t, err, repository.ErrQuotaExhausted)

	now = now.Add(2 * time.Hour)
	acc, err := s.GetOrCreateAccount(ctx, "acc-1")
	require.NoError(t, err)
	require.Equal(t, 0, acc.FreeUsedToday)

	// Reversing yesterday's reservation must not hand out an extra slot today.
	res, err := s.FindReservation(ctx, "a")
	require.NoError(t, err)
	_, err = s.Reverse(ctx, res.ID)
	require.NoError(t, err)
	acc, err = s.GetOrCreateAccount(ctx, "acc-1")
	require.NoError(t, err)
	require.Equal(t, 0, acc.FreeUsedToday)

	rep, err := s.Audit(ctx, "acc-1", false)
	require.NoError(t, err)
	require.True(t, rep.Consistent())
}
