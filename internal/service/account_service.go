package service

import (
	"context"
	"fmt"
	"strings"

	"genledger/internal/metrics"
	"genledger/internal/model"
	"genledger/internal/repository"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// AccountService exposes balances, quota and ledger history, and the admin tools
// that act on them.
type AccountService struct {
	ledger    repository.LedgerRepository
	freeLimit int
	logger    zerolog.Logger
}

func NewAccountService(ledger repository.LedgerRepository, freeLimit int, logger zerolog.Logger) *AccountService {
	return &AccountService{
		ledger:    ledger,
		freeLimit: freeLimit,
		logger:    logger.With().Str("service", "AccountService").Logger(),
	}
}

// Usage returns the caller's balance and free quota for the current window.
func (s *AccountService) Usage(ctx context.Context, accountID string) (*model.AccountUsage, error) {
	acc, err := s.ledger.GetOrCreateAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("loading account %s: %w", accountID, err)
	}
	remaining := s.freeLimit - acc.FreeUsedToday
	if remaining < 0 {
		remaining = 0
	}
	return &model.AccountUsage{
		AccountID:     acc.ID,
		Balance:       acc.Balance,
		FreeUsed:      acc.FreeUsedToday,
		FreeRemaining: remaining,
		FreeLimit:     s.freeLimit,
		QuotaResetAt:  acc.QuotaResetAt,
	}, nil
}

func (s *AccountService) Entries(ctx context.Context, accountID string, limit int) ([]model.LedgerEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.ledger.Entries(ctx, accountID, limit)
}

// AdminCredit records a manual adjustment made by an operator.
func (s *AccountService) AdminCredit(ctx context.Context, adminID, accountID string, amount int64, note string) (*model.LedgerEntry, error) {
	if strings.TrimSpace(accountID) == "" {
		return nil, fmt.Errorf("%w: account is required", ErrInvalidRequest)
	}
	if amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}
	if _, err := s.ledger.GetOrCreateAccount(ctx, accountID); err != nil {
		return nil, fmt.Errorf("loading account %s: %w", accountID, err)
	}
	ref := fmt.Sprintf("admin/%s/%s", adminID, uuid.NewString())
	entry, err := s.ledger.Credit(ctx, accountID, amount, model.ReasonAdjustment, ref)
	if err != nil {
		s.logger.Error().Err(err).Str("account_id", accountID).Msg("Failed to apply admin credit")
		return nil, err
	}
	metrics.LedgerCredits.WithLabelValues(string(model.ReasonAdjustment)).Add(float64(amount))
	s.logger.Info().
		Str("admin_id", adminID).
		Str("account_id", accountID).
		Int64("amount", amount).
		Str("note", note).
		Str("entry_id", entry.ID).
		Msg("Admin credit applied")
	return entry, nil
}

// Reconcile audits an account's counters against its ledger and, when repair is
// set, overwrites the counters with the ledger sums.
func (s *AccountService) Reconcile(ctx context.Context, accountID string, repair bool) (*model.AuditReport, error) {
	rep, err := s.ledger.Audit(ctx, accountID, repair)
	if err != nil {
		return nil, fmt.Errorf("auditing account %s: %w", accountID, err)
	}
	if !rep.Consistent() {
		s.logger.Warn().
			Str("account_id", accountID).
			Int64("balance", rep.Balance).
			Int64("ledger_balance", rep.LedgerBalance).
			Int("free_used", rep.FreeUsed).
			Int("ledger_free_used", rep.LedgerFreeUsed).
			Bool("repaired", rep.Repaired).
			Msg("Account drifted from ledger")
	}
	return rep, nil
}
