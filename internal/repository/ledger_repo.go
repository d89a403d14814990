package repository

import (
	"context"
	"errors"
	"fmt"

	"genledger/internal/model"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type ledgerRepo struct {
	pool *pgxpool.Pool
	ledgerCore
}

// NewLedgerRepo creates a new LedgerRepository.
func NewLedgerRepo(pool *pgxpool.Pool, opts LedgerOptions) LedgerRepository {
	return &ledgerRepo{pool: pool, ledgerCore: ledgerCore{opts: opts.WithDefaults()}}
}

// ledgerCore holds the in-transaction ledger primitives shared with the payment repository.
type ledgerCore struct {
	opts LedgerOptions
}

const accountColumns = `id, balance, free_used_today, quota_reset_at, welcome_bonus_given, created_at, updated_at`

func scanAccount(row pgx.Row) (*model.Account, error) {
	var a model.Account
	err := row.Scan(&a.ID, &a.Balance, &a.FreeUsedToday, &a.QuotaResetAt, &a.WelcomeBonusGiven, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// lockAccount loads the account row FOR UPDATE and rolls its quota window forward.
func (c ledgerCore) lockAccount(ctx context.Context, tx pgx.Tx, accountID string) (*model.Account, error) {
	q := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1 FOR UPDATE`
	acc, err := scanAccount(tx.QueryRow(ctx, q, accountID))
	if err != nil {
		return nil, fmt.Errorf("locking account %s: %w", accountID, err)
	}
	if acc.RollQuotaWindow(c.opts.Now(), c.opts.Location) {
		const rollQ = `UPDATE accounts SET free_used_today = 0, quota_reset_at = $2, updated_at = NOW() WHERE id = $1`
		if _, err := tx.Exec(ctx, rollQ, accountID, acc.QuotaResetAt); err != nil {
			return nil, fmt.Errorf("resetting quota for account %s: %w", accountID, err)
		}
	}
	return acc, nil
}

// ensureAccount creates the account if needed, grants the welcome bonus once, and locks the row.
func (c ledgerCore) ensureAccount(ctx context.Context, tx pgx.Tx, accountID string) (*model.Account, error) {
	const insertQ = `
		INSERT INTO accounts (id, quota_reset_at)
		VALUES ($1, $2)
		ON CONFLICT (id) DO NOTHING
	`
	resetAt := model.NextQuotaReset(c.opts.Now(), c.opts.Location)
	if _, err := tx.Exec(ctx, insertQ, accountID, resetAt); err != nil {
		return nil, fmt.Errorf("creating account %s: %w", accountID, err)
	}
	if c.opts.WelcomeBonus > 0 {
		const bonusQ = `
			UPDATE accounts
			SET balance = balance + $2, welcome_bonus_given = TRUE, updated_at = NOW()
			WHERE id = $1 AND NOT welcome_bonus_given
		`
		tag, err := tx.Exec(ctx, bonusQ, accountID, c.opts.WelcomeBonus)
		if err != nil {
			return nil, fmt.Errorf("granting welcome bonus to %s: %w", accountID, err)
		}
		if tag.RowsAffected() == 1 {
			entry := &model.LedgerEntry{
				AccountID: accountID,
				Delta:     c.opts.WelcomeBonus,
				Reason:    model.ReasonWelcomeBonus,
				Reference: accountID,
			}
			if err := insertEntry(ctx, tx, entry); err != nil {
				return nil, err
			}
		}
	}
	return c.lockAccount(ctx, tx, accountID)
}

// credit adds amount to a locked account's balance and records the entry.
func (c ledgerCore) credit(ctx context.Context, tx pgx.Tx, accountID string, amount int64, reason model.Reason, reference string) (*model.LedgerEntry, error) {
	const q = `UPDATE accounts SET balance = balance + $2, updated_at = NOW() WHERE id = $1`
	if _, err := tx.Exec(ctx, q, accountID, amount); err != nil {
		return nil, fmt.Errorf("crediting account %s: %w", accountID, err)
	}
	entry := &model.LedgerEntry{AccountID: accountID, Delta: amount, Reason: reason, Reference: reference}
	if err := insertEntry(ctx, tx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

func insertEntry(ctx context.Context, tx pgx.Tx, e *model.LedgerEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	var reverses *string
	if e.Reverses != "" {
		reverses = &e.Reverses
	}
	const q = `
		INSERT INTO ledger_entries (id, account_id, delta, reason, reference, reverses, quota_window)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`
	err := tx.QueryRow(ctx, q, e.ID, e.AccountID, e.Delta, string(e.Reason), e.Reference, reverses, e.QuotaWindow).
		Scan(&e.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting %s ledger entry for account %s: %w", e.Reason, e.AccountID, err)
	}
	return nil
}

const reservationSelect = `
	SELECT e.id, e.account_id, e.delta, e.reason, e.reference, e.quota_window, e.created_at,
	       EXISTS (SELECT 1 FROM ledger_entries r WHERE r.reverses = e.id)
	FROM ledger_entries e
`

func scanReservation(row pgx.Row) (*model.Reservation, error) {
	var (
		res    model.Reservation
		delta  int64
		reason string
	)
	err := row.Scan(&res.ID, &res.AccountID, &delta, &reason, &res.Reference, &res.QuotaWindow, &res.CreatedAt, &res.Reversed)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrReservationNotFound
	}
	if err != nil {
		return nil, err
	}
	switch model.Reason(reason) {
	case model.ReasonQuotaReserve:
		res.Charge = model.FreeCharge()
	case model.ReasonChargeReserve:
		res.Charge = model.PaidCharge(-delta)
	default:
		return nil, fmt.Errorf("entry %s is not a reservation (%s)", res.ID, reason)
	}
	return &res, nil
}

func findReservation(ctx context.Context, q querier, reference string) (*model.Reservation, error) {
	sql := reservationSelect + ` WHERE e.reference = $1 AND e.reason IN ('quota_reserve', 'charge_reserve')`
	return scanReservation(q.QueryRow(ctx, sql, reference))
}

// GetOrCreateAccount returns the account, creating it on first interaction.
func (r *ledgerRepo) GetOrCreateAccount(ctx context.Context, accountID string) (*model.Account, error) {
	var acc *model.Account
	err := runInTx(ctx, r.pool, func(tx pgx.Tx) error {
		var err error
		acc, err = r.ensureAccount(ctx, tx, accountID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return acc, nil
}

// Reserve checks quota or balance and writes the provisional debit in one serializable transaction.
func (r *ledgerRepo) Reserve(ctx context.Context, accountID string, charge model.Charge, reference string) (*model.Reservation, error) {
	if reference == "" {
		return nil, errors.New("reservation reference is required")
	}
	var res *model.Reservation
	err := runInTx(ctx, r.pool, func(tx pgx.Tx) error {
		existing, err := findReservation(ctx, tx, reference)
		if err == nil {
			res = existing
			return nil
		}
		if !errors.Is(err, ErrReservationNotFound) {
			return fmt.Errorf("looking up reservation %s: %w", reference, err)
		}

		acc, err := r.lockAccount(ctx, tx, accountID)
		if err != nil {
			return err
		}

		entry := &model.LedgerEntry{AccountID: accountID, Reference: reference}
		switch charge.Kind {
		case model.ChargeFree:
			if acc.FreeUsedToday >= r.opts.FreeLimit {
				return ErrQuotaExhausted
			}
			const q = `UPDATE accounts SET free_used_today = free_used_today + 1, updated_at = NOW() WHERE id = $1`
			if _, err := tx.Exec(ctx, q, accountID); err != nil {
				return fmt.Errorf("consuming free generation for %s: %w", accountID, err)
			}
			window := acc.QuotaResetAt
			entry.Delta = 1
			entry.Reason = model.ReasonQuotaReserve
			entry.QuotaWindow = &window
		case model.ChargePaid:
			if charge.Amount <= 0 {
				return fmt.Errorf("invalid charge amount %d", charge.Amount)
			}
			if acc.Balance < charge.Amount {
				return ErrInsufficientFunds
			}
			const q = `UPDATE accounts SET balance = balance - $2, updated_at = NOW() WHERE id = $1`
			if _, err := tx.Exec(ctx, q, accountID, charge.Amount); err != nil {
				return fmt.Errorf("debiting account %s: %w", accountID, err)
			}
			entry.Delta = -charge.Amount
			entry.Reason = model.ReasonChargeReserve
		default:
			return fmt.Errorf("unknown charge kind %q", charge.Kind)
		}

		if err := insertEntry(ctx, tx, entry); err != nil {
			return err
		}
		res = &model.Reservation{
			ID:          entry.ID,
			AccountID:   accountID,
			Charge:      charge,
			Reference:   reference,
			QuotaWindow: entry.QuotaWindow,
			CreatedAt:   entry.CreatedAt,
		}
		return nil
	})
	if isUniqueViolation(err) {
		// A concurrent Reserve for the same reference won.
		return findReservation(ctx, r.pool, reference)
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Reverse writes the compensating entry for a reservation exactly once.
func (r *ledgerRepo) Reverse(ctx context.Context, reservationID string) (bool, error) {
	reversed := false
	err := runInTx(ctx, r.pool, func(tx pgx.Tx) error {
		sql := reservationSelect + ` WHERE e.id = $1 AND e.reason IN ('quota_reserve', 'charge_reserve')`
		res, err := scanReservation(tx.QueryRow(ctx, sql, reservationID))
		if err != nil {
			return fmt.Errorf("loading reservation %s: %w", reservationID, err)
		}
		if res.Reversed {
			return nil
		}

		acc, err := r.lockAccount(ctx, tx, res.AccountID)
		if err != nil {
			return err
		}

		entry := &model.LedgerEntry{AccountID: res.AccountID, Reference: res.Reference, Reverses: res.ID}
		if res.Charge.IsFree() {
			entry.Delta = -1
			entry.Reason = model.ReasonQuotaReverse
			entry.QuotaWindow = res.QuotaWindow
			// Slots from an elapsed window are already gone; only the current window is credited back.
			if res.QuotaWindow != nil && res.QuotaWindow.Equal(acc.QuotaResetAt) && acc.FreeUsedToday > 0 {
				const q = `UPDATE accounts SET free_used_today = free_used_today - 1, updated_at = NOW() WHERE id = $1`
				if _, err := tx.Exec(ctx, q, res.AccountID); err != nil {
					return fmt.Errorf("returning free generation to %s: %w", res.AccountID, err)
				}
			}
		} else {
			entry.Delta = res.Charge.Amount
			entry.Reason = model.ReasonChargeReverse
			const q = `UPDATE accounts SET balance = balance + $2, updated_at = NOW() WHERE id = $1`
			if _, err := tx.Exec(ctx, q, res.AccountID, res.Charge.Amount); err != nil {
				return fmt.Errorf("refunding account %s: %w", res.AccountID, err)
			}
		}
		if err := insertEntry(ctx, tx, entry); err != nil {
			return err
		}
		reversed = true
		return nil
	})
	if isUniqueViolation(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return reversed, nil
}

// Credit adds a positive amount to an existing account.
func (r *ledgerRepo) Credit(ctx context.Context, accountID string, amount int64, reason model.Reason, reference string) (*model.LedgerEntry, error) {
	if err := validateCredit(amount, reason); err != nil {
		return nil, err
	}
	var entry *model.LedgerEntry
	err := runInTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := r.lockAccount(ctx, tx, accountID); err != nil {
			return err
		}
		var err error
		entry, err = r.credit(ctx, tx, accountID, amount, reason, reference)
		return err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func validateCredit(amount int64, reason model.Reason) error {
	if amount <= 0 {
		return fmt.Errorf("credit amount must be positive, got %d", amount)
	}
	switch reason {
	case model.ReasonTopUp, model.ReasonWelcomeBonus, model.ReasonAdjustment:
		return nil
	}
	return fmt.Errorf("reason %q cannot be used for a credit", reason)
}

func (r *ledgerRepo) FindReservation(ctx context.Context, reference string) (*model.Reservation, error) {
	return findReservation(ctx, r.pool, reference)
}

// Entries returns the most recent ledger entries of an account.
func (r *ledgerRepo) Entries(ctx context.Context, accountID string, limit int) ([]model.LedgerEntry, error) {
	const q = `
		SELECT id, account_id, delta, reason, reference, COALESCE(reverses, ''), quota_window, created_at
		FROM ledger_entries
		WHERE account_id = $1
		ORDER BY created_at DESC, id
		LIMIT $2
	`
	rows, err := r.pool.Query(ctx, q, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying ledger entries for %s: %w", accountID, err)
	}
	defer rows.Close()

	var entries []model.LedgerEntry
	for rows.Next() {
		var (
			e      model.LedgerEntry
			reason string
		)
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Delta, &reason, &e.Reference, &e.Reverses, &e.QuotaWindow, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning ledger entry: %w", err)
		}
		e.Reason = model.Reason(reason)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Audit recomputes balance and current-window quota usage from the ledger.
func (r *ledgerRepo) Audit(ctx context.Context, accountID string, repair bool) (*model.AuditReport, error) {
	var report *model.AuditReport
	err := runInTx(ctx, r.pool, func(tx pgx.Tx) error {
		acc, err := r.lockAccount(ctx, tx, accountID)
		if err != nil {
			return err
		}
		const sumQ = `
			SELECT
				COALESCE(SUM(delta) FILTER (WHERE reason NOT IN ('quota_reserve', 'quota_reverse')), 0),
				COALESCE(SUM(delta) FILTER (WHERE reason IN ('quota_reserve', 'quota_reverse') AND quota_window = $2), 0)
			FROM ledger_entries
			WHERE account_id = $1
		`
		rep := model.AuditReport{AccountID: accountID, Balance: acc.Balance, FreeUsed: acc.FreeUsedToday}
		var freeUsed int64
		if err := tx.QueryRow(ctx, sumQ, accountID, acc.QuotaResetAt).Scan(&rep.LedgerBalance, &freeUsed); err != nil {
			return fmt.Errorf("summing ledger for %s: %w", accountID, err)
		}
		rep.LedgerFreeUsed = int(freeUsed)

		if repair && !rep.Consistent() {
			const fixQ = `UPDATE accounts SET balance = $2, free_used_today = $3, updated_at = NOW() WHERE id = $1`
			if _, err := tx.Exec(ctx, fixQ, accountID, rep.LedgerBalance, rep.LedgerFreeUsed); err != nil {
				return fmt.Errorf("repairing account %s: %w", accountID, err)
			}
			rep.Repaired = true
		}
		report = &rep
		return nil
	})
	if err != nil {
		return nil, err
	}
	return report, nil
}
