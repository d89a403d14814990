package repository

import (
	"context"
	"errors"
	"fmt"

	"genledger/internal/model"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type paymentRepo struct {
	pool *pgxpool.Pool
	ledgerCore
}

// NewPaymentRepo creates a new PaymentRepository. opts must match the ledger's.
func NewPaymentRepo(pool *pgxpool.Pool, opts LedgerOptions) PaymentRepository {
	return &paymentRepo{pool: pool, ledgerCore: ledgerCore{opts: opts.WithDefaults()}}
}

const paymentColumns = `external_payment_id, status, amount, account_id, received_at, applied, applied_at`

func scanPayment(row pgx.Row) (*model.PaymentEvent, error) {
	var (
		ev     model.PaymentEvent
		status string
	)
	err := row.Scan(&ev.ExternalPaymentID, &status, &ev.Amount, &ev.AccountID, &ev.ReceivedAt, &ev.Applied, &ev.AppliedAt)
	if err != nil {
		return nil, err
	}
	ev.Status = model.PaymentStatus(status)
	return &ev, nil
}

// Apply creates or locks the payment event row and credits it at most once.
func (r *paymentRepo) Apply(ctx context.Context, ev model.PaymentEvent) (*model.ApplyResult, error) {
	var result *model.ApplyResult
	err := runInTx(ctx, r.pool, func(tx pgx.Tx) error {
		const insertQ = `
			INSERT INTO payment_events (external_payment_id, status, amount, account_id)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (external_payment_id) DO NOTHING
		`
		tag, err := tx.Exec(ctx, insertQ, ev.ExternalPaymentID, string(ev.Status), ev.Amount, ev.AccountID)
		if err != nil {
			return fmt.Errorf("recording payment %s: %w", ev.ExternalPaymentID, err)
		}
		seenBefore := tag.RowsAffected() == 0

		lockQ := `SELECT ` + paymentColumns + ` FROM payment_events WHERE external_payment_id = $1 FOR UPDATE`
		stored, err := scanPayment(tx.QueryRow(ctx, lockQ, ev.ExternalPaymentID))
		if err != nil {
			return fmt.Errorf("locking payment %s: %w", ev.ExternalPaymentID, err)
		}

		res := &model.ApplyResult{Duplicate: seenBefore}
		if stored.Applied {
			res.Event = *stored
			result = res
			return nil
		}

		if seenBefore && stored.Status == model.PaymentPending && ev.Status != model.PaymentPending {
			// Only a pending payment moves on; a final status never changes.
			const statusQ = `
				UPDATE payment_events SET status = $2, amount = $3, account_id = $4
				WHERE external_payment_id = $1
			`
			if _, err := tx.Exec(ctx, statusQ, ev.ExternalPaymentID, string(ev.Status), ev.Amount, ev.AccountID); err != nil {
				return fmt.Errorf("updating payment %s status: %w", ev.ExternalPaymentID, err)
			}
			stored.Status = ev.Status
			stored.Amount = ev.Amount
			stored.AccountID = ev.AccountID
			res.Duplicate = false
		}

		if stored.Status == model.PaymentSucceeded {
			if _, err := r.ensureAccount(ctx, tx, stored.AccountID); err != nil {
				return err
			}
			if _, err := r.credit(ctx, tx, stored.AccountID, stored.Amount, model.ReasonTopUp, stored.ExternalPaymentID); err != nil {
				return err
			}
			const appliedQ = `
				UPDATE payment_events SET applied = TRUE, applied_at = NOW()
				WHERE external_payment_id = $1
				RETURNING applied_at
			`
			if err := tx.QueryRow(ctx, appliedQ, stored.ExternalPaymentID).Scan(&stored.AppliedAt); err != nil {
				return fmt.Errorf("marking payment %s applied: %w", stored.ExternalPaymentID, err)
			}
			stored.Applied = true
			res.Credited = true
		}
		res.Event = *stored
		result = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (r *paymentRepo) GetPayment(ctx context.Context, externalPaymentID string) (*model.PaymentEvent, error) {
	q := `SELECT ` + paymentColumns + ` FROM payment_events WHERE external_payment_id = $1`
	ev, err := scanPayment(r.pool.QueryRow(ctx, q, externalPaymentID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("payment %s: %w", externalPaymentID, ErrPaymentNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch payment %s: %w", externalPaymentID, err)
	}
	return ev, nil
}
