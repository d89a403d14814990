package model

import "time"

// Reason classifies a ledger entry.
type Reason string

const (
	ReasonQuotaReserve  Reason = "quota_reserve"
	ReasonQuotaReverse  Reason = "quota_reverse"
	ReasonChargeReserve Reason = "charge_reserve"
	ReasonChargeReverse Reason = "charge_reverse"
	ReasonTopUp         Reason = "topup"
	ReasonWelcomeBonus  Reason = "welcome_bonus"
	ReasonAdjustment    Reason = "adjustment"
)

// AffectsQuota reports whether entries with this reason move the free counter
// rather than the balance.
func (r Reason) AffectsQuota() bool {
	return r == ReasonQuotaReserve || r == ReasonQuotaReverse
}

// LedgerEntry is an append-only record of a balance or quota movement.
// For quota reasons Delta is measured in free generations (+1 reserve, -1 reverse)
// and QuotaWindow identifies the day the movement belongs to.
type LedgerEntry struct {
	ID          string     `db:"id" json:"id"`
	AccountID   string     `db:"account_id" json:"account_id"`
	Delta       int64      `db:"delta" json:"delta"`
	Reason      Reason     `db:"reason" json:"reason"`
	Reference   string     `db:"reference" json:"reference,omitempty"`
	Reverses    string     `db:"reverses" json:"reverses,omitempty"`
	QuotaWindow *time.Time `db:"quota_window" json:"quota_window,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
}

// Reservation is a provisional debit held until its job is terminal.
// Its ID is the ID of the reserving ledger entry.
type Reservation struct {
	ID          string
	AccountID   string
	Charge      Charge
	Reference   string
	QuotaWindow *time.Time
	Reversed    bool
	CreatedAt   time.Time
}

// AuditReport compares stored counters with the ledger.
type AuditReport struct {
	AccountID      string `json:"account_id"`
	Balance        int64  `json:"balance"`
	LedgerBalance  int64  `json:"ledger_balance"`
	FreeUsed       int    `json:"free_used"`
	LedgerFreeUsed int    `json:"ledger_free_used"`
	Repaired       bool   `json:"repaired"`
}

// Consistent reports whether stored counters match the ledger sums.
func (r AuditReport) Consistent() bool {
	return r.Balance == r.LedgerBalance && r.FreeUsed == r.LedgerFreeUsed
}
