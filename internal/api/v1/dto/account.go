package dto

import (
	"time"

	"genledger/internal/model"
)

type AccountResponseDTO struct {
	AccountID     string    `json:"account_id"`
	Balance       int64     `json:"balance"`
	FreeUsed      int       `json:"free_used"`
	FreeRemaining int       `json:"free_remaining"`
	FreeLimit     int       `json:"free_limit"`
	QuotaResetAt  time.Time `json:"quota_reset_at"`
}

func NewAccountResponse(u *model.AccountUsage) AccountResponseDTO {
	return AccountResponseDTO{
		AccountID:     u.AccountID,
		Balance:       u.Balance,
		FreeUsed:      u.FreeUsed,
		FreeRemaining: u.FreeRemaining,
		FreeLimit:     u.FreeLimit,
		QuotaResetAt:  u.QuotaResetAt,
	}
}

type LedgerEntryDTO struct {
	ID        string    `json:"id"`
	Delta     int64     `json:"delta"`
	Reason    string    `json:"reason"`
	Reference string    `json:"reference,omitempty"`
	Reverses  string    `json:"reverses,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func NewLedgerEntries(entries []model.LedgerEntry) []LedgerEntryDTO {
	out := make([]LedgerEntryDTO, 0, len(entries))
	for _, e := range entries {
		out = append(out, LedgerEntryDTO{
			ID:        e.ID,
			Delta:     e.Delta,
			Reason:    string(e.Reason),
			Reference: e.Reference,
			Reverses:  e.Reverses,
			CreatedAt: e.CreatedAt,
		})
	}
	return out
}

// AdminCreditRequest is the body of POST /admin/accounts/{id}/credit.
type AdminCreditRequest struct {
	Amount int64  `json:"amount" validate:"required,gt=0"`
	Note   string `json:"note" validate:"max=500"`
}
