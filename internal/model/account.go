package model

import "time"

// Account represents a user's balance and daily free-generation counter.
type Account struct {
	ID                string    `db:"id" json:"id"`
	Balance           int64     `db:"balance" json:"balance"`
	FreeUsedToday     int       `db:"free_used_today" json:"free_used_today"`
	QuotaResetAt      time.Time `db:"quota_reset_at" json:"quota_reset_at"`
	WelcomeBonusGiven bool      `db:"welcome_bonus_given" json:"-"`
	CreatedAt         time.Time `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time `db:"updated_at" json:"updated_at"`
}

// RollQuotaWindow resets the free counter when the current window has elapsed.
// It reports whether a reset happened.
func (a *Account) RollQuotaWindow(now time.Time, loc *time.Location) bool {
	if now.Before(a.QuotaResetAt) {
		return false
	}
	a.FreeUsedToday = 0
	a.QuotaResetAt = NextQuotaReset(now, loc)
	return true
}

// NextQuotaReset returns the start of the calendar day following now in loc.
func NextQuotaReset(now time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	t := now.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, loc)
}

// AccountUsage is the read model returned to the chat front-end.
type AccountUsage struct {
	AccountID     string    `json:"account_id"`
	Balance       int64     `json:"balance"`
	FreeUsed      int       `json:"free_used"`
	FreeRemaining int       `json:"free_remaining"`
	FreeLimit     int       `json:"free_limit"`
	QuotaResetAt  time.Time `json:"quota_reset_at"`
}
