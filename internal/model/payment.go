package model

import "time"

// PaymentStatus is the payment provider's status for a payment.
type PaymentStatus string

const (
	PaymentSucceeded PaymentStatus = "succeeded"
	PaymentFailed    PaymentStatus = "failed"
	PaymentPending   PaymentStatus = "pending"
)

func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentSucceeded, PaymentFailed, PaymentPending:
		return true
	}
	return false
}

// PaymentEvent is the deduplicated record of a provider payment.
type PaymentEvent struct {
	ExternalPaymentID string        `db:"external_payment_id" json:"external_payment_id"`
	Status            PaymentStatus `db:"status" json:"status"`
	Amount            int64         `db:"amount" json:"amount"`
	AccountID         string        `db:"account_id" json:"account_id"`
	ReceivedAt        time.Time     `db:"received_at" json:"received_at"`
	Applied           bool          `db:"applied" json:"applied"`
	AppliedAt         *time.Time    `db:"applied_at" json:"applied_at,omitempty"`
}

// ApplyResult describes what ApplyWebhook did.
type ApplyResult struct {
	Event     PaymentEvent
	Credited  bool
	Duplicate bool
}
