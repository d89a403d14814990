package repository

import (
	"context"
	"time"

	"genledger/internal/model"
)

// LedgerOptions configures quota accounting shared by every store backend.
type LedgerOptions struct {
	FreeLimit    int
	Location     *time.Location
	WelcomeBonus int64
	Now          func() time.Time
}

// WithDefaults fills in the clock and timezone when they are unset.
func (o LedgerOptions) WithDefaults() LedgerOptions {
	if o.Location == nil {
		o.Location = time.UTC
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// LedgerRepository is the only writer of account balances and quota counters.
type LedgerRepository interface {
	// GetOrCreateAccount returns the account, creating it (and granting the welcome bonus) on first use.
	// The quota window is rolled forward if it has elapsed.
	GetOrCreateAccount(ctx context.Context, accountID string) (*model.Account, error)
	// Reserve re-checks quota or balance and writes the provisional debit atomically.
	// It returns the existing reservation if one was already made for reference.
	Reserve(ctx context.Context, accountID string, charge model.Charge, reference string) (*model.Reservation, error)
	// Reverse writes the compensating entry for a reservation. It reports false if
	// the reservation was already reversed.
	Reverse(ctx context.Context, reservationID string) (bool, error)
	// Credit adds amount to the balance with the given reason.
	Credit(ctx context.Context, accountID string, amount int64, reason model.Reason, reference string) (*model.LedgerEntry, error)
	FindReservation(ctx context.Context, reference string) (*model.Reservation, error)
	Entries(ctx context.Context, accountID string, limit int) ([]model.LedgerEntry, error)
	// Audit compares account counters with ledger sums and optionally rewrites the counters.
	Audit(ctx context.Context, accountID string, repair bool) (*model.AuditReport, error)
}

// TransitionPatch carries the fields set alongside a state change.
// Zero values leave the stored field unchanged.
type TransitionPatch struct {
	Charge        *model.Charge
	ReservationID string
	ProviderRef   string
	FailureReason string
	Artifact      *model.Artifact
	ArtifactKey   string
	Attempts      int
	// Note is recorded in the transition history only.
	Note string
}

// JobRepository is the only writer of job state.
type JobRepository interface {
	// CreateIfAbsent inserts a pending job for idempotencyKey, or returns the existing one with isNew=false.
	CreateIfAbsent(ctx context.Context, idempotencyKey, accountID string, spec model.JobSpec) (*model.Job, bool, error)
	GetJob(ctx context.Context, jobID string) (*model.Job, error)
	GetJobByProviderRef(ctx context.Context, providerRef string) (*model.Job, error)
	ListJobs(ctx context.Context, accountID string, limit int) ([]model.Job, error)
	// Transition moves a job from -> to only if it is still in from.
	Transition(ctx context.Context, jobID string, from, to model.JobState, patch TransitionPatch) (*model.Job, error)
	History(ctx context.Context, jobID string) ([]model.JobTransition, error)
	// ListStale returns jobs in state whose last update is before olderThan.
	ListStale(ctx context.Context, state model.JobState, olderThan time.Time, limit int) ([]model.Job, error)
	// ListUnsettled returns failed or rejected jobs that are not marked reversed or
	// whose reservation has no reversing ledger entry. The ledger wins over
	// reversed_at, so a reservation committed after the job was settled is found.
	ListUnsettled(ctx context.Context, limit int) ([]model.Job, error)
	MarkReversed(ctx context.Context, jobID string) error
}

// PaymentRepository records payment events and credits them exactly once.
type PaymentRepository interface {
	// Apply records ev and, if it succeeded and was not applied yet, marks it applied
	// and credits the account in the same transaction.
	Apply(ctx context.Context, ev model.PaymentEvent) (*model.ApplyResult, error)
	GetPayment(ctx context.Context, externalPaymentID string) (*model.PaymentEvent, error)
}
