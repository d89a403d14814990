package model

import (
	"fmt"
	"time"
)

// Kind is the closed set of generation kinds.
type Kind string

const (
	KindText  Kind = "text"
	KindAudio Kind = "audio"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindText, KindAudio:
		return true
	}
	return false
}

// JobSpec describes what the caller asked to generate.
type JobSpec struct {
	Kind     Kind   `json:"kind"`
	PresetID string `json:"preset_id,omitempty"`
	Prompt   string `json:"prompt,omitempty"`
	Edit     bool   `json:"edit,omitempty"`
}

// ChargeKind says whether a job consumes a free slot or balance.
type ChargeKind string

const (
	ChargeFree ChargeKind = "free"
	ChargePaid ChargeKind = "paid"
)

// Charge is the outcome of the pricing decision.
type Charge struct {
	Kind   ChargeKind `json:"kind"`
	Amount int64      `json:"amount,omitempty"`
}

func FreeCharge() Charge { return Charge{Kind: ChargeFree} }

func PaidCharge(amount int64) Charge { return Charge{Kind: ChargePaid, Amount: amount} }

func (c Charge) IsFree() bool { return c.Kind == ChargeFree }

func (c Charge) String() string {
	if c.Kind == ChargePaid {
		return fmt.Sprintf("paid(%d)", c.Amount)
	}
	return string(c.Kind)
}

// JobState is a node of the generation job state machine.
type JobState string

const (
	JobPending   JobState = "pending"
	JobReserved  JobState = "reserved"
	JobSubmitted JobState = "submitted"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
	JobRejected  JobState = "rejected"
)

var jobTransitions = map[JobState][]JobState{
	JobPending:   {JobReserved, JobRejected},
	JobReserved:  {JobSubmitted, JobFailed},
	JobSubmitted: {JobCompleted, JobFailed},
}

// Terminal reports whether no further transitions are possible from s.
func (s JobState) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobRejected:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to JobState) bool {
	for _, next := range jobTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Failure and rejection reasons recorded on jobs.
const (
	ReasonQuotaExhausted    = "quota_exhausted"
	ReasonInsufficientFunds = "insufficient_funds"
	ReasonProviderFailed    = "provider_failed"
	ReasonProviderTimeout   = "provider_timeout"
	ReasonSubmitExhausted   = "submit_retries_exhausted"
	ReasonAbandoned         = "abandoned"
)

// Artifact is the generation result returned by the provider.
type Artifact struct {
	Text string   `json:"text,omitempty"`
	URLs []string `json:"urls,omitempty"`
}

// Job is a single generation request tracked through its lifecycle.
type Job struct {
	ID             string     `db:"id" json:"id"`
	AccountID      string     `db:"account_id" json:"account_id"`
	IdempotencyKey string     `db:"idempotency_key" json:"idempotency_key"`
	Spec           JobSpec    `db:"spec" json:"spec"`
	Charge         *Charge    `db:"charge" json:"charge,omitempty"`
	State          JobState   `db:"state" json:"state"`
	ReservationID  string     `db:"reservation_id" json:"-"`
	ProviderRef    string     `db:"provider_request_ref" json:"provider_request_ref,omitempty"`
	Attempts       int        `db:"attempts" json:"attempts"`
	FailureReason  string     `db:"failure_reason" json:"failure_reason,omitempty"`
	Artifact       *Artifact  `db:"artifact" json:"artifact,omitempty"`
	ArtifactKey    string     `db:"artifact_key" json:"artifact_key,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updated_at"`
	FinalizedAt    *time.Time `db:"finalized_at" json:"finalized_at,omitempty"`
	ReversedAt     *time.Time `db:"reversed_at" json:"-"`
}

// JobTransition is one row of a job's state history.
type JobTransition struct {
	JobID  string    `db:"job_id" json:"job_id"`
	From   JobState  `db:"from_state" json:"from"`
	To     JobState  `db:"to_state" json:"to"`
	Reason string    `db:"reason" json:"reason,omitempty"`
	At     time.Time `db:"created_at" json:"at"`
}

// OutcomeStatus is the provider-reported status of a request.
type OutcomeStatus string

const (
	OutcomePending   OutcomeStatus = "pending"
	OutcomeSucceeded OutcomeStatus = "succeeded"
	OutcomeFailed    OutcomeStatus = "failed"
)

// ProviderOutcome is a provider result delivered by callback or polling.
type ProviderOutcome struct {
	Status   OutcomeStatus
	Artifact *Artifact
	Reason   string
}
