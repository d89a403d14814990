package dto

import (
	"time"

	"genledger/internal/model"
)

// CreateGenerationRequest is the body of POST /generations.
type CreateGenerationRequest struct {
	// IdempotencyKey may also be sent in the Idempotency-Key header.
	IdempotencyKey string `json:"idempotency_key" validate:"required,max=128"`
	Kind           string `json:"kind" validate:"required,oneof=text audio"`
	PresetID       string `json:"preset_id" validate:"required_if=Kind audio,max=64"`
	Prompt         string `json:"prompt" validate:"max=4000"`
	Edit           bool   `json:"edit"`
	FreeOnly       bool   `json:"free_only"`
}

type ChargeDTO struct {
	Kind   string `json:"kind"`
	Amount int64  `json:"amount"`
}

type ArtifactDTO struct {
	Text string   `json:"text,omitempty"`
	URLs []string `json:"urls,omitempty"`
	Key  string   `json:"key,omitempty"`
}

// GenerationResponseDTO is returned for a single job.
type GenerationResponseDTO struct {
	JobID          string       `json:"job_id"`
	IdempotencyKey string       `json:"idempotency_key"`
	Kind           string       `json:"kind"`
	PresetID       string       `json:"preset_id,omitempty"`
	State          string       `json:"state"`
	Charge         *ChargeDTO   `json:"charge,omitempty"`
	FailureReason  string       `json:"failure_reason,omitempty"`
	Artifact       *ArtifactDTO `json:"artifact,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
	FinalizedAt    *time.Time   `json:"finalized_at,omitempty"`
}

// RejectedGenerationDTO pairs a rejected job with the reason the caller can act on.
type RejectedGenerationDTO struct {
	Error string                `json:"error"`
	Job   GenerationResponseDTO `json:"job"`
}

func NewGenerationResponse(j *model.Job) GenerationResponseDTO {
	out := GenerationResponseDTO{
		JobID:          j.ID,
		IdempotencyKey: j.IdempotencyKey,
		Kind:           string(j.Spec.Kind),
		PresetID:       j.Spec.PresetID,
		State:          string(j.State),
		FailureReason:  j.FailureReason,
		CreatedAt:      j.CreatedAt,
		UpdatedAt:      j.UpdatedAt,
		FinalizedAt:    j.FinalizedAt,
	}
	if j.Charge != nil {
		out.Charge = &ChargeDTO{Kind: string(j.Charge.Kind), Amount: j.Charge.Amount}
	}
	if j.Artifact != nil {
		out.Artifact = &ArtifactDTO{Text: j.Artifact.Text, URLs: j.Artifact.URLs, Key: j.ArtifactKey}
	}
	return out
}
