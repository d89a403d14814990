package provider

import (
	"context"
	"errors"

	"genledger/internal/model"
)

var (
	// ErrProviderUnavailable covers network errors and 5xx responses.
	ErrProviderUnavailable = errors.New("provider_unavailable")
	// ErrProviderTimeout is returned when a call exceeds its deadline.
	ErrProviderTimeout = errors.New("provider_timeout")
	// ErrProviderRejected is returned when the provider refuses the request (4xx).
	ErrProviderRejected = errors.New("provider_rejected")
)

// IsTransient reports whether a failed call is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrProviderUnavailable) || errors.Is(err, ErrProviderTimeout)
}

// SubmitRequest is what the orchestrator sends for one job.
type SubmitRequest struct {
	JobID string
	Spec  model.JobSpec
	// Style is the preset style used for audio generation.
	Style string
	Title string
}

// GenerationProvider is the external text/audio generation service.
type GenerationProvider interface {
	// Submit starts an asynchronous generation and returns the provider's request reference.
	Submit(ctx context.Context, req SubmitRequest) (string, error)
	// GetStatus polls the outcome of a submitted request.
	GetStatus(ctx context.Context, ref string) (model.ProviderOutcome, error)
}
