package service

import (
	"errors"

	"genledger/internal/policy"
)

var (
	// ErrSignatureInvalid is returned when a payment webhook fails verification.
	ErrSignatureInvalid = errors.New("signature_invalid")
	// ErrInvalidPayment is returned for well-signed webhooks that cannot be applied.
	ErrInvalidPayment = errors.New("invalid_payment")
	// ErrInvalidRequest wraps validation failures of caller input.
	ErrInvalidRequest = errors.New("invalid_request")
	// ErrUnknownPreset is returned when an audio preset is not in the catalog.
	ErrUnknownPreset = policy.ErrUnknownPreset
	// ErrSubmissionExhausted is returned when provider submission gave up and the job was failed.
	ErrSubmissionExhausted = errors.New("submission_exhausted")
	// ErrForbidden is returned when a caller reads a job owned by another account.
	ErrForbidden = errors.New("forbidden")
)
