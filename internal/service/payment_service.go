package service

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"genledger/internal/config"
	"genledger/internal/metrics"
	"genledger/internal/model"
	"genledger/internal/repository"

	"github.com/rs/zerolog"
	"github.com/stripe/stripe-go/v82"
	checkoutsession "github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/webhook"
)

// PaymentService credits balances from payment provider events.
type PaymentService struct {
	payments      repository.PaymentRepository
	webhookSecret string
	currency      string
	minorUnits    int64
	successURL    string
	cancelURL     string
	topUpAmounts  []int64
	logger        zerolog.Logger

	newCheckoutSession func(*stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

// NewPaymentService initializes the Stripe key and returns a service with a scoped logger.
func NewPaymentService(cfg *config.Config, payments repository.PaymentRepository, logger zerolog.Logger) *PaymentService {
	stripe.Key = cfg.StripeSecretKey
	return &PaymentService{
		payments:           payments,
		webhookSecret:      cfg.StripeWebhookSecret,
		currency:           cfg.StripeCurrency,
		minorUnits:         cfg.StripeMinorUnits,
		successURL:         cfg.StripeSuccessURL,
		cancelURL:          cfg.StripeCancelURL,
		topUpAmounts:       cfg.TopUpAmounts,
		logger:             logger.With().Str("service", "PaymentService").Logger(),
		newCheckoutSession: checkoutsession.New,
	}
}

// ApplyWebhook records a payment event and credits its account if it succeeded.
// Repeated deliveries of the same external payment ID credit at most once.
func (s *PaymentService) ApplyWebhook(ctx context.Context, externalID string, status model.PaymentStatus, amount int64, accountID string) (*model.ApplyResult, error) {
	if strings.TrimSpace(externalID) == "" {
		return nil, fmt.Errorf("%w: missing payment id", ErrInvalidPayment)
	}
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidPayment, status)
	}
	if strings.TrimSpace(accountID) == "" {
		return nil, fmt.Errorf("%w: missing account for payment %s", ErrInvalidPayment, externalID)
	}
	if status == model.PaymentSucceeded && amount <= 0 {
		return nil, fmt.Errorf("%w: non-positive amount %d", ErrInvalidPayment, amount)
	}

	res, err := s.payments.Apply(ctx, model.PaymentEvent{
		ExternalPaymentID: externalID,
		Status:            status,
		Amount:            amount,
		AccountID:         accountID,
	})
	if err != nil {
		metrics.WebhookEvents.WithLabelValues("error").Inc()
		s.logger.Error().Err(err).Str("payment_id", externalID).Msg("Failed to apply payment")
		return nil, err
	}

	log := s.logger.With().Str("payment_id", externalID).Str("account_id", accountID).Logger()
	switch {
	case res.Credited:
		metrics.WebhookEvents.WithLabelValues("credited").Inc()
		metrics.LedgerCredits.WithLabelValues(string(model.ReasonTopUp)).Add(float64(res.Event.Amount))
		log.Info().Int64("amount", res.Event.Amount).Msg("Payment credited")
	case res.Duplicate:
		metrics.WebhookEvents.WithLabelValues("duplicate").Inc()
		log.Debug().Str("status", string(status)).Msg("Duplicate payment event")
	default:
		metrics.WebhookEvents.WithLabelValues("recorded").Inc()
		log.Info().Str("status", string(status)).Msg("Payment event recorded")
	}
	return res, nil
}

// HandleStripeEvent verifies a Stripe webhook delivery and applies it.
// Event types that do not move money return a nil result.
func (s *PaymentService) HandleStripeEvent(ctx context.Context, payload []byte, signature string) (*model.ApplyResult, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, s.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		metrics.WebhookEvents.WithLabelValues("rejected").Inc()
		s.logger.Warn().Err(err).Msg("Signature verification failed for Stripe webhook")
		return nil, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	s.logger.Info().Str("event_type", string(event.Type)).Str("event_id", event.ID).Msg("Stripe webhook received")

	var (
		externalID string
		status     model.PaymentStatus
		minor      int64
		accountID  string
	)
	switch event.Type {
	case "payment_intent.succeeded", "payment_intent.payment_failed", "payment_intent.canceled", "payment_intent.processing":
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return nil, fmt.Errorf("%w: invalid payment_intent data: %v", ErrInvalidPayment, err)
		}
		externalID = pi.ID
		minor = pi.AmountReceived
		if minor == 0 {
			minor = pi.Amount
		}
		accountID = pi.Metadata["account_id"]
		switch event.Type {
		case "payment_intent.succeeded":
			status = model.PaymentSucceeded
		case "payment_intent.processing":
			status = model.PaymentPending
		default:
			status = model.PaymentFailed
		}
	case "checkout.session.completed", "checkout.session.async_payment_succeeded", "checkout.session.async_payment_failed":
		var cs stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &cs); err != nil {
			return nil, fmt.Errorf("%w: invalid checkout.session data: %v", ErrInvalidPayment, err)
		}
		// Keyed by payment intent so the matching payment_intent event deduplicates against it.
		externalID = cs.ID
		if cs.PaymentIntent != nil && cs.PaymentIntent.ID != "" {
			externalID = cs.PaymentIntent.ID
		}
		minor = cs.AmountTotal
		accountID = cs.Metadata["account_id"]
		if accountID == "" {
			accountID = cs.ClientReferenceID
		}
		switch {
		case event.Type == "checkout.session.async_payment_failed":
			status = model.PaymentFailed
		case event.Type == "checkout.session.async_payment_succeeded":
			status = model.PaymentSucceeded
		case cs.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid:
			status = model.PaymentSucceeded
		default:
			status = model.PaymentPending
		}
	default:
		s.logger.Debug().Str("event_type", string(event.Type)).Msg("Ignoring Stripe event")
		return nil, nil
	}

	if minor%s.minorUnits != 0 {
		s.logger.Warn().
			Str("external_payment_id", externalID).
			Int64("amount_minor", minor).
			Msg("Payment amount is not a whole number of balance units")
		metrics.WebhookEvents.WithLabelValues("rejected").Inc()
		return nil, fmt.Errorf("%w: amount %d is not a multiple of %d minor units", ErrInvalidPayment, minor, s.minorUnits)
	}
	return s.ApplyWebhook(ctx, externalID, status, minor/s.minorUnits, accountID)
}

// CreateTopUpSession starts a Stripe Checkout payment for one of the configured
// top-up amounts and returns its URL.
func (s *PaymentService) CreateTopUpSession(ctx context.Context, accountID string, amount int64) (string, error) {
	if !slices.Contains(s.topUpAmounts, amount) {
		return "", fmt.Errorf("%w: unsupported top-up amount %d", ErrInvalidRequest, amount)
	}
	meta := map[string]string{"account_id": accountID}
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(stripe.CheckoutSessionModePayment),
		ClientReferenceID: stripe.String(accountID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(s.currency),
				UnitAmount: stripe.Int64(amount * s.minorUnits),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(fmt.Sprintf("Balance top-up %d", amount)),
				},
			},
			Quantity: stripe.Int64(1),
		}},
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{Metadata: meta},
		SuccessURL:        stripe.String(s.successURL),
		CancelURL:         stripe.String(s.cancelURL),
		Metadata:          meta,
	}
	params.Context = ctx
	sess, err := s.newCheckoutSession(params)
	if err != nil {
		s.logger.Error().Err(err).Str("account_id", accountID).Int64("amount", amount).Msg("Failed to create Stripe checkout session")
		return "", fmt.Errorf("create checkout session: %w", err)
	}
	return sess.URL, nil
}

// GetPayment returns a recorded payment event.
func (s *PaymentService) GetPayment(ctx context.Context, externalID string) (*model.PaymentEvent, error) {
	return s.payments.GetPayment(ctx, externalID)
}
