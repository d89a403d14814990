package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"genledger/internal/config"
	"genledger/internal/model"
	"genledger/internal/repository"
	"genledger/internal/repository/memory"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

const testWebhookSecret = "whsec_test_secret"

func newPaymentService(t *testing.T) (*PaymentService, *memory.Store) {
	t.Helper()
	store := memory.New(repository.LedgerOptions{FreeLimit: 3})
	cfg := &config.Config{
		StripeWebhookSecret: testWebhookSecret,
		StripeCurrency:      "rub",
		StripeMinorUnits:    100,
		StripeSuccessURL:    "https://app.example/ok",
		StripeCancelURL:     "https://app.example/cancel",
		TopUpAmounts:        []int64{100, 500},
	}
	return NewPaymentService(cfg, store, zerolog.Nop()), store
}

func signedEvent(t *testing.T, eventType string, object any) ([]byte, string) {
	t.Helper()
	raw, err := json.Marshal(object)
	require.NoError(t, err)
	payload, err := json.Marshal(map[string]any{
		"id":          "evt_" + eventType,
		"object":      "event",
		"type":        eventType,
		"api_version": stripe.APIVersion,
		"data":        map[string]json.RawMessage{"object": raw},
	})
	require.NoError(t, err)
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    testWebhookSecret,
		Timestamp: time.Now(),
	})
	return signed.Payload, signed.Header
}

func TestApplyWebhook_DuplicateDeliveryCreditsOnce(t *testing.T) {
	svc, store := newPaymentService(t)
	ctx := context.Background()

	res, err := svc.ApplyWebhook(ctx, "P1", model.PaymentSucceeded, 500, "acc-1")
	require.NoError(t, err)
	require.True(t, res.Credited)

	res, err = svc.ApplyWebhook(ctx, "P1", model.PaymentSucceeded, 500, "acc-1")
	require.NoError(t, err)
	require.False(t, res.Credited)
	require.True(t, res.Duplicate)

	acc, err := store.GetOrCreateAccount(ctx, "acc-1")
	require.NoError(t, err)
	require.Equal(t, int64(500), acc.Balance)

	entries, err := store.Entries(ctx, "acc-1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, model.ReasonTopUp, entries[0].Reason)
	require.Equal(t, "P1", entries[0].Reference)
}

func TestApplyWebhook_PendingThenSucceeded(t *testing.T) {
	svc, store := newPaymentService(t)
	ctx := context.Background()

	res, err := svc.ApplyWebhook(ctx, "P2", model.PaymentPending, 300, "acc-1")
	require.NoError(t, err)
	require.False(t, res.Credited)

	res, err = svc.ApplyWebhook(ctx, "P2", model.PaymentSucceeded, 300, "acc-1")
	require.NoError(t, err)
	require.True(t, res.Credited)
	require.True(t, res.Event.Applied)

	acc, err := store.GetOrCreateAccount(ctx, "acc-1")
	require.NoError(t, err)
	require.Equal(t, int64(300), acc.Balance)

	// A late failure for an applied payment changes nothing.
	res, err = svc.ApplyWebhook(ctx, "P2", model.PaymentFailed, 300, "acc-1")
	require.NoError(t, err)
	require.False(t, res.Credited)
	require.Equal(t, model.PaymentSucceeded, res.Event.Status)
}

func TestApplyWebhook_Validation(t *testing.T) {
	svc, _ := newPaymentService(t)
	ctx := context.Background()

	_, err := svc.ApplyWebhook(ctx, "", model.PaymentSucceeded, 10, "acc-1")
	require.ErrorIs(t, err, ErrInvalidPayment)
	_, err = svc.ApplyWebhook(ctx, "P", "refunded", 10, "acc-1")
	require.ErrorIs(t, err, ErrInvalidPayment)
	_, err = svc.ApplyWebhook(ctx, "P", model.PaymentSucceeded, 0, "acc-1")
	require.ErrorIs(t, err, ErrInvalidPayment)
	_, err = svc.ApplyWebhook(ctx, "P", model.PaymentSucceeded, 10, "")
	require.ErrorIs(t, err, ErrInvalidPayment)
}

func TestHandleStripeEvent_PaymentIntentSucceeded(t *testing.T) {
	svc, store := newPaymentService(t)
	ctx := context.Background()

	payload, sig := signedEvent(t, "payment_intent.succeeded", map[string]any{
		"id":              "pi_123",
		"object":          "payment_intent",
		"amount":          50000,
		"amount_received": 50000,
		"currency":        "rub",
		"status":          "succeeded",
		"metadata":        map[string]string{"account_id": "acc-1"},
	})

	res, err := svc.HandleStripeEvent(ctx, payload, sig)
	require.NoError(t, err)
	require.True(t, res.Credited)

	// Stripe redelivers the same event.
	res, err = svc.HandleStripeEvent(ctx, payload, sig)
	require.NoError(t, err)
	require.False(t, res.Credited)

	acc, err := store.GetOrCreateAccount(ctx, "acc-1")
	require.NoError(t, err)
	require.Equal(t, int64(500), acc.Balance)
}

func TestHandleStripeEvent_CheckoutAndIntentDeduplicate(t *testing.T) {
	svc, store := newPaymentService(t)
	ctx := context.Background()

	payload, sig := signedEvent(t, "checkout.session.completed", map[string]any{
		"id":                  "cs_1",
		"object":              "checkout.session",
		"amount_total":        10000,
		"payment_status":      "paid",
		"payment_intent":      "pi_777",
		"client_reference_id": "acc-9",
	})
	res, err := svc.HandleStripeEvent(ctx, payload, sig)
	require.NoError(t, err)
	require.True(t, res.Credited)
	require.Equal(t, "pi_777", res.Event.ExternalPaymentID)

	payload, sig = signedEvent(t, "payment_intent.succeeded", map[string]any{
		"id":              "pi_777",
		"object":          "payment_intent",
		"amount":          10000,
		"amount_received": 10000,
		"metadata":        map[string]string{"account_id": "acc-9"},
	})
	res, err = svc.HandleStripeEvent(ctx, payload, sig)
	require.NoError(t, err)
	require.False(t, res.Credited)

	acc, err := store.GetOrCreateAccount(ctx, "acc-9")
	require.NoError(t, err)
	require.Equal(t, int64(100), acc.Balance)
}

func TestHandleStripeEvent_RejectsBadSignature(t *testing.T) {
	svc, store := newPaymentService(t)
	ctx := context.Background()

	payload, _ := signedEvent(t, "payment_intent.succeeded", map[string]any{
		"id":       "pi_bad",
		"object":   "payment_intent",
		"amount":   10000,
		"metadata": map[string]string{"account_id": "acc-1"},
	})
	_, err := svc.HandleStripeEvent(ctx, payload, "t=1,v1=deadbeef")
	require.ErrorIs(t, err, ErrSignatureInvalid)

	_, err = store.GetPayment(ctx, "pi_bad")
	require.ErrorIs(t, err, repository.ErrPaymentNotFound)
}

func TestHandleStripeEvent_RejectsFractionalUnits(t *testing.T) {
	svc, store := newPaymentService(t)
	ctx := context.Background()

	payload, sig := signedEvent(t, "payment_intent.succeeded", map[string]any{
		"id":              "pi_frac",
		"object":          "payment_intent",
		"amount":          150,
		"amount_received": 150,
		"metadata":        map[string]string{"account_id": "acc-1"},
	})
	_, err := svc.HandleStripeEvent(ctx, payload, sig)
	require.ErrorIs(t, err, ErrInvalidPayment)

	_, err = store.GetPayment(ctx, "pi_frac")
	require.ErrorIs(t, err, repository.ErrPaymentNotFound)
}

func TestHandleStripeEvent_IgnoresUnrelatedEvents(t *testing.T) {
	svc, _ := newPaymentService(t)

	payload, sig := signedEvent(t, "customer.created", map[string]any{"id": "cus_1", "object": "customer"})
	res, err := svc.HandleStripeEvent(context.Background(), payload, sig)
	require.NoError(t, err)
	require.Nil(t, res)
}

func TestCreateTopUpSession(t *testing.T) {
	svc, _ := newPaymentService(t)
	var captured *stripe.CheckoutSessionParams
	svc.newCheckoutSession = func(p *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
		captured = p
		return &stripe.CheckoutSession{URL: "https://checkout.stripe.test/cs_1"}, nil
	}

	url, err := svc.CreateTopUpSession(context.Background(), "acc-1", 500)
	require.NoError(t, err)
	require.Equal(t, "https://checkout.stripe.test/cs_1", url)
	require.Equal(t, int64(50000), *captured.LineItems[0].PriceData.UnitAmount)
	require.Equal(t, "acc-1", captured.Metadata["account_id"])
	require.Equal(t, "acc-1", captured.PaymentIntentData.Metadata["account_id"])

	_, err = svc.CreateTopUpSession(context.Background(), "acc-1", 42)
	require.ErrorIs(t, err, ErrInvalidRequest)

	svc.newCheckoutSession = func(*stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
		return nil, errors.New("stripe down")
	}
	_, err = svc.CreateTopUpSession(context.Background(), "acc-1", 100)
	require.Error(t, err)
}
