package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"genledger/internal/api/v1/dto"
	"genledger/internal/middleware"
	"genledger/internal/repository"
	"genledger/internal/service"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
)

const maxWebhookBody = 64 << 10

// PaymentHandler handles top-ups and the Stripe webhook.
type PaymentHandler struct {
	payments *service.PaymentService
	validate *validator.Validate
	logger   zerolog.Logger
}

func NewPaymentHandler(payments *service.PaymentService, validate *validator.Validate, logger zerolog.Logger) *PaymentHandler {
	return &PaymentHandler{payments: payments, validate: validate, logger: logger}
}

// RegisterRoutes registers the payment endpoints. The webhook authenticates by signature.
func (h *PaymentHandler) RegisterRoutes(mux *http.ServeMux, authMw, adminMw func(http.Handler) http.Handler) {
	mux.Handle("POST /payments/topup", authMw(http.HandlerFunc(h.topUp)))
	mux.HandleFunc("POST /payments/webhook", h.webhook)
	mux.Handle("GET /admin/payments/{id}", authMw(adminMw(http.HandlerFunc(h.getPayment))))
}

// topUp godoc
// @Summary Start a Stripe Checkout top-up
// @Tags payments
// @Accept json
// @Produce json
// @Param topup body dto.TopUpRequest true "Top-up amount"
// @Success 200 {object} dto.TopUpResponse
// @Failure 400 {string} string "unsupported amount"
// @Router /payments/topup [post]
func (h *PaymentHandler) topUp(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.AccountID(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req dto.TopUpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request payload", http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		http.Error(w, "Validation failed: "+err.Error(), http.StatusBadRequest)
		return
	}
	url, err := h.payments.CreateTopUpSession(r.Context(), accountID, req.Amount)
	if errors.Is(err, service.ErrInvalidRequest) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		http.Error(w, "failed to create checkout session", http.StatusInternalServerError)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, dto.TopUpResponse{URL: url})
}

// webhook godoc
// @Summary Stripe webhook
// @Description Responds 200 only after the payment is durably recorded; Stripe redelivers otherwise.
// @Tags payments
// @Param Stripe-Signature header string true "Stripe signature"
// @Success 200 {object} dto.WebhookResponse
// @Failure 400 {string} string "signature verification failed"
// @Failure 500 {string} string "failed to apply payment"
// @Router /payments/webhook [post]
func (h *PaymentHandler) webhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to read Stripe webhook payload")
		http.Error(w, "failed to read payload", http.StatusBadRequest)
		return
	}
	res, err := h.payments.HandleStripeEvent(r.Context(), payload, r.Header.Get("Stripe-Signature"))
	switch {
	case errors.Is(err, service.ErrSignatureInvalid):
		http.Error(w, "signature verification failed", http.StatusBadRequest)
		return
	case errors.Is(err, service.ErrInvalidPayment):
		// Redelivery cannot fix a malformed event.
		h.logger.Warn().Err(err).Msg("Unusable payment event")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		http.Error(w, "failed to apply payment", http.StatusInternalServerError)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, dto.WebhookResponse{Received: true, Credited: res != nil && res.Credited})
}

// getPayment godoc
// @Summary Look up a recorded payment event
// @Tags admin
// @Produce json
// @Param id path string true "External payment ID"
// @Success 200 {object} model.PaymentEvent
// @Failure 404 {string} string "Payment not found"
// @Router /admin/payments/{id} [get]
func (h *PaymentHandler) getPayment(w http.ResponseWriter, r *http.Request) {
	ev, err := h.payments.GetPayment(r.Context(), r.PathValue("id"))
	if errors.Is(err, repository.ErrPaymentNotFound) {
		http.Error(w, "Payment not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to load payment")
		http.Error(w, "Failed to load payment", http.StatusInternalServerError)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, ev)
}
