package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"genledger/internal/api/v1/dto"
	"genledger/internal/middleware"
	"genledger/internal/model"
	"genledger/internal/repository"
	"genledger/internal/service"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
)

// AccountHandler serves balances, ledger history and the admin account tools.
type AccountHandler struct {
	accounts *service.AccountService
	jobs     *service.JobService
	validate *validator.Validate
	logger   zerolog.Logger
}

func NewAccountHandler(accounts *service.AccountService, jobs *service.JobService, validate *validator.Validate, logger zerolog.Logger) *AccountHandler {
	return &AccountHandler{accounts: accounts, jobs: jobs, validate: validate, logger: logger}
}

func (h *AccountHandler) RegisterRoutes(mux *http.ServeMux, authMw, adminMw func(http.Handler) http.Handler) {
	mux.Handle("GET /accounts/me", authMw(http.HandlerFunc(h.me)))
	mux.Handle("GET /accounts/me/entries", authMw(http.HandlerFunc(h.entries)))

	admin := func(fn http.HandlerFunc) http.Handler { return authMw(adminMw(fn)) }
	mux.Handle("POST /admin/accounts/{id}/credit", admin(h.credit))
	mux.Handle("POST /admin/accounts/{id}/reconcile", admin(h.reconcile))
	mux.Handle("POST /admin/sweep", admin(h.sweep))
}

// me godoc
// @Summary Balance and free quota of the caller
// @Tags accounts
// @Produce json
// @Success 200 {object} dto.AccountResponseDTO
// @Router /accounts/me [get]
func (h *AccountHandler) me(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.AccountID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	usage, err := h.accounts.Usage(r.Context(), accountID)
	if err != nil {
		h.logger.Error().Err(err).Str("account_id", accountID).Msg("Failed to load account")
		http.Error(w, "Failed to load account", http.StatusInternalServerError)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, dto.NewAccountResponse(usage))
}

// entries godoc
// @Summary Ledger entries of the caller, newest first
// @Tags accounts
// @Produce json
// @Param limit query int false "Maximum number of entries (default 100)"
// @Success 200 {array} dto.LedgerEntryDTO
// @Router /accounts/me/entries [get]
func (h *AccountHandler) entries(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.AccountID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := h.accounts.Entries(r.Context(), accountID, limit)
	if err != nil {
		h.logger.Error().Err(err).Str("account_id", accountID).Msg("Failed to list ledger entries")
		http.Error(w, "Failed to list ledger entries", http.StatusInternalServerError)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, dto.NewLedgerEntries(entries))
}

func (h *AccountHandler) credit(w http.ResponseWriter, r *http.Request) {
	adminID, _ := middleware.AccountID(r.Context())
	var req dto.AdminCreditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON payload: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		http.Error(w, "Validation failed: "+err.Error(), http.StatusBadRequest)
		return
	}
	entry, err := h.accounts.AdminCredit(r.Context(), adminID, r.PathValue("id"), req.Amount, req.Note)
	if errors.Is(err, service.ErrInvalidRequest) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Str("admin_id", adminID).Msg("Failed to credit account")
		http.Error(w, "Failed to credit account", http.StatusInternalServerError)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, dto.NewLedgerEntries([]model.LedgerEntry{*entry})[0])
}

func (h *AccountHandler) reconcile(w http.ResponseWriter, r *http.Request) {
	repair := r.URL.Query().Get("repair") == "true"
	rep, err := h.accounts.Reconcile(r.Context(), r.PathValue("id"), repair)
	if errors.Is(err, repository.ErrAccountNotFound) {
		http.Error(w, "Account not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to reconcile account")
		http.Error(w, "Failed to reconcile account", http.StatusInternalServerError)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, rep)
}

func (h *AccountHandler) sweep(w http.ResponseWriter, r *http.Request) {
	rep, err := h.jobs.Sweep(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("Manual sweep failed")
		http.Error(w, "Sweep failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, rep)
}
