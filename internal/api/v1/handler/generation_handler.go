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

// GenerationHandler handles generation job endpoints.
type GenerationHandler struct {
	jobs     *service.JobService
	validate *validator.Validate
	logger   zerolog.Logger
}

func NewGenerationHandler(jobs *service.JobService, validate *validator.Validate, logger zerolog.Logger) *GenerationHandler {
	return &GenerationHandler{jobs: jobs, validate: validate, logger: logger}
}

// RegisterRoutes mounts generation routes
func (h *GenerationHandler) RegisterRoutes(mux *http.ServeMux, authMw func(http.Handler) http.Handler) {
	mux.Handle("POST /generations", authMw(http.HandlerFunc(h.createGeneration)))
	mux.Handle("GET /generations", authMw(http.HandlerFunc(h.listGenerations)))
	mux.Handle("GET /generations/{id}", authMw(http.HandlerFunc(h.getGeneration)))
}

// createGeneration godoc
// @Summary Request a text or audio generation
// @Description Creates a generation job, reserves its free slot or price and queues it.
// @Description Retries with the same idempotency key return the original job.
// @Tags generations
// @Accept json
// @Produce json
// @Param generation body dto.CreateGenerationRequest true "Generation request"
// @Success 202 {object} dto.GenerationResponseDTO
// @Failure 400 {string} string "Invalid JSON payload or validation failed"
// @Failure 402 {object} dto.RejectedGenerationDTO "quota_exhausted or insufficient_funds"
// @Failure 409 {string} string "Idempotency key already used"
// @Router /generations [post]
func (h *GenerationHandler) createGeneration(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.AccountID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	var req dto.CreateGenerationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON payload: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}
	if err := h.validate.Struct(&req); err != nil {
		http.Error(w, "Validation failed: "+err.Error(), http.StatusBadRequest)
		return
	}

	job, err := h.jobs.Submit(r.Context(), service.SubmitRequest{
		AccountID:      accountID,
		IdempotencyKey: req.IdempotencyKey,
		FreeOnly:       req.FreeOnly,
		Spec: model.JobSpec{
			Kind:     model.Kind(req.Kind),
			PresetID: req.PresetID,
			Prompt:   req.Prompt,
			Edit:     req.Edit,
		},
	})
	switch {
	case err == nil:
		writeJSON(w, h.logger, http.StatusAccepted, dto.NewGenerationResponse(job))
	case errors.Is(err, repository.ErrQuotaExhausted), errors.Is(err, repository.ErrInsufficientFunds):
		reason := repository.ErrInsufficientFunds.Error()
		if errors.Is(err, repository.ErrQuotaExhausted) {
			reason = repository.ErrQuotaExhausted.Error()
		}
		writeJSON(w, h.logger, http.StatusPaymentRequired, dto.RejectedGenerationDTO{
			Error: reason,
			Job:   dto.NewGenerationResponse(job),
		})
	case errors.Is(err, service.ErrInvalidRequest), errors.Is(err, service.ErrUnknownPreset):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, repository.ErrIdempotencyConflict):
		http.Error(w, "Idempotency key already used", http.StatusConflict)
	default:
		h.logger.Error().Err(err).Str("account_id", accountID).Msg("Failed to submit generation")
		http.Error(w, "Failed to submit generation", http.StatusInternalServerError)
	}
}

// listGenerations godoc
// @Summary List the caller's generations, newest first
// @Tags generations
// @Produce json
// @Param limit query int false "Maximum number of jobs (default 20)"
// @Success 200 {array} dto.GenerationResponseDTO
// @Router /generations [get]
func (h *GenerationHandler) listGenerations(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.AccountID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 100 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	jobs, err := h.jobs.ListJobs(r.Context(), accountID, limit)
	if err != nil {
		h.logger.Error().Err(err).Str("account_id", accountID).Msg("Failed to list generations")
		http.Error(w, "Failed to list generations", http.StatusInternalServerError)
		return
	}
	out := make([]dto.GenerationResponseDTO, 0, len(jobs))
	for i := range jobs {
		out = append(out, dto.NewGenerationResponse(&jobs[i]))
	}
	writeJSON(w, h.logger, http.StatusOK, out)
}

// getGeneration godoc
// @Summary Get one generation
// @Tags generations
// @Produce json
// @Param id path string true "Job ID"
// @Success 200 {object} dto.GenerationResponseDTO
// @Failure 404 {string} string "Generation not found"
// @Router /generations/{id} [get]
func (h *GenerationHandler) getGeneration(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.AccountID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	job, err := h.jobs.GetJob(r.Context(), accountID, r.PathValue("id"))
	switch {
	case err == nil:
		writeJSON(w, h.logger, http.StatusOK, dto.NewGenerationResponse(job))
	case errors.Is(err, repository.ErrJobNotFound), errors.Is(err, service.ErrForbidden):
		http.Error(w, "Generation not found", http.StatusNotFound)
	default:
		h.logger.Error().Err(err).Msg("Failed to fetch generation")
		http.Error(w, "Failed to fetch generation", http.StatusInternalServerError)
	}
}
