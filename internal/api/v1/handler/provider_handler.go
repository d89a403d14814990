package handler

import (
	"crypto/subtle"
	"errors"
	"io"
	"net/http"

	"genledger/internal/provider"
	"genledger/internal/repository"
	"genledger/internal/service"

	"github.com/rs/zerolog"
)

// ProviderHandler receives asynchronous generation results.
type ProviderHandler struct {
	jobs   *service.JobService
	token  string
	logger zerolog.Logger
}

func NewProviderHandler(jobs *service.JobService, callbackToken string, logger zerolog.Logger) *ProviderHandler {
	return &ProviderHandler{jobs: jobs, token: callbackToken, logger: logger}
}

func (h *ProviderHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /provider/callback", h.callback)
}

// callback godoc
// @Summary Generation provider result callback
// @Tags provider
// @Param token query string true "Shared callback token"
// @Success 200 {string} string "ok"
// @Failure 401 {string} string "invalid token"
// @Failure 404 {string} string "unknown request"
// @Router /provider/callback [post]
func (h *ProviderHandler) callback(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = r.Header.Get("X-Callback-Token")
	}
	if h.token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(h.token)) != 1 {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		http.Error(w, "failed to read payload", http.StatusBadRequest)
		return
	}
	ref, outcome, err := provider.ParseCallback(body)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Malformed provider callback")
		http.Error(w, "malformed callback", http.StatusBadRequest)
		return
	}
	_, err = h.jobs.HandleProviderResult(r.Context(), ref, outcome)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	case errors.Is(err, repository.ErrJobNotFound):
		h.logger.Warn().Str("provider_ref", ref).Msg("Callback for unknown provider request")
		http.Error(w, "unknown request", http.StatusNotFound)
	default:
		h.logger.Error().Err(err).Str("provider_ref", ref).Msg("Failed to apply provider result")
		http.Error(w, "failed to apply result", http.StatusInternalServerError)
	}
}
