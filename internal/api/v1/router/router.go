package router

import (
	"net/http"
	"strings"

	"genledger/internal/api/v1/handler"
	"genledger/internal/app"
	"genledger/internal/middleware"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
)

func New(a *app.App, logger zerolog.Logger) http.Handler {
	cfg := a.Config
	logger.Info().Str("environment", cfg.Env).Str("dispatch_mode", cfg.DispatchMode).Msg("Router initialized")

	validate := validator.New(validator.WithRequiredStructEnabled())

	generationHandler := handler.NewGenerationHandler(a.Jobs, validate, logger)
	accountHandler := handler.NewAccountHandler(a.Accounts, a.Jobs, validate, logger)
	paymentHandler := handler.NewPaymentHandler(a.Payments, validate, logger)
	providerHandler := handler.NewProviderHandler(a.Jobs, cfg.GenAPICallbackToken, logger)

	authMiddleware := middleware.AuthMiddleware(cfg.JWTSecret, logger)
	adminMiddleware := middleware.AdminOnly(cfg.IsAdmin)

	mux := http.NewServeMux()

	apiV1Mux := http.NewServeMux()
	generationHandler.RegisterRoutes(apiV1Mux, authMiddleware)
	accountHandler.RegisterRoutes(apiV1Mux, authMiddleware, adminMiddleware)
	paymentHandler.RegisterRoutes(apiV1Mux, authMiddleware, adminMiddleware)
	providerHandler.RegisterRoutes(apiV1Mux)

	mux.Handle("/v1/", http.StripPrefix("/v1", apiV1Mux))
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// Redirect /api/* to /v1/* for older clients.
	mux.HandleFunc("/api/", func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/api/")
		http.Redirect(w, r, "/v1/"+rest, http.StatusMovedPermanently)
	})

	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "Idempotency-Key"},
		AllowCredentials: true,
	})

	return middleware.LoggerMiddleware(logger)(c.Handler(mux))
}
