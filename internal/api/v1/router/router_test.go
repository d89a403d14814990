package router

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"genledger/internal/app"
	"genledger/internal/config"
	"genledger/internal/repository"
	"genledger/internal/repository/memory"
	"genledger/internal/service"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestRouter(t *testing.T) {
	logger := zerolog.Nop()
	store := memory.New(repository.LedgerOptions{FreeLimit: 3})
	cfg := &config.Config{
		JWTSecret:        "secret",
		CORSOrigins:      []string{"https://app.example"},
		StripeMinorUnits: 100,
	}
	a := &app.App{
		Config:   cfg,
		Jobs:     service.NewJobService(service.JobServiceDeps{Ledger: store, Jobs: store, Logger: logger}),
		Accounts: service.NewAccountService(store, 3, logger),
		Payments: service.NewPaymentService(cfg, store, logger),
	}
	h := New(a, logger)

	tests := []struct {
		method string
		path   string
		status int
	}{
		{http.MethodGet, "/healthz", http.StatusOK},
		{http.MethodGet, "/metrics", http.StatusOK},
		{http.MethodGet, "/v1/accounts/me", http.StatusUnauthorized},
		{http.MethodPost, "/v1/generations", http.StatusUnauthorized},
		{http.MethodPost, "/v1/provider/callback", http.StatusUnauthorized},
		{http.MethodGet, "/api/accounts/me", http.StatusMovedPermanently},
		{http.MethodGet, "/v1/nope", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))
			require.Equal(t, tt.status, rec.Code)
		})
	}
}

func TestRouter_CORSPreflight(t *testing.T) {
	logger := zerolog.Nop()
	store := memory.New(repository.LedgerOptions{FreeLimit: 3})
	cfg := &config.Config{JWTSecret: "secret", CORSOrigins: []string{"https://app.example"}, StripeMinorUnits: 100}
	a := &app.App{
		Config:   cfg,
		Jobs:     service.NewJobService(service.JobServiceDeps{Ledger: store, Jobs: store, Logger: logger}),
		Accounts: service.NewAccountService(store, 3, logger),
		Payments: service.NewPaymentService(cfg, store, logger),
	}

	req := httptest.NewRequest(http.MethodOptions, "/v1/generations", nil)
	req.Header.Set("Origin", "https://app.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	New(a, logger).ServeHTTP(rec, req)
	require.Equal(t, "https://app.example", rec.Header().Get("Access-Control-Allow-Origin"))
}
