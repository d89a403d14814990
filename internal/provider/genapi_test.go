package provider

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"genledger/internal/model"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *GenAPIClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewGenAPIClient(GenAPIConfig{
		BaseURL:    srv.URL,
		APIKey:     "key",
		TextModel:  "text-model",
		AudioModel: "v5",
		Timeout:    2 * time.Second,
	}, zerolog.Nop())
}

func TestSubmitText(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		var body chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.False(t, body.IsSync)
		require.Equal(t, "write a verse", body.Messages[0].Content)
		_, _ = w.Write([]byte(`{"request_id": 1234, "status": "starting"}`))
	})

	ref, err := c.Submit(context.Background(), SubmitRequest{
		JobID: "job-1",
		Spec:  model.JobSpec{Kind: model.KindText, Prompt: "write a verse"},
	})
	require.NoError(t, err)
	require.Equal(t, "1234", ref)
}

func TestSubmitAudio(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/suno", r.URL.Path)
		var body sunoRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "pop, upbeat", body.Tags)
		require.Equal(t, "v5", body.Model)
		_, _ = w.Write([]byte(`{"request_id": "abc", "status": "starting"}`))
	})

	ref, err := c.Submit(context.Background(), SubmitRequest{
		Spec:  model.JobSpec{Kind: model.KindAudio, PresetID: "pop", Prompt: "lyrics"},
		Style: "pop, upbeat",
	})
	require.NoError(t, err)
	require.Equal(t, "abc", ref)
}

func TestSubmitErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
	}{
		{"server error", http.StatusBadGateway, ErrProviderUnavailable},
		{"rate limited", http.StatusTooManyRequests, ErrProviderUnavailable},
		{"bad request", http.StatusBadRequest, ErrProviderRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			})
			_, err := c.Submit(context.Background(), SubmitRequest{Spec: model.JobSpec{Kind: model.KindText}})
			require.True(t, errors.Is(err, tt.want), "got %v", err)
			require.Equal(t, tt.want != ErrProviderRejected, IsTransient(err))
		})
	}
}

func TestSubmitTimeout(t *testing.T) {
	release := make(chan struct{})
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		select {
		case <-r.Context().Done():
		case <-release:
		}
	})
	// Registered after the server's cleanup, so it runs first and unblocks the handler.
	t.Cleanup(func() { close(release) })
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.Submit(ctx, SubmitRequest{Spec: model.JobSpec{Kind: model.KindText}})
	require.ErrorIs(t, err, ErrProviderTimeout)
}

func TestGetStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/request/get/77", r.URL.Path)
		_, _ = w.Write([]byte(`{"request_id": 77, "status": "success",
			"result": ["https://cdn.example/a.mp3", "https://cdn.example/b.mp3"]}`))
	})

	out, err := c.GetStatus(context.Background(), "77")
	require.NoError(t, err)
	require.Equal(t, model.OutcomeSucceeded, out.Status)
	require.Len(t, out.Artifact.URLs, 2)
}

func TestParseCallback(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		ref    string
		status model.OutcomeStatus
		text   string
	}{
		{
			name:   "chat success",
			body:   `{"request_id": 5, "status": "success", "result": {"choices": [{"message": {"content": "hello"}}]}}`,
			ref:    "5",
			status: model.OutcomeSucceeded,
			text:   "hello",
		},
		{
			name:   "failure",
			body:   `{"request_id": "6", "status": "failed", "error": "nsfw"}`,
			ref:    "6",
			status: model.OutcomeFailed,
		},
		{
			name:   "still processing",
			body:   `{"request_id": 7, "status": "processing"}`,
			ref:    "7",
			status: model.OutcomePending,
		},
		{
			name:   "success without result",
			body:   `{"request_id": 8, "status": "success"}`,
			ref:    "8",
			status: model.OutcomeFailed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ref, out, err := ParseCallback([]byte(tt.body))
			require.NoError(t, err)
			require.Equal(t, tt.ref, ref)
			require.Equal(t, tt.status, out.Status)
			if tt.text != "" {
				require.Equal(t, tt.text, out.Artifact.Text)
			}
		})
	}

	_, _, err := ParseCallback([]byte(`{"status": "success"}`))
	require.Error(t, err)
}
