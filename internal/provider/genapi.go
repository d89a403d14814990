package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"genledger/internal/model"

	"github.com/rs/zerolog"
)

// GenAPIConfig configures the GenAPI client.
type GenAPIConfig struct {
	BaseURL     string
	APIKey      string
	TextModel   string
	AudioModel  string
	CallbackURL string
	Timeout     time.Duration
}

// GenAPIClient talks to the GenAPI asynchronous endpoints.
type GenAPIClient struct {
	cfg    GenAPIConfig
	http   *http.Client
	logger zerolog.Logger
}

func NewGenAPIClient(cfg GenAPIConfig, logger zerolog.Logger) *GenAPIClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &GenAPIClient{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger.With().Str("service", "GenAPIClient").Logger(),
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	N           int           `json:"n"`
	Stream      bool          `json:"stream"`
	IsSync      bool          `json:"is_sync"`
	CallbackURL string        `json:"callback_url,omitempty"`
}

type sunoRequest struct {
	Title          string `json:"title"`
	Tags           string `json:"tags"`
	Prompt         string `json:"prompt"`
	TranslateInput bool   `json:"translate_input"`
	Model          string `json:"model"`
	IsSync         bool   `json:"is_sync"`
	CallbackURL    string `json:"callback_url,omitempty"`
}

// requestID accepts both numeric and string request ids.
type requestID string

func (r *requestID) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*r = requestID(s)
		return nil
	}
	if string(b) == "null" {
		*r = ""
		return nil
	}
	*r = requestID(strings.TrimSpace(string(b)))
	return nil
}

type submitResponse struct {
	RequestID requestID `json:"request_id"`
	Status    string    `json:"status"`
}

// StatusPayload is the body of both status responses and callbacks.
type StatusPayload struct {
	RequestID requestID       `json:"request_id"`
	Status    string          `json:"status"`
	Result    json.RawMessage `json:"result"`
	Output    json.RawMessage `json:"output"`
	Error     string          `json:"error"`
}

// Submit posts the job to the chat or suno endpoint with is_sync=false.
func (c *GenAPIClient) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	var (
		path string
		body any
	)
	switch req.Spec.Kind {
	case model.KindText:
		path = "/v1/chat/completions"
		body = chatRequest{
			Model:       c.cfg.TextModel,
			Messages:    []chatMessage{{Role: "user", Content: req.Spec.Prompt}},
			N:           1,
			IsSync:      false,
			CallbackURL: c.cfg.CallbackURL,
		}
	case model.KindAudio:
		path = "/v1/suno"
		body = sunoRequest{
			Title:       req.Title,
			Tags:        req.Style,
			Prompt:      req.Spec.Prompt,
			Model:       c.cfg.AudioModel,
			IsSync:      false,
			CallbackURL: c.cfg.CallbackURL,
		}
	default:
		return "", fmt.Errorf("%w: unsupported kind %q", ErrProviderRejected, req.Spec.Kind)
	}

	var resp submitResponse
	if err := c.do(ctx, http.MethodPost, path, body, &resp); err != nil {
		return "", err
	}
	ref := string(resp.RequestID)
	if ref == "" {
		return "", fmt.Errorf("%w: response has no request_id", ErrProviderUnavailable)
	}
	c.logger.Debug().Str("job_id", req.JobID).Str("provider_ref", ref).Msg("Submitted generation")
	return ref, nil
}

// GetStatus polls a previously submitted request.
func (c *GenAPIClient) GetStatus(ctx context.Context, ref string) (model.ProviderOutcome, error) {
	var payload StatusPayload
	if err := c.do(ctx, http.MethodGet, "/v1/request/get/"+ref, nil, &payload); err != nil {
		return model.ProviderOutcome{}, err
	}
	return payload.Outcome(), nil
}

// ParseCallback decodes a GenAPI callback body into the provider reference and outcome.
func ParseCallback(body []byte) (string, model.ProviderOutcome, error) {
	var payload StatusPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", model.ProviderOutcome{}, fmt.Errorf("decoding callback: %w", err)
	}
	ref := string(payload.RequestID)
	if ref == "" {
		return "", model.ProviderOutcome{}, errors.New("callback has no request_id")
	}
	return ref, payload.Outcome(), nil
}

// Outcome maps the provider status onto the engine's binary outcome.
func (p StatusPayload) Outcome() model.ProviderOutcome {
	switch strings.ToLower(p.Status) {
	case "success", "succeeded", "completed":
		raw := p.Result
		if len(raw) == 0 || string(raw) == "null" {
			raw = p.Output
		}
		artifact, err := parseArtifact(raw)
		if err != nil {
			return model.ProviderOutcome{Status: model.OutcomeFailed, Reason: err.Error()}
		}
		return model.ProviderOutcome{Status: model.OutcomeSucceeded, Artifact: artifact}
	case "failed", "error", "canceled", "cancelled":
		reason := p.Error
		if reason == "" {
			reason = model.ReasonProviderFailed
		}
		return model.ProviderOutcome{Status: model.OutcomeFailed, Reason: reason}
	default:
		return model.ProviderOutcome{Status: model.OutcomePending}
	}
}

func parseArtifact(raw json.RawMessage) (*model.Artifact, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, errors.New("empty result")
	}

	var chat struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(raw, &chat); err == nil && len(chat.Choices) > 0 {
		return &model.Artifact{Text: chat.Choices[0].Message.Content}, nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err == nil {
		a := &model.Artifact{}
		for _, item := range items {
			var s string
			if err := json.Unmarshal(item, &s); err == nil {
				if strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") {
					a.URLs = append(a.URLs, s)
				} else if a.Text == "" {
					a.Text = s
				}
				continue
			}
			var track struct {
				AudioURL string `json:"audio_url"`
			}
			if err := json.Unmarshal(item, &track); err == nil && track.AudioURL != "" {
				a.URLs = append(a.URLs, track.AudioURL)
			}
		}
		if a.Text == "" && len(a.URLs) == 0 {
			return nil, errors.New("result contains no text or audio")
		}
		return a, nil
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil && text != "" {
		return &model.Artifact{Text: text}, nil
	}
	return nil, errors.New("unrecognised result format")
}

func (c *GenAPIClient) do(ctx context.Context, method, path string, in, out any) error {
	var reader io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return fmt.Errorf("%w: %s %s: %v", ErrProviderTimeout, method, path, err)
		}
		return fmt.Errorf("%w: %s %s: %v", ErrProviderUnavailable, method, path, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	c.logger.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("GenAPI call")

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: status %d: %s", ErrProviderUnavailable, resp.StatusCode, string(body))
	case resp.StatusCode >= 400:
		return fmt.Errorf("%w: status %d: %s", ErrProviderRejected, resp.StatusCode, string(body))
	}
	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("%w: decoding response: %v", ErrProviderUnavailable, err)
		}
	}
	return nil
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
