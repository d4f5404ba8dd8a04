// Package provider implements the HTTP client for the AI completion backend.
// Only the transport is modeled here; prompt engineering lives with the
// callers.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/letterahq/lettera/internal/generation/domain"
	"github.com/sony/gobreaker/v2"
)

// Error is a structured provider API error.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider error (status %d): %s", e.StatusCode, e.Message)
}

// Config configures the provider client.
type Config struct {
	BaseURL string
	APIKey  string
	Model   string

	// Timeout bounds every provider call.
	Timeout time.Duration

	// FailureThreshold is the consecutive-failure count that opens the
	// circuit breaker. Zero means the default of 5.
	FailureThreshold uint32
}

// Client calls the AI provider's completion API through a circuit breaker.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
	timeout    time.Duration
	breaker    *gobreaker.CircuitBreaker[[]byte]
	logger     *slog.Logger
}

// NewClient creates a provider client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}

	breaker := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "ai-provider",
		MaxRequests: 3,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			// Client-side rejections must not poison the breaker.
			var provErr *Error
			return errors.As(err, &provErr) && provErr.StatusCode < http.StatusInternalServerError
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("provider circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})

	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		timeout:    cfg.Timeout,
		breaker:    breaker,
		logger:     logger,
	}
}

type completionRequest struct {
	Model    string `json:"model"`
	Kind     string `json:"kind"`
	Prompt   string `json:"prompt"`
	Language string `json:"language,omitempty"`
}

type completionResponse struct {
	Content string `json:"content"`
	Model   string `json:"model"`
}

// Complete requests one document draft.
func (c *Client) Complete(ctx context.Context, req domain.ProviderRequest) (*domain.ProviderResult, error) {
	body, err := c.breaker.Execute(func() ([]byte, error) {
		return c.roundTrip(ctx, completionRequest{
			Model:    c.model,
			Kind:     string(req.Kind),
			Prompt:   req.Prompt,
			Language: req.Language,
		})
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, err)
	}
	if err != nil {
		return nil, err
	}

	var parsed completionResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode provider response: %w", err)
	}
	if parsed.Content == "" {
		return nil, fmt.Errorf("provider returned an empty draft")
	}

	return &domain.ProviderResult{Content: parsed.Content, Model: parsed.Model}, nil
}

func (c *Client) roundTrip(ctx context.Context, payload completionRequest) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/completions", bytes.NewReader(encoded))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provider request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read provider response: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		var payload struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(body, &payload)
		if payload.Message == "" {
			payload.Message = http.StatusText(resp.StatusCode)
		}
		return nil, &Error{StatusCode: resp.StatusCode, Message: payload.Message}
	}

	return body, nil
}

var _ domain.Provider = (*Client)(nil)
