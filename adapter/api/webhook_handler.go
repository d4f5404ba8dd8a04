package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/letterahq/lettera/internal/billing/application/services"
	"github.com/letterahq/lettera/internal/billing/infrastructure/gateway"
)

// Webhook delivery headers set by the payment gateway.
const (
	WebhookTimestampHeader = "X-Webhook-Timestamp"
	WebhookSignatureHeader = "X-Webhook-Signature"
)

// maxWebhookBody bounds gateway payloads; deliveries are small JSON events.
const maxWebhookBody = 1 << 20

// WebhookEventProcessor verifies and dispatches one gateway delivery.
// Satisfied by services.WebhookProcessor.
type WebhookEventProcessor interface {
	Process(ctx context.Context, timestamp, signature string, body []byte) error
}

// WebhookHandler receives payment gateway deliveries. The response code
// steers the gateway's retry behavior: 2xx acknowledges, 4xx tells it the
// delivery will never succeed, 5xx asks for a retry.
type WebhookHandler struct {
	processor WebhookEventProcessor
	logger    *slog.Logger
}

// NewWebhookHandler creates a new WebhookHandler.
func NewWebhookHandler(processor WebhookEventProcessor, logger *slog.Logger) *WebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookHandler{processor: processor, logger: logger}
}

// HandleGatewayEvent handles POST /webhooks/gateway
func (h *WebhookHandler) HandleGatewayEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Unreadable request body")
		return
	}

	timestamp := r.Header.Get(WebhookTimestampHeader)
	signature := r.Header.Get(WebhookSignatureHeader)

	err = h.processor.Process(r.Context(), timestamp, signature, body)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})

	case errors.Is(err, gateway.ErrInvalidSignature), errors.Is(err, gateway.ErrStaleWebhook):
		h.logger.Warn("rejected webhook delivery", "error", err)
		writeError(w, http.StatusUnauthorized, "Signature verification failed")

	case errors.Is(err, services.ErrMalformedWebhook):
		h.logger.Warn("malformed webhook delivery", "error", err)
		writeError(w, http.StatusBadRequest, "Malformed payload")

	default:
		// Transient processing failure: a 5xx makes the gateway redeliver.
		h.logger.Error("webhook processing failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Processing failed")
	}
}
