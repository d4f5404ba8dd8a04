package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/letterahq/lettera/internal/subscriptions/application/commands"
	"github.com/letterahq/lettera/internal/subscriptions/application/queries"
)

// CancelService cancels a subscription. Satisfied by
// commands.CancelSubscriptionHandler.
type CancelService interface {
	Handle(ctx context.Context, cmd commands.CancelSubscriptionCommand) (*commands.CancelSubscriptionResult, error)
}

// ActiveSubscriptionService reads the caller's live subscription. Satisfied
// by queries.GetActiveSubscriptionHandler.
type ActiveSubscriptionService interface {
	Handle(ctx context.Context, query queries.GetActiveSubscriptionQuery) (*queries.SubscriptionDTO, error)
}

// UsageService reads the caller's metered usage. Satisfied by
// queries.GetUsageHandler.
type UsageService interface {
	Handle(ctx context.Context, query queries.GetUsageQuery) (*queries.UsageDTO, error)
}

// SubscriptionHandler handles subscription API requests.
type SubscriptionHandler struct {
	cancel CancelService
	active ActiveSubscriptionService
	usage  UsageService
	logger *slog.Logger
}

// NewSubscriptionHandler creates a new SubscriptionHandler.
func NewSubscriptionHandler(
	cancel CancelService,
	active ActiveSubscriptionService,
	usage UsageService,
	logger *slog.Logger,
) *SubscriptionHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubscriptionHandler{
		cancel: cancel,
		active: active,
		usage:  usage,
		logger: logger,
	}
}

type cancelSubscriptionRequest struct {
	SubscriptionID uuid.UUID `json:"subscription_id"`
	Immediate      bool      `json:"immediate"`
	Reason         string    `json:"reason"`
}

type cancelSubscriptionResponse struct {
	Status            string     `json:"status"`
	CancelAtPeriodEnd bool       `json:"cancel_at_period_end"`
	EffectiveAt       *time.Time `json:"effective_at,omitempty"`
}

// Cancel handles POST /api/v1/subscriptions/cancel
func (h *SubscriptionHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Missing user identity")
		return
	}

	var req cancelSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.SubscriptionID == uuid.Nil {
		writeError(w, http.StatusBadRequest, "Field 'subscription_id' is required")
		return
	}

	result, err := h.cancel.Handle(r.Context(), commands.CancelSubscriptionCommand{
		SubscriptionID: req.SubscriptionID,
		UserID:         userID,
		Immediate:      req.Immediate,
		Reason:         req.Reason,
	})
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, cancelSubscriptionResponse{
		Status:            result.Status,
		CancelAtPeriodEnd: result.CancelAtPeriodEnd,
		EffectiveAt:       result.EffectiveAt,
	})
}

// GetActive handles GET /api/v1/subscriptions/active
func (h *SubscriptionHandler) GetActive(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Missing user identity")
		return
	}

	dto, err := h.active.Handle(r.Context(), queries.GetActiveSubscriptionQuery{UserID: userID})
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, dto)
}

// GetUsage handles GET /api/v1/usage
func (h *SubscriptionHandler) GetUsage(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Missing user identity")
		return
	}

	dto, err := h.usage.Handle(r.Context(), queries.GetUsageQuery{UserID: userID})
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, dto)
}
