package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/letterahq/lettera/internal/billing/application/commands"
	"github.com/letterahq/lettera/internal/billing/application/queries"
)

// CheckoutService starts a gateway checkout. Satisfied by
// commands.CheckoutHandler.
type CheckoutService interface {
	Handle(ctx context.Context, cmd commands.CheckoutCommand) (*commands.CheckoutResult, error)
}

// ConfirmService captures an approved checkout. Satisfied by
// commands.ConfirmPaymentHandler.
type ConfirmService interface {
	Handle(ctx context.Context, cmd commands.ConfirmPaymentCommand) (*commands.ConfirmPaymentResult, error)
}

// RefundService refunds a captured payment. Satisfied by
// commands.RefundPaymentHandler.
type RefundService interface {
	Handle(ctx context.Context, cmd commands.RefundPaymentCommand) (*commands.RefundPaymentResult, error)
}

// PaymentHistoryService reads a user's payment history. Satisfied by
// queries.ListPaymentsHandler.
type PaymentHistoryService interface {
	Handle(ctx context.Context, query queries.ListPaymentsQuery) ([]queries.PaymentDTO, error)
}

// BillingHandler handles payment API requests.
type BillingHandler struct {
	checkout CheckoutService
	confirm  ConfirmService
	refund   RefundService
	history  PaymentHistoryService
	logger   *slog.Logger
}

// NewBillingHandler creates a new BillingHandler.
func NewBillingHandler(
	checkout CheckoutService,
	confirm ConfirmService,
	refund RefundService,
	history PaymentHistoryService,
	logger *slog.Logger,
) *BillingHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &BillingHandler{
		checkout: checkout,
		confirm:  confirm,
		refund:   refund,
		history:  history,
		logger:   logger,
	}
}

type checkoutRequest struct {
	Tier     string `json:"tier"`
	Interval string `json:"interval"`
	Currency string `json:"currency"`
}

type checkoutResponse struct {
	PaymentID   uuid.UUID `json:"payment_id"`
	Kind        string    `json:"kind"`
	Ref         string    `json:"ref"`
	ApprovalURL string    `json:"approval_url"`
}

// Checkout handles POST /api/v1/checkout
func (h *BillingHandler) Checkout(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Missing user identity")
		return
	}

	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Tier == "" || req.Interval == "" {
		writeError(w, http.StatusBadRequest, "Fields 'tier' and 'interval' are required")
		return
	}

	result, err := h.checkout.Handle(r.Context(), commands.CheckoutCommand{
		UserID:   userID,
		Tier:     req.Tier,
		Interval: req.Interval,
		Currency: req.Currency,
	})
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusCreated, checkoutResponse{
		PaymentID:   result.PaymentID,
		Kind:        string(result.Kind),
		Ref:         result.Ref,
		ApprovalURL: result.ApprovalURL,
	})
}

type confirmPaymentRequest struct {
	OrderRef string `json:"order_ref"`
}

type confirmPaymentResponse struct {
	PaymentID      uuid.UUID  `json:"payment_id"`
	Status         string     `json:"status"`
	SubscriptionID *uuid.UUID `json:"subscription_id,omitempty"`
}

// ConfirmPayment handles POST /api/v1/payments/confirm
func (h *BillingHandler) ConfirmPayment(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Missing user identity")
		return
	}

	var req confirmPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.OrderRef == "" {
		writeError(w, http.StatusBadRequest, "Field 'order_ref' is required")
		return
	}

	result, err := h.confirm.Handle(r.Context(), commands.ConfirmPaymentCommand{
		UserID:   userID,
		OrderRef: req.OrderRef,
	})
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}

	resp := confirmPaymentResponse{
		PaymentID: result.PaymentID,
		Status:    result.Status,
	}
	if result.SubscriptionID != uuid.Nil {
		resp.SubscriptionID = &result.SubscriptionID
	}
	writeJSON(w, http.StatusOK, resp)
}

type refundPaymentRequest struct {
	Amount int64  `json:"amount"`
	Reason string `json:"reason"`
}

type refundPaymentResponse struct {
	PaymentID     uuid.UUID `json:"payment_id"`
	RefundRef     string    `json:"refund_ref"`
	Status        string    `json:"status"`
	RefundedTotal int64     `json:"refunded_total"`
}

// RefundPayment handles POST /api/v1/payments/{paymentID}/refund
func (h *BillingHandler) RefundPayment(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Missing user identity")
		return
	}

	paymentID, err := uuid.Parse(chi.URLParam(r, "paymentID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid payment id")
		return
	}

	var req refundPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Amount < 0 {
		writeError(w, http.StatusBadRequest, "Field 'amount' must not be negative")
		return
	}

	result, err := h.refund.Handle(r.Context(), commands.RefundPaymentCommand{
		PaymentID: paymentID,
		UserID:    userID,
		Amount:    req.Amount,
		Reason:    req.Reason,
	})
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, refundPaymentResponse{
		PaymentID:     result.PaymentID,
		RefundRef:     result.RefundRef,
		Status:        result.Status,
		RefundedTotal: result.RefundedTotal,
	})
}

// ListPayments handles GET /api/v1/payments
func (h *BillingHandler) ListPayments(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Missing user identity")
		return
	}

	payments, err := h.history.Handle(r.Context(), queries.ListPaymentsQuery{
		UserID: userID,
		Limit:  parseIntParam(r, "limit", 20),
		Offset: parseIntParam(r, "offset", 0),
	})
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"payments": payments,
	})
}

func parseIntParam(r *http.Request, key string, defaultVal int) int {
	val := r.URL.Query().Get(key)
	if val == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return i
}
