package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/letterahq/lettera/internal/billing/application/commands"
	"github.com/letterahq/lettera/internal/billing/application/queries"
	billingdomain "github.com/letterahq/lettera/internal/billing/domain"
	"github.com/letterahq/lettera/internal/billing/infrastructure/gateway"
	subsdomain "github.com/letterahq/lettera/internal/subscriptions/domain"
)

type mockCheckoutService struct {
	result  *commands.CheckoutResult
	err     error
	lastCmd commands.CheckoutCommand
}

func (m *mockCheckoutService) Handle(ctx context.Context, cmd commands.CheckoutCommand) (*commands.CheckoutResult, error) {
	m.lastCmd = cmd
	return m.result, m.err
}

type mockConfirmService struct {
	result *commands.ConfirmPaymentResult
	err    error
}

func (m *mockConfirmService) Handle(ctx context.Context, cmd commands.ConfirmPaymentCommand) (*commands.ConfirmPaymentResult, error) {
	return m.result, m.err
}

type mockRefundService struct {
	result  *commands.RefundPaymentResult
	err     error
	lastCmd commands.RefundPaymentCommand
}

func (m *mockRefundService) Handle(ctx context.Context, cmd commands.RefundPaymentCommand) (*commands.RefundPaymentResult, error) {
	m.lastCmd = cmd
	return m.result, m.err
}

type mockHistoryService struct {
	payments []queries.PaymentDTO
	err      error
}

func (m *mockHistoryService) Handle(ctx context.Context, query queries.ListPaymentsQuery) ([]queries.PaymentDTO, error) {
	return m.payments, m.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(bytes.NewBuffer(nil), nil))
}

func authedRequest(t *testing.T, method, target string, body any, userID uuid.UUID) *http.Request {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(method, target, &buf)
	return req.WithContext(context.WithValue(req.Context(), userIDKey, userID))
}

func TestBillingHandler_Checkout(t *testing.T) {
	userID := uuid.New()

	t.Run("starts a checkout and returns the approval URL", func(t *testing.T) {
		checkout := &mockCheckoutService{
			result: &commands.CheckoutResult{
				PaymentID:   uuid.New(),
				Kind:        gateway.RecurringSubscription,
				Ref:         "SUB-123",
				ApprovalURL: "https://gateway.example/approve/SUB-123",
			},
		}
		h := NewBillingHandler(checkout, nil, nil, nil, testLogger())

		req := authedRequest(t, http.MethodPost, "/api/v1/checkout",
			checkoutRequest{Tier: "pro", Interval: "monthly"}, userID)
		rec := httptest.NewRecorder()
		h.Checkout(rec, req)

		require.Equal(t, http.StatusCreated, rec.Code)
		var resp checkoutResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "subscription", resp.Kind)
		assert.Equal(t, "https://gateway.example/approve/SUB-123", resp.ApprovalURL)
		assert.Equal(t, userID, checkout.lastCmd.UserID)
		assert.Equal(t, "pro", checkout.lastCmd.Tier)
	})

	t.Run("rejects a request without tier or interval", func(t *testing.T) {
		h := NewBillingHandler(&mockCheckoutService{}, nil, nil, nil, testLogger())

		req := authedRequest(t, http.MethodPost, "/api/v1/checkout",
			checkoutRequest{Tier: "pro"}, userID)
		rec := httptest.NewRecorder()
		h.Checkout(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("maps an unknown plan to 400", func(t *testing.T) {
		h := NewBillingHandler(&mockCheckoutService{err: subsdomain.ErrPlanNotFound}, nil, nil, nil, testLogger())

		req := authedRequest(t, http.MethodPost, "/api/v1/checkout",
			checkoutRequest{Tier: "platinum", Interval: "monthly"}, userID)
		rec := httptest.NewRecorder()
		h.Checkout(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("maps an open circuit to 502", func(t *testing.T) {
		h := NewBillingHandler(&mockCheckoutService{err: gateway.ErrUnavailable}, nil, nil, nil, testLogger())

		req := authedRequest(t, http.MethodPost, "/api/v1/checkout",
			checkoutRequest{Tier: "pro", Interval: "monthly"}, userID)
		rec := httptest.NewRecorder()
		h.Checkout(rec, req)

		assert.Equal(t, http.StatusBadGateway, rec.Code)
	})
}

func TestBillingHandler_ConfirmPayment(t *testing.T) {
	userID := uuid.New()

	t.Run("confirms an approved order", func(t *testing.T) {
		subID := uuid.New()
		confirm := &mockConfirmService{
			result: &commands.ConfirmPaymentResult{
				PaymentID:      uuid.New(),
				Status:         "succeeded",
				SubscriptionID: subID,
			},
		}
		h := NewBillingHandler(nil, confirm, nil, nil, testLogger())

		req := authedRequest(t, http.MethodPost, "/api/v1/payments/confirm",
			confirmPaymentRequest{OrderRef: "ORD-9"}, userID)
		rec := httptest.NewRecorder()
		h.ConfirmPayment(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		var resp confirmPaymentResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "succeeded", resp.Status)
		require.NotNil(t, resp.SubscriptionID)
		assert.Equal(t, subID, *resp.SubscriptionID)
	})

	t.Run("omits the subscription id when nothing was granted", func(t *testing.T) {
		confirm := &mockConfirmService{
			result: &commands.ConfirmPaymentResult{PaymentID: uuid.New(), Status: "succeeded"},
		}
		h := NewBillingHandler(nil, confirm, nil, nil, testLogger())

		req := authedRequest(t, http.MethodPost, "/api/v1/payments/confirm",
			confirmPaymentRequest{OrderRef: "ORD-9"}, userID)
		rec := httptest.NewRecorder()
		h.ConfirmPayment(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.NotContains(t, rec.Body.String(), "subscription_id")
	})

	t.Run("maps a foreign order to 403", func(t *testing.T) {
		h := NewBillingHandler(nil, &mockConfirmService{err: billingdomain.ErrNotOwner}, nil, nil, testLogger())

		req := authedRequest(t, http.MethodPost, "/api/v1/payments/confirm",
			confirmPaymentRequest{OrderRef: "ORD-9"}, userID)
		rec := httptest.NewRecorder()
		h.ConfirmPayment(rec, req)

		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("requires an order reference", func(t *testing.T) {
		h := NewBillingHandler(nil, &mockConfirmService{}, nil, nil, testLogger())

		req := authedRequest(t, http.MethodPost, "/api/v1/payments/confirm",
			confirmPaymentRequest{}, userID)
		rec := httptest.NewRecorder()
		h.ConfirmPayment(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestBillingHandler_RefundPayment(t *testing.T) {
	userID := uuid.New()
	paymentID := uuid.New()

	newRouter := func(h *BillingHandler) *chi.Mux {
		r := chi.NewRouter()
		r.Post("/api/v1/payments/{paymentID}/refund", h.RefundPayment)
		return r
	}

	t.Run("refunds a captured payment", func(t *testing.T) {
		refund := &mockRefundService{
			result: &commands.RefundPaymentResult{
				PaymentID:     paymentID,
				RefundRef:     "REF-1",
				Status:        "refunded",
				RefundedTotal: 1999,
			},
		}
		h := NewBillingHandler(nil, nil, refund, nil, testLogger())

		req := authedRequest(t, http.MethodPost, "/api/v1/payments/"+paymentID.String()+"/refund",
			refundPaymentRequest{Reason: "not satisfied"}, userID)
		rec := httptest.NewRecorder()
		newRouter(h).ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, paymentID, refund.lastCmd.PaymentID)
		assert.Equal(t, userID, refund.lastCmd.UserID)
		var resp refundPaymentResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, int64(1999), resp.RefundedTotal)
	})

	t.Run("rejects a malformed payment id", func(t *testing.T) {
		h := NewBillingHandler(nil, nil, &mockRefundService{}, nil, testLogger())

		req := authedRequest(t, http.MethodPost, "/api/v1/payments/not-a-uuid/refund",
			refundPaymentRequest{}, userID)
		rec := httptest.NewRecorder()
		newRouter(h).ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("maps an unknown payment to 404", func(t *testing.T) {
		h := NewBillingHandler(nil, nil, &mockRefundService{err: billingdomain.ErrPaymentNotFound}, nil, testLogger())

		req := authedRequest(t, http.MethodPost, "/api/v1/payments/"+paymentID.String()+"/refund",
			refundPaymentRequest{}, userID)
		rec := httptest.NewRecorder()
		newRouter(h).ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestBillingHandler_ListPayments(t *testing.T) {
	userID := uuid.New()

	t.Run("returns the payment history", func(t *testing.T) {
		history := &mockHistoryService{
			payments: []queries.PaymentDTO{
				{ID: uuid.New(), Tier: "pro", Interval: "monthly", Amount: 999, Currency: "EUR", Status: "succeeded", CreatedAt: time.Now()},
			},
		}
		h := NewBillingHandler(nil, nil, nil, history, testLogger())

		req := authedRequest(t, http.MethodGet, "/api/v1/payments?limit=5", nil, userID)
		rec := httptest.NewRecorder()
		h.ListPayments(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		var resp struct {
			Payments []queries.PaymentDTO `json:"payments"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.Len(t, resp.Payments, 1)
		assert.Equal(t, "pro", resp.Payments[0].Tier)
	})
}
