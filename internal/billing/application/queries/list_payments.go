package queries

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/letterahq/lettera/internal/billing/domain"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// ListPaymentsQuery contains the parameters for reading a user's payment
// history.
type ListPaymentsQuery struct {
	UserID uuid.UUID
	Limit  int
	Offset int
}

// PaymentDTO is the read model of a payment.
type PaymentDTO struct {
	ID              uuid.UUID  `json:"id"`
	Tier            string     `json:"tier"`
	Interval        string     `json:"interval"`
	Amount          int64      `json:"amount"`
	Currency        string     `json:"currency"`
	Status          string     `json:"status"`
	OrderRef        string     `json:"order_ref,omitempty"`
	SubscriptionRef string     `json:"subscription_ref,omitempty"`
	RefundedAmount  int64      `json:"refunded_amount,omitempty"`
	FailureReason   string     `json:"failure_reason,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// ListPaymentsHandler handles the ListPaymentsQuery.
type ListPaymentsHandler struct {
	payments domain.Repository
}

// NewListPaymentsHandler creates a new ListPaymentsHandler.
func NewListPaymentsHandler(payments domain.Repository) *ListPaymentsHandler {
	return &ListPaymentsHandler{payments: payments}
}

// Handle executes the ListPaymentsQuery, newest payment first.
func (h *ListPaymentsHandler) Handle(ctx context.Context, query ListPaymentsQuery) ([]PaymentDTO, error) {
	limit := query.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	offset := query.Offset
	if offset < 0 {
		offset = 0
	}

	payments, err := h.payments.FindByUserID(ctx, query.UserID, limit, offset)
	if err != nil {
		return nil, err
	}

	dtos := make([]PaymentDTO, 0, len(payments))
	for _, p := range payments {
		dtos = append(dtos, PaymentDTO{
			ID:              p.ID(),
			Tier:            p.Tier(),
			Interval:        p.Interval(),
			Amount:          p.Amount().Amount(),
			Currency:        p.Amount().Currency(),
			Status:          string(p.Status()),
			OrderRef:        p.OrderRef(),
			SubscriptionRef: p.SubscriptionRef(),
			RefundedAmount:  p.RefundedAmount().Amount(),
			FailureReason:   p.FailureReason(),
			CompletedAt:     p.CompletedAt(),
			CreatedAt:       p.CreatedAt(),
		})
	}
	return dtos, nil
}
