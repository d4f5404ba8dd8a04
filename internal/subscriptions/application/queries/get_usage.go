package queries

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/letterahq/lettera/internal/subscriptions/application/services"
)

// UsageReporter builds the entitlement picture for a user. Satisfied by
// services.QuotaService.
type UsageReporter interface {
	Report(ctx context.Context, userID uuid.UUID) (services.UsageReport, error)
}

// GetUsageQuery contains the parameters for reading the caller's quota.
type GetUsageQuery struct {
	UserID uuid.UUID
}

// UsageDTO is the read model of a user's metered usage and entitlements.
type UsageDTO struct {
	Tier                string    `json:"tier,omitempty"`
	Status              string    `json:"status,omitempty"`
	Used                int       `json:"used"`
	Limit               int       `json:"limit"`
	Allowed             bool      `json:"allowed"`
	ResetAt             time.Time `json:"reset_at"`
	ConcurrentDocuments int       `json:"concurrent_documents"`
}

// GetUsageHandler handles the GetUsageQuery.
type GetUsageHandler struct {
	quota UsageReporter
}

// NewGetUsageHandler creates a new GetUsageHandler.
func NewGetUsageHandler(quota UsageReporter) *GetUsageHandler {
	return &GetUsageHandler{quota: quota}
}

// Handle executes the GetUsageQuery.
func (h *GetUsageHandler) Handle(ctx context.Context, query GetUsageQuery) (*UsageDTO, error) {
	report, err := h.quota.Report(ctx, query.UserID)
	if err != nil {
		return nil, err
	}

	dto := UsageDTO{
		Tier:                report.Tier,
		Status:              report.Status,
		Used:                report.Generations.Used,
		Limit:               report.Generations.Limit,
		Allowed:             report.Generations.Allowed,
		ResetAt:             report.Generations.ResetAt,
		ConcurrentDocuments: report.ConcurrentDocuments,
	}

	return &dto, nil
}
