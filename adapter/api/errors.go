package api

import (
	"errors"
	"log/slog"
	"net/http"

	billingdomain "github.com/letterahq/lettera/internal/billing/domain"
	"github.com/letterahq/lettera/internal/billing/infrastructure/gateway"
	gendomain "github.com/letterahq/lettera/internal/generation/domain"
	subsqueries "github.com/letterahq/lettera/internal/subscriptions/application/queries"
	subsdomain "github.com/letterahq/lettera/internal/subscriptions/domain"
)

// writeDomainError maps application errors to HTTP responses. Anything not
// recognized is an invariant violation: logged loudly, reported as a 500
// without leaking internals.
func writeDomainError(w http.ResponseWriter, logger *slog.Logger, err error) {
	switch {
	case isValidationError(err):
		writeError(w, http.StatusBadRequest, err.Error())

	case errors.Is(err, billingdomain.ErrPaymentNotFound),
		errors.Is(err, subsdomain.ErrSubscriptionNotFound),
		errors.Is(err, subsqueries.ErrNoActiveSubscription):
		writeError(w, http.StatusNotFound, err.Error())

	case errors.Is(err, billingdomain.ErrNotOwner),
		errors.Is(err, subsdomain.ErrNotOwner):
		writeError(w, http.StatusForbidden, "Resource does not belong to the caller")

	case errors.Is(err, subsdomain.ErrQuotaExceeded):
		writeError(w, http.StatusForbidden, err.Error())

	case errors.Is(err, billingdomain.ErrConcurrentUpdate),
		errors.Is(err, subsdomain.ErrConcurrentUpdate),
		errors.Is(err, subsdomain.ErrAlreadyCancelled):
		writeError(w, http.StatusConflict, err.Error())

	case errors.Is(err, gateway.ErrUnavailable),
		errors.Is(err, gendomain.ErrProviderUnavailable):
		writeError(w, http.StatusBadGateway, err.Error())

	default:
		var gwErr *gateway.Error
		if errors.As(err, &gwErr) {
			writeError(w, http.StatusBadGateway, "Payment gateway rejected the request")
			return
		}
		logger.Error("unexpected error handling request", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func isValidationError(err error) bool {
	for _, target := range []error{
		billingdomain.ErrMissingUser,
		billingdomain.ErrMissingPlan,
		billingdomain.ErrInvalidAmount,
		billingdomain.ErrInvalidRefundAmount,
		subsdomain.ErrPlanNotFound,
		subsdomain.ErrInvalidTier,
		subsdomain.ErrInvalidInterval,
		subsdomain.ErrTrialUnsupported,
		subsdomain.ErrNotActive,
		subsdomain.ErrNotRenewable,
		gendomain.ErrInvalidKind,
		gendomain.ErrEmptyPrompt,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
