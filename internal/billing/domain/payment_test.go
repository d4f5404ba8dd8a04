package domain

import (
	"testing"
	"time"

	"github.com/google/uuid"
	sharedDomain "github.com/letterahq/lettera/internal/shared/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func eur(t *testing.T, amount int64) sharedDomain.Money {
	t.Helper()
	m, err := sharedDomain.NewMoney(amount, "EUR")
	require.NoError(t, err)
	return m
}

func succeededPayment(t *testing.T, amount int64) *Payment {
	t.Helper()
	payment, err := NewPayment(uuid.New(), "pro", "monthly", eur(t, amount), "ORD-1", "")
	require.NoError(t, err)
	require.NoError(t, payment.MarkSucceeded("CAP-1", time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)))
	payment.ClearDomainEvents()
	return payment
}

func TestNewPayment(t *testing.T) {
	userID := uuid.New()

	payment, err := NewPayment(userID, "pro", "monthly", eur(t, 999), "ORD-1", "")

	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, payment.ID())
	assert.Equal(t, userID, payment.UserID())
	assert.Equal(t, "pro", payment.Tier())
	assert.Equal(t, "monthly", payment.Interval())
	assert.Equal(t, PaymentPending, payment.Status())
	assert.Equal(t, int64(999), payment.Amount().Amount())
	assert.Equal(t, "EUR", payment.Amount().Currency())
	assert.Equal(t, "ORD-1", payment.OrderRef())
	assert.Empty(t, payment.SubscriptionRef())
	assert.Empty(t, payment.CaptureRef())
	assert.True(t, payment.RefundedAmount().IsZero())
	assert.Nil(t, payment.CompletedAt())
}

func TestNewPayment_EmitsEvent(t *testing.T) {
	payment, err := NewPayment(uuid.New(), "premium", "yearly", eur(t, 9900), "", "SUB-1")
	require.NoError(t, err)

	events := payment.DomainEvents()
	require.Len(t, events, 1)

	initiated, ok := events[0].(*PaymentInitiated)
	require.True(t, ok)
	assert.Equal(t, payment.ID(), initiated.PaymentID)
	assert.Equal(t, "premium", initiated.Tier)
	assert.Equal(t, int64(9900), initiated.Amount)
	assert.Equal(t, "EUR", initiated.Currency)
	assert.Equal(t, "SUB-1", initiated.SubscriptionRef)
	assert.Equal(t, "billing.payment.initiated", initiated.RoutingKey())
}

func TestNewPayment_Validation(t *testing.T) {
	_, err := NewPayment(uuid.Nil, "pro", "monthly", eur(t, 999), "ORD-1", "")
	assert.ErrorIs(t, err, ErrMissingUser)

	_, err = NewPayment(uuid.New(), "", "monthly", eur(t, 999), "ORD-1", "")
	assert.ErrorIs(t, err, ErrMissingPlan)

	_, err = NewPayment(uuid.New(), "pro", "", eur(t, 999), "ORD-1", "")
	assert.ErrorIs(t, err, ErrMissingPlan)

	_, err = NewPayment(uuid.New(), "pro", "monthly", sharedDomain.Money{}, "ORD-1", "")
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestPayment_MarkSucceeded(t *testing.T) {
	payment, err := NewPayment(uuid.New(), "pro", "monthly", eur(t, 999), "ORD-1", "")
	require.NoError(t, err)
	payment.ClearDomainEvents()
	capturedAt := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)

	err = payment.MarkSucceeded("CAP-1", capturedAt)

	require.NoError(t, err)
	assert.Equal(t, PaymentSucceeded, payment.Status())
	assert.Equal(t, "CAP-1", payment.CaptureRef())
	require.NotNil(t, payment.CompletedAt())
	assert.Equal(t, capturedAt, *payment.CompletedAt())

	events := payment.DomainEvents()
	require.Len(t, events, 1)
	succeeded, ok := events[0].(*PaymentCaptured)
	require.True(t, ok)
	assert.Equal(t, "CAP-1", succeeded.CaptureRef)
	assert.Equal(t, "billing.payment.succeeded", succeeded.RoutingKey())
}

func TestPayment_MarkSucceeded_OnlyFromPending(t *testing.T) {
	payment := succeededPayment(t, 999)

	err := payment.MarkSucceeded("CAP-2", time.Now())

	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, "CAP-1", payment.CaptureRef(), "first capture wins")
	assert.Empty(t, payment.DomainEvents())
}

func TestPayment_MarkFailed(t *testing.T) {
	payment, err := NewPayment(uuid.New(), "pro", "monthly", eur(t, 999), "ORD-1", "")
	require.NoError(t, err)
	payment.ClearDomainEvents()

	err = payment.MarkFailed("card declined")

	require.NoError(t, err)
	assert.Equal(t, PaymentFailed, payment.Status())
	assert.Equal(t, "card declined", payment.FailureReason())
	assert.Nil(t, payment.CompletedAt())

	events := payment.DomainEvents()
	require.Len(t, events, 1)
	failed, ok := events[0].(*PaymentCaptureFailed)
	require.True(t, ok)
	assert.Equal(t, "card declined", failed.Reason)
	assert.Equal(t, "billing.payment.failed", failed.RoutingKey())
}

func TestPayment_MarkFailed_TerminalStates(t *testing.T) {
	payment := succeededPayment(t, 999)
	assert.ErrorIs(t, payment.MarkFailed("late report"), ErrInvalidTransition)

	payment, err := NewPayment(uuid.New(), "pro", "monthly", eur(t, 999), "ORD-1", "")
	require.NoError(t, err)
	require.NoError(t, payment.MarkFailed("card declined"))
	assert.ErrorIs(t, payment.MarkFailed("again"), ErrInvalidTransition)
}

func TestPayment_MarkCancelled(t *testing.T) {
	payment, err := NewPayment(uuid.New(), "basic", "monthly", eur(t, 499), "ORD-1", "")
	require.NoError(t, err)
	payment.ClearDomainEvents()

	err = payment.MarkCancelled("abandoned checkout")

	require.NoError(t, err)
	assert.Equal(t, PaymentCancelled, payment.Status())
	assert.Equal(t, "abandoned checkout", payment.FailureReason())

	events := payment.DomainEvents()
	require.Len(t, events, 1)
	cancelled, ok := events[0].(*PaymentVoided)
	require.True(t, ok)
	assert.Equal(t, "abandoned checkout", cancelled.Reason)
	assert.Equal(t, "billing.payment.cancelled", cancelled.RoutingKey())
}

func TestPayment_MarkCancelled_OnlyFromPending(t *testing.T) {
	payment := succeededPayment(t, 999)
	assert.ErrorIs(t, payment.MarkCancelled("too late"), ErrInvalidTransition)
}

func TestPayment_Refund_Full(t *testing.T) {
	payment := succeededPayment(t, 999)
	refundedAt := time.Date(2024, 3, 20, 9, 0, 0, 0, time.UTC)

	err := payment.Refund(eur(t, 999), refundedAt)

	require.NoError(t, err)
	assert.Equal(t, PaymentRefunded, payment.Status())
	assert.Equal(t, int64(999), payment.RefundedAmount().Amount())

	events := payment.DomainEvents()
	require.Len(t, events, 1)
	refunded, ok := events[0].(*PaymentRefundIssued)
	require.True(t, ok)
	assert.True(t, refunded.Full)
	assert.Equal(t, int64(999), refunded.Amount)
	assert.Equal(t, int64(999), refunded.TotalRefunded)
	assert.Equal(t, refundedAt, refunded.RefundedAt)
	assert.Equal(t, "billing.payment.refunded", refunded.RoutingKey())
}

func TestPayment_Refund_PartialKeepsSucceeded(t *testing.T) {
	payment := succeededPayment(t, 1000)
	now := time.Date(2024, 3, 20, 9, 0, 0, 0, time.UTC)

	require.NoError(t, payment.Refund(eur(t, 300), now))

	assert.Equal(t, PaymentSucceeded, payment.Status())
	assert.Equal(t, int64(300), payment.RefundedAmount().Amount())

	events := payment.DomainEvents()
	require.Len(t, events, 1)
	refunded := events[0].(*PaymentRefundIssued)
	assert.False(t, refunded.Full)
	assert.Equal(t, int64(300), refunded.TotalRefunded)
}

func TestPayment_Refund_PartialsAccumulateToFull(t *testing.T) {
	payment := succeededPayment(t, 1000)
	now := time.Date(2024, 3, 20, 9, 0, 0, 0, time.UTC)

	require.NoError(t, payment.Refund(eur(t, 400), now))
	require.NoError(t, payment.Refund(eur(t, 600), now.AddDate(0, 0, 1)))

	assert.Equal(t, PaymentRefunded, payment.Status())
	assert.Equal(t, int64(1000), payment.RefundedAmount().Amount())

	events := payment.DomainEvents()
	require.Len(t, events, 2)
	assert.False(t, events[0].(*PaymentRefundIssued).Full)
	assert.True(t, events[1].(*PaymentRefundIssued).Full)
}

func TestPayment_Refund_RejectsExcess(t *testing.T) {
	payment := succeededPayment(t, 1000)
	now := time.Now()

	require.NoError(t, payment.Refund(eur(t, 700), now))
	err := payment.Refund(eur(t, 400), now)

	assert.ErrorIs(t, err, ErrInvalidRefundAmount)
	assert.Equal(t, int64(700), payment.RefundedAmount().Amount(), "excess attempt leaves the total untouched")
	assert.Equal(t, PaymentSucceeded, payment.Status())
}

func TestPayment_Refund_RejectsZeroAmount(t *testing.T) {
	payment := succeededPayment(t, 1000)
	err := payment.Refund(sharedDomain.MustMoney(0, "EUR"), time.Now())
	assert.ErrorIs(t, err, ErrInvalidRefundAmount)
}

func TestPayment_Refund_RejectsCurrencyMismatch(t *testing.T) {
	payment := succeededPayment(t, 1000)
	err := payment.Refund(sharedDomain.MustMoney(500, "USD"), time.Now())
	assert.ErrorIs(t, err, sharedDomain.ErrCurrencyMismatch)
}

func TestPayment_Refund_OnlyFromSucceeded(t *testing.T) {
	payment, err := NewPayment(uuid.New(), "pro", "monthly", eur(t, 999), "ORD-1", "")
	require.NoError(t, err)

	assert.ErrorIs(t, payment.Refund(eur(t, 999), time.Now()), ErrInvalidTransition)

	require.NoError(t, payment.MarkSucceeded("CAP-1", time.Now()))
	require.NoError(t, payment.Refund(eur(t, 999), time.Now()))
	assert.ErrorIs(t, payment.Refund(eur(t, 1), time.Now()), ErrInvalidTransition, "fully refunded is terminal")
}

func TestPayment_MarkDisputed(t *testing.T) {
	payment := succeededPayment(t, 999)
	disputedAt := time.Date(2024, 4, 2, 8, 0, 0, 0, time.UTC)

	err := payment.MarkDisputed("chargeback opened", disputedAt)

	require.NoError(t, err)
	assert.Equal(t, PaymentDisputed, payment.Status())
	assert.Equal(t, "chargeback opened", payment.FailureReason())

	events := payment.DomainEvents()
	require.Len(t, events, 1)
	disputed, ok := events[0].(*PaymentChargebackOpened)
	require.True(t, ok)
	assert.Equal(t, "CAP-1", disputed.CaptureRef)
	assert.Equal(t, disputedAt, disputed.DisputedAt)
	assert.Equal(t, "billing.payment.disputed", disputed.RoutingKey())
}

func TestPayment_MarkDisputed_OnlyFromSucceeded(t *testing.T) {
	payment, err := NewPayment(uuid.New(), "pro", "monthly", eur(t, 999), "ORD-1", "")
	require.NoError(t, err)

	assert.ErrorIs(t, payment.MarkDisputed("chargeback", time.Now()), ErrInvalidTransition)

	disputed := succeededPayment(t, 999)
	require.NoError(t, disputed.MarkDisputed("chargeback", time.Now()))
	assert.ErrorIs(t, disputed.Refund(eur(t, 999), time.Now()), ErrInvalidTransition, "disputed money is frozen")
}

func TestPaymentStatus_IsValid(t *testing.T) {
	for _, status := range []PaymentStatus{
		PaymentPending, PaymentSucceeded, PaymentFailed,
		PaymentCancelled, PaymentRefunded, PaymentDisputed,
	} {
		assert.True(t, status.IsValid(), status)
	}
	assert.False(t, PaymentStatus("settled").IsValid())
}

func TestPaymentStatus_IsTerminal(t *testing.T) {
	assert.False(t, PaymentPending.IsTerminal())
	assert.False(t, PaymentSucceeded.IsTerminal(), "captures can still be refunded or disputed")
	assert.True(t, PaymentFailed.IsTerminal())
	assert.True(t, PaymentCancelled.IsTerminal())
	assert.True(t, PaymentRefunded.IsTerminal())
	assert.True(t, PaymentDisputed.IsTerminal())
}

func TestRehydratePayment(t *testing.T) {
	id := uuid.New()
	userID := uuid.New()
	completedAt := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)
	createdAt := completedAt.Add(-time.Hour)

	payment := RehydratePayment(
		id, userID, "premium", "lifetime",
		eur(t, 24900), PaymentSucceeded,
		"ORD-1", "", "CAP-1",
		eur(t, 500), "", &completedAt,
		3, createdAt, completedAt,
	)

	assert.Equal(t, id, payment.ID())
	assert.Equal(t, userID, payment.UserID())
	assert.Equal(t, "premium", payment.Tier())
	assert.Equal(t, "lifetime", payment.Interval())
	assert.Equal(t, PaymentSucceeded, payment.Status())
	assert.Equal(t, int64(24900), payment.Amount().Amount())
	assert.Equal(t, int64(500), payment.RefundedAmount().Amount())
	assert.Equal(t, 3, payment.Version())
	assert.Equal(t, createdAt, payment.CreatedAt())
	assert.Empty(t, payment.DomainEvents(), "rehydration emits no events")

	require.NoError(t, payment.Refund(eur(t, 24400), completedAt.AddDate(0, 0, 1)))
	assert.Equal(t, PaymentRefunded, payment.Status(), "partials recorded before rehydration still count")
}
