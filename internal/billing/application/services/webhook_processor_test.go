package services

import (
	"errors"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/letterahq/lettera/internal/billing/domain"
	"github.com/letterahq/lettera/internal/billing/infrastructure/dedupe"
	"github.com/letterahq/lettera/internal/billing/infrastructure/gateway"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const webhookSecret = "whsec_test"

// webhookFixture signs deliveries the way the gateway would and feeds them to
// a processor backed by the resolver fixture.
type webhookFixture struct {
	*resolverFixture
	verifier  *gateway.Verifier
	dedupe    *mockDedupeCache
	processor *WebhookProcessor
}

func newWebhookFixture() *webhookFixture {
	f := &webhookFixture{
		resolverFixture: newResolverFixture(),
		verifier:        gateway.NewVerifier(webhookSecret, 5*time.Minute),
		dedupe:          new(mockDedupeCache),
	}
	f.processor = NewWebhookProcessor(f.verifier, f.dedupe, f.resolver, discardLogger())
	return f
}

func (f *webhookFixture) deliver(t *testing.T, body string) error {
	t.Helper()
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	signature := f.verifier.Sign(timestamp, []byte(body))
	return f.processor.Process(f.ctx, timestamp, signature, []byte(body))
}

func captureCompletedBody(eventID, orderRef, captureRef string) string {
	return fmt.Sprintf(`{"id":%q,"event_type":"payment.capture.completed","resource":{"order_id":%q,"capture_id":%q}}`, eventID, orderRef, captureRef)
}

func TestWebhookProcessor_RejectsTamperedSignature(t *testing.T) {
	f := newWebhookFixture()
	body := []byte(captureCompletedBody("WH-1", "ORD-1", "CAP-1"))
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)

	err := f.processor.Process(f.ctx, timestamp, f.verifier.Sign(timestamp, []byte("other body")), body)

	assert.ErrorIs(t, err, gateway.ErrInvalidSignature)
	f.dedupe.AssertNotCalled(t, "MarkSeen", mock.Anything, mock.Anything)
	f.uow.AssertNotCalled(t, "Begin", mock.Anything)
}

func TestWebhookProcessor_RejectsStaleDelivery(t *testing.T) {
	f := newWebhookFixture()
	body := []byte(captureCompletedBody("WH-1", "ORD-1", "CAP-1"))
	timestamp := strconv.FormatInt(time.Now().Add(-time.Hour).Unix(), 10)

	err := f.processor.Process(f.ctx, timestamp, f.verifier.Sign(timestamp, body), body)

	assert.ErrorIs(t, err, gateway.ErrStaleWebhook)
	f.uow.AssertNotCalled(t, "Begin", mock.Anything)
}

func TestWebhookProcessor_MalformedBodyIsPermanent(t *testing.T) {
	f := newWebhookFixture()

	err := f.deliver(t, `{"id":"WH-1","event_type":`)

	assert.ErrorIs(t, err, ErrMalformedWebhook)
	f.dedupe.AssertNotCalled(t, "MarkSeen", mock.Anything, mock.Anything)
}

func TestWebhookProcessor_MissingEnvelopeFieldsArePermanent(t *testing.T) {
	f := newWebhookFixture()

	err := f.deliver(t, `{"resource":{"order_id":"ORD-1"}}`)

	assert.ErrorIs(t, err, ErrMalformedWebhook)
}

func TestWebhookProcessor_DispatchesCaptureCompleted(t *testing.T) {
	f := newWebhookFixture()
	userID := uuid.New()
	payment := orderPayment(t, userID)

	f.dedupe.On("MarkSeen", f.ctx, "WH-1").Return(true, nil)
	f.expectCommit()
	f.payments.On("FindByOrderRef", f.txCtx, "ORD-1").Return(payment, nil)
	f.payments.On("Save", f.txCtx, payment).Return(nil)
	f.outboxRepo.On("SaveBatch", f.txCtx, mock.MatchedBy(oneMessage)).Return(nil)
	f.activator.On("Handle", f.txCtx, mock.Anything).Return(nil, nil)

	err := f.deliver(t, captureCompletedBody("WH-1", "ORD-1", "CAP-1"))

	require.NoError(t, err)
	assert.Equal(t, domain.PaymentSucceeded, payment.Status())
	assert.Equal(t, "CAP-1", payment.CaptureRef())
	f.dedupe.AssertExpectations(t)
	f.assertExpectations(t)
}

func TestWebhookProcessor_DispatchesCaptureFailed(t *testing.T) {
	f := newWebhookFixture()
	userID := uuid.New()
	payment := orderPayment(t, userID)

	f.dedupe.On("MarkSeen", f.ctx, "WH-2").Return(true, nil)
	f.expectCommit()
	f.payments.On("FindByOrderRef", f.txCtx, "ORD-1").Return(payment, nil)
	f.payments.On("Save", f.txCtx, payment).Return(nil)
	f.outboxRepo.On("SaveBatch", f.txCtx, mock.MatchedBy(oneMessage)).Return(nil)

	body := `{"id":"WH-2","event_type":"payment.capture.failed","resource":{"order_id":"ORD-1","reason":"insufficient funds"}}`
	err := f.deliver(t, body)

	require.NoError(t, err)
	assert.Equal(t, domain.PaymentFailed, payment.Status())
	assert.Equal(t, "insufficient funds", payment.FailureReason())
	f.assertExpectations(t)
}

func TestWebhookProcessor_DispatchesSubscriptionCancelled(t *testing.T) {
	f := newWebhookFixture()
	sub := activeAgreementSubscription(t, uuid.New())

	f.dedupe.On("MarkSeen", f.ctx, "WH-3").Return(true, nil)
	f.expectCommit()
	f.subs.On("FindBySubscriptionRef", f.txCtx, "SUB-1").Return(sub, nil)
	f.subs.On("Save", f.txCtx, sub).Return(nil)
	f.outboxRepo.On("SaveBatch", f.txCtx, mock.MatchedBy(oneMessage)).Return(nil)

	body := `{"id":"WH-3","event_type":"subscription.cancelled","resource":{"subscription_id":"SUB-1","reason":"cancelled by buyer"}}`
	err := f.deliver(t, body)

	require.NoError(t, err)
	assert.True(t, sub.CancelAtPeriodEnd())
	f.assertExpectations(t)
}

func TestWebhookProcessor_DispatchesDisputeCreated(t *testing.T) {
	f := newWebhookFixture()
	payment := succeededPayment(t, uuid.New())

	f.dedupe.On("MarkSeen", f.ctx, "WH-4").Return(true, nil)
	f.expectCommit()
	f.payments.On("FindByOrderRef", f.txCtx, "ORD-1").Return(payment, nil)
	f.payments.On("Save", f.txCtx, payment).Return(nil)
	f.outboxRepo.On("SaveBatch", f.txCtx, mock.MatchedBy(oneMessage)).Return(nil)

	body := `{"id":"WH-4","event_type":"payment.dispute.created","resource":{"order_id":"ORD-1","reason":"item not received"}}`
	err := f.deliver(t, body)

	require.NoError(t, err)
	assert.Equal(t, domain.PaymentDisputed, payment.Status())
	f.assertExpectations(t)
}

func TestWebhookProcessor_RejectsEmptyGatewayRefs(t *testing.T) {
	// Stored payments default the unused ref column to '', so a resource
	// with an empty ref must never reach a lookup: it would settle a row
	// from the other checkout flow.
	cases := []struct {
		name string
		body string
	}{
		{
			name: "capture completed without order_id",
			body: `{"id":"WH-1","event_type":"payment.capture.completed","resource":{"capture_id":"CAP-1"}}`,
		},
		{
			name: "capture failed without order_id",
			body: `{"id":"WH-2","event_type":"payment.capture.failed","resource":{"reason":"declined"}}`,
		},
		{
			name: "subscription activated without subscription_id",
			body: `{"id":"WH-3","event_type":"subscription.activated","resource":{"capture_id":"CAP-1"}}`,
		},
		{
			name: "subscription cancelled without subscription_id",
			body: `{"id":"WH-4","event_type":"subscription.cancelled","resource":{"reason":"buyer"}}`,
		},
		{
			name: "dispute created without order_id",
			body: `{"id":"WH-5","event_type":"payment.dispute.created","resource":{"reason":"fraud"}}`,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newWebhookFixture()
			f.dedupe.On("MarkSeen", f.ctx, mock.Anything).Return(true, nil)
			f.dedupe.On("Forget", f.ctx, mock.Anything).Return(nil)

			err := f.deliver(t, tc.body)

			assert.ErrorIs(t, err, ErrMalformedWebhook)
			f.uow.AssertNotCalled(t, "Begin", mock.Anything)
			f.payments.AssertNotCalled(t, "FindByOrderRef", mock.Anything, mock.Anything)
			f.payments.AssertNotCalled(t, "FindBySubscriptionRef", mock.Anything, mock.Anything)
		})
	}
}

func TestWebhookProcessor_TransientFailureReleasesDedupeEntry(t *testing.T) {
	f := newWebhookFixture()

	f.dedupe.On("MarkSeen", f.ctx, "WH-1").Return(true, nil)
	f.dedupe.On("Forget", f.ctx, "WH-1").Return(nil)
	f.uow.On("Begin", f.ctx).Return(f.ctx, errors.New("database down"))

	err := f.deliver(t, captureCompletedBody("WH-1", "ORD-1", "CAP-1"))

	require.Error(t, err)
	f.dedupe.AssertExpectations(t)
}

func TestWebhookProcessor_RetryAfterTransientFailureReachesResolver(t *testing.T) {
	// A real cache, a unit of work failing once: the redelivery must get
	// through instead of being swallowed by the dedupe entry.
	f := &webhookFixture{
		resolverFixture: newResolverFixture(),
		verifier:        gateway.NewVerifier(webhookSecret, 5*time.Minute),
	}
	cache := dedupe.NewMemoryCache(time.Hour)
	f.processor = NewWebhookProcessor(f.verifier, cache, f.resolver, discardLogger())

	payment := orderPayment(t, uuid.New())

	f.uow.On("Begin", f.ctx).Return(f.ctx, errors.New("database down")).Once()
	f.expectCommit()
	f.payments.On("FindByOrderRef", f.txCtx, "ORD-1").Return(payment, nil)
	f.payments.On("Save", f.txCtx, payment).Return(nil)
	f.outboxRepo.On("SaveBatch", f.txCtx, mock.MatchedBy(oneMessage)).Return(nil)
	f.activator.On("Handle", f.txCtx, mock.Anything).Return(nil, nil)

	body := captureCompletedBody("WH-1", "ORD-1", "CAP-1")
	require.Error(t, f.deliver(t, body), "first delivery fails on the broken unit of work")

	require.NoError(t, f.deliver(t, body))
	assert.Equal(t, domain.PaymentSucceeded, payment.Status())
	f.assertExpectations(t)
}

func TestWebhookProcessor_SuppressesDuplicateDeliveries(t *testing.T) {
	f := newWebhookFixture()

	f.dedupe.On("MarkSeen", f.ctx, "WH-1").Return(false, nil)

	err := f.deliver(t, captureCompletedBody("WH-1", "ORD-1", "CAP-1"))

	require.NoError(t, err)
	f.uow.AssertNotCalled(t, "Begin", mock.Anything)
	f.dedupe.AssertExpectations(t)
}

func TestWebhookProcessor_CacheOutageFallsBackToStateChecks(t *testing.T) {
	f := newWebhookFixture()
	payment := succeededPayment(t, uuid.New())

	f.dedupe.On("MarkSeen", f.ctx, "WH-1").Return(false, errors.New("redis down"))
	f.expectCommit()
	f.payments.On("FindByOrderRef", f.txCtx, "ORD-1").Return(payment, nil)

	err := f.deliver(t, captureCompletedBody("WH-1", "ORD-1", "CAP-1"))

	require.NoError(t, err)
	f.payments.AssertNotCalled(t, "Save", mock.Anything, mock.Anything)
	f.assertExpectations(t)
}

func TestWebhookProcessor_AcknowledgesUnknownEventTypes(t *testing.T) {
	f := newWebhookFixture()

	f.dedupe.On("MarkSeen", f.ctx, "WH-9").Return(true, nil)

	err := f.deliver(t, `{"id":"WH-9","event_type":"payout.batch.settled","resource":{}}`)

	require.NoError(t, err)
	f.uow.AssertNotCalled(t, "Begin", mock.Anything)
}

func TestWebhookProcessor_SubscriptionActivatedParsesPeriodEnd(t *testing.T) {
	f := newWebhookFixture()
	userID := uuid.New()
	payment := agreementPayment(t, userID)
	periodEnd := time.Now().UTC().AddDate(0, 1, 0).Truncate(time.Second)

	f.dedupe.On("MarkSeen", f.ctx, "WH-5").Return(true, nil)
	f.expectCommit()
	f.payments.On("FindBySubscriptionRef", f.txCtx, "SUB-1").Return(payment, nil)
	f.subs.On("FindBySubscriptionRef", f.txCtx, "SUB-1").Return(nil, nil)
	f.payments.On("Save", f.txCtx, payment).Return(nil)
	f.outboxRepo.On("SaveBatch", f.txCtx, mock.MatchedBy(oneMessage)).Return(nil)
	f.activator.On("Handle", f.txCtx, mock.Anything).Return(nil, nil)

	body := fmt.Sprintf(
		`{"id":"WH-5","event_type":"subscription.activated","resource":{"subscription_id":"SUB-1","period_end":%q,"capture_id":"CAP-1"}}`,
		periodEnd.Format(time.RFC3339),
	)
	err := f.deliver(t, body)

	require.NoError(t, err)
	assert.Equal(t, domain.PaymentSucceeded, payment.Status())
	f.assertExpectations(t)
}
