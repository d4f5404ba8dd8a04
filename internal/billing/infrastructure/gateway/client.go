// Package gateway implements the payment gateway REST client used for
// checkout, capture, cancellation and reconciliation queries.
package gateway

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

	sharedDomain "github.com/letterahq/lettera/internal/shared/domain"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// Gateway resource statuses relevant to capture and reconciliation.
const (
	OrderStatusCreated   = "CREATED"
	OrderStatusApproved  = "APPROVED"
	OrderStatusCompleted = "COMPLETED"
	OrderStatusVoided    = "VOIDED"

	SubscriptionStatusApprovalPending = "APPROVAL_PENDING"
	SubscriptionStatusActive          = "ACTIVE"
	SubscriptionStatusSuspended       = "SUSPENDED"
	SubscriptionStatusCancelled       = "CANCELLED"
	SubscriptionStatusExpired         = "EXPIRED"
)

var (
	// ErrUnavailable is returned while the circuit breaker holds calls off
	// the gateway.
	ErrUnavailable = errors.New("payment gateway unavailable")

	// ErrPlanNotConfigured is returned when no gateway billing plan is
	// mapped for a tier and interval.
	ErrPlanNotConfigured = errors.New("no gateway plan configured")
)

// Error is a call the gateway rejected. The HTTP adapter maps it to 502.
type Error struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("gateway rejected request (%d %s): %s", e.StatusCode, e.Code, e.Message)
}

// CheckoutKind distinguishes the two gateway checkout resources.
type CheckoutKind string

const (
	OneTimeOrder          CheckoutKind = "order"
	RecurringSubscription CheckoutKind = "subscription"
)

// CheckoutSession is the normalized result of starting a checkout: the
// gateway resource reference plus the URL the buyer approves the charge on.
type CheckoutSession struct {
	Kind        CheckoutKind
	Ref         string
	ApprovalURL string
}

// Order is the gateway's view of a one-time order.
type Order struct {
	Ref        string
	Status     string
	CaptureRef string
}

// Subscription is the gateway's view of a recurring subscription.
type Subscription struct {
	Ref           string
	Status        string
	NextBillingAt *time.Time
}

// Config configures the gateway client.
type Config struct {
	BaseURL      string
	ClientID     string
	ClientSecret string

	// TokenURL overrides the default BaseURL + "/v1/oauth2/token".
	TokenURL string

	// Timeout bounds every gateway call. A timed-out checkout stays pending
	// locally and is resolved by reconciliation, never marked failed.
	Timeout time.Duration

	// PlanRefs maps "tier/interval" to the gateway billing plan reference.
	PlanRefs map[string]string

	BrandName string
	ReturnURL string
	CancelURL string

	// FailureThreshold is the consecutive-failure count that opens the
	// circuit breaker. Zero means the default of 5.
	FailureThreshold uint32
}

// Client calls the payment gateway REST API. Every call authenticates with a
// client-credentials token, carries a timeout and runs through a shared
// circuit breaker.
type Client struct {
	httpClient *http.Client
	baseURL    string
	plans      map[string]string
	brandName  string
	returnURL  string
	cancelURL  string
	timeout    time.Duration
	breaker    *gobreaker.CircuitBreaker[[]byte]
	logger     *slog.Logger
}

// NewClient creates a gateway client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		tokenURL = strings.TrimSuffix(cfg.BaseURL, "/") + "/v1/oauth2/token"
	}

	credentials := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     tokenURL,
	}

	breaker := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "payment-gateway",
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
			// Rejections of our own requests must not poison the breaker.
			var gwErr *Error
			return errors.As(err, &gwErr) && gwErr.StatusCode < http.StatusInternalServerError
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("gateway circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})

	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &oauthTransport{
				base:   http.DefaultTransport,
				source: credentials.TokenSource(context.Background()),
			},
		},
		baseURL:   strings.TrimSuffix(cfg.BaseURL, "/"),
		plans:     cfg.PlanRefs,
		brandName: cfg.BrandName,
		returnURL: cfg.ReturnURL,
		cancelURL: cfg.CancelURL,
		timeout:   cfg.Timeout,
		breaker:   breaker,
		logger:    logger,
	}
}

// CreateOrder starts a one-time checkout for the given amount. The returned
// session carries the approval URL to redirect the buyer to.
func (c *Client) CreateOrder(ctx context.Context, amount sharedDomain.Money, description string) (*CheckoutSession, error) {
	request := createOrderRequest{
		Intent: "CAPTURE",
		PurchaseUnits: []purchaseUnitInput{{
			Description: description,
			Amount: amountPayload{
				CurrencyCode: amount.Currency(),
				Value:        decimalValue(amount),
			},
		}},
		ApplicationContext: c.applicationContext(),
	}

	body, err := c.do(ctx, http.MethodPost, "/v2/checkout/orders", request)
	if err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}

	var resp checkoutResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse create order response: %w", err)
	}
	if resp.ID == "" {
		return nil, fmt.Errorf("create order: response carries no order reference")
	}

	return &CheckoutSession{Kind: OneTimeOrder, Ref: resp.ID, ApprovalURL: approvalLink(resp.Links)}, nil
}

// CreateSubscription starts a recurring checkout on the gateway billing plan
// mapped for the tier and interval.
func (c *Client) CreateSubscription(ctx context.Context, tier, interval string) (*CheckoutSession, error) {
	planRef := c.plans[tier+"/"+interval]
	if planRef == "" {
		return nil, fmt.Errorf("%w for %s/%s", ErrPlanNotConfigured, tier, interval)
	}

	request := createSubscriptionRequest{
		PlanID:             planRef,
		ApplicationContext: c.applicationContext(),
	}

	body, err := c.do(ctx, http.MethodPost, "/v1/billing/subscriptions", request)
	if err != nil {
		return nil, fmt.Errorf("create subscription: %w", err)
	}

	var resp checkoutResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse create subscription response: %w", err)
	}
	if resp.ID == "" {
		return nil, fmt.Errorf("create subscription: response carries no subscription reference")
	}

	return &CheckoutSession{Kind: RecurringSubscription, Ref: resp.ID, ApprovalURL: approvalLink(resp.Links)}, nil
}

// CaptureOrder captures an approved order and returns the capture reference.
// The gateway must report the order COMPLETED; anything else is an Error and
// the payment stays pending for reconciliation to retry.
func (c *Client) CaptureOrder(ctx context.Context, orderRef string) (string, error) {
	body, err := c.do(ctx, http.MethodPost, "/v2/checkout/orders/"+orderRef+"/capture", struct{}{})
	if err != nil {
		return "", fmt.Errorf("capture order %s: %w", orderRef, err)
	}

	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("parse capture response: %w", err)
	}
	if resp.Status != OrderStatusCompleted {
		return "", &Error{
			StatusCode: http.StatusOK,
			Code:       "ORDER_NOT_COMPLETED",
			Message:    fmt.Sprintf("capture of %s left order in status %s", orderRef, resp.Status),
		}
	}

	if ref := resp.captureRef(); ref != "" {
		return ref, nil
	}
	return resp.ID, nil
}

// CancelSubscription cancels the gateway subscription. Callers treat this as
// best-effort: local state is already authoritative when it runs.
func (c *Client) CancelSubscription(ctx context.Context, subscriptionRef, reason string) error {
	payload := struct {
		Reason string `json:"reason,omitempty"`
	}{Reason: reason}

	if _, err := c.do(ctx, http.MethodPost, "/v1/billing/subscriptions/"+subscriptionRef+"/cancel", payload); err != nil {
		return fmt.Errorf("cancel subscription %s: %w", subscriptionRef, err)
	}
	return nil
}

// RefundCapture returns part or all of a captured amount to the buyer and
// returns the refund reference.
func (c *Client) RefundCapture(ctx context.Context, captureRef string, amount sharedDomain.Money, reason string) (string, error) {
	payload := refundRequest{
		Amount: amountPayload{
			CurrencyCode: amount.Currency(),
			Value:        decimalValue(amount),
		},
		NoteToPayer: reason,
	}

	body, err := c.do(ctx, http.MethodPost, "/v2/payments/captures/"+captureRef+"/refund", payload)
	if err != nil {
		return "", fmt.Errorf("refund capture %s: %w", captureRef, err)
	}

	var resp refundResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("parse refund response: %w", err)
	}
	if resp.ID == "" {
		return "", fmt.Errorf("refund capture %s: response carries no refund reference", captureRef)
	}

	return resp.ID, nil
}

// GetOrder fetches the current state of an order for reconciliation.
func (c *Client) GetOrder(ctx context.Context, orderRef string) (*Order, error) {
	body, err := c.do(ctx, http.MethodGet, "/v2/checkout/orders/"+orderRef, nil)
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", orderRef, err)
	}

	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse order response: %w", err)
	}

	return &Order{Ref: resp.ID, Status: resp.Status, CaptureRef: resp.captureRef()}, nil
}

// GetSubscription fetches the current state of a subscription for
// reconciliation.
func (c *Client) GetSubscription(ctx context.Context, subscriptionRef string) (*Subscription, error) {
	body, err := c.do(ctx, http.MethodGet, "/v1/billing/subscriptions/"+subscriptionRef, nil)
	if err != nil {
		return nil, fmt.Errorf("get subscription %s: %w", subscriptionRef, err)
	}

	var resp subscriptionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse subscription response: %w", err)
	}

	sub := &Subscription{Ref: resp.ID, Status: resp.Status}
	if resp.BillingInfo.NextBillingTime != "" {
		if t, err := time.Parse(time.RFC3339, resp.BillingInfo.NextBillingTime); err == nil {
			sub.NextBillingAt = &t
		}
	}
	return sub, nil
}

// do runs one gateway call through the circuit breaker. Responses with status
// >= 400 become *Error; only transport failures and 5xx trip the breaker.
func (c *Client) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
	body, err := c.breaker.Execute(func() ([]byte, error) {
		return c.roundTrip(ctx, method, path, payload)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return body, err
}

func (c *Client) roundTrip(ctx context.Context, method, path string, payload any) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reqBody io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read gateway response: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, newError(resp.StatusCode, body)
	}

	return body, nil
}

func newError(status int, body []byte) *Error {
	var payload struct {
		Name    string `json:"name"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(body, &payload)
	if payload.Name == "" {
		payload.Name = http.StatusText(status)
	}
	return &Error{StatusCode: status, Code: payload.Name, Message: payload.Message}
}

func (c *Client) applicationContext() applicationContext {
	return applicationContext{
		BrandName: c.brandName,
		ReturnURL: c.returnURL,
		CancelURL: c.cancelURL,
	}
}

// decimalValue renders minor units as the gateway's decimal string,
// e.g. 999 EUR -> "9.99".
func decimalValue(m sharedDomain.Money) string {
	return fmt.Sprintf("%d.%02d", m.Amount()/100, m.Amount()%100)
}

func approvalLink(links []link) string {
	for _, l := range links {
		if l.Rel == "approve" {
			return l.Href
		}
	}
	return ""
}

type applicationContext struct {
	BrandName string `json:"brand_name,omitempty"`
	ReturnURL string `json:"return_url,omitempty"`
	CancelURL string `json:"cancel_url,omitempty"`
}

type amountPayload struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

type purchaseUnitInput struct {
	Description string        `json:"description,omitempty"`
	Amount      amountPayload `json:"amount"`
}

type createOrderRequest struct {
	Intent             string              `json:"intent"`
	PurchaseUnits      []purchaseUnitInput `json:"purchase_units"`
	ApplicationContext applicationContext  `json:"application_context"`
}

type createSubscriptionRequest struct {
	PlanID             string             `json:"plan_id"`
	ApplicationContext applicationContext `json:"application_context"`
}

type refundRequest struct {
	Amount      amountPayload `json:"amount"`
	NoteToPayer string        `json:"note_to_payer,omitempty"`
}

type refundResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type link struct {
	Href string `json:"href"`
	Rel  string `json:"rel"`
}

type checkoutResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Links  []link `json:"links"`
}

type orderResponse struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	PurchaseUnits []struct {
		Payments struct {
			Captures []struct {
				ID     string `json:"id"`
				Status string `json:"status"`
			} `json:"captures"`
		} `json:"payments"`
	} `json:"purchase_units"`
}

func (r orderResponse) captureRef() string {
	for _, unit := range r.PurchaseUnits {
		for _, capture := range unit.Payments.Captures {
			if capture.ID != "" {
				return capture.ID
			}
		}
	}
	return ""
}

type subscriptionResponse struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	BillingInfo struct {
		NextBillingTime string `json:"next_billing_time"`
	} `json:"billing_info"`
}

type oauthTransport struct {
	base   http.RoundTripper
	source oauth2.TokenSource
}

func (t *oauthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	token, err := t.source.Token()
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)
	return t.base.RoundTrip(req)
}
