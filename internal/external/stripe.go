package external

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"screenpact/internal/types"

	stripe "github.com/stripe/stripe-go/v82"
)

// stripeAPIBase is the default Stripe API base URL.
// Overridable in tests via StripeClientConfig.BaseURL.
const stripeAPIBase = "https://api.stripe.com"

// StripeClientConfig holds the configuration for creating a StripeClient.
type StripeClientConfig struct {
	SecretKey string
	BaseURL   string // Override for testing; defaults to stripeAPIBase
	Logger    *slog.Logger
}

// ChargeRequest describes one off-session settlement charge. The idempotency
// key makes transport retries and whole-run retries safe: Stripe deduplicates
// on it, so a charge attempt that times out after succeeding cannot double
// bill when replayed.
type ChargeRequest struct {
	CustomerID      string
	PaymentMethodID string // empty uses the customer's default payment method
	AmountCents     int64
	Currency        string
	IdempotencyKey  string
	UserID          string
	CommitmentID    string
	WeekKey         string
	ChargeType      types.ChargeType
}

// RefundRequest describes a partial or full refund of a prior charge.
type RefundRequest struct {
	PaymentIntentID string
	AmountCents     int64
	IdempotencyKey  string
	UserID          string
	WeekKey         string
	Reason          string
}

// ChargeResult is the processor's view of a completed transaction.
type ChargeResult struct {
	TxnID       string
	AmountCents int64
	Status      string
}

// StripeClient talks to the Stripe REST API directly through BaseClient, so
// every call inherits the circuit breaker, retry, and error-mapping behavior,
// and tests can point it at an httptest server.
type StripeClient struct {
	base      *BaseClient
	secretKey string
	baseURL   string
	logger    *slog.Logger
}

// NewStripeClient creates a new StripeClient. The httpClient timeout should
// match Billing.ChargeTimeout from configuration.
func NewStripeClient(httpClient *http.Client, cfg StripeClientConfig) *StripeClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = stripeAPIBase
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	base := NewBaseClient(
		httpClient,
		"stripe",
		RetryPolicy{
			MaxRetries: 2,
			MinWait:    500 * time.Millisecond,
			MaxWait:    5 * time.Second,
		},
		"ScreenPact/1.0",
		WithSleepFunc(time.Sleep),
	)

	return &StripeClient{
		base:      base,
		secretKey: cfg.SecretKey,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		logger:    logger,
	}
}

// NewStripeClientWithBase creates a StripeClient with a pre-configured
// BaseClient. Useful for tests that want to control retry behavior.
func NewStripeClientWithBase(base *BaseClient, cfg StripeClientConfig) *StripeClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = stripeAPIBase
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &StripeClient{
		base:      base,
		secretKey: cfg.SecretKey,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		logger:    logger,
	}
}

// CreateCharge creates and confirms an off-session PaymentIntent against the
// user's saved payment method. The customer is never present at settlement
// time, so confirm and off_session are always set.
func (s *StripeClient) CreateCharge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	params := url.Values{}
	params.Set("amount", strconv.FormatInt(req.AmountCents, 10))
	params.Set("currency", req.Currency)
	params.Set("customer", req.CustomerID)
	params.Set("confirm", "true")
	params.Set("off_session", "true")
	if req.PaymentMethodID != "" {
		params.Set("payment_method", req.PaymentMethodID)
	}
	params.Set("metadata[user_id]", req.UserID)
	params.Set("metadata[commitment_id]", req.CommitmentID)
	params.Set("metadata[week_key]", req.WeekKey)
	params.Set("metadata[charge_type]", string(req.ChargeType))

	resp, err := s.doPost(ctx, "/v1/payment_intents", params, req.IdempotencyKey)
	if err != nil {
		return nil, s.wrapStripeError("CreateCharge", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, s.handleErrorResponse(resp, "CreateCharge")
	}

	var intent stripePaymentIntent
	if err := json.NewDecoder(resp.Body).Decode(&intent); err != nil {
		return nil, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Stripe payment intent response",
			err,
		)
	}

	if intent.Status != "succeeded" {
		return nil, types.NewAppErrorWithDetails(
			types.ErrCodePaymentDeclined,
			fmt.Sprintf("CreateCharge: payment intent %s finished in status %s", intent.ID, intent.Status),
			nil,
			map[string]any{"intent_id": intent.ID, "intent_status": intent.Status},
		)
	}

	return &ChargeResult{
		TxnID:       intent.ID,
		AmountCents: intent.Amount,
		Status:      intent.Status,
	}, nil
}

// CreateRefund refunds part or all of a prior charge, identified by the
// payment intent recorded in the ledger.
func (s *StripeClient) CreateRefund(ctx context.Context, req RefundRequest) (*ChargeResult, error) {
	params := url.Values{}
	params.Set("payment_intent", req.PaymentIntentID)
	params.Set("amount", strconv.FormatInt(req.AmountCents, 10))
	params.Set("metadata[user_id]", req.UserID)
	params.Set("metadata[week_key]", req.WeekKey)
	if req.Reason != "" {
		params.Set("metadata[reason]", req.Reason)
	}

	resp, err := s.doPost(ctx, "/v1/refunds", params, req.IdempotencyKey)
	if err != nil {
		return nil, s.wrapStripeError("CreateRefund", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, s.handleErrorResponse(resp, "CreateRefund")
	}

	var refund stripeRefund
	if err := json.NewDecoder(resp.Body).Decode(&refund); err != nil {
		return nil, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Stripe refund response",
			err,
		)
	}

	return &ChargeResult{
		TxnID:       refund.ID,
		AmountCents: refund.Amount,
		Status:      refund.Status,
	}, nil
}

// ---------------------------------------------------------------------------
// HTTP Helpers
// ---------------------------------------------------------------------------

// doPost performs an authenticated POST to the Stripe API with a
// form-encoded body and an Idempotency-Key header.
func (s *StripeClient) doPost(ctx context.Context, path string, params url.Values, idempotencyKey string) (*http.Response, error) {
	reqURL := s.baseURL + path
	body := params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, strings.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	s.setAuthHeaders(req)

	return s.base.Do(req)
}

// setAuthHeaders sets the Stripe API authentication and version headers.
func (s *StripeClient) setAuthHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+s.secretKey)
	req.Header.Set("Stripe-Version", stripe.APIVersion)
}

// ---------------------------------------------------------------------------
// Error Handling
// ---------------------------------------------------------------------------

// stripeErrorResponse represents the JSON error body returned by the Stripe API.
type stripeErrorResponse struct {
	Error stripeErrorBody `json:"error"`
}

type stripeErrorBody struct {
	Type        string `json:"type"`
	Code        string `json:"code"`
	DeclineCode string `json:"decline_code"`
	Message     string `json:"message"`
	Param       string `json:"param"`
	DocURL      string `json:"doc_url"`
}

// handleErrorResponse reads a Stripe error response and maps it to a types.AppError.
func (s *StripeClient) handleErrorResponse(resp *http.Response, operation string) error {
	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return types.NewAppError(
			types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe returned status %d and response body was unreadable", operation, resp.StatusCode),
			readErr,
		)
	}

	var stripeErr stripeErrorResponse
	if jsonErr := json.Unmarshal(body, &stripeErr); jsonErr != nil {
		return types.NewAppError(
			types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe returned status %d with non-JSON body", operation, resp.StatusCode),
			jsonErr,
		)
	}

	return s.mapStripeError(operation, resp.StatusCode, &stripeErr.Error)
}

// mapStripeError translates a Stripe error into a types.AppError.
func (s *StripeClient) mapStripeError(operation string, statusCode int, stripeErr *stripeErrorBody) error {
	// Below-minimum amounts are a domain condition, not a decline.
	if stripeErr.Code == "amount_too_small" {
		return types.NewAppErrorWithDetails(
			types.ErrCodePaymentBelowMinimum,
			fmt.Sprintf("%s: amount below processor minimum: %s", operation, stripeErr.Message),
			nil,
			map[string]any{"stripe_code": stripeErr.Code},
		)
	}

	if stripeErr.Code == "card_declined" || stripeErr.DeclineCode != "" {
		return types.NewAppErrorWithDetails(
			types.ErrCodePaymentDeclined,
			fmt.Sprintf("%s: payment declined: %s", operation, stripeErr.Message),
			nil,
			map[string]any{
				"decline_code": stripeErr.DeclineCode,
				"stripe_code":  stripeErr.Code,
			},
		)
	}

	switch {
	case statusCode == http.StatusTooManyRequests:
		return types.NewAppError(
			types.ErrCodeUpstreamRateLimited,
			fmt.Sprintf("%s: Stripe rate limit exceeded", operation),
			nil,
		)
	case statusCode >= 500:
		return types.NewAppError(
			types.ErrCodeUpstreamUnavailable,
			fmt.Sprintf("%s: Stripe server error: %s", operation, stripeErr.Message),
			nil,
		)
	default:
		return types.NewAppError(
			types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe error (%d): %s", operation, statusCode, stripeErr.Message),
			nil,
		)
	}
}

// wrapStripeError wraps a BaseClient transport error with operation context.
func (s *StripeClient) wrapStripeError(operation string, err error) error {
	// BaseClient errors already carry the right upstream code.
	if _, ok := err.(*types.AppError); ok {
		return err
	}
	return types.NewAppError(
		types.ErrCodeUpstreamStripe,
		fmt.Sprintf("%s: Stripe request failed: %v", operation, err),
		err,
	)
}

// ---------------------------------------------------------------------------
// Stripe Response Types
// ---------------------------------------------------------------------------

type stripePaymentIntent struct {
	ID       string            `json:"id"`
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Status   string            `json:"status"`
	Metadata map[string]string `json:"metadata"`
}

type stripeRefund struct {
	ID            string `json:"id"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
	Status        string `json:"status"`
	PaymentIntent string `json:"payment_intent"`
}

// ---------------------------------------------------------------------------
// Webhook Verification
// ---------------------------------------------------------------------------

// StripeVerifier validates webhook payloads using stripe-go's HMAC-SHA256
// signature check with timestamp tolerance.
type StripeVerifier struct{}

// Verify validates a Stripe webhook payload against the signature header and
// signing secret.
func (v *StripeVerifier) Verify(payload []byte, header string, secret string) error {
	return stripe.ValidatePayload(payload, header, secret)
}
