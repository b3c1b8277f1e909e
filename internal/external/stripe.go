package external

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	stripe "github.com/stripe/stripe-go/v82"

	"billingsync/internal/types"
)

const stripeAPIBase = "https://api.stripe.com"

// MetadataUserID is the metadata key binding gateway objects to internal users.
const MetadataUserID = "user_id"

// MetadataTier is the metadata key carrying the intended tier on a checkout session.
const MetadataTier = "tier"

// StripeClientConfig holds the configuration for creating a StripeClient.
type StripeClientConfig struct {
	SecretKey types.SecretString
	BaseURL   string // defaults to stripeAPIBase
	Logger    *slog.Logger
}

// CheckoutRequest describes a hosted subscription checkout session.
type CheckoutRequest struct {
	CustomerID string
	UserID     string
	Tier       types.Tier
	PriceID    string
	SuccessURL string
	CancelURL  string
}

// StripeClient talks to the Stripe REST API through BaseClient using
// form-encoded requests.
type StripeClient struct {
	base      *BaseClient
	secretKey types.SecretString
	baseURL   string
	logger    *slog.Logger
}

// NewStripeClient creates a StripeClient that performs a single attempt per
// call. Failures are returned to the caller without internal retry.
func NewStripeClient(httpClient *http.Client, cfg StripeClientConfig) *StripeClient {
	base := NewBaseClient(httpClient, "stripe", "billingsync/1.0")
	return NewStripeClientWithBase(base, cfg)
}

// NewStripeClientWithBase creates a StripeClient with a pre-configured BaseClient.
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

// ---------------------------------------------------------------------------
// Customers
// ---------------------------------------------------------------------------

// FindCustomersByEmail lists gateway customers whose email matches exactly.
func (s *StripeClient) FindCustomersByEmail(ctx context.Context, email string) ([]types.CustomerRecord, error) {
	params := url.Values{}
	params.Set("email", email)
	params.Set("limit", "10")

	var list stripeCustomerList
	if err := s.call(ctx, http.MethodGet, "/v1/customers", params, "", "FindCustomersByEmail", &list); err != nil {
		return nil, err
	}

	out := make([]types.CustomerRecord, 0, len(list.Data))
	for _, c := range list.Data {
		if c.Deleted {
			continue
		}
		out = append(out, types.CustomerRecord{ID: c.ID, Email: c.Email, Metadata: c.Metadata})
	}
	return out, nil
}

// CreateCustomer creates a gateway customer tagged with the internal user id.
// The idempotency key is derived from the user id so concurrent first-time
// resolutions for the same user collapse to one customer on the gateway side.
func (s *StripeClient) CreateCustomer(ctx context.Context, userID, email string) (string, error) {
	params := url.Values{}
	if email != "" {
		params.Set("email", email)
	}
	params.Set("metadata["+MetadataUserID+"]", userID)

	var customer stripeCustomer
	if err := s.call(ctx, http.MethodPost, "/v1/customers", params, "customer-"+userID, "CreateCustomer", &customer); err != nil {
		return "", err
	}
	if customer.ID == "" {
		return "", types.NewAppError(types.ErrCodeUpstreamStripe, "CreateCustomer: Stripe returned no customer id", nil)
	}

	s.logger.InfoContext(ctx, "created stripe customer",
		slog.String("user_id", userID),
		slog.String("customer_id", customer.ID),
	)
	return customer.ID, nil
}

// ---------------------------------------------------------------------------
// Hosted sessions
// ---------------------------------------------------------------------------

// CreateCheckoutSession creates a subscription-mode checkout session with a
// single line item and returns its redirect URL.
func (s *StripeClient) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (string, error) {
	params := url.Values{}
	params.Set("customer", req.CustomerID)
	params.Set("mode", "subscription")
	params.Set("client_reference_id", req.UserID)
	params.Set("success_url", req.SuccessURL)
	params.Set("cancel_url", req.CancelURL)
	params.Set("line_items[0][price]", req.PriceID)
	params.Set("line_items[0][quantity]", "1")
	params.Set("metadata["+MetadataUserID+"]", req.UserID)
	params.Set("metadata["+MetadataTier+"]", string(req.Tier))
	params.Set("subscription_data[metadata]["+MetadataUserID+"]", req.UserID)
	params.Set("subscription_data[metadata]["+MetadataTier+"]", string(req.Tier))

	var session stripeHostedSession
	if err := s.call(ctx, http.MethodPost, "/v1/checkout/sessions", params, "", "CreateCheckoutSession", &session); err != nil {
		return "", err
	}
	if session.URL == "" {
		return "", types.NewAppError(types.ErrCodeUpstreamStripe, "CreateCheckoutSession: Stripe returned no session url", nil)
	}
	return session.URL, nil
}

// CreatePortalSession creates a billing portal session and returns its URL.
func (s *StripeClient) CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	params := url.Values{}
	params.Set("customer", customerID)
	params.Set("return_url", returnURL)

	var session stripeHostedSession
	if err := s.call(ctx, http.MethodPost, "/v1/billing_portal/sessions", params, "", "CreatePortalSession", &session); err != nil {
		return "", err
	}
	if session.URL == "" {
		return "", types.NewAppError(types.ErrCodeUpstreamStripe, "CreatePortalSession: Stripe returned no session url", nil)
	}
	return session.URL, nil
}

// ---------------------------------------------------------------------------
// Subscriptions
// ---------------------------------------------------------------------------

// GetSubscription fetches one subscription by id.
func (s *StripeClient) GetSubscription(ctx context.Context, subscriptionID string) (*types.SubscriptionSnapshot, error) {
	var sub stripeSubscription
	if err := s.call(ctx, http.MethodGet, "/v1/subscriptions/"+url.PathEscape(subscriptionID), nil, "", "GetSubscription", &sub); err != nil {
		return nil, err
	}
	return sub.snapshot(), nil
}

// FindActiveSubscription returns the customer's active subscription, or nil
// when there is none. At most one active subscription per customer is assumed.
func (s *StripeClient) FindActiveSubscription(ctx context.Context, customerID string) (*types.SubscriptionSnapshot, error) {
	params := url.Values{}
	params.Set("customer", customerID)
	params.Set("status", "active")
	params.Set("limit", "1")

	var list stripeSubscriptionList
	if err := s.call(ctx, http.MethodGet, "/v1/subscriptions", params, "", "FindActiveSubscription", &list); err != nil {
		return nil, err
	}
	if len(list.Data) == 0 {
		return nil, nil
	}
	return list.Data[0].snapshot(), nil
}

// ---------------------------------------------------------------------------
// HTTP Helpers
// ---------------------------------------------------------------------------

// call performs one authenticated request and decodes a 2xx JSON body into out.
func (s *StripeClient) call(
	ctx context.Context,
	method, path string,
	params url.Values,
	idempotencyKey string,
	operation string,
	out any,
) error {
	if !s.secretKey.IsSet() {
		return types.NewAppError(types.ErrCodeInternalMisconfigured, "payment gateway secret key is not configured", nil)
	}

	req, err := s.newRequest(ctx, method, path, params)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, operation+": failed to build request", err)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := s.base.Do(req)
	if err != nil {
		return s.wrapStripeError(operation, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return s.handleErrorResponse(resp, operation)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return types.NewAppError(types.ErrCodeUpstreamStripe, operation+": failed to decode Stripe response", err)
	}
	return nil
}

func (s *StripeClient) newRequest(ctx context.Context, method, path string, params url.Values) (*http.Request, error) {
	reqURL := s.baseURL + path
	var body io.Reader
	if method == http.MethodGet {
		if len(params) > 0 {
			reqURL += "?" + params.Encode()
		}
	} else {
		body = strings.NewReader(params.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	req.Header.Set("Authorization", "Bearer "+s.secretKey.Unmask())
	req.Header.Set("Stripe-Version", stripe.APIVersion)
	return req, nil
}

// ---------------------------------------------------------------------------
// Error Handling
// ---------------------------------------------------------------------------

type stripeErrorResponse struct {
	Error stripeErrorBody `json:"error"`
}

type stripeErrorBody struct {
	Type        string `json:"type"`
	Code        string `json:"code"`
	DeclineCode string `json:"decline_code"`
	Message     string `json:"message"`
	Param       string `json:"param"`
}

// handleErrorResponse reads a Stripe error response and maps it to a types.AppError.
func (s *StripeClient) handleErrorResponse(resp *http.Response, operation string) error {
	body, readErr := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
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

	return mapStripeError(operation, resp.StatusCode, &stripeErr.Error)
}

// mapStripeError translates a Stripe error into a types.AppError carrying
// Stripe's own message.
func mapStripeError(operation string, statusCode int, stripeErr *stripeErrorBody) error {
	if stripeErr.Code == "card_declined" || stripeErr.DeclineCode != "" {
		return types.NewAppErrorWithDetails(
			types.ErrCodePaymentDeclined,
			fmt.Sprintf("%s: payment declined: %s", operation, stripeErr.Message),
			nil,
			map[string]any{"decline_code": stripeErr.DeclineCode, "stripe_code": stripeErr.Code},
		)
	}

	details := map[string]any{"status": statusCode}
	if stripeErr.Code != "" {
		details["stripe_code"] = stripeErr.Code
	}
	if stripeErr.Param != "" {
		details["param"] = stripeErr.Param
	}

	switch {
	case statusCode == http.StatusTooManyRequests:
		return types.NewAppErrorWithDetails(types.ErrCodeUpstreamRateLimited,
			fmt.Sprintf("%s: Stripe rate limit exceeded: %s", operation, stripeErr.Message), nil, details)
	case statusCode >= 500:
		return types.NewAppErrorWithDetails(types.ErrCodeUpstreamUnavailable,
			fmt.Sprintf("%s: Stripe server error: %s", operation, stripeErr.Message), nil, details)
	default:
		return types.NewAppErrorWithDetails(types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe error (%d): %s", operation, statusCode, stripeErr.Message), nil, details)
	}
}

// wrapStripeError passes BaseClient AppErrors through and wraps anything else.
func (s *StripeClient) wrapStripeError(operation string, err error) error {
	if appErr, ok := err.(*types.AppError); ok {
		return types.NewAppError(appErr.Code, operation+": "+appErr.Message, appErr.Err)
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

type stripeCustomer struct {
	ID       string            `json:"id"`
	Email    string            `json:"email"`
	Deleted  bool              `json:"deleted"`
	Metadata map[string]string `json:"metadata"`
}

type stripeCustomerList struct {
	Data    []stripeCustomer `json:"data"`
	HasMore bool             `json:"has_more"`
}

type stripeHostedSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

type stripeSubscriptionList struct {
	Data    []stripeSubscription `json:"data"`
	HasMore bool                 `json:"has_more"`
}
