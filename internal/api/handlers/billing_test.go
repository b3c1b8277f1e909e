package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"billingsync/internal/billing"
	"billingsync/internal/config"
	"billingsync/internal/core"
	"billingsync/internal/types"
)

// =============================================================================
// Mock Implementations
// =============================================================================

type mockSessions struct {
	createCheckoutFn func(ctx context.Context, actor types.Actor, in billing.CheckoutInput) (string, error)
	createPortalFn   func(ctx context.Context, actor types.Actor, returnPath string) (string, error)
}

func (m *mockSessions) CreateCheckout(ctx context.Context, actor types.Actor, in billing.CheckoutInput) (string, error) {
	if m.createCheckoutFn != nil {
		return m.createCheckoutFn(ctx, actor, in)
	}
	return "https://checkout.stripe.com/c/test", nil
}

func (m *mockSessions) CreatePortal(ctx context.Context, actor types.Actor, returnPath string) (string, error) {
	if m.createPortalFn != nil {
		return m.createPortalFn(ctx, actor, returnPath)
	}
	return "https://billing.stripe.com/p/test", nil
}

type mockStatus struct {
	queryFn func(ctx context.Context, actor *types.Actor) (types.StatusResult, error)
}

func (m *mockStatus) Query(ctx context.Context, actor *types.Actor) (types.StatusResult, error) {
	if m.queryFn != nil {
		return m.queryFn(ctx, actor)
	}
	return types.Unsubscribed(), nil
}

// =============================================================================
// Test Helpers
// =============================================================================

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newBillingRouter mounts the handler under /v1 behind a core.Server whose
// authenticator accepts "good-token" as user_1.
func newBillingRouter(t *testing.T, sessions SessionCreator, status StatusQuerier) http.Handler {
	t.Helper()
	srv, err := core.NewServer(&config.Config{Environment: "local"}, discardLogger())
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	srv.Authenticator = &core.MockAuthenticator{
		ResolveTokenFunc: func(_ context.Context, token string) (*types.Actor, error) {
			if token != "good-token" {
				return nil, types.NewAppError(types.ErrCodeAuthTokenInvalid, "bad token", nil)
			}
			return &types.Actor{UserID: "user_1", Email: "u1@example.com"}, nil
		},
	}

	h := NewBillingHandler(sessions, status, srv, srv.Validator, discardLogger())
	r := chi.NewRouter()
	r.Route("/v1", h.RegisterRoutes)
	return r
}

func doRequest(h http.Handler, method, path, body, token string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp core.APIErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding error body %q: %v", rec.Body.String(), err)
	}
	return resp.Error.Code
}

// =============================================================================
// Checkout
// =============================================================================

func TestCreateCheckout_Success(t *testing.T) {
	var gotActor types.Actor
	var gotInput billing.CheckoutInput
	sessions := &mockSessions{
		createCheckoutFn: func(_ context.Context, actor types.Actor, in billing.CheckoutInput) (string, error) {
			gotActor, gotInput = actor, in
			return "https://checkout.stripe.com/c/cs_1", nil
		},
	}
	h := newBillingRouter(t, sessions, &mockStatus{})

	rec := doRequest(h, http.MethodPost, "/v1/billing/checkout",
		`{"tier":"pro","successPath":"/welcome","cancelPath":"/pricing"}`, "good-token")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp SessionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.URL != "https://checkout.stripe.com/c/cs_1" {
		t.Errorf("url = %q", resp.URL)
	}
	if gotActor.UserID != "user_1" || gotActor.Email != "u1@example.com" {
		t.Errorf("actor = %+v", gotActor)
	}
	if gotInput.Tier != types.Tier("pro") || gotInput.SuccessPath != "/welcome" || gotInput.CancelPath != "/pricing" {
		t.Errorf("input = %+v", gotInput)
	}
}

func TestCreateCheckout_RejectsBeforeService(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		token      string
		wantStatus int
		wantCode   types.ErrorCode
	}{
		{"no token", `{"tier":"pro"}`, "", http.StatusUnauthorized, types.ErrCodeAuthTokenMissing},
		{"bad token", `{"tier":"pro"}`, "other", http.StatusUnauthorized, types.ErrCodeAuthTokenInvalid},
		{"missing tier", `{}`, "good-token", http.StatusBadRequest, types.ErrCodeValidationMissingField},
		{"empty body", ``, "good-token", http.StatusBadRequest, types.ErrCodeValidationInvalidBody},
		{"unknown field", `{"tier":"pro","price":"price_x"}`, "good-token", http.StatusBadRequest, types.ErrCodeValidationInvalidBody},
		{"off-site success path", `{"tier":"pro","successPath":"https://evil.example.com"}`, "good-token", http.StatusBadRequest, types.ErrCodeValidationRedirectPath},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			sessions := &mockSessions{
				createCheckoutFn: func(context.Context, types.Actor, billing.CheckoutInput) (string, error) {
					called = true
					return "", nil
				},
			}
			h := newBillingRouter(t, sessions, &mockStatus{})

			rec := doRequest(h, http.MethodPost, "/v1/billing/checkout", tt.body, tt.token)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if got := errorCode(t, rec); got != string(tt.wantCode) {
				t.Errorf("code = %q, want %q", got, tt.wantCode)
			}
			if called {
				t.Error("session service must not be called")
			}
		})
	}
}

func TestCreateCheckout_ServiceErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   types.ErrorCode
	}{
		{"unknown tier", types.NewAppErrorWithDetails(types.ErrCodeValidationUnknownTier, "unknown subscription tier", nil, map[string]any{"tier": "gold"}), http.StatusBadRequest, types.ErrCodeValidationUnknownTier},
		{"gateway down", types.NewAppError(types.ErrCodeUpstreamStripe, "payment gateway unavailable", errors.New("dial tcp")), http.StatusInternalServerError, types.ErrCodeUpstreamStripe},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError, types.ErrCodeInternalUnexpected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sessions := &mockSessions{
				createCheckoutFn: func(context.Context, types.Actor, billing.CheckoutInput) (string, error) {
					return "", tt.err
				},
			}
			h := newBillingRouter(t, sessions, &mockStatus{})

			rec := doRequest(h, http.MethodPost, "/v1/billing/checkout", `{"tier":"gold"}`, "good-token")

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if got := errorCode(t, rec); got != string(tt.wantCode) {
				t.Errorf("code = %q, want %q", got, tt.wantCode)
			}
		})
	}
}

// =============================================================================
// Portal
// =============================================================================

func TestCreatePortal(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantPath string
	}{
		{"empty body uses default", "", ""},
		{"empty object", `{}`, ""},
		{"custom return path", `{"returnPath":"/settings/billing"}`, "/settings/billing"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotPath := "unset"
			sessions := &mockSessions{
				createPortalFn: func(_ context.Context, actor types.Actor, returnPath string) (string, error) {
					gotPath = returnPath
					return "https://billing.stripe.com/p/" + actor.UserID, nil
				},
			}
			h := newBillingRouter(t, sessions, &mockStatus{})

			rec := doRequest(h, http.MethodPost, "/v1/billing/portal", tt.body, "good-token")

			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
			}
			if gotPath != tt.wantPath {
				t.Errorf("return path = %q, want %q", gotPath, tt.wantPath)
			}
			var resp SessionResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if resp.URL != "https://billing.stripe.com/p/user_1" {
				t.Errorf("url = %q", resp.URL)
			}
		})
	}
}

func TestCreatePortal_Errors(t *testing.T) {
	t.Run("no customer", func(t *testing.T) {
		sessions := &mockSessions{
			createPortalFn: func(context.Context, types.Actor, string) (string, error) {
				return "", types.NewAppError(types.ErrCodeNotFoundCustomer, "no billing customer", nil)
			},
		}
		h := newBillingRouter(t, sessions, &mockStatus{})

		rec := doRequest(h, http.MethodPost, "/v1/billing/portal", "", "good-token")

		if rec.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", rec.Code)
		}
		if got := errorCode(t, rec); got != string(types.ErrCodeNotFoundCustomer) {
			t.Errorf("code = %q", got)
		}
	})

	t.Run("unauthenticated", func(t *testing.T) {
		h := newBillingRouter(t, &mockSessions{}, &mockStatus{})
		rec := doRequest(h, http.MethodPost, "/v1/billing/portal", "", "")
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rec.Code)
		}
	})

	t.Run("malformed body", func(t *testing.T) {
		h := newBillingRouter(t, &mockSessions{}, &mockStatus{})
		rec := doRequest(h, http.MethodPost, "/v1/billing/portal", `{"returnPath":`, "good-token")
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})
}

// =============================================================================
// Status
// =============================================================================

func TestGetStatus(t *testing.T) {
	tier := types.Tier("pro")
	product := "prod_pro"
	end := time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		token     string
		wantActor bool
		result    types.StatusResult
		wantBody  string
	}{
		{
			name:     "anonymous",
			result:   types.Unsubscribed(),
			wantBody: `{"subscribed":false,"tier":null,"product_id":null,"subscription_end":null}`,
		},
		{
			name:     "invalid token is anonymous",
			token:    "expired",
			result:   types.Unsubscribed(),
			wantBody: `{"subscribed":false,"tier":null,"product_id":null,"subscription_end":null}`,
		},
		{
			name:      "subscribed",
			token:     "good-token",
			wantActor: true,
			result:    types.StatusResult{Subscribed: true, Tier: &tier, ProductID: &product, SubscriptionEnd: &end},
			wantBody:  `{"subscribed":true,"tier":"pro","product_id":"prod_pro","subscription_end":"2026-11-01T00:00:00Z"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotActor *types.Actor
			status := &mockStatus{
				queryFn: func(_ context.Context, actor *types.Actor) (types.StatusResult, error) {
					gotActor = actor
					return tt.result, nil
				},
			}
			h := newBillingRouter(t, &mockSessions{}, status)

			rec := doRequest(h, http.MethodGet, "/v1/billing/status", "", tt.token)

			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d", rec.Code)
			}
			if (gotActor != nil) != tt.wantActor {
				t.Errorf("actor passed = %v, want %v", gotActor, tt.wantActor)
			}
			if gotActor != nil && gotActor.UserID != "user_1" {
				t.Errorf("actor = %+v", gotActor)
			}
			if got := strings.TrimSpace(rec.Body.String()); got != tt.wantBody {
				t.Errorf("body = %s\nwant  %s", got, tt.wantBody)
			}
		})
	}
}

func TestGetStatus_InfrastructureFailure(t *testing.T) {
	status := &mockStatus{
		queryFn: func(context.Context, *types.Actor) (types.StatusResult, error) {
			return types.StatusResult{}, types.NewAppError(types.ErrCodeInternalMisconfigured, "payment gateway is not configured", nil)
		},
	}
	h := newBillingRouter(t, &mockSessions{}, status)

	rec := doRequest(h, http.MethodGet, "/v1/billing/status", "", "")

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
	if got := errorCode(t, rec); got != string(types.ErrCodeInternalMisconfigured) {
		t.Errorf("code = %q", got)
	}
}
