package billing

import (
	"context"
	"log/slog"
	"strings"

	"billingsync/internal/external"
	"billingsync/internal/types"
)

// Default in-app paths used when a request omits them.
const (
	DefaultSuccessPath = "/billing?checkout=success"
	DefaultCancelPath  = "/billing?checkout=canceled"
	DefaultReturnPath  = "/billing"
)

// SessionService starts hosted checkout and billing portal sessions.
type SessionService struct {
	catalog  *Catalog
	resolver *CustomerResolver
	profiles ProfileStore
	gateway  SessionGateway
	baseURL  string
	logger   *slog.Logger
}

// NewSessionService creates a SessionService. baseURL is the public
// application origin that redirect paths are joined to.
func NewSessionService(
	catalog *Catalog,
	resolver *CustomerResolver,
	profiles ProfileStore,
	gateway SessionGateway,
	baseURL string,
	logger *slog.Logger,
) *SessionService {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionService{
		catalog:  catalog,
		resolver: resolver,
		profiles: profiles,
		gateway:  gateway,
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		logger:   logger,
	}
}

// CheckoutInput is a validated checkout request for one user.
type CheckoutInput struct {
	Tier        types.Tier
	SuccessPath string
	CancelPath  string
}

// CreateCheckout returns the URL of a hosted subscription checkout for the
// requested tier. The tier is validated before any gateway call.
func (s *SessionService) CreateCheckout(ctx context.Context, actor types.Actor, in CheckoutInput) (string, error) {
	priceID, ok := s.catalog.PriceFor(in.Tier)
	if !ok {
		return "", types.NewAppErrorWithDetails(
			types.ErrCodeValidationUnknownTier,
			"unknown subscription tier",
			nil,
			map[string]any{"tier": string(in.Tier)},
		)
	}

	successURL, err := s.redirectURL(in.SuccessPath, DefaultSuccessPath)
	if err != nil {
		return "", err
	}
	cancelURL, err := s.redirectURL(in.CancelPath, DefaultCancelPath)
	if err != nil {
		return "", err
	}

	customerID, err := s.resolver.Resolve(ctx, actor.UserID, actor.Email)
	if err != nil {
		return "", err
	}

	url, err := s.gateway.CreateCheckoutSession(ctx, external.CheckoutRequest{
		CustomerID: customerID,
		UserID:     actor.UserID,
		Tier:       in.Tier,
		PriceID:    priceID,
		SuccessURL: successURL,
		CancelURL:  cancelURL,
	})
	if err != nil {
		return "", err
	}

	// The webhook path overwrites this with the gateway's view.
	if err := s.profiles.SetPendingTier(ctx, actor.UserID, in.Tier); err != nil {
		s.logger.WarnContext(ctx, "failed to record pending tier",
			slog.String("user_id", actor.UserID),
			slog.String("tier", string(in.Tier)),
			slog.String("error", err.Error()),
		)
	}

	s.logger.InfoContext(ctx, "checkout session created",
		slog.String("user_id", actor.UserID),
		slog.String("customer_id", customerID),
		slog.String("tier", string(in.Tier)),
	)
	return url, nil
}

// CreatePortal returns the URL of the self-service billing portal for an
// existing customer. It never creates a customer.
func (s *SessionService) CreatePortal(ctx context.Context, actor types.Actor, returnPath string) (string, error) {
	returnURL, err := s.redirectURL(returnPath, DefaultReturnPath)
	if err != nil {
		return "", err
	}

	customerID, err := s.resolver.Lookup(ctx, actor.UserID, actor.Email)
	if err != nil {
		return "", err
	}

	url, err := s.gateway.CreatePortalSession(ctx, customerID, returnURL)
	if err != nil {
		return "", err
	}

	s.logger.InfoContext(ctx, "portal session created",
		slog.String("user_id", actor.UserID),
		slog.String("customer_id", customerID),
	)
	return url, nil
}

// redirectURL joins an in-app path to the base URL. Only same-origin paths
// are accepted.
func (s *SessionService) redirectURL(path, fallback string) (string, error) {
	if path == "" {
		path = fallback
	}
	if !strings.HasPrefix(path, "/") || strings.HasPrefix(path, "//") || strings.ContainsAny(path, "\\\r\n") {
		return "", types.NewAppErrorWithDetails(
			types.ErrCodeValidationRedirectPath,
			"redirect path must be an absolute in-app path",
			nil,
			map[string]any{"path": path},
		)
	}
	return s.baseURL + path, nil
}
