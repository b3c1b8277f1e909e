package billing

import (
	"context"
	"log/slog"

	"billingsync/internal/external"
	"billingsync/internal/types"
)

// StatusService answers "is this user subscribed right now" from the
// gateway's live view. It never writes.
type StatusService struct {
	catalog      *Catalog
	profiles     ProfileStore
	customers    CustomerGateway
	subscription SubscriptionGateway
	configured   bool
	logger       *slog.Logger
}

// NewStatusService creates a StatusService. configured reports whether the
// gateway credentials are present; without them every query fails.
func NewStatusService(
	catalog *Catalog,
	profiles ProfileStore,
	gateway Gateway,
	configured bool,
	logger *slog.Logger,
) *StatusService {
	if logger == nil {
		logger = slog.Default()
	}
	return &StatusService{
		catalog:      catalog,
		profiles:     profiles,
		customers:    gateway,
		subscription: gateway,
		configured:   configured,
		logger:       logger,
	}
}

// Query returns the caller's live subscription status. Every absence along
// the way (no caller, no email, no customer, no active subscription) is the
// unsubscribed result, not an error. Only gateway and store failures and
// missing configuration are returned as errors.
func (s *StatusService) Query(ctx context.Context, actor *types.Actor) (types.StatusResult, error) {
	if !s.configured {
		return types.StatusResult{}, types.NewAppError(types.ErrCodeInternalMisconfigured, "payment gateway is not configured", nil)
	}
	if actor == nil || actor.UserID == "" {
		return types.Unsubscribed(), nil
	}

	email := actor.Email
	if email == "" {
		profile, err := s.profiles.GetByUserID(ctx, actor.UserID)
		switch {
		case err == nil:
			email = profile.Email
		case !isCode(err, types.ErrCodeNotFoundProfile):
			return types.StatusResult{}, err
		}
	}
	if email == "" {
		return types.Unsubscribed(), nil
	}

	customers, err := s.customers.FindCustomersByEmail(ctx, email)
	if err != nil {
		return types.StatusResult{}, err
	}

	for _, id := range orderCustomers(customers, actor.UserID) {
		sub, err := s.subscription.FindActiveSubscription(ctx, id)
		if err != nil {
			return types.StatusResult{}, err
		}
		if sub != nil {
			return s.result(ctx, id, sub), nil
		}
	}
	return types.Unsubscribed(), nil
}

func (s *StatusService) result(ctx context.Context, customerID string, sub *types.SubscriptionSnapshot) types.StatusResult {
	out := types.StatusResult{Subscribed: true}
	if tier, ok := s.catalog.Derive(sub.PriceID, sub.ProductID); ok {
		out.Tier = &tier
	} else {
		s.logger.WarnContext(ctx, "active subscription has no configured tier",
			slog.String("customer_id", customerID),
			slog.String("price_id", sub.PriceID),
			slog.String("product_id", sub.ProductID),
		)
	}
	if sub.ProductID != "" {
		product := sub.ProductID
		out.ProductID = &product
	}
	out.SubscriptionEnd = periodEnd(sub.CurrentPeriodEnd)
	return out
}

// orderCustomers puts customers tagged with userID first.
func orderCustomers(customers []types.CustomerRecord, userID string) []string {
	ids := make([]string, 0, len(customers))
	for _, c := range customers {
		if c.Metadata[external.MetadataUserID] == userID {
			ids = append(ids, c.ID)
		}
	}
	for _, c := range customers {
		if c.Metadata[external.MetadataUserID] != userID {
			ids = append(ids, c.ID)
		}
	}
	return ids
}
