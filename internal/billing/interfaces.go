package billing

import (
	"context"

	"billingsync/internal/external"
	"billingsync/internal/types"
)

// ProfileStore is the account profile persistence used by the billing services.
// Implemented by db.ProfileRepository.
type ProfileStore interface {
	GetByUserID(ctx context.Context, userID string) (*types.AccountProfile, error)
	GetByAltUserRef(ctx context.Context, userID string) (*types.AccountProfile, error)
	AssignCustomerID(ctx context.Context, userID, email, customerID string) (string, error)
	SetPendingTier(ctx context.Context, userID string, tier types.Tier) error
	ApplySubscriptionState(ctx context.Context, state types.SubscriptionState) (bool, error)
	LinkCustomerByUserID(ctx context.Context, userID string, state types.SubscriptionState) (bool, error)
}

// CustomerGateway finds and creates gateway customers.
type CustomerGateway interface {
	FindCustomersByEmail(ctx context.Context, email string) ([]types.CustomerRecord, error)
	CreateCustomer(ctx context.Context, userID, email string) (string, error)
}

// SessionGateway creates hosted checkout and portal sessions.
type SessionGateway interface {
	CreateCheckoutSession(ctx context.Context, req external.CheckoutRequest) (string, error)
	CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error)
}

// SubscriptionGateway reads subscriptions from the gateway.
type SubscriptionGateway interface {
	GetSubscription(ctx context.Context, subscriptionID string) (*types.SubscriptionSnapshot, error)
	FindActiveSubscription(ctx context.Context, customerID string) (*types.SubscriptionSnapshot, error)
}

// Gateway is the full payment gateway surface. Implemented by external.StripeClient.
type Gateway interface {
	CustomerGateway
	SessionGateway
	SubscriptionGateway
}

// EventVerifier authenticates a raw webhook delivery.
// Implemented by external.StripeVerifier.
type EventVerifier interface {
	Verify(payload []byte, header string, secret types.SecretString) (*external.VerifiedEvent, error)
}

// EventRecorder receives one observation per processed webhook event.
type EventRecorder interface {
	RecordWebhookEvent(eventType, result string)
}

type noopRecorder struct{}

func (noopRecorder) RecordWebhookEvent(string, string) {}
