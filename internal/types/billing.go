package types

import "time"

// Tier is the internal name for an entitlement level.
type Tier string

const (
	TierStarter  Tier = "starter"
	TierPro      Tier = "pro"
	TierBusiness Tier = "business"
)

// SubscriptionStatus represents the state of a billing subscription.
// Statuses other than the three written by this service are stored verbatim
// as reported by the gateway on subscription updates.
type SubscriptionStatus string

const (
	SubStatusActive            SubscriptionStatus = "active"
	SubStatusPastDue           SubscriptionStatus = "past_due"
	SubStatusCanceled          SubscriptionStatus = "canceled"
	SubStatusIncomplete        SubscriptionStatus = "incomplete"
	SubStatusIncompleteExpired SubscriptionStatus = "incomplete_expired"
	SubStatusTrialing          SubscriptionStatus = "trialing"
	SubStatusUnpaid            SubscriptionStatus = "unpaid"
)

// AccountProfile is the per-user row holding the billing mirror.
type AccountProfile struct {
	UserID           string
	AltUserRef       *string
	Email            string
	CustomerID       *string
	Tier             *Tier
	Status           *SubscriptionStatus
	CurrentPeriodEnd *time.Time
	LastEventAt      *time.Time
	UpdatedAt        time.Time
}

// HasCustomer reports whether the profile is already mapped to a gateway customer.
func (p *AccountProfile) HasCustomer() bool {
	return p != nil && p.CustomerID != nil && *p.CustomerID != ""
}

// TierDescriptor binds an internal tier to its gateway identifiers.
type TierDescriptor struct {
	Tier      Tier   `json:"tier"`
	PriceID   string `json:"price_id"`
	ProductID string `json:"product_id,omitempty"`
}

// SubscriptionSnapshot is the gateway's current view of one subscription.
// It is never persisted as-is.
type SubscriptionSnapshot struct {
	ID               string
	CustomerID       string
	Status           SubscriptionStatus
	PriceID          string
	ProductID        string
	CurrentPeriodEnd time.Time
}

// CustomerRecord is a gateway customer as returned by an email lookup.
type CustomerRecord struct {
	ID       string
	Email    string
	Metadata map[string]string
}

// SubscriptionState is the set of fields a lifecycle event writes onto a profile.
// A nil Tier leaves the stored tier untouched; ClearTier sets it to NULL.
type SubscriptionState struct {
	CustomerID       string
	Status           SubscriptionStatus
	Tier             *Tier
	ClearTier        bool
	CurrentPeriodEnd *time.Time
	EventAt          time.Time
}

// StatusResult is the live answer of a subscription status query.
type StatusResult struct {
	Subscribed      bool       `json:"subscribed"`
	Tier            *Tier      `json:"tier"`
	ProductID       *string    `json:"product_id"`
	SubscriptionEnd *time.Time `json:"subscription_end"`
}

// Unsubscribed is the shared negative result for every absence on the read path.
func Unsubscribed() StatusResult {
	return StatusResult{}
}
