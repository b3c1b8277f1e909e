package external

import (
	"encoding/json"
	"fmt"
	"time"

	"billingsync/internal/types"
)

// expandableID decodes a Stripe reference that is either a bare id string or
// an expanded object carrying an "id" field.
type expandableID string

func (e *expandableID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*e = ""
		return nil
	}
	var id string
	if err := json.Unmarshal(data, &id); err == nil {
		*e = expandableID(id)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("stripe reference: %w", err)
	}
	*e = expandableID(obj.ID)
	return nil
}

type stripeSubscription struct {
	ID               string                  `json:"id"`
	Customer         expandableID            `json:"customer"`
	Status           string                  `json:"status"`
	CurrentPeriodEnd int64                   `json:"current_period_end"`
	Items            stripeSubscriptionItems `json:"items"`
	Metadata         map[string]string       `json:"metadata"`
}

type stripeSubscriptionItems struct {
	Data []stripeSubscriptionItem `json:"data"`
}

type stripeSubscriptionItem struct {
	Price            stripePrice `json:"price"`
	CurrentPeriodEnd int64       `json:"current_period_end"`
}

type stripePrice struct {
	ID      string       `json:"id"`
	Product expandableID `json:"product"`
}

// snapshot reads price and period end from the first item. Newer API
// versions carry the period on the item; older ones on the subscription.
func (s *stripeSubscription) snapshot() *types.SubscriptionSnapshot {
	snap := &types.SubscriptionSnapshot{
		ID:         s.ID,
		CustomerID: string(s.Customer),
		Status:     types.SubscriptionStatus(s.Status),
	}
	periodEnd := s.CurrentPeriodEnd
	if len(s.Items.Data) > 0 {
		item := s.Items.Data[0]
		snap.PriceID = item.Price.ID
		snap.ProductID = string(item.Price.Product)
		if item.CurrentPeriodEnd > 0 {
			periodEnd = item.CurrentPeriodEnd
		}
	}
	if periodEnd > 0 {
		snap.CurrentPeriodEnd = time.Unix(periodEnd, 0).UTC()
	}
	return snap
}

// CheckoutSessionObject is the subset of a completed checkout session the
// event processor needs.
type CheckoutSessionObject struct {
	ID                string
	CustomerID        string
	SubscriptionID    string
	ClientReferenceID string
	Mode              string
	Metadata          map[string]string
}

// InvoiceObject is the subset of an invoice the event processor needs.
type InvoiceObject struct {
	ID             string
	CustomerID     string
	SubscriptionID string
}

// ParseSubscription decodes a subscription object from an event payload.
func ParseSubscription(raw json.RawMessage) (*types.SubscriptionSnapshot, error) {
	var sub stripeSubscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return nil, fmt.Errorf("decode subscription: %w", err)
	}
	return sub.snapshot(), nil
}

// ParseCheckoutSession decodes a checkout session object from an event payload.
func ParseCheckoutSession(raw json.RawMessage) (*CheckoutSessionObject, error) {
	var cs struct {
		ID                string            `json:"id"`
		Customer          expandableID      `json:"customer"`
		Subscription      expandableID      `json:"subscription"`
		ClientReferenceID string            `json:"client_reference_id"`
		Mode              string            `json:"mode"`
		Metadata          map[string]string `json:"metadata"`
	}
	if err := json.Unmarshal(raw, &cs); err != nil {
		return nil, fmt.Errorf("decode checkout session: %w", err)
	}
	return &CheckoutSessionObject{
		ID:                cs.ID,
		CustomerID:        string(cs.Customer),
		SubscriptionID:    string(cs.Subscription),
		ClientReferenceID: cs.ClientReferenceID,
		Mode:              cs.Mode,
		Metadata:          cs.Metadata,
	}, nil
}

// ParseInvoice decodes an invoice object from an event payload.
func ParseInvoice(raw json.RawMessage) (*InvoiceObject, error) {
	var inv struct {
		ID           string       `json:"id"`
		Customer     expandableID `json:"customer"`
		Subscription expandableID `json:"subscription"`
		Parent       *struct {
			SubscriptionDetails *struct {
				Subscription expandableID `json:"subscription"`
			} `json:"subscription_details"`
		} `json:"parent"`
	}
	if err := json.Unmarshal(raw, &inv); err != nil {
		return nil, fmt.Errorf("decode invoice: %w", err)
	}
	out := &InvoiceObject{
		ID:             inv.ID,
		CustomerID:     string(inv.Customer),
		SubscriptionID: string(inv.Subscription),
	}
	if out.SubscriptionID == "" && inv.Parent != nil && inv.Parent.SubscriptionDetails != nil {
		out.SubscriptionID = string(inv.Parent.SubscriptionDetails.Subscription)
	}
	return out, nil
}
