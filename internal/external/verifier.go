package external

import (
	"encoding/json"
	"time"

	"github.com/stripe/stripe-go/v82/webhook"

	"billingsync/internal/types"
)

// Stripe event types handled by the event processor.
const (
	EventCheckoutCompleted    = "checkout.session.completed"
	EventSubscriptionUpdated  = "customer.subscription.updated"
	EventSubscriptionDeleted  = "customer.subscription.deleted"
	EventInvoicePaymentFailed = "invoice.payment_failed"
)

// VerifiedEvent is a webhook event whose signature has been checked.
type VerifiedEvent struct {
	ID      string
	Type    string
	Created time.Time
	Object  json.RawMessage
}

// StripeVerifier checks Stripe-Signature headers with stripe-go's HMAC
// verification and timestamp tolerance.
type StripeVerifier struct {
	tolerance time.Duration
}

// NewStripeVerifier returns a verifier; a zero tolerance uses stripe-go's default.
func NewStripeVerifier(tolerance time.Duration) *StripeVerifier {
	return &StripeVerifier{tolerance: tolerance}
}

// Verify authenticates payload against header using secret and decodes the
// event envelope. Events built for a different API version are accepted; the
// processor only reads fields that are stable across versions. Object is
// empty when the event carries no data.object.
func (v *StripeVerifier) Verify(payload []byte, header string, secret types.SecretString) (*VerifiedEvent, error) {
	if !secret.IsSet() {
		return nil, types.NewAppError(types.ErrCodeValidationWebhookSecret, "webhook signing secret is not configured", nil)
	}
	if header == "" {
		return nil, types.NewAppError(types.ErrCodeValidationWebhookSig, "missing Stripe-Signature header", nil)
	}

	event, err := webhook.ConstructEventWithOptions(payload, header, secret.Unmask(), webhook.ConstructEventOptions{
		Tolerance:                v.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeValidationWebhookSig, "invalid Stripe signature", err)
	}

	out := &VerifiedEvent{
		ID:      event.ID,
		Type:    string(event.Type),
		Created: time.Unix(event.Created, 0).UTC(),
	}
	if event.Data != nil {
		out.Object = event.Data.Raw
	}
	return out, nil
}
