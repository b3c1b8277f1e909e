package handlers

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"billingsync/internal/billing"
	"billingsync/internal/core"
)

// maxWebhookBodySize caps Stripe webhook payloads (64 KB).
const maxWebhookBodySize = 64 * 1024

// EventProcessor verifies and applies one gateway webhook delivery.
type EventProcessor interface {
	Process(ctx context.Context, payload []byte, signature string) (billing.EventOutcome, error)
}

// WebhookAck is the body returned for every verified delivery.
type WebhookAck struct {
	Received bool `json:"received"`
}

// StripeWebhookHandler receives gateway events. It sits outside the bearer
// auth group; authenticity comes from the Stripe-Signature header.
type StripeWebhookHandler struct {
	processor EventProcessor
	logger    *slog.Logger
}

// NewStripeWebhookHandler creates a StripeWebhookHandler.
func NewStripeWebhookHandler(processor EventProcessor, logger *slog.Logger) *StripeWebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &StripeWebhookHandler{processor: processor, logger: logger}
}

// RegisterRoutes mounts the webhook endpoint at the router root.
func (h *StripeWebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/webhooks/stripe", h.Handle)
}

// Handle reads the raw body, hands it to the processor unparsed so the
// signature covers the exact bytes, and acknowledges with 200.
//
// Only authenticity failures are rejected (plain-text 400). Failures while
// applying a verified event are logged by the processor and still
// acknowledged.
func (h *StripeWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.WarnContext(r.Context(), "failed to read webhook body", "error", err)
		http.Error(w, "Webhook Error: unreadable request body", http.StatusBadRequest)
		return
	}

	outcome, err := h.processor.Process(r.Context(), payload, stripeSignature(r))
	if err != nil {
		h.logger.WarnContext(r.Context(), "webhook rejected", "error", err)
		http.Error(w, "Webhook Error: "+err.Error(), http.StatusBadRequest)
		return
	}

	h.logger.InfoContext(r.Context(), "webhook processed",
		"event_id", outcome.EventID,
		"event_type", outcome.Type,
		"result", outcome.Result,
	)
	core.JSON(w, r, http.StatusOK, WebhookAck{Received: true})
}

// stripeSignature rebuilds the Stripe-Signature header. The API Gateway
// adapter splits comma-separated header values into separate entries.
func stripeSignature(r *http.Request) string {
	return strings.Join(r.Header.Values("Stripe-Signature"), ",")
}
