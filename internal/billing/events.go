package billing

import (
	"context"
	"log/slog"
	"time"

	"billingsync/internal/external"
	"billingsync/internal/types"
)

// Event handling outcomes reported to the EventRecorder.
const (
	ResultApplied = "applied"
	ResultStale   = "stale"
	ResultIgnored = "ignored"
	ResultFailed  = "failed"
)

// EventOutcome describes what processing a verified event did.
type EventOutcome struct {
	EventID string
	Type    string
	Result  string
}

// EventProcessor verifies gateway webhook deliveries and folds subscription
// lifecycle events into account profiles.
type EventProcessor struct {
	verifier      EventVerifier
	secret        types.SecretString
	catalog       *Catalog
	profiles      ProfileStore
	subscriptions SubscriptionGateway
	recorder      EventRecorder
	logger        *slog.Logger
}

// EventProcessorOption configures an EventProcessor.
type EventProcessorOption func(*EventProcessor)

// WithEventRecorder sets the recorder notified after each event.
func WithEventRecorder(r EventRecorder) EventProcessorOption {
	return func(p *EventProcessor) {
		if r != nil {
			p.recorder = r
		}
	}
}

// NewEventProcessor creates an EventProcessor. secret may be unset, in which
// case every delivery is rejected.
func NewEventProcessor(
	verifier EventVerifier,
	secret types.SecretString,
	catalog *Catalog,
	profiles ProfileStore,
	subscriptions SubscriptionGateway,
	logger *slog.Logger,
	opts ...EventProcessorOption,
) *EventProcessor {
	if logger == nil {
		logger = slog.Default()
	}
	p := &EventProcessor{
		verifier:      verifier,
		secret:        secret,
		catalog:       catalog,
		profiles:      profiles,
		subscriptions: subscriptions,
		recorder:      noopRecorder{},
		logger:        logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process verifies one raw delivery and applies it.
//
// Only verification failures are returned. Once an event is authentic, any
// failure while applying it is logged and reported in the outcome so the
// caller still acknowledges the delivery.
func (p *EventProcessor) Process(ctx context.Context, payload []byte, signature string) (EventOutcome, error) {
	event, err := p.verifier.Verify(payload, signature, p.secret)
	if err != nil {
		p.logger.WarnContext(ctx, "webhook verification failed", slog.String("error", err.Error()))
		return EventOutcome{}, err
	}

	outcome := EventOutcome{EventID: event.ID, Type: event.Type}
	log := p.logger.With(
		slog.String("event_id", event.ID),
		slog.String("event_type", event.Type),
	)

	var applyErr error
	if len(event.Object) == 0 {
		log.WarnContext(ctx, "event has no data object; skipping")
		outcome.Result = ResultIgnored
	} else {
		outcome.Result, applyErr = p.dispatch(ctx, log, event)
	}

	if applyErr != nil {
		outcome.Result = ResultFailed
		log.ErrorContext(ctx, "failed to apply webhook event", slog.String("error", applyErr.Error()))
	} else {
		log.InfoContext(ctx, "webhook event processed", slog.String("result", outcome.Result))
	}
	p.recorder.RecordWebhookEvent(event.Type, outcome.Result)
	return outcome, nil
}

// dispatch applies a handled event type; anything else is ignored.
func (p *EventProcessor) dispatch(ctx context.Context, log *slog.Logger, event *external.VerifiedEvent) (string, error) {
	switch event.Type {
	case external.EventCheckoutCompleted:
		return p.handleCheckoutCompleted(ctx, log, event)
	case external.EventSubscriptionUpdated:
		return p.handleSubscriptionUpdated(ctx, log, event)
	case external.EventSubscriptionDeleted:
		return p.handleSubscriptionDeleted(ctx, event)
	case external.EventInvoicePaymentFailed:
		return p.handleInvoicePaymentFailed(ctx, event)
	}
	return ResultIgnored, nil
}

func (p *EventProcessor) handleCheckoutCompleted(ctx context.Context, log *slog.Logger, event *external.VerifiedEvent) (string, error) {
	cs, err := external.ParseCheckoutSession(event.Object)
	if err != nil {
		return "", err
	}
	if cs.SubscriptionID == "" || cs.CustomerID == "" {
		log.InfoContext(ctx, "checkout session has no subscription; skipping", slog.String("mode", cs.Mode))
		return ResultIgnored, nil
	}

	sub, err := p.subscriptions.GetSubscription(ctx, cs.SubscriptionID)
	if err != nil {
		return "", err
	}

	state := types.SubscriptionState{
		CustomerID:       cs.CustomerID,
		Status:           types.SubStatusActive,
		Tier:             p.deriveTier(ctx, log, sub),
		CurrentPeriodEnd: periodEnd(sub.CurrentPeriodEnd),
		EventAt:          event.Created,
	}
	applied, err := p.profiles.ApplySubscriptionState(ctx, state)
	if err != nil {
		return "", err
	}
	if applied {
		return ResultApplied, nil
	}

	// No profile carries this customer yet; fall back to the user the
	// session was opened for.
	userID := cs.Metadata[external.MetadataUserID]
	if userID == "" {
		userID = cs.ClientReferenceID
	}
	if userID == "" {
		return ResultStale, nil
	}
	linked, err := p.profiles.LinkCustomerByUserID(ctx, userID, state)
	if err != nil {
		return "", err
	}
	if linked {
		log.InfoContext(ctx, "linked customer by checkout user id",
			slog.String("user_id", userID),
			slog.String("customer_id", cs.CustomerID),
		)
		return ResultApplied, nil
	}
	return ResultStale, nil
}

func (p *EventProcessor) handleSubscriptionUpdated(ctx context.Context, log *slog.Logger, event *external.VerifiedEvent) (string, error) {
	sub, err := external.ParseSubscription(event.Object)
	if err != nil {
		return "", err
	}
	return p.apply(ctx, types.SubscriptionState{
		CustomerID:       sub.CustomerID,
		Status:           sub.Status,
		Tier:             p.deriveTier(ctx, log, sub),
		CurrentPeriodEnd: periodEnd(sub.CurrentPeriodEnd),
		EventAt:          event.Created,
	})
}

func (p *EventProcessor) handleSubscriptionDeleted(ctx context.Context, event *external.VerifiedEvent) (string, error) {
	sub, err := external.ParseSubscription(event.Object)
	if err != nil {
		return "", err
	}
	return p.apply(ctx, types.SubscriptionState{
		CustomerID: sub.CustomerID,
		Status:     types.SubStatusCanceled,
		ClearTier:  true,
		EventAt:    event.Created,
	})
}

func (p *EventProcessor) handleInvoicePaymentFailed(ctx context.Context, event *external.VerifiedEvent) (string, error) {
	inv, err := external.ParseInvoice(event.Object)
	if err != nil {
		return "", err
	}
	return p.apply(ctx, types.SubscriptionState{
		CustomerID: inv.CustomerID,
		Status:     types.SubStatusPastDue,
		EventAt:    event.Created,
	})
}

func (p *EventProcessor) apply(ctx context.Context, state types.SubscriptionState) (string, error) {
	if state.CustomerID == "" {
		return ResultIgnored, nil
	}
	applied, err := p.profiles.ApplySubscriptionState(ctx, state)
	if err != nil {
		return "", err
	}
	if !applied {
		return ResultStale, nil
	}
	return ResultApplied, nil
}

// deriveTier maps the subscription's price to a tier. An unknown price
// returns nil so the stored tier is left as is.
func (p *EventProcessor) deriveTier(ctx context.Context, log *slog.Logger, sub *types.SubscriptionSnapshot) *types.Tier {
	tier, ok := p.catalog.Derive(sub.PriceID, sub.ProductID)
	if !ok {
		log.WarnContext(ctx, "subscription price not in tier catalog; tier unchanged",
			slog.String("subscription_id", sub.ID),
			slog.String("price_id", sub.PriceID),
			slog.String("product_id", sub.ProductID),
		)
		return nil
	}
	return &tier
}

func periodEnd(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
