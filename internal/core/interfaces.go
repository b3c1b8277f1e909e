package core

import (
	"context"
	"time"

	"billingsync/internal/types"
)

// Authenticator decouples the HTTP layer from the token format.
type Authenticator interface {
	// ResolveToken returns the Actor a bearer token identifies.
	// Returns ErrCodeAuthTokenInvalid for malformed or unverifiable tokens
	// and ErrCodeAuthTokenExpired for expired ones.
	ResolveToken(ctx context.Context, token string) (*types.Actor, error)
}

// MetricsCollector records API and webhook telemetry.
type MetricsCollector interface {
	RecordRequest(method, endpoint, status string, duration time.Duration)
	RecordWebhookEvent(eventType, result string)
}

// HealthProbe checks one critical dependency.
type HealthProbe interface {
	Name() string
	Check(ctx context.Context) error
}
