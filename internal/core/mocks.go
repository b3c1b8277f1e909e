package core

import (
	"context"
	"sync"
	"time"

	"billingsync/internal/types"
)

// MockAuthenticator is an Authenticator for tests. ResolveTokenFunc, when
// set, takes precedence; otherwise Err is returned if set, else Actor.
type MockAuthenticator struct {
	Actor            *types.Actor
	Err              error
	ResolveTokenFunc func(ctx context.Context, token string) (*types.Actor, error)

	mu    sync.Mutex
	Calls []string
}

// ResolveToken records the token and returns the configured result.
func (m *MockAuthenticator) ResolveToken(ctx context.Context, token string) (*types.Actor, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, token)
	m.mu.Unlock()

	if m.ResolveTokenFunc != nil {
		return m.ResolveTokenFunc(ctx, token)
	}
	if m.Err != nil {
		return nil, m.Err
	}
	return m.Actor, nil
}

// CallCount returns how many tokens were resolved.
func (m *MockAuthenticator) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

// MockMetrics records observations for assertions.
type MockMetrics struct {
	mu       sync.Mutex
	Requests []RecordedRequest
	Webhooks []string
}

// RecordedRequest is one RecordRequest observation.
type RecordedRequest struct {
	Method, Endpoint, Status string
	Duration                 time.Duration
}

func (m *MockMetrics) RecordRequest(method, endpoint, status string, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Requests = append(m.Requests, RecordedRequest{method, endpoint, status, duration})
}

func (m *MockMetrics) RecordWebhookEvent(eventType, result string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Webhooks = append(m.Webhooks, eventType+":"+result)
}

var (
	_ Authenticator    = (*MockAuthenticator)(nil)
	_ MetricsCollector = (*MockMetrics)(nil)
)
