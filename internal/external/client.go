// Package external is the boundary between billing logic and the payment
// gateway. Outbound HTTP calls go through BaseClient, which applies circuit
// breaking and request-id propagation.
package external

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"

	"billingsync/internal/types"
)

// BaseClient wraps an *http.Client and a circuit breaker. Each call is a
// single attempt: gateway failures on the request path are terminal for the
// caller and webhook redelivery is the only retry mechanism.
type BaseClient struct {
	client    *http.Client
	breaker   *gobreaker.CircuitBreaker[*http.Response]
	userAgent string
}

// BaseClientOption is a functional option for configuring a BaseClient.
type BaseClientOption func(*BaseClient)

func withBreaker(cb *gobreaker.CircuitBreaker[*http.Response]) BaseClientOption {
	return func(c *BaseClient) {
		c.breaker = cb
	}
}

// NewBreaker returns the circuit breaker used for gateway calls: it opens
// after more than five consecutive failures and probes again after 30s.
func NewBreaker(name string) *gobreaker.CircuitBreaker[*http.Response] {
	return gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	})
}

// NewBaseClient creates a BaseClient.
func NewBaseClient(httpClient *http.Client, breakerName, userAgent string, opts ...BaseClientOption) *BaseClient {
	bc := &BaseClient{
		client:    httpClient,
		breaker:   NewBreaker(breakerName),
		userAgent: userAgent,
	}
	for _, opt := range opts {
		opt(bc)
	}
	return bc
}

// Do executes the request through the circuit breaker.
//
// Any response the upstream produced is returned to the caller, including
// 429/5xx, so provider clients can surface the upstream error message. Those
// still count as failures for the breaker. An error is returned only when no
// response is available: transport failure or an open breaker. The caller
// closes the body.
func (c *BaseClient) Do(req *http.Request) (*http.Response, error) {
	if reqID := types.GetRequestID(req.Context()); reqID != "" {
		req.Header.Set("X-Request-Id", reqID)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.breaker.Execute(func() (*http.Response, error) {
		r, doErr := c.client.Do(req)
		if doErr != nil {
			return nil, doErr
		}
		if r.StatusCode >= 500 || r.StatusCode == http.StatusTooManyRequests {
			return r, fmt.Errorf("upstream returned %d", r.StatusCode)
		}
		return r, nil
	})
	if resp != nil {
		return resp, nil
	}
	return nil, mapTransportError(err)
}

func mapTransportError(err error) *types.AppError {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return types.NewAppError(
			types.ErrCodeUpstreamUnavailable,
			"payment gateway temporarily unavailable (circuit open)",
			err,
		)
	}
	msg := "payment gateway request failed"
	if err != nil {
		msg = fmt.Sprintf("payment gateway request failed: %v", err)
	}
	return types.NewAppError(types.ErrCodeUpstreamUnavailable, msg, err)
}
