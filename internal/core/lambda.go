package core

import (
	"context"
	"net/http"

	"github.com/aws/aws-lambda-go/events"
	"github.com/awslabs/aws-lambda-go-api-proxy/httpadapter"
)

// LambdaAdapter serves API Gateway HTTP API (payload v2) events through an
// http.Handler.
type LambdaAdapter struct {
	proxy       *httpadapter.HandlerAdapterV2
	afterInvoke func(ctx context.Context)
}

// NewLambdaAdapter wraps handler. afterInvoke, if non-nil, runs after every
// invocation before the response is returned, while the execution
// environment is still thawed (metrics flushing).
func NewLambdaAdapter(handler http.Handler, afterInvoke func(ctx context.Context)) *LambdaAdapter {
	return &LambdaAdapter{proxy: httpadapter.NewV2(handler), afterInvoke: afterInvoke}
}

// Handle serves one event through the router.
func (a *LambdaAdapter) Handle(ctx context.Context, event events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	resp, err := a.proxy.ProxyWithContext(ctx, event)
	if a.afterInvoke != nil {
		a.afterInvoke(ctx)
	}
	return resp, err
}
