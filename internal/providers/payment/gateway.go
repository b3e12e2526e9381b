// Package payment talks to the upstream payment gateway.
package payment

import (
	"context"
	"errors"
)

var ErrAlreadyCanceled = errors.New("gateway_subscription_already_canceled")

// Gateway cancels subscriptions at the payment provider. CancelSubscription
// must be idempotent: canceling an already-canceled subscription returns
// ErrAlreadyCanceled, which callers treat as success.
type Gateway interface {
	CancelSubscription(ctx context.Context, gatewayRef string) error
}

type NoOpGateway struct{}

func (g *NoOpGateway) CancelSubscription(ctx context.Context, gatewayRef string) error {
	return nil
}
