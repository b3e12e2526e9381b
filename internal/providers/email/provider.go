// Package email sends dunning reminder notifications.
package email

import "context"

type SendResult struct {
	MessageID string
}

// Provider delivers a templated notification. Implementations must be safe for
// concurrent use; delivery failures are the caller's to tolerate.
type Provider interface {
	Send(ctx context.Context, templateID string, to string, vars map[string]any) (SendResult, error)
}

type NoOpProvider struct{}

func (p *NoOpProvider) Send(ctx context.Context, templateID string, to string, vars map[string]any) (SendResult, error) {
	return SendResult{MessageID: "noop"}, nil
}
