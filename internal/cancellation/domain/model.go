// Package domain defines the cancellation finalize contract.
package domain

import (
	"context"

	dunningdomain "github.com/clubworks/memberd/internal/dunning/domain"
)

const (
	StepGatewayCancel      = "gateway_cancel"
	StepSubscriptionCancel = "subscription_cancel"
	StepRoleDowngrade      = "role_downgrade"
	StepNotifyMember       = "notify_member"
	StepRecordTerminal     = "record_terminal"
)

// FinalizeResult reports what each compensating step did. A step lands in
// exactly one of the three lists.
type FinalizeResult struct {
	Success       bool
	StepsExecuted []string
	StepsSkipped  []string
	StepsFailed   []string
}

// Service runs the compensating actions that retire a dunning episode whose
// final deadline passed. Finalize is idempotent: steps already applied by an
// earlier attempt are skipped, not repeated.
type Service interface {
	Finalize(ctx context.Context, rec *dunningdomain.DunningRecord) (FinalizeResult, error)
}
