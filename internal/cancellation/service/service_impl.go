package service

import (
	"context"
	"errors"
	"time"

	auditdomain "github.com/clubworks/memberd/internal/audit/domain"
	"github.com/clubworks/memberd/internal/auditcontext"
	"github.com/clubworks/memberd/internal/cancellation/domain"
	"github.com/clubworks/memberd/internal/clock"
	dunningdomain "github.com/clubworks/memberd/internal/dunning/domain"
	memberdomain "github.com/clubworks/memberd/internal/member/domain"
	"github.com/clubworks/memberd/internal/observability/metrics"
	"github.com/clubworks/memberd/internal/providers/email"
	"github.com/clubworks/memberd/internal/providers/payment"
	subscriptiondomain "github.com/clubworks/memberd/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const notifyTimeout = 10 * time.Second

type Params struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	Clock         clock.Clock
	Gateway       payment.Gateway
	Subscriptions subscriptiondomain.Service
	Members       memberdomain.Service
	Email         email.Provider
	DunningRepo   dunningdomain.Repository
	Audit         auditdomain.Service
	Metrics       *metrics.Metrics
}

type Service struct {
	db            *gorm.DB
	log           *zap.Logger
	clock         clock.Clock
	gateway       payment.Gateway
	subscriptions subscriptiondomain.Service
	members       memberdomain.Service
	email         email.Provider
	dunningRepo   dunningdomain.Repository
	audit         auditdomain.Service
	metrics       *metrics.Metrics
}

func NewService(p Params) domain.Service {
	return &Service{
		db:            p.DB,
		log:           p.Log.Named("cancellation.service"),
		clock:         p.Clock,
		gateway:       p.Gateway,
		subscriptions: p.Subscriptions,
		members:       p.Members,
		email:         p.Email,
		dunningRepo:   p.DunningRepo,
		audit:         p.Audit,
		metrics:       p.Metrics,
	}
}

// Finalize runs each compensating step in order. A failed step is recorded
// and the remaining steps still run, so a retry only needs to redo what is
// missing.
func (s *Service) Finalize(ctx context.Context, rec *dunningdomain.DunningRecord) (domain.FinalizeResult, error) {
	ctx = auditcontext.WithSubscriptionID(ctx, rec.SubscriptionID)

	var result domain.FinalizeResult
	record := func(step string, outcome string) {
		switch outcome {
		case "executed":
			result.StepsExecuted = append(result.StepsExecuted, step)
		case "skipped":
			result.StepsSkipped = append(result.StepsSkipped, step)
		case "failed":
			result.StepsFailed = append(result.StepsFailed, step)
		}
		if s.metrics != nil {
			s.metrics.FinalizeSteps.WithLabelValues(step, outcome).Inc()
		}
	}

	sub, err := s.subscriptions.GetByID(ctx, rec.SubscriptionID)
	if err != nil {
		s.log.Error("finalize: subscription lookup failed",
			zap.String("subscription_id", rec.SubscriptionID),
			zap.Error(err),
		)
		return domain.FinalizeResult{}, err
	}

	// Step 1: cancel at the gateway.
	if err := s.gateway.CancelSubscription(ctx, sub.GatewayRef); err != nil {
		if errors.Is(err, payment.ErrAlreadyCanceled) {
			record(domain.StepGatewayCancel, "skipped")
		} else {
			s.log.Warn("finalize: gateway cancel failed",
				zap.String("subscription_id", rec.SubscriptionID),
				zap.Error(err),
			)
			record(domain.StepGatewayCancel, "failed")
		}
	} else {
		record(domain.StepGatewayCancel, "executed")
	}

	// Step 2: mark the subscription canceled.
	switch subscriptiondomain.Status(sub.Status) {
	case subscriptiondomain.StatusCancel:
		record(domain.StepSubscriptionCancel, "skipped")
	default:
		if err := s.subscriptions.Transition(ctx, sub.ID, subscriptiondomain.StatusCancel); err != nil {
			s.log.Warn("finalize: subscription transition failed",
				zap.String("subscription_id", sub.ID),
				zap.Error(err),
			)
			record(domain.StepSubscriptionCancel, "failed")
		} else {
			record(domain.StepSubscriptionCancel, "executed")
		}
	}

	// Step 3: downgrade the member role.
	downgraded, err := s.members.DowngradeRole(ctx, rec.MemberID)
	switch {
	case err != nil:
		s.log.Warn("finalize: role downgrade failed",
			zap.String("member_id", rec.MemberID),
			zap.Error(err),
		)
		record(domain.StepRoleDowngrade, "failed")
	case !downgraded:
		record(domain.StepRoleDowngrade, "skipped")
	default:
		record(domain.StepRoleDowngrade, "executed")
	}

	// Step 4: cancellation notice. Delivery failure never blocks the rest.
	s.notifyMember(ctx, rec, record)

	// Step 5: retire the dunning record.
	now := s.clock.Now()
	moved, err := s.dunningRepo.AdvanceStage(ctx, s.db, rec.ID, rec.CurrentStage, dunningdomain.StageCanceled, now)
	switch {
	case err != nil:
		s.log.Error("finalize: failed to mark record terminal",
			zap.String("dunning_record_id", rec.ID),
			zap.Error(err),
		)
		record(domain.StepRecordTerminal, "failed")
	case !moved:
		record(domain.StepRecordTerminal, "skipped")
	default:
		record(domain.StepRecordTerminal, "executed")
	}

	result.Success = len(result.StepsFailed) == 0

	_ = s.audit.Append(ctx, auditdomain.Entry{
		Action:      "subscription.canceled",
		TargetType:  "subscription",
		TargetID:    rec.SubscriptionID,
		Description: "subscription canceled after dunning exhausted",
		Success:     result.Success,
		Metadata: map[string]any{
			"dunning_record_id": rec.ID,
			"steps_executed":    result.StepsExecuted,
			"steps_skipped":     result.StepsSkipped,
			"steps_failed":      result.StepsFailed,
		},
	})
	_ = s.audit.Append(ctx, auditdomain.Entry{
		Action:      "member.role_downgraded",
		TargetType:  "member",
		TargetID:    rec.MemberID,
		Description: "member downgraded to free role after cancellation",
		Success:     result.Success,
		Metadata: map[string]any{
			"subscription_id": rec.SubscriptionID,
		},
	})

	s.log.Info("cancellation finalized",
		zap.String("subscription_id", rec.SubscriptionID),
		zap.String("member_id", rec.MemberID),
		zap.Bool("success", result.Success),
		zap.Strings("steps_failed", result.StepsFailed),
	)
	return result, nil
}

func (s *Service) notifyMember(ctx context.Context, rec *dunningdomain.DunningRecord, record func(step, outcome string)) {
	member, err := s.members.GetByID(ctx, rec.MemberID)
	if err != nil {
		s.log.Warn("finalize: member lookup for notice failed",
			zap.String("member_id", rec.MemberID),
			zap.Error(err),
		)
		record(domain.StepNotifyMember, "failed")
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, notifyTimeout)
	defer cancel()

	_, err = s.email.Send(sendCtx, "dunning_canceled", member.Email, map[string]any{
		"amount_due": rec.AmountDueMinor,
		"currency":   rec.Currency,
		"stage":      dunningdomain.StageCanceled,
	})
	if err != nil {
		s.log.Warn("finalize: cancellation notice failed",
			zap.String("member_id", rec.MemberID),
			zap.Error(err),
		)
		record(domain.StepNotifyMember, "failed")
		return
	}
	record(domain.StepNotifyMember, "executed")
}
