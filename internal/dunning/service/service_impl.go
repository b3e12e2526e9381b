package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/clubworks/memberd/internal/audit/domain"
	"github.com/clubworks/memberd/internal/auditcontext"
	cancellationdomain "github.com/clubworks/memberd/internal/cancellation/domain"
	"github.com/clubworks/memberd/internal/clock"
	"github.com/clubworks/memberd/internal/config"
	"github.com/clubworks/memberd/internal/dunning/domain"
	"github.com/clubworks/memberd/internal/dunning/guard"
	memberdomain "github.com/clubworks/memberd/internal/member/domain"
	"github.com/clubworks/memberd/internal/observability/metrics"
	"github.com/clubworks/memberd/internal/providers/email"
	subscriptiondomain "github.com/clubworks/memberd/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const reminderTimeout = 10 * time.Second

type Params struct {
	fx.In

	Config        config.Config
	Dunning       *config.DunningConfigHolder
	DB            *gorm.DB
	Log           *zap.Logger
	Clock         clock.Clock
	GenID         *snowflake.Node
	Repo          domain.Repository
	Subscriptions subscriptiondomain.Service
	Members       memberdomain.Service
	Email         email.Provider
	Finalizer     cancellationdomain.Service
	Audit         auditdomain.Service
	Metrics       *metrics.Metrics
}

type Service struct {
	cfg           config.Config
	dunning       *config.DunningConfigHolder
	db            *gorm.DB
	log           *zap.Logger
	clock         clock.Clock
	genID         *snowflake.Node
	repo          domain.Repository
	subscriptions subscriptiondomain.Service
	members       memberdomain.Service
	email         email.Provider
	finalizer     cancellationdomain.Service
	audit         auditdomain.Service
	metrics       *metrics.Metrics

	scanning atomic.Bool
}

func NewService(p Params) domain.Service {
	return &Service{
		cfg:           p.Config,
		dunning:       p.Dunning,
		db:            p.DB,
		log:           p.Log.Named("dunning.service"),
		clock:         p.Clock,
		genID:         p.GenID,
		repo:          p.Repo,
		subscriptions: p.Subscriptions,
		members:       p.Members,
		email:         p.Email,
		finalizer:     p.Finalizer,
		audit:         p.Audit,
		metrics:       p.Metrics,
	}
}

func (s *Service) OnPaymentFailed(ctx context.Context, params domain.OnPaymentFailedParams) (*domain.DunningRecord, error) {
	if params.AmountDueMinor <= 0 {
		return nil, domain.ErrInvalidAmount
	}
	currency := strings.ToUpper(strings.TrimSpace(params.Currency))
	if len(currency) != 3 {
		return nil, domain.ErrInvalidCurrency
	}

	failedAt := params.FailedAt
	if failedAt.IsZero() {
		failedAt = s.clock.Now()
	}

	rec := &domain.DunningRecord{
		ID:             s.genID.Generate().String(),
		SubscriptionID: params.SubscriptionID,
		MemberID:       params.MemberID,
		CurrentStage:   domain.StagePaymentFailed,
		AmountDueMinor: params.AmountDueMinor,
		Currency:       currency,
		ReminderCount:  1,
		StartedAt:      failedAt.UTC(),
	}

	inserted, err := s.repo.InsertIfNoneActive(ctx, s.db, rec)
	if err != nil {
		return nil, err
	}
	if !inserted {
		// An episode is already running; repeated failure events fold into it.
		return s.repo.FindActiveBySubscription(ctx, s.db, params.SubscriptionID)
	}

	_ = s.audit.Append(auditcontext.WithSubscriptionID(ctx, params.SubscriptionID), auditdomain.Entry{
		Action:      "dunning.episode_opened",
		TargetType:  "dunning_record",
		TargetID:    rec.ID,
		Description: "payment failed, recovery episode opened",
		Success:     true,
		Metadata: map[string]any{
			"member_id":        params.MemberID,
			"amount_due_minor": params.AmountDueMinor,
			"currency":         currency,
		},
	})

	stages := s.dunning.Get().Stages
	s.sendReminder(ctx, rec, stages[0].TemplateID)

	s.log.Info("dunning episode opened",
		zap.String("dunning_record_id", rec.ID),
		zap.String("subscription_id", params.SubscriptionID),
		zap.Int64("amount_due_minor", params.AmountDueMinor),
		zap.String("currency", currency),
	)
	return rec, nil
}

func (s *Service) ScanDue(ctx context.Context, now time.Time) (domain.ScanSummary, error) {
	if !s.scanning.CompareAndSwap(false, true) {
		return domain.ScanSummary{}, domain.ErrScanInProgress
	}
	defer s.scanning.Store(false)

	started := time.Now()
	defer func() {
		if s.metrics != nil {
			s.metrics.ScanDuration.Observe(time.Since(started).Seconds())
		}
	}()

	records, err := s.repo.ListActive(ctx, s.db, s.cfg.ScanBatchSize)
	if err != nil {
		return domain.ScanSummary{}, err
	}

	schedule := s.dunning.Get().Stages

	var summary domain.ScanSummary
	summary.Total = len(records)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	parallelism := s.cfg.ScanParallelism
	if parallelism <= 0 {
		parallelism = 1
	}
	g.SetLimit(parallelism)

	for _, rec := range records {
		rec := rec
		g.Go(func() error {
			outcome, err := s.processRecord(gctx, rec, now, schedule)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				summary.Errors++
				s.log.Error("dunning scan: record failed",
					zap.String("dunning_record_id", rec.ID),
					zap.String("stage", rec.CurrentStage),
					zap.Error(err),
				)
			case outcome == outcomeAdvanced:
				summary.Advanced++
			default:
				summary.Skipped++
			}
			if s.metrics != nil {
				label := outcome
				if err != nil {
					label = "error"
				}
				s.metrics.ScanRecords.WithLabelValues(label).Inc()
			}
			return nil
		})
	}
	_ = g.Wait()

	s.log.Info("dunning scan finished",
		zap.Time("as_of", now),
		zap.Int("total", summary.Total),
		zap.Int("advanced", summary.Advanced),
		zap.Int("skipped", summary.Skipped),
		zap.Int("errors", summary.Errors),
		zap.Duration("took", time.Since(started)),
	)
	return summary, nil
}

const (
	outcomeAdvanced   = "advanced"
	outcomeResolved   = "resolved"
	outcomeNotDue     = "not_due"
	outcomeConcurrent = "concurrent"
	outcomeTerminal   = "terminal"
)

func (s *Service) processRecord(ctx context.Context, rec *domain.DunningRecord, now time.Time, schedule []config.DunningStage) (string, error) {
	sub, err := s.subscriptions.GetByID(ctx, rec.SubscriptionID)
	if err != nil {
		return "", err
	}

	// The episode aborts as soon as the subscription is no longer past due,
	// whatever stage it reached.
	if subscriptiondomain.Status(sub.Status) != subscriptiondomain.StatusPastDue {
		resolved, err := s.repo.MarkResolved(ctx, s.db, rec.ID, now)
		if err != nil {
			return "", err
		}
		if resolved {
			_ = s.audit.Append(auditcontext.WithSubscriptionID(ctx, rec.SubscriptionID), auditdomain.Entry{
				Action:      "dunning.resolved",
				TargetType:  "dunning_record",
				TargetID:    rec.ID,
				Description: "subscription recovered, episode closed",
				Success:     true,
				Metadata:    map[string]any{"subscription_status": sub.Status},
			})
		}
		return outcomeResolved, nil
	}

	currentRank := guard.StageRank(schedule, rec.CurrentStage)
	if currentRank < 0 {
		return "", domain.ErrUnknownStage
	}
	if currentRank == len(schedule)-1 {
		return outcomeTerminal, nil
	}

	// A record that missed scans jumps straight to the highest stage whose
	// offset has already passed.
	targetRank := currentRank
	for i := currentRank + 1; i < len(schedule); i++ {
		due := rec.StartedAt.Add(time.Duration(schedule[i].OffsetDays) * 24 * time.Hour)
		if due.After(now) {
			break
		}
		targetRank = i
	}
	if targetRank == currentRank {
		return outcomeNotDue, nil
	}

	target := schedule[targetRank]
	if err := guard.EnsureCanAdvance(schedule, rec.CurrentStage, target.Stage); err != nil {
		return "", err
	}

	if targetRank == len(schedule)-1 {
		// Final deadline passed: compensating actions retire the episode and
		// mark the record terminal.
		result, err := s.finalizer.Finalize(ctx, rec)
		if err != nil {
			return "", err
		}
		if s.metrics != nil {
			s.metrics.StageTransitions.WithLabelValues(rec.CurrentStage, target.Stage).Inc()
		}
		if !result.Success {
			s.log.Warn("dunning finalize completed with failed steps",
				zap.String("dunning_record_id", rec.ID),
				zap.Strings("steps_failed", result.StepsFailed),
			)
		}
		return outcomeAdvanced, nil
	}

	moved, err := s.repo.AdvanceStage(ctx, s.db, rec.ID, rec.CurrentStage, target.Stage, now)
	if err != nil {
		return "", err
	}
	if !moved {
		return outcomeConcurrent, nil
	}

	if s.metrics != nil {
		s.metrics.StageTransitions.WithLabelValues(rec.CurrentStage, target.Stage).Inc()
	}
	_ = s.audit.Append(auditcontext.WithSubscriptionID(ctx, rec.SubscriptionID), auditdomain.Entry{
		Action:      "dunning.stage_advanced",
		TargetType:  "dunning_record",
		TargetID:    rec.ID,
		Description: "dunning stage advanced",
		Success:     true,
		Metadata: map[string]any{
			"from": rec.CurrentStage,
			"to":   target.Stage,
		},
	})

	rec.CurrentStage = target.Stage
	s.sendReminder(ctx, rec, target.TemplateID)
	return outcomeAdvanced, nil
}

func (s *Service) ResolveForSubscription(ctx context.Context, subscriptionID string) (bool, error) {
	rec, err := s.repo.FindActiveBySubscription(ctx, s.db, subscriptionID)
	if err != nil {
		if errors.Is(err, domain.ErrRecordNotFound) {
			return false, nil
		}
		return false, err
	}

	resolved, err := s.repo.MarkResolved(ctx, s.db, rec.ID, s.clock.Now())
	if err != nil {
		return false, err
	}
	if resolved {
		_ = s.audit.Append(auditcontext.WithSubscriptionID(ctx, subscriptionID), auditdomain.Entry{
			Action:      "dunning.resolved",
			TargetType:  "dunning_record",
			TargetID:    rec.ID,
			Description: "payment recovered, episode closed",
			Success:     true,
			Metadata:    map[string]any{"stage_at_resolution": rec.CurrentStage},
		})
		s.log.Info("dunning episode resolved",
			zap.String("dunning_record_id", rec.ID),
			zap.String("subscription_id", subscriptionID),
			zap.String("stage", rec.CurrentStage),
		)
	}
	return resolved, nil
}

// sendReminder delivers a reminder on a best-effort basis. A failed or slow
// send never fails the stage transition that triggered it.
func (s *Service) sendReminder(ctx context.Context, rec *domain.DunningRecord, templateID string) {
	member, err := s.members.GetByID(ctx, rec.MemberID)
	if err != nil {
		s.log.Warn("reminder skipped: member lookup failed",
			zap.String("member_id", rec.MemberID),
			zap.Error(err),
		)
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, reminderTimeout)
	defer cancel()

	result, err := s.email.Send(sendCtx, templateID, member.Email, map[string]any{
		"amount_due": rec.AmountDueMinor,
		"currency":   rec.Currency,
		"stage":      rec.CurrentStage,
	})
	if err != nil {
		s.log.Warn("reminder delivery failed",
			zap.String("dunning_record_id", rec.ID),
			zap.String("template_id", templateID),
			zap.Error(err),
		)
		return
	}
	s.log.Info("reminder sent",
		zap.String("dunning_record_id", rec.ID),
		zap.String("template_id", templateID),
		zap.String("message_id", result.MessageID),
	)
}
