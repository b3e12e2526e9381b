package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/clubworks/memberd/internal/audit/domain"
	"github.com/clubworks/memberd/internal/auditcontext"
	"github.com/clubworks/memberd/internal/clock"
	dunningdomain "github.com/clubworks/memberd/internal/dunning/domain"
	"github.com/clubworks/memberd/internal/observability/metrics"
	paymentdomain "github.com/clubworks/memberd/internal/payment/domain"
	subscriptiondomain "github.com/clubworks/memberd/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// resumeWindow is how long an unprocessed inbound event is presumed to be in
// flight before a redelivery may reclaim it. It must comfortably exceed the
// intake deadline so a live first delivery can never be reclaimed.
const resumeWindow = time.Minute

type Params struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	Clock         clock.Clock
	GenID         *snowflake.Node
	Repo          paymentdomain.Repository
	Subscriptions subscriptiondomain.Service
	Dunning       dunningdomain.Service
	Audit         auditdomain.Service
	Metrics       *metrics.Metrics `optional:"true"`
}

type Service struct {
	db            *gorm.DB
	log           *zap.Logger
	clock         clock.Clock
	genID         *snowflake.Node
	repo          paymentdomain.Repository
	subscriptions subscriptiondomain.Service
	dunning       dunningdomain.Service
	audit         auditdomain.Service
	metrics       *metrics.Metrics
}

func NewService(p Params) paymentdomain.Service {
	return &Service{
		db:            p.DB,
		log:           p.Log.Named("payment.service"),
		clock:         p.Clock,
		genID:         p.GenID,
		repo:          p.Repo,
		subscriptions: p.Subscriptions,
		dunning:       p.Dunning,
		audit:         p.Audit,
		metrics:       p.Metrics,
	}
}

func (s *Service) Ingest(ctx context.Context, event *paymentdomain.GatewayEvent, payload []byte) (paymentdomain.IngestResult, error) {
	result, err := s.ingest(ctx, event, payload)
	if s.metrics != nil {
		eventType := "unknown"
		if event != nil && strings.TrimSpace(event.Type) != "" {
			eventType = event.Type
		}
		status := result.Status
		if status == "" {
			status = "error"
		}
		s.metrics.WebhookEvents.WithLabelValues(eventType, status).Inc()
	}
	return result, err
}

func (s *Service) ingest(ctx context.Context, event *paymentdomain.GatewayEvent, payload []byte) (paymentdomain.IngestResult, error) {
	if event == nil {
		return rejected("missing_event"), nil
	}
	if !json.Valid(payload) {
		return rejected("invalid_payload"), nil
	}
	event.EventID = strings.TrimSpace(event.EventID)
	event.Type = strings.TrimSpace(event.Type)
	if event.EventID == "" {
		return rejected("missing_event_id"), nil
	}
	if event.Type == "" {
		return rejected("missing_event_type"), nil
	}

	if !paymentdomain.KnownEventType(event.Type) {
		// Unknown types are acknowledged so the gateway stops retrying, but
		// nothing is stored for them.
		s.log.Info("ignoring unknown event type",
			zap.String("event_id", event.EventID),
			zap.String("event_type", event.Type),
		)
		return paymentdomain.IngestResult{Status: paymentdomain.IngestAccepted, Detail: "ignored_event_type"}, nil
	}

	if detail := validateObject(event); detail != "" {
		return rejected(detail), nil
	}

	now := s.clock.Now()
	received := paymentdomain.InboundEvent{
		ID:         s.genID.Generate(),
		EventID:    event.EventID,
		EventType:  event.Type,
		Payload:    datatypes.JSON(payload),
		ReceivedAt: now,
	}

	inserted, err := s.repo.InsertEvent(ctx, s.db, &received)
	if err != nil {
		return paymentdomain.IngestResult{}, err
	}
	stored := &received
	if !inserted {
		stored, err = s.repo.FindEvent(ctx, s.db, event.EventID)
		if err != nil {
			return paymentdomain.IngestResult{}, err
		}
		if stored == nil {
			return paymentdomain.IngestResult{}, paymentdomain.ErrInvalidEvent
		}
		if stored.ProcessedAt != nil {
			return paymentdomain.IngestResult{Status: paymentdomain.IngestDuplicate}, nil
		}
		// Unprocessed rows younger than the resume window belong to a
		// delivery still in flight. A row older than that is an orphan from
		// a crashed attempt; exactly one redelivery wins the claim and
		// finishes the work.
		claimed, err := s.repo.ClaimUnprocessed(ctx, s.db, event.EventID, now.Add(-resumeWindow), now)
		if err != nil {
			return paymentdomain.IngestResult{}, err
		}
		if !claimed {
			return paymentdomain.IngestResult{Status: paymentdomain.IngestDuplicate}, nil
		}
	}

	ctx = auditcontext.WithRequestID(ctx, event.EventID)

	handlerErr := s.dispatch(ctx, event)

	record := paymentdomain.ProcessingRecord{
		ID:          s.genID.Generate(),
		EventID:     event.EventID,
		EventType:   event.Type,
		Status:      paymentdomain.ProcessingStatusProcessed,
		ProcessedAt: s.clock.Now(),
	}
	if handlerErr != nil {
		record.Status = paymentdomain.ProcessingStatusFailed
		record.ErrorDetail = handlerErr.Error()
	}
	if err := s.repo.InsertProcessingRecord(ctx, s.db, &record); err != nil {
		s.log.Error("failed to write processing record",
			zap.String("event_id", event.EventID),
			zap.Error(err),
		)
	}
	if err := s.repo.MarkProcessed(ctx, s.db, stored.ID, s.clock.Now()); err != nil {
		return paymentdomain.IngestResult{}, err
	}

	if handlerErr != nil {
		// The event is acknowledged even when its handler failed; the failure
		// is queryable in processing_records and retrying the delivery would
		// just hit the dedupe gate.
		s.log.Error("event handler failed",
			zap.String("event_id", event.EventID),
			zap.String("event_type", event.Type),
			zap.Error(handlerErr),
		)
		return paymentdomain.IngestResult{
			Status: paymentdomain.IngestAccepted,
			Detail: "handler_failed",
		}, nil
	}
	return paymentdomain.IngestResult{Status: paymentdomain.IngestAccepted}, nil
}

func rejected(detail string) paymentdomain.IngestResult {
	return paymentdomain.IngestResult{Status: paymentdomain.IngestRejected, Detail: detail}
}

func validateObject(event *paymentdomain.GatewayEvent) string {
	obj := &event.Object
	obj.SubscriptionRef = strings.TrimSpace(obj.SubscriptionRef)
	obj.MemberID = strings.TrimSpace(obj.MemberID)
	obj.Currency = strings.ToUpper(strings.TrimSpace(obj.Currency))
	obj.Status = strings.TrimSpace(obj.Status)
	obj.ChargeRef = strings.TrimSpace(obj.ChargeRef)

	if obj.SubscriptionRef == "" {
		return "missing_subscription"
	}

	switch event.Type {
	case paymentdomain.EventTypeCheckoutCompleted:
		if obj.MemberID == "" {
			return "missing_member"
		}
		return validateMoney(obj)
	case paymentdomain.EventTypeInvoicePaid:
		return validateMoney(obj)
	case paymentdomain.EventTypeInvoicePaymentFailed:
		if detail := validateMoney(obj); detail != "" {
			return detail
		}
		// next_attempt_at is optional; the gateway omits it on the last try.
		if obj.AttemptCount < 1 {
			return "invalid_attempt_count"
		}
	case paymentdomain.EventTypeChargeRefunded:
		if detail := validateMoney(obj); detail != "" {
			return detail
		}
		if obj.ChargeRef == "" {
			return "missing_charge_ref"
		}
	case paymentdomain.EventTypeSubscriptionUpdated:
		if !subscriptiondomain.Status(obj.Status).Valid() {
			return "invalid_status"
		}
	case paymentdomain.EventTypeSubscriptionDeleted:
		if obj.MemberID == "" {
			return "missing_member"
		}
	}
	return ""
}

func validateMoney(obj *paymentdomain.EventObject) string {
	if obj.AmountMinor <= 0 {
		return "invalid_amount"
	}
	if len(obj.Currency) != 3 {
		return "invalid_currency"
	}
	return ""
}

func (s *Service) dispatch(ctx context.Context, event *paymentdomain.GatewayEvent) error {
	switch event.Type {
	case paymentdomain.EventTypeCheckoutCompleted:
		return s.handleCheckoutCompleted(ctx, event)
	case paymentdomain.EventTypeInvoicePaid:
		return s.handleInvoicePaid(ctx, event)
	case paymentdomain.EventTypeInvoicePaymentFailed:
		return s.handlePaymentFailed(ctx, event)
	case paymentdomain.EventTypeSubscriptionUpdated:
		return s.handleSubscriptionUpdated(ctx, event)
	case paymentdomain.EventTypeSubscriptionDeleted:
		return s.handleSubscriptionDeleted(ctx, event)
	case paymentdomain.EventTypeChargeRefunded:
		return s.handleChargeRefunded(ctx, event)
	default:
		return paymentdomain.ErrInvalidEvent
	}
}

func (s *Service) handleCheckoutCompleted(ctx context.Context, event *paymentdomain.GatewayEvent) error {
	obj := event.Object
	sub, err := s.subscriptions.GetByGatewayRef(ctx, obj.SubscriptionRef)
	if errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound) {
		sub, err = s.createSubscription(ctx, obj)
	}
	if err != nil {
		return err
	}

	if err := s.recordPayment(ctx, sub, event, paymentdomain.PaymentKindPayment); err != nil {
		return err
	}
	return s.restoreActive(ctx, sub)
}

func (s *Service) handleInvoicePaid(ctx context.Context, event *paymentdomain.GatewayEvent) error {
	sub, err := s.subscriptions.GetByGatewayRef(ctx, event.Object.SubscriptionRef)
	if err != nil {
		return err
	}

	if err := s.recordPayment(ctx, sub, event, paymentdomain.PaymentKindPayment); err != nil {
		return err
	}
	return s.restoreActive(ctx, sub)
}

func (s *Service) handlePaymentFailed(ctx context.Context, event *paymentdomain.GatewayEvent) error {
	obj := event.Object
	sub, err := s.subscriptions.GetByGatewayRef(ctx, obj.SubscriptionRef)
	if err != nil {
		return err
	}

	if subscriptiondomain.Status(sub.Status) == subscriptiondomain.StatusActive {
		if err := s.subscriptions.Transition(ctx, sub.ID, subscriptiondomain.StatusPastDue); err != nil {
			return err
		}
	}

	_, err = s.dunning.OnPaymentFailed(ctx, dunningdomain.OnPaymentFailedParams{
		SubscriptionID: sub.ID,
		MemberID:       sub.MemberID,
		AmountDueMinor: obj.AmountMinor,
		Currency:       obj.Currency,
		FailedAt:       s.occurredAt(obj),
	})
	return err
}

func (s *Service) handleSubscriptionUpdated(ctx context.Context, event *paymentdomain.GatewayEvent) error {
	obj := event.Object
	sub, err := s.subscriptions.GetByGatewayRef(ctx, obj.SubscriptionRef)
	if err != nil {
		return err
	}

	target := subscriptiondomain.Status(obj.Status)
	if err := s.subscriptions.Transition(ctx, sub.ID, target); err != nil {
		return err
	}
	if target != subscriptiondomain.StatusPastDue {
		if _, err := s.dunning.ResolveForSubscription(ctx, sub.ID); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) handleSubscriptionDeleted(ctx context.Context, event *paymentdomain.GatewayEvent) error {
	sub, err := s.subscriptions.GetByGatewayRef(ctx, event.Object.SubscriptionRef)
	if err != nil {
		return err
	}

	if subscriptiondomain.Status(sub.Status) != subscriptiondomain.StatusCancel {
		if err := s.subscriptions.Transition(ctx, sub.ID, subscriptiondomain.StatusCancel); err != nil {
			return err
		}
	}
	if _, err := s.dunning.ResolveForSubscription(ctx, sub.ID); err != nil {
		return err
	}
	return nil
}

func (s *Service) handleChargeRefunded(ctx context.Context, event *paymentdomain.GatewayEvent) error {
	sub, err := s.subscriptions.GetByGatewayRef(ctx, event.Object.SubscriptionRef)
	if err != nil {
		return err
	}

	if err := s.recordPayment(ctx, sub, event, paymentdomain.PaymentKindRefund); err != nil {
		return err
	}

	return s.audit.Append(auditcontext.WithSubscriptionID(ctx, sub.ID), auditdomain.Entry{
		Action:      "payment.refunded",
		TargetType:  "subscription",
		TargetID:    sub.ID,
		Description: "charge refunded by gateway",
		Success:     true,
		Metadata: map[string]any{
			"amount_minor": event.Object.AmountMinor,
			"currency":     event.Object.Currency,
			"charge_ref":   event.Object.ChargeRef,
		},
	})
}

func (s *Service) createSubscription(ctx context.Context, obj paymentdomain.EventObject) (*subscriptiondomain.Subscription, error) {
	sub := &subscriptiondomain.Subscription{
		ID:         s.genID.Generate().String(),
		MemberID:   obj.MemberID,
		Status:     string(subscriptiondomain.StatusActive),
		GatewayRef: obj.SubscriptionRef,
	}
	if err := s.subscriptions.Create(ctx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

func (s *Service) restoreActive(ctx context.Context, sub *subscriptiondomain.Subscription) error {
	if subscriptiondomain.Status(sub.Status) == subscriptiondomain.StatusPastDue {
		if err := s.subscriptions.Transition(ctx, sub.ID, subscriptiondomain.StatusActive); err != nil {
			return err
		}
	}
	if _, err := s.dunning.ResolveForSubscription(ctx, sub.ID); err != nil {
		return err
	}
	return nil
}

func (s *Service) recordPayment(ctx context.Context, sub *subscriptiondomain.Subscription, event *paymentdomain.GatewayEvent, kind string) error {
	obj := event.Object
	payment := paymentdomain.Payment{
		ID:             s.genID.Generate(),
		SubscriptionID: sub.ID,
		MemberID:       sub.MemberID,
		Kind:           kind,
		AmountMinor:    obj.AmountMinor,
		Currency:       obj.Currency,
		GatewayRef:     obj.ChargeRef,
		OccurredAt:     s.occurredAt(obj),
	}
	if err := s.repo.InsertPayment(ctx, s.db, &payment); err != nil {
		return err
	}

	if kind == paymentdomain.PaymentKindPayment {
		_ = s.audit.Append(auditcontext.WithSubscriptionID(ctx, sub.ID), auditdomain.Entry{
			Action:      "payment.received",
			TargetType:  "subscription",
			TargetID:    sub.ID,
			Description: "payment recorded from gateway event",
			Success:     true,
			Metadata: map[string]any{
				"amount_minor": obj.AmountMinor,
				"currency":     obj.Currency,
				"event_id":     event.EventID,
			},
		})
	}
	return nil
}

func (s *Service) occurredAt(obj paymentdomain.EventObject) time.Time {
	if obj.OccurredAt > 0 {
		return time.Unix(obj.OccurredAt, 0).UTC()
	}
	return s.clock.Now()
}
