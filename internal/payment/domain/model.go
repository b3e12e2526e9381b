// Package domain contains inbound gateway event models and the intake
// contract.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	EventTypeCheckoutCompleted    = "checkout_completed"
	EventTypeInvoicePaid          = "invoice_paid"
	EventTypeInvoicePaymentFailed = "invoice_payment_failed"
	EventTypeSubscriptionUpdated  = "subscription_updated"
	EventTypeSubscriptionDeleted  = "subscription_deleted"
	EventTypeChargeRefunded       = "charge_refunded"
)

// KnownEventType reports whether intake routes this type to a handler.
func KnownEventType(eventType string) bool {
	switch eventType {
	case EventTypeCheckoutCompleted, EventTypeInvoicePaid, EventTypeInvoicePaymentFailed,
		EventTypeSubscriptionUpdated, EventTypeSubscriptionDeleted, EventTypeChargeRefunded:
		return true
	}
	return false
}

// InboundEvent is the idempotency ledger row. event_id carries a unique
// index; the conflict-suppressed insert on it is the dedupe gate.
type InboundEvent struct {
	ID          snowflake.ID   `gorm:"primaryKey"`
	EventID     string         `gorm:"type:text;not null;uniqueIndex"`
	EventType   string         `gorm:"type:text;not null"`
	Payload     datatypes.JSON `gorm:"type:jsonb"`
	ReceivedAt  time.Time      `gorm:"not null"`
	ProcessedAt *time.Time     `gorm:""`
}

func (InboundEvent) TableName() string { return "inbound_events" }

const (
	ProcessingStatusProcessed = "processed"
	ProcessingStatusFailed    = "failed"
)

// ProcessingRecord captures the handler outcome for one event attempt.
type ProcessingRecord struct {
	ID          snowflake.ID `gorm:"primaryKey"`
	EventID     string       `gorm:"type:text;not null;index"`
	EventType   string       `gorm:"type:text;not null"`
	Status      string       `gorm:"type:text;not null"`
	ErrorDetail string       `gorm:"type:text"`
	ProcessedAt time.Time    `gorm:"not null"`
}

func (ProcessingRecord) TableName() string { return "processing_records" }

const (
	PaymentKindPayment = "payment"
	PaymentKindRefund  = "refund"
)

// Payment records money movement in minor units, never floats.
type Payment struct {
	ID             snowflake.ID `gorm:"primaryKey"`
	SubscriptionID string       `gorm:"type:text;not null;index"`
	MemberID       string       `gorm:"type:text;not null;index"`
	Kind           string       `gorm:"type:text;not null"`
	AmountMinor    int64        `gorm:"not null"`
	Currency       string       `gorm:"type:text;not null"`
	GatewayRef     string       `gorm:"type:text"`
	OccurredAt     time.Time    `gorm:"not null"`
	CreatedAt      time.Time    `gorm:"not null"`
}

func (Payment) TableName() string { return "payments" }

// EventObject is the gateway's view of the entity the event concerns.
type EventObject struct {
	SubscriptionRef string `json:"subscription_id"`
	MemberID        string `json:"member_id"`
	AmountMinor     int64  `json:"amount_minor"`
	Currency        string `json:"currency"`
	Status          string `json:"status"`
	ChargeRef       string `json:"charge_ref"`
	AttemptCount    int    `json:"attempt_count"`
	NextAttemptAt   int64  `json:"next_attempt_at"`
	OccurredAt      int64  `json:"occurred_at"`
}

// GatewayEvent is the parsed webhook envelope.
type GatewayEvent struct {
	EventID string      `json:"event_id"`
	Type    string      `json:"type"`
	Object  EventObject `json:"object"`
}

const (
	IngestAccepted  = "accepted"
	IngestDuplicate = "duplicate"
	IngestRejected  = "rejected"
)

type IngestResult struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Service ingests verified gateway events exactly once per event_id.
type Service interface {
	Ingest(ctx context.Context, event *GatewayEvent, payload []byte) (IngestResult, error)
}

// WebhookService verifies transport-level authenticity before intake.
type WebhookService interface {
	IngestWebhook(ctx context.Context, payload []byte, signatureHeader string) (IngestResult, error)
}

type Repository interface {
	// InsertEvent returns false when the event_id is already present.
	InsertEvent(ctx context.Context, db *gorm.DB, event *InboundEvent) (bool, error)
	FindEvent(ctx context.Context, db *gorm.DB, eventID string) (*InboundEvent, error)
	// ClaimUnprocessed atomically takes over an event whose handler never
	// finished. Only rows with received_at at or before staleBefore qualify;
	// the claim bumps received_at so concurrent redeliveries cannot both win.
	ClaimUnprocessed(ctx context.Context, db *gorm.DB, eventID string, staleBefore, now time.Time) (bool, error)
	MarkProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, processedAt time.Time) error
	InsertProcessingRecord(ctx context.Context, db *gorm.DB, record *ProcessingRecord) error
	InsertPayment(ctx context.Context, db *gorm.DB, payment *Payment) error
}

var (
	ErrInvalidEvent         = errors.New("invalid_event")
	ErrInvalidPayload       = errors.New("invalid_payload")
	ErrInvalidSignature     = errors.New("invalid_signature")
	ErrStaleTimestamp       = errors.New("stale_signature_timestamp")
	ErrInvalidAmount        = errors.New("invalid_amount")
	ErrInvalidCurrency      = errors.New("invalid_currency")
	ErrUnknownSubscription  = errors.New("unknown_subscription")
	ErrEventAlreadyIngested = errors.New("event_already_ingested")
)
