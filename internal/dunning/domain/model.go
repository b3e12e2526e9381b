// Package domain contains the dunning recovery episode model.
package domain

import (
	"context"
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	StagePaymentFailed  = "payment_failed"
	StageFirstReminder  = "first_reminder"
	StageSecondReminder = "second_reminder"
	StageFinalWarning   = "final_warning"
	StageCanceled       = "canceled"
)

// DunningRecord tracks one recovery episode for a past-due subscription.
// A subscription has at most one active record: not canceled, not resolved.
type DunningRecord struct {
	ID             string            `gorm:"primaryKey;type:text"`
	SubscriptionID string            `gorm:"type:text;not null;index"`
	MemberID       string            `gorm:"type:text;not null;index"`
	CurrentStage   string            `gorm:"type:text;not null"`
	AmountDueMinor int64             `gorm:"not null"`
	Currency       string            `gorm:"type:text;not null"`
	ReminderCount  int               `gorm:"not null;default:0"`
	StartedAt      time.Time         `gorm:"not null"`
	ResolvedAt     *time.Time        `gorm:""`
	Metadata       datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt      time.Time         `gorm:"not null"`
	UpdatedAt      time.Time         `gorm:"not null"`
}

func (DunningRecord) TableName() string { return "dunning_records" }

// Active reports whether the record still drives recovery actions.
func (r *DunningRecord) Active() bool {
	return r.CurrentStage != StageCanceled && r.ResolvedAt == nil
}

type ScanSummary struct {
	Total    int `json:"total"`
	Advanced int `json:"advanced"`
	Skipped  int `json:"skipped"`
	Errors   int `json:"errors"`
}

type OnPaymentFailedParams struct {
	SubscriptionID string
	MemberID       string
	AmountDueMinor int64
	Currency       string
	FailedAt       time.Time
}

type Service interface {
	// OnPaymentFailed opens a recovery episode. When the subscription already
	// has an active record the call is a no-op and returns that record.
	OnPaymentFailed(ctx context.Context, params OnPaymentFailedParams) (*DunningRecord, error)
	// ScanDue advances every active record whose schedule says it is due as of
	// now. Only one scan runs at a time; overlapping calls get
	// ErrScanInProgress.
	ScanDue(ctx context.Context, now time.Time) (ScanSummary, error)
	// ResolveForSubscription closes the active record after payment recovered.
	// Returns false when the subscription has no active record.
	ResolveForSubscription(ctx context.Context, subscriptionID string) (bool, error)
}

type Repository interface {
	// InsertIfNoneActive inserts rec unless the subscription already has an
	// active record. Returns false when the insert was suppressed.
	InsertIfNoneActive(ctx context.Context, db *gorm.DB, rec *DunningRecord) (bool, error)
	FindByID(ctx context.Context, db *gorm.DB, id string) (*DunningRecord, error)
	FindActiveBySubscription(ctx context.Context, db *gorm.DB, subscriptionID string) (*DunningRecord, error)
	ListActive(ctx context.Context, db *gorm.DB, limit int) ([]*DunningRecord, error)
	// AdvanceStage moves the record from one stage to another only when it
	// still holds from and is unresolved. Returns false when another writer
	// advanced or resolved it first.
	AdvanceStage(ctx context.Context, db *gorm.DB, id, from, to string, now time.Time) (bool, error)
	MarkResolved(ctx context.Context, db *gorm.DB, id string, now time.Time) (bool, error)
}

var (
	ErrScanInProgress    = errors.New("scan_in_progress")
	ErrRecordTerminal    = errors.New("dunning_record_terminal")
	ErrNonMonotonicStage = errors.New("dunning_stage_not_monotonic")
	ErrUnknownStage      = errors.New("dunning_stage_unknown")
	ErrInvalidAmount     = errors.New("invalid_amount_due")
	ErrInvalidCurrency   = errors.New("invalid_currency")
	ErrRecordNotFound    = errors.New("dunning_record_not_found")
)
