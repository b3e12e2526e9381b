// Package domain contains the subscription model and status lifecycle.
package domain

import (
	"context"
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Status string

const (
	StatusActive  Status = "active"
	StatusPastDue Status = "past_due"
	StatusCancel  Status = "canceled"
	StatusExpired Status = "expired"
)

func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusPastDue, StatusCancel, StatusExpired:
		return true
	}
	return false
}

type Subscription struct {
	ID         string            `gorm:"primaryKey;type:text"`
	MemberID   string            `gorm:"type:text;not null;index"`
	Status     string            `gorm:"type:text;not null;default:active"`
	PlanID     string            `gorm:"type:text"`
	GatewayRef string            `gorm:"type:text;not null;uniqueIndex"`
	PeriodEnd  *time.Time        `gorm:""`
	Metadata   datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt  time.Time         `gorm:"not null"`
	UpdatedAt  time.Time         `gorm:"not null"`
}

func (Subscription) TableName() string { return "subscriptions" }

type Service interface {
	Create(ctx context.Context, sub *Subscription) error
	GetByID(ctx context.Context, id string) (*Subscription, error)
	GetByGatewayRef(ctx context.Context, gatewayRef string) (*Subscription, error)
	// Transition moves the subscription to target. A transition to the status
	// the subscription already holds is a no-op and returns nil.
	Transition(ctx context.Context, id string, target Status) error
}

type Repository interface {
	FindByID(ctx context.Context, db *gorm.DB, id string) (*Subscription, error)
	FindByGatewayRef(ctx context.Context, db *gorm.DB, gatewayRef string) (*Subscription, error)
	Insert(ctx context.Context, db *gorm.DB, sub *Subscription) error
	// UpdateStatus applies the transition only when the row still holds from.
	// Returns false when another writer got there first.
	UpdateStatus(ctx context.Context, db *gorm.DB, id string, from, to Status) (bool, error)
}

var (
	ErrSubscriptionNotFound = errors.New("subscription_not_found")
	ErrInvalidStatus        = errors.New("invalid_subscription_status")
	ErrInvalidTransition    = errors.New("invalid_subscription_transition")
	ErrConcurrentUpdate     = errors.New("concurrent_subscription_update")
)
