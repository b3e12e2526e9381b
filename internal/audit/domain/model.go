// Package domain contains the append-only audit log model.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type ActorType string

const (
	ActorTypeSystem  ActorType = "system"
	ActorTypeGateway ActorType = "gateway"
	ActorTypeMember  ActorType = "member"
)

// AuditLog is immutable once written. Duplicate entries from retried
// operations are acceptable and are not deduplicated.
type AuditLog struct {
	ID          snowflake.ID      `gorm:"primaryKey"`
	ActorType   string            `gorm:"type:text;not null"`
	ActorID     *string           `gorm:"type:text"`
	Action      string            `gorm:"type:text;not null;index"`
	TargetType  string            `gorm:"type:text;not null"`
	TargetID    *string           `gorm:"type:text;index"`
	Description string            `gorm:"type:text"`
	Success     bool              `gorm:"not null;default:true"`
	Metadata    datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt   time.Time         `gorm:"not null;index"`
}

func (AuditLog) TableName() string { return "audit_logs" }

type AuditCursor struct {
	ID        snowflake.ID
	CreatedAt time.Time
}

type ListFilter struct {
	Action     string
	TargetType string
	TargetID   string
	ActorType  string
	StartAt    *time.Time
	EndAt      *time.Time
	Cursor     *AuditCursor
	Limit      int
}
