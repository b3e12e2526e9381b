// Package domain contains the member model and role lifecycle.
package domain

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

type Role string

const (
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
	RoleFree   Role = "free"
)

type Member struct {
	ID           string    `gorm:"primaryKey;type:text"`
	Email        string    `gorm:"type:text;not null;uniqueIndex"`
	DisplayName  string    `gorm:"type:text"`
	Role         string    `gorm:"type:text;not null;default:free"`
	PasswordHash string    `gorm:"type:text"`
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time `gorm:"not null"`
}

func (Member) TableName() string { return "users" }

type Service interface {
	GetByID(ctx context.Context, id string) (*Member, error)
	// DowngradeRole moves the member to the free role. Returns false when the
	// member already holds the free role, so callers can treat repeats as no-ops.
	DowngradeRole(ctx context.Context, id string) (bool, error)
}

type Repository interface {
	FindByID(ctx context.Context, db *gorm.DB, id string) (*Member, error)
	FindByEmail(ctx context.Context, db *gorm.DB, email string) (*Member, error)
	Insert(ctx context.Context, db *gorm.DB, member *Member) error
	UpdateRole(ctx context.Context, db *gorm.DB, id string, role Role) (bool, error)
}

var (
	ErrMemberNotFound = errors.New("member_not_found")
)
