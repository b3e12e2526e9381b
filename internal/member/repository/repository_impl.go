package repository

import (
	"context"
	"time"

	"github.com/clubworks/memberd/internal/member/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id string) (*domain.Member, error) {
	var member domain.Member
	err := db.WithContext(ctx).
		Raw(`SELECT * FROM users WHERE id = ? LIMIT 1`, id).
		Scan(&member).Error
	if err != nil {
		return nil, err
	}
	if member.ID == "" {
		return nil, domain.ErrMemberNotFound
	}
	return &member, nil
}

func (r *repo) FindByEmail(ctx context.Context, db *gorm.DB, email string) (*domain.Member, error) {
	var member domain.Member
	err := db.WithContext(ctx).
		Raw(`SELECT * FROM users WHERE email = ? LIMIT 1`, email).
		Scan(&member).Error
	if err != nil {
		return nil, err
	}
	if member.ID == "" {
		return nil, domain.ErrMemberNotFound
	}
	return &member, nil
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, member *domain.Member) error {
	now := time.Now().UTC()
	if member.CreatedAt.IsZero() {
		member.CreatedAt = now
	}
	member.UpdatedAt = now
	return db.WithContext(ctx).Exec(
		`INSERT INTO users (id, email, display_name, role, password_hash, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		member.ID,
		member.Email,
		member.DisplayName,
		member.Role,
		member.PasswordHash,
		member.CreatedAt,
		member.UpdatedAt,
	).Error
}

// UpdateRole only touches rows not already holding the target role so repeated
// downgrades report updated=false instead of rewriting the row.
func (r *repo) UpdateRole(ctx context.Context, db *gorm.DB, id string, role domain.Role) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE users SET role = ?, updated_at = ? WHERE id = ? AND role <> ?`,
		string(role),
		time.Now().UTC(),
		id,
		string(role),
	)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		var exists int64
		if err := db.WithContext(ctx).
			Raw(`SELECT COUNT(1) FROM users WHERE id = ?`, id).
			Scan(&exists).Error; err != nil {
			return false, err
		}
		if exists == 0 {
			return false, domain.ErrMemberNotFound
		}
		return false, nil
	}
	return true, nil
}
