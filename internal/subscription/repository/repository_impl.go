package repository

import (
	"context"
	"time"

	"github.com/clubworks/memberd/internal/subscription/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id string) (*domain.Subscription, error) {
	var sub domain.Subscription
	err := db.WithContext(ctx).
		Raw(`SELECT * FROM subscriptions WHERE id = ? LIMIT 1`, id).
		Scan(&sub).Error
	if err != nil {
		return nil, err
	}
	if sub.ID == "" {
		return nil, domain.ErrSubscriptionNotFound
	}
	return &sub, nil
}

func (r *repo) FindByGatewayRef(ctx context.Context, db *gorm.DB, gatewayRef string) (*domain.Subscription, error) {
	var sub domain.Subscription
	err := db.WithContext(ctx).
		Raw(`SELECT * FROM subscriptions WHERE gateway_ref = ? LIMIT 1`, gatewayRef).
		Scan(&sub).Error
	if err != nil {
		return nil, err
	}
	if sub.ID == "" {
		return nil, domain.ErrSubscriptionNotFound
	}
	return &sub, nil
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, sub *domain.Subscription) error {
	now := time.Now().UTC()
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	sub.UpdatedAt = now
	return db.WithContext(ctx).Exec(
		`INSERT INTO subscriptions (id, member_id, status, plan_id, gateway_ref, period_end, metadata, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.ID,
		sub.MemberID,
		sub.Status,
		sub.PlanID,
		sub.GatewayRef,
		sub.PeriodEnd,
		sub.Metadata,
		sub.CreatedAt,
		sub.UpdatedAt,
	).Error
}

func (r *repo) UpdateStatus(ctx context.Context, db *gorm.DB, id string, from, to domain.Status) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE subscriptions SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to),
		time.Now().UTC(),
		id,
		string(from),
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
