package repository

import (
	"context"
	"time"

	"github.com/clubworks/memberd/internal/dunning/domain"
	pkgdb "github.com/clubworks/memberd/pkg/db"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

// InsertIfNoneActive races correctly on postgres thanks to the partial unique
// index on (subscription_id) for active rows; the NOT EXISTS guard keeps the
// common path quiet on every dialect.
func (r *repo) InsertIfNoneActive(ctx context.Context, db *gorm.DB, rec *domain.DunningRecord) (bool, error) {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	res := db.WithContext(ctx).Exec(
		`INSERT INTO dunning_records (
			id, subscription_id, member_id, current_stage, amount_due_minor,
			currency, reminder_count, started_at, resolved_at, metadata,
			created_at, updated_at
		)
		SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
		WHERE NOT EXISTS (
			SELECT 1 FROM dunning_records
			WHERE subscription_id = ?
			  AND current_stage <> ?
			  AND resolved_at IS NULL
		)`,
		rec.ID,
		rec.SubscriptionID,
		rec.MemberID,
		rec.CurrentStage,
		rec.AmountDueMinor,
		rec.Currency,
		rec.ReminderCount,
		rec.StartedAt,
		rec.ResolvedAt,
		rec.Metadata,
		rec.CreatedAt,
		rec.UpdatedAt,
		rec.SubscriptionID,
		domain.StageCanceled,
	)
	if res.Error != nil {
		// Two writers can both pass NOT EXISTS; the partial unique index
		// rejects the loser, which is the same outcome as suppression.
		if pkgdb.IsDuplicateKeyErr(res.Error) {
			return false, nil
		}
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id string) (*domain.DunningRecord, error) {
	var rec domain.DunningRecord
	err := db.WithContext(ctx).
		Raw(`SELECT * FROM dunning_records WHERE id = ? LIMIT 1`, id).
		Scan(&rec).Error
	if err != nil {
		return nil, err
	}
	if rec.ID == "" {
		return nil, domain.ErrRecordNotFound
	}
	return &rec, nil
}

func (r *repo) FindActiveBySubscription(ctx context.Context, db *gorm.DB, subscriptionID string) (*domain.DunningRecord, error) {
	var rec domain.DunningRecord
	err := db.WithContext(ctx).
		Raw(`SELECT * FROM dunning_records
		     WHERE subscription_id = ? AND current_stage <> ? AND resolved_at IS NULL
		     LIMIT 1`,
			subscriptionID, domain.StageCanceled).
		Scan(&rec).Error
	if err != nil {
		return nil, err
	}
	if rec.ID == "" {
		return nil, domain.ErrRecordNotFound
	}
	return &rec, nil
}

func (r *repo) ListActive(ctx context.Context, db *gorm.DB, limit int) ([]*domain.DunningRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var items []*domain.DunningRecord
	err := db.WithContext(ctx).
		Raw(`SELECT * FROM dunning_records
		     WHERE current_stage <> ? AND resolved_at IS NULL
		     ORDER BY started_at ASC
		     LIMIT ?`,
			domain.StageCanceled, limit).
		Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) AdvanceStage(ctx context.Context, db *gorm.DB, id, from, to string, now time.Time) (bool, error) {
	// reminder_count only counts reminder sends, so the terminal move does
	// not bump it.
	res := db.WithContext(ctx).Exec(
		`UPDATE dunning_records
		 SET current_stage = ?,
		     reminder_count = reminder_count + (CASE WHEN ? = ? THEN 0 ELSE 1 END),
		     updated_at = ?
		 WHERE id = ? AND current_stage = ? AND resolved_at IS NULL`,
		to, to, domain.StageCanceled, now, id, from,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) MarkResolved(ctx context.Context, db *gorm.DB, id string, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE dunning_records
		 SET resolved_at = ?, updated_at = ?
		 WHERE id = ? AND resolved_at IS NULL AND current_stage <> ?`,
		now, now, id, domain.StageCanceled,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
