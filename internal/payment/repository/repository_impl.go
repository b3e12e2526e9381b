package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/clubworks/memberd/internal/payment/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) InsertEvent(ctx context.Context, db *gorm.DB, event *domain.InboundEvent) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO inbound_events (
			id, event_id, event_type, payload, received_at, processed_at
		) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (event_id) DO NOTHING`,
		event.ID,
		event.EventID,
		event.EventType,
		event.Payload,
		event.ReceivedAt,
		event.ProcessedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindEvent(ctx context.Context, db *gorm.DB, eventID string) (*domain.InboundEvent, error) {
	var item domain.InboundEvent
	err := db.WithContext(ctx).Raw(
		`SELECT id, event_id, event_type, payload, received_at, processed_at
		 FROM inbound_events
		 WHERE event_id = ?
		 LIMIT 1`,
		eventID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) ClaimUnprocessed(ctx context.Context, db *gorm.DB, eventID string, staleBefore, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE inbound_events
		 SET received_at = ?
		 WHERE event_id = ? AND processed_at IS NULL AND received_at <= ?`,
		now,
		eventID,
		staleBefore,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) MarkProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, processedAt time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE inbound_events
		 SET processed_at = ?
		 WHERE id = ?`,
		processedAt,
		id,
	).Error
}

func (r *repo) InsertProcessingRecord(ctx context.Context, db *gorm.DB, record *domain.ProcessingRecord) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO processing_records (
			id, event_id, event_type, status, error_detail, processed_at
		) VALUES (?, ?, ?, ?, ?, ?)`,
		record.ID,
		record.EventID,
		record.EventType,
		record.Status,
		record.ErrorDetail,
		record.ProcessedAt,
	).Error
}

func (r *repo) InsertPayment(ctx context.Context, db *gorm.DB, payment *domain.Payment) error {
	if payment.CreatedAt.IsZero() {
		payment.CreatedAt = time.Now().UTC()
	}
	return db.WithContext(ctx).Exec(
		`INSERT INTO payments (
			id, subscription_id, member_id, kind, amount_minor, currency,
			gateway_ref, occurred_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		payment.ID,
		payment.SubscriptionID,
		payment.MemberID,
		payment.Kind,
		payment.AmountMinor,
		payment.Currency,
		payment.GatewayRef,
		payment.OccurredAt,
		payment.CreatedAt,
	).Error
}
