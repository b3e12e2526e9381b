package service

import (
	"context"
	"fmt"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/clubworks/memberd/internal/audit/domain"
	"github.com/clubworks/memberd/internal/audit/repository"
	"github.com/clubworks/memberd/internal/auditcontext"
	"github.com/clubworks/memberd/pkg/db/pagination"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (domain.Service, *gorm.DB) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.Exec(`
		CREATE TABLE audit_logs (
			id INTEGER PRIMARY KEY,
			actor_type TEXT NOT NULL,
			actor_id TEXT,
			action TEXT NOT NULL,
			target_type TEXT NOT NULL,
			target_id TEXT,
			description TEXT,
			success BOOLEAN NOT NULL DEFAULT TRUE,
			metadata TEXT,
			created_at DATETIME NOT NULL
		)
	`).Error)

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	svc := NewService(Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Repo:  repository.Provide(),
	})
	return svc, db
}

func TestAppend_WritesEntryWithActorFromContext(t *testing.T) {
	svc, db := newTestService(t)

	ctx := auditcontext.WithActor(context.Background(), string(domain.ActorTypeGateway), "webhook")
	ctx = auditcontext.WithRequestID(ctx, "evt_1")

	require.NoError(t, svc.Append(ctx, domain.Entry{
		Action:      "payment.received",
		TargetType:  "subscription",
		TargetID:    "sub_1",
		Description: "payment recorded",
		Success:     true,
		Metadata:    map[string]any{"amount_minor": 2500},
	}))

	var actorType, actorID string
	require.NoError(t, db.Raw(
		`SELECT actor_type, actor_id FROM audit_logs WHERE action = ?`, "payment.received",
	).Row().Scan(&actorType, &actorID))
	require.Equal(t, string(domain.ActorTypeGateway), actorType)
	require.Equal(t, "webhook", actorID)
}

func TestAppend_RejectsEmptyAction(t *testing.T) {
	svc, _ := newTestService(t)
	err := svc.Append(context.Background(), domain.Entry{Action: "  "})
	require.ErrorIs(t, err, domain.ErrInvalidAction)
}

func TestList_FilterAndPagination(t *testing.T) {
	svc, _ := newTestService(t)

	for i := 0; i < 5; i++ {
		require.NoError(t, svc.Append(context.Background(), domain.Entry{
			Action:     "dunning.stage_advanced",
			TargetType: "dunning_record",
			TargetID:   fmt.Sprintf("rec_%d", i),
			Success:    true,
		}))
	}
	require.NoError(t, svc.Append(context.Background(), domain.Entry{
		Action:     "subscription.canceled",
		TargetType: "subscription",
		TargetID:   "sub_1",
		Success:    true,
	}))

	resp, err := svc.List(context.Background(), domain.ListAuditLogRequest{
		Pagination: pagination.Pagination{PageSize: 3},
		Action:     "dunning.stage_advanced",
	})
	require.NoError(t, err)
	require.Len(t, resp.AuditLogs, 3)
	require.True(t, resp.HasMore)
	require.NotEmpty(t, resp.NextPageToken)

	next, err := svc.List(context.Background(), domain.ListAuditLogRequest{
		Pagination: pagination.Pagination{PageSize: 3, PageToken: resp.NextPageToken},
		Action:     "dunning.stage_advanced",
	})
	require.NoError(t, err)
	require.Len(t, next.AuditLogs, 2)
	require.False(t, next.HasMore)

	for _, item := range next.AuditLogs {
		require.Equal(t, "dunning.stage_advanced", item.Action)
	}
}

func TestList_InvalidPageToken(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.List(context.Background(), domain.ListAuditLogRequest{
		Pagination: pagination.Pagination{PageToken: "not-base64!"},
	})
	require.ErrorIs(t, err, domain.ErrInvalidPageToken)
}
