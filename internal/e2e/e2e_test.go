package e2e

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/clubworks/memberd/internal/audit"
	"github.com/clubworks/memberd/internal/cancellation"
	"github.com/clubworks/memberd/internal/clock"
	"github.com/clubworks/memberd/internal/config"
	"github.com/clubworks/memberd/internal/dunning"
	"github.com/clubworks/memberd/internal/member"
	"github.com/clubworks/memberd/internal/observability/metrics"
	"github.com/clubworks/memberd/internal/payment"
	"github.com/clubworks/memberd/internal/payment/webhook"
	emailprovider "github.com/clubworks/memberd/internal/providers/email"
	paymentprovider "github.com/clubworks/memberd/internal/providers/payment"
	"github.com/clubworks/memberd/internal/server"
	"github.com/clubworks/memberd/internal/subscription"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	webhookSecret = "whsec_e2e"
	baseDay       = "2025-06-01T00:00:00Z"
)

type testEnv struct {
	app     *fx.App
	db      *gorm.DB
	clock   *clock.FakeClock
	httpSrv *httptest.Server
	baseURL string
}

var env *testEnv

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)

	var err error
	env, err = startEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to start test environment:", err)
		os.Exit(1)
	}

	code := m.Run()
	env.shutdown()
	os.Exit(code)
}

func startEnv() (*testEnv, error) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	if err := createSchema(db); err != nil {
		return nil, err
	}

	base, err := time.Parse(time.RFC3339, baseDay)
	if err != nil {
		return nil, err
	}
	fakeClock := clock.NewFakeClock(base)

	cfg := config.Config{
		WebhookSecret:    webhookSecret,
		WebhookTolerance: 5 * time.Minute,
		IntakeDeadline:   5 * time.Second,
		ScanParallelism:  4,
		ScanBatchSize:    100,
	}

	var engine *gin.Engine
	app := fx.New(
		fx.NopLogger,
		fx.Supply(cfg),
		fx.Provide(zap.NewNop),
		fx.Provide(func() clock.Clock { return fakeClock }),
		fx.Provide(func() *gorm.DB { return db }),
		fx.Provide(func() (*snowflake.Node, error) { return snowflake.NewNode(1) }),
		fx.Provide(func() (*config.DunningConfigHolder, error) {
			return config.NewStaticDunningConfigHolder(config.DefaultDunningConfig())
		}),

		metrics.Module,
		audit.Module,
		member.Module,
		subscription.Module,
		emailprovider.Module,
		paymentprovider.Module,
		dunning.Module,
		cancellation.Module,
		payment.Module,

		fx.Provide(server.NewEngine),
		fx.Invoke(server.RegisterRoutes),
		fx.Populate(&engine),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := app.Start(ctx); err != nil {
		return nil, err
	}

	httpSrv := httptest.NewServer(engine)
	return &testEnv{
		app:     app,
		db:      db,
		clock:   fakeClock,
		httpSrv: httpSrv,
		baseURL: httpSrv.URL,
	}, nil
}

func (e *testEnv) shutdown() {
	if e == nil {
		return
	}
	if e.httpSrv != nil {
		e.httpSrv.Close()
	}
	if e.app != nil {
		_ = e.app.Stop(context.Background())
	}
}

func createSchema(db *gorm.DB) error {
	statements := []string{
		`CREATE TABLE users (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL UNIQUE,
			display_name TEXT,
			role TEXT NOT NULL DEFAULT 'free',
			password_hash TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE subscriptions (
			id TEXT PRIMARY KEY,
			member_id TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'active',
			plan_id TEXT,
			gateway_ref TEXT NOT NULL UNIQUE,
			period_end DATETIME,
			metadata TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE inbound_events (
			id INTEGER PRIMARY KEY,
			event_id TEXT NOT NULL UNIQUE,
			event_type TEXT NOT NULL,
			payload TEXT,
			received_at DATETIME NOT NULL,
			processed_at DATETIME
		)`,
		`CREATE TABLE processing_records (
			id INTEGER PRIMARY KEY,
			event_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			status TEXT NOT NULL,
			error_detail TEXT,
			processed_at DATETIME NOT NULL
		)`,
		`CREATE TABLE payments (
			id INTEGER PRIMARY KEY,
			subscription_id TEXT NOT NULL,
			member_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			amount_minor INTEGER NOT NULL,
			currency TEXT NOT NULL,
			gateway_ref TEXT,
			occurred_at DATETIME NOT NULL,
			created_at DATETIME
		)`,
		`CREATE TABLE dunning_records (
			id TEXT PRIMARY KEY,
			subscription_id TEXT NOT NULL,
			member_id TEXT NOT NULL,
			current_stage TEXT NOT NULL,
			amount_due_minor INTEGER NOT NULL,
			currency TEXT NOT NULL,
			reminder_count INTEGER NOT NULL DEFAULT 0,
			started_at DATETIME NOT NULL,
			resolved_at DATETIME,
			metadata TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE UNIQUE INDEX idx_dunning_records_active
			ON dunning_records (subscription_id)
			WHERE current_stage <> 'canceled' AND resolved_at IS NULL`,
		`CREATE TABLE audit_logs (
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
		)`,
	}
	for _, stmt := range statements {
		if err := db.Exec(stmt).Error; err != nil {
			return err
		}
	}
	return nil
}

func resetDatabase(t *testing.T) {
	t.Helper()
	for _, table := range []string{
		"users", "subscriptions", "inbound_events", "processing_records",
		"payments", "dunning_records", "audit_logs",
	} {
		if err := env.db.Exec("DELETE FROM " + table).Error; err != nil {
			t.Fatalf("reset %s: %v", table, err)
		}
	}
}

func seedMemberAndSubscription(t *testing.T, memberID, subID, gatewayRef string) {
	t.Helper()
	now := env.clock.Now()
	if err := env.db.Exec(
		`INSERT INTO users (id, email, display_name, role, created_at, updated_at)
		 VALUES (?, ?, ?, 'member', ?, ?)`,
		memberID, memberID+"@example.com", "E2E Member", now, now,
	).Error; err != nil {
		t.Fatalf("seed member: %v", err)
	}
	if err := env.db.Exec(
		`INSERT INTO subscriptions (id, member_id, status, gateway_ref, created_at, updated_at)
		 VALUES (?, ?, 'active', ?, ?, ?)`,
		subID, memberID, gatewayRef, now, now,
	).Error; err != nil {
		t.Fatalf("seed subscription: %v", err)
	}
}

func signPayload(payload []byte, at time.Time) string {
	ts := fmt.Sprintf("%d", at.Unix())
	mac := hmac.New(sha256.New, []byte(webhookSecret))
	mac.Write([]byte(ts + "." + string(payload)))
	return fmt.Sprintf("t=%s,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func postWebhook(t *testing.T, payload []byte) (int, map[string]any) {
	t.Helper()

	req, err := http.NewRequest(http.MethodPost, env.baseURL+"/webhooks/payments", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("build webhook request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(webhook.SignatureHeader, signPayload(payload, env.clock.Now()))

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("webhook request failed: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read webhook response: %v", err)
	}
	decoded := map[string]any{}
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("decode webhook response %q: %v", string(body), err)
	}
	return resp.StatusCode, decoded
}

func runScan(t *testing.T) map[string]any {
	t.Helper()

	resp, err := http.Post(env.baseURL+"/internal/scan", "application/json", nil)
	if err != nil {
		t.Fatalf("scan request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected status 200 for scan, got %d: %s", resp.StatusCode, string(body))
	}

	summary := map[string]any{}
	if err := json.NewDecoder(resp.Body).Decode(&summary); err != nil {
		t.Fatalf("decode scan summary: %v", err)
	}
	return summary
}

func eventPayload(eventID, eventType, gatewayRef string, extra map[string]any) []byte {
	object := map[string]any{
		"subscription_id": gatewayRef,
		"amount_minor":    2500,
		"currency":        "USD",
	}
	if eventType == "invoice_payment_failed" {
		object["attempt_count"] = 1
	}
	for k, v := range extra {
		object[k] = v
	}
	payload, _ := json.Marshal(map[string]any{
		"event_id": eventID,
		"type":     eventType,
		"object":   object,
	})
	return payload
}

func queryString(t *testing.T, query string, args ...any) string {
	t.Helper()
	var out string
	if err := env.db.Raw(query, args...).Scan(&out).Error; err != nil {
		t.Fatalf("query %q: %v", query, err)
	}
	return out
}

func countRows(t *testing.T, query string, args ...any) int {
	t.Helper()
	var out int
	if err := env.db.Raw(query, args...).Scan(&out).Error; err != nil {
		t.Fatalf("query %q: %v", query, err)
	}
	return out
}

func TestE2E_HealthCheck(t *testing.T) {
	resp, err := http.Get(env.baseURL + "/healthz")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}
}

func TestE2E_DunningLifecycleToCancellation(t *testing.T) {
	resetDatabase(t)
	base := env.clock.Now().UTC().Truncate(24 * time.Hour)
	env.clock.Set(base)
	seedMemberAndSubscription(t, "member_lc", "sub_lc", "ref_lc")

	status, body := postWebhook(t, eventPayload("evt_lc_fail", "invoice_payment_failed", "ref_lc", nil))
	if status != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %v", status, body)
	}
	if body["status"] != "accepted" {
		t.Fatalf("expected accepted, got %v", body)
	}

	if got := queryString(t, `SELECT status FROM subscriptions WHERE id = ?`, "sub_lc"); got != "past_due" {
		t.Fatalf("expected subscription past_due, got %s", got)
	}
	if got := queryString(t, `SELECT current_stage FROM dunning_records WHERE subscription_id = ?`, "sub_lc"); got != "payment_failed" {
		t.Fatalf("expected stage payment_failed, got %s", got)
	}

	// Replaying the same delivery is acknowledged without reprocessing.
	status, body = postWebhook(t, eventPayload("evt_lc_fail", "invoice_payment_failed", "ref_lc", nil))
	if status != http.StatusOK || body["status"] != "duplicate" {
		t.Fatalf("expected duplicate ack, got %d %v", status, body)
	}
	if n := countRows(t, `SELECT COUNT(*) FROM dunning_records WHERE subscription_id = ?`, "sub_lc"); n != 1 {
		t.Fatalf("expected one dunning record, got %d", n)
	}

	env.clock.Set(base.Add(3*24*time.Hour + time.Hour))
	summary := runScan(t)
	if summary["advanced"] != float64(1) {
		t.Fatalf("expected one advancement, got %v", summary)
	}
	if got := queryString(t, `SELECT current_stage FROM dunning_records WHERE subscription_id = ?`, "sub_lc"); got != "first_reminder" {
		t.Fatalf("expected stage first_reminder, got %s", got)
	}

	// Day 14: the scan retires the episode and runs the full cancellation.
	env.clock.Set(base.Add(14*24*time.Hour + time.Hour))
	summary = runScan(t)
	if summary["advanced"] != float64(1) {
		t.Fatalf("expected one advancement at day 14, got %v", summary)
	}

	if got := queryString(t, `SELECT current_stage FROM dunning_records WHERE subscription_id = ?`, "sub_lc"); got != "canceled" {
		t.Fatalf("expected stage canceled, got %s", got)
	}
	if got := queryString(t, `SELECT status FROM subscriptions WHERE id = ?`, "sub_lc"); got != "canceled" {
		t.Fatalf("expected subscription canceled, got %s", got)
	}
	if got := queryString(t, `SELECT role FROM users WHERE id = ?`, "member_lc"); got != "free" {
		t.Fatalf("expected member downgraded to free, got %s", got)
	}
	if n := countRows(t, `SELECT COUNT(*) FROM audit_logs WHERE action = ?`, "subscription.canceled"); n != 1 {
		t.Fatalf("expected one cancellation audit entry, got %d", n)
	}

	// Nothing active remains; the next scan is a no-op.
	summary = runScan(t)
	if summary["total"] != float64(0) {
		t.Fatalf("expected empty scan, got %v", summary)
	}

	// The ledger is queryable over HTTP.
	resp, err := http.Get(env.baseURL + "/internal/audit-logs?action=subscription.canceled")
	if err != nil {
		t.Fatalf("audit log request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200 for audit logs, got %d", resp.StatusCode)
	}
	listing := struct {
		AuditLogs []map[string]any `json:"audit_logs"`
	}{}
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		t.Fatalf("decode audit logs: %v", err)
	}
	if len(listing.AuditLogs) != 1 {
		t.Fatalf("expected one audit log entry, got %d", len(listing.AuditLogs))
	}
}

func TestE2E_PaymentRecoveryAbortsEpisode(t *testing.T) {
	resetDatabase(t)
	base := env.clock.Now().UTC().Truncate(24 * time.Hour)
	env.clock.Set(base)
	seedMemberAndSubscription(t, "member_rc", "sub_rc", "ref_rc")

	status, body := postWebhook(t, eventPayload("evt_rc_fail", "invoice_payment_failed", "ref_rc", nil))
	if status != http.StatusOK || body["status"] != "accepted" {
		t.Fatalf("expected accepted, got %d %v", status, body)
	}

	env.clock.Set(base.Add(3*24*time.Hour + time.Hour))
	summary := runScan(t)
	if summary["advanced"] != float64(1) {
		t.Fatalf("expected one advancement, got %v", summary)
	}

	status, body = postWebhook(t, eventPayload("evt_rc_paid", "invoice_paid", "ref_rc", map[string]any{
		"charge_ref": "ch_rc_1",
	}))
	if status != http.StatusOK || body["status"] != "accepted" {
		t.Fatalf("expected accepted, got %d %v", status, body)
	}

	if got := queryString(t, `SELECT status FROM subscriptions WHERE id = ?`, "sub_rc"); got != "active" {
		t.Fatalf("expected subscription active after recovery, got %s", got)
	}
	if n := countRows(t, `SELECT COUNT(*) FROM dunning_records WHERE subscription_id = ? AND resolved_at IS NOT NULL`, "sub_rc"); n != 1 {
		t.Fatalf("expected resolved dunning record, got %d", n)
	}
	if n := countRows(t, `SELECT COUNT(*) FROM payments WHERE subscription_id = ?`, "sub_rc"); n != 1 {
		t.Fatalf("expected one payment row, got %d", n)
	}

	// The retired episode never reaches later stages.
	env.clock.Set(base.Add(14*24*time.Hour + time.Hour))
	summary = runScan(t)
	if summary["total"] != float64(0) {
		t.Fatalf("expected empty scan after recovery, got %v", summary)
	}

	if got := queryString(t, `SELECT role FROM users WHERE id = ?`, "member_rc"); got != "member" {
		t.Fatalf("expected member role untouched, got %s", got)
	}
}

func TestE2E_BadSignatureRejected(t *testing.T) {
	resetDatabase(t)

	payload := eventPayload("evt_sig", "invoice_paid", "ref_sig", nil)
	req, err := http.NewRequest(http.MethodPost, env.baseURL+"/webhooks/payments", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set(webhook.SignatureHeader, "t=123,v1=deadbeef")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", resp.StatusCode)
	}
	if n := countRows(t, `SELECT COUNT(*) FROM inbound_events`); n != 0 {
		t.Fatalf("expected no stored events, got %d", n)
	}
}
