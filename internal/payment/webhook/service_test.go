package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"github.com/clubworks/memberd/internal/clock"
	"github.com/clubworks/memberd/internal/config"
	paymentdomain "github.com/clubworks/memberd/internal/payment/domain"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testSecret = "whsec_test"

type mockPaymentSvc struct {
	events      []*paymentdomain.GatewayEvent
	sawDeadline bool
}

func (m *mockPaymentSvc) Ingest(ctx context.Context, event *paymentdomain.GatewayEvent, payload []byte) (paymentdomain.IngestResult, error) {
	_, m.sawDeadline = ctx.Deadline()
	m.events = append(m.events, event)
	return paymentdomain.IngestResult{Status: paymentdomain.IngestAccepted}, nil
}

func newTestService(t *testing.T) (*Service, *mockPaymentSvc, *clock.FakeClock) {
	t.Helper()

	fakeClock := clock.NewFakeClock(time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC))
	payments := &mockPaymentSvc{}
	svc := NewService(Params{
		Cfg: config.Config{
			WebhookSecret:    testSecret,
			WebhookTolerance: 5 * time.Minute,
			IntakeDeadline:   5 * time.Second,
		},
		Log:        zap.NewNop(),
		Clock:      fakeClock,
		PaymentSvc: payments,
	}).(*Service)
	return svc, payments, fakeClock
}

func sign(payload []byte, at time.Time) string {
	ts := fmt.Sprintf("%d", at.Unix())
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write([]byte(ts + "." + string(payload)))
	return fmt.Sprintf("t=%s,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func TestIngestWebhook_ValidSignature(t *testing.T) {
	svc, payments, fakeClock := newTestService(t)

	payload := []byte(`{"event_id":"evt_1","type":"invoice_paid","object":{"subscription_id":"ref_1","amount_minor":2500,"currency":"USD"}}`)
	result, err := svc.IngestWebhook(context.Background(), payload, sign(payload, fakeClock.Now()))
	require.NoError(t, err)
	require.Equal(t, paymentdomain.IngestAccepted, result.Status)

	require.Len(t, payments.events, 1)
	require.Equal(t, "evt_1", payments.events[0].EventID)
	require.Equal(t, "invoice_paid", payments.events[0].Type)
	require.EqualValues(t, 2500, payments.events[0].Object.AmountMinor)
}

func TestIngestWebhook_AppliesIntakeDeadline(t *testing.T) {
	svc, payments, fakeClock := newTestService(t)

	payload := []byte(`{"event_id":"evt_1","type":"invoice_paid","object":{"subscription_id":"ref_1","amount_minor":2500,"currency":"USD"}}`)
	_, err := svc.IngestWebhook(context.Background(), payload, sign(payload, fakeClock.Now()))
	require.NoError(t, err)
	require.True(t, payments.sawDeadline, "intake must run under the configured deadline")
}

func TestIngestWebhook_BadSignature(t *testing.T) {
	svc, payments, fakeClock := newTestService(t)

	payload := []byte(`{"event_id":"evt_1","type":"invoice_paid"}`)
	tampered := []byte(`{"event_id":"evt_2","type":"invoice_paid"}`)

	_, err := svc.IngestWebhook(context.Background(), tampered, sign(payload, fakeClock.Now()))
	require.ErrorIs(t, err, paymentdomain.ErrInvalidSignature)
	require.Empty(t, payments.events)
}

func TestIngestWebhook_MissingOrMalformedHeader(t *testing.T) {
	svc, _, _ := newTestService(t)
	payload := []byte(`{"event_id":"evt_1","type":"invoice_paid"}`)

	for _, header := range []string{"", "t=123", "v1=abc", "nonsense"} {
		_, err := svc.IngestWebhook(context.Background(), payload, header)
		require.ErrorIs(t, err, paymentdomain.ErrInvalidSignature, "header %q", header)
	}
}

func TestIngestWebhook_StaleTimestamp(t *testing.T) {
	svc, payments, fakeClock := newTestService(t)

	payload := []byte(`{"event_id":"evt_1","type":"invoice_paid"}`)
	signedAt := fakeClock.Now().Add(-10 * time.Minute)

	_, err := svc.IngestWebhook(context.Background(), payload, sign(payload, signedAt))
	require.ErrorIs(t, err, paymentdomain.ErrStaleTimestamp)
	require.Empty(t, payments.events)

	// A future timestamp outside the window is just as stale.
	signedAt = fakeClock.Now().Add(10 * time.Minute)
	_, err = svc.IngestWebhook(context.Background(), payload, sign(payload, signedAt))
	require.ErrorIs(t, err, paymentdomain.ErrStaleTimestamp)
}

func TestIngestWebhook_InvalidJSON(t *testing.T) {
	svc, payments, fakeClock := newTestService(t)

	payload := []byte(`{not json`)
	_, err := svc.IngestWebhook(context.Background(), payload, sign(payload, fakeClock.Now()))
	require.ErrorIs(t, err, paymentdomain.ErrInvalidPayload)
	require.Empty(t, payments.events)
}

func TestIngestWebhook_NoSecretConfigured(t *testing.T) {
	payments := &mockPaymentSvc{}
	svc := NewService(Params{
		Cfg:        config.Config{WebhookTolerance: 5 * time.Minute},
		Log:        zap.NewNop(),
		Clock:      clock.NewFakeClock(time.Now()),
		PaymentSvc: payments,
	}).(*Service)

	payload := []byte(`{"event_id":"evt_1","type":"invoice_paid"}`)
	_, err := svc.IngestWebhook(context.Background(), payload, sign(payload, time.Now()))
	require.ErrorIs(t, err, paymentdomain.ErrInvalidSignature)
}
