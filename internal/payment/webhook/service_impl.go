// Package webhook verifies inbound gateway deliveries before intake.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/clubworks/memberd/internal/clock"
	"github.com/clubworks/memberd/internal/config"
	paymentdomain "github.com/clubworks/memberd/internal/payment/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// SignatureHeader carries the delivery signature:
//
//	Memberd-Signature: t=<unix>,v1=<hex hmac-sha256 of "<t>.<payload>">
const SignatureHeader = "Memberd-Signature"

type Params struct {
	fx.In

	Cfg        config.Config
	Log        *zap.Logger
	Clock      clock.Clock
	PaymentSvc paymentdomain.Service
}

type Service struct {
	log       *zap.Logger
	clock     clock.Clock
	secret    string
	tolerance time.Duration
	deadline  time.Duration
	payments  paymentdomain.Service
}

func NewService(p Params) paymentdomain.WebhookService {
	return &Service{
		log:       p.Log.Named("payment.webhook"),
		clock:     p.Clock,
		secret:    p.Cfg.WebhookSecret,
		tolerance: p.Cfg.WebhookTolerance,
		deadline:  p.Cfg.IntakeDeadline,
		payments:  p.PaymentSvc,
	}
}

func (s *Service) IngestWebhook(ctx context.Context, payload []byte, signatureHeader string) (paymentdomain.IngestResult, error) {
	if err := s.verify(payload, signatureHeader); err != nil {
		s.log.Warn("webhook signature rejected", zap.Error(err))
		return paymentdomain.IngestResult{}, err
	}
	if !json.Valid(payload) {
		return paymentdomain.IngestResult{}, paymentdomain.ErrInvalidPayload
	}

	var event paymentdomain.GatewayEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return paymentdomain.IngestResult{}, paymentdomain.ErrInvalidPayload
	}

	// The synchronous intake path runs under one overall deadline; slow side
	// effects past it are the handlers' problem, not the gateway's.
	if s.deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.deadline)
		defer cancel()
	}
	return s.payments.Ingest(ctx, &event, payload)
}

func (s *Service) verify(payload []byte, signatureHeader string) error {
	if s.secret == "" {
		return paymentdomain.ErrInvalidSignature
	}
	timestamp, signatures, err := parseSignatureHeader(signatureHeader)
	if err != nil {
		return paymentdomain.ErrInvalidSignature
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return paymentdomain.ErrInvalidSignature
	}
	now := s.clock.Now()
	drift := now.Sub(time.Unix(ts, 0))
	if drift < 0 {
		drift = -drift
	}
	if drift > s.tolerance {
		return paymentdomain.ErrStaleTimestamp
	}

	signedPayload := fmt.Sprintf("%s.%s", timestamp, string(payload))
	mac := hmac.New(sha256.New, []byte(s.secret))
	_, _ = mac.Write([]byte(signedPayload))
	expected := hex.EncodeToString(mac.Sum(nil))

	for _, signature := range signatures {
		if hmac.Equal([]byte(signature), []byte(expected)) {
			return nil
		}
	}
	return paymentdomain.ErrInvalidSignature
}

func parseSignatureHeader(header string) (string, []string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", nil, paymentdomain.ErrInvalidSignature
	}

	var timestamp string
	var signatures []string
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			timestamp = kv[1]
		case "v1":
			signatures = append(signatures, kv[1])
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return "", nil, paymentdomain.ErrInvalidSignature
	}
	return timestamp, signatures, nil
}
