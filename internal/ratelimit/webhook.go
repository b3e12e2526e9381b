// Package ratelimit throttles webhook intake and serializes the dunning
// scan across replicas. All state lives in redis so limits hold fleet-wide.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/clubworks/memberd/internal/config"
	redis "github.com/redis/go-redis/v9"
)

const (
	keyWebhookGlobal = "webhook:intake:global"
	keyWebhookSource = "webhook:intake:source:%s"
	keyScanLock      = "dunning:scan:lock"
)

// WebhookLimiter gates webhook intake with a global bucket plus a tighter
// per-source bucket, and hands out the cross-replica scan lock. A nil or
// disabled limiter allows everything.
type WebhookLimiter struct {
	enabled bool

	bucket *TokenBucket
	locker *Locker

	globalRate  float64
	globalBurst int
	sourceRate  float64
	sourceBurst int

	cfg config.RateLimitConfig
}

func NewWebhookLimiter(cfg config.Config) (*WebhookLimiter, error) {
	limitCfg := cfg.RateLimit
	if !limitCfg.Enabled {
		return nil, nil
	}

	addr := strings.TrimSpace(limitCfg.RedisAddr)
	if addr == "" {
		return nil, errors.New("rate limit redis addr is required")
	}
	if limitCfg.WebhookRate <= 0 || limitCfg.WebhookBurst <= 0 {
		return nil, errors.New("webhook rate limit must be positive")
	}
	if limitCfg.SourceRate <= 0 || limitCfg.SourceBurst <= 0 {
		return nil, errors.New("webhook source rate limit must be positive")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(limitCfg.RedisPassword),
		DB:       limitCfg.RedisDB,
	})

	return &WebhookLimiter{
		enabled:     true,
		bucket:      NewTokenBucket(client),
		locker:      NewLocker(client),
		globalRate:  limitCfg.WebhookRate,
		globalBurst: limitCfg.WebhookBurst,
		sourceRate:  limitCfg.SourceRate,
		sourceBurst: limitCfg.SourceBurst,
		cfg:         limitCfg,
	}, nil
}

func (l *WebhookLimiter) Enabled() bool {
	return l != nil && l.enabled
}

// Allow consumes one token from the global bucket and one from the caller's
// source bucket. The tighter of the two answers wins.
func (l *WebhookLimiter) Allow(ctx context.Context, source string) (Result, error) {
	if !l.Enabled() {
		return Result{Allowed: true}, nil
	}

	global, err := l.bucket.Allow(ctx, keyWebhookGlobal, l.globalRate, l.globalBurst)
	if err != nil {
		return Result{}, err
	}
	if !global.Allowed {
		return global, nil
	}

	source = strings.TrimSpace(source)
	if source == "" {
		source = "unknown"
	}
	return l.bucket.Allow(ctx, fmt.Sprintf(keyWebhookSource, source), l.sourceRate, l.sourceBurst)
}

// TryScanLock claims the fleet-wide dunning scan slot. The returned token
// releases it; the TTL bounds a crashed holder.
func (l *WebhookLimiter) TryScanLock(ctx context.Context) (string, bool, error) {
	if !l.Enabled() {
		return "", true, nil
	}
	return l.locker.TryLock(ctx, keyScanLock, l.cfg.ScanLockTTL)
}

func (l *WebhookLimiter) ReleaseScanLock(ctx context.Context, token string) error {
	if !l.Enabled() {
		return nil
	}
	return l.locker.Release(ctx, keyScanLock, token)
}
