// Package cache stores hot-path lookups for webhook intake.
package cache

import (
	"strings"
	"time"

	subscriptiondomain "github.com/clubworks/memberd/internal/subscription/domain"
)

// Webhook bursts hit the same subscription repeatedly within seconds; the
// short TTL keeps the window where a stale status can be served small.
const defaultSubscriptionTTL = 45 * time.Second

// SubscriptionCache stores gateway-ref lookups for webhook intake. Writers
// must invalidate after any status change.
type SubscriptionCache struct {
	byGatewayRef *Cache[string, subscriptiondomain.Subscription]
	ttl          time.Duration
}

func NewSubscriptionCache() *SubscriptionCache {
	return &SubscriptionCache{
		byGatewayRef: NewTTLCache[string, subscriptiondomain.Subscription](),
		ttl:          defaultSubscriptionTTL,
	}
}

func (c *SubscriptionCache) GetByGatewayRef(gatewayRef string) (subscriptiondomain.Subscription, bool) {
	if c == nil {
		return subscriptiondomain.Subscription{}, false
	}
	key := strings.TrimSpace(gatewayRef)
	if key == "" {
		return subscriptiondomain.Subscription{}, false
	}
	return c.byGatewayRef.Get(key)
}

func (c *SubscriptionCache) Set(sub *subscriptiondomain.Subscription) {
	if c == nil || sub == nil || strings.TrimSpace(sub.GatewayRef) == "" {
		return
	}
	c.byGatewayRef.Set(strings.TrimSpace(sub.GatewayRef), *sub, c.ttl)
}

func (c *SubscriptionCache) Invalidate(gatewayRef string) {
	if c == nil {
		return
	}
	key := strings.TrimSpace(gatewayRef)
	if key == "" {
		return
	}
	c.byGatewayRef.Delete(key)
}
