package cache

import (
	"testing"
	"time"

	subscriptiondomain "github.com/clubworks/memberd/internal/subscription/domain"
	"github.com/stretchr/testify/require"
)

func TestTTLCache_ExpiresEntries(t *testing.T) {
	c := NewTTLCache[string, int]()

	c.Set("k", 42, 10*time.Millisecond)
	v, ok := c.Get("k")
	require.True(t, ok)
	require.Equal(t, 42, v)

	time.Sleep(20 * time.Millisecond)
	_, ok = c.Get("k")
	require.False(t, ok)
}

func TestTTLCache_DeleteAndZeroTTL(t *testing.T) {
	c := NewTTLCache[string, string]()

	c.Set("gone", "x", 0)
	_, ok := c.Get("gone")
	require.False(t, ok)

	c.Set("k", "v", time.Minute)
	c.Delete("k")
	_, ok = c.Get("k")
	require.False(t, ok)
}

func TestSubscriptionCache(t *testing.T) {
	c := NewSubscriptionCache()

	sub := &subscriptiondomain.Subscription{
		ID:         "sub_1",
		GatewayRef: "ref_1",
		Status:     string(subscriptiondomain.StatusActive),
	}
	c.Set(sub)

	cached, ok := c.GetByGatewayRef("ref_1")
	require.True(t, ok)
	require.Equal(t, "sub_1", cached.ID)

	c.Invalidate("ref_1")
	_, ok = c.GetByGatewayRef("ref_1")
	require.False(t, ok)
}

func TestSubscriptionCache_NilReceiverIsSafe(t *testing.T) {
	var c *SubscriptionCache

	_, ok := c.GetByGatewayRef("ref_1")
	require.False(t, ok)
	c.Set(&subscriptiondomain.Subscription{GatewayRef: "ref_1"})
	c.Invalidate("ref_1")
}
