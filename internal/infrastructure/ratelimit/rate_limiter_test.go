package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAllowConsumesTokens(t *testing.T) {
	limiter := NewRateLimiter()

	for i := 0; i < 30; i++ {
		allowed, _ := limiter.Allow("buyer_1", "send_message")
		assert.True(t, allowed, "request %d should pass", i)
	}

	allowed, wait := limiter.Allow("buyer_1", "send_message")
	assert.False(t, allowed)
	assert.Greater(t, wait, time.Duration(0))
}

func TestActionsHaveIndependentBuckets(t *testing.T) {
	limiter := NewRateLimiter()

	for i := 0; i < 30; i++ {
		limiter.Allow("buyer_1", "send_message")
	}

	allowed, _ := limiter.Allow("buyer_1", "typing")
	assert.True(t, allowed)
}

func TestIdentitiesHaveIndependentBuckets(t *testing.T) {
	limiter := NewRateLimiter()

	for i := 0; i < 30; i++ {
		limiter.Allow("buyer_1", "send_message")
	}

	allowed, _ := limiter.Allow("seller_2", "send_message")
	assert.True(t, allowed)
}

func TestTokensRefillOverTime(t *testing.T) {
	bucket := NewTokenBucket(1, 1, 10*time.Millisecond)

	allowed, _ := bucket.Allow()
	assert.True(t, allowed)
	allowed, _ = bucket.Allow()
	assert.False(t, allowed)

	time.Sleep(20 * time.Millisecond)
	allowed, _ = bucket.Allow()
	assert.True(t, allowed)
}

func TestCleanupDropsStaleBuckets(t *testing.T) {
	limiter := NewRateLimiter()
	limiter.Allow("buyer_1", "send_message")

	limiter.mutex.Lock()
	for _, bucket := range limiter.buckets {
		bucket.lastRefill = time.Now().Add(-2 * time.Hour)
	}
	limiter.mutex.Unlock()

	limiter.Cleanup()

	limiter.mutex.RLock()
	defer limiter.mutex.RUnlock()
	assert.Empty(t, limiter.buckets)
}
