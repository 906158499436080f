package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return New(client, Config{BaseCapacity: 10, Window: time.Second}), mr
}

func TestAcquire_AllowsWithinCapacity(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		allowed, _ := limiter.Acquire(ctx, "user-1", 1)
		assert.True(t, allowed, "token %d should be allowed", i)
	}
}

func TestAcquire_DeniesOverCapacity(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		limiter.Acquire(ctx, "user-1", 1)
	}

	allowed, wait := limiter.Acquire(ctx, "user-1", 1)
	assert.False(t, allowed)
	assert.Greater(t, wait, time.Duration(0))
}

func TestAcquire_RefillsOverTime(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		limiter.Acquire(ctx, "user-1", 1)
	}
	allowed, _ := limiter.Acquire(ctx, "user-1", 1)
	require.False(t, allowed)

	// the bucket refills from the wall clock, which FastForward does not move.
	time.Sleep(time.Second)

	allowed, _ = limiter.Acquire(ctx, "user-1", 1)
	assert.True(t, allowed, "bucket should have refilled after a full window")
}

func TestOnLimitExceeded_DecaysFactor(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	ctx := context.Background()

	assert.InDelta(t, 1.0, limiter.Factor(ctx, "user-1"), 0.0001)

	limiter.OnLimitExceeded(ctx, "user-1")
	assert.InDelta(t, 0.9, limiter.Factor(ctx, "user-1"), 0.0001)
}

func TestOnLimitExceeded_NeverBelowMinFactor(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		limiter.OnLimitExceeded(ctx, "user-1")
	}

	assert.GreaterOrEqual(t, limiter.Factor(ctx, "user-1"), minFactor)
}

func TestOnSuccess_NoGrowthAfterRecent429(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	ctx := context.Background()

	limiter.OnLimitExceeded(ctx, "user-1")
	before := limiter.Factor(ctx, "user-1")

	limiter.OnSuccess(ctx, "user-1")

	assert.InDelta(t, before, limiter.Factor(ctx, "user-1"), 0.0001, "factor should not grow with a recent 429")
}

func TestOnSuccess_GrowsFactorAfterQuietWindow(t *testing.T) {
	limiter, mr := newTestLimiter(t)
	ctx := context.Background()

	limiter.OnLimitExceeded(ctx, "user-1")
	// FastForward ages keys but not the wall clock the scripts read, so the
	// quiet window is reached by letting the 429 history expire.
	mr.FastForward(historyTTL + time.Second)

	limiter.OnSuccess(ctx, "user-1")

	assert.Greater(t, limiter.Factor(ctx, "user-1"), 0.9)
}

func TestOnSuccess_NeverAboveMaxFactor(t *testing.T) {
	limiter, mr := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 200; i++ {
		mr.FastForward(successWindow + time.Second)
		limiter.OnSuccess(ctx, "user-1")
	}

	assert.LessOrEqual(t, limiter.Factor(ctx, "user-1"), maxFactor)
}

func TestAcquire_IndependentPerUser(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		limiter.Acquire(ctx, "user-1", 1)
	}

	allowed, _ := limiter.Acquire(ctx, "user-2", 1)
	assert.True(t, allowed, "user-2's bucket should be unaffected by user-1's usage")
}

func TestAcquire_FailsOpenOnRedisError(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"}) // nothing listening
	defer client.Close()
	limiter := New(client, Config{})

	allowed, wait := limiter.Acquire(context.Background(), "user-1", 1)

	assert.True(t, allowed, "a KV-store outage must fail open")
	assert.Zero(t, wait)
}
