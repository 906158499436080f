/*
Package ratelimit implements the adaptive per-user rate limiter
(component C) that the Marketplace client (component E) consults before
every outbound call.

Each user gets a token bucket of base capacity B refilled over a window W,
scaled by an adaptive factor f(user) in [0.5, 1.5]. A run of 429s decays f
toward 0.5; a sustained run of successes (no 429 in the last five minutes)
grows it back toward 1.5. All three operations — Acquire, OnLimitExceeded,
OnSuccess — are single Lua scripts executed by Redis, so concurrent
request handlers and background workers can never read-modify-write the
same bucket or factor into an inconsistent state.

A Redis outage fails open: Acquire always returns allowed=true rather than
block Marketplace traffic on a degraded rate limiter.

# Usage

	limiter := ratelimit.New(redisClient, ratelimit.Config{})

	allowed, wait := limiter.Acquire(ctx, userID, 1)
	if !allowed {
		time.Sleep(wait)
	}
	// ... issue the Marketplace call ...
	if rateLimited {
		limiter.OnLimitExceeded(ctx, userID)
	} else {
		limiter.OnSuccess(ctx, userID)
	}
*/
package ratelimit
