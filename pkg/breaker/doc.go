/*
Package breaker implements the circuit breaker (component D) guarding
outbound Marketplace calls: a single global state machine — CLOSED, OPEN,
HALF_OPEN — shared by every request handler and background worker via
Redis.

CLOSED moves to OPEN once 5 failures land within the rolling window (the
same duration as the OPEN cool-down timeout, 60s by default). OPEN moves
to HALF_OPEN once the timeout has elapsed and a call arrives to test the
downstream again. HALF_OPEN moves to CLOSED after 2 consecutive
successes, or straight back to OPEN on any single failure.

# Usage

	cb := breaker.New(redisClient, breaker.Config{})

	if cb.Allow(ctx) == breaker.Open {
		return syncerr.New(syncerr.KindMarketplaceUnavailable, "breaker open")
	}
	// ... issue the Marketplace call ...
	if err != nil {
		cb.RecordFailure(ctx, breaker.FailureGeneric)
	} else {
		cb.RecordSuccess(ctx)
	}
*/
package breaker
