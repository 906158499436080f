// Package breaker implements the circuit breaker (component D): a global
// singleton, shared across every worker and request handler via Redis,
// guarding outbound Marketplace calls.
package breaker

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cuemby/syncd/pkg/events"
	"github.com/cuemby/syncd/pkg/log"
	"github.com/cuemby/syncd/pkg/metrics"
)

// State is the breaker's lifecycle state.
type State string

const (
	Closed   State = "CLOSED"
	Open     State = "OPEN"
	HalfOpen State = "HALF_OPEN"
)

const (
	// DefaultThreshold is the failure count within Timeout that trips
	// CLOSED -> OPEN.
	DefaultThreshold = 5
	// DefaultTimeout is both the CLOSED rolling failure window and the
	// OPEN cool-down before a call is let through to test HALF_OPEN.
	DefaultTimeout = 60 * time.Second
)

// FailureKind tags why a call failed. Both kinds count toward the
// threshold identically; the tag exists for logging and metrics, not
// differential breaker logic.
type FailureKind string

const (
	FailureRateLimit FailureKind = "rate_limit"
	FailureGeneric   FailureKind = "generic"
)

// Breaker is a global circuit breaker backed by Redis.
type Breaker struct {
	client    *redis.Client
	threshold int
	timeout   time.Duration
	keyPrefix string
	broker    *events.Broker
}

// Config configures a Breaker.
type Config struct {
	// Threshold overrides DefaultThreshold. Zero means use the default.
	Threshold int
	// Timeout overrides DefaultTimeout. Zero means use the default.
	Timeout time.Duration
	// KeyPrefix namespaces this breaker's Redis keys. Defaults to "breaker".
	KeyPrefix string
}

// New creates a Breaker against an existing Redis client. There is exactly
// one breaker per deployment — it is a singleton shared by every caller of
// the Marketplace client, not scoped per user.
func New(client *redis.Client, cfg Config) *Breaker {
	threshold := cfg.Threshold
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "breaker"
	}

	return &Breaker{client: client, threshold: threshold, timeout: timeout, keyPrefix: prefix}
}

// WithEvents attaches broker so state transitions publish operational
// visibility notifications to it. Optional — a nil broker skips publishing.
func (b *Breaker) WithEvents(broker *events.Broker) *Breaker {
	b.broker = broker
	return b
}

func (b *Breaker) publish(eventType events.EventType, message string) {
	if b.broker == nil {
		return
	}
	b.broker.Publish(&events.Event{Type: eventType, Message: message})
}

func (b *Breaker) stateKey() string    { return b.keyPrefix + ":state" }
func (b *Breaker) openedAtKey() string { return b.keyPrefix + ":opened_at" }
func (b *Breaker) historyKey() string  { return b.keyPrefix + ":failures" }
func (b *Breaker) halfOpenKey() string { return b.keyPrefix + ":half_open_successes" }
func (b *Breaker) seqKey() string      { return b.keyPrefix + ":failures:seq" }

// Allow reports the breaker's current state. A caller should only proceed
// with the guarded call when the returned state is CLOSED or HALF_OPEN;
// OPEN means fail fast. Allow itself performs the OPEN -> HALF_OPEN
// transition once the timeout has elapsed, since that transition only
// happens when a call arrives to test the downstream again.
//
// A Redis error fails open (state reported as CLOSED): a degraded breaker
// must never become the reason every Marketplace call is rejected.
func (b *Breaker) Allow(ctx context.Context) State {
	res, err := allowScript.Run(ctx, b.client,
		[]string{b.stateKey(), b.openedAtKey()},
		time.Now().UnixMilli(), b.timeout.Seconds(),
	).Text()
	if err != nil {
		log.WithComponent("breaker").Warn().Err(err).Msg("allow check failed, failing open")
		return Closed
	}
	state := State(res)
	metrics.BreakerState.Set(stateGauge(state))
	return state
}

// RecordFailure tags a failed call. It returns the breaker's state after
// applying the transition (see scripts.go for the exact rules).
func (b *Breaker) RecordFailure(ctx context.Context, kind FailureKind) State {
	res, err := recordFailureScript.Run(ctx, b.client,
		[]string{b.stateKey(), b.openedAtKey(), b.historyKey(), b.halfOpenKey(), b.seqKey()},
		time.Now().UnixMilli(), b.timeout.Seconds(), b.threshold,
	).Text()
	if err != nil {
		log.WithComponent("breaker").Warn().Err(err).Msg("record_failure failed")
		return Closed
	}

	state := State(res)
	metrics.BreakerState.Set(stateGauge(state))
	if state == Open {
		metrics.BreakerTripsTotal.Inc()
		log.WithComponent("breaker").Error().Str("kind", string(kind)).Msg("opened after failure")
		b.publish(events.EventBreakerOpened, "breaker opened after failure")
	}
	return state
}

// RecordSuccess tags a successful call. It returns the breaker's state
// after applying the transition; HALF_OPEN moves to CLOSED after two
// consecutive successes.
func (b *Breaker) RecordSuccess(ctx context.Context) State {
	wasHalfOpen := b.client.Get(ctx, b.stateKey()).Val() == string(HalfOpen)

	res, err := recordSuccessScript.Run(ctx, b.client,
		[]string{b.stateKey(), b.halfOpenKey()},
	).Text()
	if err != nil {
		log.WithComponent("breaker").Warn().Err(err).Msg("record_success failed")
		return Closed
	}
	state := State(res)
	metrics.BreakerState.Set(stateGauge(state))
	if state == Closed && wasHalfOpen {
		b.publish(events.EventBreakerClosed, "breaker closed after recovery")
	}
	return state
}

// stateGauge maps State to the numeric encoding metrics.BreakerState
// documents: 0 = closed, 1 = half-open, 2 = open.
func stateGauge(s State) float64 {
	switch s {
	case HalfOpen:
		return 1
	case Open:
		return 2
	default:
		return 0
	}
}
