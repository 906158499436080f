// Package ratelimit implements the per-user adaptive rate limiter
// (component C): a distributed token bucket, scaled by a per-user adaptive
// factor that backs off on 429s and recovers on sustained success.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cuemby/syncd/pkg/log"
)

const (
	// DefaultBaseCapacity is the base token bucket size B.
	DefaultBaseCapacity = 200
	// DefaultWindow is the bucket refill window W.
	DefaultWindow = 10 * time.Second

	minFactor        = 0.5
	maxFactor        = 1.5
	decayMultiplier  = 0.9
	growthMultiplier = 1.01
	successWindow    = 300 * time.Second // 429-free lookback for on_success growth
	historyCap       = 100
	factorTTL        = time.Hour
	historyTTL       = successWindow + time.Minute
)

// Limiter is a per-user adaptive token bucket backed by Redis. All state
// transitions run as single Lua scripts (see scripts.go) so concurrent
// request handlers and background workers never race on a bucket.
type Limiter struct {
	client       *redis.Client
	baseCapacity int64
	window       time.Duration
	keyPrefix    string
}

// Config configures a Limiter.
type Config struct {
	// BaseCapacity overrides DefaultBaseCapacity. Zero means use the default.
	BaseCapacity int64
	// Window overrides DefaultWindow. Zero means use the default.
	Window time.Duration
	// KeyPrefix namespaces this limiter's Redis keys. Defaults to "ratelimit".
	KeyPrefix string
}

// New creates a Limiter against an existing Redis client.
func New(client *redis.Client, cfg Config) *Limiter {
	capacity := cfg.BaseCapacity
	if capacity <= 0 {
		capacity = DefaultBaseCapacity
	}
	window := cfg.Window
	if window <= 0 {
		window = DefaultWindow
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "ratelimit"
	}

	return &Limiter{
		client:       client,
		baseCapacity: capacity,
		window:       window,
		keyPrefix:    prefix,
	}
}

func (l *Limiter) bucketKey(user string) string  { return fmt.Sprintf("%s:bucket:{%s}", l.keyPrefix, user) }
func (l *Limiter) factorKey(user string) string  { return fmt.Sprintf("%s:factor:{%s}", l.keyPrefix, user) }
func (l *Limiter) historyKey(user string) string { return fmt.Sprintf("%s:429s:{%s}", l.keyPrefix, user) }

// Acquire attempts to debit n tokens (default 1) from user's bucket. If
// tokens are unavailable it reports allowed=false and how long the caller
// should wait before retrying. Any Redis error fails open: Acquire returns
// allowed=true so a KV-store outage never blocks Marketplace traffic
// entirely, and the error is logged, not returned.
func (l *Limiter) Acquire(ctx context.Context, user string, n int64) (allowed bool, wait time.Duration) {
	if n <= 0 {
		n = 1
	}

	res, err := acquireScript.Run(ctx, l.client,
		[]string{l.bucketKey(user), l.factorKey(user)},
		l.baseCapacity, l.window.Seconds(), time.Now().UnixMilli(), n,
	).Slice()
	if err != nil {
		log.WithUserID(user).Warn().Err(err).Msg("ratelimit: acquire failed, failing open")
		return true, 0
	}

	allowedInt, _ := res[0].(int64)
	waitSeconds := parseFloat(res[1])

	return allowedInt == 1, time.Duration(waitSeconds * float64(time.Second))
}

// OnLimitExceeded decays user's adaptive factor toward minFactor and
// records the 429 in their rolling history. Failures are logged and
// otherwise ignored: the factor simply doesn't move this time.
func (l *Limiter) OnLimitExceeded(ctx context.Context, user string) {
	_, err := onLimitExceededScript.Run(ctx, l.client,
		[]string{l.factorKey(user), l.historyKey(user)},
		time.Now().UnixMilli(), minFactor, decayMultiplier,
		int(factorTTL.Seconds()), int(historyTTL.Seconds()), historyCap,
	).Result()
	if err != nil {
		log.WithUserID(user).Warn().Err(err).Msg("ratelimit: on_limit_exceeded failed")
	}
}

// OnSuccess grows user's adaptive factor toward maxFactor, but only if no
// 429 has landed in the trailing successWindow.
func (l *Limiter) OnSuccess(ctx context.Context, user string) {
	_, err := onSuccessScript.Run(ctx, l.client,
		[]string{l.factorKey(user), l.historyKey(user)},
		time.Now().UnixMilli(), successWindow.Seconds(), maxFactor, growthMultiplier,
		int(factorTTL.Seconds()),
	).Result()
	if err != nil {
		log.WithUserID(user).Warn().Err(err).Msg("ratelimit: on_success failed")
	}
}

// Factor returns user's current adaptive factor, or 1.0 if none is set yet.
func (l *Limiter) Factor(ctx context.Context, user string) float64 {
	v, err := l.client.Get(ctx, l.factorKey(user)).Result()
	if err != nil {
		return 1.0
	}
	var f float64
	if _, err := fmt.Sscanf(v, "%g", &f); err != nil {
		return 1.0
	}
	return f
}

func parseFloat(v any) float64 {
	switch t := v.(type) {
	case string:
		var f float64
		fmt.Sscanf(t, "%g", &f)
		return f
	case int64:
		return float64(t)
	default:
		return 0
	}
}
