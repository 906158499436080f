package ratelimit

import "github.com/redis/go-redis/v9"

// Every state transition here is a single Lua script so that concurrent
// workers never perform a read-modify-write from Go: Redis executes each
// script atomically, and the bucket, factor, and 429-history keys are only
// ever touched from inside one of these three scripts.

// acquireScript refills and debits a user's token bucket. The bucket's
// capacity is the caller's base capacity scaled by the user's current
// adaptive factor, so a single script has to read both the bucket hash and
// the factor key to decide whether n tokens are available.
//
// KEYS[1] = bucket hash key   (fields: tokens, ts)
// KEYS[2] = factor string key
// ARGV[1] = base capacity
// ARGV[2] = window, seconds
// ARGV[3] = now, unix milliseconds
// ARGV[4] = tokens requested
//
// Returns {allowed (0/1), wait_seconds}.
var acquireScript = redis.NewScript(`
local bucket_key = KEYS[1]
local factor_key = KEYS[2]
local base_capacity = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local n = tonumber(ARGV[4])

local factor = tonumber(redis.call('GET', factor_key))
if factor == nil then factor = 1.0 end

local capacity = base_capacity * factor
local rate = capacity / window

local bucket = redis.call('HMGET', bucket_key, 'tokens', 'ts')
local tokens = tonumber(bucket[1])
local ts = tonumber(bucket[2])
if tokens == nil or ts == nil then
	tokens = capacity
	ts = now
end

local elapsed = (now - ts) / 1000.0
if elapsed < 0 then elapsed = 0 end
tokens = math.min(capacity, tokens + elapsed * rate)

local ttl = math.ceil(window * 2)

if tokens >= n then
	tokens = tokens - n
	redis.call('HMSET', bucket_key, 'tokens', tostring(tokens), 'ts', tostring(now))
	redis.call('EXPIRE', bucket_key, ttl)
	return {1, 0}
end

local deficit = n - tokens
local wait = deficit / rate
redis.call('HMSET', bucket_key, 'tokens', tostring(tokens), 'ts', tostring(now))
redis.call('EXPIRE', bucket_key, ttl)
return {0, tostring(wait)}
`)

// onLimitExceededScript decays a user's adaptive factor and records the
// 429 in their rolling history, capped at historyCap entries.
//
// KEYS[1] = factor string key
// KEYS[2] = 429-history sorted set key
// ARGV[1] = now, unix milliseconds
// ARGV[2] = min factor
// ARGV[3] = decay multiplier
// ARGV[4] = factor key TTL, seconds
// ARGV[5] = history key TTL, seconds
// ARGV[6] = history cap (max entries retained)
var onLimitExceededScript = redis.NewScript(`
local factor_key = KEYS[1]
local history_key = KEYS[2]
local now = tonumber(ARGV[1])
local min_factor = tonumber(ARGV[2])
local decay = tonumber(ARGV[3])
local factor_ttl = tonumber(ARGV[4])
local history_ttl = tonumber(ARGV[5])
local history_cap = tonumber(ARGV[6])

local factor = tonumber(redis.call('GET', factor_key))
if factor == nil then factor = 1.0 end
factor = math.max(min_factor, factor * decay)
redis.call('SET', factor_key, tostring(factor), 'EX', factor_ttl)

redis.call('ZADD', history_key, now, now)
redis.call('ZREMRANGEBYRANK', history_key, 0, -history_cap - 1)
redis.call('EXPIRE', history_key, history_ttl)

return tostring(factor)
`)

// onSuccessScript grows a user's adaptive factor, but only if no 429 has
// landed in the trailing recentWindow.
//
// KEYS[1] = factor string key
// KEYS[2] = 429-history sorted set key
// ARGV[1] = now, unix milliseconds
// ARGV[2] = recent window, seconds (429-free lookback)
// ARGV[3] = max factor
// ARGV[4] = growth multiplier
// ARGV[5] = factor key TTL, seconds
var onSuccessScript = redis.NewScript(`
local factor_key = KEYS[1]
local history_key = KEYS[2]
local now = tonumber(ARGV[1])
local recent_window = tonumber(ARGV[2])
local max_factor = tonumber(ARGV[3])
local growth = tonumber(ARGV[4])
local factor_ttl = tonumber(ARGV[5])

local factor = tonumber(redis.call('GET', factor_key))
if factor == nil then factor = 1.0 end

local floor = now - (recent_window * 1000)
local recent = redis.call('ZCOUNT', history_key, floor, '+inf')
if tonumber(recent) > 0 then
	return tostring(factor)
end

factor = math.min(max_factor, factor * growth)
redis.call('SET', factor_key, tostring(factor), 'EX', factor_ttl)
return tostring(factor)
`)
