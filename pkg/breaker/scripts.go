package breaker

import "github.com/redis/go-redis/v9"

// As with pkg/ratelimit, every state transition is a single Lua script:
// the breaker is a global singleton shared by every worker and request
// handler, so its state, failure history, and half-open success counter
// must never be read and then written back from Go.

// allowScript reports the breaker's current state, transitioning
// OPEN -> HALF_OPEN itself when the timeout has elapsed and a call has
// arrived to test the downstream again. The opened_at key is written with a
// TTL equal to the timeout, so an expired (absent) opened_at also counts as
// elapsed.
//
// KEYS[1] = state key
// KEYS[2] = opened_at key (unix ms, TTL = timeout)
// ARGV[1] = now, unix milliseconds
// ARGV[2] = timeout, seconds
var allowScript = redis.NewScript(`
local state = redis.call('GET', KEYS[1])
if not state then state = 'CLOSED' end

if state == 'OPEN' then
	local opened_at = tonumber(redis.call('GET', KEYS[2]))
	if opened_at == nil then opened_at = 0 end
	local elapsed = (tonumber(ARGV[1]) - opened_at) / 1000.0
	if elapsed >= tonumber(ARGV[2]) then
		redis.call('SET', KEYS[1], 'HALF_OPEN')
		return 'HALF_OPEN'
	end
	return 'OPEN'
end

return state
`)

// recordFailureScript tags a failure against the rolling window. A failure
// while HALF_OPEN reopens the breaker immediately; a failure while CLOSED
// that pushes the rolling count to the threshold opens it.
//
// KEYS[1] = state key
// KEYS[2] = opened_at key
// KEYS[3] = failure history zset key
// KEYS[4] = half-open success counter key
// KEYS[5] = failure history sequence key (member uniqueness)
// ARGV[1] = now, unix milliseconds
// ARGV[2] = rolling window, seconds
// ARGV[3] = failure threshold
var recordFailureScript = redis.NewScript(`
local state = redis.call('GET', KEYS[1])
if not state then state = 'CLOSED' end
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local threshold = tonumber(ARGV[3])

if state == 'HALF_OPEN' then
	redis.call('SET', KEYS[1], 'OPEN')
	redis.call('SET', KEYS[2], tostring(now), 'PX', math.floor(window * 1000))
	redis.call('SET', KEYS[4], '0')
	redis.call('DEL', KEYS[3])
	return 'OPEN'
end

local seq = redis.call('INCR', KEYS[5])
redis.call('EXPIRE', KEYS[5], window * 2)
redis.call('ZADD', KEYS[3], now, tostring(seq))
local floor = now - (window * 1000)
redis.call('ZREMRANGEBYSCORE', KEYS[3], 0, floor)
redis.call('EXPIRE', KEYS[3], window)

local count = redis.call('ZCARD', KEYS[3])
if count >= threshold then
	redis.call('SET', KEYS[1], 'OPEN')
	redis.call('SET', KEYS[2], tostring(now), 'PX', math.floor(window * 1000))
	return 'OPEN'
end

return state
`)

// recordSuccessScript advances HALF_OPEN toward CLOSED after two
// consecutive successes. It is a no-op in any other state.
//
// KEYS[1] = state key
// KEYS[2] = half-open success counter key
var recordSuccessScript = redis.NewScript(`
local state = redis.call('GET', KEYS[1])
if not state then state = 'CLOSED' end

if state == 'HALF_OPEN' then
	local successes = redis.call('INCR', KEYS[2])
	if tonumber(successes) >= 2 then
		redis.call('SET', KEYS[1], 'CLOSED')
		redis.call('SET', KEYS[2], '0')
		return 'CLOSED'
	end
	return 'HALF_OPEN'
end

return state
`)
