package queue

// Lua scripts for atomic queue state transitions. Each script owns one
// transition so a job can never exist in two states at once, even with
// concurrent workers on separate hosts.
//
// Waiting-set scores are priority*2^44 + enqueue-millis, matching
// waitingScore in queue.go. Keep the constant in sync.

// promoteLua moves due delayed jobs into the waiting set.
// KEYS: delayed zset, waiting zset. ARGV: now-millis, job key prefix.
const promoteLua = `
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, 100)
local moved = 0
for _, id in ipairs(due) do
    redis.call("ZREM", KEYS[1], id)
    local prio = tonumber(redis.call("HGET", ARGV[2] .. id, "priority") or "3")
    redis.call("ZADD", KEYS[2], prio * 17592186044416 + tonumber(ARGV[1]), id)
    moved = moved + 1
end
return moved
`

// dequeueLua claims the most urgent waiting job: moves it to the active set
// with a visibility deadline and bumps its attempt counter.
// KEYS: waiting zset, active zset. ARGV: deadline-millis, job key prefix.
const dequeueLua = `
local popped = redis.call("ZPOPMIN", KEYS[1], 1)
if #popped == 0 then
    return false
end
local id = popped[1]
redis.call("ZADD", KEYS[2], tonumber(ARGV[1]), id)
local made = redis.call("HINCRBY", ARGV[2] .. id, "attempts_made", 1)
local data = redis.call("HMGET", ARGV[2] .. id, "payload", "priority", "max_attempts", "enqueued_at")
return {id, data[1], data[2], data[3], made, data[4]}
`

// ackLua completes a claimed job and drops its state hash.
// KEYS: active zset, completed counter, job hash. ARGV: job id.
const ackLua = `
local removed = redis.call("ZREM", KEYS[1], ARGV[1])
if removed == 0 then
    return 0
end
redis.call("DEL", KEYS[3])
redis.call("INCR", KEYS[2])
return 1
`

// failLua records a failed attempt: requeues as delayed while attempts
// remain (returns 1), otherwise dead-letters (returns 0). The state hash is
// kept for dead jobs so operators can inspect the failure reason.
// KEYS: active zset, delayed zset, dead list, job hash.
// ARGV: job id, retry-at-millis, failure reason.
const failLua = `
redis.call("ZREM", KEYS[1], ARGV[1])
local made = tonumber(redis.call("HGET", KEYS[4], "attempts_made") or "0")
local max = tonumber(redis.call("HGET", KEYS[4], "max_attempts") or "1")
if made < max then
    redis.call("ZADD", KEYS[2], tonumber(ARGV[2]), ARGV[1])
    return 1
end
redis.call("HSET", KEYS[4], "failed_reason", ARGV[3])
redis.call("LPUSH", KEYS[3], ARGV[1])
return 0
`

// reclaimLua requeues active jobs whose visibility deadline has passed.
// Jobs already at their attempt budget are dead-lettered instead of
// looping forever through a crashing worker.
// KEYS: active zset, waiting zset, dead list. ARGV: now-millis, job key prefix.
const reclaimLua = `
local stalled = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, 100)
local moved = 0
for _, id in ipairs(stalled) do
    redis.call("ZREM", KEYS[1], id)
    local jk = ARGV[2] .. id
    local made = tonumber(redis.call("HGET", jk, "attempts_made") or "0")
    local max = tonumber(redis.call("HGET", jk, "max_attempts") or "1")
    if made >= max then
        redis.call("HSET", jk, "failed_reason", "stalled: visibility timeout exceeded")
        redis.call("LPUSH", KEYS[3], id)
    else
        local prio = tonumber(redis.call("HGET", jk, "priority") or "3")
        redis.call("ZADD", KEYS[2], prio * 17592186044416 + tonumber(ARGV[1]), id)
        moved = moved + 1
    end
end
return moved
`
