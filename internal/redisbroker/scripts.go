package redisbroker

import "github.com/redis/go-redis/v9"

// Scores in the wait set are rank*1e9 + seq%1e9, which stays below 2^53 for
// every accepted priority.
const waitScoreLua = `
local function waitScore(rank, seq)
  return tonumber(rank) * 1e9 + (tonumber(seq) % 1e9)
end
`

// KEYS: job, wait, delayed, seq
// ARGV: id, queue, name, data, opts, state, rank, maxAttempts, runAt, createdAt
var addScript = redis.NewScript(waitScoreLua + `
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
local seq = redis.call('INCR', KEYS[4])
redis.call('HSET', KEYS[1],
  'id', ARGV[1], 'queue', ARGV[2], 'name', ARGV[3], 'data', ARGV[4], 'opts', ARGV[5],
  'state', ARGV[6], 'rank', ARGV[7], 'maxAttempts', ARGV[8], 'runAt', ARGV[9],
  'createdAt', ARGV[10], 'attemptsMade', 0, 'progress', 0, 'seq', seq)
if ARGV[6] == 'delayed' then
  redis.call('ZADD', KEYS[3], ARGV[9], ARGV[1])
else
  redis.call('ZADD', KEYS[2], waitScore(ARGV[7], seq), ARGV[1])
end
return 1
`)

// KEYS: wait, delayed, active
// ARGV: keyPrefix, now, leaseUntil, token
var reserveScript = redis.NewScript(waitScoreLua + `
local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[2], 'LIMIT', 0, 1000)
for _, id in ipairs(due) do
  redis.call('ZREM', KEYS[2], id)
  local jk = ARGV[1] .. 'job:' .. id
  if redis.call('EXISTS', jk) == 1 then
    local rank = redis.call('HGET', jk, 'rank')
    local seq = redis.call('HGET', jk, 'seq')
    redis.call('HSET', jk, 'state', 'waiting')
    redis.call('ZADD', KEYS[1], waitScore(rank, seq), id)
  end
end
while true do
  local ids = redis.call('ZRANGE', KEYS[1], 0, 0)
  if #ids == 0 then
    return false
  end
  local id = ids[1]
  redis.call('ZREM', KEYS[1], id)
  local jk = ARGV[1] .. 'job:' .. id
  if redis.call('EXISTS', jk) == 1 then
    redis.call('HINCRBY', jk, 'attemptsMade', 1)
    redis.call('HSET', jk, 'state', 'active', 'token', ARGV[4], 'leaseUntil', ARGV[3],
      'processedAt', ARGV[2], 'progress', 0)
    redis.call('ZADD', KEYS[3], ARGV[3], id)
    return id
  end
end
`)

// KEYS: job, active
// ARGV: id, token, leaseUntil
var extendScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'state') ~= 'active' or redis.call('HGET', KEYS[1], 'token') ~= ARGV[2] then
  return 0
end
redis.call('HSET', KEYS[1], 'leaseUntil', ARGV[3])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
return 1
`)

// KEYS: job
// ARGV: token, progress
var progressScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'state') ~= 'active' then
  return 0
end
if ARGV[1] ~= '' and redis.call('HGET', KEYS[1], 'token') ~= ARGV[1] then
  return 0
end
redis.call('HSET', KEYS[1], 'progress', ARGV[2])
return 1
`)

// KEYS: job, active, target
// ARGV: id, token, state, at, value, ageCutoff, keepCount, keyPrefix
var finishScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'state') ~= 'active' or redis.call('HGET', KEYS[1], 'token') ~= ARGV[2] then
  return 0
end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[1], 'token', 'leaseUntil')
redis.call('HSET', KEYS[1], 'state', ARGV[3], 'finishedAt', ARGV[4])
if ARGV[3] == 'completed' then
  redis.call('HSET', KEYS[1], 'returnValue', ARGV[5], 'progress', 100)
else
  redis.call('HSET', KEYS[1], 'failedReason', ARGV[5])
end
redis.call('ZADD', KEYS[3], ARGV[4], ARGV[1])

local cutoff = tonumber(ARGV[6])
if cutoff >= 0 then
  local old = redis.call('ZRANGEBYSCORE', KEYS[3], '-inf', '(' .. ARGV[6])
  for _, oid in ipairs(old) do
    redis.call('DEL', ARGV[8] .. 'job:' .. oid)
  end
  redis.call('ZREMRANGEBYSCORE', KEYS[3], '-inf', '(' .. ARGV[6])
end
local keep = tonumber(ARGV[7])
if keep > 0 then
  local total = redis.call('ZCARD', KEYS[3])
  if total > keep then
    local old = redis.call('ZRANGE', KEYS[3], 0, total - keep - 1)
    for _, oid in ipairs(old) do
      redis.call('DEL', ARGV[8] .. 'job:' .. oid)
    end
    redis.call('ZREMRANGEBYRANK', KEYS[3], 0, total - keep - 1)
  end
end
return 1
`)

// KEYS: job, active, wait, delayed
// ARGV: id, token, reason, runAt, at
var retryScript = redis.NewScript(waitScoreLua + `
if redis.call('HGET', KEYS[1], 'state') ~= 'active' or redis.call('HGET', KEYS[1], 'token') ~= ARGV[2] then
  return 0
end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[1], 'token', 'leaseUntil')
redis.call('HSET', KEYS[1], 'failedReason', ARGV[3], 'runAt', ARGV[4])
if tonumber(ARGV[4]) > tonumber(ARGV[5]) then
  redis.call('HSET', KEYS[1], 'state', 'delayed')
  redis.call('ZADD', KEYS[4], ARGV[4], ARGV[1])
else
  redis.call('HSET', KEYS[1], 'state', 'waiting')
  local rank = redis.call('HGET', KEYS[1], 'rank')
  local seq = redis.call('HGET', KEYS[1], 'seq')
  redis.call('ZADD', KEYS[3], waitScore(rank, seq), ARGV[1])
end
return 1
`)

// KEYS: active, wait, failed
// ARGV: now, keyPrefix, reason
var stalledScript = redis.NewScript(waitScoreLua + `
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[1])
local requeued, failed = {}, {}
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  local jk = ARGV[2] .. 'job:' .. id
  if redis.call('EXISTS', jk) == 1 then
    local made = tonumber(redis.call('HGET', jk, 'attemptsMade') or '0')
    local max = tonumber(redis.call('HGET', jk, 'maxAttempts') or '1')
    redis.call('HDEL', jk, 'token', 'leaseUntil')
    if made >= max then
      redis.call('HSET', jk, 'state', 'failed', 'failedReason', ARGV[3], 'finishedAt', ARGV[1])
      redis.call('ZADD', KEYS[3], ARGV[1], id)
      table.insert(failed, id)
    else
      redis.call('HSET', jk, 'state', 'waiting', 'runAt', ARGV[1])
      redis.call('ZADD', KEYS[2], waitScore(redis.call('HGET', jk, 'rank'), redis.call('HGET', jk, 'seq')), id)
      table.insert(requeued, id)
    end
  end
end
return {requeued, failed}
`)

// KEYS: repeat:next, repeat:defs, wait, seq
// ARGV: now, keyPrefix, queue
var promoteScript = redis.NewScript(waitScoreLua + `
local now = tonumber(ARGV[1])
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
local added = 0
for _, name in ipairs(due) do
  local raw = redis.call('HGET', KEYS[2], name)
  if raw then
    local def = cjson.decode(raw)
    local slot = redis.call('ZSCORE', KEYS[1], name)
    local id = 'repeat:' .. name .. ':' .. slot
    local jk = ARGV[2] .. 'job:' .. id
    if redis.call('EXISTS', jk) == 0 then
      local seq = redis.call('INCR', KEYS[4])
      redis.call('HSET', jk,
        'id', id, 'queue', ARGV[3], 'name', name, 'data', def.data, 'opts', def.opts,
        'state', 'waiting', 'rank', def.rank, 'maxAttempts', def.attempts, 'runAt', ARGV[1],
        'createdAt', ARGV[1], 'attemptsMade', 0, 'progress', 0, 'seq', seq)
      redis.call('ZADD', KEYS[3], waitScore(def.rank, seq), id)
      added = added + 1
    end
    local every = tonumber(def.every)
    redis.call('ZADD', KEYS[1], (math.floor(now / every) + 1) * every, name)
  else
    redis.call('ZREM', KEYS[1], name)
  end
end
return added
`)
