package store

import "github.com/redis/go-redis/v9"

// priorityBand separates the priority component of a ready-set score from the
// creation-sequence component: score = priority*band + seq. Exact for float64
// as long as |priority| < 2^13 and seq < 2^40.
const priorityBand = 1 << 40

// claimScript is the single correctness-critical primitive: it checks the
// pause flag, pops the lowest (priority, seq) entry from the ready set, and
// stamps the lock fields in one atomic step so two workers can never claim
// the same job.
//
// KEYS: 1=cfg 2=ready 3=active
// ARGV: 1=lockToken 2=lockExpiresAtMs 3=jobKeyPrefix 4=nowMs
var claimScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'paused') == '1' then
  return false
end
local popped = redis.call('ZPOPMIN', KEYS[2])
if popped == false or #popped == 0 then
  return false
end
local id = popped[1]
local key = ARGV[3] .. id
redis.call('HSET', key,
  'status', 'active',
  'lock_token', ARGV[1],
  'lock_expires_at', ARGV[2],
  'processed_at', ARGV[4])
redis.call('ZADD', KEYS[3], tonumber(ARGV[2]), id)
return id
`)

// renewScript extends a lock only while the worker still owns it.
//
// KEYS: 1=jobKey 2=active
// ARGV: 1=lockToken 2=newExpiresAtMs 3=id
var renewScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'lock_token') ~= ARGV[1] then
  return 0
end
redis.call('HSET', KEYS[1], 'lock_expires_at', ARGV[2])
redis.call('ZADD', KEYS[2], tonumber(ARGV[2]), ARGV[3])
return 1
`)

// promoteScript moves due delayed jobs into the ready set.
//
// KEYS: 1=delayed 2=ready
// ARGV: 1=nowMs 2=limit 3=jobKeyPrefix
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, id in ipairs(due) do
  redis.call('ZREM', KEYS[1], id)
  local key = ARGV[3] .. id
  local p = tonumber(redis.call('HGET', key, 'priority')) or 0
  local seq = tonumber(redis.call('HGET', key, 'seq')) or 0
  redis.call('HSET', key, 'status', 'waiting')
  redis.call('ZADD', KEYS[2], p * 1099511627776 + seq, id)
end
return #due
`)

// completeScript finishes a job, conditioned on the lock token. It applies
// the removeOnComplete retention count and returns the pruned ids.
//
// KEYS: 1=jobKey 2=active 3=completedList 4=window
// ARGV: 1=lockToken 2=nowMs 3=id 4=keep 5=windowMember
var completeScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'lock_token') ~= ARGV[1] then
  return false
end
redis.call('HSET', KEYS[1],
  'status', 'completed',
  'finished_at', ARGV[2],
  'lock_token', '',
  'lock_expires_at', 0)
redis.call('ZREM', KEYS[2], ARGV[3])
redis.call('LPUSH', KEYS[3], ARGV[3])
redis.call('ZADD', KEYS[4], tonumber(ARGV[2]), ARGV[5])
local pruned = {}
local keep = tonumber(ARGV[4])
if keep > 0 then
  while redis.call('LLEN', KEYS[3]) > keep do
    local old = redis.call('RPOP', KEYS[3])
    if old == false then break end
    pruned[#pruned+1] = old
  end
end
return pruned
`)

// retryScript re-arms a failed job as delayed with incremented attempts,
// conditioned on the lock token.
//
// KEYS: 1=jobKey 2=active 3=delayed 4=window
// ARGV: 1=lockToken 2=id 3=attempts 4=availableAtMs 5=lastError 6=nowMs 7=windowMember
var retryScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'lock_token') ~= ARGV[1] then
  return 0
end
redis.call('HSET', KEYS[1],
  'status', 'delayed',
  'attempts_made', ARGV[3],
  'available_at', ARGV[4],
  'last_error', ARGV[5],
  'failed_at', ARGV[6],
  'lock_token', '',
  'lock_expires_at', 0)
redis.call('ZREM', KEYS[2], ARGV[2])
redis.call('ZADD', KEYS[3], tonumber(ARGV[4]), ARGV[2])
redis.call('ZADD', KEYS[4], tonumber(ARGV[6]), ARGV[7])
return 1
`)

// deadLetterScript quarantines a job, conditioned on the lock token. The
// dead-letter list key is resolved by the caller from the job's immutable
// dead_letter_queue field. Returns pruned ids per removeOnFail, or false if
// the lock was lost.
//
// KEYS: 1=jobKey 2=active 3=failedList 4=dlqList 5=window
// ARGV: 1=lockToken 2=id 3=nowMs 4=keep 5=dlqRef 6=reason 7=windowMember 8=attempts
var deadLetterScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'lock_token') ~= ARGV[1] then
  return false
end
redis.call('HSET', KEYS[1],
  'status', 'dead-lettered',
  'failed_at', ARGV[3],
  'last_error', ARGV[6],
  'attempts_made', ARGV[8],
  'lock_token', '',
  'lock_expires_at', 0)
redis.call('ZREM', KEYS[2], ARGV[2])
redis.call('RPUSH', KEYS[4], ARGV[5])
redis.call('LPUSH', KEYS[3], ARGV[2])
redis.call('ZADD', KEYS[5], tonumber(ARGV[3]), ARGV[7])
local pruned = {}
local keep = tonumber(ARGV[4])
if keep > 0 then
  while redis.call('LLEN', KEYS[3]) > keep do
    local old = redis.call('RPOP', KEYS[3])
    if old == false then break end
    pruned[#pruned+1] = old
  end
end
return pruned
`)

// reclaimScript handles one expired-lock active job. The expiry re-check
// inside the script is the optimistic guard against a worker that renewed
// between the sweep's scan and this call. Codes: -1 lock renewed (skip),
// 1 returned to waiting, 2 stall budget exhausted and dead-lettered
// (followed by pruned ids).
//
// KEYS: 1=jobKey 2=active 3=ready 4=failedList 5=dlqList 6=window
// ARGV: 1=id 2=nowMs 3=maxStalled 4=keepFailed 5=dlqRef 6=reason 7=windowMember
var reclaimScript = redis.NewScript(`
local exp = tonumber(redis.call('HGET', KEYS[1], 'lock_expires_at'))
if exp == nil or exp == 0 or exp > tonumber(ARGV[2]) then
  return {-1}
end
local sc = redis.call('HINCRBY', KEYS[1], 'stalled_count', 1)
if sc <= tonumber(ARGV[3]) then
  local p = tonumber(redis.call('HGET', KEYS[1], 'priority')) or 0
  local seq = tonumber(redis.call('HGET', KEYS[1], 'seq')) or 0
  redis.call('HSET', KEYS[1],
    'status', 'waiting',
    'lock_token', '',
    'lock_expires_at', 0)
  redis.call('ZREM', KEYS[2], ARGV[1])
  redis.call('ZADD', KEYS[3], p * 1099511627776 + seq, ARGV[1])
  return {1}
end
redis.call('HSET', KEYS[1],
  'status', 'dead-lettered',
  'failed_at', ARGV[2],
  'last_error', ARGV[6],
  'lock_token', '',
  'lock_expires_at', 0)
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('RPUSH', KEYS[5], ARGV[5])
redis.call('LPUSH', KEYS[4], ARGV[1])
redis.call('ZADD', KEYS[6], tonumber(ARGV[2]), ARGV[7])
local out = {2}
local keep = tonumber(ARGV[4])
if keep > 0 then
  while redis.call('LLEN', KEYS[4]) > keep do
    local old = redis.call('RPOP', KEYS[4])
    if old == false then break end
    out[#out+1] = old
  end
end
return out
`)

// rearmScript is the admin retry: it resets failure bookkeeping and returns
// the job to its original queue's ready set. Codes: 0 missing, -1 active,
// 1 re-armed.
//
// KEYS: 1=jobKey 2=ready 3=delayed 4=completedList 5=failedList 6=dlqList
// ARGV: 1=id 2=dlqRef
var rearmScript = redis.NewScript(`
local st = redis.call('HGET', KEYS[1], 'status')
if st == false then
  return 0
end
if st == 'active' then
  return -1
end
local p = tonumber(redis.call('HGET', KEYS[1], 'priority')) or 0
local seq = tonumber(redis.call('HGET', KEYS[1], 'seq')) or 0
redis.call('HSET', KEYS[1],
  'status', 'waiting',
  'attempts_made', 0,
  'stalled_count', 0,
  'last_error', '',
  'failed_at', 0,
  'finished_at', 0,
  'lock_token', '',
  'lock_expires_at', 0)
redis.call('ZREM', KEYS[3], ARGV[1])
redis.call('LREM', KEYS[4], 0, ARGV[1])
redis.call('LREM', KEYS[5], 0, ARGV[1])
redis.call('LREM', KEYS[6], 0, ARGV[2])
redis.call('ZADD', KEYS[2], p * 1099511627776 + seq, ARGV[1])
return 1
`)

// removeScript deletes a job unless it is active. Codes: 0 missing,
// -1 active, 1 removed.
//
// KEYS: 1=jobKey 2=ready 3=delayed 4=completedList 5=failedList 6=dlqList
// ARGV: 1=id 2=dlqRef
var removeScript = redis.NewScript(`
local st = redis.call('HGET', KEYS[1], 'status')
if st == false then
  return 0
end
if st == 'active' then
  return -1
end
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('ZREM', KEYS[3], ARGV[1])
redis.call('LREM', KEYS[4], 0, ARGV[1])
redis.call('LREM', KEYS[5], 0, ARGV[1])
redis.call('LREM', KEYS[6], 0, ARGV[2])
return 1
`)
