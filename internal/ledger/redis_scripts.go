package ledger

// Lua scripts for atomic ledger operations. A check-then-write split across
// two round trips is racy under concurrent requests against the same tenant,
// so every check and the commit happen inside one EVALSHA.

const (
	// checkAndDeductScript performs the full deduction protocol atomically.
	//
	// Keys:
	//   KEYS[1] - tenant quota hash
	//   KEYS[2] - transaction key for the idempotency token
	//
	// Args:
	//   ARGV[1]  - amount (float)
	//   ARGV[2]  - daily request count to add (integer)
	//   ARGV[3]  - monthly request count to add (integer)
	//   ARGV[4]  - today key (YYYY-MM-DD)
	//   ARGV[5]  - month key (YYYY-MM)
	//   ARGV[6]  - allow negative balance (0/1)
	//   ARGV[7]  - transaction id (uuid)
	//   ARGV[8]  - tenant id
	//   ARGV[9]  - idempotency key
	//   ARGV[10] - prompt tokens (integer)
	//   ARGV[11] - completion tokens (integer)
	//   ARGV[12] - created-at timestamp (RFC3339)
	//   ARGV[13] - transaction TTL in seconds (integer)
	//
	// Returns:
	//   {"replay", <txn json>}            - key already committed
	//   {"ok", <txn json>}                - deduction committed
	//   {"insufficient_balance"}          - typed rejection, state unchanged
	//   {"daily_quota_exceeded"}          - typed rejection, state unchanged
	//   {"monthly_quota_exceeded"}        - typed rejection, state unchanged
	checkAndDeductScript = `
local quota_key = KEYS[1]
local txn_key = KEYS[2]

local existing = redis.call('GET', txn_key)
if existing then
    return {'replay', existing}
end

local amount = tonumber(ARGV[1])
local daily_req = tonumber(ARGV[2])
local monthly_req = tonumber(ARGV[3])
local today = ARGV[4]
local month = ARGV[5]
local allow_negative = tonumber(ARGV[6])

local raw = redis.call('HGETALL', quota_key)
local h = {}
for i = 1, #raw, 2 do
    h[raw[i]] = raw[i + 1]
end

local balance = tonumber(h['balance']) or 0
local credit_limit = tonumber(h['credit_limit']) or 0
local daily_quota = tonumber(h['daily_quota']) or 0
local daily_used = tonumber(h['daily_used']) or 0
local monthly_quota = tonumber(h['monthly_quota']) or 0
local monthly_used = tonumber(h['monthly_used']) or 0
local version = tonumber(h['version']) or 0

-- Roll counters for a new day/month before the quota checks.
if h['daily_reset_date'] ~= today then
    daily_used = 0
end
if h['monthly_reset_date'] ~= month then
    monthly_used = 0
end

if allow_negative == 0 and balance + credit_limit < amount then
    return {'insufficient_balance'}
end
if daily_quota > 0 and daily_used + daily_req > daily_quota then
    return {'daily_quota_exceeded'}
end
if monthly_quota > 0 and monthly_used + monthly_req > monthly_quota then
    return {'monthly_quota_exceeded'}
end

local new_balance = balance - amount
redis.call('HSET', quota_key,
    'tenant_id', ARGV[8],
    'balance', new_balance,
    'credit_limit', credit_limit,
    'daily_quota', daily_quota,
    'daily_used', daily_used + daily_req,
    'daily_reset_date', today,
    'monthly_quota', monthly_quota,
    'monthly_used', monthly_used + monthly_req,
    'monthly_reset_date', month,
    'version', version + 1)

local txn = cjson.encode({
    id = ARGV[7],
    tenant_id = ARGV[8],
    idempotency_key = ARGV[9],
    amount = amount,
    prompt_tokens = tonumber(ARGV[10]),
    completion_tokens = tonumber(ARGV[11]),
    balance_before = balance,
    balance_after = new_balance,
    status = 'committed',
    created_at = ARGV[12],
})
redis.call('SET', txn_key, txn)
local ttl = tonumber(ARGV[13])
if ttl and ttl > 0 then
    redis.call('EXPIRE', txn_key, ttl)
end

return {'ok', txn}
`

	// reverseScript flips a committed transaction to reversed and credits the
	// amount back. Reversing an already-reversed transaction is a no-op.
	//
	// Keys: KEYS[1] - transaction key, KEYS[2] - tenant quota hash
	reverseScript = `
local txn_key = KEYS[1]
local quota_key = KEYS[2]

local raw = redis.call('GET', txn_key)
if not raw then
    return {'not_found'}
end

local txn = cjson.decode(raw)
if txn['status'] == 'reversed' then
    return {'noop', raw}
end

txn['status'] = 'reversed'
local updated = cjson.encode(txn)
local remaining = redis.call('TTL', txn_key)
redis.call('SET', txn_key, updated)
if remaining and remaining > 0 then
    redis.call('EXPIRE', txn_key, remaining)
end
redis.call('HINCRBYFLOAT', quota_key, 'balance', txn['amount'])
redis.call('HINCRBY', quota_key, 'version', 1)

return {'ok', updated}
`
)
