package hopper

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key layout per campaign (hash-tagged so one campaign lives in one cluster slot):
//
//	hopper:{cid}:queue        ZSET lead_id -> score ((100-priority)*1e12 + seq)
//	hopper:{cid}:active       ZSET lead_id -> last lease timestamp (ms), leased + dialing only
//	hopper:{cid}:seq          INCR enqueue sequence
//	hopper:{cid}:fence        INCR lease token
//	hopper:{cid}:lease:<lead> HASH lease fields
//
// Every state change runs inside one Lua script, so concurrent LeasePop callers in any
// number of processes can never hand out the same lead twice.

var enqueueScript = redis.NewScript(`
-- KEYS[1]=queue KEYS[2]=seq
-- ARGV[1]=lease key prefix ARGV[2]=now_ms ARGV[3]=campaign_id, then (lead, phone, priority)*
local inserted = 0
for i = 4, #ARGV, 3 do
  local lead = ARGV[i]
  local key = ARGV[1] .. lead
  local state = redis.call('HGET', key, 'state')
  if state ~= 'new' and state ~= 'leased' and state ~= 'dialing' then
    local seq = redis.call('INCR', KEYS[2])
    local score = (100 - tonumber(ARGV[i+2])) * 1000000000000 + seq
    redis.call('DEL', key)
    redis.call('HSET', key,
      'lead_id', lead, 'campaign_id', ARGV[3], 'phone', ARGV[i+1], 'priority', ARGV[i+2],
      'state', 'new', 'enqueued_at', ARGV[2], 'score', tostring(score))
    redis.call('ZADD', KEYS[1], score, lead)
    inserted = inserted + 1
  end
end
return inserted
`)

var leasePopScript = redis.NewScript(`
-- KEYS[1]=queue KEYS[2]=active KEYS[3]=fence
-- ARGV[1]=lease key prefix ARGV[2]=count ARGV[3]=owner ARGV[4]=now_ms
local out = {}
local want = tonumber(ARGV[2])
while #out < want do
  local popped = redis.call('ZPOPMIN', KEYS[1], 1)
  if #popped == 0 then
    break
  end
  local lead = popped[1]
  local key = ARGV[1] .. lead
  if redis.call('HGET', key, 'state') == 'new' then
    local token = redis.call('INCR', KEYS[3])
    redis.call('HSET', key, 'state', 'leased', 'leased_by', ARGV[3], 'leased_at', ARGV[4], 'token', tostring(token))
    redis.call('HDEL', key, 'dialed_at', 'completed_at')
    redis.call('ZADD', KEYS[2], ARGV[4], lead)
    table.insert(out, redis.call('HGETALL', key))
  end
end
return out
`)

var transitionScript = redis.NewScript(`
-- KEYS[1]=active KEYS[2]=queue
-- ARGV[1]=lease key ARGV[2]=lead ARGV[3]=target ARGV[4]=now_ms ARGV[5]=owner ARGV[6]=token
-- ARGV[7..]=allowed predecessors
local h = redis.call('HMGET', ARGV[1], 'state', 'leased_by', 'token')
local state = h[1]
if not state then
  return -1
end
local allowed = false
for i = 7, #ARGV do
  if state == ARGV[i] then
    allowed = true
  end
end
if not allowed then
  return 0
end
if (h[2] or '') ~= ARGV[5] or (h[3] or '') ~= ARGV[6] then
  return 0
end
local target = ARGV[3]
redis.call('HSET', ARGV[1], 'state', target)
if target == 'dialing' then
  redis.call('HSET', ARGV[1], 'dialed_at', ARGV[4])
  redis.call('ZADD', KEYS[1], ARGV[4], ARGV[2])
elseif target == 'new' then
  redis.call('HDEL', ARGV[1], 'leased_by', 'leased_at', 'dialed_at', 'token')
  redis.call('ZREM', KEYS[1], ARGV[2])
  redis.call('ZADD', KEYS[2], redis.call('HGET', ARGV[1], 'score'), ARGV[2])
else
  redis.call('HSET', ARGV[1], 'completed_at', ARGV[4])
  redis.call('ZREM', KEYS[1], ARGV[2])
end
return 1
`)

var renewScript = redis.NewScript(`
-- KEYS[1]=active ; ARGV[1]=lease key ARGV[2]=lead ARGV[3]=now_ms ARGV[4]=owner ARGV[5]=token
local h = redis.call('HMGET', ARGV[1], 'state', 'leased_by', 'token')
local state = h[1]
if not state then
  return -1
end
if (h[2] or '') ~= ARGV[4] or (h[3] or '') ~= ARGV[5] then
  return 0
end
if state == 'leased' then
  redis.call('HSET', ARGV[1], 'leased_at', ARGV[3])
elseif state == 'dialing' then
  redis.call('HSET', ARGV[1], 'dialed_at', ARGV[3])
else
  return 0
end
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[2])
return 1
`)

var reclaimScript = redis.NewScript(`
-- KEYS[1]=active KEYS[2]=queue
-- ARGV[1]=lease key prefix ARGV[2]=now_ms ARGV[3]=dialing_timeout_ms ARGV[4]=leased_timeout_ms
local now = tonumber(ARGV[2])
local dialingTimeout = tonumber(ARGV[3])
local leasedTimeout = tonumber(ARGV[4])
local horizon = now - math.min(dialingTimeout, leasedTimeout)
local candidates = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', '(' .. horizon)
local reclaimed = 0
for _, lead in ipairs(candidates) do
  local key = ARGV[1] .. lead
  local h = redis.call('HMGET', key, 'state', 'leased_at', 'dialed_at', 'score')
  local state = h[1]
  local stale = false
  if state == 'dialing' then
    local since = tonumber(h[3]) or tonumber(h[2]) or 0
    stale = (now - since) > dialingTimeout
  elseif state == 'leased' then
    local since = tonumber(h[2]) or 0
    stale = (now - since) > leasedTimeout
  else
    redis.call('ZREM', KEYS[1], lead)
  end
  if stale then
    redis.call('HSET', key, 'state', 'new')
    redis.call('HDEL', key, 'leased_by', 'leased_at', 'dialed_at', 'token')
    redis.call('ZREM', KEYS[1], lead)
    redis.call('ZADD', KEYS[2], h[4], lead)
    reclaimed = reclaimed + 1
  end
end
return reclaimed
`)

var statsScript = redis.NewScript(`
-- KEYS[1]=queue KEYS[2]=active ; ARGV[1]=lease key prefix
local leased = 0
local dialing = 0
for _, lead in ipairs(redis.call('ZRANGE', KEYS[2], 0, -1)) do
  local state = redis.call('HGET', ARGV[1] .. lead, 'state')
  if state == 'leased' then
    leased = leased + 1
  elseif state == 'dialing' then
    dialing = dialing + 1
  end
end
return {redis.call('ZCARD', KEYS[1]), leased, dialing}
`)

// RedisStore is the production Store.
type RedisStore struct {
	rdb   *redis.Client
	clock func() time.Time
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb, clock: time.Now}
}

// WithClock swaps the time source used for lease timestamps.
func (s *RedisStore) WithClock(clock func() time.Time) *RedisStore {
	s.clock = clock
	return s
}

type campaignKeys struct {
	queue, active, seq, fence, leasePrefix string
}

func keysFor(campaignID string) campaignKeys {
	base := "hopper:{" + campaignID + "}:"
	return campaignKeys{
		queue:       base + "queue",
		active:      base + "active",
		seq:         base + "seq",
		fence:       base + "fence",
		leasePrefix: base + "lease:",
	}
}

func (s *RedisStore) nowMillis() int64 { return s.clock().UTC().UnixMilli() }

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
}

func (s *RedisStore) Enqueue(ctx context.Context, campaignID string, leads []Lead) (int, error) {
	if campaignID == "" {
		return 0, ErrInvalidArgument
	}
	k := keysFor(campaignID)
	args := []any{k.leasePrefix, s.nowMillis(), campaignID}
	for _, l := range leads {
		if l.ID == "" {
			continue
		}
		args = append(args, l.ID, l.PhoneNumber, clampPriority(l.Priority))
	}
	if len(args) == 3 {
		return 0, nil
	}
	n, err := enqueueScript.Run(ctx, s.rdb, []string{k.queue, k.seq}, args...).Int()
	if err != nil {
		return 0, unavailable("enqueue", err)
	}
	return n, nil
}

func (s *RedisStore) LeasePop(ctx context.Context, campaignID string, count int, owner string) ([]LeadLease, error) {
	if campaignID == "" || owner == "" || count < 0 {
		return nil, ErrInvalidArgument
	}
	if count == 0 {
		return nil, nil
	}
	k := keysFor(campaignID)
	res, err := leasePopScript.Run(ctx, s.rdb, []string{k.queue, k.active, k.fence}, k.leasePrefix, count, owner, s.nowMillis()).Slice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, unavailable("lease_pop", err)
	}
	out := make([]LeadLease, 0, len(res))
	for _, row := range res {
		fields, ok := row.([]any)
		if !ok {
			continue
		}
		out = append(out, parseLeaseHash(fields))
	}
	return out, nil
}

func (s *RedisStore) MarkDialing(ctx context.Context, lease LeadLease) (bool, error) {
	return s.transition(ctx, lease, StateDialing)
}

func (s *RedisStore) MarkCompleted(ctx context.Context, lease LeadLease) (bool, error) {
	return s.transition(ctx, lease, StateCompleted)
}

func (s *RedisStore) MarkDropped(ctx context.Context, lease LeadLease) (bool, error) {
	return s.transition(ctx, lease, StateDropped)
}

func (s *RedisStore) MarkFailed(ctx context.Context, lease LeadLease) (bool, error) {
	return s.transition(ctx, lease, StateFailed)
}

func (s *RedisStore) Release(ctx context.Context, lease LeadLease) (bool, error) {
	return s.transition(ctx, lease, StateNew)
}

func (s *RedisStore) transition(ctx context.Context, lease LeadLease, to State) (bool, error) {
	if err := validateLease(lease); err != nil {
		return false, err
	}
	k := keysFor(lease.CampaignID)
	args := []any{k.leasePrefix + lease.LeadID, lease.LeadID, string(to), s.nowMillis(), lease.LeasedBy, lease.Token}
	for _, from := range allowedFrom[to] {
		args = append(args, string(from))
	}
	n, err := transitionScript.Run(ctx, s.rdb, []string{k.active, k.queue}, args...).Int()
	if err != nil {
		return false, unavailable("mark_"+string(to), err)
	}
	return scriptResult(n)
}

func (s *RedisStore) Renew(ctx context.Context, lease LeadLease) (bool, error) {
	if err := validateLease(lease); err != nil {
		return false, err
	}
	k := keysFor(lease.CampaignID)
	n, err := renewScript.Run(ctx, s.rdb, []string{k.active}, k.leasePrefix+lease.LeadID, lease.LeadID, s.nowMillis(), lease.LeasedBy, lease.Token).Int()
	if err != nil {
		return false, unavailable("renew", err)
	}
	return scriptResult(n)
}

func scriptResult(n int) (bool, error) {
	switch n {
	case -1:
		return false, ErrLeaseNotFound
	case 1:
		return true, nil
	default:
		return false, nil
	}
}

func (s *RedisStore) ReclaimStale(ctx context.Context, campaignID string, timeouts ReclaimTimeouts) (int, error) {
	if campaignID == "" {
		return 0, ErrInvalidArgument
	}
	if err := validateTimeouts(timeouts); err != nil {
		return 0, err
	}
	k := keysFor(campaignID)
	n, err := reclaimScript.Run(ctx, s.rdb, []string{k.active, k.queue},
		k.leasePrefix, s.nowMillis(), timeouts.Dialing.Milliseconds(), timeouts.Leased.Milliseconds(),
	).Int()
	if err != nil {
		return 0, unavailable("reclaim", err)
	}
	return n, nil
}

func (s *RedisStore) Stats(ctx context.Context, campaignID string) (Stats, error) {
	k := keysFor(campaignID)
	vals, err := statsScript.Run(ctx, s.rdb, []string{k.queue, k.active}, k.leasePrefix).Int64Slice()
	if err != nil {
		return Stats{}, unavailable("stats", err)
	}
	if len(vals) != 3 {
		return Stats{}, unavailable("stats", fmt.Errorf("unexpected reply length %d", len(vals)))
	}
	return Stats{New: int(vals[0]), Leased: int(vals[1]), Dialing: int(vals[2])}, nil
}

// parseLeaseHash turns an HGETALL reply (flat field/value list) into a lease.
func parseLeaseHash(fields []any) LeadLease {
	var l LeadLease
	for i := 0; i+1 < len(fields); i += 2 {
		key, _ := fields[i].(string)
		val, _ := fields[i+1].(string)
		switch key {
		case "lead_id":
			l.LeadID = val
		case "campaign_id":
			l.CampaignID = val
		case "phone":
			l.PhoneNumber = val
		case "priority":
			l.Priority, _ = strconv.Atoi(val)
		case "state":
			l.State = State(val)
		case "leased_by":
			l.LeasedBy = val
		case "token":
			l.Token = val
		case "enqueued_at":
			l.EnqueuedAt = fromMillis(val)
		case "leased_at":
			l.LeasedAt = fromMillis(val)
		case "dialed_at":
			l.DialedAt = fromMillis(val)
		case "completed_at":
			l.CompletedAt = fromMillis(val)
		}
	}
	return l
}

func fromMillis(v string) time.Time {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
