package utils

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig controls redis client behavior. Zero values fall back to conservative defaults.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	PoolSize        int
	MinIdleConns    int
	PoolTimeout     time.Duration
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration

	PingTimeout time.Duration
}

func (c RedisConfig) withDefaults() RedisConfig {
	out := c
	if out.DialTimeout <= 0 {
		out.DialTimeout = 3 * time.Second
	}
	if out.ReadTimeout <= 0 {
		out.ReadTimeout = 2 * time.Second
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = 2 * time.Second
	}
	if out.PoolSize <= 0 {
		// one loop per campaign plus the event worker all hit redis every tick
		out.PoolSize = 50
	}
	if out.MinIdleConns < 0 {
		out.MinIdleConns = 0
	}
	if out.PoolTimeout <= 0 {
		out.PoolTimeout = 4 * time.Second
	}
	if out.ConnMaxIdleTime <= 0 {
		out.ConnMaxIdleTime = 5 * time.Minute
	}
	if out.ConnMaxLifetime <= 0 {
		out.ConnMaxLifetime = 30 * time.Minute
	}
	if out.PingTimeout <= 0 {
		out.PingTimeout = 2 * time.Second
	}
	return out
}

// OpenRedis initializes a Redis client and validates connectivity via PING.
func OpenRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	cfg = cfg.withDefaults()
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:            cfg.Addr,
		Password:        cfg.Password,
		DB:              cfg.DB,
		DialTimeout:     cfg.DialTimeout,
		ReadTimeout:     cfg.ReadTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		PoolSize:        cfg.PoolSize,
		MinIdleConns:    cfg.MinIdleConns,
		PoolTimeout:     cfg.PoolTimeout,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return rdb, nil
}

// slotAcquireScript takes one slot from a counting semaphore.
// The TTL is refreshed on every successful acquire so a crashed holder cannot pin the
// counter forever; it only has to outlive the longest legitimate call.
var slotAcquireScript = redis.NewScript(`
-- KEYS[1] = counter key
-- ARGV[1] = limit
-- ARGV[2] = ttl_ms
local current = redis.call('INCR', KEYS[1])
if current > tonumber(ARGV[1]) then
  local after = redis.call('DECR', KEYS[1])
  if after <= 0 then
    redis.call('DEL', KEYS[1])
  end
  return 0
end
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return 1
`)

var slotReleaseScript = redis.NewScript(`
-- KEYS[1] = counter key
local current = redis.call('DECR', KEYS[1])
if current <= 0 then
  redis.call('DEL', KEYS[1])
end
return 1
`)

// ErrNilRedis is returned when a helper is called without a client.
var ErrNilRedis = errors.New("redis client is nil")

// SlotCap is a distributed counting semaphore backed by one redis key per scope
// (e.g. one per campaign for max_concurrent).
type SlotCap struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

// NewSlotCap builds a cap whose keys are prefix + scope.
func NewSlotCap(rdb *redis.Client, prefix string, ttl time.Duration) *SlotCap {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &SlotCap{rdb: rdb, prefix: prefix, ttl: ttl}
}

// Acquire attempts to take one slot. It returns false when the limit is reached.
func (s *SlotCap) Acquire(ctx context.Context, scope string, limit int) (bool, error) {
	if s == nil || s.rdb == nil {
		return false, ErrNilRedis
	}
	if scope == "" {
		return false, fmt.Errorf("scope is required")
	}
	if limit <= 0 {
		return false, fmt.Errorf("limit must be > 0")
	}
	res, err := slotAcquireScript.Run(ctx, s.rdb, []string{s.prefix + scope}, limit, s.ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// Release gives back a previously acquired slot.
func (s *SlotCap) Release(ctx context.Context, scope string) error {
	if s == nil || s.rdb == nil {
		return ErrNilRedis
	}
	if scope == "" {
		return fmt.Errorf("scope is required")
	}
	return slotReleaseScript.Run(ctx, s.rdb, []string{s.prefix + scope}).Err()
}

// InUse reports the current counter value for a scope.
func (s *SlotCap) InUse(ctx context.Context, scope string) (int, error) {
	if s == nil || s.rdb == nil {
		return 0, ErrNilRedis
	}
	n, err := s.rdb.Get(ctx, s.prefix+scope).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}
