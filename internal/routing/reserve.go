package routing

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"outbound-dialer/pkg/utils"
)

// releaseScript deletes the reservation only if the caller still holds it.
var releaseScript = redis.NewScript(`
-- KEYS[1] = reservation key
-- ARGV[1] = token
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisReserver keeps reservations as SET NX PX keys, shared by every dialer process.
type RedisReserver struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisReserver(rdb *redis.Client, ttl time.Duration) *RedisReserver {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisReserver{rdb: rdb, prefix: "dialer:agent:reserved:", ttl: ttl}
}

func (r *RedisReserver) Reserve(ctx context.Context, agentID, token string) (bool, error) {
	if r == nil || r.rdb == nil {
		return false, utils.ErrNilRedis
	}
	if agentID == "" || token == "" {
		return false, errors.New("routing: agent id and token are required")
	}
	ok, err := r.rdb.SetNX(ctx, r.prefix+agentID, token, r.ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}
	// Re-entrant for the same token.
	cur, err := r.rdb.Get(ctx, r.prefix+agentID).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return cur == token, nil
}

func (r *RedisReserver) Release(ctx context.Context, agentID, token string) error {
	if r == nil || r.rdb == nil {
		return utils.ErrNilRedis
	}
	return releaseScript.Run(ctx, r.rdb, []string{r.prefix + agentID}, token).Err()
}

// MemoryReserver is the in-process Reserver.
type MemoryReserver struct {
	mu    sync.Mutex
	ttl   time.Duration
	clock func() time.Time
	held  map[string]reservation
}

type reservation struct {
	token   string
	expires time.Time
}

func NewMemoryReserver(ttl time.Duration) *MemoryReserver {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &MemoryReserver{ttl: ttl, clock: time.Now, held: map[string]reservation{}}
}

func (m *MemoryReserver) Reserve(ctx context.Context, agentID, token string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock()
	if cur, ok := m.held[agentID]; ok && now.Before(cur.expires) && cur.token != token {
		return false, nil
	}
	m.held[agentID] = reservation{token: token, expires: now.Add(m.ttl)}
	return true, nil
}

func (m *MemoryReserver) Release(ctx context.Context, agentID, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.held[agentID]; ok && cur.token == token {
		delete(m.held, agentID)
	}
	return nil
}

// Held reports whether agentID is currently reserved.
func (m *MemoryReserver) Held(agentID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.held[agentID]
	return ok && m.clock().Before(cur.expires)
}
