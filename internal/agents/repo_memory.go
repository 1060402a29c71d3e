package agents

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepo is an in-memory agent store useful for tests and local runs. One mutex
// gives Mutate the same all-or-nothing pairing the Postgres transaction gives.
type MemoryRepo struct {
	mu     sync.Mutex
	agents map[string]Agent
	log    []TimeLogEntry
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{agents: map[string]Agent{}} }

// Put provisions an agent. A zero status is stored as offline.
func (r *MemoryRepo) Put(a Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a.Status == "" {
		a.Status = StatusOffline
	}
	r.agents[a.ID] = a
}

// TimeLog returns every entry of an agent in creation order.
func (r *MemoryRepo) TimeLog(agentID string) []TimeLogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []TimeLogEntry
	for _, e := range r.log {
		if e.AgentID == agentID {
			out = append(out, e)
		}
	}
	return out
}

func (r *MemoryRepo) Get(ctx context.Context, id string) (Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	if !ok {
		return Agent{}, ErrNotFound
	}
	return a, nil
}

func (r *MemoryRepo) GetByExtension(ctx context.Context, extension string) (Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.agents {
		if a.Extension == extension {
			return a, nil
		}
	}
	return Agent{}, ErrNotFound
}

func (r *MemoryRepo) Mutate(ctx context.Context, id string, now time.Time, fn Mutation) (Agent, Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.agents[id]
	if !ok {
		return Agent{}, Agent{}, ErrNotFound
	}
	next := cur
	if err := fn(&next); err != nil {
		if errors.Is(err, errNoChange) {
			return cur, cur, nil
		}
		return Agent{}, Agent{}, err
	}
	if next.Status != cur.Status {
		next.StatusSince = now
		for i := range r.log {
			e := &r.log[i]
			if e.AgentID == id && e.EndedAt == nil {
				end := now
				e.EndedAt = &end
				e.Duration = now.Sub(e.StartedAt)
				if e.Duration < 0 {
					e.Duration = 0
				}
			}
		}
		r.log = append(r.log, TimeLogEntry{
			ID:         uuid.NewString(),
			AgentID:    id,
			Status:     next.Status,
			CampaignID: next.CampaignID,
			StartedAt:  now,
		})
	}
	r.agents[id] = next
	return cur, next, nil
}

func (r *MemoryRepo) filter(keep func(Agent) bool, less func(a, b Agent) bool) []Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Agent
	for _, a := range r.agents {
		if keep(a) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if less(out[i], out[j]) {
			return true
		}
		if less(out[j], out[i]) {
			return false
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func bySince(a, b Agent) bool { return a.StatusSince.Before(b.StatusSince) }

func (r *MemoryRepo) ListAvailable(ctx context.Context, campaignID string) ([]Agent, error) {
	return r.filter(func(a Agent) bool {
		return a.CampaignID == campaignID && a.Status == StatusAvailable
	}, bySince), nil
}

func (r *MemoryRepo) ListReadyBridges(ctx context.Context, campaignID string) ([]Agent, error) {
	return r.filter(func(a Agent) bool {
		return a.CampaignID == campaignID && a.Status == StatusAvailable && a.BridgeReady && a.BridgeID != ""
	}, bySince), nil
}

func (r *MemoryRepo) ListStale(ctx context.Context, heartbeatBefore time.Time) ([]Agent, error) {
	return r.filter(func(a Agent) bool {
		return a.Status != StatusOffline && a.LastHeartbeat.Before(heartbeatBefore)
	}, func(a, b Agent) bool { return a.LastHeartbeat.Before(b.LastHeartbeat) }), nil
}

func (r *MemoryRepo) ListInWrapup(ctx context.Context) ([]Agent, error) {
	return r.filter(func(a Agent) bool { return a.Status == StatusWrapup }, bySince), nil
}

func (r *MemoryRepo) Counts(ctx context.Context, campaignID string) (Counts, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var c Counts
	for _, a := range r.agents {
		if campaignID != "" && a.CampaignID != campaignID {
			continue
		}
		c.add(a.Status, 1)
	}
	return c, nil
}

func (r *MemoryRepo) AvgWrapup(ctx context.Context, campaignID string, since time.Time) (time.Duration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var (
		total time.Duration
		n     int
	)
	for _, e := range r.log {
		if e.CampaignID != campaignID || e.Status != StatusWrapup || e.EndedAt == nil || e.StartedAt.Before(since) {
			continue
		}
		total += e.Duration
		n++
	}
	if n == 0 {
		return 0, nil
	}
	return total / time.Duration(n), nil
}

func (r *MemoryRepo) OpenEntries(ctx context.Context, agentID string) ([]TimeLogEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []TimeLogEntry
	for _, e := range r.log {
		if e.AgentID == agentID && e.EndedAt == nil {
			out = append(out, e)
		}
	}
	return out, nil
}
