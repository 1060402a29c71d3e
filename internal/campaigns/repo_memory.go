package campaigns

import (
	"context"
	"sort"
	"sync"
)

// MemoryRepo is an in-memory campaign store useful for tests.
type MemoryRepo struct {
	mu        sync.Mutex
	campaigns map[string]Campaign
	states    map[string]DialState
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{campaigns: map[string]Campaign{}, states: map[string]DialState{}}
}

// Put stores a campaign and its dial state.
func (r *MemoryRepo) Put(c Campaign, st DialState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st.CampaignID = c.ID
	r.campaigns[c.ID] = c
	r.states[c.ID] = st
}

func (r *MemoryRepo) Get(ctx context.Context, id string) (Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[id]
	if !ok {
		return Campaign{}, ErrNotFound
	}
	return c, nil
}

func (r *MemoryRepo) ListActive(ctx context.Context) ([]Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Campaign
	for _, c := range r.campaigns {
		if c.Active {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *MemoryRepo) GetDialState(ctx context.Context, id string) (DialState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.states[id]
	if !ok {
		return DialState{}, ErrNotFound
	}
	return st, nil
}

func (r *MemoryRepo) SaveDialState(ctx context.Context, st DialState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.states[st.CampaignID]
	if !ok {
		return ErrNotFound
	}
	cur.DialLevel = st.DialLevel
	cur.Reduced = st.Reduced
	cur.UpdatedAt = st.UpdatedAt
	r.states[st.CampaignID] = cur
	return nil
}
