package calls

import (
	"context"
	"sync"
	"time"
)

// MemoryRepo is an in-memory call store useful for tests.
type MemoryRepo struct {
	mu    sync.Mutex
	calls map[string]Call
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{calls: map[string]Call{}} }

func (r *MemoryRepo) Insert(ctx context.Context, c Call) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.calls[c.ID]; ok {
		return ErrDuplicate
	}
	r.calls[c.ID] = c
	return nil
}

func (r *MemoryRepo) Update(ctx context.Context, c Call) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.calls[c.ID]
	if !ok {
		return ErrNotFound
	}
	c.Disposition = cur.Disposition
	r.calls[c.ID] = c
	return nil
}

func (r *MemoryRepo) Get(ctx context.Context, id string) (Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[id]
	if !ok {
		return Call{}, ErrNotFound
	}
	return c, nil
}

func (r *MemoryRepo) SetDisposition(ctx context.Context, id, disposition string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[id]
	if !ok {
		return ErrNotFound
	}
	c.Disposition = disposition
	r.calls[id] = c
	return nil
}

func (r *MemoryRepo) Window(ctx context.Context, campaignID string, since time.Time) (WindowStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var (
		w                    WindowStats
		talk, ring           time.Duration
		talkCount, ringCount int
	)
	for _, c := range r.calls {
		if c.CampaignID != campaignID || c.OriginatedAt.Before(since) {
			continue
		}
		if c.Outcome != "" {
			w.Finished++
		}
		if !c.AnsweredAt.IsZero() {
			w.Answered++
			ring += c.AnsweredAt.Sub(c.OriginatedAt)
			ringCount++
		}
		switch c.Outcome {
		case OutcomeDropped:
			w.Dropped++
		case OutcomeMachine:
			w.Machine++
		}
		if !c.BridgedAt.IsZero() && !c.EndedAt.IsZero() {
			talk += c.EndedAt.Sub(c.BridgedAt)
			talkCount++
		}
	}
	if talkCount > 0 {
		w.AvgTalk = talk / time.Duration(talkCount)
	}
	if ringCount > 0 {
		w.AvgRing = ring / time.Duration(ringCount)
	}
	return w, nil
}

func (r *MemoryRepo) Active(ctx context.Context, campaignID string) (ActiveCounts, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var a ActiveCounts
	for _, c := range r.calls {
		if c.CampaignID != campaignID || !c.Live() || c.State == StateDropped {
			continue
		}
		a.Live++
		switch c.State {
		case StateInitiated, StateRinging:
			a.InProgress++
		case StateAnswered:
			a.Queued++
		}
	}
	return a, nil
}

func (r *MemoryRepo) EndOrphans(ctx context.Context, cutoff, at time.Time) ([]Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Call
	for id, c := range r.calls {
		if !c.EndedAt.IsZero() || !c.OriginatedAt.Before(cutoff) {
			continue
		}
		c.State = StateEnded
		if c.Outcome == "" {
			c.Outcome = OutcomeFailed
		}
		c.EndedAt = at
		r.calls[id] = c
		out = append(out, c)
	}
	return out, nil
}
