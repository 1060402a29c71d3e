package leads

import (
	"context"
	"sort"
	"sync"
	"time"

	"outbound-dialer/internal/hopper"
)

// MemoryRepo is an in-memory lead table useful for tests and local runs.
type MemoryRepo struct {
	mu    sync.Mutex
	leads map[string]*Lead // key: campaign|lead
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{leads: map[string]*Lead{}} }

func memKey(campaignID, leadID string) string { return campaignID + "|" + leadID }

// Put inserts or replaces a lead.
func (r *MemoryRepo) Put(l Lead) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l.Status == "" {
		l.Status = StatusNew
	}
	cp := l
	r.leads[memKey(l.CampaignID, l.ID)] = &cp
}

func (r *MemoryRepo) Get(ctx context.Context, campaignID, leadID string) (Lead, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.leads[memKey(campaignID, leadID)]
	if !ok {
		return Lead{}, ErrNotFound
	}
	return *l, nil
}

func (r *MemoryRepo) ClaimEligible(ctx context.Context, req hopper.ClaimRequest) ([]Lead, error) {
	if req.CampaignID == "" || req.Owner == "" || req.Limit <= 0 {
		return nil, ErrInvalidArgument
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	retryBefore := req.Now.Add(-req.RetryDelay)
	var candidates []*Lead
	for _, l := range r.leads {
		if l.CampaignID != req.CampaignID || !l.Status.Eligible() {
			continue
		}
		if req.MaxAttempts > 0 && l.DialAttempts >= req.MaxAttempts {
			continue
		}
		if l.LastDialAttempt != nil && !l.LastDialAttempt.Before(retryBefore) {
			continue
		}
		candidates = append(candidates, l)
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if (a.LastDialAttempt == nil) != (b.LastDialAttempt == nil) {
			return a.LastDialAttempt == nil
		}
		if a.LastDialAttempt != nil && !a.LastDialAttempt.Equal(*b.LastDialAttempt) {
			return a.LastDialAttempt.Before(*b.LastDialAttempt)
		}
		if a.DialAttempts != b.DialAttempts {
			return a.DialAttempts < b.DialAttempts
		}
		return a.ID < b.ID
	})
	if len(candidates) > req.Limit {
		candidates = candidates[:req.Limit]
	}

	now := req.Now
	out := make([]Lead, 0, len(candidates))
	for _, l := range candidates {
		l.Status = StatusQueued
		l.LockedBy = req.Owner
		l.LockedAt = &now
		out = append(out, *l)
	}
	return out, nil
}

func (r *MemoryRepo) ResetStaleLocks(ctx context.Context, campaignID string, lockedBefore time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, l := range r.leads {
		if l.CampaignID != campaignID || l.Status != StatusQueued || l.LockedAt == nil {
			continue
		}
		if l.LockedAt.Before(lockedBefore) {
			l.Status = StatusNew
			l.LockedBy = ""
			l.LockedAt = nil
			n++
		}
	}
	return n, nil
}

func (r *MemoryRepo) MarkDialed(ctx context.Context, campaignID, leadID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.leads[memKey(campaignID, leadID)]
	if !ok {
		return ErrNotFound
	}
	l.Status = StatusDialing
	l.DialAttempts++
	l.LastDialAttempt = &at
	l.LockedBy = ""
	l.LockedAt = nil
	return nil
}

func (r *MemoryRepo) SetOutcome(ctx context.Context, campaignID, leadID string, status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.leads[memKey(campaignID, leadID)]
	if !ok {
		return ErrNotFound
	}
	l.Status = status
	l.LockedBy = ""
	l.LockedAt = nil
	return nil
}
