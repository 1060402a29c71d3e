package hopper

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"
)

// MemoryStore is a single-process Store. A mutex gives the same atomicity the redis
// scripts give across processes. Useful for tests and local runs without redis.
type MemoryStore struct {
	mu        sync.Mutex
	clock     func() time.Time
	campaigns map[string]*memCampaign
	down      bool
}

type memCampaign struct {
	seq     int64
	fence   int64
	entries map[string]*memEntry
}

type memEntry struct {
	lease LeadLease
	seq   int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{clock: time.Now, campaigns: map[string]*memCampaign{}}
}

// WithClock swaps the time source (tests advance a fake clock past timeouts).
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.clock = clock
	return s
}

// SetUnavailable makes every call fail with ErrStoreUnavailable, simulating an outage.
func (s *MemoryStore) SetUnavailable(down bool) {
	s.mu.Lock()
	s.down = down
	s.mu.Unlock()
}

// Lease returns a copy of a lease for inspection.
func (s *MemoryStore) Lease(campaignID, leadID string) (LeadLease, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[campaignID]
	if !ok {
		return LeadLease{}, false
	}
	e, ok := c.entries[leadID]
	if !ok {
		return LeadLease{}, false
	}
	return e.lease, true
}

// Leases returns every lease of a campaign regardless of state.
func (s *MemoryStore) Leases(campaignID string) []LeadLease {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[campaignID]
	if !ok {
		return nil
	}
	out := make([]LeadLease, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e.lease)
	}
	return out
}

func (s *MemoryStore) campaign(id string) *memCampaign {
	c, ok := s.campaigns[id]
	if !ok {
		c = &memCampaign{entries: map[string]*memEntry{}}
		s.campaigns[id] = c
	}
	return c
}

func (s *MemoryStore) unavailable() error {
	if s.down {
		return fmt.Errorf("%w: memory store marked down", ErrStoreUnavailable)
	}
	return nil
}

func (s *MemoryStore) Enqueue(ctx context.Context, campaignID string, leads []Lead) (int, error) {
	if campaignID == "" {
		return 0, ErrInvalidArgument
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.unavailable(); err != nil {
		return 0, err
	}

	now := s.clock().UTC()
	c := s.campaign(campaignID)
	inserted := 0
	for _, l := range leads {
		if l.ID == "" {
			continue
		}
		if e, ok := c.entries[l.ID]; ok && (e.lease.State == StateNew || e.lease.State.Active()) {
			continue
		}
		c.seq++
		c.entries[l.ID] = &memEntry{
			seq: c.seq,
			lease: LeadLease{
				LeadID:      l.ID,
				CampaignID:  campaignID,
				PhoneNumber: l.PhoneNumber,
				Priority:    clampPriority(l.Priority),
				State:       StateNew,
				EnqueuedAt:  now,
			},
		}
		inserted++
	}
	return inserted, nil
}

func (s *MemoryStore) LeasePop(ctx context.Context, campaignID string, count int, owner string) ([]LeadLease, error) {
	if campaignID == "" || owner == "" || count < 0 {
		return nil, ErrInvalidArgument
	}
	if count == 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.unavailable(); err != nil {
		return nil, err
	}

	c, ok := s.campaigns[campaignID]
	if !ok {
		return nil, nil
	}
	queued := make([]*memEntry, 0, len(c.entries))
	for _, e := range c.entries {
		if e.lease.State == StateNew {
			queued = append(queued, e)
		}
	}
	sort.Slice(queued, func(i, j int) bool {
		if queued[i].lease.Priority != queued[j].lease.Priority {
			return queued[i].lease.Priority > queued[j].lease.Priority
		}
		return queued[i].seq < queued[j].seq
	})
	if len(queued) > count {
		queued = queued[:count]
	}

	now := s.clock().UTC()
	out := make([]LeadLease, 0, len(queued))
	for _, e := range queued {
		c.fence++
		e.lease.State = StateLeased
		e.lease.LeasedBy = owner
		e.lease.Token = strconv.FormatInt(c.fence, 10)
		e.lease.LeasedAt = now
		e.lease.DialedAt = time.Time{}
		e.lease.CompletedAt = time.Time{}
		out = append(out, e.lease)
	}
	return out, nil
}

func (s *MemoryStore) MarkDialing(ctx context.Context, lease LeadLease) (bool, error) {
	return s.transition(lease, StateDialing)
}

func (s *MemoryStore) MarkCompleted(ctx context.Context, lease LeadLease) (bool, error) {
	return s.transition(lease, StateCompleted)
}

func (s *MemoryStore) MarkDropped(ctx context.Context, lease LeadLease) (bool, error) {
	return s.transition(lease, StateDropped)
}

func (s *MemoryStore) MarkFailed(ctx context.Context, lease LeadLease) (bool, error) {
	return s.transition(lease, StateFailed)
}

func (s *MemoryStore) Release(ctx context.Context, lease LeadLease) (bool, error) {
	return s.transition(lease, StateNew)
}

func (s *MemoryStore) transition(lease LeadLease, to State) (bool, error) {
	if err := validateLease(lease); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.unavailable(); err != nil {
		return false, err
	}

	e, err := s.entry(lease)
	if err != nil {
		return false, err
	}
	if !canTransition(e.lease.State, to) || !holds(e.lease, lease) {
		return false, nil
	}

	now := s.clock().UTC()
	e.lease.State = to
	switch {
	case to == StateDialing:
		e.lease.DialedAt = now
	case to == StateNew:
		e.lease.LeasedBy = ""
		e.lease.Token = ""
		e.lease.LeasedAt = time.Time{}
	case to.Terminal():
		e.lease.CompletedAt = now
	}
	return true, nil
}

func (s *MemoryStore) Renew(ctx context.Context, lease LeadLease) (bool, error) {
	if err := validateLease(lease); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.unavailable(); err != nil {
		return false, err
	}
	e, err := s.entry(lease)
	if err != nil {
		return false, err
	}
	if !holds(e.lease, lease) {
		return false, nil
	}
	now := s.clock().UTC()
	switch e.lease.State {
	case StateLeased:
		e.lease.LeasedAt = now
	case StateDialing:
		e.lease.DialedAt = now
	default:
		return false, nil
	}
	return true, nil
}

func (s *MemoryStore) entry(lease LeadLease) (*memEntry, error) {
	c, ok := s.campaigns[lease.CampaignID]
	if !ok {
		return nil, ErrLeaseNotFound
	}
	e, ok := c.entries[lease.LeadID]
	if !ok {
		return nil, ErrLeaseNotFound
	}
	return e, nil
}

func (s *MemoryStore) ReclaimStale(ctx context.Context, campaignID string, timeouts ReclaimTimeouts) (int, error) {
	if campaignID == "" {
		return 0, ErrInvalidArgument
	}
	if err := validateTimeouts(timeouts); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.unavailable(); err != nil {
		return 0, err
	}

	c, ok := s.campaigns[campaignID]
	if !ok {
		return 0, nil
	}
	now := s.clock().UTC()
	n := 0
	for _, e := range c.entries {
		if !isStale(e.lease, now, timeouts) {
			continue
		}
		e.lease.State = StateNew
		e.lease.LeasedBy = ""
		e.lease.Token = ""
		e.lease.LeasedAt = time.Time{}
		e.lease.DialedAt = time.Time{}
		n++
	}
	return n, nil
}

func isStale(l LeadLease, now time.Time, t ReclaimTimeouts) bool {
	switch l.State {
	case StateDialing:
		since := l.DialedAt
		if since.IsZero() {
			since = l.LeasedAt
		}
		return now.Sub(since) > t.Dialing
	case StateLeased:
		return now.Sub(l.LeasedAt) > t.Leased
	default:
		return false
	}
}

func (s *MemoryStore) Stats(ctx context.Context, campaignID string) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.unavailable(); err != nil {
		return Stats{}, err
	}
	var st Stats
	c, ok := s.campaigns[campaignID]
	if !ok {
		return st, nil
	}
	for _, e := range c.entries {
		switch e.lease.State {
		case StateNew:
			st.New++
		case StateLeased:
			st.Leased++
		case StateDialing:
			st.Dialing++
		}
	}
	return st, nil
}
