package callflow

import (
	"context"
	"sync"
)

// Slots caps concurrent calls per campaign across every dialer process.
// utils.SlotCap satisfies it with one Redis counter per campaign.
type Slots interface {
	Acquire(ctx context.Context, campaignID string, limit int) (bool, error)
	Release(ctx context.Context, campaignID string) error
}

// MemorySlots is the in-process Slots.
type MemorySlots struct {
	mu    sync.Mutex
	inUse map[string]int
}

func NewMemorySlots() *MemorySlots { return &MemorySlots{inUse: map[string]int{}} }

func (m *MemorySlots) Acquire(ctx context.Context, campaignID string, limit int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inUse[campaignID] >= limit {
		return false, nil
	}
	m.inUse[campaignID]++
	return true, nil
}

func (m *MemorySlots) Release(ctx context.Context, campaignID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inUse[campaignID] > 0 {
		m.inUse[campaignID]--
	}
	return nil
}

func (m *MemorySlots) InUse(campaignID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inUse[campaignID]
}
