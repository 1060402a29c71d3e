package reporting

import (
	"context"
	"encoding/json"
	"sync"
)

// MemoryPublisher keeps published notifications in memory. Useful for tests.
type MemoryPublisher struct {
	mu   sync.Mutex
	sent []Notification
}

func NewMemoryPublisher() *MemoryPublisher { return &MemoryPublisher{} }

func (p *MemoryPublisher) Publish(ctx context.Context, channel string, payload []byte) error {
	var n Notification
	if err := json.Unmarshal(payload, &n); err != nil {
		return err
	}
	p.mu.Lock()
	p.sent = append(p.sent, n)
	p.mu.Unlock()
	return nil
}

func (p *MemoryPublisher) Sent() []Notification {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Notification, len(p.sent))
	copy(out, p.sent)
	return out
}

// Recorder is a synchronous Notifier that keeps every notification. Useful for tests.
type Recorder struct {
	mu   sync.Mutex
	seen []Notification
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Notify(ctx context.Context, n Notification) {
	r.mu.Lock()
	r.seen = append(r.seen, n)
	r.mu.Unlock()
}

func (r *Recorder) OfType(t NotificationType) []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Notification
	for _, n := range r.seen {
		if n.Type == t {
			out = append(out, n)
		}
	}
	return out
}
