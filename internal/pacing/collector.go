package pacing

import (
	"context"
	"sync"
	"time"

	"outbound-dialer/internal/agents"
	"outbound-dialer/internal/calls"
	"outbound-dialer/internal/campaigns"
	"outbound-dialer/internal/config"
)

type AgentStats interface {
	Counts(ctx context.Context, campaignID string) (agents.Counts, error)
	AvgWrapup(ctx context.Context, campaignID string, since time.Time) (time.Duration, error)
}

type CallStats interface {
	Window(ctx context.Context, campaignID string, since time.Time) (calls.WindowStats, error)
	Active(ctx context.Context, campaignID string) (calls.ActiveCounts, error)
}

const (
	SourcePrimary  = "15m"
	SourceFallback = "1h"
	SourceDefaults = "defaults"
)

// Collector gathers Inputs for a campaign. Rolling-window statistics are cached for
// CacheTTL; agent counts and live call counts are read fresh every time.
type Collector struct {
	agents AgentStats
	calls  CallStats
	tuning config.PacingTuning
	clock  func() time.Time

	mu    sync.Mutex
	cache map[string]windowSnapshot
}

type windowSnapshot struct {
	at     time.Time
	stats  calls.WindowStats
	wrapup time.Duration
	source string
}

func NewCollector(a AgentStats, c CallStats, t config.PacingTuning) *Collector {
	return &Collector{agents: a, calls: c, tuning: t, clock: time.Now, cache: map[string]windowSnapshot{}}
}

func (c *Collector) Collect(ctx context.Context, campaign campaigns.Campaign, st campaigns.DialState) (Inputs, error) {
	counts, err := c.agents.Counts(ctx, campaign.ID)
	if err != nil {
		return Inputs{}, err
	}
	active, err := c.calls.Active(ctx, campaign.ID)
	if err != nil {
		return Inputs{}, err
	}
	snap, err := c.window(ctx, campaign.ID)
	if err != nil {
		return Inputs{}, err
	}

	in := Inputs{
		AgentsAvailable: counts.Available,
		AgentsBusy:      counts.Busy,
		AgentsWrapup:    counts.Wrapup,
		InProgress:      active.InProgress,
		Queued:          active.Queued,
		Live:            active.Live,
		AnswerRate:      c.tuning.DefaultAnswerRate,
		AMDRate:         c.tuning.DefaultAMDRate,
		AvgTalk:         c.tuning.DefaultTalk,
		AvgRing:         c.tuning.DefaultRing,
		AvgWrapup:       c.tuning.DefaultWrapup,
		DialLevel:       st.DialLevel,
		AbandonTarget:   st.AbandonRateTarget,
		MaxConcurrent:   st.MaxConcurrent,
		AMDEnabled:      campaign.AMD.Enabled,
		StatsSource:     snap.source,
	}
	w := snap.stats
	if !w.Empty() {
		if r := w.AnswerRate(); r > 0 {
			in.AnswerRate = r
		}
		if w.Answered > 0 {
			in.AMDRate = w.AMDRate()
			in.AbandonRate = w.DropRate()
			in.AbandonSamples = w.Answered
		}
		if w.AvgTalk > 0 {
			in.AvgTalk = w.AvgTalk
		}
		if w.AvgRing > 0 {
			in.AvgRing = w.AvgRing
		}
	}
	if snap.wrapup > 0 {
		in.AvgWrapup = snap.wrapup
	}
	return in, nil
}

// window returns the freshest non-empty window: the primary window, then the fallback
// window, then an empty snapshot marking the static priors.
func (c *Collector) window(ctx context.Context, campaignID string) (windowSnapshot, error) {
	now := c.clock()
	c.mu.Lock()
	snap, ok := c.cache[campaignID]
	c.mu.Unlock()
	if ok && c.tuning.CacheTTL > 0 && now.Sub(snap.at) < c.tuning.CacheTTL {
		return snap, nil
	}

	snap = windowSnapshot{at: now, source: SourceDefaults}
	for _, win := range []struct {
		name string
		d    time.Duration
	}{
		{SourcePrimary, c.tuning.StatsWindow},
		{SourceFallback, c.tuning.FallbackWindow},
	} {
		if win.d <= 0 {
			continue
		}
		w, err := c.calls.Window(ctx, campaignID, now.Add(-win.d))
		if err != nil {
			return windowSnapshot{}, err
		}
		if !w.Empty() {
			snap.stats = w
			snap.source = win.name
			break
		}
	}

	wrapWindow := c.tuning.FallbackWindow
	if wrapWindow <= 0 {
		wrapWindow = c.tuning.StatsWindow
	}
	wrap, err := c.agents.AvgWrapup(ctx, campaignID, now.Add(-wrapWindow))
	if err != nil {
		return windowSnapshot{}, err
	}
	snap.wrapup = wrap

	c.mu.Lock()
	c.cache[campaignID] = snap
	c.mu.Unlock()
	return snap, nil
}

// Invalidate forgets the cached window of a campaign.
func (c *Collector) Invalidate(campaignID string) {
	c.mu.Lock()
	delete(c.cache, campaignID)
	c.mu.Unlock()
}
