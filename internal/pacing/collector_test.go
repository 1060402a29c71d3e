package pacing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outbound-dialer/internal/agents"
	"outbound-dialer/internal/calls"
	"outbound-dialer/internal/campaigns"
	"outbound-dialer/internal/config"
	"outbound-dialer/internal/hopper"
)

type stubAgents struct {
	counts agents.Counts
	wrapup time.Duration
}

func (s *stubAgents) Counts(ctx context.Context, campaignID string) (agents.Counts, error) {
	return s.counts, nil
}

func (s *stubAgents) AvgWrapup(ctx context.Context, campaignID string, since time.Time) (time.Duration, error) {
	return s.wrapup, nil
}

type stubCalls struct {
	now     time.Time
	windows map[time.Duration]calls.WindowStats
	active  calls.ActiveCounts
	queries int
}

func (s *stubCalls) Window(ctx context.Context, campaignID string, since time.Time) (calls.WindowStats, error) {
	s.queries++
	return s.windows[s.now.Sub(since)], nil
}

func (s *stubCalls) Active(ctx context.Context, campaignID string) (calls.ActiveCounts, error) {
	return s.active, nil
}

func TestCollector_FallsBackToLongerWindowThenDefaults(t *testing.T) {
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	tuning := config.DefaultTuning().Pacing
	cs := &stubCalls{now: now, windows: map[time.Duration]calls.WindowStats{
		time.Hour: {Finished: 40, Answered: 10, Dropped: 1, Machine: 2, AvgTalk: 90 * time.Second},
	}, active: calls.ActiveCounts{InProgress: 4, Queued: 1}}
	as := &stubAgents{counts: agents.Counts{Available: 3, Busy: 2, Wrapup: 1}}
	c := NewCollector(as, cs, tuning)
	c.clock = func() time.Time { return now }

	camp := campaigns.Campaign{ID: "c1", AMD: campaigns.AMDPolicy{Enabled: true}}
	in, err := c.Collect(context.Background(), camp, campaigns.DialState{DialLevel: 2, AbandonRateTarget: 3, MaxConcurrent: 30})
	require.NoError(t, err)

	assert.Equal(t, SourceFallback, in.StatsSource)
	assert.InDelta(t, 0.25, in.AnswerRate, 1e-9)
	assert.InDelta(t, 0.2, in.AMDRate, 1e-9)
	assert.InDelta(t, 10.0, in.AbandonRate, 1e-9)
	assert.Equal(t, 10, in.AbandonSamples)
	assert.Equal(t, 90*time.Second, in.AvgTalk)
	assert.Equal(t, tuning.DefaultRing, in.AvgRing)
	assert.Equal(t, tuning.DefaultWrapup, in.AvgWrapup)
	assert.Equal(t, 3, in.AgentsAvailable)
	assert.Equal(t, 4, in.InProgress)
	assert.True(t, in.AMDEnabled)

	cs.windows = nil
	c.Invalidate("c1")
	in, err = c.Collect(context.Background(), camp, campaigns.DialState{DialLevel: 2})
	require.NoError(t, err)
	assert.Equal(t, SourceDefaults, in.StatsSource)
	assert.Equal(t, tuning.DefaultAnswerRate, in.AnswerRate)
	assert.Equal(t, tuning.DefaultAMDRate, in.AMDRate)
	assert.Zero(t, in.AbandonSamples)
}

func TestCollector_CachesWindowButNotAgents(t *testing.T) {
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	tuning := config.DefaultTuning().Pacing
	cs := &stubCalls{now: now, windows: map[time.Duration]calls.WindowStats{
		tuning.StatsWindow: {Finished: 10, Answered: 5},
	}}
	as := &stubAgents{counts: agents.Counts{Available: 1}}
	c := NewCollector(as, cs, tuning)
	c.clock = func() time.Time { return now }
	camp := campaigns.Campaign{ID: "c1"}

	_, err := c.Collect(context.Background(), camp, campaigns.DialState{})
	require.NoError(t, err)
	queries := cs.queries

	as.counts.Available = 7
	now = now.Add(2 * time.Second)
	in, err := c.Collect(context.Background(), camp, campaigns.DialState{})
	require.NoError(t, err)
	assert.Equal(t, queries, cs.queries, "window served from cache")
	assert.Equal(t, 7, in.AgentsAvailable)

	now = now.Add(tuning.CacheTTL)
	_, err = c.Collect(context.Background(), camp, campaigns.DialState{})
	require.NoError(t, err)
	assert.Greater(t, cs.queries, queries)
}

func TestReport_Warnings(t *testing.T) {
	in := Inputs{AbandonRate: 4.5, AbandonTarget: 3, AbandonSamples: 50, AnswerRate: 0.05, StatsSource: SourcePrimary}
	s := Report("c1", in, Decision{}, hopper.Stats{}, time.Now())
	assert.Len(t, s.Warnings, 4)

	s = Report("c1", Inputs{AgentsAvailable: 2, AnswerRate: 0.3, StatsSource: SourceDefaults}, Decision{}, hopper.Stats{New: 10}, time.Now())
	assert.Empty(t, s.Warnings)
}
