package compliance

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outbound-dialer/internal/audit"
	"outbound-dialer/internal/calls"
	"outbound-dialer/internal/campaigns"
	"outbound-dialer/internal/config"
)

type stubWindow struct {
	stats calls.WindowStats
}

func (s *stubWindow) Window(ctx context.Context, campaignID string, since time.Time) (calls.WindowStats, error) {
	return s.stats, nil
}

func (s *stubWindow) set(answered, drops int) {
	s.stats = calls.WindowStats{Finished: answered, Answered: answered, Dropped: drops}
}

type fixture struct {
	repo   *campaigns.MemoryRepo
	window *stubWindow
	audit  *audit.MemoryRepo
	mon    *Monitor
	now    time.Time
}

func newFixture(t *testing.T, st campaigns.DialState) *fixture {
	t.Helper()
	f := &fixture{
		repo:   campaigns.NewMemoryRepo(),
		window: &stubWindow{},
		audit:  audit.NewMemoryRepo(),
		now:    time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC),
	}
	f.repo.Put(campaigns.Campaign{ID: "c1", Active: true}, st)
	tuning := config.DefaultTuning().Compliance
	f.mon = NewMonitor(f.repo, f.window, tuning, nil, nil).WithAuditor(audit.NewService(f.audit))
	f.mon.clock = func() time.Time { return f.now }
	return f
}

// tick advances past the rate limit and evaluates.
func (f *fixture) tick(t *testing.T) Result {
	t.Helper()
	f.now = f.now.Add(time.Minute)
	res, err := f.mon.Evaluate(context.Background(), "c1")
	require.NoError(t, err)
	return res
}

func (f *fixture) level(t *testing.T) campaigns.DialState {
	st, err := f.repo.GetDialState(context.Background(), "c1")
	require.NoError(t, err)
	return st
}

func TestEvaluate_BreachDecreasesToFloor(t *testing.T) {
	f := newFixture(t, campaigns.DialState{DialLevel: 1.2, BaseLevel: 2, AbandonRateTarget: 3})
	f.window.set(100, 10)

	res := f.tick(t)
	assert.Equal(t, ActionDecrease, res.Action)
	assert.Equal(t, 1.2, res.Before)
	assert.Equal(t, 1.1, res.After)
	assert.InDelta(t, 10.0, res.DropRate, 1e-9)
	assert.True(t, f.level(t).Reduced)

	f.tick(t)
	res = f.tick(t)
	assert.Equal(t, 1.0, f.level(t).DialLevel, "floor holds")
	assert.Equal(t, ActionHold, res.Action)
	assert.Len(t, f.audit.OfType(audit.EventDialLevelChanged), 2)
}

func TestEvaluate_Hysteresis(t *testing.T) {
	f := newFixture(t, campaigns.DialState{DialLevel: 2.0, BaseLevel: 2.0, AbandonRateTarget: 3})

	f.window.set(100, 4)
	res := f.tick(t)
	require.Equal(t, ActionDecrease, res.Action)
	require.Equal(t, 1.9, f.level(t).DialLevel)

	// Dipping below target but not below target - 1.0 must not raise the level.
	for _, drops := range []int{3, 2, 3} {
		f.window.set(100, drops)
		res = f.tick(t)
		assert.Equal(t, ActionHold, res.Action, "drops=%d", drops)
		assert.Equal(t, 1.9, f.level(t).DialLevel)
	}

	f.window.set(100, 1)
	res = f.tick(t)
	assert.Equal(t, ActionIncrease, res.Action)
	assert.Equal(t, 1.95, f.level(t).DialLevel)

	res = f.tick(t)
	assert.Equal(t, ActionIncrease, res.Action)
	st := f.level(t)
	assert.Equal(t, 2.0, st.DialLevel)
	assert.False(t, st.Reduced, "reaching the base level clears the reduced mark")

	res = f.tick(t)
	assert.Equal(t, ActionHold, res.Action, "never climbs past the base level on its own")
}

func TestEvaluate_NoIncreaseWithoutPriorReduction(t *testing.T) {
	f := newFixture(t, campaigns.DialState{DialLevel: 1.5, BaseLevel: 2.5, AbandonRateTarget: 3})
	f.window.set(100, 0)
	res := f.tick(t)
	assert.Equal(t, ActionHold, res.Action)
	assert.Equal(t, 1.5, f.level(t).DialLevel)
}

func TestEvaluate_NoAnswersNoChange(t *testing.T) {
	f := newFixture(t, campaigns.DialState{DialLevel: 2, AbandonRateTarget: 3, Reduced: true})
	f.window.set(0, 0)
	res := f.tick(t)
	assert.Equal(t, ActionHold, res.Action)
	assert.Equal(t, 0.0, res.DropRate)
	assert.Empty(t, f.audit.Events())
}

func TestEvaluate_RateLimitedPerInterval(t *testing.T) {
	f := newFixture(t, campaigns.DialState{DialLevel: 2, AbandonRateTarget: 3})
	f.window.set(100, 10)

	res := f.tick(t)
	require.Equal(t, ActionDecrease, res.Action)

	f.now = f.now.Add(10 * time.Second)
	res, err := f.mon.Evaluate(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, ActionSkipped, res.Action)
	assert.Equal(t, 1.9, f.level(t).DialLevel)
}

func TestEvaluate_DefaultTargetAndCeiling(t *testing.T) {
	f := newFixture(t, campaigns.DialState{DialLevel: 2.98, BaseLevel: 5, Reduced: true})
	f.window.set(100, 0)
	res := f.tick(t)
	assert.Equal(t, 3.0, res.Target)
	assert.Equal(t, 3.0, f.level(t).DialLevel, "ceiling caps recovery")
	assert.False(t, f.level(t).Reduced)
}
