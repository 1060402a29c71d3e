package agents

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outbound-dialer/internal/campaigns"
	"outbound-dialer/internal/reporting"
)

type fakeClock struct{ now time.Time }

func newClock() *fakeClock { return &fakeClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)} }

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type dispositionLog map[string]string

func (d dispositionLog) SetDisposition(_ context.Context, callID, code string) error {
	d[callID] = code
	return nil
}

type auditLog struct {
	offline []string
	auto    []string
}

func (a *auditLog) LogForcedOffline(_ context.Context, agentID string, _ time.Time) error {
	a.offline = append(a.offline, agentID)
	return nil
}

func (a *auditLog) LogAutoDisposition(_ context.Context, agentID, _, _, disposition string) error {
	a.auto = append(a.auto, agentID+":"+disposition)
	return nil
}

func newTestService(t *testing.T) (*Service, *MemoryRepo, *fakeClock) {
	t.Helper()
	repo := NewMemoryRepo()
	repo.Put(Agent{ID: "a1", Extension: "PJSIP/1001"})
	repo.Put(Agent{ID: "a2", Extension: "PJSIP/1002"})
	clk := newClock()
	svc := NewService(repo, 5*time.Minute, nil, nil)
	svc.clock = clk.Now
	return svc, repo, clk
}

func openCount(t *testing.T, repo *MemoryRepo, id string) int {
	t.Helper()
	open, err := repo.OpenEntries(context.Background(), id)
	require.NoError(t, err)
	return len(open)
}

func TestCallLifecycleAndWrapupLock(t *testing.T) {
	ctx := context.Background()
	svc, repo, _ := newTestService(t)
	sink := dispositionLog{}
	svc.WithDispositions(sink)

	_, err := svc.Login(ctx, "a1", "c1")
	require.NoError(t, err)
	a, err := svc.AssignCall(ctx, "a1", "call-1", "c1")
	require.NoError(t, err)
	assert.Equal(t, StatusBusy, a.Status)

	// Same call again is a no-op, a different one is refused.
	_, err = svc.AssignCall(ctx, "a1", "call-1", "c1")
	require.NoError(t, err)
	_, err = svc.AssignCall(ctx, "a1", "call-2", "c1")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	a, err = svc.EndCall(ctx, "a1", "call-1")
	require.NoError(t, err)
	assert.Equal(t, StatusWrapup, a.Status)
	assert.True(t, a.DispositionPending)

	_, err = svc.Logout(ctx, "a1")
	assert.ErrorIs(t, err, ErrDispositionPending)
	_, err = svc.SetStatus(ctx, "a1", StatusBreak)
	assert.ErrorIs(t, err, ErrDispositionPending)
	_, err = svc.Login(ctx, "a1", "c2")
	assert.ErrorIs(t, err, ErrDispositionPending)

	got, err := svc.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, StatusWrapup, got.Status)

	a, err = svc.SubmitDisposition(ctx, "a1", DispositionRequest{CallID: "call-1", Disposition: "SALE"})
	require.NoError(t, err)
	assert.Equal(t, StatusAvailable, a.Status)
	assert.False(t, a.DispositionPending)
	assert.Empty(t, a.CurrentCallID)
	assert.Equal(t, "SALE", sink["call-1"])

	_, err = svc.Logout(ctx, "a1")
	require.NoError(t, err)

	statuses := []Status{}
	for _, e := range repo.TimeLog("a1") {
		statuses = append(statuses, e.Status)
	}
	assert.Equal(t, []Status{StatusAvailable, StatusBusy, StatusWrapup, StatusAvailable, StatusOffline}, statuses)
}

func TestEndCallIgnoresOtherCalls(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)
	_, _ = svc.Login(ctx, "a1", "c1")
	_, _ = svc.AssignCall(ctx, "a1", "call-1", "c1")

	a, err := svc.EndCall(ctx, "a1", "call-9")
	require.NoError(t, err)
	assert.Equal(t, StatusBusy, a.Status)

	_, err = svc.EndCall(ctx, "a1", "call-1")
	require.NoError(t, err)
	a, err = svc.EndCall(ctx, "a1", "call-1")
	require.NoError(t, err)
	assert.Equal(t, StatusWrapup, a.Status)
}

func TestSubmitDispositionNextStatus(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)
	_, _ = svc.Login(ctx, "a1", "c1")
	_, _ = svc.AssignCall(ctx, "a1", "call-1", "c1")

	_, err := svc.SubmitDisposition(ctx, "a1", DispositionRequest{Disposition: "NI"})
	assert.ErrorIs(t, err, ErrInvalidTransition, "not in wrap-up yet")

	_, _ = svc.EndCall(ctx, "a1", "call-1")
	_, err = svc.SubmitDisposition(ctx, "a1", DispositionRequest{CallID: "call-x", Disposition: "NI"})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	a, err := svc.SubmitDisposition(ctx, "a1", DispositionRequest{Disposition: "NI", Next: StatusLunch})
	require.NoError(t, err)
	assert.Equal(t, StatusLunch, a.Status)
}

func TestSetStatusRejectsSystemStates(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)
	_, _ = svc.Login(ctx, "a1", "c1")

	_, err := svc.SetStatus(ctx, "a1", StatusBusy)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = svc.SetStatus(ctx, "a1", StatusWrapup)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = svc.SetStatus(ctx, "a1", Status("nap"))
	assert.ErrorIs(t, err, ErrInvalidArgument)

	a, err := svc.SetStatus(ctx, "a1", StatusTraining)
	require.NoError(t, err)
	assert.Equal(t, StatusTraining, a.Status)
}

func TestHeartbeatLeavesTimeLogAlone(t *testing.T) {
	ctx := context.Background()
	svc, repo, clk := newTestService(t)
	_, _ = svc.Login(ctx, "a1", "c1")
	before := repo.TimeLog("a1")

	clk.Advance(time.Minute)
	a, err := svc.Heartbeat(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, clk.now, a.LastHeartbeat)
	assert.Equal(t, before, repo.TimeLog("a1"))
}

func TestTimeLogPairingRandomSequence(t *testing.T) {
	ctx := context.Background()
	svc, repo, clk := newTestService(t)
	svc.WithDispositions(dispositionLog{})
	rng := rand.New(rand.NewSource(7))
	calls := 0

	for i := 0; i < 400; i++ {
		clk.Advance(time.Duration(rng.Intn(30)+1) * time.Second)
		a, _ := svc.Get(ctx, "a1")
		switch rng.Intn(8) {
		case 0:
			_, _ = svc.Login(ctx, "a1", "c1")
		case 1:
			_, _ = svc.Logout(ctx, "a1")
		case 2:
			_, _ = svc.SetStatus(ctx, "a1", StatusBreak)
		case 3:
			calls++
			_, _ = svc.AssignCall(ctx, "a1", "call", "c1")
		case 4:
			_, _ = svc.EndCall(ctx, "a1", a.CurrentCallID)
		case 5:
			_, _ = svc.SubmitDisposition(ctx, "a1", DispositionRequest{Disposition: "X"})
		case 6:
			_, _ = svc.Heartbeat(ctx, "a1")
		case 7:
			_, _ = svc.SweepZombies(ctx, false)
		}
		require.LessOrEqual(t, openCount(t, repo, "a1"), 1)
	}

	entries := repo.TimeLog("a1")
	for i := 1; i < len(entries); i++ {
		prev := entries[i-1]
		require.NotNil(t, prev.EndedAt, "entry %d left open", i-1)
		assert.Equal(t, entries[i].StartedAt, *prev.EndedAt)
		assert.NotEqual(t, prev.Status, entries[i].Status)
	}
	assert.Positive(t, calls)
}

func TestSweepZombies(t *testing.T) {
	ctx := context.Background()
	svc, repo, clk := newTestService(t)
	audit := &auditLog{}
	rec := reporting.NewRecorder()
	svc.WithAuditor(audit).WithNotifier(rec)

	_, _ = svc.Login(ctx, "a1", "c1")
	_, _ = svc.AssignCall(ctx, "a1", "call-1", "c1")
	_, _ = svc.EndCall(ctx, "a1", "call-1")
	_, _ = svc.Login(ctx, "a2", "c1")

	clk.Advance(4 * time.Minute)
	_, _ = svc.Heartbeat(ctx, "a2")
	clk.Advance(2 * time.Minute)

	listed, err := svc.SweepZombies(ctx, true)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, "a1", listed[0].ID)
	a, _ := svc.Get(ctx, "a1")
	assert.Equal(t, StatusWrapup, a.Status, "dry run changes nothing")

	swept, err := svc.SweepZombies(ctx, false)
	require.NoError(t, err)
	require.Len(t, swept, 1)
	a, _ = svc.Get(ctx, "a1")
	assert.Equal(t, StatusOffline, a.Status, "wrap-up lock does not hold a zombie")
	assert.False(t, a.DispositionPending)
	assert.Equal(t, []string{"a1"}, audit.offline)
	assert.Equal(t, 1, openCount(t, repo, "a1"))

	a2, _ := svc.Get(ctx, "a2")
	assert.Equal(t, StatusAvailable, a2.Status)
	assert.NotEmpty(t, rec.OfType(reporting.TypeAgentStatus))
}

func TestSweepAutoWrapup(t *testing.T) {
	ctx := context.Background()
	svc, _, clk := newTestService(t)
	camps := campaigns.NewMemoryRepo()
	camps.Put(campaigns.Campaign{ID: "c1", Active: true, AutoWrapupTimeout: 2 * time.Minute, AutoWrapupDisposition: "AUTO"}, campaigns.DialState{CampaignID: "c1"})
	sink := dispositionLog{}
	audit := &auditLog{}
	svc.WithCampaigns(camps).WithDispositions(sink).WithAuditor(audit)

	_, _ = svc.Login(ctx, "a1", "c1")
	_, _ = svc.AssignCall(ctx, "a1", "call-1", "c1")
	_, _ = svc.EndCall(ctx, "a1", "call-1")

	clk.Advance(time.Minute)
	n, err := svc.SweepAutoWrapup(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	clk.Advance(90 * time.Second)
	n, err = svc.SweepAutoWrapup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	a, _ := svc.Get(ctx, "a1")
	assert.Equal(t, StatusAvailable, a.Status)
	assert.Equal(t, "AUTO", sink["call-1"])
	assert.Equal(t, []string{"a1:AUTO"}, audit.auto)
}

func TestEndpointChanged(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)
	_, _ = svc.Login(ctx, "a1", "c1")

	a, err := svc.EndpointChanged(ctx, "PJSIP/1001", false)
	require.NoError(t, err)
	assert.Equal(t, StatusOffline, a.Status)

	a, err = svc.EndpointChanged(ctx, "PJSIP/1001", true)
	require.NoError(t, err)
	assert.Equal(t, StatusAvailable, a.Status)
	assert.Equal(t, "c1", a.CampaignID)

	_, err = svc.EndpointChanged(ctx, "PJSIP/9999", true)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWatchdogRunOnce(t *testing.T) {
	ctx := context.Background()
	svc, _, clk := newTestService(t)
	_, _ = svc.Login(ctx, "a1", "c1")
	clk.Advance(10 * time.Minute)

	NewWatchdog(svc, time.Second, nil).RunOnce(ctx)

	c, err := svc.Counts(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 2, c.Offline)
}

func TestWatchdogRunsExtraSweeps(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)

	var ran []string
	NewWatchdog(svc, time.Second, nil).
		With(Sweep{Name: "failing", Run: func(context.Context) (int, error) {
			ran = append(ran, "failing")
			return 0, errors.New("db down")
		}}).
		With(Sweep{Name: "ok", Run: func(context.Context) (int, error) {
			ran = append(ran, "ok")
			return 2, nil
		}}).
		RunOnce(ctx)

	assert.Equal(t, []string{"failing", "ok"}, ran, "a failing sweep does not stop the next one")
}
