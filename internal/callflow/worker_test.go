package callflow

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outbound-dialer/internal/agents"
	"outbound-dialer/internal/calls"
	"outbound-dialer/internal/campaigns"
	"outbound-dialer/internal/config"
	"outbound-dialer/internal/hopper"
	"outbound-dialer/internal/leads"
	"outbound-dialer/internal/metrics"
	"outbound-dialer/internal/reporting"
	"outbound-dialer/internal/routing"
	"outbound-dialer/internal/telephony"
)

type timer struct {
	d       time.Duration
	fn      func()
	stopped bool
}

// manualTimers replaces time.AfterFunc so tests decide when timers fire.
type manualTimers struct {
	mu  sync.Mutex
	all []*timer
}

func (m *manualTimers) after(d time.Duration, fn func()) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &timer{d: d, fn: fn}
	m.all = append(m.all, t)
	return func() {
		m.mu.Lock()
		t.stopped = true
		m.mu.Unlock()
	}
}

// fire runs every live timer of duration d and reports how many ran.
func (m *manualTimers) fire(d time.Duration) int {
	m.mu.Lock()
	var due []*timer
	for _, t := range m.all {
		if !t.stopped && t.d == d {
			t.stopped = true
			due = append(due, t)
		}
	}
	m.mu.Unlock()
	for _, t := range due {
		t.fn()
	}
	return len(due)
}

type harness struct {
	w        *Worker
	hopper   *hopper.MemoryStore
	calls    *calls.MemoryRepo
	leads    *leads.MemoryRepo
	agents   *agents.Service
	res      *routing.MemoryReserver
	cmd      *telephony.MemoryCommander
	slots    *MemorySlots
	notes    *reporting.Recorder
	metrics  *metrics.Metrics
	timers   *manualTimers
	campaign campaigns.Campaign
}

var tuning = config.CallTuning{
	RingTimeout:     25 * time.Second,
	RingGrace:       5 * time.Second,
	AgentLegTimeout: 15 * time.Second,
	AMDWait:         5 * time.Second,
	MaxCallDuration: time.Hour,
	EndedRetention:  2 * time.Minute,
}

func newHarness(t *testing.T, roster ...agents.Agent) *harness {
	t.Helper()
	ctx := context.Background()
	h := &harness{
		hopper:   hopper.NewMemoryStore(),
		calls:    calls.NewMemoryRepo(),
		leads:    leads.NewMemoryRepo(),
		res:      routing.NewMemoryReserver(time.Minute),
		cmd:      telephony.NewMemoryCommander(),
		slots:    NewMemorySlots(),
		notes:    reporting.NewRecorder(),
		metrics:  metrics.New(),
		timers:   &manualTimers{},
		campaign: campaigns.Campaign{ID: "c1", Active: true, CallerID: "5550000"},
	}

	repo := agents.NewMemoryRepo()
	for _, a := range roster {
		repo.Put(a)
	}
	h.agents = agents.NewService(repo, time.Minute, nil, nil)
	for _, a := range roster {
		_, err := h.agents.Login(ctx, a.ID, "c1")
		require.NoError(t, err)
		if a.BridgeID != "" {
			_, err = h.agents.SetBridge(ctx, a.ID, a.BridgeID, true)
			require.NoError(t, err)
		}
	}

	sel := routing.NewAgentSelector(h.agents, h.res, h.cmd, tuning.AgentLegTimeout, nil)
	n := 0
	sel.NewID = func() string { n++; return fmt.Sprintf("rt-%d", n) }

	h.w = NewWorker(Deps{
		Hopper:   h.hopper,
		Calls:    h.calls,
		Leads:    h.leads,
		Agents:   h.agents,
		Selector: sel,
		Commands: h.cmd,
		Slots:    h.slots,
		Notifier: h.notes,
	}, tuning, nil, h.metrics)
	h.w.after = h.timers.after
	ids := 0
	h.w.newID = func() string { ids++; return fmt.Sprintf("id-%d", ids) }
	return h
}

// lease queues and leases one lead.
func (h *harness) lease(t *testing.T, leadID string) hopper.LeadLease {
	t.Helper()
	ctx := context.Background()
	h.leads.Put(leads.Lead{ID: leadID, CampaignID: "c1", PhoneNumber: "555" + leadID})
	_, err := h.hopper.Enqueue(ctx, "c1", []hopper.Lead{{ID: leadID, PhoneNumber: "555" + leadID}})
	require.NoError(t, err)
	leases, err := h.hopper.LeasePop(ctx, "c1", 1, "test")
	require.NoError(t, err)
	require.Len(t, leases, 1)
	return leases[0]
}

// dial originates a call and returns its id and customer channel.
func (h *harness) dial(t *testing.T, leadID string) (string, string) {
	t.Helper()
	id, err := h.w.Originate(context.Background(), Dial{Campaign: h.campaign, Lease: h.lease(t, leadID), MaxConcurrent: 10})
	require.NoError(t, err)
	c, err := h.w.Call(id)
	require.NoError(t, err)
	return id, c.CustomerChannelID
}

func (h *harness) handle(ev telephony.Event) { h.w.Handle(context.Background(), ev) }

func (h *harness) answer(ch string) {
	h.handle(telephony.Event{Type: telephony.EventStasisStart, ChannelID: ch, ChannelState: "Ring",
		Vars: telephony.Vars{CallType: telephony.CallTypeCustomer}})
	h.handle(telephony.Event{Type: telephony.EventChannelStateChange, ChannelID: ch, ChannelState: telephony.ChannelUp})
}

func (h *harness) hangup(ch string, cause int) {
	h.handle(telephony.Event{Type: telephony.EventChannelDestroyed, ChannelID: ch, Cause: cause})
}

func (h *harness) leaseState(t *testing.T, leadID string) hopper.State {
	t.Helper()
	l, ok := h.hopper.Lease("c1", leadID)
	require.True(t, ok)
	return l.State
}

func (h *harness) leadStatus(t *testing.T, leadID string) leads.Status {
	t.Helper()
	l, err := h.leads.Get(context.Background(), "c1", leadID)
	require.NoError(t, err)
	return l.Status
}

func (h *harness) agentStatus(t *testing.T, id string) agents.Status {
	t.Helper()
	a, err := h.agents.Get(context.Background(), id)
	require.NoError(t, err)
	return a.Status
}

func TestOriginate_RegistersCallAndDials(t *testing.T) {
	h := newHarness(t)
	id, ch := h.dial(t, "l1")

	orig := h.cmd.Commands("originate")
	require.Len(t, orig, 1)
	assert.Equal(t, ch, orig[0].Request.ChannelID)
	assert.Equal(t, "Local/555l1@from-campaign", orig[0].Request.Endpoint)
	assert.Equal(t, id, orig[0].Request.Vars.CallID)
	assert.Equal(t, telephony.CallTypeCustomer, orig[0].Request.Vars.CallType)

	assert.Equal(t, hopper.StateDialing, h.leaseState(t, "l1"))
	assert.Equal(t, leads.StatusDialing, h.leadStatus(t, "l1"))
	assert.Equal(t, 1, h.slots.InUse("c1"))

	stored, err := h.calls.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, calls.StateInitiated, stored.State)
}

func TestOriginate_FailureSettlesLeaseAndSlot(t *testing.T) {
	h := newHarness(t)
	h.cmd.FailNext("originate", telephony.ErrTransient)

	_, err := h.w.Originate(context.Background(), Dial{Campaign: h.campaign, Lease: h.lease(t, "l1"), MaxConcurrent: 10})
	require.ErrorIs(t, err, telephony.ErrTransient)

	assert.Equal(t, hopper.StateFailed, h.leaseState(t, "l1"))
	assert.Equal(t, leads.StatusFailed, h.leadStatus(t, "l1"))
	assert.Equal(t, 0, h.slots.InUse("c1"))
	assert.Equal(t, 0, h.w.ActiveCalls())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.OriginateFailures.WithLabelValues("c1")))
}

func TestOriginate_NoCapacityReleasesLease(t *testing.T) {
	h := newHarness(t)
	ok, err := h.slots.Acquire(context.Background(), "c1", 1)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = h.w.Originate(context.Background(), Dial{Campaign: h.campaign, Lease: h.lease(t, "l1"), MaxConcurrent: 1})
	require.ErrorIs(t, err, ErrNoCapacity)
	assert.Equal(t, hopper.StateNew, h.leaseState(t, "l1"))
	assert.Empty(t, h.cmd.Commands("originate"))
}

func TestAnswer_NoAgentDropsCall(t *testing.T) {
	h := newHarness(t)
	id, ch := h.dial(t, "l1")

	h.answer(ch)

	c, err := h.w.Call(id)
	require.NoError(t, err)
	assert.Equal(t, calls.StateDropped, c.State)
	assert.Equal(t, calls.OutcomeDropped, c.Outcome)

	hang := h.cmd.Commands("hangup")
	require.Len(t, hang, 1)
	assert.Equal(t, ch, hang[0].ChannelID)
	assert.Equal(t, hopper.StateDropped, h.leaseState(t, "l1"))
	assert.Equal(t, leads.StatusDropped, h.leadStatus(t, "l1"))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.CallsDropped.WithLabelValues("c1", dropNoAgent)))
	assert.Len(t, h.notes.OfType(reporting.TypeCallDropped), 1)

	h.hangup(ch, 16)
	c, err = h.w.Call(id)
	require.NoError(t, err)
	assert.Equal(t, calls.StateEnded, c.State)
	assert.Equal(t, calls.OutcomeDropped, c.Outcome)
	assert.Equal(t, 0, h.slots.InUse("c1"))
	assert.Equal(t, hopper.StateDropped, h.leaseState(t, "l1"))
}

func TestAnswer_WarmBridge(t *testing.T) {
	h := newHarness(t, agents.Agent{ID: "a1", Extension: "PJSIP/1001", BridgeID: "br-a1"})
	id, ch := h.dial(t, "l1")

	h.answer(ch)

	c, err := h.w.Call(id)
	require.NoError(t, err)
	assert.Equal(t, calls.StateBridged, c.State)
	assert.Equal(t, calls.OutcomeConnected, c.Outcome)
	assert.Equal(t, "a1", c.AgentID)
	assert.Equal(t, "br-a1", c.BridgeID)
	assert.Equal(t, agents.StatusBusy, h.agentStatus(t, "a1"))
	assert.Equal(t, hopper.StateCompleted, h.leaseState(t, "l1"))
	assert.Equal(t, leads.StatusAnswered, h.leadStatus(t, "l1"))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.CallsBridged.WithLabelValues("c1", string(routing.PathWarmBridge))))

	h.hangup(ch, 16)
	assert.Equal(t, agents.StatusWrapup, h.agentStatus(t, "a1"))
	assert.Empty(t, h.cmd.Commands("bridge_destroy"), "persistent bridge must survive the call")
	assert.Equal(t, 0, h.slots.InUse("c1"))
}

func TestAnswer_FreshLegBridgesOnAgentAnswer(t *testing.T) {
	h := newHarness(t, agents.Agent{ID: "a1", Extension: "PJSIP/1001"})
	id, ch := h.dial(t, "l1")

	h.answer(ch)
	c, err := h.w.Call(id)
	require.NoError(t, err)
	require.Equal(t, calls.StateAnswered, c.State)
	require.NotEmpty(t, c.AgentChannelID)
	assert.True(t, h.res.Held("a1"))
	assert.Equal(t, agents.StatusAvailable, h.agentStatus(t, "a1"))

	agentCh := c.AgentChannelID
	h.handle(telephony.Event{Type: telephony.EventStasisStart, ChannelID: agentCh, ChannelState: telephony.ChannelUp,
		Vars: telephony.Vars{CallType: telephony.CallTypeAgentLeg, CallID: id, AgentID: "a1"}})

	c, err = h.w.Call(id)
	require.NoError(t, err)
	assert.Equal(t, calls.StateBridged, c.State)
	assert.Equal(t, agents.StatusBusy, h.agentStatus(t, "a1"))
	assert.False(t, h.res.Held("a1"))
	assert.Equal(t, leads.StatusAnswered, h.leadStatus(t, "l1"))

	h.hangup(ch, 16)
	var hungAgent bool
	for _, cmd := range h.cmd.Commands("hangup") {
		hungAgent = hungAgent || cmd.ChannelID == agentCh
	}
	assert.True(t, hungAgent, "agent leg should be hung up with the customer")
	assert.Len(t, h.cmd.Commands("bridge_destroy"), 1)
	assert.Equal(t, agents.StatusWrapup, h.agentStatus(t, "a1"))
}

func TestAgentLegTimeoutDropsCall(t *testing.T) {
	h := newHarness(t, agents.Agent{ID: "a1", Extension: "PJSIP/1001"})
	id, ch := h.dial(t, "l1")
	h.answer(ch)
	c, _ := h.w.Call(id)
	agentCh := c.AgentChannelID

	require.Equal(t, 1, h.timers.fire(tuning.AgentLegTimeout))
	h.w.Drain()

	c, err := h.w.Call(id)
	require.NoError(t, err)
	assert.Equal(t, calls.StateDropped, c.State)
	assert.Equal(t, hopper.StateDropped, h.leaseState(t, "l1"))
	assert.False(t, h.res.Held("a1"))
	assert.Equal(t, agents.StatusAvailable, h.agentStatus(t, "a1"))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.CallsDropped.WithLabelValues("c1", dropAgentTimeout)))

	// The late answer of the abandoned leg changes nothing.
	h.handle(telephony.Event{Type: telephony.EventChannelStateChange, ChannelID: agentCh, ChannelState: telephony.ChannelUp})
	c, _ = h.w.Call(id)
	assert.Equal(t, calls.StateDropped, c.State)
	assert.Equal(t, agents.StatusAvailable, h.agentStatus(t, "a1"))
}

func TestAgentLegRejectedDropsCall(t *testing.T) {
	h := newHarness(t, agents.Agent{ID: "a1", Extension: "PJSIP/1001"})
	id, ch := h.dial(t, "l1")
	h.answer(ch)
	c, _ := h.w.Call(id)

	h.hangup(c.AgentChannelID, 21)

	c, _ = h.w.Call(id)
	assert.Equal(t, calls.StateDropped, c.State)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.CallsDropped.WithLabelValues("c1", dropAgentLegFailed)))

	// The stale timer finds nothing pending.
	hangups := len(h.cmd.Commands("hangup"))
	h.timers.fire(tuning.AgentLegTimeout)
	h.w.Drain()
	assert.Len(t, h.cmd.Commands("hangup"), hangups)
}

func TestDuplicateEventsAreIdempotent(t *testing.T) {
	h := newHarness(t, agents.Agent{ID: "a1", Extension: "PJSIP/1001", BridgeID: "br-a1"})
	id, ch := h.dial(t, "l1")

	h.answer(ch)
	h.answer(ch)
	h.hangup(ch, 16)
	h.hangup(ch, 16)

	c, err := h.w.Call(id)
	require.NoError(t, err)
	assert.Equal(t, calls.StateEnded, c.State)
	assert.Equal(t, calls.OutcomeConnected, c.Outcome)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.CallsBridged.WithLabelValues("c1", string(routing.PathWarmBridge))))
	assert.Len(t, h.notes.OfType(reporting.TypeCallAnswered), 1)
	assert.Len(t, h.notes.OfType(reporting.TypeCallEnded), 1)
	assert.Len(t, h.cmd.Commands("bridge_add"), 1)
	assert.Equal(t, 0, h.slots.InUse("c1"))
}

func TestUnansweredOutcomeFromCause(t *testing.T) {
	h := newHarness(t)
	cases := map[string]struct {
		cause int
		lead  leads.Status
		lease hopper.State
	}{
		"l1": {17, leads.StatusBusy, hopper.StateCompleted},
		"l2": {19, leads.StatusNoAnswer, hopper.StateCompleted},
		"l3": {34, leads.StatusCongestion, hopper.StateFailed},
		"l4": {1, leads.StatusFailed, hopper.StateFailed},
	}
	for leadID, tc := range cases {
		_, ch := h.dial(t, leadID)
		h.hangup(ch, tc.cause)
		assert.Equal(t, tc.lead, h.leadStatus(t, leadID), leadID)
		assert.Equal(t, tc.lease, h.leaseState(t, leadID), leadID)
	}
	assert.Equal(t, 0, h.slots.InUse("c1"))
}

func TestMachineVerdictSkipsAgent(t *testing.T) {
	h := newHarness(t, agents.Agent{ID: "a1", Extension: "PJSIP/1001", BridgeID: "br-a1"})
	h.campaign.AMD = campaigns.AMDPolicy{Enabled: true, Action: campaigns.MachineHangup}
	id, ch := h.dial(t, "l1")

	h.answer(ch)
	c, _ := h.w.Call(id)
	require.Equal(t, calls.StateAnswered, c.State, "waiting for the AMD verdict")

	h.handle(telephony.Event{Type: telephony.EventChannelVarset, ChannelID: ch, Variable: telephony.VarAMDCause, Value: "INITIALSILENCE-2500-2500"})
	h.handle(telephony.Event{Type: telephony.EventChannelVarset, ChannelID: ch, Variable: telephony.VarAMDStatus, Value: "MACHINE"})

	c, _ = h.w.Call(id)
	assert.Equal(t, calls.OutcomeMachine, c.Outcome)
	assert.Equal(t, "MACHINE", c.AMDVerdict)
	assert.Equal(t, agents.StatusAvailable, h.agentStatus(t, "a1"))
	assert.Empty(t, h.cmd.Commands("bridge_add"))
	require.Len(t, h.cmd.Commands("hangup"), 1)
	assert.Equal(t, hopper.StateCompleted, h.leaseState(t, "l1"))
	assert.Equal(t, leads.StatusMachine, h.leadStatus(t, "l1"))

	h.hangup(ch, 16)
	c, _ = h.w.Call(id)
	assert.Equal(t, calls.OutcomeMachine, c.Outcome)
	assert.Zero(t, testutil.ToFloat64(h.metrics.CallsDropped.WithLabelValues("c1", dropCustomerHangup)))
}

func TestMachineMessagePlaysThenHangsUp(t *testing.T) {
	h := newHarness(t)
	h.campaign.AMD = campaigns.AMDPolicy{Enabled: true, Action: campaigns.MachineMessage, MessageMedia: "sound:vm-greeting"}
	_, ch := h.dial(t, "l1")

	// Verdict before the answer is applied on answer.
	h.handle(telephony.Event{Type: telephony.EventChannelVarset, ChannelID: ch, Variable: telephony.VarAMDStatus, Value: "MACHINE"})
	h.answer(ch)

	plays := h.cmd.Commands("play")
	require.Len(t, plays, 1)
	assert.Empty(t, h.cmd.Commands("hangup"))

	h.handle(telephony.Event{Type: telephony.EventPlaybackFinished, ChannelID: ch, PlaybackID: plays[0].PlaybackID})
	assert.Equal(t, "sound:vm-greeting", plays[0].Arg)
	assert.Len(t, h.cmd.Commands("hangup"), 1)
}

func TestAMDWaitExpiryPairsCall(t *testing.T) {
	h := newHarness(t, agents.Agent{ID: "a1", Extension: "PJSIP/1001", BridgeID: "br-a1"})
	h.campaign.AMD = campaigns.AMDPolicy{Enabled: true, Action: campaigns.MachineHangup}
	id, ch := h.dial(t, "l1")
	h.answer(ch)

	require.Equal(t, 1, h.timers.fire(tuning.AMDWait))
	h.w.Drain()

	c, _ := h.w.Call(id)
	assert.Equal(t, calls.StateBridged, c.State)
	assert.Equal(t, string(telephony.VerdictNotSure), c.AMDVerdict)
}

func TestCustomerHangupWhileWaitingCountsAsDrop(t *testing.T) {
	h := newHarness(t, agents.Agent{ID: "a1", Extension: "PJSIP/1001"})
	id, ch := h.dial(t, "l1")
	h.answer(ch)
	c, _ := h.w.Call(id)
	agentCh := c.AgentChannelID

	h.hangup(ch, 16)

	c, _ = h.w.Call(id)
	assert.Equal(t, calls.StateEnded, c.State)
	assert.Equal(t, calls.OutcomeDropped, c.Outcome)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.CallsDropped.WithLabelValues("c1", dropCustomerHangup)))
	var hungAgent bool
	for _, cmd := range h.cmd.Commands("hangup") {
		hungAgent = hungAgent || cmd.ChannelID == agentCh
	}
	assert.True(t, hungAgent)
	assert.False(t, h.res.Held("a1"))
}

func TestPurgeForgetsEndedCall(t *testing.T) {
	h := newHarness(t)
	id, ch := h.dial(t, "l1")
	h.hangup(ch, 19)
	require.Equal(t, 1, h.w.ActiveCalls())

	require.Equal(t, 1, h.timers.fire(tuning.EndedRetention))
	h.w.Drain()

	_, err := h.w.Call(id)
	assert.ErrorIs(t, err, ErrUnknownCall)
}

func TestPersistentBridgeReadiness(t *testing.T) {
	h := newHarness(t, agents.Agent{ID: "a1", Extension: "PJSIP/1001"})
	ctx := context.Background()

	h.handle(telephony.Event{Type: telephony.EventStasisStart, ChannelID: "ag-ch", ChannelState: telephony.ChannelUp,
		Vars: telephony.Vars{CallType: telephony.CallTypeAgentConnect, AgentID: "a1", BridgeID: "br-a1"}})
	require.Len(t, h.cmd.Commands("bridge_add"), 1)

	h.handle(telephony.Event{Type: telephony.EventChannelEnteredBridge, ChannelID: "ag-ch", BridgeID: "br-a1"})
	a, err := h.agents.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "br-a1", a.BridgeID)
	assert.True(t, a.BridgeReady)

	h.hangup("ag-ch", 16)
	a, _ = h.agents.Get(ctx, "a1")
	assert.False(t, a.BridgeReady)
}

func TestUnknownChannelIsDiscarded(t *testing.T) {
	h := newHarness(t)
	h.handle(telephony.Event{Type: telephony.EventChannelStateChange, ChannelID: "nope", ChannelState: telephony.ChannelUp})
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.EventsDiscarded.WithLabelValues("unknown_channel")))
}

func TestDispatchSerializesPerCall(t *testing.T) {
	h := newHarness(t, agents.Agent{ID: "a1", Extension: "PJSIP/1001", BridgeID: "br-a1"})
	id, ch := h.dial(t, "l1")

	h.w.Dispatch(telephony.Event{Type: telephony.EventStasisStart, ChannelID: ch, Vars: telephony.Vars{CallType: telephony.CallTypeCustomer, CallID: id}})
	h.w.Dispatch(telephony.Event{Type: telephony.EventChannelStateChange, ChannelID: ch, ChannelState: telephony.ChannelUp})
	h.w.Dispatch(telephony.Event{Type: telephony.EventChannelDestroyed, ChannelID: ch, Cause: 16})
	h.w.Drain()

	c, err := h.w.Call(id)
	require.NoError(t, err)
	assert.Equal(t, calls.StateEnded, c.State)
	assert.Equal(t, calls.OutcomeConnected, c.Outcome)
}

func TestRingExpiryEndsSilentCall(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	id, ch := h.dial(t, "l1")

	// No platform event ever arrives for this call.
	require.Equal(t, 1, h.timers.fire(tuning.RingTimeout+tuning.RingGrace))
	h.w.Drain()

	c, err := h.w.Call(id)
	require.NoError(t, err)
	assert.Equal(t, calls.StateEnded, c.State)
	assert.Equal(t, calls.OutcomeNoAnswer, c.Outcome)
	assert.Equal(t, causeNoAnswer, c.HangupCause)

	hang := h.cmd.Commands("hangup")
	require.Len(t, hang, 1)
	assert.Equal(t, ch, hang[0].ChannelID)
	assert.Equal(t, 0, h.slots.InUse("c1"))
	assert.Equal(t, hopper.StateCompleted, h.leaseState(t, "l1"))
	assert.Equal(t, leads.StatusNoAnswer, h.leadStatus(t, "l1"))

	stored, err := h.calls.Get(ctx, id)
	require.NoError(t, err)
	assert.False(t, stored.EndedAt.IsZero())
	active, err := h.calls.Active(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, calls.ActiveCounts{}, active)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.CallsExpired.WithLabelValues("c1", "ring")))

	// A destroy that shows up late changes nothing, and the lifetime timer is gone.
	h.hangup(ch, 17)
	c, _ = h.w.Call(id)
	assert.Equal(t, calls.OutcomeNoAnswer, c.Outcome)
	assert.Equal(t, 0, h.timers.fire(tuning.MaxCallDuration))
}

func TestLifetimeExpiryEndsBridgedCall(t *testing.T) {
	h := newHarness(t, agents.Agent{ID: "a1", Extension: "PJSIP/1001", BridgeID: "br-a1"})
	id, ch := h.dial(t, "l1")
	h.answer(ch)

	require.Equal(t, 1, h.timers.fire(tuning.RingTimeout+tuning.RingGrace))
	h.w.Drain()
	c, _ := h.w.Call(id)
	require.Equal(t, calls.StateBridged, c.State, "ring expiry leaves an answered call alone")
	assert.Equal(t, agents.StatusBusy, h.agentStatus(t, "a1"))

	require.Equal(t, 1, h.timers.fire(tuning.MaxCallDuration))
	h.w.Drain()

	c, _ = h.w.Call(id)
	assert.Equal(t, calls.StateEnded, c.State)
	assert.Equal(t, calls.OutcomeConnected, c.Outcome)
	assert.Equal(t, agents.StatusWrapup, h.agentStatus(t, "a1"))
	assert.Equal(t, 0, h.slots.InUse("c1"))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.CallsExpired.WithLabelValues("c1", "lifetime")))
}

func TestSweepOrphansClosesRowsNobodyTracks(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, agents.Agent{ID: "a1", Extension: "PJSIP/1001"})
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	h.w.clock = func() time.Time { return now }

	// Rows a crashed process left open, one of them bridged to a1.
	lost := now.Add(-tuning.MaxCallDuration - orphanMargin - time.Minute)
	require.NoError(t, h.calls.Insert(ctx, calls.Call{ID: "lost-1", CampaignID: "c1", AgentID: "a1", State: calls.StateBridged, Outcome: calls.OutcomeConnected, OriginatedAt: lost}))
	require.NoError(t, h.calls.Insert(ctx, calls.Call{ID: "lost-2", CampaignID: "c1", State: calls.StateRinging, OriginatedAt: lost}))
	_, err := h.agents.AssignCall(ctx, "a1", "lost-1", "c1")
	require.NoError(t, err)

	// A call this worker is still following.
	id, _ := h.dial(t, "l1")

	n, err := h.w.SweepOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	active, err := h.calls.Active(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, active.Live)
	assert.Equal(t, agents.StatusWrapup, h.agentStatus(t, "a1"))
	c, err := h.w.Call(id)
	require.NoError(t, err)
	assert.Equal(t, calls.StateInitiated, c.State)
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.OrphanCallsEnded))

	n, err = h.w.SweepOrphans(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
