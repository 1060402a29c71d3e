package callflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

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

var (
	// ErrNoCapacity means the campaign is at max_concurrent; the lease was handed back.
	ErrNoCapacity = errors.New("callflow: campaign at max concurrent calls")
	// ErrUnknownCall is returned for ids the worker does not track.
	ErrUnknownCall = errors.New("callflow: unknown call")
)

// Synthetic events raised by the worker's own timers. They go through the same
// per-call queue as platform events.
const (
	EventAMDWaitExpired  telephony.EventType = "dialer.AMDWaitExpired"
	EventAgentLegTimeout telephony.EventType = "dialer.AgentLegTimeout"
	EventRingExpired     telephony.EventType = "dialer.RingExpired"
	EventCallExpired     telephony.EventType = "dialer.CallExpired"
	eventPurge           telephony.EventType = "dialer.Purge"
)

// LeadRecorder writes dial attempts and outcomes back to the lead table.
type LeadRecorder interface {
	MarkDialed(ctx context.Context, campaignID, leadID string, at time.Time) error
	SetOutcome(ctx context.Context, campaignID, leadID string, status leads.Status) error
}

// AgentEvents is the part of the agent status machine driven by call events.
type AgentEvents interface {
	EndCall(ctx context.Context, id, callID string) (agents.Agent, error)
	SetBridge(ctx context.Context, id, bridgeID string, ready bool) (agents.Agent, error)
	EndpointChanged(ctx context.Context, extension string, online bool) (agents.Agent, error)
}

type Deps struct {
	Hopper   hopper.Store
	Calls    calls.Repository
	Leads    LeadRecorder
	Agents   AgentEvents
	Selector routing.Selector
	Commands telephony.Commander
	Slots    Slots
	Notifier reporting.Notifier
}

// Worker is the call/bridge state machine. Handle must only be called for one call at
// a time; Dispatch takes care of that for live traffic.
type Worker struct {
	deps    Deps
	tuning  config.CallTuning
	log     *slog.Logger
	metrics *metrics.Metrics

	table  *table
	serial *serializer
	clock  func() time.Time
	newID  func() string
	after  func(d time.Duration, fn func()) (stop func())
	// base holds the context timer-driven work runs under.
	base atomic.Pointer[context.Context]
}

func NewWorker(deps Deps, tuning config.CallTuning, log *slog.Logger, m *metrics.Metrics) *Worker {
	if log == nil {
		log = slog.Default()
	}
	if deps.Notifier == nil {
		deps.Notifier = reporting.Nop{}
	}
	if deps.Slots == nil {
		deps.Slots = NewMemorySlots()
	}
	w := &Worker{
		deps:    deps,
		tuning:  tuning,
		log:     log,
		metrics: m,
		table:   newTable(),
		serial:  newSerializer(),
		clock:   time.Now,
		newID:   uuid.NewString,
		after: func(d time.Duration, fn func()) func() {
			t := time.AfterFunc(d, fn)
			return func() { t.Stop() }
		},
	}
	w.setBase(context.Background())
	return w
}

func (w *Worker) setBase(ctx context.Context) { w.base.Store(&ctx) }

func (w *Worker) baseCtx() context.Context { return *w.base.Load() }

// Dial is one customer call to place.
type Dial struct {
	Campaign      campaigns.Campaign
	Lease         hopper.LeadLease
	MaxConcurrent int
}

// Originate places the customer leg for a leased lead and returns the call id. The
// call is registered before the command goes out so early events find it.
func (w *Worker) Originate(ctx context.Context, d Dial) (string, error) {
	cid := d.Campaign.ID
	if cid == "" || d.Lease.LeadID == "" || d.Lease.CampaignID != cid {
		return "", fmt.Errorf("callflow: invalid dial request")
	}
	log := w.log.With("campaign_id", cid, "lead_id", d.Lease.LeadID)

	if d.MaxConcurrent > 0 {
		ok, err := w.deps.Slots.Acquire(ctx, cid, d.MaxConcurrent)
		if err != nil || !ok {
			if _, rerr := w.deps.Hopper.Release(ctx, d.Lease); rerr != nil {
				log.Warn("release lease failed", "err", rerr)
			}
			if err != nil {
				return "", fmt.Errorf("acquire slot: %w", err)
			}
			return "", ErrNoCapacity
		}
	}

	now := w.clock().UTC()
	lc := &liveCall{
		call: calls.Call{
			ID:                w.newID(),
			CampaignID:        cid,
			LeadID:            d.Lease.LeadID,
			PhoneNumber:       d.Lease.PhoneNumber,
			CustomerChannelID: w.newID(),
			State:             calls.StateInitiated,
			OriginatedAt:      now,
		},
		campaign: d.Campaign,
		lease:    d.Lease,
		slotHeld: d.MaxConcurrent > 0,
	}
	lc.customer = calls.CallLeg{
		ChannelID:  lc.call.CustomerChannelID,
		Role:       calls.RoleCustomer,
		CallID:     lc.call.ID,
		CampaignID: cid,
		LeadID:     d.Lease.LeadID,
		State:      calls.LegRinging,
	}
	log = log.With("call_id", lc.call.ID, "channel_id", lc.customer.ChannelID)

	var err error
	w.serial.Do(lc.call.ID, func() {
		if ierr := w.deps.Calls.Insert(ctx, lc.call); ierr != nil {
			log.Warn("insert call record failed", "err", ierr)
		}
		w.table.add(lc)
		if merr := w.deps.Leads.MarkDialed(ctx, cid, d.Lease.LeadID, now); merr != nil {
			log.Warn("record dial attempt failed", "err", merr)
		}

		_, err = w.deps.Commands.Originate(ctx, telephony.OriginateRequest{
			ChannelID: lc.customer.ChannelID,
			Endpoint:  d.Campaign.Endpoint(d.Lease.PhoneNumber),
			CallerID:  d.Campaign.CallerID,
			Timeout:   w.tuning.RingTimeout,
			Vars: telephony.Vars{
				CallType:    telephony.CallTypeCustomer,
				CallID:      lc.call.ID,
				CampaignID:  cid,
				LeadID:      d.Lease.LeadID,
				PhoneNumber: d.Lease.PhoneNumber,
			},
		})
		if err != nil {
			w.metrics.IncOriginateFailure(cid)
			log.Warn("originate customer leg failed", "err", err)
			lc.call.Outcome = calls.OutcomeFailed
			w.finish(ctx, lc, 0)
			return
		}
		lc.originated = true
		w.metrics.IncOriginated(cid)
		w.markDialing(ctx, lc)
		if w.tuning.RingTimeout > 0 {
			w.schedule(lc, w.tuning.RingTimeout+w.tuning.RingGrace, telephony.Event{Type: EventRingExpired, ChannelID: lc.customer.ChannelID})
		}
		w.schedule(lc, w.tuning.MaxCallDuration, telephony.Event{Type: EventCallExpired, ChannelID: lc.customer.ChannelID})
		log.Debug("customer leg originated")
	})
	if err != nil {
		return "", err
	}
	return lc.call.ID, nil
}

// Dispatch queues an event behind earlier events of the same call.
func (w *Worker) Dispatch(ev telephony.Event) {
	w.serial.Go(w.keyFor(ev), func() { w.Handle(w.baseCtx(), ev) })
}

// Drain waits for every queued event to be handled.
func (w *Worker) Drain() { w.serial.Wait() }

func (w *Worker) keyFor(ev telephony.Event) string {
	if k := w.table.callKey(ev.ChannelID, ev.BridgeID); k != "" {
		return k
	}
	if ev.Vars.CallID != "" {
		return ev.Vars.CallID
	}
	if ev.Vars.AgentID != "" {
		return "agent:" + ev.Vars.AgentID
	}
	if ev.ChannelID != "" {
		return "channel:" + ev.ChannelID
	}
	if ev.BridgeID != "" {
		if agentID, ok := w.table.agentByBridge(ev.BridgeID); ok {
			return "agent:" + agentID
		}
		return "bridge:" + ev.BridgeID
	}
	return "endpoint:" + ev.Endpoint.Name()
}

// orphanMargin is added to MaxCallDuration before an open call row counts as orphaned,
// so a lifetime timer that is a little late still wins.
const orphanMargin = 5 * time.Minute

// SweepOrphans closes call rows no process is tracking any more: rows still open past
// MaxCallDuration, left behind by a crash or a lost destroy event. Their agents move
// on to wrap-up.
func (w *Worker) SweepOrphans(ctx context.Context) (int, error) {
	if w.tuning.MaxCallDuration <= 0 {
		return 0, nil
	}
	now := w.clock().UTC()
	ended, err := w.deps.Calls.EndOrphans(ctx, now.Add(-(w.tuning.MaxCallDuration + orphanMargin)), now)
	if err != nil {
		return 0, fmt.Errorf("end orphaned calls: %w", err)
	}
	for _, c := range ended {
		w.log.Warn("closed orphaned call record", "call_id", c.ID, "campaign_id", c.CampaignID, "agent_id", c.AgentID)
		if c.AgentID == "" {
			continue
		}
		if _, err := w.deps.Agents.EndCall(ctx, c.AgentID, c.ID); err != nil {
			w.log.Warn("agent end call failed", "agent_id", c.AgentID, "call_id", c.ID, "err", err)
		}
	}
	w.metrics.AddOrphanCallsEnded(len(ended))
	return len(ended), nil
}

// ActiveCalls is the number of calls the worker is tracking.
func (w *Worker) ActiveCalls() int { return w.table.size() }

// Call returns the current record of a tracked call.
func (w *Worker) Call(id string) (calls.Call, error) {
	lc, ok := w.table.get(id)
	if !ok {
		return calls.Call{}, ErrUnknownCall
	}
	return lc.call, nil
}

func (w *Worker) schedule(lc *liveCall, d time.Duration, ev telephony.Event) {
	if d <= 0 {
		return
	}
	stop := w.after(d, func() { w.serial.Go(lc.call.ID, func() { w.Handle(w.baseCtx(), ev) }) })
	lc.stopTimers = append(lc.stopTimers, stop)
}

func (w *Worker) save(ctx context.Context, lc *liveCall) {
	if err := w.deps.Calls.Update(ctx, lc.call); err != nil {
		w.log.Warn("update call record failed", "call_id", lc.call.ID, "err", err)
	}
}

func (w *Worker) notify(ctx context.Context, typ reporting.NotificationType, lc *liveCall, detail map[string]string) {
	w.deps.Notifier.Notify(ctx, reporting.Notification{
		Type:       typ,
		CampaignID: lc.call.CampaignID,
		AgentID:    lc.call.AgentID,
		CallID:     lc.call.ID,
		Status:     string(lc.call.State),
		Detail:     detail,
		At:         w.clock().UTC(),
	})
}
