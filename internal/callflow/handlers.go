package callflow

import (
	"context"
	"errors"

	"outbound-dialer/internal/agents"
	"outbound-dialer/internal/calls"
	"outbound-dialer/internal/campaigns"
	"outbound-dialer/internal/hopper"
	"outbound-dialer/internal/leads"
	"outbound-dialer/internal/reporting"
	"outbound-dialer/internal/routing"
	"outbound-dialer/internal/telephony"
)

// Drop reasons, used as the metric label.
const (
	dropNoAgent        = "no_agent"
	dropAgentTimeout   = "agent_timeout"
	dropAgentLegFailed = "agent_leg_failed"
	dropCustomerHangup = "customer_hangup"
)

// Q.850 causes recorded when the worker ends a call on its own timer.
const (
	causeNormalClearing = 16
	causeNoAnswer       = 19
)

// Handle applies one event. Every transition is conditional on the current state, so
// replaying an event is harmless. Events for unknown channels are logged and dropped.
func (w *Worker) Handle(ctx context.Context, ev telephony.Event) {
	switch ev.Type {
	case telephony.EventEndpointStateChange:
		w.onEndpoint(ctx, ev)
		return
	case telephony.EventBridgeCreated:
		w.log.Debug("bridge created", "bridge_id", ev.BridgeID)
		return
	case telephony.EventBridgeDestroyed:
		w.onBridgeDestroyed(ctx, ev)
		return
	}

	if ev.Type == telephony.EventStasisStart && ev.Vars.CallType == telephony.CallTypeAgentConnect {
		w.onAgentConnect(ctx, ev)
		return
	}
	if ac, ok := w.table.agentChannel(ev.ChannelID); ok {
		w.onAgentChannel(ctx, ev, ac)
		return
	}

	lc, role, ok := w.table.byChannel(ev.ChannelID)
	if !ok {
		w.metrics.IncEventDiscarded("unknown_channel")
		if ev.Type != telephony.EventChannelVarset {
			w.log.Debug("event for unknown channel", "type", ev.Type, "channel_id", ev.ChannelID)
		}
		return
	}
	if role == calls.RoleAgent {
		w.onAgentLegEvent(ctx, lc, ev)
		return
	}

	switch ev.Type {
	case telephony.EventStasisStart:
		lc.customer.Advance(calls.LegRinging)
		if lc.call.Advance(calls.StateRinging) {
			w.save(ctx, lc)
		}
		w.markDialing(ctx, lc)
		if ev.ChannelState == telephony.ChannelUp {
			w.onAnswer(ctx, lc)
		}
	case telephony.EventChannelStateChange:
		switch ev.ChannelState {
		case telephony.ChannelRinging:
			if lc.call.Advance(calls.StateRinging) {
				w.save(ctx, lc)
			}
		case telephony.ChannelUp:
			w.onAnswer(ctx, lc)
		}
	case telephony.EventChannelVarset:
		w.onVarset(ctx, lc, ev)
	case telephony.EventChannelEnteredBridge:
		lc.customer.BridgeID = ev.BridgeID
		lc.customer.Advance(calls.LegBridged)
	case telephony.EventPlaybackFinished:
		if lc.playbackID != "" && (ev.PlaybackID == "" || ev.PlaybackID == lc.playbackID) {
			lc.playbackID = ""
			w.hangup(ctx, lc.customer.ChannelID)
		}
	case EventAMDWaitExpired:
		if lc.awaitAMD && lc.call.State == calls.StateAnswered {
			lc.awaitAMD = false
			lc.verdict = telephony.VerdictNotSure
			lc.call.AMDVerdict = string(lc.verdict)
			w.log.Info("amd wait expired, treating as uncertain", "call_id", lc.call.ID)
			w.pair(ctx, lc)
		}
	case EventAgentLegTimeout:
		a := lc.assignment
		if a != nil && a.Pending() && a.AgentChannelID == ev.Value && lc.call.State == calls.StateAnswered {
			w.log.Info("agent leg did not answer in time", "call_id", lc.call.ID, "agent_id", a.AgentID)
			w.deps.Selector.Abandon(ctx, *a)
			lc.assignment = nil
			w.drop(ctx, lc, dropAgentTimeout)
		}
	case EventRingExpired:
		if lc.call.State == calls.StateInitiated || lc.call.State == calls.StateRinging {
			w.log.Warn("no answer or hangup seen past ring timeout, ending call", "call_id", lc.call.ID, "state", lc.call.State)
			w.expire(ctx, lc, "ring", causeNoAnswer)
		}
	case EventCallExpired:
		if lc.call.State != calls.StateEnded {
			w.log.Warn("call exceeded max duration, ending", "call_id", lc.call.ID, "state", lc.call.State)
			w.expire(ctx, lc, "lifetime", causeNormalClearing)
		}
	case eventPurge:
		w.table.remove(lc.call.ID)
	case telephony.EventChannelDestroyed:
		w.onCustomerGone(ctx, lc, ev)
	}
}

func (w *Worker) onAnswer(ctx context.Context, lc *liveCall) {
	if !lc.call.Advance(calls.StateAnswered) {
		return
	}
	lc.customer.Advance(calls.LegUp)
	lc.call.AnsweredAt = w.clock().UTC()
	w.save(ctx, lc)
	w.renew(ctx, lc)
	w.notify(ctx, reporting.TypeCallAnswered, lc, nil)

	if !lc.campaign.AMD.Enabled {
		w.pair(ctx, lc)
		return
	}
	if lc.verdict != "" {
		w.applyVerdict(ctx, lc)
		return
	}
	lc.awaitAMD = true
	w.schedule(lc, w.tuning.AMDWait, telephony.Event{Type: EventAMDWaitExpired, ChannelID: lc.customer.ChannelID})
}

func (w *Worker) onVarset(ctx context.Context, lc *liveCall, ev telephony.Event) {
	switch ev.Variable {
	case telephony.VarAMDCause:
		lc.amdCause = ev.Value
		return
	case telephony.VarAMDStatus:
		lc.amdStatus = ev.Value
	default:
		return
	}
	if lc.verdict != "" {
		return
	}
	lc.verdict = telephony.ParseVerdict(lc.amdStatus, lc.amdCause)
	lc.call.AMDVerdict = string(lc.verdict)
	if lc.call.State != calls.StateAnswered {
		// Applied once the answer arrives.
		return
	}
	if lc.awaitAMD {
		lc.awaitAMD = false
		w.applyVerdict(ctx, lc)
	}
}

func (w *Worker) applyVerdict(ctx context.Context, lc *liveCall) {
	switch {
	case lc.verdict.Machine():
		w.onMachine(ctx, lc)
	case lc.verdict.ReachesAgent():
		w.pair(ctx, lc)
	default:
		// A hangup verdict; the destroy event finishes the call.
		w.save(ctx, lc)
	}
}

// onMachine applies the campaign's machine action. The call never reaches an agent.
func (w *Worker) onMachine(ctx context.Context, lc *liveCall) {
	lc.call.Outcome = calls.OutcomeMachine
	w.save(ctx, lc)
	w.settle(ctx, lc, hopper.StateCompleted)
	w.metrics.IncMachine(lc.call.CampaignID, string(lc.verdict))
	w.notify(ctx, reporting.TypeCallMachine, lc, map[string]string{"verdict": string(lc.verdict)})

	ch := lc.customer.ChannelID
	policy := lc.campaign.AMD
	switch policy.Action {
	case campaigns.MachineMessage:
		if policy.MessageMedia != "" {
			lc.playbackID = w.newID()
			err := w.deps.Commands.Play(ctx, ch, lc.playbackID, policy.MessageMedia)
			if err == nil {
				return
			}
			w.log.Warn("play machine message failed", "call_id", lc.call.ID, "err", err)
			lc.playbackID = ""
		}
	case campaigns.MachineTransfer:
		if policy.TransferContext != "" && policy.TransferExtension != "" {
			err := w.deps.Commands.ContinueInDialplan(ctx, ch, policy.TransferContext, policy.TransferExtension)
			if err == nil {
				return
			}
			w.log.Warn("machine transfer failed", "call_id", lc.call.ID, "err", err)
		}
	}
	w.hangup(ctx, ch)
}

// pair finds an agent for an answered customer. No agent, or a failed agent leg, ends
// in a dropped call; nothing is retried.
func (w *Worker) pair(ctx context.Context, lc *liveCall) {
	if lc.assignment != nil || lc.call.State != calls.StateAnswered {
		return
	}
	req := w.routingRequest(lc)
	a, err := w.deps.Selector.Select(ctx, req)
	if err != nil {
		if !errors.Is(err, routing.ErrNoAgent) {
			w.log.Warn("agent selection failed", "call_id", lc.call.ID, "err", err)
		}
		w.drop(ctx, lc, dropNoAgent)
		return
	}
	lc.assignment = &a
	lc.call.AgentID = a.AgentID
	lc.call.BridgeID = a.BridgeID
	lc.call.AgentChannelID = a.AgentChannelID
	w.table.indexBridge(a.BridgeID, lc.call.ID)

	if a.Pending() {
		lc.agent = &calls.CallLeg{
			ChannelID:  a.AgentChannelID,
			Role:       calls.RoleAgent,
			CallID:     lc.call.ID,
			CampaignID: lc.call.CampaignID,
			BridgeID:   a.BridgeID,
			State:      calls.LegRinging,
		}
		w.save(ctx, lc)
		w.schedule(lc, w.tuning.AgentLegTimeout, telephony.Event{
			Type:      EventAgentLegTimeout,
			ChannelID: lc.customer.ChannelID,
			Value:     a.AgentChannelID,
		})
		return
	}
	w.bridged(ctx, lc)
}

func (w *Worker) routingRequest(lc *liveCall) routing.Request {
	return routing.Request{
		CallID:            lc.call.ID,
		CampaignID:        lc.call.CampaignID,
		CustomerChannelID: lc.customer.ChannelID,
		CallerID:          lc.call.PhoneNumber,
		OnAgentLeg: func(channelID string) {
			w.table.indexChannel(channelID, lc.call.ID, calls.RoleAgent)
		},
	}
}

func (w *Worker) bridged(ctx context.Context, lc *liveCall) {
	if !lc.call.Advance(calls.StateBridged) {
		return
	}
	a := lc.assignment
	lc.call.BridgedAt = w.clock().UTC()
	lc.call.Outcome = calls.OutcomeConnected
	lc.customer.Advance(calls.LegBridged)
	if lc.agent != nil {
		lc.agent.Advance(calls.LegBridged)
	}
	w.save(ctx, lc)
	w.settle(ctx, lc, hopper.StateCompleted)
	w.metrics.IncBridged(lc.call.CampaignID, string(a.Path))
	w.notify(ctx, reporting.TypeCallBridged, lc, map[string]string{"path": string(a.Path)})
	w.log.Info("call bridged", "call_id", lc.call.ID, "agent_id", a.AgentID, "path", a.Path)
}

// drop hangs up an answered customer that no agent took. The agent side is left alone.
func (w *Worker) drop(ctx context.Context, lc *liveCall, reason string) {
	if !lc.call.Advance(calls.StateDropped) {
		return
	}
	lc.awaitAMD = false
	lc.call.Outcome = calls.OutcomeDropped
	lc.call.AgentID = ""
	w.save(ctx, lc)
	if reason != dropCustomerHangup {
		w.hangup(ctx, lc.customer.ChannelID)
	}
	w.settle(ctx, lc, hopper.StateDropped)
	w.metrics.IncDropped(lc.call.CampaignID, reason)
	w.notify(ctx, reporting.TypeCallDropped, lc, map[string]string{"reason": reason})
	w.log.Warn("call dropped", "call_id", lc.call.ID, "campaign_id", lc.call.CampaignID, "reason", reason)
}

func (w *Worker) onAgentLegEvent(ctx context.Context, lc *liveCall, ev telephony.Event) {
	a := lc.assignment
	current := a != nil && a.AgentChannelID == ev.ChannelID
	switch ev.Type {
	case telephony.EventStasisStart, telephony.EventChannelStateChange:
		up := ev.ChannelState == telephony.ChannelUp
		if !current || !up || !a.Pending() || lc.call.State != calls.StateAnswered {
			return
		}
		if lc.agent != nil {
			lc.agent.Advance(calls.LegUp)
		}
		if err := w.deps.Selector.Confirm(ctx, w.routingRequest(lc), *a); err != nil {
			w.log.Warn("agent leg pairing failed", "call_id", lc.call.ID, "agent_id", a.AgentID, "err", err)
			lc.assignment = nil
			w.drop(ctx, lc, dropAgentLegFailed)
			return
		}
		a.Token = ""
		w.bridged(ctx, lc)
	case telephony.EventChannelEnteredBridge:
		if current && lc.agent != nil {
			lc.agent.Advance(calls.LegBridged)
		}
	case telephony.EventChannelDestroyed:
		if !current {
			return
		}
		if lc.agent != nil {
			lc.agent.Advance(calls.LegEnded)
		}
		switch lc.call.State {
		case calls.StateAnswered:
			// Rejected or unanswered agent leg.
			w.deps.Selector.Abandon(ctx, *a)
			lc.assignment = nil
			w.drop(ctx, lc, dropAgentLegFailed)
		case calls.StateBridged:
			w.endAgent(ctx, lc)
			w.hangup(ctx, lc.customer.ChannelID)
		}
	}
}

// onCustomerGone finishes a call once the customer channel is destroyed.
func (w *Worker) onCustomerGone(ctx context.Context, lc *liveCall, ev telephony.Event) {
	if lc.call.State == calls.StateEnded {
		return
	}
	lc.customer.Advance(calls.LegEnded)

	switch lc.call.State {
	case calls.StateInitiated, calls.StateRinging:
		lc.call.Outcome = outcomeFromCause(ev.Cause)
	case calls.StateAnswered:
		if lc.call.Outcome == "" {
			if a := lc.assignment; a != nil {
				w.deps.Selector.Abandon(ctx, *a)
				lc.assignment = nil
			}
			w.drop(ctx, lc, dropCustomerHangup)
		}
	case calls.StateBridged:
		a := lc.assignment
		if a != nil && a.Path == routing.PathFreshLeg && a.AgentChannelID != "" {
			w.hangup(ctx, a.AgentChannelID)
		}
		w.endAgent(ctx, lc)
	}
	w.finish(ctx, lc, ev.Cause)
}

// expire ends a call whose destroy event never arrived, as if the customer had hung up.
func (w *Worker) expire(ctx context.Context, lc *liveCall, stage string, cause int) {
	w.metrics.IncCallExpired(lc.call.CampaignID, stage)
	w.hangup(ctx, lc.customer.ChannelID)
	w.onCustomerGone(ctx, lc, telephony.Event{
		Type:      telephony.EventChannelDestroyed,
		ChannelID: lc.customer.ChannelID,
		Cause:     cause,
	})
}

func (w *Worker) endAgent(ctx context.Context, lc *liveCall) {
	if lc.call.AgentID == "" {
		return
	}
	if _, err := w.deps.Agents.EndCall(ctx, lc.call.AgentID, lc.call.ID); err != nil {
		w.log.Warn("agent end call failed", "agent_id", lc.call.AgentID, "call_id", lc.call.ID, "err", err)
	}
}

// finish ends the call record, settles anything still outstanding and frees the slot.
// The call stays indexed for a while so late duplicates are recognised.
func (w *Worker) finish(ctx context.Context, lc *liveCall, cause int) {
	lc.cancelTimers()
	lc.awaitAMD = false
	lc.call.Advance(calls.StateEnded)
	lc.call.EndedAt = w.clock().UTC()
	lc.call.HangupCause = cause
	w.save(ctx, lc)

	if a := lc.assignment; a != nil && a.OwnsBridge {
		if err := w.deps.Commands.DestroyBridge(ctx, a.BridgeID); err != nil && !errors.Is(err, telephony.ErrNotFound) {
			w.log.Warn("destroy bridge failed", "bridge_id", a.BridgeID, "err", err)
		}
	}
	switch lc.call.Outcome {
	case calls.OutcomeFailed, calls.OutcomeCongestion:
		w.settle(ctx, lc, hopper.StateFailed)
	default:
		w.settle(ctx, lc, hopper.StateCompleted)
	}
	if lc.slotHeld {
		lc.slotHeld = false
		if err := w.deps.Slots.Release(ctx, lc.call.CampaignID); err != nil {
			w.log.Warn("release slot failed", "campaign_id", lc.call.CampaignID, "err", err)
		}
	}
	w.notify(ctx, reporting.TypeCallEnded, lc, map[string]string{"outcome": string(lc.call.Outcome)})

	if !lc.originated || w.tuning.EndedRetention <= 0 {
		w.table.remove(lc.call.ID)
		return
	}
	w.schedule(lc, w.tuning.EndedRetention, telephony.Event{Type: eventPurge, ChannelID: lc.customer.ChannelID})
}

// settle moves the hopper lease to its final state and records the lead outcome once.
func (w *Worker) settle(ctx context.Context, lc *liveCall, final hopper.State) {
	if lc.settled {
		return
	}
	lc.settled = true
	var err error
	switch final {
	case hopper.StateCompleted:
		_, err = w.deps.Hopper.MarkCompleted(ctx, lc.lease)
	case hopper.StateDropped:
		_, err = w.deps.Hopper.MarkDropped(ctx, lc.lease)
	default:
		_, err = w.deps.Hopper.MarkFailed(ctx, lc.lease)
	}
	if err != nil && !errors.Is(err, hopper.ErrLeaseNotFound) {
		w.metrics.IncHopperError("settle")
		w.log.Warn("settle lease failed", "call_id", lc.call.ID, "state", final, "err", err)
	}
	status := leadStatus(lc.call.Outcome)
	if err := w.deps.Leads.SetOutcome(ctx, lc.call.CampaignID, lc.call.LeadID, status); err != nil {
		w.log.Warn("record lead outcome failed", "lead_id", lc.call.LeadID, "err", err)
	}
}

func (w *Worker) markDialing(ctx context.Context, lc *liveCall) {
	if lc.settled {
		return
	}
	if _, err := w.deps.Hopper.MarkDialing(ctx, lc.lease); err != nil && !errors.Is(err, hopper.ErrLeaseNotFound) {
		w.metrics.IncHopperError("mark_dialing")
		w.log.Warn("mark lease dialing failed", "call_id", lc.call.ID, "err", err)
	}
}

func (w *Worker) renew(ctx context.Context, lc *liveCall) {
	if lc.settled {
		return
	}
	if _, err := w.deps.Hopper.Renew(ctx, lc.lease); err != nil && !errors.Is(err, hopper.ErrLeaseNotFound) {
		w.metrics.IncHopperError("renew")
		w.log.Warn("renew lease failed", "call_id", lc.call.ID, "err", err)
	}
}

func (w *Worker) hangup(ctx context.Context, channelID string) {
	if err := w.deps.Commands.Hangup(ctx, channelID); err != nil && !errors.Is(err, telephony.ErrNotFound) {
		w.log.Warn("hangup failed", "channel_id", channelID, "err", err)
	}
}

// onAgentConnect parks an agent's own channel in its persistent bridge.
func (w *Worker) onAgentConnect(ctx context.Context, ev telephony.Event) {
	v := ev.Vars
	w.table.setAgentChannel(ev.ChannelID, agentChannel{agentID: v.AgentID, bridgeID: v.BridgeID})
	if _, err := w.deps.Commands.CreateBridge(ctx, v.BridgeID); err != nil {
		// Usually the bridge survived from an earlier session.
		w.log.Debug("create persistent bridge", "bridge_id", v.BridgeID, "err", err)
	}
	if err := w.deps.Commands.AddChannel(ctx, v.BridgeID, ev.ChannelID); err != nil {
		w.log.Warn("park agent channel failed", "agent_id", v.AgentID, "bridge_id", v.BridgeID, "err", err)
		return
	}
	if _, err := w.deps.Agents.SetBridge(ctx, v.AgentID, v.BridgeID, false); err != nil {
		w.log.Warn("record agent bridge failed", "agent_id", v.AgentID, "err", err)
	}
}

func (w *Worker) onAgentChannel(ctx context.Context, ev telephony.Event, ac agentChannel) {
	switch ev.Type {
	case telephony.EventChannelEnteredBridge:
		if ev.BridgeID == ac.bridgeID {
			w.setBridgeReady(ctx, ac, true)
		}
	case telephony.EventChannelLeftBridge:
		if ev.BridgeID == ac.bridgeID {
			w.setBridgeReady(ctx, ac, false)
		}
	case telephony.EventChannelDestroyed:
		w.table.dropAgentChannel(ev.ChannelID)
		w.setBridgeReady(ctx, ac, false)
	}
}

func (w *Worker) onBridgeDestroyed(ctx context.Context, ev telephony.Event) {
	agentID, ok := w.table.agentByBridge(ev.BridgeID)
	if !ok {
		return
	}
	w.table.dropAgentBridge(ev.BridgeID)
	w.setBridgeReady(ctx, agentChannel{agentID: agentID, bridgeID: ev.BridgeID}, false)
}

func (w *Worker) setBridgeReady(ctx context.Context, ac agentChannel, ready bool) {
	if _, err := w.deps.Agents.SetBridge(ctx, ac.agentID, ac.bridgeID, ready); err != nil {
		w.log.Warn("update agent bridge failed", "agent_id", ac.agentID, "ready", ready, "err", err)
	}
}

func (w *Worker) onEndpoint(ctx context.Context, ev telephony.Event) {
	online := ev.Endpoint.Online()
	_, err := w.deps.Agents.EndpointChanged(ctx, ev.Endpoint.Name(), online)
	switch {
	case err == nil:
	case errors.Is(err, agents.ErrNotFound):
	case errors.Is(err, agents.ErrDispositionPending), errors.Is(err, agents.ErrInvalidTransition):
		w.log.Info("endpoint change not applied", "endpoint", ev.Endpoint.Name(), "online", online, "reason", err)
	default:
		w.log.Warn("endpoint change failed", "endpoint", ev.Endpoint.Name(), "err", err)
	}
}

// outcomeFromCause maps the hangup cause of a never-answered call.
func outcomeFromCause(cause int) calls.Outcome {
	switch cause {
	case 17, 21:
		return calls.OutcomeBusy
	case 34, 38, 41, 42, 44:
		return calls.OutcomeCongestion
	case 1, 3, 22, 27, 28:
		return calls.OutcomeFailed
	}
	return calls.OutcomeNoAnswer
}

func leadStatus(o calls.Outcome) leads.Status {
	switch o {
	case calls.OutcomeConnected:
		return leads.StatusAnswered
	case calls.OutcomeDropped:
		return leads.StatusDropped
	case calls.OutcomeMachine:
		return leads.StatusMachine
	case calls.OutcomeBusy:
		return leads.StatusBusy
	case calls.OutcomeCongestion:
		return leads.StatusCongestion
	case calls.OutcomeFailed:
		return leads.StatusFailed
	}
	return leads.StatusNoAnswer
}
