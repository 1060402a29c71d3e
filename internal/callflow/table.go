package callflow

import (
	"sync"

	"outbound-dialer/internal/calls"
	"outbound-dialer/internal/campaigns"
	"outbound-dialer/internal/hopper"
	"outbound-dialer/internal/routing"
	"outbound-dialer/internal/telephony"
)

// liveCall is the worker's in-memory state for one call. Only handlers running under
// the call's serializer key touch it.
type liveCall struct {
	call     calls.Call
	campaign campaigns.Campaign
	lease    hopper.LeadLease
	customer calls.CallLeg
	agent    *calls.CallLeg

	assignment *routing.Assignment
	verdict    telephony.Verdict
	amdStatus  string
	amdCause   string
	awaitAMD   bool

	playbackID string
	originated bool
	slotHeld   bool
	settled    bool

	stopTimers []func()
}

func (lc *liveCall) cancelTimers() {
	for _, stop := range lc.stopTimers {
		stop()
	}
	lc.stopTimers = nil
}

type channelRef struct {
	callID string
	role   calls.LegRole
}

// agentChannel is an agent's own channel parked in its persistent bridge.
type agentChannel struct {
	agentID  string
	bridgeID string
}

// table indexes live calls by call id, channel id and call-owned bridge id.
type table struct {
	mu            sync.Mutex
	calls         map[string]*liveCall
	channels      map[string]channelRef
	bridges       map[string]string
	agentChannels map[string]agentChannel
	agentBridges  map[string]string
}

func newTable() *table {
	return &table{
		calls:         map[string]*liveCall{},
		channels:      map[string]channelRef{},
		bridges:       map[string]string{},
		agentChannels: map[string]agentChannel{},
		agentBridges:  map[string]string{},
	}
}

func (t *table) add(lc *liveCall) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls[lc.call.ID] = lc
	t.channels[lc.customer.ChannelID] = channelRef{callID: lc.call.ID, role: calls.RoleCustomer}
}

func (t *table) indexChannel(channelID, callID string, role calls.LegRole) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.channels[channelID] = channelRef{callID: callID, role: role}
}

func (t *table) indexBridge(bridgeID, callID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bridges[bridgeID] = callID
}

func (t *table) byChannel(channelID string) (*liveCall, calls.LegRole, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ref, ok := t.channels[channelID]
	if !ok {
		return nil, "", false
	}
	lc, ok := t.calls[ref.callID]
	return lc, ref.role, ok
}

func (t *table) byBridge(bridgeID string) (*liveCall, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.bridges[bridgeID]
	if !ok {
		return nil, false
	}
	lc, ok := t.calls[id]
	return lc, ok
}

func (t *table) get(callID string) (*liveCall, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	lc, ok := t.calls[callID]
	return lc, ok
}

// remove drops a call and every index entry pointing at it.
func (t *table) remove(callID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.calls, callID)
	for ch, ref := range t.channels {
		if ref.callID == callID {
			delete(t.channels, ch)
		}
	}
	for b, id := range t.bridges {
		if id == callID {
			delete(t.bridges, b)
		}
	}
}

// callKey resolves the serializer key of a channel or bridge, or "" when unknown.
func (t *table) callKey(channelID, bridgeID string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ref, ok := t.channels[channelID]; ok {
		return ref.callID
	}
	if id, ok := t.bridges[bridgeID]; ok {
		return id
	}
	return ""
}

func (t *table) setAgentChannel(channelID string, ac agentChannel) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.agentChannels[channelID] = ac
	t.agentBridges[ac.bridgeID] = ac.agentID
}

func (t *table) agentChannel(channelID string) (agentChannel, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ac, ok := t.agentChannels[channelID]
	return ac, ok
}

func (t *table) agentByBridge(bridgeID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.agentBridges[bridgeID]
	return id, ok
}

func (t *table) dropAgentChannel(channelID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.agentChannels, channelID)
}

func (t *table) dropAgentBridge(bridgeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.agentBridges, bridgeID)
	for ch, ac := range t.agentChannels {
		if ac.bridgeID == bridgeID {
			delete(t.agentChannels, ch)
		}
	}
}

func (t *table) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}
