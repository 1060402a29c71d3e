package telephony

import (
	"errors"
	"fmt"
	"strings"
)

// CallType tells the event worker which role a channel plays.
type CallType string

const (
	// CallTypeCustomer is an outbound customer leg placed by the dialer.
	CallTypeCustomer CallType = "autodial"
	// CallTypeAgentLeg is an agent leg originated to pick up one answered customer.
	CallTypeAgentLeg CallType = "agent_leg"
	// CallTypeAgentConnect is an agent's own channel joining its persistent bridge.
	CallTypeAgentConnect CallType = "agent_connect"
)

func (t CallType) Valid() bool {
	switch t {
	case CallTypeCustomer, CallTypeAgentLeg, CallTypeAgentConnect:
		return true
	}
	return false
}

// Channel variable names as set on originate and read back from events.
const (
	VarCallType    = "CALL_TYPE"
	VarCallID      = "CALL_ID"
	VarCampaignID  = "CAMPAIGN_ID"
	VarLeadID      = "LEAD_ID"
	VarAgentID     = "AGENT_ID"
	VarBridgeID    = "BRIDGE_ID"
	VarPhoneNumber = "CUSTOMER_NUMBER"

	VarAMDStatus = "AMDSTATUS"
	VarAMDCause  = "AMDCAUSE"
)

var ErrInvalidVars = errors.New("telephony: invalid channel variables")

// Vars is the typed form of the variables the dialer attaches to its channels.
// Anything else the platform reports is ignored at decode time.
type Vars struct {
	CallType    CallType `json:"call_type,omitempty"`
	CallID      string   `json:"call_id,omitempty"`
	CampaignID  string   `json:"campaign_id,omitempty"`
	LeadID      string   `json:"lead_id,omitempty"`
	AgentID     string   `json:"agent_id,omitempty"`
	BridgeID    string   `json:"bridge_id,omitempty"`
	PhoneNumber string   `json:"phone_number,omitempty"`
}

func (v Vars) Empty() bool { return v == Vars{} }

// ParseVars builds Vars from a raw variable map. Unknown keys are dropped; a call type
// the dialer never sets, or a call type missing the ids it requires, is rejected.
func ParseVars(raw map[string]string) (Vars, error) {
	get := func(k string) string { return strings.TrimSpace(raw[k]) }
	v := Vars{
		CallType:    CallType(strings.ToLower(get(VarCallType))),
		CallID:      get(VarCallID),
		CampaignID:  get(VarCampaignID),
		LeadID:      get(VarLeadID),
		AgentID:     get(VarAgentID),
		BridgeID:    get(VarBridgeID),
		PhoneNumber: get(VarPhoneNumber),
	}
	if v.CallType == "" {
		if v.Empty() {
			return Vars{}, nil
		}
		return Vars{}, fmt.Errorf("%w: missing %s", ErrInvalidVars, VarCallType)
	}
	if !v.CallType.Valid() {
		return Vars{}, fmt.Errorf("%w: unknown call type %q", ErrInvalidVars, v.CallType)
	}
	switch v.CallType {
	case CallTypeCustomer:
		if v.CallID == "" || v.CampaignID == "" || v.LeadID == "" {
			return Vars{}, fmt.Errorf("%w: customer leg needs call, campaign and lead ids", ErrInvalidVars)
		}
	case CallTypeAgentLeg:
		if v.CallID == "" || v.AgentID == "" {
			return Vars{}, fmt.Errorf("%w: agent leg needs call and agent ids", ErrInvalidVars)
		}
	case CallTypeAgentConnect:
		if v.AgentID == "" || v.BridgeID == "" {
			return Vars{}, fmt.Errorf("%w: agent connect needs agent and bridge ids", ErrInvalidVars)
		}
	}
	return v, nil
}

// Map renders the non-empty fields as platform channel variables.
func (v Vars) Map() map[string]string {
	m := make(map[string]string, 7)
	put := func(k, val string) {
		if val != "" {
			m[k] = val
		}
	}
	put(VarCallType, string(v.CallType))
	put(VarCallID, v.CallID)
	put(VarCampaignID, v.CampaignID)
	put(VarLeadID, v.LeadID)
	put(VarAgentID, v.AgentID)
	put(VarBridgeID, v.BridgeID)
	put(VarPhoneNumber, v.PhoneNumber)
	return m
}
