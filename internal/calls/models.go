package calls

import "time"

// Call is one logical outbound call: a customer leg and at most one agent leg.
//
// Transitions are conditional ("set to X if currently in a valid predecessor"), so a
// duplicated platform event never moves a call backwards.
type Call struct {
	ID         string `json:"id" db:"id"`
	CampaignID string `json:"campaign_id" db:"campaign_id"`
	LeadID     string `json:"lead_id" db:"lead_id"`
	// PhoneNumber is the dialed customer number.
	PhoneNumber string `json:"phone_number" db:"phone_number"`

	CustomerChannelID string `json:"customer_channel_id" db:"customer_channel_id"`
	AgentChannelID    string `json:"agent_channel_id,omitempty" db:"agent_channel_id"`
	BridgeID          string `json:"bridge_id,omitempty" db:"bridge_id"`
	AgentID           string `json:"agent_id,omitempty" db:"agent_id"`

	State       State   `json:"state" db:"state"`
	Outcome     Outcome `json:"outcome,omitempty" db:"outcome"`
	AMDVerdict  string  `json:"amd_verdict,omitempty" db:"amd_verdict"`
	HangupCause int     `json:"hangup_cause,omitempty" db:"hangup_cause"`
	Disposition string  `json:"disposition,omitempty" db:"disposition"`

	OriginatedAt time.Time `json:"originated_at" db:"originated_at"`
	AnsweredAt   time.Time `json:"answered_at,omitempty" db:"answered_at"`
	BridgedAt    time.Time `json:"bridged_at,omitempty" db:"bridged_at"`
	EndedAt      time.Time `json:"ended_at,omitempty" db:"ended_at"`
}

type State string

const (
	StateInitiated State = "initiated"
	StateRinging   State = "ringing"
	StateAnswered  State = "answered"
	StateBridged   State = "bridged"
	StateDropped   State = "dropped"
	StateEnded     State = "ended"
)

var stateFrom = map[State][]State{
	StateRinging:  {StateInitiated},
	StateAnswered: {StateInitiated, StateRinging},
	StateBridged:  {StateAnswered},
	StateDropped:  {StateInitiated, StateRinging, StateAnswered},
	StateEnded:    {StateInitiated, StateRinging, StateAnswered, StateBridged, StateDropped},
}

// Advance moves the call to next when the current state allows it and reports
// whether anything changed.
func (c *Call) Advance(next State) bool {
	for _, s := range stateFrom[next] {
		if c.State == s {
			c.State = next
			return true
		}
	}
	return false
}

// Live reports whether the call still occupies capacity.
func (c Call) Live() bool { return c.State != StateEnded }

// Outcome is the final business result of a call.
type Outcome string

const (
	OutcomeConnected  Outcome = "connected"
	OutcomeDropped    Outcome = "dropped"
	OutcomeMachine    Outcome = "machine"
	OutcomeNoAnswer   Outcome = "no_answer"
	OutcomeBusy       Outcome = "busy"
	OutcomeCongestion Outcome = "congestion"
	OutcomeFailed     Outcome = "failed"
)

// LegRole tells which side of the call a channel carries.
type LegRole string

const (
	RoleCustomer LegRole = "customer"
	RoleAgent    LegRole = "agent"
)

type LegState string

const (
	LegRinging LegState = "ringing"
	LegUp      LegState = "up"
	LegBridged LegState = "bridged"
	LegEnded   LegState = "ended"
)

var legFrom = map[LegState][]LegState{
	LegUp:      {LegRinging},
	LegBridged: {LegRinging, LegUp},
	LegEnded:   {LegRinging, LegUp, LegBridged},
}

// CallLeg is one platform channel of a call.
type CallLeg struct {
	ChannelID  string   `json:"channel_id"`
	Role       LegRole  `json:"role"`
	CallID     string   `json:"call_id"`
	CampaignID string   `json:"campaign_id"`
	LeadID     string   `json:"lead_id,omitempty"`
	BridgeID   string   `json:"bridge_id,omitempty"`
	State      LegState `json:"state"`
}

func (l *CallLeg) Advance(next LegState) bool {
	for _, s := range legFrom[next] {
		if l.State == s {
			l.State = next
			return true
		}
	}
	return false
}

// WindowStats aggregates a campaign's calls originated in a trailing window.
type WindowStats struct {
	// Finished counts calls that reached a final outcome.
	Finished int
	Answered int
	Dropped  int
	Machine  int
	AvgTalk  time.Duration
	AvgRing  time.Duration
}

// Empty reports whether the window has no finished calls to learn from.
func (w WindowStats) Empty() bool { return w.Finished == 0 }

// AnswerRate is answered / finished as a fraction.
func (w WindowStats) AnswerRate() float64 {
	if w.Finished == 0 {
		return 0
	}
	return float64(w.Answered) / float64(w.Finished)
}

// AMDRate is machine / answered as a fraction.
func (w WindowStats) AMDRate() float64 {
	if w.Answered == 0 {
		return 0
	}
	return float64(w.Machine) / float64(w.Answered)
}

// DropRate is dropped / answered as a percentage.
func (w WindowStats) DropRate() float64 {
	answered := w.Answered
	if answered < 1 {
		answered = 1
	}
	return float64(w.Dropped) / float64(answered) * 100
}

// ActiveCounts is the live load of a campaign.
type ActiveCounts struct {
	// InProgress counts originated calls not yet answered.
	InProgress int
	// Queued counts answered calls still waiting for an agent.
	Queued int
	// Live counts every call still holding a line, bridged calls included.
	Live int
}
