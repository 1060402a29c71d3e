package agents

import "time"

type Status string

const (
	StatusOffline   Status = "offline"
	StatusAvailable Status = "available"
	StatusBusy      Status = "busy"
	StatusWrapup    Status = "wrapup"
	StatusBreak     Status = "break"
	StatusLunch     Status = "lunch"
	StatusTraining  Status = "training"
	StatusMeeting   Status = "meeting"
)

func (s Status) Valid() bool {
	switch s {
	case StatusOffline, StatusAvailable, StatusBusy, StatusWrapup,
		StatusBreak, StatusLunch, StatusTraining, StatusMeeting:
		return true
	}
	return false
}

// Paused reports whether the status is one of the logged-in, not-taking-calls states.
func (s Status) Paused() bool {
	switch s {
	case StatusBreak, StatusLunch, StatusTraining, StatusMeeting:
		return true
	}
	return false
}

// Agent is the live state of one agent. Agent identity and extension
// provisioning are owned by the admin side; this core only mutates runtime columns.
type Agent struct {
	ID string `json:"id" db:"id"`
	// Extension is the agent's softphone endpoint ("PJSIP/1001").
	Extension string `json:"extension" db:"extension"`

	Status             Status `json:"status" db:"status"`
	CampaignID         string `json:"current_campaign_id,omitempty" db:"current_campaign_id"`
	CurrentCallID      string `json:"current_call_id,omitempty" db:"current_call_id"`
	DispositionPending bool   `json:"disposition_pending" db:"disposition_pending"`

	StatusSince   time.Time `json:"status_since" db:"status_since"`
	LastHeartbeat time.Time `json:"last_heartbeat" db:"last_heartbeat"`

	// BridgeID is the agent's persistent bridge; BridgeReady is set while the agent's
	// own channel sits in it waiting for customers.
	BridgeID    string `json:"bridge_id,omitempty" db:"bridge_id"`
	BridgeReady bool   `json:"bridge_ready" db:"bridge_ready"`
}

// TimeLogEntry is one interval of an agent in one status. EndedAt nil means the agent
// is still in that status; at most one such entry exists per agent.
type TimeLogEntry struct {
	ID         string        `json:"id" db:"id"`
	AgentID    string        `json:"agent_id" db:"agent_id"`
	Status     Status        `json:"status" db:"status"`
	CampaignID string        `json:"campaign_id,omitempty" db:"campaign_id"`
	StartedAt  time.Time     `json:"started_at" db:"started_at"`
	EndedAt    *time.Time    `json:"ended_at,omitempty" db:"ended_at"`
	Duration   time.Duration `json:"duration" db:"duration_seconds"`
}

// Counts is the agent population of a campaign by status.
type Counts struct {
	Available int `json:"available"`
	Busy      int `json:"busy"`
	Wrapup    int `json:"wrapup"`
	Paused    int `json:"paused"`
	Offline   int `json:"offline"`
}

func (c *Counts) add(s Status, n int) {
	switch {
	case s == StatusAvailable:
		c.Available += n
	case s == StatusBusy:
		c.Busy += n
	case s == StatusWrapup:
		c.Wrapup += n
	case s.Paused():
		c.Paused += n
	default:
		c.Offline += n
	}
}
