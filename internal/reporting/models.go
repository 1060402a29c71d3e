package reporting

import "time"

// Notification is a best-effort, observational event for real-time subscribers
// (wallboards, supervisor consoles). Losing one never affects call handling.
type Notification struct {
	Type       NotificationType  `json:"type"`
	CampaignID string            `json:"campaign_id,omitempty"`
	AgentID    string            `json:"agent_id,omitempty"`
	CallID     string            `json:"call_id,omitempty"`
	Status     string            `json:"status,omitempty"`
	Detail     map[string]string `json:"detail,omitempty"`
	At         time.Time         `json:"at"`
}

type NotificationType string

const (
	TypeAgentStatus  NotificationType = "agent_status"
	TypeCallAnswered NotificationType = "call_answered"
	TypeCallBridged  NotificationType = "call_bridged"
	TypeCallDropped  NotificationType = "call_dropped"
	TypeCallMachine  NotificationType = "call_machine"
	TypeCallEnded    NotificationType = "call_ended"
	TypeDialLevel    NotificationType = "dial_level"
)
