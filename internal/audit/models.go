package audit

import "time"

// Event is an immutable, append-only record of an operational decision the dialer made
// on its own (a dial level change, a forced logout, an automatic disposition).
//
// Invariants:
// - Events are never updated or deleted.
// - Audit is best-effort; callers never block call handling on audit failures.
type Event struct {
	ID   string    `json:"id" db:"id"`
	Type EventType `json:"type" db:"type"`

	// Actor is "system" for automatic actions, or the operator's user id.
	Actor string `json:"actor" db:"actor"`

	CampaignID string `json:"campaign_id,omitempty" db:"campaign_id"`
	AgentID    string `json:"agent_id,omitempty" db:"agent_id"`
	CallID     string `json:"call_id,omitempty" db:"call_id"`

	Message string `json:"message,omitempty" db:"message"`
	// Metadata is optional JSON with full details.
	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventDialLevelChanged   EventType = "dial_level_changed"
	EventAgentForcedOffline EventType = "agent_forced_offline"
	EventAutoDisposition    EventType = "auto_disposition"
	EventCampaignControl    EventType = "campaign_control"
)

const ActorSystem = "system"
