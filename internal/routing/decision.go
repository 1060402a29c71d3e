package routing

// Assignment is the selector's output for one answered customer call.
//
// It holds only what the call worker needs to finish or undo the pairing. The agent
// is already marked busy for a warm bridge; a fresh leg is still ringing and must be
// confirmed or abandoned.
type Assignment struct {
	Path    Path   `json:"path"`
	AgentID string `json:"agent_id"`

	BridgeID string `json:"bridge_id"`
	// AgentChannelID is the pre-assigned id of the originated agent leg (fresh path).
	AgentChannelID string `json:"agent_channel_id,omitempty"`
	// OwnsBridge is set when the bridge was created for this call and must be torn
	// down with it. Persistent agent bridges are never destroyed by a call.
	OwnsBridge bool `json:"owns_bridge"`

	// Token is the reservation held on the agent until the pairing settles.
	Token string `json:"-"`
}

type Path string

const (
	PathWarmBridge Path = "warm_bridge"
	PathFreshLeg   Path = "fresh_leg"
)

// Pending reports whether the agent leg still has to answer.
func (a Assignment) Pending() bool { return a.Path == PathFreshLeg }
