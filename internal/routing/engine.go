package routing

import (
	"context"
	"errors"

	"outbound-dialer/internal/agents"
)

// ErrNoAgent means no agent could take the call. The caller drops it.
var ErrNoAgent = errors.New("routing: no agent available")

// Selector pairs an answered customer leg with an agent.
//
// Rules:
//   - Warm bridges first, then fresh agent legs, with the same failure policy for both:
//     a candidate that fails at any step is released and the next one is tried.
//   - Never retries a candidate within one call and never blocks on the agent leg.
//   - Returns ErrNoAgent when every candidate fails; it does not drop the call itself.
type Selector interface {
	Select(ctx context.Context, req Request) (Assignment, error)
	// Confirm finishes a pending fresh-leg assignment once the agent leg is up.
	Confirm(ctx context.Context, req Request, a Assignment) error
	// Abandon undoes an assignment that did not complete.
	Abandon(ctx context.Context, a Assignment)
}

// Request describes the answered customer leg.
type Request struct {
	CallID            string
	CampaignID        string
	CustomerChannelID string
	// CallerID shown to the agent on a fresh leg, usually the customer's number.
	CallerID string
	// OnAgentLeg, when set, gets the agent leg's channel id before it is originated,
	// so its first event can already be matched to the call.
	OnAgentLeg func(channelID string)
}

// AgentDirectory is what selection needs from the agent status machine.
type AgentDirectory interface {
	ListReadyBridges(ctx context.Context, campaignID string) ([]agents.Agent, error)
	ListAvailable(ctx context.Context, campaignID string) ([]agents.Agent, error)
	AssignCall(ctx context.Context, id, callID, campaignID string) (agents.Agent, error)
}

// Reserver holds a short exclusive claim on an agent between selection and the busy
// transition, so two answered calls cannot pick the same agent.
type Reserver interface {
	Reserve(ctx context.Context, agentID, token string) (bool, error)
	Release(ctx context.Context, agentID, token string) error
}
