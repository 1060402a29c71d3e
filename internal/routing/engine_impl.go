package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"outbound-dialer/internal/agents"
	"outbound-dialer/internal/telephony"
)

// AgentSelector is the default Selector.
//
// Priority:
//  1. An available agent whose persistent bridge is ready: the customer joins it.
//  2. The longest-idle available agent: a bridge is created, the customer joins it and
//     an agent leg is originated into it.
//
// Each candidate is reserved before any command is issued and released on failure.
type AgentSelector struct {
	Agents   AgentDirectory
	Reserver Reserver
	Commands telephony.Commander

	// AgentLegTimeout is the ring timeout of a fresh agent leg.
	AgentLegTimeout time.Duration
	// MaxFreshAttempts bounds how many fresh legs one call may try.
	MaxFreshAttempts int

	Log *slog.Logger
	// NewID yields bridge and channel ids; tests pin it.
	NewID func() string
}

func NewAgentSelector(dir AgentDirectory, res Reserver, cmd telephony.Commander, agentLegTimeout time.Duration, log *slog.Logger) *AgentSelector {
	if log == nil {
		log = slog.Default()
	}
	return &AgentSelector{
		Agents:           dir,
		Reserver:         res,
		Commands:         cmd,
		AgentLegTimeout:  agentLegTimeout,
		MaxFreshAttempts: 2,
		Log:              log,
		NewID:            uuid.NewString,
	}
}

func (s *AgentSelector) Select(ctx context.Context, req Request) (Assignment, error) {
	if req.CallID == "" || req.CampaignID == "" || req.CustomerChannelID == "" {
		return Assignment{}, errors.New("routing: call, campaign and customer channel are required")
	}
	log := s.Log.With("call_id", req.CallID, "campaign_id", req.CampaignID)
	tried := map[string]bool{}

	warm, err := s.Agents.ListReadyBridges(ctx, req.CampaignID)
	if err != nil {
		log.Warn("list ready bridges failed", "err", err)
	}
	for _, ag := range warm {
		tried[ag.ID] = true
		a, err := s.tryWarm(ctx, req, ag)
		if err == nil {
			return a, nil
		}
		log.Info("warm bridge candidate failed", "agent_id", ag.ID, "err", err)
	}

	avail, err := s.Agents.ListAvailable(ctx, req.CampaignID)
	if err != nil {
		return Assignment{}, fmt.Errorf("%w: %v", ErrNoAgent, err)
	}
	attempts := 0
	for _, ag := range avail {
		if tried[ag.ID] || ag.Extension == "" {
			continue
		}
		if s.MaxFreshAttempts > 0 && attempts >= s.MaxFreshAttempts {
			break
		}
		tried[ag.ID] = true
		attempts++
		a, err := s.tryFresh(ctx, req, ag)
		if err == nil {
			return a, nil
		}
		log.Info("fresh leg candidate failed", "agent_id", ag.ID, "err", err)
	}
	return Assignment{}, ErrNoAgent
}

func (s *AgentSelector) reserve(ctx context.Context, agentID, token string) error {
	ok, err := s.Reserver.Reserve(ctx, agentID, token)
	if err != nil {
		return fmt.Errorf("reserve: %w", err)
	}
	if !ok {
		return errors.New("reserved by another call")
	}
	return nil
}

func (s *AgentSelector) tryWarm(ctx context.Context, req Request, ag agents.Agent) (Assignment, error) {
	if err := s.reserve(ctx, ag.ID, req.CallID); err != nil {
		return Assignment{}, err
	}
	a := Assignment{Path: PathWarmBridge, AgentID: ag.ID, BridgeID: ag.BridgeID, Token: req.CallID}

	if err := s.Commands.AddChannel(ctx, ag.BridgeID, req.CustomerChannelID); err != nil {
		s.Abandon(ctx, a)
		return Assignment{}, fmt.Errorf("add customer to bridge: %w", err)
	}
	if _, err := s.Agents.AssignCall(ctx, ag.ID, req.CallID, req.CampaignID); err != nil {
		if rmErr := s.Commands.RemoveChannel(ctx, ag.BridgeID, req.CustomerChannelID); rmErr != nil {
			s.Log.Warn("remove customer from bridge failed", "bridge_id", ag.BridgeID, "err", rmErr)
		}
		s.Abandon(ctx, a)
		return Assignment{}, fmt.Errorf("assign: %w", err)
	}
	s.release(ctx, a)
	return a, nil
}

func (s *AgentSelector) tryFresh(ctx context.Context, req Request, ag agents.Agent) (Assignment, error) {
	if err := s.reserve(ctx, ag.ID, req.CallID); err != nil {
		return Assignment{}, err
	}
	a := Assignment{Path: PathFreshLeg, AgentID: ag.ID, Token: req.CallID}

	bridgeID, err := s.Commands.CreateBridge(ctx, s.NewID())
	if err != nil {
		s.Abandon(ctx, a)
		return Assignment{}, fmt.Errorf("create bridge: %w", err)
	}
	a.BridgeID = bridgeID
	a.OwnsBridge = true

	if err := s.Commands.AddChannel(ctx, bridgeID, req.CustomerChannelID); err != nil {
		s.Abandon(ctx, a)
		return Assignment{}, fmt.Errorf("add customer to bridge: %w", err)
	}

	// Set before originating so a timed-out attempt is still hung up on abandon.
	a.AgentChannelID = s.NewID()
	if req.OnAgentLeg != nil {
		req.OnAgentLeg(a.AgentChannelID)
	}
	chID, err := s.Commands.Originate(ctx, telephony.OriginateRequest{
		ChannelID: a.AgentChannelID,
		Endpoint:  ag.Extension,
		CallerID:  req.CallerID,
		Timeout:   s.AgentLegTimeout,
		Vars: telephony.Vars{
			CallType:   telephony.CallTypeAgentLeg,
			CallID:     req.CallID,
			CampaignID: req.CampaignID,
			AgentID:    ag.ID,
			BridgeID:   bridgeID,
		},
	})
	if err != nil {
		s.Abandon(ctx, a)
		return Assignment{}, fmt.Errorf("originate agent leg: %w", err)
	}
	a.AgentChannelID = chID
	return a, nil
}

// Confirm joins the answered agent leg to the bridge and marks the agent busy.
// On failure the assignment is abandoned.
func (s *AgentSelector) Confirm(ctx context.Context, req Request, a Assignment) error {
	if !a.Pending() {
		return nil
	}
	if err := s.Commands.AddChannel(ctx, a.BridgeID, a.AgentChannelID); err != nil {
		s.Abandon(ctx, a)
		return fmt.Errorf("add agent to bridge: %w", err)
	}
	if _, err := s.Agents.AssignCall(ctx, a.AgentID, req.CallID, req.CampaignID); err != nil {
		s.Abandon(ctx, a)
		return fmt.Errorf("assign: %w", err)
	}
	s.release(ctx, a)
	return nil
}

// Abandon hangs up a fresh agent leg, destroys a bridge made for the call and frees
// the reservation. Every step is best effort.
func (s *AgentSelector) Abandon(ctx context.Context, a Assignment) {
	if a.AgentChannelID != "" {
		if err := s.Commands.Hangup(ctx, a.AgentChannelID); err != nil && !errors.Is(err, telephony.ErrNotFound) {
			s.Log.Warn("hangup agent leg failed", "channel_id", a.AgentChannelID, "err", err)
		}
	}
	if a.OwnsBridge && a.BridgeID != "" {
		if err := s.Commands.DestroyBridge(ctx, a.BridgeID); err != nil && !errors.Is(err, telephony.ErrNotFound) {
			s.Log.Warn("destroy bridge failed", "bridge_id", a.BridgeID, "err", err)
		}
	}
	s.release(ctx, a)
}

func (s *AgentSelector) release(ctx context.Context, a Assignment) {
	if a.Token == "" {
		return
	}
	if err := s.Reserver.Release(ctx, a.AgentID, a.Token); err != nil {
		s.Log.Warn("release agent reservation failed", "agent_id", a.AgentID, "err", err)
	}
}
