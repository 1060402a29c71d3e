package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events.
// It is append-only; no Update/Delete methods exist.
type Repository interface {
	Append(ctx context.Context, e Event) error
}

type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s == nil || s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.Type == "" {
		return ErrInvalidEvent
	}
	if e.Actor == "" {
		e.Actor = ActorSystem
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}
	return s.repo.Append(ctx, e)
}

// LogDialLevelChange records a compliance adjustment with before/after values.
func (s *Service) LogDialLevelChange(ctx context.Context, campaignID string, before, after, dropRate float64) error {
	meta, _ := json.Marshal(map[string]float64{"before": before, "after": after, "drop_rate": dropRate})
	return s.Append(ctx, Event{
		Type:       EventDialLevelChanged,
		CampaignID: campaignID,
		Message:    fmt.Sprintf("dial level %.2f -> %.2f", before, after),
		Metadata:   string(meta),
	})
}

// LogForcedOffline records a watchdog logout of an agent whose client went silent.
func (s *Service) LogForcedOffline(ctx context.Context, agentID string, lastHeartbeat time.Time) error {
	meta, _ := json.Marshal(map[string]string{"last_heartbeat": lastHeartbeat.UTC().Format(time.RFC3339)})
	return s.Append(ctx, Event{
		Type:     EventAgentForcedOffline,
		AgentID:  agentID,
		Message:  "heartbeat timeout",
		Metadata: string(meta),
	})
}

// LogAutoDisposition records a disposition applied on the agent's behalf.
func (s *Service) LogAutoDisposition(ctx context.Context, agentID, campaignID, callID, disposition string) error {
	return s.Append(ctx, Event{
		Type:       EventAutoDisposition,
		AgentID:    agentID,
		CampaignID: campaignID,
		CallID:     callID,
		Message:    "auto-wrapup: " + disposition,
	})
}

// LogCampaignControl records an operator starting or stopping a campaign loop.
func (s *Service) LogCampaignControl(ctx context.Context, actor, campaignID, action string) error {
	return s.Append(ctx, Event{
		Type:       EventCampaignControl,
		Actor:      actor,
		CampaignID: campaignID,
		Message:    action,
	})
}
