package agents

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"outbound-dialer/internal/campaigns"
	"outbound-dialer/internal/metrics"
	"outbound-dialer/internal/reporting"
)

var (
	ErrNotFound          = errors.New("agents: not found")
	ErrInvalidArgument   = errors.New("agents: invalid argument")
	ErrInvalidTransition = errors.New("agents: invalid transition")
	// ErrDispositionPending rejects leaving wrap-up before the last call is dispositioned.
	ErrDispositionPending = errors.New("disposition pending")
)

type Auditor interface {
	LogForcedOffline(ctx context.Context, agentID string, lastHeartbeat time.Time) error
	LogAutoDisposition(ctx context.Context, agentID, campaignID, callID, disposition string) error
}

// DispositionSink stores the disposition on the call record.
type DispositionSink interface {
	SetDisposition(ctx context.Context, callID, disposition string) error
}

type CampaignLookup interface {
	Get(ctx context.Context, id string) (campaigns.Campaign, error)
}

// Service owns every agent status write. Each write runs through Repository.Mutate, so
// writes for one agent are serialized and the time log pairing stays atomic.
type Service struct {
	repo             Repository
	heartbeatTimeout time.Duration
	clock            func() time.Time
	log              *slog.Logger
	metrics          *metrics.Metrics

	notifier     reporting.Notifier
	auditor      Auditor
	dispositions DispositionSink
	campaigns    CampaignLookup
}

func NewService(repo Repository, heartbeatTimeout time.Duration, log *slog.Logger, m *metrics.Metrics) *Service {
	if heartbeatTimeout <= 0 {
		heartbeatTimeout = 5 * time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		repo:             repo,
		heartbeatTimeout: heartbeatTimeout,
		clock:            time.Now,
		log:              log,
		metrics:          m,
		notifier:         reporting.Nop{},
	}
}

func (s *Service) WithNotifier(n reporting.Notifier) *Service {
	if n != nil {
		s.notifier = n
	}
	return s
}

func (s *Service) WithAuditor(a Auditor) *Service {
	s.auditor = a
	return s
}

func (s *Service) WithDispositions(d DispositionSink) *Service {
	s.dispositions = d
	return s
}

func (s *Service) WithCampaigns(c CampaignLookup) *Service {
	s.campaigns = c
	return s
}

func (s *Service) Get(ctx context.Context, id string) (Agent, error) {
	if id == "" {
		return Agent{}, ErrInvalidArgument
	}
	return s.repo.Get(ctx, id)
}

func (s *Service) Counts(ctx context.Context, campaignID string) (Counts, error) {
	return s.repo.Counts(ctx, campaignID)
}

func (s *Service) AvgWrapup(ctx context.Context, campaignID string, since time.Time) (time.Duration, error) {
	return s.repo.AvgWrapup(ctx, campaignID, since)
}

func (s *Service) ListAvailable(ctx context.Context, campaignID string) ([]Agent, error) {
	return s.repo.ListAvailable(ctx, campaignID)
}

func (s *Service) ListReadyBridges(ctx context.Context, campaignID string) ([]Agent, error) {
	return s.repo.ListReadyBridges(ctx, campaignID)
}

// wrapupLocked reports whether the wrap-up lock applies.
func wrapupLocked(a *Agent) bool {
	return a.Status == StatusWrapup && a.DispositionPending
}

// Login puts an agent on a campaign as available.
func (s *Service) Login(ctx context.Context, id, campaignID string) (Agent, error) {
	if id == "" || campaignID == "" {
		return Agent{}, ErrInvalidArgument
	}
	now := s.clock().UTC()
	return s.mutate(ctx, id, now, func(a *Agent) error {
		if wrapupLocked(a) {
			return ErrDispositionPending
		}
		if a.Status == StatusBusy {
			return ErrInvalidTransition
		}
		a.Status = StatusAvailable
		a.CampaignID = campaignID
		a.LastHeartbeat = now
		return nil
	})
}

// Logout takes an agent offline. It is refused while a disposition is pending.
func (s *Service) Logout(ctx context.Context, id string) (Agent, error) {
	if id == "" {
		return Agent{}, ErrInvalidArgument
	}
	return s.mutate(ctx, id, s.clock().UTC(), func(a *Agent) error {
		if wrapupLocked(a) {
			return ErrDispositionPending
		}
		if a.Status == StatusBusy {
			return ErrInvalidTransition
		}
		if a.Status == StatusOffline {
			return errNoChange
		}
		goOffline(a)
		return nil
	})
}

func goOffline(a *Agent) {
	a.Status = StatusOffline
	a.CurrentCallID = ""
	a.DispositionPending = false
	a.BridgeReady = false
}

// SetStatus applies an agent-requested status. Busy and wrap-up are system-owned.
func (s *Service) SetStatus(ctx context.Context, id string, status Status) (Agent, error) {
	if id == "" || !status.Valid() {
		return Agent{}, ErrInvalidArgument
	}
	switch {
	case status == StatusOffline:
		return s.Logout(ctx, id)
	case status == StatusAvailable, status.Paused():
	default:
		return Agent{}, ErrInvalidTransition
	}
	now := s.clock().UTC()
	return s.mutate(ctx, id, now, func(a *Agent) error {
		if wrapupLocked(a) {
			return ErrDispositionPending
		}
		switch a.Status {
		case StatusBusy, StatusOffline:
			return ErrInvalidTransition
		case status:
			return errNoChange
		}
		a.Status = status
		a.LastHeartbeat = now
		return nil
	})
}

// Heartbeat refreshes liveness only; it never touches status or the time log.
func (s *Service) Heartbeat(ctx context.Context, id string) (Agent, error) {
	if id == "" {
		return Agent{}, ErrInvalidArgument
	}
	now := s.clock().UTC()
	return s.mutate(ctx, id, now, func(a *Agent) error {
		a.LastHeartbeat = now
		return nil
	})
}

// AssignCall marks an available agent busy on a call. Repeating it for the same call is
// a no-op.
func (s *Service) AssignCall(ctx context.Context, id, callID, campaignID string) (Agent, error) {
	if id == "" || callID == "" {
		return Agent{}, ErrInvalidArgument
	}
	return s.mutate(ctx, id, s.clock().UTC(), func(a *Agent) error {
		if a.Status == StatusBusy && a.CurrentCallID == callID {
			return errNoChange
		}
		if a.Status != StatusAvailable {
			return ErrInvalidTransition
		}
		a.Status = StatusBusy
		a.CurrentCallID = callID
		if campaignID != "" {
			a.CampaignID = campaignID
		}
		return nil
	})
}

// EndCall moves a busy agent into wrap-up with a pending disposition. Calls for a
// different call id, or repeated calls, change nothing.
func (s *Service) EndCall(ctx context.Context, id, callID string) (Agent, error) {
	if id == "" || callID == "" {
		return Agent{}, ErrInvalidArgument
	}
	return s.mutate(ctx, id, s.clock().UTC(), func(a *Agent) error {
		if a.Status != StatusBusy || a.CurrentCallID != callID {
			return errNoChange
		}
		a.Status = StatusWrapup
		a.DispositionPending = true
		return nil
	})
}

type DispositionRequest struct {
	// CallID must match the agent's current call when set.
	CallID      string `json:"call_id"`
	Disposition string `json:"disposition"`
	// Next is the status after wrap-up; empty means available.
	Next Status `json:"next_status,omitempty"`
}

// SubmitDisposition closes out the agent's last call and releases the wrap-up lock.
func (s *Service) SubmitDisposition(ctx context.Context, id string, req DispositionRequest) (Agent, error) {
	if id == "" || req.Disposition == "" {
		return Agent{}, ErrInvalidArgument
	}
	next := req.Next
	if next == "" {
		next = StatusAvailable
	}
	if next != StatusAvailable && next != StatusOffline && !next.Paused() {
		return Agent{}, ErrInvalidArgument
	}

	var callID string
	a, err := s.mutate(ctx, id, s.clock().UTC(), func(a *Agent) error {
		if a.Status != StatusWrapup || !a.DispositionPending {
			return ErrInvalidTransition
		}
		if req.CallID != "" && req.CallID != a.CurrentCallID {
			return ErrInvalidTransition
		}
		callID = a.CurrentCallID
		a.DispositionPending = false
		a.CurrentCallID = ""
		if next == StatusOffline {
			goOffline(a)
			return nil
		}
		a.Status = next
		return nil
	})
	if err != nil {
		return Agent{}, err
	}
	if s.dispositions != nil && callID != "" {
		if err := s.dispositions.SetDisposition(ctx, callID, req.Disposition); err != nil {
			s.log.Warn("store disposition failed", "agent_id", id, "call_id", callID, "err", err)
		}
	}
	return a, nil
}

// SetBridge records the agent's persistent bridge and whether it is ready for customers.
func (s *Service) SetBridge(ctx context.Context, id, bridgeID string, ready bool) (Agent, error) {
	if id == "" {
		return Agent{}, ErrInvalidArgument
	}
	return s.mutate(ctx, id, s.clock().UTC(), func(a *Agent) error {
		if bridgeID != "" {
			a.BridgeID = bridgeID
		}
		if a.BridgeReady == ready && (bridgeID == "" || a.BridgeID == bridgeID) {
			return errNoChange
		}
		a.BridgeReady = ready
		return nil
	})
}

// EndpointChanged reacts to the softphone registering or dropping off. Going offline
// is a normal logout and so respects the wrap-up lock; coming back online re-logs an
// offline agent into its last campaign.
func (s *Service) EndpointChanged(ctx context.Context, extension string, online bool) (Agent, error) {
	if extension == "" {
		return Agent{}, ErrInvalidArgument
	}
	a, err := s.repo.GetByExtension(ctx, extension)
	if err != nil {
		return Agent{}, err
	}
	if !online {
		return s.Logout(ctx, a.ID)
	}
	if a.Status != StatusOffline || a.CampaignID == "" {
		return a, nil
	}
	return s.Login(ctx, a.ID, a.CampaignID)
}

func (s *Service) mutate(ctx context.Context, id string, now time.Time, fn Mutation) (Agent, error) {
	before, after, err := s.repo.Mutate(ctx, id, now, fn)
	if err != nil {
		return Agent{}, err
	}
	if before.Status != after.Status {
		s.transitioned(ctx, before, after)
	}
	return after, nil
}

func (s *Service) transitioned(ctx context.Context, before, after Agent) {
	s.metrics.IncAgentTransition(string(before.Status), string(after.Status))
	s.log.Debug("agent status changed",
		"agent_id", after.ID,
		"from", before.Status,
		"to", after.Status,
		"call_id", after.CurrentCallID,
	)
	s.notifier.Notify(ctx, reporting.Notification{
		Type:       reporting.TypeAgentStatus,
		AgentID:    after.ID,
		CampaignID: after.CampaignID,
		CallID:     after.CurrentCallID,
		Status:     string(after.Status),
		Detail:     map[string]string{"from": string(before.Status)},
		At:         after.StatusSince,
	})
}
