package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"outbound-dialer/internal/callflow"
	"outbound-dialer/internal/campaigns"
	"outbound-dialer/internal/compliance"
	"outbound-dialer/internal/config"
	"outbound-dialer/internal/hopper"
	"outbound-dialer/internal/metrics"
	"outbound-dialer/internal/pacing"
)

var (
	ErrCampaignInactive = errors.New("scheduler: campaign is not active")
	ErrAlreadyRunning   = errors.New("scheduler: campaign loop already running")
	ErrNotRunning       = errors.New("scheduler: campaign loop not running")
)

type CampaignStore interface {
	Get(ctx context.Context, id string) (campaigns.Campaign, error)
	ListActive(ctx context.Context) ([]campaigns.Campaign, error)
	GetDialState(ctx context.Context, id string) (campaigns.DialState, error)
}

type ComplianceMonitor interface {
	Evaluate(ctx context.Context, campaignID string) (compliance.Result, error)
}

type InputCollector interface {
	Collect(ctx context.Context, campaign campaigns.Campaign, st campaigns.DialState) (pacing.Inputs, error)
}

type Refiller interface {
	Refill(ctx context.Context, t hopper.RefillTarget) (int, error)
}

type Dialer interface {
	Originate(ctx context.Context, d callflow.Dial) (string, error)
}

// EventLink reports whether call events are reaching the worker. Without them no call
// could be followed past originate.
type EventLink interface {
	Connected() bool
}

type Deps struct {
	Campaigns  CampaignStore
	Hopper     hopper.Store
	Compliance ComplianceMonitor
	Collector  InputCollector
	Refiller   Refiller
	Dialer     Dialer
	// Events gates origination; nil means always connected.
	Events EventLink
}

// TickResult is what one scheduling tick saw and did.
type TickResult struct {
	pacing.Status
	Compliance compliance.Result `json:"compliance"`
	Reclaimed  int               `json:"reclaimed"`
	Refilled   int               `json:"refilled"`
	Leased     int               `json:"leased"`
	Originated int               `json:"originated"`
	Failed     int               `json:"failed"`
	// FailedClosed is set when the hopper was unreachable and nothing was dialed.
	FailedClosed bool `json:"failed_closed,omitempty"`
	// EventsDown is set when origination was held because the event stream was down.
	EventsDown bool `json:"events_down,omitempty"`
}

// Scheduler owns one scheduling loop per running campaign.
//
// Rules:
//   - The loop registry is explicit; there is no process-wide "current dialer".
//   - Stale leases are reclaimed before anything is leased.
//   - A hopper failure zeroes the tick for that campaign only.
type Scheduler struct {
	deps   Deps
	tuning config.Tuning
	params pacing.Params
	owner  string
	clock  func() time.Time
	log    *slog.Logger

	metrics *metrics.Metrics

	mu       sync.Mutex
	loops    map[string]*loop
	last     map[string]TickResult
	underrun map[string]int
}

type loop struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func New(deps Deps, tuning config.Tuning, owner string, log *slog.Logger, m *metrics.Metrics) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		deps:     deps,
		tuning:   tuning,
		params:   pacing.ParamsFromTuning(tuning.Pacing),
		owner:    owner,
		clock:    time.Now,
		log:      log,
		metrics:  m,
		loops:    map[string]*loop{},
		last:     map[string]TickResult{},
		underrun: map[string]int{},
	}
}

// Tick runs one scheduling pass for a campaign. A dry run computes the decision from
// current state and changes nothing.
func (s *Scheduler) Tick(ctx context.Context, campaignID string, dryRun bool) (TickResult, error) {
	start := s.clock()
	res, err := s.tick(ctx, campaignID, dryRun)

	outcome := "ok"
	switch {
	case dryRun:
		outcome = "dry_run"
	case res.FailedClosed:
		outcome = "failed_closed"
	case err != nil:
		outcome = "error"
	}
	s.metrics.ObserveTick(campaignID, outcome, s.clock().Sub(start))
	if err == nil || res.FailedClosed {
		s.mu.Lock()
		s.last[campaignID] = res
		s.mu.Unlock()
	}
	return res, err
}

func (s *Scheduler) tick(ctx context.Context, campaignID string, dryRun bool) (TickResult, error) {
	log := s.log.With("campaign_id", campaignID)
	res := TickResult{}
	res.CampaignID = campaignID
	res.DryRun = dryRun
	res.GeneratedAt = s.clock().UTC()

	c, err := s.deps.Campaigns.Get(ctx, campaignID)
	if err != nil {
		return res, fmt.Errorf("load campaign: %w", err)
	}
	if !c.Active && !dryRun {
		return res, ErrCampaignInactive
	}

	if !dryRun {
		n, err := s.deps.Hopper.ReclaimStale(ctx, campaignID, hopper.ReclaimTimeouts{
			Dialing: s.tuning.Hopper.DialingTimeout,
			Leased:  s.tuning.Hopper.LeasedTimeout,
		})
		if err != nil {
			return s.failClosed(res, "reclaim", err)
		}
		res.Reclaimed = n
		if n > 0 {
			s.metrics.AddReclaimed(campaignID, n)
			log.Warn("reclaimed stale leases", "count", n)
		}

		cr, err := s.deps.Compliance.Evaluate(ctx, campaignID)
		if err != nil {
			// The stored level still applies.
			log.Warn("compliance evaluation failed", "err", err)
		}
		res.Compliance = cr
	}

	st, err := s.deps.Campaigns.GetDialState(ctx, campaignID)
	if err != nil {
		return res, fmt.Errorf("load dial state: %w", err)
	}
	in, err := s.deps.Collector.Collect(ctx, c, st)
	if err != nil {
		return res, fmt.Errorf("collect pacing inputs: %w", err)
	}
	d := pacing.Compute(in, s.params)

	hs, err := s.deps.Hopper.Stats(ctx, campaignID)
	if err != nil {
		return s.failClosed(res, "stats", err)
	}
	res.Status = pacing.Report(campaignID, in, d, hs, res.GeneratedAt)
	res.DryRun = dryRun
	s.metrics.SetCallsToDial(campaignID, d.CallsToDial)
	s.metrics.SetActiveCalls(campaignID, in.Live)
	if dryRun {
		return res, nil
	}

	if s.deps.Refiller != nil {
		target := st.HopperTargetSize
		if target < d.CallsToDial {
			target = d.CallsToDial
		}
		if target > 0 && hs.New < target {
			n, err := s.deps.Refiller.Refill(ctx, hopper.RefillTarget{
				CampaignID:  campaignID,
				TargetSize:  target,
				MaxAttempts: c.MaxAttempts,
				RetryDelay:  c.RetryDelay,
			})
			if err != nil {
				log.Warn("hopper refill failed", "err", err)
			}
			res.Refilled = n
		}
	}

	if d.CallsToDial <= 0 {
		s.resetUnderrun(campaignID)
		return res, nil
	}
	if s.deps.Events != nil && !s.deps.Events.Connected() {
		res.EventsDown = true
		s.metrics.IncTickHeld(campaignID)
		log.Warn("event stream down, holding origination", "calls_to_dial", d.CallsToDial)
		return res, nil
	}
	leases, err := s.deps.Hopper.LeasePop(ctx, campaignID, d.CallsToDial, s.owner)
	if err != nil {
		return s.failClosed(res, "lease", err)
	}
	res.Leased = len(leases)
	s.metrics.AddLeased(campaignID, len(leases))
	s.trackUnderrun(log, campaignID, len(leases), d.CallsToDial)

	for _, l := range leases {
		_, err := s.deps.Dialer.Originate(ctx, callflow.Dial{Campaign: c, Lease: l, MaxConcurrent: st.MaxConcurrent})
		switch {
		case err == nil:
			res.Originated++
		case errors.Is(err, callflow.ErrNoCapacity):
			res.Failed++
			log.Debug("campaign at capacity", "lead_id", l.LeadID)
		default:
			res.Failed++
			log.Warn("originate failed", "lead_id", l.LeadID, "err", err)
		}
	}
	if res.Leased > 0 {
		log.Info("tick dialed",
			"calls_to_dial", d.CallsToDial,
			"leased", res.Leased,
			"originated", res.Originated,
			"limited_by", d.LimitedBy,
		)
	}
	return res, nil
}

// failClosed treats an unreachable hopper as zero availability for this tick.
func (s *Scheduler) failClosed(res TickResult, op string, err error) (TickResult, error) {
	s.metrics.IncHopperError(op)
	s.metrics.SetCallsToDial(res.CampaignID, 0)
	res.FailedClosed = true
	res.Decision.CallsToDial = 0
	s.log.Error("hopper unavailable, skipping tick", "campaign_id", res.CampaignID, "op", op, "err", err)
	return res, fmt.Errorf("%s: %w", op, err)
}

func (s *Scheduler) trackUnderrun(log *slog.Logger, campaignID string, got, want int) {
	if got >= want {
		s.resetUnderrun(campaignID)
		return
	}
	s.mu.Lock()
	s.underrun[campaignID]++
	n := s.underrun[campaignID]
	s.mu.Unlock()
	if n >= s.tuning.Pacing.UnderrunWarnTicks {
		s.metrics.IncUnderrun(campaignID)
		log.Warn("hopper underrun", "ticks", n, "wanted", want, "leased", got)
	}
}

func (s *Scheduler) resetUnderrun(campaignID string) {
	s.mu.Lock()
	delete(s.underrun, campaignID)
	s.mu.Unlock()
}

// Last returns the most recent tick result of a campaign.
func (s *Scheduler) Last(campaignID string) (TickResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.last[campaignID]
	return r, ok
}
