package compliance

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"outbound-dialer/internal/calls"
	"outbound-dialer/internal/campaigns"
	"outbound-dialer/internal/config"
	"outbound-dialer/internal/metrics"
)

// DialStateStore is read and written by the monitor. No other component writes DialLevel.
type DialStateStore interface {
	GetDialState(ctx context.Context, campaignID string) (campaigns.DialState, error)
	SaveDialState(ctx context.Context, st campaigns.DialState) error
}

type WindowCounter interface {
	Window(ctx context.Context, campaignID string, since time.Time) (calls.WindowStats, error)
}

type Auditor interface {
	LogDialLevelChange(ctx context.Context, campaignID string, before, after, dropRate float64) error
}

type Action string

const (
	ActionHold     Action = "hold"
	ActionDecrease Action = "decrease"
	ActionIncrease Action = "increase"
	// ActionSkipped means the campaign was evaluated less than one interval ago.
	ActionSkipped Action = "skipped"
)

type Result struct {
	CampaignID string  `json:"campaign_id"`
	Answered   int     `json:"answered"`
	Drops      int     `json:"drops"`
	DropRate   float64 `json:"drop_rate"`
	Target     float64 `json:"target"`
	Before     float64 `json:"before"`
	After      float64 `json:"after"`
	Action     Action  `json:"action"`
}

// Monitor nudges a campaign's dial level to keep its abandon rate under target.
//
// The rule has hysteresis: a breach lowers the level and marks it reduced; the level
// only climbs back while reduced and while the drop rate sits below target minus the
// recovery margin, and the reduced mark clears once the configured base level is back.
type Monitor struct {
	states  DialStateStore
	window  WindowCounter
	auditor Auditor
	tuning  config.ComplianceTuning
	clock   func() time.Time
	log     *slog.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	lastRun map[string]time.Time
}

func NewMonitor(states DialStateStore, window WindowCounter, t config.ComplianceTuning, log *slog.Logger, m *metrics.Metrics) *Monitor {
	if log == nil {
		log = slog.Default()
	}
	return &Monitor{
		states:  states,
		window:  window,
		tuning:  t,
		clock:   time.Now,
		log:     log,
		metrics: m,
		lastRun: map[string]time.Time{},
	}
}

// WithAuditor records every level change as an audit event.
func (m *Monitor) WithAuditor(a Auditor) *Monitor {
	m.auditor = a
	return m
}

// Evaluate runs the decision rule for one campaign at most once per interval.
func (m *Monitor) Evaluate(ctx context.Context, campaignID string) (Result, error) {
	now := m.clock().UTC()
	if !m.due(campaignID, now) {
		st, err := m.states.GetDialState(ctx, campaignID)
		if err != nil {
			return Result{}, err
		}
		return Result{CampaignID: campaignID, Before: st.DialLevel, After: st.DialLevel, Action: ActionSkipped}, nil
	}

	st, err := m.states.GetDialState(ctx, campaignID)
	if err != nil {
		return Result{}, err
	}
	w, err := m.window.Window(ctx, campaignID, now.Add(-m.tuning.Window))
	if err != nil {
		return Result{}, err
	}
	m.markRun(campaignID, now)

	res := Result{
		CampaignID: campaignID,
		Answered:   w.Answered,
		Drops:      w.Dropped,
		DropRate:   w.DropRate(),
		Target:     st.AbandonRateTarget,
		Before:     st.DialLevel,
		After:      st.DialLevel,
		Action:     ActionHold,
	}
	if res.Target <= 0 {
		res.Target = m.tuning.DefaultTarget
	}
	m.metrics.SetCompliance(campaignID, st.DialLevel, res.DropRate)
	if w.Answered == 0 {
		return res, nil
	}

	next, action := m.decide(st, res.DropRate, res.Target)
	if action == ActionHold {
		return res, nil
	}
	if next.DialLevel == st.DialLevel && next.Reduced == st.Reduced {
		return res, nil
	}

	next.UpdatedAt = now
	if err := m.states.SaveDialState(ctx, next); err != nil {
		return res, err
	}
	res.After = next.DialLevel
	if next.DialLevel == st.DialLevel {
		return res, nil
	}
	res.Action = action

	m.metrics.SetCompliance(campaignID, next.DialLevel, res.DropRate)
	m.metrics.IncDialLevelChange(campaignID, string(action))
	m.log.Info("dial level changed",
		"campaign_id", campaignID,
		"before", st.DialLevel,
		"after", next.DialLevel,
		"drop_rate", round2(res.DropRate),
		"target", res.Target,
		"answered", w.Answered,
		"drops", w.Dropped,
	)
	if m.auditor != nil {
		if err := m.auditor.LogDialLevelChange(ctx, campaignID, st.DialLevel, next.DialLevel, res.DropRate); err != nil {
			m.log.Warn("audit dial level change failed", "campaign_id", campaignID, "err", err)
		}
	}
	return res, nil
}

func (m *Monitor) decide(st campaigns.DialState, dropRate, target float64) (campaigns.DialState, Action) {
	t := m.tuning
	next := st
	switch {
	case dropRate > target:
		next.DialLevel = round2(math.Max(st.DialLevel-t.StepDown, t.Floor))
		next.Reduced = true
		return next, ActionDecrease
	case dropRate < target-t.RecoveryMargin && st.DialLevel < t.Ceiling && st.Reduced:
		limit := t.Ceiling
		if st.BaseLevel > 0 && st.BaseLevel < limit {
			limit = st.BaseLevel
		}
		next.DialLevel = round2(math.Min(st.DialLevel+t.StepUp, limit))
		if next.DialLevel >= limit {
			next.Reduced = false
		}
		return next, ActionIncrease
	default:
		return st, ActionHold
	}
}

func (m *Monitor) due(campaignID string, now time.Time) bool {
	if m.tuning.Interval <= 0 {
		return true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	last, ok := m.lastRun[campaignID]
	return !ok || now.Sub(last) >= m.tuning.Interval
}

func (m *Monitor) markRun(campaignID string, now time.Time) {
	m.mu.Lock()
	m.lastRun[campaignID] = now
	m.mu.Unlock()
}

// Forget drops the rate-limit memory of a stopped campaign.
func (m *Monitor) Forget(campaignID string) {
	m.mu.Lock()
	delete(m.lastRun, campaignID)
	m.mu.Unlock()
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
