package agents

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// SweepZombies force-offlines every agent whose heartbeat is older than the timeout.
// The wrap-up lock does not apply: a silent client cannot disposition anyway. With
// dryRun the zombies are only listed.
func (s *Service) SweepZombies(ctx context.Context, dryRun bool) ([]Agent, error) {
	now := s.clock().UTC()
	stale, err := s.repo.ListStale(ctx, now.Add(-s.heartbeatTimeout))
	if err != nil {
		return nil, err
	}
	if dryRun {
		return stale, nil
	}

	swept := make([]Agent, 0, len(stale))
	for _, z := range stale {
		cutoff := now.Add(-s.heartbeatTimeout)
		a, err := s.mutate(ctx, z.ID, now, func(a *Agent) error {
			// A heartbeat may have landed since the list was read.
			if a.Status == StatusOffline || !a.LastHeartbeat.Before(cutoff) {
				return errNoChange
			}
			goOffline(a)
			return nil
		})
		if err != nil {
			s.log.Warn("force offline failed", "agent_id", z.ID, "err", err)
			continue
		}
		if a.Status != StatusOffline || z.Status == StatusOffline {
			continue
		}
		swept = append(swept, z)
		s.log.Info("zombie agent forced offline",
			"agent_id", z.ID,
			"was", z.Status,
			"last_heartbeat", z.LastHeartbeat,
		)
		if s.auditor != nil {
			if err := s.auditor.LogForcedOffline(ctx, z.ID, z.LastHeartbeat); err != nil {
				s.log.Warn("audit forced offline failed", "agent_id", z.ID, "err", err)
			}
		}
	}
	s.metrics.AddZombiesSwept(len(swept))
	return swept, nil
}

// SweepAutoWrapup applies the campaign's automatic disposition to agents that have sat
// in wrap-up longer than the campaign allows.
func (s *Service) SweepAutoWrapup(ctx context.Context) (int, error) {
	if s.campaigns == nil {
		return 0, nil
	}
	agents, err := s.repo.ListInWrapup(ctx)
	if err != nil {
		return 0, err
	}
	now := s.clock().UTC()
	cache := map[string]*autoWrapup{}
	n := 0
	for _, a := range agents {
		if !a.DispositionPending || a.CampaignID == "" {
			continue
		}
		policy, ok := cache[a.CampaignID]
		if !ok {
			policy = s.autoWrapupPolicy(ctx, a.CampaignID)
			cache[a.CampaignID] = policy
		}
		if policy == nil || now.Sub(a.StatusSince) < policy.timeout {
			continue
		}
		callID := a.CurrentCallID
		if _, err := s.SubmitDisposition(ctx, a.ID, DispositionRequest{CallID: callID, Disposition: policy.disposition}); err != nil {
			s.log.Warn("auto-wrapup failed", "agent_id", a.ID, "err", err)
			continue
		}
		n++
		s.metrics.IncAutoWrapup()
		s.log.Info("auto-wrapup applied", "agent_id", a.ID, "campaign_id", a.CampaignID, "call_id", callID, "disposition", policy.disposition)
		if s.auditor != nil {
			if err := s.auditor.LogAutoDisposition(ctx, a.ID, a.CampaignID, callID, policy.disposition); err != nil {
				s.log.Warn("audit auto-disposition failed", "agent_id", a.ID, "err", err)
			}
		}
	}
	return n, nil
}

type autoWrapup struct {
	timeout     time.Duration
	disposition string
}

func (s *Service) autoWrapupPolicy(ctx context.Context, campaignID string) *autoWrapup {
	c, err := s.campaigns.Get(ctx, campaignID)
	if err != nil {
		s.log.Warn("load campaign for auto-wrapup failed", "campaign_id", campaignID, "err", err)
		return nil
	}
	if c.AutoWrapupTimeout <= 0 || c.AutoWrapupDisposition == "" {
		return nil
	}
	return &autoWrapup{timeout: c.AutoWrapupTimeout, disposition: c.AutoWrapupDisposition}
}

// Sweep is an extra periodic pass the watchdog runs after the agent sweeps.
type Sweep struct {
	Name string
	Run  func(ctx context.Context) (int, error)
}

// Watchdog runs the zombie and auto-wrapup sweeps on a fixed interval and refreshes
// the per-status agent gauges.
type Watchdog struct {
	svc      *Service
	interval time.Duration
	logger   *slog.Logger
	extra    []Sweep

	stopCh chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

func NewWatchdog(svc *Service, interval time.Duration, logger *slog.Logger) *Watchdog {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watchdog{svc: svc, interval: interval, logger: logger, stopCh: make(chan struct{})}
}

// With adds a sweep. Call it before Start.
func (w *Watchdog) With(s Sweep) *Watchdog {
	w.extra = append(w.extra, s)
	return w
}

func (w *Watchdog) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.loop(ctx)
	w.logger.Info("agent watchdog started", "interval", w.interval, "heartbeat_timeout", w.svc.heartbeatTimeout)
}

func (w *Watchdog) Stop() {
	w.once.Do(func() { close(w.stopCh) })
	w.wg.Wait()
	w.logger.Info("agent watchdog stopped")
}

func (w *Watchdog) loop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce performs one sweep pass.
func (w *Watchdog) RunOnce(ctx context.Context) {
	if _, err := w.svc.SweepZombies(ctx, false); err != nil {
		w.logger.Error("zombie sweep failed", "error", err)
	}
	if _, err := w.svc.SweepAutoWrapup(ctx); err != nil {
		w.logger.Error("auto-wrapup sweep failed", "error", err)
	}
	for _, s := range w.extra {
		n, err := s.Run(ctx)
		if err != nil {
			w.logger.Error("sweep failed", "sweep", s.Name, "error", err)
			continue
		}
		if n > 0 {
			w.logger.Info("sweep applied", "sweep", s.Name, "count", n)
		}
	}
	c, err := w.svc.Counts(ctx, "")
	if err != nil {
		w.logger.Error("agent counts failed", "error", err)
		return
	}
	m := w.svc.metrics
	m.SetAgents(string(StatusAvailable), c.Available)
	m.SetAgents(string(StatusBusy), c.Busy)
	m.SetAgents(string(StatusWrapup), c.Wrapup)
	m.SetAgents("paused", c.Paused)
	m.SetAgents(string(StatusOffline), c.Offline)
}
