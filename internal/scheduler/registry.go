package scheduler

import (
	"context"
	"errors"
	"sort"
	"time"
)

// Start launches the scheduling loop of one campaign.
func (s *Scheduler) Start(ctx context.Context, campaignID string) error {
	c, err := s.deps.Campaigns.Get(ctx, campaignID)
	if err != nil {
		return err
	}
	if !c.Active {
		return ErrCampaignInactive
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.loops[campaignID]; ok {
		return ErrAlreadyRunning
	}
	lctx, cancel := context.WithCancel(ctx)
	l := &loop{cancel: cancel, done: make(chan struct{})}
	s.loops[campaignID] = l
	go s.run(lctx, campaignID, l)
	s.log.Info("campaign loop started", "campaign_id", campaignID, "interval", s.interval())
	return nil
}

// StartActive starts a loop for every active campaign not already running.
func (s *Scheduler) StartActive(ctx context.Context) (int, error) {
	list, err := s.deps.Campaigns.ListActive(ctx)
	if err != nil {
		return 0, err
	}
	started := 0
	for _, c := range list {
		err := s.Start(ctx, c.ID)
		switch {
		case err == nil:
			started++
		case errors.Is(err, ErrAlreadyRunning):
		default:
			s.log.Warn("start campaign loop failed", "campaign_id", c.ID, "err", err)
		}
	}
	return started, nil
}

// Stop ends a campaign's loop and waits for its current tick. Calls already placed
// keep running.
func (s *Scheduler) Stop(campaignID string) error {
	s.mu.Lock()
	l, ok := s.loops[campaignID]
	delete(s.loops, campaignID)
	s.mu.Unlock()
	if !ok {
		return ErrNotRunning
	}
	l.cancel()
	<-l.done
	s.log.Info("campaign loop stopped", "campaign_id", campaignID)
	return nil
}

// forgetter is implemented by monitors that keep per-campaign memory.
type forgetter interface {
	Forget(campaignID string)
}

// ended clears per-campaign state once a loop is gone, so a restart starts fresh.
func (s *Scheduler) ended(campaignID string) {
	s.resetUnderrun(campaignID)
	if f, ok := s.deps.Compliance.(forgetter); ok {
		f.Forget(campaignID)
	}
}

func (s *Scheduler) StopAll() {
	for _, id := range s.Running() {
		_ = s.Stop(id)
	}
}

func (s *Scheduler) IsRunning(campaignID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.loops[campaignID]
	return ok
}

// Running lists the campaigns with a live loop, sorted.
func (s *Scheduler) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.loops))
	for id := range s.loops {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (s *Scheduler) interval() time.Duration {
	if d := s.tuning.Pacing.TickInterval; d > 0 {
		return d
	}
	return 3 * time.Second
}

func (s *Scheduler) run(ctx context.Context, campaignID string, l *loop) {
	defer close(l.done)
	defer s.ended(campaignID)

	ticker := time.NewTicker(s.interval())
	defer ticker.Stop()

	if !s.runOnce(ctx, campaignID) {
		s.retire(campaignID, l)
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.runOnce(ctx, campaignID) {
				s.retire(campaignID, l)
				return
			}
		}
	}
}

// runOnce reports false once the campaign has been deactivated.
func (s *Scheduler) runOnce(ctx context.Context, campaignID string) bool {
	_, err := s.Tick(ctx, campaignID, false)
	if err == nil || ctx.Err() != nil {
		return true
	}
	if errors.Is(err, ErrCampaignInactive) {
		s.log.Info("campaign no longer active, stopping loop", "campaign_id", campaignID)
		return false
	}
	s.log.Error("scheduling tick failed", "campaign_id", campaignID, "error", err)
	return true
}

// retire removes a loop that ended on its own. A concurrent Stop may already have.
func (s *Scheduler) retire(campaignID string, l *loop) {
	s.mu.Lock()
	if s.loops[campaignID] == l {
		delete(s.loops, campaignID)
	}
	s.mu.Unlock()
	l.cancel()
}
