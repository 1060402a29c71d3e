package hopper

import (
	"context"
	"log/slog"
	"time"

	"outbound-dialer/internal/metrics"
)

// ClaimRequest asks the durable lead table for dialable leads.
type ClaimRequest struct {
	CampaignID  string
	Limit       int
	Owner       string
	Now         time.Time
	MaxAttempts int
	RetryDelay  time.Duration
}

// LeadSource is the durable source of truth behind the hopper. Claimed rows are locked
// to Owner until they are dialed or their lock goes stale.
type LeadSource interface {
	ClaimEligible(ctx context.Context, req ClaimRequest) ([]Lead, error)
	ResetStaleLocks(ctx context.Context, campaignID string, lockedBefore time.Time) (int, error)
}

// RefillTarget carries the per-campaign knobs the refill path needs.
type RefillTarget struct {
	CampaignID  string
	TargetSize  int
	MaxAttempts int
	RetryDelay  time.Duration
}

// Refiller moves leads from the lead table into the hopper when the queue runs short.
// It is deliberately separate from the lease path: the scheduler calls it, the lease
// path never falls back to the table on its own.
type Refiller struct {
	store       Store
	source      LeadSource
	owner       string
	lockTimeout time.Duration
	clock       func() time.Time
	log         *slog.Logger
	metrics     *metrics.Metrics
}

func NewRefiller(store Store, source LeadSource, owner string, lockTimeout time.Duration, log *slog.Logger, m *metrics.Metrics) *Refiller {
	if lockTimeout <= 0 {
		lockTimeout = 5 * time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &Refiller{
		store:       store,
		source:      source,
		owner:       owner,
		lockTimeout: lockTimeout,
		clock:       time.Now,
		log:         log,
		metrics:     m,
	}
}

// Refill tops the queue up to the target size. It returns the number of leads enqueued.
func (r *Refiller) Refill(ctx context.Context, t RefillTarget) (int, error) {
	if t.CampaignID == "" || t.TargetSize <= 0 {
		return 0, ErrInvalidArgument
	}
	st, err := r.store.Stats(ctx, t.CampaignID)
	if err != nil {
		return 0, err
	}
	want := t.TargetSize - st.New
	if want <= 0 {
		return 0, nil
	}

	now := r.clock().UTC()
	if n, err := r.source.ResetStaleLocks(ctx, t.CampaignID, now.Add(-r.lockTimeout)); err != nil {
		r.log.Warn("reset stale lead locks failed", "campaign_id", t.CampaignID, "err", err)
	} else if n > 0 {
		r.log.Info("reset stale lead locks", "campaign_id", t.CampaignID, "count", n)
	}

	leads, err := r.source.ClaimEligible(ctx, ClaimRequest{
		CampaignID:  t.CampaignID,
		Limit:       want,
		Owner:       r.owner,
		Now:         now,
		MaxAttempts: t.MaxAttempts,
		RetryDelay:  t.RetryDelay,
	})
	if err != nil {
		return 0, err
	}
	if len(leads) == 0 {
		return 0, nil
	}

	// Claimed rows that fail to enqueue stay locked until ResetStaleLocks frees them.
	n, err := r.store.Enqueue(ctx, t.CampaignID, leads)
	if err != nil {
		return 0, err
	}
	r.metrics.AddRefilled(t.CampaignID, n)
	r.log.Debug("hopper refilled", "campaign_id", t.CampaignID, "claimed", len(leads), "enqueued", n, "target", t.TargetSize)
	return n, nil
}
