package telephony

import (
	"context"
	"errors"
	"time"

	"outbound-dialer/internal/config"
	"outbound-dialer/internal/metrics"
)

// RetryPolicy bounds one class of platform command: each attempt gets Timeout, and only
// ErrTransient failures are retried. Attempts is capped at two (one retry).
type RetryPolicy struct {
	Attempts int
	Timeout  time.Duration
	Backoff  time.Duration
}

const maxAttempts = 2

func (p RetryPolicy) attempts() int {
	switch {
	case p.Attempts < 1:
		return 1
	case p.Attempts > maxAttempts:
		return maxAttempts
	}
	return p.Attempts
}

// Do runs fn under the policy. onRetry, when set, is called before each retry.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error, onRetry func(err error)) error {
	var err error
	for i := 0; i < p.attempts(); i++ {
		if i > 0 {
			if onRetry != nil {
				onRetry(err)
			}
			if p.Backoff > 0 {
				t := time.NewTimer(p.Backoff)
				select {
				case <-ctx.Done():
					t.Stop()
					return ctx.Err()
				case <-t.C:
				}
			}
		}
		err = p.once(ctx, fn)
		if err == nil || !errors.Is(err, ErrTransient) {
			return err
		}
	}
	return err
}

func (p RetryPolicy) once(ctx context.Context, fn func(ctx context.Context) error) error {
	if p.Timeout <= 0 {
		return fn(ctx)
	}
	cctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()
	return fn(cctx)
}

// Policies holds one policy per operation class.
type Policies struct {
	Originate    RetryPolicy
	BridgeCreate RetryPolicy
	BridgeAdd    RetryPolicy
	Hangup       RetryPolicy
}

func PoliciesFromTuning(t config.RetryTuning) Policies {
	conv := func(r config.RetryPolicyTuning) RetryPolicy {
		return RetryPolicy{Attempts: r.Attempts, Timeout: r.Timeout, Backoff: r.Backoff}
	}
	return Policies{
		Originate:    conv(t.Originate),
		BridgeCreate: conv(t.BridgeCreate),
		BridgeAdd:    conv(t.BridgeAdd),
		Hangup:       conv(t.Hangup),
	}
}

// Retrying applies Policies to a Commander. Commands outside the four classes reuse
// the hangup policy.
type Retrying struct {
	next     Commander
	policies Policies
	metrics  *metrics.Metrics
}

func NewRetrying(next Commander, p Policies, m *metrics.Metrics) *Retrying {
	return &Retrying{next: next, policies: p, metrics: m}
}

func (r *Retrying) run(ctx context.Context, op string, p RetryPolicy, fn func(ctx context.Context) error) error {
	return p.Do(ctx, fn, func(error) { r.metrics.IncCommandRetry(op) })
}

func (r *Retrying) Originate(ctx context.Context, req OriginateRequest) (string, error) {
	var id string
	err := r.run(ctx, "originate", r.policies.Originate, func(ctx context.Context) error {
		var err error
		id, err = r.next.Originate(ctx, req)
		return err
	})
	return id, err
}

func (r *Retrying) Hangup(ctx context.Context, channelID string) error {
	return r.run(ctx, "hangup", r.policies.Hangup, func(ctx context.Context) error {
		return r.next.Hangup(ctx, channelID)
	})
}

func (r *Retrying) CreateBridge(ctx context.Context, bridgeID string) (string, error) {
	var id string
	err := r.run(ctx, "bridge_create", r.policies.BridgeCreate, func(ctx context.Context) error {
		var err error
		id, err = r.next.CreateBridge(ctx, bridgeID)
		return err
	})
	return id, err
}

func (r *Retrying) DestroyBridge(ctx context.Context, bridgeID string) error {
	return r.run(ctx, "bridge_destroy", r.policies.Hangup, func(ctx context.Context) error {
		return r.next.DestroyBridge(ctx, bridgeID)
	})
}

func (r *Retrying) AddChannel(ctx context.Context, bridgeID, channelID string) error {
	return r.run(ctx, "bridge_add", r.policies.BridgeAdd, func(ctx context.Context) error {
		return r.next.AddChannel(ctx, bridgeID, channelID)
	})
}

func (r *Retrying) RemoveChannel(ctx context.Context, bridgeID, channelID string) error {
	return r.run(ctx, "bridge_remove", r.policies.BridgeAdd, func(ctx context.Context) error {
		return r.next.RemoveChannel(ctx, bridgeID, channelID)
	})
}

func (r *Retrying) Play(ctx context.Context, channelID, playbackID, media string) error {
	return r.run(ctx, "play", r.policies.Hangup, func(ctx context.Context) error {
		return r.next.Play(ctx, channelID, playbackID, media)
	})
}

func (r *Retrying) ContinueInDialplan(ctx context.Context, channelID, dialContext, extension string) error {
	return r.run(ctx, "continue", r.policies.Hangup, func(ctx context.Context) error {
		return r.next.ContinueInDialplan(ctx, channelID, dialContext, extension)
	})
}
