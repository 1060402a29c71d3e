package pacing

import (
	"math"
	"time"

	"outbound-dialer/internal/config"
)

// Inputs is everything one admission decision needs. All of it is read before the
// decision is made, so Compute itself never blocks.
type Inputs struct {
	AgentsAvailable int `json:"agents_available"`
	AgentsBusy      int `json:"agents_busy"`
	AgentsWrapup    int `json:"agents_wrapup"`

	InProgress int `json:"calls_in_progress"`
	Queued     int `json:"calls_in_queue"`
	// Live is every call holding a line; MaxConcurrent caps it. It never counts
	// below InProgress+Queued.
	Live int `json:"calls_live"`

	// AnswerRate and AMDRate are fractions; AbandonRate is a percentage.
	AnswerRate  float64 `json:"answer_rate"`
	AMDRate     float64 `json:"amd_rate"`
	AbandonRate float64 `json:"abandon_rate"`
	// AbandonSamples is the answered-call count behind AbandonRate. Zero means no signal.
	AbandonSamples int `json:"abandon_samples"`

	AvgTalk   time.Duration `json:"avg_talk"`
	AvgWrapup time.Duration `json:"avg_wrapup"`
	AvgRing   time.Duration `json:"avg_ring"`

	DialLevel     float64 `json:"dial_level"`
	AbandonTarget float64 `json:"abandon_target"`
	MaxConcurrent int     `json:"max_concurrent"`
	AMDEnabled    bool    `json:"amd_enabled"`

	// StatsSource names the window the rates came from: "15m", "1h" or "defaults".
	StatsSource string `json:"stats_source"`
}

type Params struct {
	MinRatio          float64
	MaxRatio          float64
	SafetyFactor      float64
	BoostCap          float64
	TargetAbandon     float64
	MaxAbandon        float64
	DefaultAnswerRate float64
	DefaultTalk       time.Duration
	DefaultRing       time.Duration
	DefaultWrapup     time.Duration
	AdaptivePacing    bool
}

func ParamsFromTuning(t config.PacingTuning) Params {
	return Params{
		MinRatio:          t.MinRatio,
		MaxRatio:          t.MaxRatio,
		SafetyFactor:      t.SafetyFactor,
		BoostCap:          t.BoostCap,
		TargetAbandon:     t.TargetAbandon,
		MaxAbandon:        t.MaxAbandon,
		DefaultAnswerRate: t.DefaultAnswerRate,
		DefaultTalk:       t.DefaultTalk,
		DefaultRing:       t.DefaultRing,
		DefaultWrapup:     t.DefaultWrapup,
		AdaptivePacing:    t.AdaptivePacing,
	}
}

// Limit names what bounded the final count.
type Limit string

const (
	LimitNone          Limit = ""
	LimitNoAgents      Limit = "no_agents"
	LimitOutstanding   Limit = "outstanding_calls"
	LimitBurst         Limit = "burst"
	LimitMaxConcurrent Limit = "max_concurrent"
)

type Decision struct {
	HumanAnswerRate   float64 `json:"human_answer_rate"`
	BaseRatio         float64 `json:"base_ratio"`
	AbandonAdjustment float64 `json:"abandon_adjustment"`
	DialRatio         float64 `json:"dial_ratio"`

	ExpectedFree    float64 `json:"expected_free"`
	EffectiveAgents float64 `json:"effective_agents"`
	Boost           float64 `json:"boost"`
	Target          float64 `json:"target"`

	Outstanding int   `json:"outstanding"`
	BurstLimit  int   `json:"burst_limit"`
	CallsToDial int   `json:"calls_to_dial"`
	LimitedBy   Limit `json:"limited_by,omitempty"`
}

// Compute returns how many calls a campaign may originate right now.
//
// The ratio is min(1/human answer rate, dial level), scaled by the abandon adjustment and
// the safety factor, then clamped. The agent pool is the available agents plus half of
// those in wrap-up, boosted by the agents expected to free up within one ring time
// (bounded by BoostCap). Outstanding calls are subtracted, then the burst and
// concurrency caps apply. More available agents never yield fewer calls.
func Compute(in Inputs, p Params) Decision {
	var d Decision

	human := in.AnswerRate
	if human <= 0 {
		human = p.DefaultAnswerRate
	}
	if in.AMDEnabled && in.AMDRate > 0 && in.AMDRate < 1 {
		human *= 1 - in.AMDRate
	}
	if human <= 0 || human > 1 {
		human = p.DefaultAnswerRate
	}
	d.HumanAnswerRate = human

	d.BaseRatio = 1 / human
	if in.DialLevel > 0 && in.DialLevel < d.BaseRatio {
		d.BaseRatio = in.DialLevel
	}
	d.AbandonAdjustment = abandonAdjustment(in, p)
	d.DialRatio = clamp(d.BaseRatio*d.AbandonAdjustment*p.SafetyFactor, p.MinRatio, p.MaxRatio)

	d.Outstanding = in.InProgress + in.Queued
	if in.AgentsAvailable <= 0 && in.AgentsWrapup <= 0 {
		d.LimitedBy = LimitNoAgents
		return d
	}

	ring := seconds(in.AvgRing, p.DefaultRing)
	talk := seconds(in.AvgTalk, p.DefaultTalk)
	wrap := seconds(in.AvgWrapup, p.DefaultWrapup)
	d.ExpectedFree = float64(in.AgentsBusy)*(1-math.Exp(-ring/talk)) +
		float64(in.AgentsWrapup)*(1-math.Exp(-ring/wrap))

	d.EffectiveAgents = float64(in.AgentsAvailable) + 0.5*float64(in.AgentsWrapup)
	boostCap := math.Max(p.BoostCap, 1)
	pool := math.Min(d.EffectiveAgents+d.ExpectedFree, boostCap*d.EffectiveAgents)
	d.Boost = 1
	if d.EffectiveAgents > 0 {
		d.Boost = pool / d.EffectiveAgents
	}
	d.Target = d.DialRatio * pool

	calls := int(math.Round(d.Target)) - d.Outstanding
	if calls <= 0 {
		d.LimitedBy = LimitOutstanding
		return d
	}

	if p.AdaptivePacing {
		d.BurstLimit = 2 * in.AgentsAvailable
		if d.BurstLimit < 2 {
			d.BurstLimit = 2
		}
		if calls > d.BurstLimit {
			calls = d.BurstLimit
			d.LimitedBy = LimitBurst
		}
	}
	if in.MaxConcurrent > 0 {
		live := in.Live
		if live < d.Outstanding {
			live = d.Outstanding
		}
		room := in.MaxConcurrent - live
		if room < 0 {
			room = 0
		}
		if calls > room {
			calls = room
			d.LimitedBy = LimitMaxConcurrent
		}
	}
	d.CallsToDial = calls
	return d
}

// abandonAdjustment mirrors the compliance hysteresis at call-placement granularity.
func abandonAdjustment(in Inputs, p Params) float64 {
	if in.AbandonSamples == 0 {
		return 1.0
	}
	target := in.AbandonTarget
	if target <= 0 {
		target = p.TargetAbandon
	}
	rate := in.AbandonRate
	switch {
	case rate >= p.MaxAbandon:
		return 0.5
	case rate > target:
		over := 1.0
		if p.MaxAbandon > target {
			over = (rate - target) / (p.MaxAbandon - target)
		}
		return 1 - 0.4*math.Min(over, 1)
	case rate < target*0.5:
		return 1.15
	default:
		return 1.0
	}
}

func clamp(v, lo, hi float64) float64 {
	if lo > 0 && v < lo {
		return lo
	}
	if hi > 0 && v > hi {
		return hi
	}
	return v
}

// seconds returns d (or def when d is unset) in seconds, never below one second.
func seconds(d, def time.Duration) float64 {
	if d <= 0 {
		d = def
	}
	if d < time.Second {
		return 1
	}
	return d.Seconds()
}
