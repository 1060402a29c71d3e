package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Tuning groups the dialer's control-loop constants. The defaults come from field
// experience; none of them is a correctness constant, so all can be overridden from YAML.
type Tuning struct {
	Hopper     HopperTuning     `yaml:"hopper"`
	Compliance ComplianceTuning `yaml:"compliance"`
	Pacing     PacingTuning     `yaml:"pacing"`
	Calls      CallTuning       `yaml:"calls"`
	Agents     AgentTuning      `yaml:"agents"`
	Retry      RetryTuning      `yaml:"retry"`
}

type HopperTuning struct {
	// DialingTimeout reclaims leases stuck in dialing (worker died mid-call).
	DialingTimeout time.Duration `yaml:"dialing_timeout"`
	// LeasedTimeout reclaims leases popped but never dialed.
	LeasedTimeout time.Duration `yaml:"leased_timeout"`
	// LeadLockTimeout returns lead-table rows claimed by a refill but never enqueued.
	LeadLockTimeout time.Duration `yaml:"lead_lock_timeout"`
	RetryDelay      time.Duration `yaml:"retry_delay"`
}

type ComplianceTuning struct {
	Window         time.Duration `yaml:"window"`
	Interval       time.Duration `yaml:"interval"`
	StepDown       float64       `yaml:"step_down"`
	StepUp         float64       `yaml:"step_up"`
	Floor          float64       `yaml:"floor"`
	Ceiling        float64       `yaml:"ceiling"`
	RecoveryMargin float64       `yaml:"recovery_margin"`
	// DefaultTarget is the abandon-rate target (percent) for campaigns without one.
	DefaultTarget float64 `yaml:"default_target"`
}

type PacingTuning struct {
	TickInterval      time.Duration `yaml:"tick_interval"`
	StatsWindow       time.Duration `yaml:"stats_window"`
	FallbackWindow    time.Duration `yaml:"fallback_window"`
	CacheTTL          time.Duration `yaml:"cache_ttl"`
	TargetAbandon     float64       `yaml:"target_abandon"`
	MaxAbandon        float64       `yaml:"max_abandon"`
	MinRatio          float64       `yaml:"min_ratio"`
	MaxRatio          float64       `yaml:"max_ratio"`
	SafetyFactor      float64       `yaml:"safety_factor"`
	BoostCap          float64       `yaml:"boost_cap"`
	DefaultAnswerRate float64       `yaml:"default_answer_rate"`
	DefaultAMDRate    float64       `yaml:"default_amd_rate"`
	DefaultTalk       time.Duration `yaml:"default_talk"`
	DefaultRing       time.Duration `yaml:"default_ring"`
	DefaultWrapup     time.Duration `yaml:"default_wrapup"`
	AdaptivePacing    bool          `yaml:"adaptive_pacing"`
	UnderrunWarnTicks int           `yaml:"underrun_warn_ticks"`
}

type CallTuning struct {
	RingTimeout time.Duration `yaml:"ring_timeout"`
	// RingGrace is how long past RingTimeout the worker waits for an answer or hangup
	// before it ends the call itself.
	RingGrace       time.Duration `yaml:"ring_grace"`
	AgentLegTimeout time.Duration `yaml:"agent_leg_timeout"`
	AMDWait         time.Duration `yaml:"amd_wait"`
	// MaxCallDuration ends any call still open this long after originate. Rows
	// older than this with no end time belong to a lost process.
	MaxCallDuration time.Duration `yaml:"max_call_duration"`
	SlotTTL         time.Duration `yaml:"slot_ttl"`
	EndedRetention  time.Duration `yaml:"ended_retention"`
}

type AgentTuning struct {
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
	ReservationTTL   time.Duration `yaml:"reservation_ttl"`
}

// RetryTuning holds one bounded policy per platform operation class.
type RetryTuning struct {
	Originate    RetryPolicyTuning `yaml:"originate"`
	BridgeCreate RetryPolicyTuning `yaml:"bridge_create"`
	BridgeAdd    RetryPolicyTuning `yaml:"bridge_add"`
	Hangup       RetryPolicyTuning `yaml:"hangup"`
}

type RetryPolicyTuning struct {
	Attempts int           `yaml:"attempts"`
	Timeout  time.Duration `yaml:"timeout"`
	Backoff  time.Duration `yaml:"backoff"`
}

func DefaultTuning() Tuning {
	return Tuning{
		Hopper: HopperTuning{
			DialingTimeout:  30 * time.Second,
			LeasedTimeout:   5 * time.Minute,
			LeadLockTimeout: 5 * time.Minute,
			RetryDelay:      4 * time.Hour,
		},
		Compliance: ComplianceTuning{
			Window:         time.Hour,
			Interval:       60 * time.Second,
			StepDown:       0.1,
			StepUp:         0.05,
			Floor:          1.0,
			Ceiling:        3.0,
			RecoveryMargin: 1.0,
			DefaultTarget:  3.0,
		},
		Pacing: PacingTuning{
			TickInterval:      3 * time.Second,
			StatsWindow:       15 * time.Minute,
			FallbackWindow:    time.Hour,
			CacheTTL:          5 * time.Second,
			TargetAbandon:     3.0,
			MaxAbandon:        5.0,
			MinRatio:          1.0,
			MaxRatio:          3.0,
			SafetyFactor:      0.85,
			BoostCap:          1.3,
			DefaultAnswerRate: 0.30,
			DefaultAMDRate:    0.15,
			DefaultTalk:       180 * time.Second,
			DefaultRing:       15 * time.Second,
			DefaultWrapup:     30 * time.Second,
			AdaptivePacing:    true,
			UnderrunWarnTicks: 3,
		},
		Calls: CallTuning{
			RingTimeout:     25 * time.Second,
			RingGrace:       10 * time.Second,
			AgentLegTimeout: 15 * time.Second,
			AMDWait:         5 * time.Second,
			MaxCallDuration: 2 * time.Hour,
			SlotTTL:         2 * time.Hour,
			EndedRetention:  2 * time.Minute,
		},
		Agents: AgentTuning{
			HeartbeatTimeout: 5 * time.Minute,
			SweepInterval:    30 * time.Second,
			ReservationTTL:   30 * time.Second,
		},
		Retry: RetryTuning{
			Originate:    RetryPolicyTuning{Attempts: 2, Timeout: 10 * time.Second, Backoff: 250 * time.Millisecond},
			BridgeCreate: RetryPolicyTuning{Attempts: 2, Timeout: 5 * time.Second, Backoff: 100 * time.Millisecond},
			BridgeAdd:    RetryPolicyTuning{Attempts: 2, Timeout: 5 * time.Second, Backoff: 100 * time.Millisecond},
			Hangup:       RetryPolicyTuning{Attempts: 2, Timeout: 5 * time.Second, Backoff: 100 * time.Millisecond},
		},
	}
}

// LoadTuning returns DefaultTuning overlaid with the YAML file at path.
// An empty path yields the defaults; keys missing from the file keep their default.
func LoadTuning(path string) (Tuning, error) {
	t := DefaultTuning()
	if path == "" {
		return t, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Tuning{}, fmt.Errorf("read tuning file: %w", err)
	}
	if err := yaml.Unmarshal(data, &t); err != nil {
		return Tuning{}, fmt.Errorf("parse tuning file: %w", err)
	}
	return t, nil
}

func (t Tuning) Validate() error {
	var errs []error

	h := t.Hopper
	if h.DialingTimeout <= 0 || h.LeasedTimeout <= 0 {
		errs = append(errs, errors.New("hopper timeouts must be > 0"))
	}
	if h.LeadLockTimeout <= 0 {
		errs = append(errs, errors.New("hopper.lead_lock_timeout must be > 0"))
	}

	c := t.Compliance
	if c.StepDown <= 0 || c.StepUp <= 0 {
		errs = append(errs, errors.New("compliance steps must be > 0"))
	}
	if c.Floor <= 0 || c.Ceiling < c.Floor {
		errs = append(errs, fmt.Errorf("compliance floor/ceiling invalid: %.2f/%.2f", c.Floor, c.Ceiling))
	}
	if c.DefaultTarget <= 0 {
		errs = append(errs, errors.New("compliance.default_target must be > 0"))
	}
	if c.Window <= 0 {
		errs = append(errs, errors.New("compliance.window must be > 0"))
	}

	p := t.Pacing
	if p.TickInterval <= 0 {
		errs = append(errs, errors.New("pacing.tick_interval must be > 0"))
	}
	if p.MinRatio <= 0 || p.MaxRatio < p.MinRatio {
		errs = append(errs, fmt.Errorf("pacing ratio bounds invalid: %.2f/%.2f", p.MinRatio, p.MaxRatio))
	}
	if p.SafetyFactor <= 0 || p.SafetyFactor > 1 {
		errs = append(errs, fmt.Errorf("pacing.safety_factor must be in (0,1], got %.2f", p.SafetyFactor))
	}
	if p.BoostCap < 1 {
		errs = append(errs, errors.New("pacing.boost_cap must be >= 1"))
	}
	if p.MaxAbandon <= p.TargetAbandon {
		errs = append(errs, errors.New("pacing.max_abandon must be greater than pacing.target_abandon"))
	}
	if p.DefaultAnswerRate <= 0 || p.DefaultAnswerRate > 1 || p.DefaultAMDRate < 0 || p.DefaultAMDRate >= 1 {
		errs = append(errs, errors.New("pacing default rates must be fractions"))
	}

	// A lease in dialing must survive a full ring, and after answer (which renews it)
	// the AMD wait plus the agent-leg wait.
	k := t.Calls
	if k.RingTimeout <= 0 || k.RingTimeout >= h.DialingTimeout {
		errs = append(errs, fmt.Errorf("calls.ring_timeout (%s) must be below hopper.dialing_timeout (%s)", k.RingTimeout, h.DialingTimeout))
	}
	if k.RingGrace < 0 {
		errs = append(errs, errors.New("calls.ring_grace must be >= 0"))
	}
	if k.MaxCallDuration <= k.RingTimeout+k.RingGrace {
		errs = append(errs, fmt.Errorf("calls.max_call_duration (%s) must exceed ring_timeout + ring_grace", k.MaxCallDuration))
	}
	if k.AgentLegTimeout <= 0 || k.AMDWait < 0 || k.AMDWait+k.AgentLegTimeout >= h.DialingTimeout {
		errs = append(errs, fmt.Errorf("calls.amd_wait + calls.agent_leg_timeout must be below hopper.dialing_timeout (%s)", h.DialingTimeout))
	}

	if t.Agents.HeartbeatTimeout <= 0 || t.Agents.SweepInterval <= 0 {
		errs = append(errs, errors.New("agents heartbeat_timeout and sweep_interval must be > 0"))
	}

	for name, r := range map[string]RetryPolicyTuning{
		"originate":     t.Retry.Originate,
		"bridge_create": t.Retry.BridgeCreate,
		"bridge_add":    t.Retry.BridgeAdd,
		"hangup":        t.Retry.Hangup,
	} {
		if r.Attempts < 1 || r.Attempts > 2 {
			errs = append(errs, fmt.Errorf("retry.%s.attempts must be 1 or 2, got %d", name, r.Attempts))
		}
		if r.Timeout <= 0 {
			errs = append(errs, fmt.Errorf("retry.%s.timeout must be > 0", name))
		}
	}

	return joinErrors(errs)
}
