package hopper

import "time"

// State is the lifecycle position of a lead inside the hopper.
type State string

const (
	StateNew       State = "new"
	StateLeased    State = "leased"
	StateDialing   State = "dialing"
	StateCompleted State = "completed"
	StateDropped   State = "dropped"
	StateFailed    State = "failed"
)

// Active reports whether the state holds an exclusive claim on the lead.
func (s State) Active() bool { return s == StateLeased || s == StateDialing }

// Terminal reports whether the state ends the lease.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateDropped || s == StateFailed
}

const (
	MinPriority = 1
	MaxPriority = 99
)

// Lead is what gets enqueued: the minimum needed to dial without touching the lead table.
type Lead struct {
	ID          string
	PhoneNumber string
	Priority    int
}

// LeadLease is the hopper's view of one lead for one campaign.
// Invariant: at most one lease per (campaign, lead) is in an Active state.
type LeadLease struct {
	LeadID      string `json:"lead_id"`
	CampaignID  string `json:"campaign_id"`
	PhoneNumber string `json:"phone_number"`
	Priority    int    `json:"priority"`
	State       State  `json:"state"`
	LeasedBy    string `json:"leased_by,omitempty"`
	// Token is issued by each LeasePop; a reclaimed and re-leased lead gets a new one.
	Token       string    `json:"token,omitempty"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
	LeasedAt    time.Time `json:"leased_at,omitempty"`
	DialedAt    time.Time `json:"dialed_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

// ReclaimTimeouts bounds how long a lease may sit in each active state.
type ReclaimTimeouts struct {
	Dialing time.Duration
	Leased  time.Duration
}

// Stats counts the non-terminal population of a campaign's hopper.
type Stats struct {
	New     int `json:"new"`
	Leased  int `json:"leased"`
	Dialing int `json:"dialing"`
}

func (s Stats) Active() int { return s.Leased + s.Dialing }

// allowedFrom lists, per target state, the predecessor states a transition accepts.
// Anything else is an idempotent no-op.
var allowedFrom = map[State][]State{
	StateDialing:   {StateLeased},
	StateCompleted: {StateLeased, StateDialing},
	StateDropped:   {StateLeased, StateDialing},
	StateFailed:    {StateLeased, StateDialing},
	StateNew:       {StateLeased},
}

func canTransition(from, to State) bool {
	for _, s := range allowedFrom[to] {
		if s == from {
			return true
		}
	}
	return false
}

// holds reports whether caller is the current holder of the stored lease.
func holds(stored, caller LeadLease) bool {
	return stored.LeasedBy == caller.LeasedBy && stored.Token == caller.Token
}

func clampPriority(p int) int {
	if p < MinPriority {
		return MinPriority
	}
	if p > MaxPriority {
		return MaxPriority
	}
	return p
}
