package leads

import "time"

// Status is the lead row status in the durable lead table.
type Status string

const (
	StatusNew        Status = "new"
	StatusQueued     Status = "queued"
	StatusDialing    Status = "dialing"
	StatusAnswered   Status = "answered"
	StatusNoAnswer   Status = "no_answer"
	StatusBusy       Status = "busy"
	StatusFailed     Status = "failed"
	StatusDropped    Status = "dropped"
	StatusCongestion Status = "congestion"
	StatusMachine    Status = "machine"
	StatusCallback   Status = "callback"
	StatusDNC        Status = "dnc"
)

// eligibleStatuses are the statuses a lead may be (re)claimed from.
var eligibleStatuses = []Status{
	StatusNew,
	StatusNoAnswer,
	StatusBusy,
	StatusFailed,
	StatusDropped,
	StatusCongestion,
	StatusCallback,
}

// Eligible reports whether a lead in this status may be dialed again.
func (s Status) Eligible() bool {
	for _, e := range eligibleStatuses {
		if s == e {
			return true
		}
	}
	return false
}

type Lead struct {
	ID              string     `json:"id" db:"id"`
	CampaignID      string     `json:"campaign_id" db:"campaign_id"`
	PhoneNumber     string     `json:"phone_number" db:"phone_number"`
	Priority        int        `json:"priority" db:"priority"`
	Status          Status     `json:"status" db:"status"`
	DialAttempts    int        `json:"dial_attempts" db:"dial_attempts"`
	LastDialAttempt *time.Time `json:"last_dial_attempt,omitempty" db:"last_dial_attempt"`
	LockedBy        string     `json:"locked_by,omitempty" db:"locked_by"`
	LockedAt        *time.Time `json:"locked_at,omitempty" db:"locked_at"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
}
