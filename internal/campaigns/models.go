package campaigns

import (
	"fmt"
	"strings"
	"time"
)

// MachineAction is what happens to a call answered by a machine.
type MachineAction string

const (
	MachineHangup   MachineAction = "hangup"
	MachineMessage  MachineAction = "message"
	MachineTransfer MachineAction = "transfer"
)

type AMDPolicy struct {
	Enabled bool          `json:"enabled"`
	Action  MachineAction `json:"action"`
	// MessageMedia is the platform media URI played before hanging up ("sound:vm-greeting").
	MessageMedia      string `json:"message_media,omitempty"`
	TransferContext   string `json:"transfer_context,omitempty"`
	TransferExtension string `json:"transfer_extension,omitempty"`
}

// Campaign is the read-only configuration this core needs. CRUD lives elsewhere.
type Campaign struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Active   bool   `json:"active"`
	CallerID string `json:"caller_id"`
	// Trunk is the endpoint template for customer legs, "%s" replaced by the number.
	// Empty means "Local/%s@from-campaign".
	Trunk string    `json:"trunk,omitempty"`
	AMD   AMDPolicy `json:"amd"`

	MaxAttempts int           `json:"max_attempts"`
	RetryDelay  time.Duration `json:"retry_delay"`

	// AutoWrapupTimeout of zero disables auto-wrapup for the campaign.
	AutoWrapupTimeout     time.Duration `json:"auto_wrapup_timeout"`
	AutoWrapupDisposition string        `json:"auto_wrapup_disposition,omitempty"`
}

const defaultTrunk = "Local/%s@from-campaign"

// Endpoint returns the dial string for a customer number.
func (c Campaign) Endpoint(number string) string {
	t := c.Trunk
	if t == "" || !strings.Contains(t, "%s") {
		t = defaultTrunk
	}
	return fmt.Sprintf(t, number)
}

// DialState is the mutable per-campaign pacing state. The compliance monitor is its
// only writer.
type DialState struct {
	CampaignID string `json:"campaign_id"`
	// DialLevel is the compliance-adjusted calls per available agent.
	DialLevel float64 `json:"dial_level"`
	// BaseLevel is the configured level; recovery increases stop here.
	BaseLevel         float64   `json:"base_level"`
	AbandonRateTarget float64   `json:"abandon_rate_target"`
	HopperTargetSize  int       `json:"hopper_target_size"`
	MaxConcurrent     int       `json:"max_concurrent"`
	Reduced           bool      `json:"reduced"`
	UpdatedAt         time.Time `json:"updated_at"`
}
