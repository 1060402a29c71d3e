package campaigns

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"outbound-dialer/pkg/utils"
)

var ErrNotFound = errors.New("campaigns: not found")

type Repository interface {
	Get(ctx context.Context, id string) (Campaign, error)
	ListActive(ctx context.Context) ([]Campaign, error)
	GetDialState(ctx context.Context, id string) (DialState, error)
	SaveDialState(ctx context.Context, st DialState) error
}

// NOTE: assumes tables campaigns (configuration, owned by the admin UI) and
// campaign_dial_state (one row per campaign, written only by the compliance monitor).

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

const campaignColumns = `
id, name, active, caller_id, COALESCE(trunk, ''),
amd_enabled, COALESCE(amd_action, 'hangup'), COALESCE(amd_message_media, ''),
COALESCE(amd_transfer_context, ''), COALESCE(amd_transfer_extension, ''),
max_attempts, retry_delay_seconds, auto_wrapup_seconds, COALESCE(auto_wrapup_disposition, '')
`

func scanCampaign(row interface{ Scan(...any) error }) (Campaign, error) {
	var (
		c               Campaign
		retrySeconds    int64
		autoWrapSeconds int64
	)
	if err := row.Scan(
		&c.ID,
		&c.Name,
		&c.Active,
		&c.CallerID,
		&c.Trunk,
		&c.AMD.Enabled,
		&c.AMD.Action,
		&c.AMD.MessageMedia,
		&c.AMD.TransferContext,
		&c.AMD.TransferExtension,
		&c.MaxAttempts,
		&retrySeconds,
		&autoWrapSeconds,
		&c.AutoWrapupDisposition,
	); err != nil {
		return Campaign{}, err
	}
	c.RetryDelay = time.Duration(retrySeconds) * time.Second
	c.AutoWrapupTimeout = time.Duration(autoWrapSeconds) * time.Second
	return c, nil
}

func (r *PostgresRepo) Get(ctx context.Context, id string) (Campaign, error) {
	q := `SELECT ` + campaignColumns + ` FROM campaigns WHERE id = $1`
	c, err := scanCampaign(r.db.QueryRowContext(ctx, q, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Campaign{}, ErrNotFound
		}
		return Campaign{}, err
	}
	return c, nil
}

func (r *PostgresRepo) ListActive(ctx context.Context) ([]Campaign, error) {
	q := `SELECT ` + campaignColumns + ` FROM campaigns WHERE active ORDER BY id`
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) GetDialState(ctx context.Context, id string) (DialState, error) {
	const q = `
SELECT campaign_id, dial_level, base_level, abandon_rate_target, hopper_target_size,
       max_concurrent, reduced, updated_at
FROM campaign_dial_state
WHERE campaign_id = $1
`
	var st DialState
	if err := r.db.QueryRowContext(ctx, q, id).Scan(
		&st.CampaignID,
		&st.DialLevel,
		&st.BaseLevel,
		&st.AbandonRateTarget,
		&st.HopperTargetSize,
		&st.MaxConcurrent,
		&st.Reduced,
		&st.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return DialState{}, ErrNotFound
		}
		return DialState{}, err
	}
	return st, nil
}

// SaveDialState persists only the fields the compliance monitor owns.
func (r *PostgresRepo) SaveDialState(ctx context.Context, st DialState) error {
	const q = `
UPDATE campaign_dial_state
SET dial_level = $2, reduced = $3, updated_at = $4
WHERE campaign_id = $1
`
	res, err := r.db.ExecContext(ctx, q, st.CampaignID, st.DialLevel, st.Reduced, st.UpdatedAt)
	if err != nil {
		return err
	}
	if utils.RowsAffected(res) == 0 {
		return ErrNotFound
	}
	return nil
}
