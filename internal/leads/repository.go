package leads

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"outbound-dialer/internal/hopper"
	"outbound-dialer/pkg/utils"
)

var (
	ErrNotFound        = errors.New("leads: not found")
	ErrInvalidArgument = errors.New("leads: invalid argument")
)

// Repository is the lead table boundary. This core never creates or edits leads; it
// claims them for the hopper and records dial attempts and outcomes.
type Repository interface {
	Get(ctx context.Context, campaignID, leadID string) (Lead, error)
	ClaimEligible(ctx context.Context, req hopper.ClaimRequest) ([]Lead, error)
	ResetStaleLocks(ctx context.Context, campaignID string, lockedBefore time.Time) (int, error)
	// MarkDialed counts one dial attempt and releases the claim lock.
	MarkDialed(ctx context.Context, campaignID, leadID string, at time.Time) error
	SetOutcome(ctx context.Context, campaignID, leadID string, status Status) error
}

// NOTE: assumes a leads table with (id, campaign_id) unique and an index on
// (campaign_id, status, priority DESC, last_dial_attempt).

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) Get(ctx context.Context, campaignID, leadID string) (Lead, error) {
	const q = `
SELECT id, campaign_id, phone_number, priority, status, dial_attempts, last_dial_attempt,
       COALESCE(locked_by, ''), locked_at, created_at
FROM leads
WHERE campaign_id = $1 AND id = $2
`
	var (
		l        Lead
		lastDial sql.NullTime
		lockedAt sql.NullTime
	)
	if err := r.db.QueryRowContext(ctx, q, campaignID, leadID).Scan(
		&l.ID,
		&l.CampaignID,
		&l.PhoneNumber,
		&l.Priority,
		&l.Status,
		&l.DialAttempts,
		&lastDial,
		&l.LockedBy,
		&lockedAt,
		&l.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Lead{}, ErrNotFound
		}
		return Lead{}, err
	}
	l.LastDialAttempt = nullTime(lastDial)
	l.LockedAt = nullTime(lockedAt)
	return l, nil
}

// ClaimEligible locks up to req.Limit dialable rows to req.Owner. SKIP LOCKED lets several
// dialer processes refill concurrently without ever claiming the same row.
func (r *PostgresRepo) ClaimEligible(ctx context.Context, req hopper.ClaimRequest) ([]Lead, error) {
	if req.CampaignID == "" || req.Owner == "" || req.Limit <= 0 {
		return nil, ErrInvalidArgument
	}
	const q = `
WITH picked AS (
  SELECT id
  FROM leads
  WHERE campaign_id = $1
    AND status IN ('new','no_answer','busy','failed','dropped','congestion','callback')
    AND ($2 <= 0 OR dial_attempts < $2)
    AND (last_dial_attempt IS NULL OR last_dial_attempt < $3)
  ORDER BY priority DESC, last_dial_attempt ASC NULLS FIRST, dial_attempts ASC
  LIMIT $4
  FOR UPDATE SKIP LOCKED
)
UPDATE leads l
SET status = 'queued', locked_by = $5, locked_at = $6
FROM picked
WHERE l.id = picked.id AND l.campaign_id = $1
RETURNING l.id, l.campaign_id, l.phone_number, l.priority, l.status, l.dial_attempts
`
	rows, err := r.db.QueryContext(ctx, q,
		req.CampaignID,
		req.MaxAttempts,
		req.Now.Add(-req.RetryDelay),
		req.Limit,
		req.Owner,
		req.Now,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Lead
	for rows.Next() {
		var l Lead
		if err := rows.Scan(&l.ID, &l.CampaignID, &l.PhoneNumber, &l.Priority, &l.Status, &l.DialAttempts); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) ResetStaleLocks(ctx context.Context, campaignID string, lockedBefore time.Time) (int, error) {
	const q = `
UPDATE leads
SET status = 'new', locked_by = NULL, locked_at = NULL
WHERE campaign_id = $1 AND status = 'queued' AND locked_at < $2
`
	res, err := r.db.ExecContext(ctx, q, campaignID, lockedBefore)
	if err != nil {
		return 0, err
	}
	return int(utils.RowsAffected(res)), nil
}

func (r *PostgresRepo) MarkDialed(ctx context.Context, campaignID, leadID string, at time.Time) error {
	const q = `
UPDATE leads
SET status = 'dialing', dial_attempts = dial_attempts + 1, last_dial_attempt = $3,
    locked_by = NULL, locked_at = NULL
WHERE campaign_id = $1 AND id = $2
`
	res, err := r.db.ExecContext(ctx, q, campaignID, leadID, at)
	if err != nil {
		return err
	}
	if utils.RowsAffected(res) == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepo) SetOutcome(ctx context.Context, campaignID, leadID string, status Status) error {
	const q = `
UPDATE leads
SET status = $3, locked_by = NULL, locked_at = NULL
WHERE campaign_id = $1 AND id = $2
`
	res, err := r.db.ExecContext(ctx, q, campaignID, leadID, status)
	if err != nil {
		return err
	}
	if utils.RowsAffected(res) == 0 {
		return ErrNotFound
	}
	return nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
