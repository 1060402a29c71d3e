package calls

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"outbound-dialer/pkg/utils"
)

var (
	ErrNotFound  = errors.New("calls: not found")
	ErrDuplicate = errors.New("calls: duplicate call id")
)

type Repository interface {
	Insert(ctx context.Context, c Call) error
	Update(ctx context.Context, c Call) error
	Get(ctx context.Context, id string) (Call, error)
	SetDisposition(ctx context.Context, id, disposition string) error
	Window(ctx context.Context, campaignID string, since time.Time) (WindowStats, error)
	Active(ctx context.Context, campaignID string) (ActiveCounts, error)
	// EndOrphans closes rows still open that were originated before cutoff and returns them.
	EndOrphans(ctx context.Context, cutoff, at time.Time) ([]Call, error)
}

// NOTE: assumes a calls table keyed by id with an index on (campaign_id, originated_at).

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) Insert(ctx context.Context, c Call) error {
	const q = `
INSERT INTO calls (
  id, campaign_id, lead_id, phone_number, customer_channel_id, state, originated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7)
`
	_, err := r.db.ExecContext(ctx, q, c.ID, c.CampaignID, c.LeadID, c.PhoneNumber, c.CustomerChannelID, c.State, c.OriginatedAt)
	if utils.IsUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (r *PostgresRepo) Update(ctx context.Context, c Call) error {
	const q = `
UPDATE calls
SET agent_channel_id = NULLIF($2, ''), bridge_id = NULLIF($3, ''), agent_id = NULLIF($4, ''),
    state = $5, outcome = NULLIF($6, ''), amd_verdict = NULLIF($7, ''), hangup_cause = $8,
    answered_at = $9, bridged_at = $10, ended_at = $11
WHERE id = $1
`
	res, err := r.db.ExecContext(ctx, q,
		c.ID,
		c.AgentChannelID,
		c.BridgeID,
		c.AgentID,
		c.State,
		string(c.Outcome),
		c.AMDVerdict,
		c.HangupCause,
		nullable(c.AnsweredAt),
		nullable(c.BridgedAt),
		nullable(c.EndedAt),
	)
	if err != nil {
		return err
	}
	if utils.RowsAffected(res) == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepo) Get(ctx context.Context, id string) (Call, error) {
	const q = `
SELECT id, campaign_id, lead_id, phone_number, customer_channel_id,
       COALESCE(agent_channel_id, ''), COALESCE(bridge_id, ''), COALESCE(agent_id, ''),
       state, COALESCE(outcome, ''), COALESCE(amd_verdict, ''), COALESCE(hangup_cause, 0),
       COALESCE(disposition, ''), originated_at, answered_at, bridged_at, ended_at
FROM calls
WHERE id = $1
`
	var (
		c                          Call
		answered, bridged, endedAt sql.NullTime
	)
	if err := r.db.QueryRowContext(ctx, q, id).Scan(
		&c.ID,
		&c.CampaignID,
		&c.LeadID,
		&c.PhoneNumber,
		&c.CustomerChannelID,
		&c.AgentChannelID,
		&c.BridgeID,
		&c.AgentID,
		&c.State,
		&c.Outcome,
		&c.AMDVerdict,
		&c.HangupCause,
		&c.Disposition,
		&c.OriginatedAt,
		&answered,
		&bridged,
		&endedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Call{}, ErrNotFound
		}
		return Call{}, err
	}
	c.AnsweredAt = answered.Time
	c.BridgedAt = bridged.Time
	c.EndedAt = endedAt.Time
	return c, nil
}

func (r *PostgresRepo) SetDisposition(ctx context.Context, id, disposition string) error {
	const q = `UPDATE calls SET disposition = $2 WHERE id = $1`
	res, err := r.db.ExecContext(ctx, q, id, disposition)
	if err != nil {
		return err
	}
	if utils.RowsAffected(res) == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepo) Window(ctx context.Context, campaignID string, since time.Time) (WindowStats, error) {
	const q = `
SELECT
  COUNT(*) FILTER (WHERE outcome IS NOT NULL),
  COUNT(*) FILTER (WHERE answered_at IS NOT NULL),
  COUNT(*) FILTER (WHERE outcome = 'dropped'),
  COUNT(*) FILTER (WHERE outcome = 'machine'),
  COALESCE(AVG(EXTRACT(EPOCH FROM ended_at - bridged_at)) FILTER (WHERE bridged_at IS NOT NULL AND ended_at IS NOT NULL), 0),
  COALESCE(AVG(EXTRACT(EPOCH FROM answered_at - originated_at)) FILTER (WHERE answered_at IS NOT NULL), 0)
FROM calls
WHERE campaign_id = $1 AND originated_at >= $2
`
	var (
		w                WindowStats
		avgTalk, avgRing float64
	)
	if err := r.db.QueryRowContext(ctx, q, campaignID, since).Scan(
		&w.Finished,
		&w.Answered,
		&w.Dropped,
		&w.Machine,
		&avgTalk,
		&avgRing,
	); err != nil {
		return WindowStats{}, err
	}
	w.AvgTalk = seconds(avgTalk)
	w.AvgRing = seconds(avgRing)
	return w, nil
}

func (r *PostgresRepo) Active(ctx context.Context, campaignID string) (ActiveCounts, error) {
	const q = `
SELECT
  COUNT(*) FILTER (WHERE state IN ('initiated','ringing')),
  COUNT(*) FILTER (WHERE state = 'answered'),
  COUNT(*) FILTER (WHERE state IN ('initiated','ringing','answered','bridged'))
FROM calls
WHERE campaign_id = $1 AND ended_at IS NULL
`
	var a ActiveCounts
	if err := r.db.QueryRowContext(ctx, q, campaignID).Scan(&a.InProgress, &a.Queued, &a.Live); err != nil {
		return ActiveCounts{}, err
	}
	return a, nil
}

func (r *PostgresRepo) EndOrphans(ctx context.Context, cutoff, at time.Time) ([]Call, error) {
	const q = `
UPDATE calls
SET state = 'ended', outcome = COALESCE(outcome, 'failed'), ended_at = $2
WHERE ended_at IS NULL AND originated_at < $1
RETURNING id, campaign_id, lead_id, COALESCE(agent_id, ''), state, outcome, originated_at, ended_at
`
	rows, err := r.db.QueryContext(ctx, q, cutoff, at)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Call
	for rows.Next() {
		var c Call
		if err := rows.Scan(&c.ID, &c.CampaignID, &c.LeadID, &c.AgentID, &c.State, &c.Outcome, &c.OriginatedAt, &c.EndedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func nullable(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}
