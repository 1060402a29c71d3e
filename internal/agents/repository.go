package agents

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"outbound-dialer/pkg/utils"
)

// Mutation edits an agent under its row lock. Returning errNoChange commits nothing.
type Mutation func(a *Agent) error

var errNoChange = errors.New("agents: no change")

type Repository interface {
	Get(ctx context.Context, id string) (Agent, error)
	GetByExtension(ctx context.Context, extension string) (Agent, error)

	// Mutate locks the agent, applies fn and stores the result in one transaction.
	// When the status changes it closes the open time log entry and opens a new one in
	// that same transaction; other edits never touch the time log.
	Mutate(ctx context.Context, id string, now time.Time, fn Mutation) (before, after Agent, err error)

	// ListAvailable returns available agents of a campaign, longest idle first.
	ListAvailable(ctx context.Context, campaignID string) ([]Agent, error)
	// ListReadyBridges returns available agents whose persistent bridge is ready.
	ListReadyBridges(ctx context.Context, campaignID string) ([]Agent, error)
	ListStale(ctx context.Context, heartbeatBefore time.Time) ([]Agent, error)
	ListInWrapup(ctx context.Context) ([]Agent, error)

	// Counts with an empty campaign counts every agent.
	Counts(ctx context.Context, campaignID string) (Counts, error)
	AvgWrapup(ctx context.Context, campaignID string, since time.Time) (time.Duration, error)
	OpenEntries(ctx context.Context, agentID string) ([]TimeLogEntry, error)
}

// NOTE: assumes tables agents (runtime columns) and agent_time_log, plus
// CREATE UNIQUE INDEX ON agent_time_log (agent_id) WHERE ended_at IS NULL
// so the database also refuses a second open entry.

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

const agentColumns = `
id, extension, status, COALESCE(current_campaign_id, ''), COALESCE(current_call_id, ''),
disposition_pending, status_since, last_heartbeat, COALESCE(bridge_id, ''), bridge_ready
`

func scanAgent(row interface{ Scan(...any) error }) (Agent, error) {
	var a Agent
	err := row.Scan(
		&a.ID,
		&a.Extension,
		&a.Status,
		&a.CampaignID,
		&a.CurrentCallID,
		&a.DispositionPending,
		&a.StatusSince,
		&a.LastHeartbeat,
		&a.BridgeID,
		&a.BridgeReady,
	)
	return a, err
}

func (r *PostgresRepo) Get(ctx context.Context, id string) (Agent, error) {
	return r.getOne(ctx, r.db, `SELECT `+agentColumns+` FROM agents WHERE id = $1`, id)
}

func (r *PostgresRepo) GetByExtension(ctx context.Context, extension string) (Agent, error) {
	return r.getOne(ctx, r.db, `SELECT `+agentColumns+` FROM agents WHERE extension = $1`, extension)
}

func (r *PostgresRepo) getOne(ctx context.Context, q utils.Querier, query string, arg string) (Agent, error) {
	a, err := scanAgent(q.QueryRowContext(ctx, query, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Agent{}, ErrNotFound
		}
		return Agent{}, err
	}
	return a, nil
}

func lockAgent(ctx context.Context, tx *sql.Tx, id string) (Agent, error) {
	// Lock the agent row to serialize status writes per agent.
	a, err := scanAgent(tx.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Agent{}, ErrNotFound
		}
		return Agent{}, err
	}
	return a, nil
}

func updateAgent(ctx context.Context, tx *sql.Tx, a Agent) error {
	const q = `
UPDATE agents
SET status = $2, current_campaign_id = NULLIF($3, ''), current_call_id = NULLIF($4, ''),
    disposition_pending = $5, status_since = $6, last_heartbeat = $7,
    bridge_id = NULLIF($8, ''), bridge_ready = $9
WHERE id = $1
`
	_, err := tx.ExecContext(ctx, q,
		a.ID,
		a.Status,
		a.CampaignID,
		a.CurrentCallID,
		a.DispositionPending,
		a.StatusSince,
		a.LastHeartbeat,
		a.BridgeID,
		a.BridgeReady,
	)
	return err
}

func closeOpenEntry(ctx context.Context, tx *sql.Tx, agentID string, now time.Time) error {
	const q = `
UPDATE agent_time_log
SET ended_at = $2::timestamptz,
    duration_seconds = GREATEST(EXTRACT(EPOCH FROM $2::timestamptz - started_at), 0)
WHERE agent_id = $1 AND ended_at IS NULL
`
	_, err := tx.ExecContext(ctx, q, agentID, now)
	return err
}

func openEntry(ctx context.Context, tx *sql.Tx, e TimeLogEntry) error {
	const q = `
INSERT INTO agent_time_log (id, agent_id, status, campaign_id, started_at)
VALUES ($1, $2, $3, NULLIF($4, ''), $5)
`
	_, err := tx.ExecContext(ctx, q, e.ID, e.AgentID, e.Status, e.CampaignID, e.StartedAt)
	return err
}

func (r *PostgresRepo) Mutate(ctx context.Context, id string, now time.Time, fn Mutation) (Agent, Agent, error) {
	var before, after Agent
	err := utils.WithTx(ctx, r.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		cur, err := lockAgent(ctx, tx, id)
		if err != nil {
			return err
		}
		before = cur
		next := cur
		if err := fn(&next); err != nil {
			return err
		}
		if next.Status != cur.Status {
			next.StatusSince = now
			if err := closeOpenEntry(ctx, tx, id, now); err != nil {
				return err
			}
			if err := openEntry(ctx, tx, TimeLogEntry{
				ID:         uuid.NewString(),
				AgentID:    id,
				Status:     next.Status,
				CampaignID: next.CampaignID,
				StartedAt:  now,
			}); err != nil {
				return err
			}
		}
		if err := updateAgent(ctx, tx, next); err != nil {
			return err
		}
		after = next
		return nil
	})
	if errors.Is(err, errNoChange) {
		return before, before, nil
	}
	if err != nil {
		return Agent{}, Agent{}, err
	}
	return before, after, nil
}

func (r *PostgresRepo) list(ctx context.Context, query string, args ...any) ([]Agent, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) ListAvailable(ctx context.Context, campaignID string) ([]Agent, error) {
	return r.list(ctx, `SELECT `+agentColumns+`
FROM agents
WHERE current_campaign_id = $1 AND status = 'available'
ORDER BY status_since ASC`, campaignID)
}

func (r *PostgresRepo) ListReadyBridges(ctx context.Context, campaignID string) ([]Agent, error) {
	return r.list(ctx, `SELECT `+agentColumns+`
FROM agents
WHERE current_campaign_id = $1 AND status = 'available' AND bridge_ready AND bridge_id IS NOT NULL
ORDER BY status_since ASC`, campaignID)
}

func (r *PostgresRepo) ListStale(ctx context.Context, heartbeatBefore time.Time) ([]Agent, error) {
	return r.list(ctx, `SELECT `+agentColumns+`
FROM agents
WHERE status <> 'offline' AND last_heartbeat < $1
ORDER BY last_heartbeat ASC`, heartbeatBefore)
}

func (r *PostgresRepo) ListInWrapup(ctx context.Context) ([]Agent, error) {
	return r.list(ctx, `SELECT `+agentColumns+`
FROM agents
WHERE status = 'wrapup'
ORDER BY status_since ASC`)
}

func (r *PostgresRepo) Counts(ctx context.Context, campaignID string) (Counts, error) {
	const q = `
SELECT status, COUNT(*)
FROM agents
WHERE $1 = '' OR current_campaign_id = $1
GROUP BY status
`
	rows, err := r.db.QueryContext(ctx, q, campaignID)
	if err != nil {
		return Counts{}, err
	}
	defer rows.Close()
	var c Counts
	for rows.Next() {
		var (
			s Status
			n int
		)
		if err := rows.Scan(&s, &n); err != nil {
			return Counts{}, err
		}
		c.add(s, n)
	}
	return c, rows.Err()
}

func (r *PostgresRepo) AvgWrapup(ctx context.Context, campaignID string, since time.Time) (time.Duration, error) {
	const q = `
SELECT COALESCE(AVG(duration_seconds), 0)
FROM agent_time_log
WHERE campaign_id = $1 AND status = 'wrapup' AND ended_at IS NOT NULL AND started_at >= $2
`
	var secs float64
	if err := r.db.QueryRowContext(ctx, q, campaignID, since).Scan(&secs); err != nil {
		return 0, err
	}
	return time.Duration(secs * float64(time.Second)), nil
}

func (r *PostgresRepo) OpenEntries(ctx context.Context, agentID string) ([]TimeLogEntry, error) {
	const q = `
SELECT id, agent_id, status, COALESCE(campaign_id, ''), started_at
FROM agent_time_log
WHERE agent_id = $1 AND ended_at IS NULL
`
	rows, err := r.db.QueryContext(ctx, q, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TimeLogEntry
	for rows.Next() {
		var e TimeLogEntry
		if err := rows.Scan(&e.ID, &e.AgentID, &e.Status, &e.CampaignID, &e.StartedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
