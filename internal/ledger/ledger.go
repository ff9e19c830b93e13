// Package ledger is the Postgres implementation of ingest.UnitStore.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/menome/thelink/backend/internal/util"
	"github.com/menome/thelink/backend/pkg/apperr"
	"github.com/menome/thelink/backend/pkg/ingest"
	"github.com/menome/thelink/backend/pkg/logger"
)

const defaultStaleLimit = 1000

// DBPool is the part of *pgxpool.Pool the ledger uses.
type DBPool interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

type Ledger struct {
	db DBPool
}

var _ ingest.UnitStore = (*Ledger)(nil)

func New(pool *pgxpool.Pool) *Ledger {
	return &Ledger{db: pool}
}

// NewWithPool wraps any DBPool, for example a pgxmock pool.
func NewWithPool(db DBPool) *Ledger {
	return &Ledger{db: db}
}

func (l *Ledger) CreateUnits(ctx context.Context, units []ingest.Unit) (err error) {
	if len(units) == 0 {
		return nil
	}
	tx, err := l.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	runs, err := insertUnits(ctx, tx, units)
	if err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	logger.Debug("[Ledger] Created units", "count", len(units), "runs", runs)
	return nil
}

// insertUnits inserts units and their runs and returns the number of runs.
func insertUnits(ctx context.Context, tx pgx.Tx, units []ingest.Unit) (int, error) {
	runs := make(map[string]bool)
	for _, u := range units {
		if !runs[u.RunID] {
			runs[u.RunID] = true
			if _, err := tx.Exec(ctx, insertRunSQL, u.RunID, u.DocumentID); err != nil {
				return 0, fmt.Errorf("insert run %s: %w", u.RunID, err)
			}
		}
		payload, err := json.Marshal(u.Payload)
		if err != nil {
			return 0, fmt.Errorf("marshal payload of %s: %w", u.ID, err)
		}
		_, err = tx.Exec(ctx, insertUnitSQL,
			u.ID, u.RunID, u.DocumentID, string(u.Kind), u.PageIndex, u.ChildIndex,
			payload, u.MaxAttempts, u.CreatedAt,
		)
		if err != nil {
			return 0, fmt.Errorf("insert unit %s: %w", u.ID, err)
		}
	}
	return len(runs), nil
}

func (l *Ledger) GetUnit(ctx context.Context, id string) (ingest.Unit, error) {
	u, err := scanUnit(l.db.QueryRow(ctx, selectUnitSQL+" WHERE id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return ingest.Unit{}, apperr.NotFound("ledger.GetUnit", fmt.Errorf("unit %s", id))
	}
	return u, err
}

// ClaimUnit serialises claims per document with a transaction scoped
// advisory lock, so the running count and the update cannot interleave with
// a claim on a sibling unit.
func (l *Ledger) ClaimUnit(ctx context.Context, id string, ceiling int, staleAfter time.Duration) (u ingest.Unit, claim ingest.ClaimResult, err error) {
	tx, err := l.db.Begin(ctx)
	if err != nil {
		return u, ingest.ClaimSkip, fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	staleMs := staleAfter.Milliseconds()
	var stale bool
	u, stale, err = scanClaimable(tx.QueryRow(ctx, lockUnitSQL, id, staleMs))
	if errors.Is(err, pgx.ErrNoRows) {
		err = apperr.NotFound("ledger.ClaimUnit", fmt.Errorf("unit %s", id))
		return u, ingest.ClaimSkip, err
	}
	if err != nil {
		return u, ingest.ClaimSkip, fmt.Errorf("lock unit: %w", err)
	}

	if u.State.Terminal() || (u.State == ingest.StateRunning && !stale) {
		return u, ingest.ClaimSkip, tx.Commit(ctx)
	}

	if _, err = tx.Exec(ctx, lockDocumentSQL, u.DocumentID); err != nil {
		return u, ingest.ClaimSkip, fmt.Errorf("lock document: %w", err)
	}
	var running int
	if err = tx.QueryRow(ctx, countRunningSQL, u.DocumentID, u.ID, staleMs).Scan(&running); err != nil {
		return u, ingest.ClaimSkip, fmt.Errorf("count running: %w", err)
	}
	if running >= ceiling {
		return u, ingest.ClaimBusy, tx.Commit(ctx)
	}

	if err = tx.QueryRow(ctx, startUnitSQL, u.ID).Scan(&u.Attempts, &u.UpdatedAt); err != nil {
		return u, ingest.ClaimSkip, fmt.Errorf("start unit: %w", err)
	}
	u.State = ingest.StateRunning
	if err = tx.Commit(ctx); err != nil {
		return u, ingest.ClaimSkip, fmt.Errorf("commit: %w", err)
	}
	return u, ingest.ClaimAcquired, nil
}

// setState moves a unit to state if it is currently in one of from. A unit
// in any other state is left alone and reported as ingest.ErrUnitSettled.
func (l *Ledger) setState(ctx context.Context, op, id string, state ingest.UnitState, reason string, from ...ingest.UnitState) error {
	tag, err := l.db.Exec(ctx, setStateSQL, id, string(state), reason, stateNames(from))
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return l.unchanged(ctx, op, id)
	}
	return nil
}

// unchanged explains an update that matched no row.
func (l *Ledger) unchanged(ctx context.Context, op, id string) error {
	var current string
	err := l.db.QueryRow(ctx, unitStateSQL, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.NotFound(op, fmt.Errorf("unit %s", id))
	}
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	logger.Debug("[Ledger] State change skipped", "op", op, "unit_id", id, "state", current)
	return fmt.Errorf("%s: unit %s is %s: %w", op, id, current, ingest.ErrUnitSettled)
}

func stateNames(states []ingest.UnitState) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}

func (l *Ledger) CompleteUnit(ctx context.Context, id string, derived []ingest.Unit) (err error) {
	const op = "ledger.CompleteUnit"
	tx, err := l.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	tag, err := tx.Exec(ctx, setStateSQL, id, string(ingest.StateSucceeded), "", stateNames([]ingest.UnitState{ingest.StateRunning}))
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		err = l.unchanged(ctx, op, id)
		return err
	}
	if _, err = insertUnits(ctx, tx, derived); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (l *Ledger) RetryUnit(ctx context.Context, id string, reason string) error {
	return l.setState(ctx, "ledger.RetryUnit", id, ingest.StateQueued, reason, ingest.StateRunning)
}

func (l *Ledger) ReleaseUnit(ctx context.Context, id string) error {
	tag, err := l.db.Exec(ctx, releaseUnitSQL, id)
	if err != nil {
		return fmt.Errorf("ledger.ReleaseUnit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return l.unchanged(ctx, "ledger.ReleaseUnit", id)
	}
	return nil
}

func (l *Ledger) FailUnit(ctx context.Context, id string, reason string) error {
	return l.setState(ctx, "ledger.FailUnit", id, ingest.StateFailed, reason, ingest.StateQueued, ingest.StateRunning)
}

func (l *Ledger) AbandonRun(ctx context.Context, runID string) (int, error) {
	tag, err := l.db.Exec(ctx, abandonRunSQL, runID)
	if err != nil {
		return 0, fmt.Errorf("abandon run: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (l *Ledger) AbandonDocument(ctx context.Context, documentID string) (int, error) {
	tag, err := l.db.Exec(ctx, abandonDocumentSQL, documentID)
	if err != nil {
		return 0, fmt.Errorf("abandon document: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (l *Ledger) AbandonQueued(ctx context.Context) (int, error) {
	tag, err := l.db.Exec(ctx, abandonQueuedSQL)
	if err != nil {
		return 0, fmt.Errorf("abandon queued: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (l *Ledger) CountUnits(ctx context.Context, documentID string) (util.UnitCounts, error) {
	var c util.UnitCounts
	rows, err := l.db.Query(ctx, countUnitsSQL, documentID)
	if err != nil {
		return c, fmt.Errorf("count units: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var state string
		var n int64
		if err := rows.Scan(&state, &n); err != nil {
			return c, err
		}
		switch ingest.UnitState(state) {
		case ingest.StateQueued:
			c.Queued = n
		case ingest.StateRunning:
			c.Running = n
		case ingest.StateSucceeded:
			c.Succeeded = n
		case ingest.StateFailed:
			c.Failed = n
		case ingest.StateAbandoned:
			c.Abandoned = n
		default:
			logger.Warn("[Ledger] Unknown unit state", "state", state, "document_id", documentID)
		}
	}
	return c, rows.Err()
}

func (l *Ledger) ListStale(ctx context.Context, olderThan, staleAfter time.Duration, limit int) ([]ingest.Unit, error) {
	if limit <= 0 {
		limit = defaultStaleLimit
	}
	rows, err := l.db.Query(ctx, listStaleSQL, olderThan.Milliseconds(), staleAfter.Milliseconds(), limit)
	if err != nil {
		return nil, fmt.Errorf("list stale units: %w", err)
	}
	defer rows.Close()

	var out []ingest.Unit
	for rows.Next() {
		u, err := scanUnit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func scanUnit(row pgx.Row) (ingest.Unit, error) {
	var u ingest.Unit
	var kind, state string
	var payload []byte
	err := row.Scan(
		&u.ID, &u.RunID, &u.DocumentID, &kind, &u.PageIndex, &u.ChildIndex, &payload,
		&state, &u.Attempts, &u.MaxAttempts, &u.LastError, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		return u, err
	}
	u.Kind = ingest.UnitKind(kind)
	u.State = ingest.UnitState(state)
	if err := json.Unmarshal(payload, &u.Payload); err != nil {
		return u, fmt.Errorf("decode payload of %s: %w", u.ID, err)
	}
	return u, nil
}

func scanClaimable(row pgx.Row) (ingest.Unit, bool, error) {
	var stale bool
	u, err := scanUnit(stalenessRow{row: row, stale: &stale})
	return u, stale, err
}

// stalenessRow appends the trailing stale column of lockUnitSQL to a unit
// scan.
type stalenessRow struct {
	row   pgx.Row
	stale *bool
}

func (r stalenessRow) Scan(dest ...any) error {
	return r.row.Scan(append(dest, r.stale)...)
}

const unitColumns = `id::text, run_id, document_id::text, kind, page_index, child_index, payload,
    state, attempts, max_attempts, last_error, created_at, updated_at`

const selectUnitSQL = `SELECT ` + unitColumns + ` FROM units`

const insertRunSQL = `
INSERT INTO ingest_runs (id, document_id)
VALUES ($1, $2)
ON CONFLICT (id) DO NOTHING;
`

const insertUnitSQL = `
INSERT INTO units (id, run_id, document_id, kind, page_index, child_index, payload,
                   state, attempts, max_attempts, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, 'queued', 0, $8, $9, $9)
ON CONFLICT (id) DO NOTHING;
`

const lockUnitSQL = `
SELECT ` + unitColumns + `,
       updated_at < now() - ($2::bigint * interval '1 millisecond') AS stale
FROM units
WHERE id = $1
FOR UPDATE;
`

const lockDocumentSQL = `SELECT pg_advisory_xact_lock(hashtext($1::text));`

const countRunningSQL = `
SELECT count(*)
FROM units
WHERE document_id = $1
  AND id <> $2
  AND state = 'running'
  AND updated_at >= now() - ($3::bigint * interval '1 millisecond');
`

const startUnitSQL = `
UPDATE units
SET state = 'running', attempts = attempts + 1, updated_at = now()
WHERE id = $1
RETURNING attempts, updated_at;
`

const setStateSQL = `
UPDATE units
SET state = $2, last_error = $3, updated_at = now()
WHERE id = $1 AND state = ANY($4::text[]);
`

const releaseUnitSQL = `
UPDATE units
SET state = 'queued', attempts = GREATEST(attempts - 1, 0), updated_at = now()
WHERE id = $1 AND state = 'running';
`

const unitStateSQL = `SELECT state FROM units WHERE id = $1;`

const abandonRunSQL = `
UPDATE units
SET state = 'abandoned', updated_at = now()
WHERE run_id = $1 AND state = 'queued';
`

const abandonDocumentSQL = `
UPDATE units
SET state = 'abandoned', updated_at = now()
WHERE document_id = $1 AND state IN ('queued', 'running');
`

const abandonQueuedSQL = `
UPDATE units
SET state = 'abandoned', updated_at = now()
WHERE state = 'queued';
`

const countUnitsSQL = `
SELECT u.state, count(*)
FROM units u
WHERE u.run_id = (
    SELECT r.id FROM ingest_runs r
    WHERE r.document_id = $1
    ORDER BY r.seq DESC
    LIMIT 1
)
GROUP BY u.state;
`

const listStaleSQL = `
SELECT ` + unitColumns + `
FROM units
WHERE (state = 'queued' AND updated_at < now() - ($1::bigint * interval '1 millisecond'))
   OR (state = 'running' AND updated_at < now() - ($2::bigint * interval '1 millisecond'))
ORDER BY updated_at
LIMIT $3;
`
