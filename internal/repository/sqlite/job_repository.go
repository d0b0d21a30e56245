// Package sqlite is the single-node durable backend. Timestamps are stored as
// unix milliseconds.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"scan-orchestrator/internal/entity"
)

const defaultListLimit = 100

const schema = `
CREATE TABLE IF NOT EXISTS scan_jobs (
  id TEXT PRIMARY KEY,
  directory TEXT NOT NULL,
  state TEXT NOT NULL,
  result TEXT,
  error TEXT NOT NULL DEFAULT '',
  attempts INTEGER NOT NULL DEFAULT 0,
  stalls INTEGER NOT NULL DEFAULT 0,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL,
  heartbeat_at INTEGER,
  stalled_at INTEGER,
  finished_on INTEGER
);
CREATE INDEX IF NOT EXISTS scan_jobs_state_created_idx ON scan_jobs (state, created_at);
CREATE INDEX IF NOT EXISTS scan_jobs_finished_on_idx ON scan_jobs (finished_on);
`

const jobColumns = `id, directory, state, result, error, attempts, stalls,
created_at, updated_at, heartbeat_at, stalled_at, finished_on`

type JobRepository struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies the schema.
func Open(path string) (*JobRepository, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// Transition is read-modify-write inside a transaction; a single
	// connection serializes those without SQLITE_BUSY upgrades.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &JobRepository{db: db}, nil
}

func (r *JobRepository) Close() error { return r.db.Close() }

func (r *JobRepository) Create(ctx context.Context, job *entity.Job) error {
	const q = `
INSERT INTO scan_jobs (id, directory, state, error, attempts, stalls, created_at, updated_at)
VALUES (?, ?, 'waiting', '', 0, 0, ?, ?)
ON CONFLICT (id) DO UPDATE SET
  directory = excluded.directory,
  state = 'waiting',
  result = NULL,
  error = '',
  attempts = 0,
  stalls = 0,
  created_at = excluded.created_at,
  updated_at = excluded.updated_at,
  heartbeat_at = NULL,
  stalled_at = NULL,
  finished_on = NULL
WHERE scan_jobs.state IN ('completed', 'failed')
RETURNING id`

	var id string
	err := r.db.QueryRowContext(ctx, q,
		job.ID,
		job.Payload.Directory,
		job.CreatedAt.UnixMilli(),
		job.UpdatedAt.UnixMilli(),
	).Scan(&id)
	if err == nil {
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	existing, getErr := r.GetByID(ctx, job.ID)
	if getErr != nil {
		return fmt.Errorf("load conflicting job: %w", getErr)
	}
	return &entity.DuplicateJobError{Existing: existing}
}

func (r *JobRepository) GetByID(ctx context.Context, id string) (*entity.Job, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM scan_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, entity.ErrNotFound
		}
		return nil, err
	}
	return job, nil
}

func (r *JobRepository) List(ctx context.Context, filter entity.ListFilter) ([]*entity.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM scan_jobs`
	args := []any{}
	if filter.State != nil {
		query += " WHERE state = ?"
		args = append(args, string(*filter.State))
	}
	query += " ORDER BY created_at, id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	return r.query(ctx, query, args...)
}

func (r *JobRepository) Transition(ctx context.Context, id string, t entity.Transition) (entity.JobState, *entity.Job, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return "", nil, err
	}
	defer func() { _ = tx.Rollback() }()

	job, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM scan_jobs WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil, entity.ErrNotFound
		}
		return "", nil, err
	}

	prev := job.State
	if !t.Permits(job) {
		return prev, job, entity.ErrTransitionRejected
	}
	t.Apply(job)

	_, err = tx.ExecContext(ctx,
		`UPDATE scan_jobs
         SET state = ?, result = ?, error = ?, attempts = ?, stalls = ?,
             updated_at = ?, heartbeat_at = ?, stalled_at = ?, finished_on = ?
         WHERE id = ?`,
		string(job.State),
		nullableJSON(job.Result),
		job.Error,
		job.Attempts,
		job.Stalls,
		job.UpdatedAt.UnixMilli(),
		nullableMillis(job.HeartbeatAt),
		nullableMillis(job.StalledAt),
		nullableMillis(job.FinishedOn),
		job.ID,
	)
	if err != nil {
		return prev, nil, err
	}
	if err := tx.Commit(); err != nil {
		return prev, nil, err
	}
	return prev, job, nil
}

func (r *JobRepository) Heartbeat(ctx context.Context, id string, at time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE scan_jobs SET heartbeat_at = ? WHERE id = ? AND state = 'active'`,
		at.UnixMilli(), id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := r.GetByID(ctx, id); err != nil {
			return err
		}
		return entity.ErrTransitionRejected
	}
	return nil
}

func (r *JobRepository) NextCandidate(ctx context.Context, reclaimBefore time.Time) (*entity.Job, error) {
	cutoff := reclaimBefore.UnixMilli()
	row := r.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM scan_jobs
       WHERE state = 'waiting'
          OR (state = 'stalled' AND stalled_at < ?)
          OR (state = 'resumed' AND updated_at < ?)
       ORDER BY created_at, id
       LIMIT 1`,
		cutoff, cutoff,
	)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, entity.ErrNotFound
		}
		return nil, err
	}
	return job, nil
}

func (r *JobRepository) ListUnresponsive(ctx context.Context, before time.Time, limit int) ([]*entity.Job, error) {
	return r.query(ctx,
		`SELECT `+jobColumns+` FROM scan_jobs
       WHERE state = 'active' AND heartbeat_at < ?
       ORDER BY created_at, id LIMIT ?`,
		before.UnixMilli(), positive(limit),
	)
}

func (r *JobRepository) ListReclaimable(ctx context.Context, before time.Time, limit int) ([]*entity.Job, error) {
	return r.query(ctx,
		`SELECT `+jobColumns+` FROM scan_jobs
       WHERE state = 'stalled' AND stalled_at < ?
       ORDER BY created_at, id LIMIT ?`,
		before.UnixMilli(), positive(limit),
	)
}

func (r *JobRepository) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM scan_jobs WHERE state IN ('completed', 'failed') AND finished_on < ?`,
		cutoff.UnixMilli(),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *JobRepository) query(ctx context.Context, query string, args ...any) ([]*entity.Job, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*entity.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*entity.Job, error) {
	var (
		job                            entity.Job
		stateStr                       string
		result                         sql.NullString
		createdMs, updatedMs           int64
		heartbeatMs, stalledMs, doneMs sql.NullInt64
	)
	if err := row.Scan(
		&job.ID,
		&job.Payload.Directory,
		&stateStr,
		&result,
		&job.Error,
		&job.Attempts,
		&job.Stalls,
		&createdMs,
		&updatedMs,
		&heartbeatMs,
		&stalledMs,
		&doneMs,
	); err != nil {
		return nil, err
	}

	job.State = entity.JobState(stateStr)
	job.CreatedAt = time.UnixMilli(createdMs).UTC()
	job.UpdatedAt = time.UnixMilli(updatedMs).UTC()
	job.HeartbeatAt = fromMillis(heartbeatMs)
	job.StalledAt = fromMillis(stalledMs)
	job.FinishedOn = fromMillis(doneMs)
	if result.Valid {
		job.Result = json.RawMessage(result.String)
	}
	return &job, nil
}

func fromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func nullableMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func nullableJSON(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func positive(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	return limit
}
