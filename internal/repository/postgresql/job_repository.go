package postgresql

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"scan-orchestrator/internal/entity"
)

//go:embed schema.sql
var schemaSQL string

const defaultListLimit = 100

const jobColumns = `id, directory, state, result, error, attempts, stalls,
created_at, updated_at, heartbeat_at, stalled_at, finished_on`

func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}

type JobRepository struct {
	pool *pgxpool.Pool
}

func NewJobRepository(pool *pgxpool.Pool) *JobRepository {
	return &JobRepository{pool: pool}
}

// Migrate creates the scan_jobs table and its indexes if they do not exist.
func (r *JobRepository) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schemaSQL, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (r *JobRepository) Create(ctx context.Context, job *entity.Job) error {
	// A terminal record with the same id is overwritten; an in-flight one is left alone.
	const q = `
INSERT INTO scan_jobs (id, directory, state, created_at, updated_at)
VALUES ($1, $2, 'waiting', $3, $4)
ON CONFLICT (id) DO UPDATE SET
    directory = EXCLUDED.directory,
    state = 'waiting',
    result = NULL,
    error = '',
    attempts = 0,
    stalls = 0,
    created_at = EXCLUDED.created_at,
    updated_at = EXCLUDED.updated_at,
    heartbeat_at = NULL,
    stalled_at = NULL,
    finished_on = NULL
WHERE scan_jobs.state IN ('completed', 'failed')
RETURNING id;
`
	var id string
	err := r.pool.QueryRow(ctx, q, job.ID, job.Payload.Directory, job.CreatedAt, job.UpdatedAt).Scan(&id)
	if err == nil {
		return nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return err
	}

	existing, getErr := r.GetByID(ctx, job.ID)
	if getErr != nil {
		return fmt.Errorf("load conflicting job: %w", getErr)
	}
	return &entity.DuplicateJobError{Existing: existing}
}

func (r *JobRepository) GetByID(ctx context.Context, id string) (*entity.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM scan_jobs WHERE id = $1;`

	job, err := scanJob(r.pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, entity.ErrNotFound
		}
		return nil, err
	}
	return job, nil
}

func (r *JobRepository) List(ctx context.Context, filter entity.ListFilter) ([]*entity.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM scan_jobs`
	args := []any{}
	if filter.State != nil {
		q += ` WHERE state = $1`
		args = append(args, string(*filter.State))
	}
	q += ` ORDER BY created_at, id`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		q += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	q += `;`

	return r.query(ctx, q, args...)
}

func (r *JobRepository) Transition(ctx context.Context, id string, t entity.Transition) (entity.JobState, *entity.Job, error) {
	var (
		prev entity.JobState
		out  *entity.Job
	)
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		q := `SELECT ` + jobColumns + ` FROM scan_jobs WHERE id = $1 FOR UPDATE;`
		job, err := scanJob(tx.QueryRow(ctx, q, id))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return entity.ErrNotFound
			}
			return err
		}

		prev = job.State
		out = job
		if !t.Permits(job) {
			return entity.ErrTransitionRejected
		}
		t.Apply(job)

		const upd = `
UPDATE scan_jobs
SET state = $2, result = $3, error = $4, attempts = $5, stalls = $6,
    updated_at = $7, heartbeat_at = $8, stalled_at = $9, finished_on = $10
WHERE id = $1;
`
		_, err = tx.Exec(ctx, upd,
			job.ID,
			string(job.State),
			nullableJSON(job.Result),
			job.Error,
			job.Attempts,
			job.Stalls,
			job.UpdatedAt,
			job.HeartbeatAt,
			job.StalledAt,
			job.FinishedOn,
		)
		return err
	})
	return prev, out, err
}

func (r *JobRepository) Heartbeat(ctx context.Context, id string, at time.Time) error {
	const q = `UPDATE scan_jobs SET heartbeat_at = $2 WHERE id = $1 AND state = 'active';`

	tag, err := r.pool.Exec(ctx, q, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetByID(ctx, id); err != nil {
			return err
		}
		return entity.ErrTransitionRejected
	}
	return nil
}

func (r *JobRepository) NextCandidate(ctx context.Context, reclaimBefore time.Time) (*entity.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM scan_jobs
WHERE state = 'waiting'
   OR (state = 'stalled' AND stalled_at < $1)
   OR (state = 'resumed' AND updated_at < $1)
ORDER BY created_at, id
LIMIT 1;`

	job, err := scanJob(r.pool.QueryRow(ctx, q, reclaimBefore))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, entity.ErrNotFound
		}
		return nil, err
	}
	return job, nil
}

func (r *JobRepository) ListUnresponsive(ctx context.Context, before time.Time, limit int) ([]*entity.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM scan_jobs
WHERE state = 'active' AND heartbeat_at < $1
ORDER BY created_at, id
LIMIT $2;`
	return r.query(ctx, q, before, positive(limit))
}

func (r *JobRepository) ListReclaimable(ctx context.Context, before time.Time, limit int) ([]*entity.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM scan_jobs
WHERE state = 'stalled' AND stalled_at < $1
ORDER BY created_at, id
LIMIT $2;`
	return r.query(ctx, q, before, positive(limit))
}

func (r *JobRepository) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	const q = `DELETE FROM scan_jobs WHERE state IN ('completed', 'failed') AND finished_on < $1;`

	tag, err := r.pool.Exec(ctx, q, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *JobRepository) query(ctx context.Context, q string, args ...any) ([]*entity.Job, error) {
	rows, err := r.pool.Query(ctx, q, args...)
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

func scanJob(row pgx.Row) (*entity.Job, error) {
	var (
		job         entity.Job
		stateText   string
		resultBytes []byte
	)
	if err := row.Scan(
		&job.ID,
		&job.Payload.Directory,
		&stateText,
		&resultBytes, // NULL => nil
		&job.Error,
		&job.Attempts,
		&job.Stalls,
		&job.CreatedAt,
		&job.UpdatedAt,
		&job.HeartbeatAt,
		&job.StalledAt,
		&job.FinishedOn,
	); err != nil {
		return nil, err
	}

	job.State = entity.JobState(stateText)
	if resultBytes != nil {
		job.Result = json.RawMessage(resultBytes)
	}
	return &job, nil
}

func nullableJSON(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}

func positive(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	return limit
}
