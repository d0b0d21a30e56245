package service

import (
	"context"
	"time"

	"scan-orchestrator/internal/entity"
)

// Repository is the durable record port of the Store.
// Implementations: memory.JobRepository, sqlite.JobRepository,
// postgresql.JobRepository. Every method must be safe for concurrent use, and
// Transition must be atomic with respect to the state check.
type Repository interface {
	// Create inserts job in waiting state. If the id exists in a terminal
	// state the record is replaced; if it exists in any other state Create
	// returns *entity.DuplicateJobError.
	Create(ctx context.Context, job *entity.Job) error
	GetByID(ctx context.Context, id string) (*entity.Job, error)
	List(ctx context.Context, filter entity.ListFilter) ([]*entity.Job, error)

	// Transition applies t only if the job's current state is in t.From and
	// returns the previous state and the updated record. It returns
	// entity.ErrNotFound or entity.ErrTransitionRejected otherwise.
	Transition(ctx context.Context, id string, t entity.Transition) (entity.JobState, *entity.Job, error)

	// Heartbeat refreshes heartbeat_at of an active job.
	Heartbeat(ctx context.Context, id string, at time.Time) error

	// NextCandidate returns the oldest job a worker may claim: waiting, or
	// stalled/resumed since before reclaimBefore.
	NextCandidate(ctx context.Context, reclaimBefore time.Time) (*entity.Job, error)
	// ListUnresponsive returns active jobs whose heartbeat is older than before.
	ListUnresponsive(ctx context.Context, before time.Time, limit int) ([]*entity.Job, error)
	// ListReclaimable returns stalled jobs stalled before the given time.
	ListReclaimable(ctx context.Context, before time.Time, limit int) ([]*entity.Job, error)

	// DeleteFinishedBefore deletes completed/failed jobs with finished_on < cutoff.
	DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
