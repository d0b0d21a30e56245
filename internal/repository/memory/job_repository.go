// Package memory keeps job records in a lock-protected map. It backs the
// "memory" store backend and the tests of every component above the store.
package memory

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"scan-orchestrator/internal/entity"
)

type JobRepository struct {
	mu   sync.RWMutex
	jobs map[string]*entity.Job
}

func NewJobRepository() *JobRepository {
	return &JobRepository{jobs: make(map[string]*entity.Job)}
}

func (r *JobRepository) Create(_ context.Context, job *entity.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.jobs[job.ID]; ok && !existing.State.Terminal() {
		return &entity.DuplicateJobError{Existing: existing.Clone()}
	}
	r.jobs[job.ID] = job.Clone()
	return nil
}

func (r *JobRepository) GetByID(_ context.Context, id string) (*entity.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	j, ok := r.jobs[id]
	if !ok {
		return nil, entity.ErrNotFound
	}
	return j.Clone(), nil
}

func (r *JobRepository) List(_ context.Context, filter entity.ListFilter) ([]*entity.Job, error) {
	r.mu.RLock()
	out := make([]*entity.Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		if filter.State != nil && j.State != *filter.State {
			continue
		}
		out = append(out, j.Clone())
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b *entity.Job) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return compareID(a, b)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (r *JobRepository) Transition(_ context.Context, id string, t entity.Transition) (entity.JobState, *entity.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok {
		return "", nil, entity.ErrNotFound
	}
	prev := j.State
	if !t.Permits(j) {
		return prev, j.Clone(), entity.ErrTransitionRejected
	}
	t.Apply(j)
	return prev, j.Clone(), nil
}

func (r *JobRepository) Heartbeat(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok {
		return entity.ErrNotFound
	}
	if j.State != entity.StateActive {
		return entity.ErrTransitionRejected
	}
	hb := at
	j.HeartbeatAt = &hb
	return nil
}

func (r *JobRepository) NextCandidate(_ context.Context, reclaimBefore time.Time) (*entity.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *entity.Job
	for _, j := range r.jobs {
		if !claimable(j, reclaimBefore) {
			continue
		}
		if best == nil || j.CreatedAt.Before(best.CreatedAt) ||
			(j.CreatedAt.Equal(best.CreatedAt) && compareID(j, best) < 0) {
			best = j
		}
	}
	if best == nil {
		return nil, entity.ErrNotFound
	}
	return best.Clone(), nil
}

func claimable(j *entity.Job, reclaimBefore time.Time) bool {
	switch j.State {
	case entity.StateWaiting:
		return true
	case entity.StateStalled:
		return j.StalledAt != nil && j.StalledAt.Before(reclaimBefore)
	case entity.StateResumed:
		return j.UpdatedAt.Before(reclaimBefore)
	default:
		return false
	}
}

func (r *JobRepository) ListUnresponsive(_ context.Context, before time.Time, limit int) ([]*entity.Job, error) {
	return r.collect(limit, func(j *entity.Job) bool {
		return j.State == entity.StateActive && j.HeartbeatAt != nil && j.HeartbeatAt.Before(before)
	}), nil
}

func (r *JobRepository) ListReclaimable(_ context.Context, before time.Time, limit int) ([]*entity.Job, error) {
	return r.collect(limit, func(j *entity.Job) bool {
		return j.State == entity.StateStalled && j.StalledAt != nil && j.StalledAt.Before(before)
	}), nil
}

func (r *JobRepository) collect(limit int, match func(*entity.Job) bool) []*entity.Job {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*entity.Job
	for _, j := range r.jobs {
		if match(j) {
			out = append(out, j.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *entity.Job) int { return a.CreatedAt.Compare(b.CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (r *JobRepository) DeleteFinishedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for id, j := range r.jobs {
		if j.State.Terminal() && j.FinishedOn != nil && j.FinishedOn.Before(cutoff) {
			delete(r.jobs, id)
			n++
		}
	}
	return n, nil
}

func compareID(a, b *entity.Job) int {
	return strings.Compare(a.ID, b.ID)
}
