package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"scan-orchestrator/internal/entity"
)

const (
	defaultStallGrace   = 30 * time.Second
	defaultPollInterval = 2 * time.Second
	lockStripes         = 64
	maxClaimRaces       = 16
)

// Publisher receives one event per committed state change.
type Publisher interface {
	Publish(evt entity.Event)
}

// Store is the job store: every state change goes through it, is committed
// to the repository with a conditional transition and is then published.
// Changes of one job are serialized, so its events are published in commit
// order.
type Store struct {
	repo  Repository
	queue Queue
	bus   Publisher

	now          func() time.Time
	stallGrace   time.Duration
	pollInterval time.Duration

	locks [lockStripes]sync.Mutex
}

type StoreOption func(*Store)

// WithQueue replaces the default in-memory dispatch queue.
func WithQueue(q Queue) StoreOption {
	return func(s *Store) { s.queue = q }
}

func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// WithStallGrace sets how long a stalled job waits before it may be reclaimed.
func WithStallGrace(d time.Duration) StoreOption {
	return func(s *Store) { s.stallGrace = d }
}

// WithPollInterval bounds how long Dequeue waits on the queue before it
// rescans the repository.
func WithPollInterval(d time.Duration) StoreOption {
	return func(s *Store) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

func NewStore(repo Repository, bus Publisher, opts ...StoreOption) *Store {
	s := &Store{
		repo:         repo,
		bus:          bus,
		now:          func() time.Time { return time.Now().UTC() },
		stallGrace:   defaultStallGrace,
		pollInterval: defaultPollInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.queue == nil {
		s.queue = NewMemoryQueue()
	}
	return s
}

func (s *Store) lock(id string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return &s.locks[h.Sum32()%lockStripes]
}

func (s *Store) publish(prev entity.JobState, job *entity.Job) {
	if s.bus != nil {
		s.bus.Publish(entity.NewEvent(prev, job))
	}
}

// Enqueue inserts a waiting job. If the id has a non-terminal record it
// returns *entity.DuplicateJobError; a terminal record is replaced.
func (s *Store) Enqueue(ctx context.Context, id string, payload entity.Payload) (*entity.Job, error) {
	if id == "" {
		return nil, errors.New("job id is required")
	}
	now := s.now()
	job := &entity.Job{
		ID:        id,
		Payload:   payload,
		State:     entity.StateWaiting,
		CreatedAt: now,
		UpdatedAt: now,
	}

	mu := s.lock(id)
	mu.Lock()
	err := s.repo.Create(ctx, job)
	if err == nil {
		s.publish("", job)
	}
	mu.Unlock()
	if err != nil {
		return nil, err
	}

	if err := s.queue.Push(ctx, id); err != nil {
		// the poll fallback in Dequeue still finds the job
		slog.WarnContext(ctx, "dispatch push failed", "job_id", id, "error", err)
	}
	return job.Clone(), nil
}

// Dequeue blocks until a job can be claimed and returns it in active state.
// Waiting jobs and stalled jobs past the grace period are claimable; a
// stalled job passes through resumed on the way. At most one caller gets a
// given job.
func (s *Store) Dequeue(ctx context.Context) (*entity.Job, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		job, err := s.claimNext(ctx)
		if err == nil {
			return job, nil
		}
		if !errors.Is(err, entity.ErrNotFound) {
			return nil, err
		}

		id, err := s.queue.Claim(ctx, s.pollInterval)
		switch {
		case err == nil:
			job, err := s.claim(ctx, id)
			if ackErr := s.queue.Ack(ctx, id); ackErr != nil {
				slog.WarnContext(ctx, "dispatch ack failed", "job_id", id, "error", ackErr)
			}
			if err == nil {
				return job, nil
			}
			if !lostRace(err) {
				return nil, err
			}
		case errors.Is(err, entity.ErrQueueEmpty):
		default:
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			slog.WarnContext(ctx, "dispatch claim failed", "error", err)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(s.pollInterval):
			}
		}
	}
}

func lostRace(err error) bool {
	return errors.Is(err, entity.ErrTransitionRejected) || errors.Is(err, entity.ErrNotFound)
}

// claimNext claims the oldest claimable job. It returns entity.ErrNotFound
// when there is none.
func (s *Store) claimNext(ctx context.Context) (*entity.Job, error) {
	for range maxClaimRaces {
		cand, err := s.repo.NextCandidate(ctx, s.now().Add(-s.stallGrace))
		if err != nil {
			return nil, err
		}
		job, err := s.claim(ctx, cand.ID)
		if err == nil {
			return job, nil
		}
		if !lostRace(err) {
			return nil, err
		}
	}
	return nil, entity.ErrNotFound
}

func (s *Store) claim(ctx context.Context, id string) (*entity.Job, error) {
	mu := s.lock(id)
	mu.Lock()
	defer mu.Unlock()

	cur, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	now := s.now()
	reclaimBefore := now.Add(-s.stallGrace)
	switch cur.State {
	case entity.StateWaiting:
	case entity.StateStalled:
		if cur.StalledAt == nil || !cur.StalledAt.Before(reclaimBefore) {
			return nil, entity.ErrTransitionRejected
		}
		prev, resumed, err := s.repo.Transition(ctx, id, entity.Transition{
			From: []entity.JobState{entity.StateStalled},
			To:   entity.StateResumed,
			At:   now,
		})
		if err != nil {
			return nil, err
		}
		s.publish(prev, resumed)
	case entity.StateResumed:
		// left behind by a claimer that died between resume and activation
		if !cur.UpdatedAt.Before(reclaimBefore) {
			return nil, entity.ErrTransitionRejected
		}
	default:
		return nil, entity.ErrTransitionRejected
	}

	prev, job, err := s.repo.Transition(ctx, id, entity.Transition{
		From: []entity.JobState{entity.StateWaiting, entity.StateResumed},
		To:   entity.StateActive,
		At:   now,
	})
	if err != nil {
		return nil, err
	}
	s.publish(prev, job)
	return job, nil
}

// MarkCompleted records a successful run. An empty result is stored as {}.
// Calling it on a job that is already terminal is a no-op.
func (s *Store) MarkCompleted(ctx context.Context, id string, result json.RawMessage) error {
	if len(result) == 0 {
		result = json.RawMessage(`{}`)
	}
	if !json.Valid(result) {
		return fmt.Errorf("complete job %s: result is not valid JSON", id)
	}
	return s.finish(ctx, id, entity.Transition{
		From:   []entity.JobState{entity.StateActive},
		To:     entity.StateCompleted,
		Result: result,
	})
}

// MarkFailed records a failed run. Calling it on a job that is already
// terminal is a no-op.
func (s *Store) MarkFailed(ctx context.Context, id string, msg string) error {
	return s.finish(ctx, id, entity.Transition{
		From:  []entity.JobState{entity.StateActive},
		To:    entity.StateFailed,
		Error: msg,
	})
}

func (s *Store) finish(ctx context.Context, id string, t entity.Transition) error {
	mu := s.lock(id)
	mu.Lock()
	defer mu.Unlock()

	t.At = s.now()
	prev, job, err := s.repo.Transition(ctx, id, t)
	if err != nil {
		if errors.Is(err, entity.ErrTransitionRejected) && prev.Terminal() {
			return nil
		}
		return fmt.Errorf("mark %s job %s (state %q): %w", t.To, id, prev, err)
	}
	s.publish(prev, job)
	return nil
}

// Heartbeat refreshes the liveness of an active job. It returns
// entity.ErrTransitionRejected once the job is no longer active, which tells
// the worker it lost the job.
func (s *Store) Heartbeat(ctx context.Context, id string) error {
	return s.repo.Heartbeat(ctx, id, s.now())
}

// markStalled moves an active job to stalled unless it sent a heartbeat at or
// after before. The repository checks the heartbeat in the same atomic step
// as the state change.
func (s *Store) markStalled(ctx context.Context, id string, before time.Time) (bool, error) {
	mu := s.lock(id)
	mu.Lock()
	defer mu.Unlock()

	prev, job, err := s.repo.Transition(ctx, id, entity.Transition{
		From:        []entity.JobState{entity.StateActive},
		To:          entity.StateStalled,
		At:          s.now(),
		SilentSince: before,
	})
	if err != nil {
		if errors.Is(err, entity.ErrTransitionRejected) {
			return false, nil
		}
		return false, err
	}
	s.publish(prev, job)
	return true, nil
}

func (s *Store) GetJob(ctx context.Context, id string) (*entity.Job, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Store) ListJobs(ctx context.Context, filter entity.ListFilter) ([]*entity.Job, error) {
	return s.repo.List(ctx, filter)
}

// DeleteFinishedBefore removes terminal jobs finished strictly before cutoff.
// Deletions are not lifecycle transitions and publish nothing.
func (s *Store) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.repo.DeleteFinishedBefore(ctx, cutoff)
}

// Now returns the store clock.
func (s *Store) Now() time.Time { return s.now() }
