// Package repotest holds the behavioural contract every service.Repository
// implementation is tested against.
package repotest

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"scan-orchestrator/internal/entity"
	"scan-orchestrator/internal/service"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func waiting(id string, createdAt time.Time) *entity.Job {
	return &entity.Job{
		ID:        id,
		Payload:   entity.Payload{Directory: "/src/" + id},
		State:     entity.StateWaiting,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
}

func to(state entity.JobState, at time.Time) entity.Transition {
	return entity.Transition{From: entity.Sources(state), To: state, At: at}
}

// Run executes the contract. newRepo must return an empty repository.
func Run(t *testing.T, newRepo func(t *testing.T) service.Repository) {
	t.Run("create and get", func(t *testing.T) {
		repo := newRepo(t)
		ctx := t.Context()

		require.NoError(t, repo.Create(ctx, waiting("j1", base)))
		got, err := repo.GetByID(ctx, "j1")
		require.NoError(t, err)
		require.Equal(t, "j1", got.ID)
		require.Equal(t, entity.StateWaiting, got.State)
		require.Equal(t, "/src/j1", got.Payload.Directory)
		require.True(t, base.Equal(got.CreatedAt))
		require.Nil(t, got.FinishedOn)
		require.Nil(t, got.Result)

		_, err = repo.GetByID(ctx, "missing")
		require.ErrorIs(t, err, entity.ErrNotFound)
	})

	t.Run("duplicate while in flight", func(t *testing.T) {
		repo := newRepo(t)
		ctx := t.Context()

		require.NoError(t, repo.Create(ctx, waiting("j1", base)))
		_, _, err := repo.Transition(ctx, "j1", to(entity.StateActive, base.Add(time.Second)))
		require.NoError(t, err)

		err = repo.Create(ctx, waiting("j1", base.Add(2*time.Second)))
		existing, ok := entity.IsDuplicate(err)
		require.True(t, ok, "expected duplicate error, got %v", err)
		require.Equal(t, entity.StateActive, existing.State)

		got, err := repo.GetByID(ctx, "j1")
		require.NoError(t, err)
		require.Equal(t, entity.StateActive, got.State)
	})

	t.Run("terminal record is replaced", func(t *testing.T) {
		repo := newRepo(t)
		ctx := t.Context()

		require.NoError(t, repo.Create(ctx, waiting("j1", base)))
		_, _, err := repo.Transition(ctx, "j1", to(entity.StateActive, base.Add(time.Second)))
		require.NoError(t, err)
		_, _, err = repo.Transition(ctx, "j1", entity.Transition{
			From: entity.Sources(entity.StateFailed), To: entity.StateFailed, At: base.Add(2 * time.Second), Error: "boom",
		})
		require.NoError(t, err)

		require.NoError(t, repo.Create(ctx, waiting("j1", base.Add(time.Minute))))
		got, err := repo.GetByID(ctx, "j1")
		require.NoError(t, err)
		require.Equal(t, entity.StateWaiting, got.State)
		require.Empty(t, got.Error)
		require.Nil(t, got.FinishedOn)
		require.Zero(t, got.Attempts)
	})

	t.Run("conditional transition", func(t *testing.T) {
		repo := newRepo(t)
		ctx := t.Context()

		require.NoError(t, repo.Create(ctx, waiting("j1", base)))

		_, _, err := repo.Transition(ctx, "j1", to(entity.StateCompleted, base))
		require.ErrorIs(t, err, entity.ErrTransitionRejected)

		prev, job, err := repo.Transition(ctx, "j1", to(entity.StateActive, base.Add(time.Second)))
		require.NoError(t, err)
		require.Equal(t, entity.StateWaiting, prev)
		require.Equal(t, entity.StateActive, job.State)
		require.Equal(t, 1, job.Attempts)
		require.NotNil(t, job.HeartbeatAt)

		result := json.RawMessage(`{"licenses":[{"key":"mit"}]}`)
		prev, job, err = repo.Transition(ctx, "j1", entity.Transition{
			From: entity.Sources(entity.StateCompleted), To: entity.StateCompleted, At: base.Add(2 * time.Second), Result: result,
		})
		require.NoError(t, err)
		require.Equal(t, entity.StateActive, prev)
		require.JSONEq(t, string(result), string(job.Result))
		require.NotNil(t, job.FinishedOn)
		require.True(t, base.Add(2*time.Second).Equal(*job.FinishedOn))

		prev, _, err = repo.Transition(ctx, "j1", to(entity.StateFailed, base.Add(3*time.Second)))
		require.ErrorIs(t, err, entity.ErrTransitionRejected)
		require.Equal(t, entity.StateCompleted, prev)

		_, _, err = repo.Transition(ctx, "missing", to(entity.StateActive, base))
		require.ErrorIs(t, err, entity.ErrNotFound)
	})

	t.Run("concurrent claim has one winner", func(t *testing.T) {
		repo := newRepo(t)
		ctx := t.Context()
		require.NoError(t, repo.Create(ctx, waiting("j1", base)))

		var wins atomic.Int32
		var wg sync.WaitGroup
		for range 8 {
			wg.Go(func() {
				_, _, err := repo.Transition(ctx, "j1", to(entity.StateActive, base.Add(time.Second)))
				if err == nil {
					wins.Add(1)
				} else if !errors.Is(err, entity.ErrTransitionRejected) {
					t.Errorf("unexpected error: %v", err)
				}
			})
		}
		wg.Wait()
		require.EqualValues(t, 1, wins.Load())
	})

	t.Run("heartbeat", func(t *testing.T) {
		repo := newRepo(t)
		ctx := t.Context()
		require.NoError(t, repo.Create(ctx, waiting("j1", base)))

		require.ErrorIs(t, repo.Heartbeat(ctx, "j1", base), entity.ErrTransitionRejected)
		require.ErrorIs(t, repo.Heartbeat(ctx, "missing", base), entity.ErrNotFound)

		_, _, err := repo.Transition(ctx, "j1", to(entity.StateActive, base))
		require.NoError(t, err)
		require.NoError(t, repo.Heartbeat(ctx, "j1", base.Add(time.Minute)))

		stale, err := repo.ListUnresponsive(ctx, base.Add(30*time.Second), 10)
		require.NoError(t, err)
		require.Empty(t, stale)

		stale, err = repo.ListUnresponsive(ctx, base.Add(2*time.Minute), 10)
		require.NoError(t, err)
		require.Len(t, stale, 1)
		require.Equal(t, "j1", stale[0].ID)
	})

	t.Run("stall transition rechecks heartbeat", func(t *testing.T) {
		repo := newRepo(t)
		ctx := t.Context()
		require.NoError(t, repo.Create(ctx, waiting("j1", base)))
		_, _, err := repo.Transition(ctx, "j1", to(entity.StateActive, base))
		require.NoError(t, err)
		require.NoError(t, repo.Heartbeat(ctx, "j1", base.Add(40*time.Second)))

		stall := entity.Transition{
			From:        []entity.JobState{entity.StateActive},
			To:          entity.StateStalled,
			At:          base.Add(time.Minute),
			SilentSince: base.Add(30 * time.Second),
		}
		prev, got, err := repo.Transition(ctx, "j1", stall)
		require.ErrorIs(t, err, entity.ErrTransitionRejected)
		require.Equal(t, entity.StateActive, prev)
		require.Equal(t, entity.StateActive, got.State)
		require.Zero(t, got.Stalls)

		stall.SilentSince = base.Add(50 * time.Second)
		_, got, err = repo.Transition(ctx, "j1", stall)
		require.NoError(t, err)
		require.Equal(t, entity.StateStalled, got.State)
		require.Equal(t, 1, got.Stalls)
	})

	t.Run("next candidate", func(t *testing.T) {
		repo := newRepo(t)
		ctx := t.Context()

		_, err := repo.NextCandidate(ctx, base)
		require.ErrorIs(t, err, entity.ErrNotFound)

		require.NoError(t, repo.Create(ctx, waiting("old", base)))
		require.NoError(t, repo.Create(ctx, waiting("new", base.Add(time.Hour))))

		// "old" becomes stalled at base+10s.
		_, _, err = repo.Transition(ctx, "old", to(entity.StateActive, base.Add(5*time.Second)))
		require.NoError(t, err)
		_, _, err = repo.Transition(ctx, "old", to(entity.StateStalled, base.Add(10*time.Second)))
		require.NoError(t, err)

		got, err := repo.NextCandidate(ctx, base.Add(10*time.Second))
		require.NoError(t, err)
		require.Equal(t, "new", got.ID, "stalled job is not reclaimable before grace")

		got, err = repo.NextCandidate(ctx, base.Add(11*time.Second))
		require.NoError(t, err)
		require.Equal(t, "old", got.ID)
		require.Equal(t, entity.StateStalled, got.State)
		require.Equal(t, 1, got.Stalls)

		reclaimable, err := repo.ListReclaimable(ctx, base.Add(11*time.Second), 10)
		require.NoError(t, err)
		require.Len(t, reclaimable, 1)
	})

	t.Run("list", func(t *testing.T) {
		repo := newRepo(t)
		ctx := t.Context()
		for i, id := range []string{"a", "b", "c"} {
			require.NoError(t, repo.Create(ctx, waiting(id, base.Add(time.Duration(i)*time.Second))))
		}
		_, _, err := repo.Transition(ctx, "b", to(entity.StateActive, base.Add(time.Minute)))
		require.NoError(t, err)

		all, err := repo.List(ctx, entity.ListFilter{})
		require.NoError(t, err)
		require.Equal(t, []string{"a", "b", "c"}, ids(all))

		active := entity.StateActive
		filtered, err := repo.List(ctx, entity.ListFilter{State: &active})
		require.NoError(t, err)
		require.Equal(t, []string{"b"}, ids(filtered))

		limited, err := repo.List(ctx, entity.ListFilter{Limit: 2})
		require.NoError(t, err)
		require.Equal(t, []string{"a", "b"}, ids(limited))
	})

	t.Run("list without limit returns every job", func(t *testing.T) {
		repo := newRepo(t)
		ctx := t.Context()
		const n = 150
		for i := range n {
			require.NoError(t, repo.Create(ctx, waiting(fmt.Sprintf("job-%03d", i), base.Add(time.Duration(i)*time.Millisecond))))
		}

		all, err := repo.List(ctx, entity.ListFilter{})
		require.NoError(t, err)
		require.Len(t, all, n)
		require.Equal(t, "job-000", all[0].ID)
		require.Equal(t, "job-149", all[n-1].ID)

		waitingState := entity.StateWaiting
		filtered, err := repo.List(ctx, entity.ListFilter{State: &waitingState})
		require.NoError(t, err)
		require.Len(t, filtered, n)
	})

	t.Run("delete finished before", func(t *testing.T) {
		repo := newRepo(t)
		ctx := t.Context()
		cutoff := base.Add(24 * time.Hour)

		finish := func(id string, state entity.JobState, at time.Time) {
			require.NoError(t, repo.Create(ctx, waiting(id, base)))
			_, _, err := repo.Transition(ctx, id, to(entity.StateActive, base))
			require.NoError(t, err)
			_, _, err = repo.Transition(ctx, id, entity.Transition{
				From: []entity.JobState{entity.StateActive}, To: state, At: at, Result: json.RawMessage(`{}`), Error: "x",
			})
			require.NoError(t, err)
		}
		finish("old-completed", entity.StateCompleted, cutoff.Add(-time.Second))
		finish("old-failed", entity.StateFailed, cutoff.Add(-time.Hour))
		finish("young-completed", entity.StateCompleted, cutoff.Add(time.Second))
		finish("old-stalled", entity.StateStalled, base)
		require.NoError(t, repo.Create(ctx, waiting("old-waiting", base)))

		n, err := repo.DeleteFinishedBefore(ctx, cutoff)
		require.NoError(t, err)
		require.EqualValues(t, 2, n)

		left, err := repo.List(ctx, entity.ListFilter{})
		require.NoError(t, err)
		require.ElementsMatch(t, []string{"young-completed", "old-stalled", "old-waiting"}, ids(left))
	})
}

func ids(jobs []*entity.Job) []string {
	out := make([]string, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.ID)
	}
	return out
}
