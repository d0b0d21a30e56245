package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"scan-orchestrator/internal/entity"
	"scan-orchestrator/internal/repository/memory"
	"scan-orchestrator/internal/service"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recorder struct {
	mu     sync.Mutex
	events []entity.Event
}

func (r *recorder) Publish(e entity.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) states(id string) []entity.JobState {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []entity.JobState
	for _, e := range r.events {
		if e.JobID == id {
			out = append(out, e.State)
		}
	}
	return out
}

type fixture struct {
	repo  *memory.JobRepository
	clock *fakeClock
	rec   *recorder
	store *service.Store
}

func newFixture(t *testing.T, opts ...service.StoreOption) *fixture {
	t.Helper()
	f := &fixture{
		repo:  memory.NewJobRepository(),
		clock: newFakeClock(),
		rec:   &recorder{},
	}
	opts = append([]service.StoreOption{
		service.WithClock(f.clock.Now),
		service.WithStallGrace(10 * time.Second),
		service.WithPollInterval(10 * time.Millisecond),
	}, opts...)
	f.store = service.NewStore(f.repo, f.rec, opts...)
	return f
}

func (f *fixture) dequeue(t *testing.T) *entity.Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
	defer cancel()
	job, err := f.store.Dequeue(ctx)
	require.NoError(t, err)
	return job
}

func TestStore_EnqueuePublishesWaiting(t *testing.T) {
	f := newFixture(t)

	job, err := f.store.Enqueue(t.Context(), "j1", entity.Payload{Directory: "/tmp/x"})
	require.NoError(t, err)
	require.Equal(t, entity.StateWaiting, job.State)
	require.Equal(t, f.clock.Now(), job.CreatedAt)
	require.Equal(t, []entity.JobState{entity.StateWaiting}, f.rec.states("j1"))

	_, err = f.store.Enqueue(t.Context(), "", entity.Payload{Directory: "/tmp/x"})
	require.Error(t, err)
}

func TestStore_ResubmissionWhileInFlight(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	_, err := f.store.Enqueue(ctx, "j1", entity.Payload{Directory: "/tmp/x"})
	require.NoError(t, err)

	_, err = f.store.Enqueue(ctx, "j1", entity.Payload{Directory: "/tmp/other"})
	existing, ok := entity.IsDuplicate(err)
	require.True(t, ok)
	require.Equal(t, "j1", existing.ID)
	require.Equal(t, "/tmp/x", existing.Payload.Directory)

	f.dequeue(t)
	_, err = f.store.Enqueue(ctx, "j1", entity.Payload{Directory: "/tmp/x"})
	_, ok = entity.IsDuplicate(err)
	require.True(t, ok)

	require.Equal(t, []entity.JobState{entity.StateWaiting, entity.StateActive}, f.rec.states("j1"))
}

func TestStore_ResubmissionAfterTerminalStartsOver(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	_, err := f.store.Enqueue(ctx, "j1", entity.Payload{Directory: "/tmp/x"})
	require.NoError(t, err)
	f.dequeue(t)
	require.NoError(t, f.store.MarkFailed(ctx, "j1", "exit status 2"))

	job, err := f.store.Enqueue(ctx, "j1", entity.Payload{Directory: "/tmp/x"})
	require.NoError(t, err)
	require.Equal(t, entity.StateWaiting, job.State)

	got, err := f.store.GetJob(ctx, "j1")
	require.NoError(t, err)
	require.Nil(t, got.FinishedOn)
	require.Empty(t, got.Error)
}

func TestStore_DequeueAtMostOnce(t *testing.T) {
	f := newFixture(t)
	const jobs, workers = 20, 8
	for i := range jobs {
		_, err := f.store.Enqueue(t.Context(), fmt.Sprintf("j%02d", i), entity.Payload{Directory: "/src"})
		require.NoError(t, err)
	}

	var (
		mu      sync.Mutex
		claimed = make(map[string]int)
		wg      sync.WaitGroup
	)
	for range workers {
		wg.Go(func() {
			for {
				ctx, cancel := context.WithTimeout(t.Context(), 200*time.Millisecond)
				job, err := f.store.Dequeue(ctx)
				cancel()
				if err != nil {
					return
				}
				mu.Lock()
				claimed[job.ID]++
				mu.Unlock()
			}
		})
	}
	wg.Wait()

	require.Len(t, claimed, jobs)
	for id, n := range claimed {
		require.Equal(t, 1, n, "job %s claimed %d times", id, n)
	}
}

func TestStore_DequeueBlocksUntilEnqueue(t *testing.T) {
	f := newFixture(t, service.WithPollInterval(time.Minute))

	got := make(chan *entity.Job, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		job, err := f.store.Dequeue(ctx)
		if err == nil {
			got <- job
		}
		close(got)
	}()

	time.Sleep(20 * time.Millisecond)
	_, err := f.store.Enqueue(t.Context(), "j1", entity.Payload{Directory: "/src"})
	require.NoError(t, err)

	select {
	case job := <-got:
		require.NotNil(t, job)
		require.Equal(t, "j1", job.ID)
		require.Equal(t, entity.StateActive, job.State)
	case <-time.After(5 * time.Second):
		t.Fatal("dequeue was not woken by enqueue")
	}
}

func TestStore_DequeueHonoursContext(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(t.Context(), 30*time.Millisecond)
	defer cancel()

	_, err := f.store.Dequeue(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStore_TerminalWriteIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	_, err := f.store.Enqueue(ctx, "j1", entity.Payload{Directory: "/tmp/x"})
	require.NoError(t, err)
	f.dequeue(t)

	result := json.RawMessage(`{"licenses":[{"key":"mit"}]}`)
	require.NoError(t, f.store.MarkCompleted(ctx, "j1", result))
	first, err := f.store.GetJob(ctx, "j1")
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	require.NoError(t, f.store.MarkCompleted(ctx, "j1", json.RawMessage(`{"licenses":[]}`)))
	require.NoError(t, f.store.MarkFailed(ctx, "j1", "late failure"))

	second, err := f.store.GetJob(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, entity.StateCompleted, second.State)
	require.JSONEq(t, string(result), string(second.Result))
	require.Equal(t, *first.FinishedOn, *second.FinishedOn)
	require.Empty(t, second.Error)

	require.Equal(t,
		[]entity.JobState{entity.StateWaiting, entity.StateActive, entity.StateCompleted},
		f.rec.states("j1"))
}

func TestStore_MarkCompletedResult(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	for _, id := range []string{"empty", "broken"} {
		_, err := f.store.Enqueue(ctx, id, entity.Payload{Directory: "/src"})
		require.NoError(t, err)
		f.dequeue(t)
	}

	require.Error(t, f.store.MarkCompleted(ctx, "broken", json.RawMessage(`{not json`)))
	broken, err := f.store.GetJob(ctx, "broken")
	require.NoError(t, err)
	require.Equal(t, entity.StateActive, broken.State)

	require.NoError(t, f.store.MarkCompleted(ctx, "empty", nil))
	empty, err := f.store.GetJob(ctx, "empty")
	require.NoError(t, err)
	require.JSONEq(t, `{}`, string(empty.Result))
}

func TestStore_TerminalWriteRequiresActive(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	_, err := f.store.Enqueue(ctx, "j1", entity.Payload{Directory: "/src"})
	require.NoError(t, err)

	err = f.store.MarkCompleted(ctx, "j1", nil)
	require.ErrorIs(t, err, entity.ErrTransitionRejected)

	err = f.store.MarkFailed(ctx, "missing", "boom")
	require.ErrorIs(t, err, entity.ErrNotFound)
}

func TestStore_Heartbeat(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	_, err := f.store.Enqueue(ctx, "j1", entity.Payload{Directory: "/src"})
	require.NoError(t, err)
	require.ErrorIs(t, f.store.Heartbeat(ctx, "j1"), entity.ErrTransitionRejected)

	f.dequeue(t)
	f.clock.Advance(5 * time.Second)
	require.NoError(t, f.store.Heartbeat(ctx, "j1"))

	got, err := f.store.GetJob(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, f.clock.Now(), *got.HeartbeatAt)
}

func TestStore_StallAndResumeOrdering(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	monitor := service.NewStallMonitor(f.store, service.StallMonitorConfig{
		Timeout:  30 * time.Second,
		Grace:    10 * time.Second,
		Interval: time.Second,
	})

	_, err := f.store.Enqueue(ctx, "j1", entity.Payload{Directory: "/tmp/x"})
	require.NoError(t, err)
	first := f.dequeue(t)
	require.Equal(t, 1, first.Attempts)

	f.clock.Advance(31 * time.Second)
	stalled, requeued, err := monitor.Check(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stalled)
	require.Zero(t, requeued)

	// the first worker lost the job
	require.ErrorIs(t, f.store.Heartbeat(ctx, "j1"), entity.ErrTransitionRejected)
	require.ErrorIs(t, f.store.MarkCompleted(ctx, "j1", nil), entity.ErrTransitionRejected)

	// not claimable during the grace period
	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	_, err = f.store.Dequeue(short)
	cancel()
	require.ErrorIs(t, err, context.DeadlineExceeded)

	f.clock.Advance(11 * time.Second)
	second := f.dequeue(t)
	require.Equal(t, "j1", second.ID)
	require.Equal(t, 2, second.Attempts)
	require.Equal(t, 1, second.Stalls)

	require.NoError(t, f.store.MarkCompleted(ctx, "j1", json.RawMessage(`{"licenses":[]}`)))

	require.Equal(t, []entity.JobState{
		entity.StateWaiting,
		entity.StateActive,
		entity.StateStalled,
		entity.StateResumed,
		entity.StateActive,
		entity.StateCompleted,
	}, f.rec.states("j1"))
}

func TestStore_AbandonedResumeIsReclaimed(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	now := f.clock.Now()

	_, err := f.store.Enqueue(ctx, "j1", entity.Payload{Directory: "/src"})
	require.NoError(t, err)
	// a claimer resumed the job and died before activating it
	for _, to := range []entity.JobState{entity.StateActive, entity.StateStalled, entity.StateResumed} {
		_, _, err := f.repo.Transition(ctx, "j1", entity.Transition{From: entity.Sources(to), To: to, At: now})
		require.NoError(t, err)
	}

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	_, err = f.store.Dequeue(short)
	cancel()
	require.ErrorIs(t, err, context.DeadlineExceeded)

	f.clock.Advance(11 * time.Second)
	job := f.dequeue(t)
	require.Equal(t, entity.StateActive, job.State)
}

func TestStallMonitor_HeartbeatKeepsJobActive(t *testing.T) {
	queue := service.NewMemoryQueue()
	f := newFixture(t, service.WithQueue(queue))
	ctx := t.Context()
	monitor := service.NewStallMonitor(f.store, service.StallMonitorConfig{
		Timeout:  30 * time.Second,
		Grace:    10 * time.Second,
		Interval: time.Second,
	})

	_, err := f.store.Enqueue(ctx, "alive", entity.Payload{Directory: "/src"})
	require.NoError(t, err)
	_, err = f.store.Enqueue(ctx, "dead", entity.Payload{Directory: "/src"})
	require.NoError(t, err)
	f.dequeue(t)
	f.dequeue(t)
	// drop the wake-ups left behind by Enqueue
	for queue.Len() > 0 {
		_, _ = queue.Claim(ctx, time.Millisecond)
	}

	f.clock.Advance(20 * time.Second)
	require.NoError(t, f.store.Heartbeat(ctx, "alive"))
	f.clock.Advance(20 * time.Second)

	stalled, _, err := monitor.Check(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stalled)

	alive, err := f.store.GetJob(ctx, "alive")
	require.NoError(t, err)
	require.Equal(t, entity.StateActive, alive.State)
	dead, err := f.store.GetJob(ctx, "dead")
	require.NoError(t, err)
	require.Equal(t, entity.StateStalled, dead.State)

	f.clock.Advance(11 * time.Second)
	_, requeued, err := monitor.Check(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, requeued)
	require.Equal(t, 1, queue.Len())
}

// lateHeartbeatRepo delivers a worker heartbeat right before the stall
// transition is applied, after the monitor has listed the job as silent.
type lateHeartbeatRepo struct {
	*memory.JobRepository
	now func() time.Time
}

func (r lateHeartbeatRepo) Transition(ctx context.Context, id string, t entity.Transition) (entity.JobState, *entity.Job, error) {
	if t.To == entity.StateStalled {
		if err := r.JobRepository.Heartbeat(ctx, id, r.now()); err != nil {
			return "", nil, err
		}
	}
	return r.JobRepository.Transition(ctx, id, t)
}

func TestStallMonitor_LateHeartbeatKeepsJobActive(t *testing.T) {
	clock := newFakeClock()
	rec := &recorder{}
	repo := lateHeartbeatRepo{JobRepository: memory.NewJobRepository(), now: clock.Now}
	store := service.NewStore(repo, rec, service.WithClock(clock.Now), service.WithPollInterval(10*time.Millisecond))
	monitor := service.NewStallMonitor(store, service.StallMonitorConfig{
		Timeout:  30 * time.Second,
		Grace:    10 * time.Second,
		Interval: time.Second,
	})
	ctx := t.Context()

	_, err := store.Enqueue(ctx, "j1", entity.Payload{Directory: "/src"})
	require.NoError(t, err)
	dctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	_, err = store.Dequeue(dctx)
	cancel()
	require.NoError(t, err)

	clock.Advance(time.Minute)
	stalled, _, err := monitor.Check(ctx)
	require.NoError(t, err)
	require.Zero(t, stalled)

	job, err := store.GetJob(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, entity.StateActive, job.State)
	require.Zero(t, job.Stalls)
	require.Equal(t, []entity.JobState{entity.StateWaiting, entity.StateActive}, rec.states("j1"))
}

func TestStallMonitor_Run(t *testing.T) {
	f := newFixture(t)
	monitor := service.NewStallMonitor(f.store, service.StallMonitorConfig{
		Timeout:  30 * time.Second,
		Grace:    10 * time.Second,
		Interval: 20 * time.Millisecond,
	})

	_, err := f.store.Enqueue(t.Context(), "j1", entity.Payload{Directory: "/src"})
	require.NoError(t, err)
	f.dequeue(t)
	f.clock.Advance(time.Minute)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- monitor.Run(ctx) }()

	require.Eventually(t, func() bool {
		job, err := f.store.GetJob(t.Context(), "j1")
		return err == nil && job.State == entity.StateStalled
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop")
	}
}

func TestStore_DeleteFinishedBefore(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	_, err := f.store.Enqueue(ctx, "j1", entity.Payload{Directory: "/src"})
	require.NoError(t, err)
	f.dequeue(t)
	require.NoError(t, f.store.MarkFailed(ctx, "j1", "boom"))

	n, err := f.store.DeleteFinishedBefore(ctx, f.clock.Now())
	require.NoError(t, err)
	require.Zero(t, n)

	n, err = f.store.DeleteFinishedBefore(ctx, f.clock.Now().Add(time.Second))
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	_, err = f.store.GetJob(ctx, "j1")
	require.True(t, errors.Is(err, entity.ErrNotFound))
}
