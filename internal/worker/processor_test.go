package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"scan-orchestrator/internal/entity"
	"scan-orchestrator/internal/worker"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type scanFunc func(ctx context.Context, job *entity.Job) ([]byte, error)

func (f scanFunc) Scan(ctx context.Context, job *entity.Job) ([]byte, error) { return f(ctx, job) }

func blockUntilDone(started chan<- struct{}) scanFunc {
	return func(ctx context.Context, _ *entity.Job) ([]byte, error) {
		if started != nil {
			close(started)
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}
}

type fakeStore struct {
	mu           sync.Mutex
	completed    map[string]json.RawMessage
	failed       map[string]string
	heartbeats   int
	heartbeatErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{completed: map[string]json.RawMessage{}, failed: map[string]string{}}
}

func (s *fakeStore) Dequeue(ctx context.Context) (*entity.Job, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (s *fakeStore) MarkCompleted(_ context.Context, id string, result json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed[id] = result
	return nil
}

func (s *fakeStore) MarkFailed(_ context.Context, id string, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed[id] = msg
	return nil
}

func (s *fakeStore) Heartbeat(context.Context, string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heartbeats++
	return s.heartbeatErr
}

func (s *fakeStore) writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.completed) + len(s.failed)
}

var job1 = &entity.Job{ID: "j1", Payload: entity.Payload{Directory: "/tmp/x"}, State: entity.StateActive, Attempts: 1}

func TestProcess_Success(t *testing.T) {
	store := newFakeStore()
	p := worker.NewProcessor(store, scanFunc(func(_ context.Context, job *entity.Job) ([]byte, error) {
		require.Equal(t, "/tmp/x", job.Payload.Directory)
		return []byte("  {\"licenses\":[{\"key\":\"mit\"}]}\n"), nil
	}), worker.Config{})

	require.NoError(t, p.Process(t.Context(), job1))
	require.JSONEq(t, `{"licenses":[{"key":"mit"}]}`, string(store.completed["j1"]))
	require.Empty(t, store.failed)
}

func TestProcess_NonJSONOutputIsStoredAsString(t *testing.T) {
	store := newFakeStore()
	p := worker.NewProcessor(store, scanFunc(func(context.Context, *entity.Job) ([]byte, error) {
		return []byte("MIT License found\n"), nil
	}), worker.Config{})

	require.NoError(t, p.Process(t.Context(), job1))
	require.Equal(t, `"MIT License found"`, string(store.completed["j1"]))
}

func TestProcess_EmptyOutput(t *testing.T) {
	store := newFakeStore()
	p := worker.NewProcessor(store, scanFunc(func(context.Context, *entity.Job) ([]byte, error) {
		return nil, nil
	}), worker.Config{})

	require.NoError(t, p.Process(t.Context(), job1))
	result, ok := store.completed["j1"]
	require.True(t, ok)
	require.Nil(t, result)
}

func TestProcess_ToolFailure(t *testing.T) {
	store := newFakeStore()
	p := worker.NewProcessor(store, scanFunc(func(context.Context, *entity.Job) ([]byte, error) {
		return nil, errors.New("scanner exited with status 2: no such directory")
	}), worker.Config{})

	require.NoError(t, p.Process(t.Context(), job1))
	require.Equal(t, "scanner exited with status 2: no such directory", store.failed["j1"])
	require.Empty(t, store.completed)
}

func TestProcess_Panic(t *testing.T) {
	store := newFakeStore()
	p := worker.NewProcessor(store, scanFunc(func(context.Context, *entity.Job) ([]byte, error) {
		panic("boom")
	}), worker.Config{})

	require.NoError(t, p.Process(t.Context(), job1))
	require.Equal(t, "scanner panic: boom", store.failed["j1"])
}

func TestProcess_MaxRuntime(t *testing.T) {
	store := newFakeStore()
	p := worker.NewProcessor(store, blockUntilDone(nil), worker.Config{MaxRuntime: 50 * time.Millisecond})

	require.NoError(t, p.Process(t.Context(), job1))
	require.Equal(t, "scan exceeded maximum run time of 50ms", store.failed["j1"])
}

func TestProcess_StallCap(t *testing.T) {
	store := newFakeStore()
	called := false
	p := worker.NewProcessor(store, scanFunc(func(context.Context, *entity.Job) ([]byte, error) {
		called = true
		return nil, nil
	}), worker.Config{MaxStalls: 2})

	tired := *job1
	tired.Stalls = 3
	require.NoError(t, p.Process(t.Context(), &tired))
	require.False(t, called)
	require.Equal(t, "job stalled 3 times", store.failed["j1"])

	store = newFakeStore()
	p = worker.NewProcessor(store, scanFunc(func(context.Context, *entity.Job) ([]byte, error) {
		return nil, nil
	}), worker.Config{MaxStalls: 2})
	tired.Stalls = 2
	require.NoError(t, p.Process(t.Context(), &tired))
	require.Contains(t, store.completed, "j1")
}

func TestProcess_ShutdownLeavesJobActive(t *testing.T) {
	store := newFakeStore()
	started := make(chan struct{})
	p := worker.NewProcessor(store, blockUntilDone(started), worker.Config{})

	ctx, cancel := context.WithCancel(t.Context())
	go func() {
		<-started
		cancel()
	}()

	err := p.Process(ctx, job1)
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, store.writes())
}

func TestProcess_HeartbeatsAndLostJob(t *testing.T) {
	store := newFakeStore()
	store.heartbeatErr = entity.ErrTransitionRejected
	p := worker.NewProcessor(store, blockUntilDone(nil), worker.Config{HeartbeatInterval: 10 * time.Millisecond})

	done := make(chan error, 1)
	go func() { done <- p.Process(t.Context(), job1) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("lost job was not cancelled")
	}
	require.Zero(t, store.writes())
	require.Equal(t, 1, store.heartbeats)
}

func TestProcess_HeartbeatErrorsAreTolerated(t *testing.T) {
	store := newFakeStore()
	store.heartbeatErr = errors.New("connection reset")
	release := make(chan struct{})
	p := worker.NewProcessor(store, scanFunc(func(ctx context.Context, _ *entity.Job) ([]byte, error) {
		<-release
		return []byte(`{}`), nil
	}), worker.Config{HeartbeatInterval: 5 * time.Millisecond})

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(release)
	}()
	require.NoError(t, p.Process(t.Context(), job1))
	require.Contains(t, store.completed, "j1")

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Greater(t, store.heartbeats, 1)
}
