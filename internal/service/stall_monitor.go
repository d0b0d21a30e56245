package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	gocron "github.com/go-co-op/gocron/v2"
)

const stallBatch = 100

type StallMonitorConfig struct {
	// Timeout is how old the last heartbeat of an active job may get before
	// the job is considered stalled.
	Timeout time.Duration
	// Grace is how long a stalled job rests before it is dispatched again.
	Grace    time.Duration
	Interval time.Duration
}

// StallMonitor marks active jobs without recent heartbeats as stalled and
// dispatches stalled jobs again once their grace period is over.
type StallMonitor struct {
	store *Store
	cfg   StallMonitorConfig
}

func NewStallMonitor(store *Store, cfg StallMonitorConfig) *StallMonitor {
	return &StallMonitor{store: store, cfg: cfg}
}

// Check runs one detection pass.
func (m *StallMonitor) Check(ctx context.Context) (stalled, requeued int, err error) {
	now := m.store.now()

	unresponsive, err := m.store.repo.ListUnresponsive(ctx, now.Add(-m.cfg.Timeout), stallBatch)
	if err != nil {
		return 0, 0, fmt.Errorf("list unresponsive jobs: %w", err)
	}
	for _, j := range unresponsive {
		ok, err := m.store.markStalled(ctx, j.ID, now.Add(-m.cfg.Timeout))
		if err != nil {
			slog.ErrorContext(ctx, "mark stalled failed", "job_id", j.ID, "error", err)
			continue
		}
		if ok {
			stalled++
			slog.WarnContext(ctx, "job stalled", "job_id", j.ID, "stalls", j.Stalls+1, "last_heartbeat", j.HeartbeatAt)
		}
	}

	reclaimable, err := m.store.repo.ListReclaimable(ctx, now.Add(-m.cfg.Grace), stallBatch)
	if err != nil {
		return stalled, 0, fmt.Errorf("list reclaimable jobs: %w", err)
	}
	for _, j := range reclaimable {
		if err := m.store.queue.Push(ctx, j.ID); err != nil {
			slog.WarnContext(ctx, "dispatch push failed", "job_id", j.ID, "error", err)
			continue
		}
		requeued++
	}

	orphaned, err := m.store.queue.RequeueStale(ctx, stallBatch)
	if err != nil {
		slog.WarnContext(ctx, "requeue orphaned ids failed", "error", err)
	} else if orphaned > 0 {
		slog.InfoContext(ctx, "requeued orphaned ids", "count", orphaned)
	}

	return stalled, requeued, nil
}

// Run checks immediately and then every Interval until ctx is done.
func (m *StallMonitor) Run(ctx context.Context) error {
	s, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = s.NewJob(
		gocron.DurationJob(m.cfg.Interval),
		gocron.NewTask(func() {
			stalled, requeued, err := m.Check(ctx)
			if err != nil {
				slog.ErrorContext(ctx, "stall check failed", "error", err)
				return
			}
			if stalled > 0 || requeued > 0 {
				slog.InfoContext(ctx, "stall check", "stalled", stalled, "requeued", requeued)
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		_ = s.Shutdown()
		return fmt.Errorf("initializing gocron job: %w", err)
	}

	slog.InfoContext(ctx, "stall monitor started",
		"timeout", m.cfg.Timeout, "grace", m.cfg.Grace, "interval", m.cfg.Interval)
	s.Start()
	<-ctx.Done()
	if err := s.Shutdown(); err != nil {
		slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
	}
	return nil
}
