// Package retention purges terminal jobs once they are older than the
// retention window.
package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	gocron "github.com/go-co-op/gocron/v2"
)

type Pruner interface {
	DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error)
	Now() time.Time
}

type Config struct {
	// Retention is how long a completed or failed job is kept after it
	// finished.
	Retention time.Duration
	Interval  time.Duration
}

type Sweeper struct {
	store Pruner
	cfg   Config
}

func New(store Pruner, cfg Config) *Sweeper {
	return &Sweeper{store: store, cfg: cfg}
}

// Sweep deletes the jobs that finished strictly before now minus the
// retention window. Jobs that are not terminal are never touched.
func (s *Sweeper) Sweep(ctx context.Context) (int64, error) {
	if s.cfg.Retention <= 0 {
		return 0, errors.New("retention window must be positive")
	}
	cutoff := s.store.Now().Add(-s.cfg.Retention)
	n, err := s.store.DeleteFinishedBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweeping jobs finished before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	if n > 0 {
		slog.InfoContext(ctx, "swept finished jobs", "count", n, "cutoff", cutoff)
	} else {
		slog.DebugContext(ctx, "nothing to sweep", "cutoff", cutoff)
	}
	return n, nil
}

// Run sweeps at startup and then every Interval until ctx is done. A failed
// sweep is logged and retried on the next tick.
func (s *Sweeper) Run(ctx context.Context) error {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = sched.NewJob(
		gocron.DurationJob(s.cfg.Interval),
		gocron.NewTask(func() {
			if _, err := s.Sweep(ctx); err != nil {
				slog.ErrorContext(ctx, "retention sweep failed", "error", err)
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		_ = sched.Shutdown()
		return fmt.Errorf("initializing gocron job: %w", err)
	}

	slog.InfoContext(ctx, "retention sweeper started", "retention", s.cfg.Retention, "interval", s.cfg.Interval)
	sched.Start()
	<-ctx.Done()
	if err := sched.Shutdown(); err != nil {
		slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
	}
	return nil
}
