package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"scan-orchestrator/internal/log"
)

const dequeueRetryDelay = time.Second

type Pool struct {
	store     JobStore
	processor *Processor
	workers   int
}

func NewPool(store JobStore, processor *Processor, workers int) *Pool {
	if workers <= 0 {
		workers = 4
	}
	return &Pool{
		store:     store,
		processor: processor,
		workers:   workers,
	}
}

// Run starts the workers and blocks until ctx is done and every worker has
// returned. Each worker holds at most one job.
func (p *Pool) Run(ctx context.Context) error {
	slog.InfoContext(ctx, "worker pool started", "workers", p.workers)

	var wg sync.WaitGroup
	for range p.workers {
		id := uuid.NewString()[:8]
		wctx := log.ContextAttrs(ctx, slog.String("worker_id", id))
		wg.Go(func() { p.loop(wctx) })
	}
	wg.Wait()

	slog.InfoContext(ctx, "worker pool stopped")
	return nil
}

func (p *Pool) loop(ctx context.Context) {
	for {
		job, err := p.store.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.ErrorContext(ctx, "dequeue failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(dequeueRetryDelay):
			}
			continue
		}

		jctx := log.ContextAttrs(ctx, slog.String("job_id", job.ID))
		if err := p.processor.Process(jctx, job); err != nil && ctx.Err() == nil {
			slog.ErrorContext(jctx, "process job failed", "error", err)
		}
	}
}
