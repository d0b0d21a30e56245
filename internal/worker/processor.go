package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"scan-orchestrator/internal/entity"
)

var (
	errJobLost    = errors.New("job is no longer owned by this worker")
	errMaxRuntime = errors.New("maximum run time exceeded")
)

type JobStore interface {
	Dequeue(ctx context.Context) (*entity.Job, error)
	MarkCompleted(ctx context.Context, id string, result json.RawMessage) error
	MarkFailed(ctx context.Context, id string, msg string) error
	Heartbeat(ctx context.Context, id string) error
}

type Scanner interface {
	Scan(ctx context.Context, job *entity.Job) ([]byte, error)
}

type Config struct {
	Workers           int
	HeartbeatInterval time.Duration
	// MaxRuntime bounds one scan; zero means unbounded.
	MaxRuntime time.Duration
	// MaxStalls is how many stalls a job may accumulate before it is failed
	// instead of run again; zero disables the cap.
	MaxStalls int
}

type Processor struct {
	store   JobStore
	scanner Scanner
	cfg     Config
}

func NewProcessor(store JobStore, scanner Scanner, cfg Config) *Processor {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 5 * time.Second
	}
	return &Processor{store: store, scanner: scanner, cfg: cfg}
}

// Process runs one claimed job to a terminal state. The only case that
// leaves the job active is ctx being cancelled (shutdown): stall recovery
// hands the job to another worker later.
func (p *Processor) Process(ctx context.Context, job *entity.Job) error {
	start := time.Now()

	if p.cfg.MaxStalls > 0 && job.Stalls > p.cfg.MaxStalls {
		msg := fmt.Sprintf("job stalled %d times", job.Stalls)
		slog.WarnContext(ctx, "giving up on job", "stalls", job.Stalls, "max_stalls", p.cfg.MaxStalls)
		return p.store.MarkFailed(ctx, job.ID, msg)
	}

	slog.InfoContext(ctx, "job started", "directory", job.Payload.Directory, "attempt", job.Attempts)

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if p.cfg.MaxRuntime > 0 {
		var cancelTimeout context.CancelFunc
		runCtx, cancelTimeout = context.WithTimeoutCause(runCtx, p.cfg.MaxRuntime, errMaxRuntime)
		defer cancelTimeout()
	}

	stopHeartbeat := p.heartbeat(runCtx, job.ID, cancel)
	out, scanErr := p.scan(runCtx, job)
	stopHeartbeat()

	duration := time.Since(start).Milliseconds()

	if scanErr == nil {
		// a finished result is recorded even when shutdown started meanwhile
		wctx := context.WithoutCancel(ctx)
		if err := p.store.MarkCompleted(wctx, job.ID, normalizeResult(ctx, out)); err != nil {
			slog.ErrorContext(ctx, "recording result failed", "duration_ms", duration, "error", err)
			return err
		}
		slog.InfoContext(ctx, "job completed", "duration_ms", duration)
		return nil
	}

	cause := context.Cause(runCtx)
	switch {
	case errors.Is(cause, errJobLost):
		slog.WarnContext(ctx, "job taken away while running", "duration_ms", duration, "error", scanErr)
		return nil
	case ctx.Err() != nil:
		slog.WarnContext(ctx, "job interrupted by shutdown, left for stall recovery", "duration_ms", duration)
		return ctx.Err()
	case errors.Is(cause, errMaxRuntime):
		scanErr = fmt.Errorf("scan exceeded maximum run time of %s", p.cfg.MaxRuntime)
	}

	msg := scanErr.Error()
	if err := p.store.MarkFailed(ctx, job.ID, msg); err != nil {
		slog.ErrorContext(ctx, "recording failure failed", "duration_ms", duration, "error", err)
		return err
	}
	slog.WarnContext(ctx, "job failed", "duration_ms", duration, "error", msg)
	return nil
}

func (p *Processor) scan(ctx context.Context, job *entity.Job) (out []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scanner panic: %v", r)
		}
	}()
	return p.scanner.Scan(ctx, job)
}

// heartbeat reports liveness until the returned stop func is called. When the
// store says the job is gone or no longer active the run is cancelled with
// errJobLost.
func (p *Processor) heartbeat(ctx context.Context, id string, cancel context.CancelCauseFunc) (stop func()) {
	hbCtx, hbCancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Go(func() {
		ticker := time.NewTicker(p.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				err := p.store.Heartbeat(hbCtx, id)
				switch {
				case err == nil:
				case errors.Is(err, entity.ErrTransitionRejected), errors.Is(err, entity.ErrNotFound):
					cancel(errJobLost)
					return
				case hbCtx.Err() != nil:
					return
				default:
					slog.WarnContext(ctx, "heartbeat failed", "error", err)
				}
			}
		}
	})
	return func() {
		hbCancel()
		wg.Wait()
	}
}

// normalizeResult makes tool output storable: JSON passes through, anything
// else is kept as a JSON string.
func normalizeResult(ctx context.Context, out []byte) json.RawMessage {
	trimmed := bytes.TrimSpace(out)
	if len(trimmed) == 0 {
		return nil
	}
	if json.Valid(trimmed) {
		return json.RawMessage(trimmed)
	}
	slog.WarnContext(ctx, "scanner output is not JSON, storing it as a string", "bytes", len(trimmed))
	b, _ := json.Marshal(string(trimmed))
	return b
}
