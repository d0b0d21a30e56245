// Package relay forwards job lifecycle events to the upstream coordinator.
//
// Every event becomes a PUT of the job state; a completed event additionally
// becomes a POST of the findings document. Events of one job always travel
// through the same lane, so the coordinator sees them in transition order.
//
// The order holds for the events of one process. Instances sharing a
// postgres store each relay their own transitions, so a job stalled by one
// instance and resumed by another reaches the coordinator through two
// relays, and its stalled PUT may arrive after the resumed or active PUT of
// the other instance.
//
// Failed callbacks are retried with exponential backoff and dead-lettered when
// retries are exhausted; the job itself is never touched.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"scan-orchestrator/internal/entity"
	"scan-orchestrator/internal/log"
)

// ErrMalformedResult means the tool reported success but its output is not a
// findings document.
var ErrMalformedResult = errors.New("malformed scan result")

const laneBuffer = 64

type Coordinator interface {
	PutState(ctx context.Context, id string, state entity.JobState) error
	PostResult(ctx context.Context, id string, result json.RawMessage) error
}

type Config struct {
	Lanes          int
	MaxRetries     uint64
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

type Stats struct {
	Delivered    int64
	DeadLettered int64
}

type Relay struct {
	coord Coordinator
	sink  DeadLetterSink
	cfg   Config

	delivered    atomic.Int64
	deadLettered atomic.Int64
}

// New builds a relay. sink may be nil: dead letters are always logged.
func New(coord Coordinator, sink DeadLetterSink, cfg Config) *Relay {
	if cfg.Lanes <= 0 {
		cfg.Lanes = 4
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	return &Relay{coord: coord, sink: sink, cfg: cfg}
}

func (r *Relay) Stats() Stats {
	return Stats{Delivered: r.delivered.Load(), DeadLettered: r.deadLettered.Load()}
}

// Run relays events until the channel is closed or ctx is done, then finishes
// the events already handed to lanes. Once ctx is done, those remaining
// deliveries fail fast and are dead-lettered.
func (r *Relay) Run(ctx context.Context, events <-chan entity.Event) error {
	slog.InfoContext(ctx, "relay started", "lanes", r.cfg.Lanes)

	lanes := make([]chan entity.Event, r.cfg.Lanes)
	var g errgroup.Group
	for i := range lanes {
		ch := make(chan entity.Event, laneBuffer)
		lanes[i] = ch
		g.Go(func() error {
			for evt := range ch {
				r.deliver(ctx, evt)
			}
			return nil
		})
	}

dispatch:
	for {
		select {
		case evt, ok := <-events:
			if !ok {
				break dispatch
			}
			lanes[laneOf(evt.JobID, len(lanes))] <- evt
		case <-ctx.Done():
			break dispatch
		}
	}
	for _, ch := range lanes {
		close(ch)
	}
	err := g.Wait()

	slog.InfoContext(ctx, "relay stopped", "delivered", r.delivered.Load(), "dead_lettered", r.deadLettered.Load())
	return err
}

func laneOf(id string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return int(h.Sum32() % uint32(n))
}

func (r *Relay) deliver(ctx context.Context, evt entity.Event) {
	ctx = log.ContextAttrs(ctx, slog.String("job_id", evt.JobID), slog.String("state", string(evt.State)))

	r.send(ctx, evt, "state", nil, func(ctx context.Context) error {
		return r.coord.PutState(ctx, evt.JobID, evt.State)
	})

	if evt.State != entity.StateCompleted {
		return
	}
	doc, err := parseResult(evt.Result)
	if err != nil {
		slog.ErrorContext(ctx, "scan result cannot be relayed", "error", err)
		r.deadLetter(ctx, evt, "result", evt.Result, err, 0)
		return
	}
	r.send(ctx, evt, "result", doc, func(ctx context.Context) error {
		return r.coord.PostResult(ctx, evt.JobID, doc)
	})
}

func (r *Relay) send(ctx context.Context, evt entity.Event, kind string, payload json.RawMessage, call func(context.Context) error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.InitialBackoff
	b.MaxInterval = r.cfg.MaxBackoff
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, r.cfg.MaxRetries), ctx)

	attempts := 0
	err := backoff.RetryNotify(func() error {
		attempts++
		err := call(ctx)
		if err != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, wait time.Duration) {
		slog.WarnContext(ctx, "callback failed, retrying", "kind", kind, "attempt", attempts, "retry_in", wait, "error", err)
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
			err = fmt.Errorf("%w (last error: %v)", ctxErr, err)
		}
		r.deadLetter(ctx, evt, kind, payload, err, attempts)
		return
	}
	r.delivered.Add(1)
	slog.DebugContext(ctx, "callback delivered", "kind", kind, "attempts", attempts)
}

func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		// a per-request timeout surfaces as DeadlineExceeded too, but only a
		// cancelled relay context stops the retries
		return !errors.Is(err, context.Canceled)
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	return true
}

func (r *Relay) deadLetter(ctx context.Context, evt entity.Event, kind string, payload json.RawMessage, err error, attempts int) {
	r.deadLettered.Add(1)
	slog.ErrorContext(ctx, "callback dead-lettered", "kind", kind, "attempts", attempts, "error", err)
	if r.sink == nil {
		return
	}
	dl := DeadLetter{
		JobID:    evt.JobID,
		Kind:     kind,
		State:    evt.State,
		Result:   payload,
		Error:    err.Error(),
		Attempts: attempts,
		At:       time.Now().UTC(),
	}
	if werr := r.sink.Write(context.WithoutCancel(ctx), dl); werr != nil {
		slog.ErrorContext(ctx, "writing dead letter failed", "error", werr)
	}
}

// parseResult returns the findings document as a JSON object. A document that
// arrives string-encoded is decoded once.
func parseResult(raw json.RawMessage) (json.RawMessage, error) {
	doc := bytes.TrimSpace(raw)
	if len(doc) > 0 && doc[0] == '"' {
		var s string
		if err := json.Unmarshal(doc, &s); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedResult, err)
		}
		doc = bytes.TrimSpace([]byte(s))
	}
	if len(doc) == 0 {
		return nil, fmt.Errorf("%w: empty document", ErrMalformedResult)
	}
	if doc[0] != '{' || !json.Valid(doc) {
		return nil, fmt.Errorf("%w: not a JSON object", ErrMalformedResult)
	}
	return json.RawMessage(doc), nil
}
