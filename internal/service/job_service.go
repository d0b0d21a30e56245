package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"scan-orchestrator/internal/entity"
)

var ErrInvalidRequest = errors.New("invalid request")

// JobStore is the part of Store the API needs.
type JobStore interface {
	Enqueue(ctx context.Context, id string, payload entity.Payload) (*entity.Job, error)
	GetJob(ctx context.Context, id string) (*entity.Job, error)
	ListJobs(ctx context.Context, filter entity.ListFilter) ([]*entity.Job, error)
}

type JobService struct {
	store JobStore
	newID func() string
}

func NewJobService(store JobStore) *JobService {
	return &JobService{store: store, newID: uuid.NewString}
}

type SubmitJobRequest struct {
	ID        string
	Directory string
}

type SubmitJobResult struct {
	Job *entity.Job
	// Existing is set when the id was already in flight and nothing new was
	// enqueued.
	Existing bool
}

// SubmitJob enqueues a scan. A missing id is minted. Resubmitting an id that
// is still in flight returns the existing job instead of an error.
func (s *JobService) SubmitJob(ctx context.Context, req SubmitJobRequest) (SubmitJobResult, error) {
	dir := strings.TrimSpace(req.Directory)
	if dir == "" {
		return SubmitJobResult{}, fmt.Errorf("%w: directory is required", ErrInvalidRequest)
	}
	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = s.newID()
	}

	job, err := s.store.Enqueue(ctx, id, entity.Payload{Directory: dir})
	if err != nil {
		if existing, ok := entity.IsDuplicate(err); ok {
			slog.InfoContext(ctx, "job already in flight", "job_id", id, "state", existing.State)
			return SubmitJobResult{Job: existing, Existing: true}, nil
		}
		return SubmitJobResult{}, err
	}

	slog.InfoContext(ctx, "job submitted", "job_id", id, "directory", dir)
	return SubmitJobResult{Job: job}, nil
}

func (s *JobService) GetJob(ctx context.Context, id string) (*entity.Job, error) {
	return s.store.GetJob(ctx, id)
}

func (s *JobService) ListJobs(ctx context.Context, filter entity.ListFilter) ([]*entity.Job, error) {
	if filter.State != nil && !filter.State.Valid() {
		return nil, fmt.Errorf("%w: unknown state %q", ErrInvalidRequest, *filter.State)
	}
	if filter.Limit < 0 {
		return nil, fmt.Errorf("%w: limit must not be negative", ErrInvalidRequest)
	}
	return s.store.ListJobs(ctx, filter)
}
