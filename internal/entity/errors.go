package entity

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrTransitionRejected is returned when a conditional transition finds
	// the job in a state it may not leave that way.
	ErrTransitionRejected = errors.New("transition rejected")
	// ErrQueueEmpty is returned by a dispatch queue when nothing arrived in time.
	ErrQueueEmpty = errors.New("queue empty")
)

// DuplicateJobError is returned on enqueue when the id already has a
// non-terminal record. Existing is a snapshot of that record.
type DuplicateJobError struct {
	Existing *Job
}

func (e *DuplicateJobError) Error() string {
	if e.Existing == nil {
		return "duplicate job"
	}
	return fmt.Sprintf("duplicate job %s (state %s)", e.Existing.ID, e.Existing.State)
}

func IsDuplicate(err error) (*Job, bool) {
	var dup *DuplicateJobError
	if errors.As(err, &dup) {
		return dup.Existing, true
	}
	return nil, false
}
