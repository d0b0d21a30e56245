package entity

import (
	"encoding/json"
	"time"
)

// Event is published once for every state change of a job, in the order the
// changes were committed for that job.
type Event struct {
	JobID  string          `json:"id"`
	State  JobState        `json:"state"`
	Prev   JobState        `json:"prev,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
	At     time.Time       `json:"at"`
}

func NewEvent(prev JobState, job *Job) Event {
	evt := Event{
		JobID: job.ID,
		State: job.State,
		Prev:  prev,
		Error: job.Error,
		At:    job.UpdatedAt,
	}
	if job.State == StateCompleted && job.Result != nil {
		evt.Result = append(json.RawMessage(nil), job.Result...)
	}
	return evt
}
