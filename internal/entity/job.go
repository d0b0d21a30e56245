package entity

import (
	"encoding/json"
	"time"
)

type JobState string

const (
	StateWaiting   JobState = "waiting"
	StateActive    JobState = "active"
	StateStalled   JobState = "stalled"
	StateResumed   JobState = "resumed"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
)

// AllStates lists every lifecycle state in lifecycle order.
var AllStates = []JobState{
	StateWaiting,
	StateActive,
	StateStalled,
	StateResumed,
	StateCompleted,
	StateFailed,
}

// transitions holds the allowed next states for every non-terminal state.
//
//	waiting ──► active ──► completed
//	              │ ▲  └─► failed
//	              ▼ │
//	          stalled ──► resumed
var transitions = map[JobState][]JobState{
	StateWaiting: {StateActive},
	StateActive:  {StateCompleted, StateFailed, StateStalled},
	StateStalled: {StateResumed},
	StateResumed: {StateActive},
}

func (s JobState) Valid() bool {
	for _, st := range AllStates {
		if s == st {
			return true
		}
	}
	return false
}

func (s JobState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// CanTransition reports whether the lifecycle allows moving from s to next.
func (s JobState) CanTransition(next JobState) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Sources returns the states from which to is reachable in one step.
func Sources(to JobState) []JobState {
	var out []JobState
	for _, from := range AllStates {
		if from.CanTransition(to) {
			out = append(out, from)
		}
	}
	return out
}

// Payload describes the input handed to the scanning tool.
type Payload struct {
	Directory string `json:"directory"`
}

type Job struct {
	ID          string          `json:"id"`
	Payload     Payload         `json:"payload"`
	State       JobState        `json:"state"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	Attempts    int             `json:"attempts"`
	Stalls      int             `json:"stalls"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
	HeartbeatAt *time.Time      `json:"heartbeatAt,omitempty"`
	StalledAt   *time.Time      `json:"stalledAt,omitempty"`
	FinishedOn  *time.Time      `json:"finishedOn,omitempty"`
}

// Clone returns a deep copy, so callers never share mutable state with a store.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.Result != nil {
		c.Result = append(json.RawMessage(nil), j.Result...)
	}
	c.HeartbeatAt = cloneTime(j.HeartbeatAt)
	c.StalledAt = cloneTime(j.StalledAt)
	c.FinishedOn = cloneTime(j.FinishedOn)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Transition is a conditional state change: it applies only while the job is
// in one of From. Fields other than To are written alongside the state.
type Transition struct {
	From []JobState
	To   JobState
	At   time.Time

	Result json.RawMessage // completed only
	Error  string          // failed only

	// SilentSince, when set, also requires the last heartbeat to predate it.
	SilentSince time.Time
}

// Apply mutates j according to t. It assumes the caller already checked
// j.State against t.From.
func (t Transition) Apply(j *Job) {
	j.State = t.To
	j.UpdatedAt = t.At
	switch t.To {
	case StateActive:
		j.Attempts++
		at := t.At
		j.HeartbeatAt = &at
	case StateStalled:
		j.Stalls++
		at := t.At
		j.StalledAt = &at
	case StateResumed:
		j.StalledAt = nil
	case StateCompleted:
		j.Result = append(json.RawMessage(nil), t.Result...)
		j.Error = ""
		at := t.At
		j.FinishedOn = &at
	case StateFailed:
		j.Result = nil
		j.Error = t.Error
		at := t.At
		j.FinishedOn = &at
	}
}

// Allows reports whether state is listed in t.From.
func (t Transition) Allows(state JobState) bool {
	for _, s := range t.From {
		if s == state {
			return true
		}
	}
	return false
}

// Permits reports whether t applies to j in its current state.
func (t Transition) Permits(j *Job) bool {
	if !t.Allows(j.State) {
		return false
	}
	if !t.SilentSince.IsZero() && j.HeartbeatAt != nil && !j.HeartbeatAt.Before(t.SilentSince) {
		return false
	}
	return true
}

// ListFilter narrows a job listing. A zero Limit means no limit.
type ListFilter struct {
	State *JobState
	Limit int
}
