package model

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a job.
type Status string

// Job status values.
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Class identifies the kind of computation a job runs.
type Class string

// Job class values.
const (
	ClassBacktest     Class = "backtest"
	ClassDatasetBuild Class = "dataset_build"
	ClassScreening    Class = "screening"
	ClassSync         Class = "sync"
)

// ValidClass reports whether c is a known job class.
func ValidClass(c Class) bool {
	switch c {
	case ClassBacktest, ClassDatasetBuild, ClassScreening, ClassSync:
		return true
	}
	return false
}

// SingleActive reports whether at most one job of class c may be
// pending or running at a time.
func SingleActive(c Class) bool {
	return c == ClassSync
}

// validTransitions maps each status to the set of statuses it may transition to.
// Terminal statuses have no entry: once completed, failed, or cancelled a job
// never changes state again.
var validTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusRunning:   true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to Status) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Terminal reports whether s is a final status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Progress is a point-in-time progress report from a running job.
type Progress struct {
	Current int    `json:"current"`
	Total   int    `json:"total"`
	Message string `json:"message,omitempty"`
}

// Job represents a tracked unit of asynchronous work.
type Job struct {
	ID          string          `json:"id"`
	Class       Class           `json:"class"`
	Status      Status          `json:"status"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Progress    *Progress       `json:"progress,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// Event is a status notification delivered to stream subscribers.
type Event struct {
	JobID    string          `json:"job_id"`
	Status   Status          `json:"status"`
	Progress *Progress       `json:"progress,omitempty"`
	Message  string          `json:"message,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}
