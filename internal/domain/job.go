package domain

import (
	"encoding/json"
	"time"
)

// Kind identifies the handler a job is dispatched to.
type Kind string

const (
	KindProcessAppointment Kind = "process-appointment"
	KindSendNotification   Kind = "send-notification"
)

// Status is the queue state of a job.
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Backoff describes how the delay between retry attempts grows.
type Backoff struct {
	Base   time.Duration
	Factor int
	Max    time.Duration
}

// DefaultBackoff is exponential with a 2s base, doubling per attempt.
func DefaultBackoff() Backoff {
	return Backoff{
		Base:   2 * time.Second,
		Factor: 2,
		Max:    time.Minute,
	}
}

// Job is the unit of background work. It is created by the queue client,
// mutated only by the worker slot that owns it while active, and pruned by
// the retention policy once terminal.
type Job struct {
	ID           string
	Kind         Kind
	Payload      json.RawMessage
	Priority     int // 0-9, lower runs first
	Delay        time.Duration
	RunAt        time.Time // next eligibility; zero means immediately
	AttemptsMade int
	MaxAttempts  int
	Backoff      Backoff
	Status       Status
	Result       json.RawMessage
	LastError    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ShouldRetry reports whether a failed job has attempts left.
func (j *Job) ShouldRetry() bool {
	return j.AttemptsMade < j.MaxAttempts
}

// Stats is a snapshot of queue depth by state. The four counts are read
// independently, so jobs transitioning mid-read may be counted in motion.
type Stats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}
