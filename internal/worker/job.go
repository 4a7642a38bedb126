package worker

import "time"

// Job wraps a payload with the scheduling state the manager owns.
type Job[T any] struct {
	Payload T

	// Active is true only while a goroutine of this process runs the job.
	Active bool
	// Attempts counts completed attempts that ended in Retry.
	Attempts      int
	RetryAfter    time.Time
	LastAttemptAt time.Time
}

// Status is the outcome of a single attempt.
type Status int

const (
	// Finished removes the job.
	Finished Status = iota
	// Retry consumes an attempt and reschedules after the backoff delay.
	Retry
	// Paused returns the job to the queue without consuming an attempt.
	Paused
)

func (s Status) String() string {
	switch s {
	case Finished:
		return "finished"
	case Retry:
		return "retry"
	case Paused:
		return "paused"
	default:
		return "unknown"
	}
}

// Result is returned by a job runner.
type Result[T any] struct {
	Status Status
	// UpdatedJob replaces the stored payload when the job stays queued.
	UpdatedJob *T
}

// RunOptions describes the attempt being run.
type RunOptions struct {
	IsLastAttempt bool
	Attempt       int
}
