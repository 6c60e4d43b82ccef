package domain

import "time"

// JobStatus represents the lifecycle state of a download job.
type JobStatus string

const (
	StatusPending     JobStatus = "pending"
	StatusFiltering   JobStatus = "filtering"
	StatusBlocked     JobStatus = "blocked"
	StatusQueued      JobStatus = "queued"
	StatusDownloading JobStatus = "downloading"
	StatusPaused      JobStatus = "paused"
	StatusCompleted   JobStatus = "completed"
	StatusFailed      JobStatus = "failed"
	StatusCancelled   JobStatus = "cancelled"
)

// IsTerminal returns true for states a job never leaves.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case StatusBlocked, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Job represents one requested download.
type Job struct {
	ID          string
	URL         string
	Options     string // opaque format/options string, passed through to the backend
	Destination string
	Status      JobStatus
	Progress    float64 // 0.0 to 1.0
	Retries     int
	LastError   string
	NextRetry   *time.Time // earliest time a requeued job may be claimed again
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// CanRetry returns true if the job has retry budget left.
func (j *Job) CanRetry(maxRetries int) bool {
	return j.Retries < maxRetries && !j.Status.IsTerminal()
}

// EventKind classifies lifecycle notifications on the event bus.
type EventKind string

const (
	EventEnqueued       EventKind = "enqueued"
	EventFilterResult   EventKind = "filter_result"
	EventProgressUpdate EventKind = "progress"
	EventStatusChanged  EventKind = "status_changed"
	EventCompleted      EventKind = "completed"
	EventFailed         EventKind = "failed"
)

// Event is an immutable lifecycle notification. The job store remains the
// source of truth; events may be dropped by slow subscribers.
type Event struct {
	JobID    string
	Kind     EventKind
	Status   JobStatus
	Progress float64
	Reason   string
	At       time.Time
}

// Verdict is a filter rule's decision for a URL.
type Verdict struct {
	Decision Decision
	Reason   string
}

// Decision enumerates filter outcomes.
type Decision int

const (
	// Indeterminate lets the chain continue to the next rule.
	Indeterminate Decision = iota
	Allow
	Block
)

// Allowed returns a plain allow verdict.
func Allowed() Verdict { return Verdict{Decision: Allow} }

// Blocked returns a block verdict with a user-visible reason.
func Blocked(reason string) Verdict { return Verdict{Decision: Block, Reason: reason} }

// Undecided returns a pass verdict.
func Undecided() Verdict { return Verdict{Decision: Indeterminate} }
