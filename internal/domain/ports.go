package domain

import (
	"context"
	"time"
)

// Update carries optional field changes applied together with a status
// transition. Nil fields are left untouched.
type Update struct {
	Progress  *float64
	Retries   *int
	LastError *string
	NextRetry *time.Time
}

// JobStore is the driven port for job persistence.
type JobStore interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	// List returns jobs in creation order, optionally filtered by status.
	List(ctx context.Context, statuses ...JobStatus) ([]Job, error)
	// CompareAndTransition atomically moves a job from expected to next,
	// applying up. It returns false without mutating when the current
	// status differs from expected.
	CompareAndTransition(ctx context.Context, id string, expected, next JobStatus, up Update) (bool, error)
	// ClaimOldest advances the oldest ready pending or queued job
	// (pending to filtering, queued to downloading) and returns it, or
	// nil when nothing is ready.
	ClaimOldest(ctx context.Context) (*Job, error)
	// RecoverInterrupted resets jobs left in filtering or downloading by
	// a crash back to queued, retry counts untouched.
	RecoverInterrupted(ctx context.Context) (int64, error)
	PurgeTerminal(ctx context.Context) (int64, error)
	// Delete removes a single record. Non-terminal jobs are rejected with
	// ErrInvalidState unless force is set.
	Delete(ctx context.Context, id string, force bool) error
}

// FilterRule is a named URL classifier. Evaluation must be side-effect
// free and must not touch the network.
type FilterRule interface {
	Name() string
	Evaluate(url string) Verdict
}

// OutcomeCode classifies how a backend fetch ended.
type OutcomeCode int

const (
	OutcomeSuccess OutcomeCode = iota
	OutcomeRecoverable
	OutcomePermanent
	OutcomeCancelled
)

// Outcome is the result of one backend fetch attempt.
type Outcome struct {
	Code       OutcomeCode
	Reason     string
	OutputPath string
}

// Backend is the driven port performing the actual media fetch. It must
// invoke progress with non-decreasing fractions in [0,1] and honor
// context cancellation at bounded intervals.
type Backend interface {
	Name() string
	Fetch(ctx context.Context, job *Job, progress func(float64)) Outcome
}

// Executor is the manager's view of the worker pool: waking claim loops
// and signalling leases held on running jobs.
type Executor interface {
	// Wake nudges idle workers to look for ready jobs immediately.
	Wake()
	// Cancel requests cooperative cancellation of a leased job. It
	// returns false when no worker currently holds the job.
	Cancel(id string) bool
	// RequestPause asks the leaseholder to stop and park the job as
	// paused instead of cancelled.
	RequestPause(id string) bool
}
