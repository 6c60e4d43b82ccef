package domain

import (
	"context"
	"errors"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrInvalidURL            = errors.New("invalid URL")
	ErrJobNotFound           = errors.New("job not found")
	ErrInvalidState          = errors.New("job is in an incompatible state")
	ErrDestinationNotAllowed = errors.New("destination outside allowed roots")
)

// Publisher is the manager's sending side of the event bus.
type Publisher interface {
	Publish(Event)
}

// Manager is the queue facade front ends talk to. It owns submission
// validation and all externally requested transitions; workers own the
// execution-side transitions.
type Manager struct {
	store        JobStore
	pub          Publisher
	exec         Executor
	allowedRoots []string
	defaultDest  string
}

// NewManager creates a queue manager. allowedRoots constrains job
// destinations; defaultDest is used when a submission leaves the
// destination empty and must itself be inside allowedRoots.
func NewManager(store JobStore, pub Publisher, exec Executor, allowedRoots []string, defaultDest string) *Manager {
	return &Manager{
		store:        store,
		pub:          pub,
		exec:         exec,
		allowedRoots: allowedRoots,
		defaultDest:  defaultDest,
	}
}

// Submit validates and persists a new job as pending.
func (m *Manager) Submit(ctx context.Context, rawURL, options, destination string) (*Job, error) {
	u, err := url.ParseRequestURI(rawURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, ErrInvalidURL
	}

	if destination == "" {
		destination = m.defaultDest
	}
	dest, err := filepath.Abs(destination)
	if err != nil {
		return nil, ErrDestinationNotAllowed
	}
	if !m.destinationAllowed(dest) {
		return nil, ErrDestinationNotAllowed
	}

	now := time.Now()
	job := &Job{
		ID:          uuid.NewString(),
		URL:         rawURL,
		Options:     options,
		Destination: dest,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := m.store.Create(ctx, job); err != nil {
		return nil, err
	}

	m.pub.Publish(Event{JobID: job.ID, Kind: EventEnqueued, Status: StatusPending, At: now})
	m.exec.Wake()
	return job, nil
}

// Get retrieves a job by ID.
func (m *Manager) Get(ctx context.Context, id string) (*Job, error) {
	return m.store.Get(ctx, id)
}

// List returns jobs in creation order, optionally filtered by status.
func (m *Manager) List(ctx context.Context, statuses ...JobStatus) ([]Job, error) {
	return m.store.List(ctx, statuses...)
}

// Cancel requests cancellation of a job. Cancelling an already cancelled
// job is a no-op; cancelling another terminal job is ErrInvalidState.
// For a leased job the transition happens at the worker's next safe
// checkpoint; callers observe the status rather than assume immediacy.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	// A worker may transition the job between our read and our write; a
	// few attempts always converge because the job only moves toward a
	// terminal state.
	for attempt := 0; attempt < 3; attempt++ {
		job, err := m.store.Get(ctx, id)
		if err != nil {
			return err
		}

		switch job.Status {
		case StatusCancelled:
			return nil // idempotent
		case StatusBlocked, StatusCompleted, StatusFailed:
			return ErrInvalidState
		case StatusPending, StatusQueued, StatusPaused:
			ok, err := m.store.CompareAndTransition(ctx, id, job.Status, StatusCancelled, Update{})
			if err != nil {
				return err
			}
			if ok {
				m.pub.Publish(Event{JobID: id, Kind: EventStatusChanged, Status: StatusCancelled, At: time.Now()})
				return nil
			}
		default: // filtering, downloading
			if m.exec.Cancel(id) {
				return nil
			}
			// The lease was released between Get and Cancel; re-read.
		}
	}
	return ErrInvalidState
}

// Pause asks the worker holding a downloading job to park it. Only
// downloading jobs can be paused.
func (m *Manager) Pause(ctx context.Context, id string) error {
	job, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.Status != StatusDownloading {
		return ErrInvalidState
	}
	if !m.exec.RequestPause(id) {
		return ErrInvalidState
	}
	return nil
}

// Resume requeues a paused job.
func (m *Manager) Resume(ctx context.Context, id string) error {
	job, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.Status != StatusPaused {
		return ErrInvalidState
	}
	ok, err := m.store.CompareAndTransition(ctx, id, StatusPaused, StatusQueued, Update{NextRetry: &time.Time{}})
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidState
	}
	m.pub.Publish(Event{JobID: id, Kind: EventStatusChanged, Status: StatusQueued, At: time.Now()})
	m.exec.Wake()
	return nil
}

// PurgeTerminal deletes all terminal job records.
func (m *Manager) PurgeTerminal(ctx context.Context) (int64, error) {
	return m.store.PurgeTerminal(ctx)
}

// Delete removes a single job record; force is required for non-terminal
// jobs.
func (m *Manager) Delete(ctx context.Context, id string, force bool) error {
	return m.store.Delete(ctx, id, force)
}

func (m *Manager) destinationAllowed(dest string) bool {
	dest = filepath.Clean(dest)
	for _, root := range m.allowedRoots {
		root = filepath.Clean(root)
		if dest == root || strings.HasPrefix(dest, root+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
