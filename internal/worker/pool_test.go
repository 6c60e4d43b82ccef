package worker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fetchq/fetchq/internal/domain"
	"github.com/fetchq/fetchq/internal/filter"
)

// memStore is an in-memory domain.JobStore with the same claim semantics
// as the SQLite store.
type memStore struct {
	mu   sync.Mutex
	jobs map[string]*domain.Job
}

func newMemStore() *memStore {
	return &memStore{jobs: make(map[string]*domain.Job)}
}

func (m *memStore) Create(ctx context.Context, job *domain.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *job
	m.jobs[job.ID] = &c
	return nil
}

func (m *memStore) Get(ctx context.Context, id string) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	c := *job
	return &c, nil
}

func (m *memStore) List(ctx context.Context, statuses ...domain.JobStatus) ([]domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Job
	for _, job := range m.jobs {
		if len(statuses) == 0 {
			out = append(out, *job)
			continue
		}
		for _, st := range statuses {
			if job.Status == st {
				out = append(out, *job)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) CompareAndTransition(ctx context.Context, id string, expected, next domain.JobStatus, up domain.Update) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || job.Status != expected {
		return false, nil
	}
	job.Status = next
	if up.Progress != nil {
		job.Progress = *up.Progress
	}
	if up.Retries != nil {
		job.Retries = *up.Retries
	}
	if up.LastError != nil {
		job.LastError = *up.LastError
	}
	if up.NextRetry != nil {
		if up.NextRetry.IsZero() {
			job.NextRetry = nil
		} else {
			t := *up.NextRetry
			job.NextRetry = &t
		}
	}
	job.UpdatedAt = time.Now()
	return true, nil
}

func (m *memStore) ClaimOldest(ctx context.Context) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	var oldest *domain.Job
	for _, job := range m.jobs {
		if job.Status != domain.StatusPending && job.Status != domain.StatusQueued {
			continue
		}
		if job.NextRetry != nil && job.NextRetry.After(now) {
			continue
		}
		if oldest == nil ||
			job.CreatedAt.Before(oldest.CreatedAt) ||
			(job.CreatedAt.Equal(oldest.CreatedAt) && job.ID < oldest.ID) {
			oldest = job
		}
	}
	if oldest == nil {
		return nil, nil
	}
	if oldest.Status == domain.StatusPending {
		oldest.Status = domain.StatusFiltering
	} else {
		oldest.Status = domain.StatusDownloading
	}
	c := *oldest
	return &c, nil
}

func (m *memStore) RecoverInterrupted(ctx context.Context) (int64, error) { return 0, nil }

func (m *memStore) PurgeTerminal(ctx context.Context) (int64, error) { return 0, nil }

func (m *memStore) Delete(ctx context.Context, id string, force bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, id)
	return nil
}

func (m *memStore) add(id string, created time.Time) {
	m.jobs[id] = &domain.Job{
		ID:        id,
		URL:       "https://example.com/" + id,
		Status:    domain.StatusPending,
		CreatedAt: created,
		UpdatedAt: created,
	}
}

// fakeBackend delegates to fetch and counts calls.
type fakeBackend struct {
	fetch func(ctx context.Context, job *domain.Job, progress func(float64)) domain.Outcome
	calls atomic.Int64
}

func (b *fakeBackend) Name() string { return "fake" }

func (b *fakeBackend) Fetch(ctx context.Context, job *domain.Job, progress func(float64)) domain.Outcome {
	b.calls.Add(1)
	return b.fetch(ctx, job, progress)
}

// dropPub discards events.
type dropPub struct{}

func (dropPub) Publish(domain.Event) {}

func waitStatus(t *testing.T, store *memStore, id string, want domain.JobStatus) *domain.Job {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		job, err := store.Get(context.Background(), id)
		if err != nil {
			t.Fatal(err)
		}
		if job.Status == want {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	job, _ := store.Get(context.Background(), id)
	t.Fatalf("job %s status = %q, want %q", id, job.Status, want)
	return nil
}

func testOptions(workers int) Options {
	return Options{
		Workers:          workers,
		MaxRetries:       3,
		BaseBackoff:      time.Millisecond,
		MaxBackoff:       8 * time.Millisecond,
		ProgressInterval: time.Millisecond,
		PollInterval:     10 * time.Millisecond,
	}
}

func TestPool_Backoff(t *testing.T) {
	p := New(newMemStore(), filter.NewChain(), &fakeBackend{}, dropPub{}, Options{
		BaseBackoff: 100 * time.Millisecond,
		MaxBackoff:  800 * time.Millisecond,
	})

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		800 * time.Millisecond,
	}
	for retries, d := range want {
		if got := p.backoff(retries); got != d {
			t.Errorf("backoff(%d) = %v, want %v", retries, got, d)
		}
	}
	// Shift counts that would overflow still land on the cap.
	if got := p.backoff(62); got != 800*time.Millisecond {
		t.Errorf("backoff(62) = %v, want %v", got, 800*time.Millisecond)
	}
}

func TestPool_SuccessFlow(t *testing.T) {
	store := newMemStore()
	store.add("job-1", time.Now())

	backend := &fakeBackend{fetch: func(ctx context.Context, job *domain.Job, progress func(float64)) domain.Outcome {
		progress(0.5)
		return domain.Outcome{Code: domain.OutcomeSuccess, OutputPath: "/tmp/out.mp4"}
	}}

	p := New(store, filter.NewChain(), backend, dropPub{}, testOptions(1))
	p.Start(context.Background())
	defer p.Shutdown(time.Second)
	p.Wake()

	job := waitStatus(t, store, "job-1", domain.StatusCompleted)
	if job.Progress != 1 {
		t.Errorf("progress = %v, want 1", job.Progress)
	}
	if got := backend.calls.Load(); got != 1 {
		t.Errorf("backend calls = %d, want 1", got)
	}
}

func TestPool_BlockedJobNeverReachesBackend(t *testing.T) {
	store := newMemStore()
	store.add("job-1", time.Now())

	backend := &fakeBackend{fetch: func(ctx context.Context, job *domain.Job, progress func(float64)) domain.Outcome {
		return domain.Outcome{Code: domain.OutcomeSuccess}
	}}
	chain := filter.NewChain(filter.NewDomainRule("domains", []string{"example.com"}))

	p := New(store, chain, backend, dropPub{}, testOptions(1))
	p.Start(context.Background())
	defer p.Shutdown(time.Second)
	p.Wake()

	job := waitStatus(t, store, "job-1", domain.StatusBlocked)
	if job.LastError == "" {
		t.Error("blocked job has no recorded reason")
	}
	if got := backend.calls.Load(); got != 0 {
		t.Errorf("backend calls = %d, want 0 for a blocked job", got)
	}
}

func TestPool_RecoverableRetriesThenFails(t *testing.T) {
	store := newMemStore()
	store.add("job-1", time.Now())

	backend := &fakeBackend{fetch: func(ctx context.Context, job *domain.Job, progress func(float64)) domain.Outcome {
		return domain.Outcome{Code: domain.OutcomeRecoverable, Reason: "connection reset"}
	}}

	opts := testOptions(1)
	opts.MaxRetries = 2
	p := New(store, filter.NewChain(), backend, dropPub{}, opts)
	p.Start(context.Background())
	defer p.Shutdown(time.Second)
	p.Wake()

	job := waitStatus(t, store, "job-1", domain.StatusFailed)
	// Initial attempt plus both retries.
	if got := backend.calls.Load(); got != 3 {
		t.Errorf("backend calls = %d, want 3", got)
	}
	if job.Retries != 2 {
		t.Errorf("retries = %d, want 2", job.Retries)
	}
	if job.LastError != "connection reset" {
		t.Errorf("last error = %q, want %q", job.LastError, "connection reset")
	}
}

func TestPool_PermanentFailureSkipsRetries(t *testing.T) {
	store := newMemStore()
	store.add("job-1", time.Now())

	backend := &fakeBackend{fetch: func(ctx context.Context, job *domain.Job, progress func(float64)) domain.Outcome {
		return domain.Outcome{Code: domain.OutcomePermanent, Reason: "HTTP Error 404"}
	}}

	p := New(store, filter.NewChain(), backend, dropPub{}, testOptions(1))
	p.Start(context.Background())
	defer p.Shutdown(time.Second)
	p.Wake()

	job := waitStatus(t, store, "job-1", domain.StatusFailed)
	if got := backend.calls.Load(); got != 1 {
		t.Errorf("backend calls = %d, want 1", got)
	}
	if job.Retries != 0 {
		t.Errorf("retries = %d, want 0", job.Retries)
	}
}

func TestPool_ConcurrencyBound(t *testing.T) {
	store := newMemStore()
	base := time.Now()
	for i := 0; i < 5; i++ {
		store.add(fmt.Sprintf("job-%d", i), base.Add(time.Duration(i)*time.Millisecond))
	}

	var active, peak atomic.Int64
	var mu sync.Mutex
	var started []string
	backend := &fakeBackend{fetch: func(ctx context.Context, job *domain.Job, progress func(float64)) domain.Outcome {
		mu.Lock()
		started = append(started, job.ID)
		mu.Unlock()
		n := active.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		active.Add(-1)
		return domain.Outcome{Code: domain.OutcomeSuccess}
	}}

	p := New(store, filter.NewChain(), backend, dropPub{}, testOptions(2))
	p.Start(context.Background())
	defer p.Shutdown(time.Second)
	p.Wake()

	for i := 0; i < 5; i++ {
		waitStatus(t, store, fmt.Sprintf("job-%d", i), domain.StatusCompleted)
	}
	if got := peak.Load(); got > 2 {
		t.Errorf("peak concurrent downloads = %d, want <= 2", got)
	}
	// Claims go oldest first; with two workers the first two downloads
	// are the two oldest jobs in some order.
	mu.Lock()
	defer mu.Unlock()
	first := map[string]bool{started[0]: true, started[1]: true}
	if !first["job-0"] {
		t.Errorf("first downloads = %v, want job-0 among them", started[:2])
	}
}

func TestPool_CancelDuringDownload(t *testing.T) {
	store := newMemStore()
	store.add("job-1", time.Now())

	running := make(chan struct{})
	var once sync.Once
	backend := &fakeBackend{fetch: func(ctx context.Context, job *domain.Job, progress func(float64)) domain.Outcome {
		once.Do(func() { close(running) })
		<-ctx.Done()
		return domain.Outcome{Code: domain.OutcomeCancelled}
	}}

	p := New(store, filter.NewChain(), backend, dropPub{}, testOptions(1))
	p.Start(context.Background())
	defer p.Shutdown(time.Second)
	p.Wake()

	<-running
	if !p.Cancel("job-1") {
		t.Fatal("Cancel() = false, want true while the lease is held")
	}
	waitStatus(t, store, "job-1", domain.StatusCancelled)

	// The lease is gone once the job settles.
	if p.Cancel("job-1") {
		t.Error("Cancel() = true after the job settled")
	}
}

func TestPool_PauseDuringDownload(t *testing.T) {
	store := newMemStore()
	store.add("job-1", time.Now())

	running := make(chan struct{})
	var once sync.Once
	backend := &fakeBackend{fetch: func(ctx context.Context, job *domain.Job, progress func(float64)) domain.Outcome {
		once.Do(func() { close(running) })
		<-ctx.Done()
		return domain.Outcome{Code: domain.OutcomeCancelled}
	}}

	p := New(store, filter.NewChain(), backend, dropPub{}, testOptions(1))
	p.Start(context.Background())
	defer p.Shutdown(time.Second)
	p.Wake()

	<-running
	if !p.RequestPause("job-1") {
		t.Fatal("RequestPause() = false, want true while the lease is held")
	}
	waitStatus(t, store, "job-1", domain.StatusPaused)
}

func TestPool_ShutdownRequeuesInFlight(t *testing.T) {
	store := newMemStore()
	store.add("job-1", time.Now())

	running := make(chan struct{})
	var once sync.Once
	backend := &fakeBackend{fetch: func(ctx context.Context, job *domain.Job, progress func(float64)) domain.Outcome {
		once.Do(func() { close(running) })
		<-ctx.Done()
		return domain.Outcome{Code: domain.OutcomeCancelled}
	}}

	p := New(store, filter.NewChain(), backend, dropPub{}, testOptions(1))
	p.Start(context.Background())
	p.Wake()

	<-running
	p.Shutdown(time.Second)

	// Shutdown is not a user cancel: the job goes back to the queue so a
	// restart picks it up.
	job, err := store.Get(context.Background(), "job-1")
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != domain.StatusQueued {
		t.Errorf("status after shutdown = %q, want %q", job.Status, domain.StatusQueued)
	}
}

func TestPool_ProgressEvents(t *testing.T) {
	store := newMemStore()
	store.add("job-1", time.Now())

	var mu sync.Mutex
	var progress []float64
	pub := publisherFunc(func(ev domain.Event) {
		if ev.Kind == domain.EventProgressUpdate {
			mu.Lock()
			progress = append(progress, ev.Progress)
			mu.Unlock()
		}
	})

	backend := &fakeBackend{fetch: func(ctx context.Context, job *domain.Job, progressFn func(float64)) domain.Outcome {
		progressFn(0.25)
		time.Sleep(5 * time.Millisecond)
		progressFn(0.75)
		return domain.Outcome{Code: domain.OutcomeSuccess}
	}}

	p := New(store, filter.NewChain(), backend, pub, testOptions(1))
	p.Start(context.Background())
	defer p.Shutdown(time.Second)
	p.Wake()

	waitStatus(t, store, "job-1", domain.StatusCompleted)

	mu.Lock()
	defer mu.Unlock()
	if len(progress) < 2 || progress[0] != 0.25 || progress[len(progress)-1] != 0.75 {
		t.Errorf("progress events = %v, want [0.25 ... 0.75]", progress)
	}
}

type publisherFunc func(domain.Event)

func (f publisherFunc) Publish(ev domain.Event) { f(ev) }

// gatedStore blocks the first matching transition until proceed is
// closed, exposing the window between a worker deciding on a transition
// and the write landing.
type gatedStore struct {
	*memStore
	from, to domain.JobStatus
	entered  chan struct{}
	proceed  chan struct{}
	once     sync.Once
}

func newGatedStore(inner *memStore, from, to domain.JobStatus) *gatedStore {
	return &gatedStore{
		memStore: inner,
		from:     from,
		to:       to,
		entered:  make(chan struct{}),
		proceed:  make(chan struct{}),
	}
}

func (g *gatedStore) CompareAndTransition(ctx context.Context, id string, expected, next domain.JobStatus, up domain.Update) (bool, error) {
	if expected == g.from && next == g.to {
		g.once.Do(func() {
			close(g.entered)
			<-g.proceed
		})
	}
	return g.memStore.CompareAndTransition(ctx, id, expected, next, up)
}

func TestPool_CancelLandsAfterFilterRequeue(t *testing.T) {
	inner := newMemStore()
	inner.add("job-1", time.Now())
	store := newGatedStore(inner, domain.StatusFiltering, domain.StatusQueued)

	backend := &fakeBackend{fetch: func(ctx context.Context, job *domain.Job, progress func(float64)) domain.Outcome {
		return domain.Outcome{Code: domain.OutcomeSuccess}
	}}

	p := New(store, filter.NewChain(), backend, dropPub{}, testOptions(1))
	p.Start(context.Background())
	defer p.Shutdown(time.Second)
	p.Wake()

	// The worker is mid-way through its filtering->queued write; a cancel
	// accepted now must not be lost to the requeue.
	<-store.entered
	if !p.Cancel("job-1") {
		t.Fatal("Cancel() = false, want true while the lease is held")
	}
	close(store.proceed)

	waitStatus(t, inner, "job-1", domain.StatusCancelled)
	if got := backend.calls.Load(); got != 0 {
		t.Errorf("backend calls = %d, want 0 for a cancelled job", got)
	}
}

func TestPool_CancelLandsAfterRetryRequeue(t *testing.T) {
	inner := newMemStore()
	inner.add("job-1", time.Now())
	store := newGatedStore(inner, domain.StatusDownloading, domain.StatusQueued)

	backend := &fakeBackend{fetch: func(ctx context.Context, job *domain.Job, progress func(float64)) domain.Outcome {
		return domain.Outcome{Code: domain.OutcomeRecoverable, Reason: "connection reset"}
	}}

	p := New(store, filter.NewChain(), backend, dropPub{}, testOptions(1))
	p.Start(context.Background())
	defer p.Shutdown(time.Second)
	p.Wake()

	// The fetch already failed recoverably and the worker is inside the
	// requeue write when the cancel arrives.
	<-store.entered
	if !p.Cancel("job-1") {
		t.Fatal("Cancel() = false, want true while the lease is held")
	}
	close(store.proceed)

	waitStatus(t, inner, "job-1", domain.StatusCancelled)
	if got := backend.calls.Load(); got != 1 {
		t.Errorf("backend calls = %d, want 1 (no retry after cancel)", got)
	}
}

func TestPool_PauseLandsAfterRetryRequeue(t *testing.T) {
	inner := newMemStore()
	inner.add("job-1", time.Now())
	store := newGatedStore(inner, domain.StatusDownloading, domain.StatusQueued)

	backend := &fakeBackend{fetch: func(ctx context.Context, job *domain.Job, progress func(float64)) domain.Outcome {
		return domain.Outcome{Code: domain.OutcomeRecoverable, Reason: "connection reset"}
	}}

	p := New(store, filter.NewChain(), backend, dropPub{}, testOptions(1))
	p.Start(context.Background())
	defer p.Shutdown(time.Second)
	p.Wake()

	<-store.entered
	if !p.RequestPause("job-1") {
		t.Fatal("RequestPause() = false, want true while the lease is held")
	}
	close(store.proceed)

	waitStatus(t, inner, "job-1", domain.StatusPaused)
	if got := backend.calls.Load(); got != 1 {
		t.Errorf("backend calls = %d, want 1 (no retry after pause)", got)
	}
}

func TestPool_FilterEventFollowsStore(t *testing.T) {
	inner := newMemStore()
	inner.add("job-1", time.Now())
	store := newGatedStore(inner, domain.StatusFiltering, domain.StatusQueued)

	var mu sync.Mutex
	var filterEvents []domain.Event
	pub := publisherFunc(func(ev domain.Event) {
		if ev.Kind == domain.EventFilterResult {
			mu.Lock()
			filterEvents = append(filterEvents, ev)
			mu.Unlock()
		}
	})

	backend := &fakeBackend{fetch: func(ctx context.Context, job *domain.Job, progress func(float64)) domain.Outcome {
		return domain.Outcome{Code: domain.OutcomeSuccess}
	}}

	p := New(store, filter.NewChain(), backend, pub, testOptions(1))
	p.Start(context.Background())
	defer p.Shutdown(time.Second)
	p.Wake()

	// While the worker is inside its filtering->queued write, the job is
	// cancelled underneath it. The losing write must not announce a
	// filter result that contradicts the store.
	<-store.entered
	ok, err := inner.CompareAndTransition(context.Background(), "job-1",
		domain.StatusFiltering, domain.StatusCancelled, domain.Update{})
	if err != nil || !ok {
		t.Fatalf("CompareAndTransition() = %v, %v", ok, err)
	}
	close(store.proceed)

	waitStatus(t, inner, "job-1", domain.StatusCancelled)
	mu.Lock()
	defer mu.Unlock()
	if len(filterEvents) != 0 {
		t.Errorf("filter events = %v, want none for a transition that lost", filterEvents)
	}
}

func TestPool_ZeroRetriesFailsImmediately(t *testing.T) {
	store := newMemStore()
	store.add("job-1", time.Now())

	backend := &fakeBackend{fetch: func(ctx context.Context, job *domain.Job, progress func(float64)) domain.Outcome {
		return domain.Outcome{Code: domain.OutcomeRecoverable, Reason: "connection reset"}
	}}

	opts := testOptions(1)
	opts.MaxRetries = 0
	p := New(store, filter.NewChain(), backend, dropPub{}, opts)
	p.Start(context.Background())
	defer p.Shutdown(time.Second)
	p.Wake()

	waitStatus(t, store, "job-1", domain.StatusFailed)
	if got := backend.calls.Load(); got != 1 {
		t.Errorf("backend calls = %d, want 1 with retries disabled", got)
	}
}
