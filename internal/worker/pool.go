package worker

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/fetchq/fetchq/internal/domain"
	"github.com/fetchq/fetchq/internal/filter"
)

// Options tunes the pool. Zero values fall back to sane defaults.
type Options struct {
	Workers          int
	MaxRetries       int
	BaseBackoff      time.Duration
	MaxBackoff       time.Duration
	ProgressInterval time.Duration
	PollInterval     time.Duration
}

func (o *Options) fill() {
	if o.Workers <= 0 {
		o.Workers = 1
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = 500 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = time.Minute
	}
	if o.ProgressInterval <= 0 {
		o.ProgressInterval = 500 * time.Millisecond
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
}

// lease is one worker's transient claim on a running job. The flags
// record why the lease context was cancelled: a pause request, an
// explicit cancel, or neither (pool shutdown).
type lease struct {
	cancel     context.CancelFunc
	pause      bool
	userCancel bool
}

// Pool executes jobs with a fixed set of concurrent workers. Workers
// claim the oldest ready job, run the filter chain on fresh submissions
// and the backend on queued ones, and write every transition through the
// store's compare-and-transition primitive.
type Pool struct {
	store   domain.JobStore
	chain   *filter.Chain
	backend domain.Backend
	pub     domain.Publisher
	opts    Options

	wakeup chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	leases map[string]*lease
}

// New creates a worker pool.
func New(store domain.JobStore, chain *filter.Chain, backend domain.Backend, pub domain.Publisher, opts Options) *Pool {
	opts.fill()
	return &Pool{
		store:   store,
		chain:   chain,
		backend: backend,
		pub:     pub,
		opts:    opts,
		wakeup:  make(chan struct{}, opts.Workers),
		leases:  make(map[string]*lease),
	}
}

// Start launches the workers. It returns immediately; call Shutdown to
// stop them.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	log.Printf("starting %d workers", p.opts.Workers)

	for i := 0; i < p.opts.Workers; i++ {
		id := fmt.Sprintf("worker-%d", i)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.run(ctx, id)
		}()
	}
}

// Shutdown stops the claim loops and waits up to timeout for in-flight
// jobs' workers to exit.
func (p *Pool) Shutdown(timeout time.Duration) {
	if p.cancel != nil {
		p.cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Println("all workers exited")
	case <-time.After(timeout):
		log.Printf("shutdown timed out after %v, some workers may still be running", timeout)
	}
}

// Wake nudges idle workers to check for ready jobs immediately.
func (p *Pool) Wake() {
	select {
	case p.wakeup <- struct{}{}:
	default:
	}
}

// Cancel cancels the lease held on a job, if any.
func (p *Pool) Cancel(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.leases[id]
	if !ok {
		return false
	}
	l.userCancel = true
	l.cancel()
	return true
}

// RequestPause asks the leaseholder to park the job as paused instead of
// cancelled.
func (p *Pool) RequestPause(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.leases[id]
	if !ok {
		return false
	}
	l.pause = true
	l.cancel()
	return true
}

func (p *Pool) run(ctx context.Context, id string) {
	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("%s stopping", id)
			return
		case <-ticker.C:
		case <-p.wakeup:
		}
		p.drain(ctx, id)
	}
}

// drain claims and processes ready jobs until the queue is empty or the
// context ends.
func (p *Pool) drain(ctx context.Context, id string) {
	for ctx.Err() == nil {
		job, err := p.store.ClaimOldest(ctx)
		if err != nil {
			log.Printf("%s: claim error: %v", id, err)
			return
		}
		if job == nil {
			return
		}
		p.process(ctx, id, job)
	}
}

func (p *Pool) process(ctx context.Context, id string, job *domain.Job) {
	// One job's panic must never take the process down.
	defer func() {
		if r := recover(); r != nil {
			reason := fmt.Sprintf("backend panic: %v", r)
			log.Printf("%s: job %s: %s", id, job.ID, reason)
			p.terminalize(ctx, job.ID, job.Status, domain.StatusFailed, reason)
		}
	}()

	switch job.Status {
	case domain.StatusFiltering:
		p.runFilter(ctx, id, job)
	case domain.StatusDownloading:
		p.runDownload(ctx, id, job)
	default:
		log.Printf("%s: job %s: unexpected claim status %s", id, job.ID, job.Status)
	}
}

// runFilter evaluates the chain on a fresh submission and either blocks
// the job or promotes it to queued.
func (p *Pool) runFilter(ctx context.Context, id string, job *domain.Job) {
	leaseCtx := p.acquire(ctx, job.ID)
	writeCtx := context.WithoutCancel(ctx)
	defer p.release(writeCtx, job.ID)

	verdict := p.chain.Evaluate(job.URL)

	if leaseCtx.Err() != nil {
		next := domain.StatusQueued // pool shutdown: leave the job claimable
		if p.cancelRequested(job.ID) {
			next = domain.StatusCancelled
		}
		p.transition(writeCtx, job.ID, domain.StatusFiltering, next, domain.Update{})
		return
	}

	if verdict.Decision == domain.Block {
		log.Printf("%s: job %s: blocked: %s", id, job.ID, verdict.Reason)
		if p.transition(writeCtx, job.ID, domain.StatusFiltering, domain.StatusBlocked,
			domain.Update{LastError: &verdict.Reason}) {
			p.pub.Publish(domain.Event{
				JobID: job.ID, Kind: domain.EventFilterResult,
				Status: domain.StatusBlocked, Reason: verdict.Reason, At: time.Now(),
			})
		}
		return
	}

	if p.transition(writeCtx, job.ID, domain.StatusFiltering, domain.StatusQueued, domain.Update{}) {
		p.pub.Publish(domain.Event{
			JobID: job.ID, Kind: domain.EventFilterResult,
			Status: domain.StatusQueued, At: time.Now(),
		})
		p.Wake()
	}
}

// runDownload executes the backend call for a claimed job and
// terminalizes or requeues it from the outcome.
func (p *Pool) runDownload(ctx context.Context, id string, job *domain.Job) {
	leaseCtx := p.acquire(ctx, job.ID)
	defer p.release(context.WithoutCancel(ctx), job.ID)

	log.Printf("%s: job %s: downloading %s with %s", id, job.ID, job.URL, p.backend.Name())

	outcome := p.backend.Fetch(leaseCtx, job, p.progressEmitter(ctx, job.ID))

	// Outcome bookkeeping must land even when the pool is shutting down.
	writeCtx := context.WithoutCancel(ctx)

	switch outcome.Code {
	case domain.OutcomeSuccess:
		one := 1.0
		if p.transition(writeCtx, job.ID, domain.StatusDownloading, domain.StatusCompleted, domain.Update{Progress: &one}) {
			log.Printf("%s: job %s: completed", id, job.ID)
			p.pub.Publish(domain.Event{
				JobID: job.ID, Kind: domain.EventCompleted,
				Status: domain.StatusCompleted, Progress: 1, Reason: outcome.OutputPath, At: time.Now(),
			})
		}

	case domain.OutcomeCancelled:
		// Partial output stays on disk for a later resume.
		next := domain.StatusQueued // pool shutdown: leave the job claimable
		switch {
		case p.pauseRequested(job.ID):
			next = domain.StatusPaused
		case p.cancelRequested(job.ID):
			next = domain.StatusCancelled
		}
		p.transition(writeCtx, job.ID, domain.StatusDownloading, next, domain.Update{})
		log.Printf("%s: job %s: %s", id, job.ID, next)

	case domain.OutcomeRecoverable:
		if job.Retries < p.opts.MaxRetries {
			delay := p.backoff(job.Retries)
			retries := job.Retries + 1
			nextTry := time.Now().Add(delay)
			log.Printf("%s: job %s: recoverable failure, retry %d in %v: %s",
				id, job.ID, retries, delay, outcome.Reason)
			p.transition(writeCtx, job.ID, domain.StatusDownloading, domain.StatusQueued,
				domain.Update{Retries: &retries, LastError: &outcome.Reason, NextRetry: &nextTry})
			return
		}
		p.terminalize(writeCtx, job.ID, domain.StatusDownloading, domain.StatusFailed, outcome.Reason)
		log.Printf("%s: job %s: failed after %d retries: %s", id, job.ID, job.Retries, outcome.Reason)

	case domain.OutcomePermanent:
		p.terminalize(writeCtx, job.ID, domain.StatusDownloading, domain.StatusFailed, outcome.Reason)
		log.Printf("%s: job %s: permanent failure: %s", id, job.ID, outcome.Reason)
	}
}

// progressEmitter returns a coalescing progress callback: the store and
// bus see at most one update per configured interval, plus the final
// fraction.
func (p *Pool) progressEmitter(ctx context.Context, jobID string) func(float64) {
	var mu sync.Mutex
	var lastEmit time.Time
	return func(frac float64) {
		mu.Lock()
		defer mu.Unlock()

		now := time.Now()
		if frac < 1 && now.Sub(lastEmit) < p.opts.ProgressInterval {
			return
		}
		lastEmit = now

		// Guarded by the downloading status, so a progress update racing
		// a cancellation never resurrects the record.
		ok, err := p.store.CompareAndTransition(ctx, jobID,
			domain.StatusDownloading, domain.StatusDownloading,
			domain.Update{Progress: &frac})
		if err != nil || !ok {
			return
		}
		p.pub.Publish(domain.Event{
			JobID: jobID, Kind: domain.EventProgressUpdate,
			Status: domain.StatusDownloading, Progress: frac, At: now,
		})
	}
}

// backoff computes the retry delay before attempt retries+1:
// base*2^retries, capped.
func (p *Pool) backoff(retries int) time.Duration {
	if retries > 30 {
		return p.opts.MaxBackoff
	}
	d := p.opts.BaseBackoff << uint(retries)
	if d > p.opts.MaxBackoff || d <= 0 {
		return p.opts.MaxBackoff
	}
	return d
}

// transition applies a CAS transition and publishes StatusChanged when
// it lands.
func (p *Pool) transition(ctx context.Context, jobID string, from, to domain.JobStatus, up domain.Update) bool {
	ok, err := p.store.CompareAndTransition(ctx, jobID, from, to, up)
	if err != nil {
		log.Printf("job %s: transition %s -> %s: %v", jobID, from, to, err)
		return false
	}
	if !ok {
		return false
	}
	p.pub.Publish(domain.Event{JobID: jobID, Kind: domain.EventStatusChanged, Status: to, At: time.Now()})
	return true
}

// terminalize fails or blocks a job, recording the reason and emitting
// the terminal event exactly once.
func (p *Pool) terminalize(ctx context.Context, jobID string, from, to domain.JobStatus, reason string) {
	if !p.transition(ctx, jobID, from, to, domain.Update{LastError: &reason}) {
		return
	}
	if to == domain.StatusFailed {
		p.pub.Publish(domain.Event{
			JobID: jobID, Kind: domain.EventFailed,
			Status: domain.StatusFailed, Reason: reason, At: time.Now(),
		})
	}
}

func (p *Pool) acquire(ctx context.Context, jobID string) context.Context {
	leaseCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.leases[jobID] = &lease{cancel: cancel}
	p.mu.Unlock()
	return leaseCtx
}

// release drops the lease and settles any cancel or pause request still
// pending on it. A request accepted after the job was already requeued
// would otherwise be lost: the flag was set, Cancel returned true, but
// no code path consulted it again. Removing the lease before the CAS
// means a request arriving later is refused and retried by the manager
// against the stored status.
func (p *Pool) release(ctx context.Context, jobID string) {
	p.mu.Lock()
	l, ok := p.leases[jobID]
	delete(p.leases, jobID)
	p.mu.Unlock()
	if !ok {
		return
	}
	l.cancel()

	switch {
	case l.pause:
		p.transition(ctx, jobID, domain.StatusQueued, domain.StatusPaused, domain.Update{})
	case l.userCancel:
		p.transition(ctx, jobID, domain.StatusQueued, domain.StatusCancelled, domain.Update{})
	}
}

func (p *Pool) pauseRequested(jobID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.leases[jobID]
	return ok && l.pause
}

func (p *Pool) cancelRequested(jobID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.leases[jobID]
	return ok && l.userCancel
}
