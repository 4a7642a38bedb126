// Package worker runs persisted jobs with bounded concurrency, batching,
// backoff and cancellation. It knows nothing about what a job does.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cwygoda/attachdl/internal/metrics"
)

// ErrStopped is the cancellation cause of jobs interrupted by Stop.
var ErrStopped = errors.New("job manager stopped")

// Params configures a Manager. The function fields are the storage and
// execution hooks of a particular job kind.
type Params[T any] struct {
	Name string

	MarkAllJobsInactive func(ctx context.Context) error
	SaveJob             func(ctx context.Context, job Job[T]) error
	SaveJobs            func(ctx context.Context, jobs []Job[T]) error
	RemoveJob           func(ctx context.Context, job Job[T]) error
	// RemoveJobs deletes queued (inactive) jobs whose payload matches pred.
	RemoveJobs  func(ctx context.Context, pred func(T) bool) (int, error)
	GetNextJobs func(ctx context.Context, limit int, now time.Time) ([]Job[T], error)
	RunJob      func(ctx context.Context, job Job[T], opts RunOptions) Result[T]

	// ShouldHoldOffOnStartingQueuedJobs pauses dispatch while it returns true.
	ShouldHoldOffOnStartingQueuedJobs func() bool

	JobID           func(T) string
	JobIDForLogging func(T) string
	RetryConfig     func(T) RetryConfig

	MaxConcurrentJobs int
	TickInterval      time.Duration
	BatchWait         time.Duration
	BatchMaxSize      int

	Logger  *zap.SugaredLogger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// AddOptions tunes AddJob.
type AddOptions struct {
	// ForceStart persists the job immediately and starts it if a slot is free.
	ForceStart bool
}

type runningJob struct {
	cancel context.CancelCauseFunc
}

// Manager schedules jobs of payload type T.
type Manager[T any] struct {
	p     Params[T]
	log   *zap.SugaredLogger
	batch *batcher[T]
	kick  chan struct{}

	mu      sync.Mutex
	running map[string]*runningJob
	payload map[string]T
	changed chan struct{}
	enabled bool
	stopped chan struct{}
	cancel  context.CancelFunc
	jobs    sync.WaitGroup
}

// New creates a manager. Zero-valued tuning fields get defaults.
func New[T any](p Params[T]) *Manager[T] {
	if p.MaxConcurrentJobs <= 0 {
		p.MaxConcurrentJobs = 3
	}
	if p.TickInterval <= 0 {
		p.TickInterval = 5 * time.Second
	}
	if p.BatchWait <= 0 {
		p.BatchWait = 150 * time.Millisecond
	}
	if p.BatchMaxSize <= 0 {
		p.BatchMaxSize = 1000
	}
	if p.Now == nil {
		p.Now = time.Now
	}
	if p.Logger == nil {
		p.Logger = zap.NewNop().Sugar()
	}
	if p.JobIDForLogging == nil {
		p.JobIDForLogging = p.JobID
	}
	if p.ShouldHoldOffOnStartingQueuedJobs == nil {
		p.ShouldHoldOffOnStartingQueuedJobs = func() bool { return false }
	}

	m := &Manager[T]{
		p:       p,
		log:     p.Logger.Named(p.Name),
		kick:    make(chan struct{}, 1),
		running: make(map[string]*runningJob),
		payload: make(map[string]T),
		changed: make(chan struct{}),
	}
	m.batch = newBatcher(p.BatchWait, p.BatchMaxSize, p.SaveJobs, m.onBatchFlushed)
	return m
}

func (m *Manager[T]) onBatchFlushed(n int, err error) {
	if err != nil {
		m.log.Errorf("batch save of %d jobs failed: %v", n, err)
		return
	}
	m.wake()
}

func (m *Manager[T]) wake() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// AddJob persists payload as a new job. Re-adding a job with the same id
// updates it in place.
func (m *Manager[T]) AddJob(ctx context.Context, payload T, opts AddOptions) error {
	id := m.p.JobID(payload)
	logID := m.p.JobIDForLogging(payload)

	m.mu.Lock()
	_, isRunning := m.running[id]
	m.mu.Unlock()
	if isRunning {
		m.log.Infof("job %s: already running, not re-adding", logID)
		return nil
	}

	job := Job[T]{Payload: payload}
	if !opts.ForceStart {
		if err := m.batch.Add(ctx, job); err != nil {
			return fmt.Errorf("queue job %s: %w", logID, err)
		}
		return nil
	}

	if err := m.p.SaveJob(ctx, job); err != nil {
		return fmt.Errorf("save job %s: %w", logID, err)
	}
	m.mu.Lock()
	started := m.enabled && len(m.running) < m.p.MaxConcurrentJobs && m.startLocked(job)
	m.mu.Unlock()
	if !started {
		m.wake()
	}
	return nil
}

// Start resets orphaned active flags and begins dispatching.
func (m *Manager[T]) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.enabled {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	if err := m.p.MarkAllJobsInactive(ctx); err != nil {
		return fmt.Errorf("mark jobs inactive: %w", err)
	}
	if err := m.batch.Flush(ctx); err != nil {
		return fmt.Errorf("flush queued jobs: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.enabled = true
	m.cancel = cancel
	m.stopped = make(chan struct{})
	stopped := m.stopped
	m.mu.Unlock()

	m.log.Infof("started, max %d concurrent jobs", m.p.MaxConcurrentJobs)
	go m.loop(loopCtx, stopped)
	return nil
}

// Stop halts dispatch, flushes queued saves and waits for running jobs.
// If ctx ends first, running jobs are cancelled with ErrStopped and saved
// back to the queue without consuming an attempt.
func (m *Manager[T]) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.enabled {
		m.mu.Unlock()
		return m.batch.Flush(ctx)
	}
	m.enabled = false
	m.cancel()
	stopped := m.stopped
	m.mu.Unlock()
	<-stopped

	flushErr := m.batch.Flush(ctx)

	done := make(chan struct{})
	go func() {
		m.jobs.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		m.mu.Lock()
		for _, r := range m.running {
			r.cancel(ErrStopped)
		}
		m.mu.Unlock()
		<-done
	}
	m.log.Info("stopped")
	return flushErr
}

// CancelJobs cancels running jobs and removes queued jobs whose payload
// matches pred. reason becomes the context cause seen by RunJob.
func (m *Manager[T]) CancelJobs(ctx context.Context, reason error, pred func(T) bool) (int, error) {
	n := m.batch.Drop(pred)

	removed, err := m.p.RemoveJobs(ctx, pred)
	if err != nil {
		return n, fmt.Errorf("remove queued jobs: %w", err)
	}
	n += removed

	m.mu.Lock()
	for id, r := range m.running {
		if pred(m.payload[id]) {
			r.cancel(reason)
			n++
		}
	}
	m.mu.Unlock()

	if n > 0 {
		m.log.Infof("cancelled %d jobs: %v", n, reason)
	}
	return n, nil
}

// FlushBatched writes any jobs waiting in the save batch.
func (m *Manager[T]) FlushBatched(ctx context.Context) error {
	return m.batch.Flush(ctx)
}

// WaitForIdle blocks until no job is running and none is eligible. It
// returns at the first such instant even if more work arrives later.
func (m *Manager[T]) WaitForIdle(ctx context.Context) error {
	if err := m.batch.Flush(ctx); err != nil {
		return err
	}
	for {
		m.mu.Lock()
		busy := len(m.running) > 0
		changed := m.changed
		m.mu.Unlock()

		if !busy {
			next, err := m.p.GetNextJobs(ctx, 1, m.p.Now())
			if err != nil {
				return fmt.Errorf("check next jobs: %w", err)
			}
			if len(next) == 0 && m.ActiveCount() == 0 {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		case <-time.After(m.p.TickInterval):
		}
	}
}

// ActiveCount returns the number of running jobs.
func (m *Manager[T]) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.running)
}

// IsRunning reports whether the job with id is currently running.
func (m *Manager[T]) IsRunning(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.running[id]
	return ok
}

// Wake triggers a scheduling pass, e.g. after the priority hint changed.
func (m *Manager[T]) Wake() {
	m.wake()
}

func (m *Manager[T]) loop(ctx context.Context, stopped chan struct{}) {
	defer close(stopped)
	ticker := time.NewTicker(m.p.TickInterval)
	defer ticker.Stop()

	m.maybeStartJobs(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-m.kick:
		}
		m.maybeStartJobs(ctx)
	}
}

func (m *Manager[T]) maybeStartJobs(ctx context.Context) {
	m.mu.Lock()
	available := m.p.MaxConcurrentJobs - len(m.running)
	m.mu.Unlock()
	if available <= 0 {
		return
	}
	if m.p.ShouldHoldOffOnStartingQueuedJobs() {
		m.log.Debug("holding off on starting queued jobs")
		return
	}

	next, err := m.p.GetNextJobs(ctx, available, m.p.Now())
	if err != nil {
		if ctx.Err() == nil {
			m.log.Errorf("get next jobs: %v", err)
		}
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, job := range next {
		if !m.enabled || len(m.running) >= m.p.MaxConcurrentJobs {
			return
		}
		m.startLocked(job)
	}
}

// startLocked marks job active and runs it. m.mu must be held.
func (m *Manager[T]) startLocked(job Job[T]) bool {
	id := m.p.JobID(job.Payload)
	if _, ok := m.running[id]; ok {
		return false
	}

	job.Active = true
	job.LastAttemptAt = m.p.Now()
	if err := m.p.SaveJob(context.Background(), job); err != nil {
		m.log.Errorf("job %s: mark active: %v", m.p.JobIDForLogging(job.Payload), err)
		return false
	}

	ctx, cancel := context.WithCancelCause(context.Background())
	r := &runningJob{cancel: cancel}
	m.running[id] = r
	m.payload[id] = job.Payload
	m.jobs.Add(1)
	go m.run(ctx, id, job, r)
	return true
}

func (m *Manager[T]) run(ctx context.Context, id string, job Job[T], r *runningJob) {
	defer m.jobs.Done()
	logID := m.p.JobIDForLogging(job.Payload)
	rc := m.p.RetryConfig(job.Payload)
	opts := RunOptions{
		IsLastAttempt: rc.IsLastAttempt(job.Attempts),
		Attempt:       job.Attempts + 1,
	}

	m.p.Metrics.JobStarted(m.p.Name)
	began := time.Now()
	m.log.Debugf("job %s: starting attempt %d", logID, opts.Attempt)

	result := m.safeRun(ctx, job, opts, logID)
	cause := context.Cause(ctx)
	r.cancel(nil)

	m.p.Metrics.JobFinished(m.p.Name, result.Status.String(), time.Since(began))
	m.apply(job, result, opts, cause, logID)

	m.mu.Lock()
	delete(m.running, id)
	delete(m.payload, id)
	close(m.changed)
	m.changed = make(chan struct{})
	m.mu.Unlock()
	m.wake()
}

func (m *Manager[T]) safeRun(ctx context.Context, job Job[T], opts RunOptions, logID string) (res Result[T]) {
	defer func() {
		if rec := recover(); rec != nil {
			m.log.Errorf("job %s: panic: %v", logID, rec)
			res = Result[T]{Status: Retry}
		}
	}()
	return m.p.RunJob(ctx, job, opts)
}

func (m *Manager[T]) apply(job Job[T], result Result[T], opts RunOptions, cause error, logID string) {
	ctx := context.Background()
	job.Active = false
	if result.UpdatedJob != nil {
		job.Payload = *result.UpdatedJob
	}

	status := result.Status
	switch {
	case status == Finished || cause == nil:
	case errors.Is(cause, ErrStopped):
		status = Paused
	default:
		// Cancelled through CancelJobs; never rescheduled.
		m.log.Infof("job %s: cancelled (%v), dropping %s result", logID, cause, status)
		status = Finished
	}

	var err error
	switch status {
	case Finished:
		m.log.Debugf("job %s: finished", logID)
		err = m.p.RemoveJob(ctx, job)
	case Paused:
		m.log.Infof("job %s: paused, returning to queue", logID)
		err = m.p.SaveJob(ctx, job)
	case Retry:
		if opts.IsLastAttempt {
			m.log.Warnf("job %s: retry requested on last attempt, removing", logID)
			err = m.p.RemoveJob(ctx, job)
			break
		}
		job.Attempts++
		delay := m.p.RetryConfig(job.Payload).Backoff.Delay(job.Attempts)
		job.RetryAfter = m.p.Now().Add(delay)
		m.log.Infof("job %s: retrying in %s (attempt %d)", logID, delay, job.Attempts)
		err = m.p.SaveJob(ctx, job)
	}
	if err != nil {
		m.log.Errorf("job %s: persist %s result: %v", logID, status, err)
	}
}
