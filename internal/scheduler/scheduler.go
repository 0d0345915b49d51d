// SPDX-License-Identifier: MIT

// Package scheduler turns completed uploads into asynchronous processing
// jobs. Each task class owns a bounded FIFO queue and a fixed worker pool;
// jobs move through a persisted state machine with bounded retries, a
// periodic timeout sweep, and cooperative cancellation that reaches the
// encoder subprocess.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clipforge/clipforge/internal/cache"
	"github.com/clipforge/clipforge/internal/config"
	"github.com/clipforge/clipforge/internal/encoder"
	"github.com/clipforge/clipforge/internal/jobstore"
	"github.com/clipforge/clipforge/internal/log"
	"github.com/clipforge/clipforge/internal/metrics"
	"github.com/clipforge/clipforge/internal/storage"
	"github.com/clipforge/clipforge/internal/types"
)

var (
	// ErrQueueFull is the backpressure signal: the class queue is at
	// capacity and the caller should retry later.
	ErrQueueFull = errors.New("job queue full")

	// ErrUnknownClass rejects submissions for a task class without a pool.
	ErrUnknownClass = errors.New("unknown task class")

	// ErrInvalidTransition rejects operations the state machine forbids,
	// e.g. retrying a job that is not Failed.
	ErrInvalidTransition = errors.New("invalid job state transition")

	// ErrRetryExhausted rejects retries of a job with no remaining budget.
	ErrRetryExhausted = errors.New("retry budget exhausted")

	// ErrClosed rejects submissions after shutdown began.
	ErrClosed = errors.New("scheduler is shut down")
)

// JobStore is the persistence capability the scheduler needs. Implemented by
// *jobstore.Store.
type JobStore interface {
	Create(ctx context.Context, j *jobstore.Job) error
	Get(ctx context.Context, id string) (*jobstore.Job, error)
	Delete(ctx context.Context, id string) error
	MarkProcessing(ctx context.Context, id string) (bool, error)
	MarkCompleted(ctx context.Context, id, outputKey string) (bool, error)
	MarkFailed(ctx context.Context, id, reason string) (bool, error)
	MarkCancelled(ctx context.Context, id string, from types.JobState) (bool, error)
	MarkPendingRetry(ctx context.Context, id string) (bool, error)
	MarkRequeueFailed(ctx context.Context, id, reason string) (bool, error)
	SetProgress(ctx context.Context, id string, pct int) error
	ListProcessingStartedBefore(ctx context.Context, cutoff time.Time) ([]*jobstore.Job, error)
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Encoder runs one external encoding invocation to a terminal result.
// Implemented by *encoder.Runner.
type Encoder interface {
	Run(ctx context.Context, req encoder.Request) encoder.Result
}

// Submission is a caller's request for a new job.
type Submission struct {
	SourceKey  string            `json:"source_key"`
	Class      types.TaskClass   `json:"class"`
	Params     map[string]string `json:"params,omitempty"`
	MaxRetries *int              `json:"max_retries,omitempty"` // nil = class default
}

// Status is the caller-visible view of one job.
type Status struct {
	JobID         string          `json:"job_id"`
	Class         types.TaskClass `json:"class"`
	State         types.JobState  `json:"state"`
	Progress      int             `json:"progress"`
	RetryCount    int             `json:"retry_count"`
	MaxRetries    int             `json:"max_retries"`
	OutputKey     string          `json:"output_key,omitempty"`
	FailureReason string          `json:"failure_reason,omitempty"`
}

// Config tunes the scheduler.
type Config struct {
	Pools         map[types.TaskClass]config.PoolConfig
	SweepInterval time.Duration
	RetryBackoff  time.Duration // base delay, doubled per consumed retry
	MaxBackoff    time.Duration
	Retention     time.Duration
	WorkDir       string // staging dir for encoder inputs/outputs
	StatusTTL     time.Duration
}

// pool is one task class's queue. A single ordered channel per class keeps
// dispatch in submission order under concurrent submitters.
type pool struct {
	class types.TaskClass
	cfg   config.PoolConfig
	queue chan string // job ids
}

// execution is one in-flight run of a job in this process. done is closed
// only after the run has fully unwound, including its terminal transition.
type execution struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Scheduler owns all job state transitions. Callers only submit, cancel,
// retry and observe.
type Scheduler struct {
	store   JobStore
	objects storage.ObjectStore
	enc     Encoder
	cache   cache.Cache
	cfg     Config
	logger  zerolog.Logger
	now     func() time.Time

	pools map[types.TaskClass]*pool

	runCtx    context.Context
	runCancel context.CancelFunc
	quit      chan struct{}
	wg        sync.WaitGroup
	started   atomic.Bool
	closed    atomic.Bool

	// running maps job id to its in-flight execution. At most one entry
	// per job id exists at any time; a retried job waits for its
	// predecessor to unregister before it can run.
	runMu   sync.Mutex
	running map[string]*execution

	// timers tracks pending retry resubmissions so Close can stop them.
	timerMu sync.Mutex
	timers  map[string]*time.Timer
}

// New creates a Scheduler. Call Start before submitting.
func New(store JobStore, objects storage.ObjectStore, enc Encoder, statusCache cache.Cache, cfg Config) *Scheduler {
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Minute
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 5 * time.Second
	}
	if cfg.StatusTTL <= 0 {
		cfg.StatusTTL = 5 * time.Second
	}

	pools := make(map[types.TaskClass]*pool, len(cfg.Pools))
	for class, pc := range cfg.Pools {
		pools[class] = &pool{
			class: class,
			cfg:   pc,
			queue: make(chan string, pc.QueueCapacity),
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		store:     store,
		objects:   objects,
		enc:       enc,
		cache:     statusCache,
		cfg:       cfg,
		logger:    log.WithComponent("scheduler"),
		now:       time.Now,
		pools:     pools,
		runCtx:    ctx,
		runCancel: cancel,
		quit:      make(chan struct{}),
		running:   make(map[string]*execution),
		timers:    make(map[string]*time.Timer),
	}
}

// Start launches the worker pools and the sweep loops.
func (s *Scheduler) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	for _, p := range s.pools {
		for i := 0; i < p.cfg.Workers; i++ {
			s.wg.Add(1)
			go s.worker(p)
		}
	}
	if s.cfg.SweepInterval > 0 {
		s.wg.Add(1)
		go s.sweepLoop()
	}
	s.logger.Info().
		Int("pools", len(s.pools)).
		Msg("scheduler started")
}

// Submit validates and enqueues a new job, persisting it in Pending. When
// the class queue is at capacity the submission is rejected with
// ErrQueueFull and nothing is persisted.
func (s *Scheduler) Submit(ctx context.Context, sub Submission) (string, error) {
	if s.closed.Load() {
		return "", ErrClosed
	}
	p, ok := s.pools[sub.Class]
	if !ok {
		metrics.IncJobSubmitted(sub.Class.String(), "invalid")
		return "", fmt.Errorf("%w: %q", ErrUnknownClass, sub.Class)
	}
	if sub.SourceKey == "" {
		metrics.IncJobSubmitted(sub.Class.String(), "invalid")
		return "", errors.New("source key must not be empty")
	}

	maxRetries := p.cfg.MaxRetries
	if sub.MaxRetries != nil && *sub.MaxRetries >= 0 {
		maxRetries = *sub.MaxRetries
	}

	job := &jobstore.Job{
		ID:         uuid.NewString(),
		SourceKey:  sub.SourceKey,
		Class:      sub.Class,
		Params:     sub.Params,
		State:      types.JobPending,
		MaxRetries: maxRetries,
		CreatedAt:  s.now(),
	}
	if err := s.store.Create(ctx, job); err != nil {
		return "", err
	}

	select {
	case p.queue <- job.ID:
		metrics.IncJobSubmitted(sub.Class.String(), "accepted")
		metrics.SetQueueDepth(p.class.String(), len(p.queue))
	default:
		// Backpressure: undo the record so a rejected submission leaves
		// no trace.
		if err := s.store.Delete(ctx, job.ID); err != nil {
			s.logger.Warn().Err(err).Str(log.FieldJobID, job.ID).Msg("failed to void rejected submission")
		}
		metrics.IncJobSubmitted(sub.Class.String(), "queue_full")
		return "", fmt.Errorf("%w: class %s at capacity %d", ErrQueueFull, sub.Class, p.cfg.QueueCapacity)
	}

	s.logger.Info().
		Str(log.FieldEvent, "job.submit").
		Str(log.FieldJobID, job.ID).
		Str(log.FieldTaskClass, sub.Class.String()).
		Str(log.FieldObjectKey, sub.SourceKey).
		Msg("job submitted")
	return job.ID, nil
}

// Status returns the current state and progress of a job. Reads are served
// from the status cache when fresh.
func (s *Scheduler) Status(ctx context.Context, jobID string) (Status, error) {
	if cached, ok := s.cache.Get(statusKey(jobID)); ok {
		var st Status
		// The cache may hand back either the struct (memory) or a decoded
		// JSON map (redis); re-encoding normalizes both.
		if data, err := json.Marshal(cached); err == nil {
			if err := json.Unmarshal(data, &st); err == nil && st.JobID == jobID {
				return st, nil
			}
		}
	}

	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		return Status{}, err
	}
	st := statusOf(job)
	s.cache.Set(statusKey(jobID), st, s.cfg.StatusTTL)
	return st, nil
}

// Cancel requests cancellation of a job. Pending jobs transition directly to
// Cancelled and are skipped at dispatch. Processing jobs are signalled; the
// transition lands when the encoder acknowledges. Terminal jobs are left
// untouched.
func (s *Scheduler) Cancel(ctx context.Context, jobID string) error {
	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		return err
	}

	switch job.State {
	case types.JobPending:
		won, err := s.store.MarkCancelled(ctx, jobID, types.JobPending)
		if err != nil {
			return err
		}
		if won {
			s.stopRetryTimer(jobID)
			s.invalidate(jobID)
			metrics.IncJobFinished(job.Class.String(), "cancelled")
			s.logger.Info().
				Str(log.FieldEvent, "job.cancel").
				Str(log.FieldJobID, jobID).
				Str(log.FieldOldState, types.JobPending.String()).
				Msg("pending job cancelled")
			return nil
		}
		// Lost the race against a dispatching worker; fall through to the
		// running path.
		fallthrough

	case types.JobProcessing:
		s.runMu.Lock()
		exec, inFlight := s.running[jobID]
		s.runMu.Unlock()
		if inFlight {
			exec.cancel()
			return nil
		}
		// Not running in this process (e.g. reaped worker); finalize
		// directly.
		if _, err := s.store.MarkCancelled(ctx, jobID, types.JobProcessing); err != nil {
			return err
		}
		s.invalidate(jobID)
		return nil

	default:
		// Terminal states: cancellation has no effect.
		return nil
	}
}

// Retry resubmits a Failed job with remaining retry budget.
func (s *Scheduler) Retry(ctx context.Context, jobID string) error {
	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.State != types.JobFailed {
		return fmt.Errorf("%w: cannot retry job in state %s", ErrInvalidTransition, job.State)
	}
	if job.RetryCount >= job.MaxRetries {
		return fmt.Errorf("%w: %d of %d retries consumed", ErrRetryExhausted, job.RetryCount, job.MaxRetries)
	}
	return s.resubmit(ctx, jobID, job.Class)
}

// resubmit moves a Failed job back to Pending and enqueues it.
func (s *Scheduler) resubmit(ctx context.Context, jobID string, class types.TaskClass) error {
	p, ok := s.pools[class]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownClass, class)
	}

	won, err := s.store.MarkPendingRetry(ctx, jobID)
	if err != nil {
		return err
	}
	if !won {
		return fmt.Errorf("%w: job %s is no longer retryable", ErrInvalidTransition, jobID)
	}
	s.invalidate(jobID)

	select {
	case p.queue <- jobID:
		metrics.IncJobRetry(class.String())
		metrics.SetQueueDepth(class.String(), len(p.queue))
	default:
		if _, err := s.store.MarkRequeueFailed(ctx, jobID, "retry rejected: queue full"); err != nil {
			return err
		}
		return fmt.Errorf("%w: class %s at capacity", ErrQueueFull, class)
	}

	s.logger.Info().
		Str(log.FieldEvent, "job.retry").
		Str(log.FieldJobID, jobID).
		Str(log.FieldTaskClass, class.String()).
		Msg("job resubmitted")
	return nil
}

// scheduleRetry arms a backoff timer for an automatic resubmission.
func (s *Scheduler) scheduleRetry(jobID string, class types.TaskClass, consumedRetries int) {
	delay := s.cfg.RetryBackoff << uint(consumedRetries-1)
	if delay > s.cfg.MaxBackoff || delay <= 0 {
		delay = s.cfg.MaxBackoff
	}

	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	if s.closed.Load() {
		return
	}
	s.timers[jobID] = time.AfterFunc(delay, func() {
		s.timerMu.Lock()
		delete(s.timers, jobID)
		s.timerMu.Unlock()

		if err := s.resubmit(context.Background(), jobID, class); err != nil {
			s.logger.Warn().Err(err).
				Str(log.FieldJobID, jobID).
				Msg("automatic retry resubmission failed")
		}
	})

	s.logger.Info().
		Str(log.FieldEvent, "job.backoff").
		Str(log.FieldJobID, jobID).
		Dur("delay", delay).
		Int("consumed_retries", consumedRetries).
		Msg("automatic retry scheduled")
}

func (s *Scheduler) stopRetryTimer(jobID string) {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	if t, ok := s.timers[jobID]; ok {
		t.Stop()
		delete(s.timers, jobID)
	}
}

// Close shuts the scheduler down: intake stops immediately, in-flight jobs
// are drained until ctx expires, then their encoder processes are killed.
func (s *Scheduler) Close(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(s.quit)

	s.timerMu.Lock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.timerMu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn().Msg("shutdown grace exceeded, cancelling in-flight jobs")
		s.runCancel()
		<-done
	}
	s.runCancel()
	s.logger.Info().Msg("scheduler stopped")
	return nil
}

func statusKey(jobID string) string { return "job:" + jobID }

func statusOf(j *jobstore.Job) Status {
	return Status{
		JobID:         j.ID,
		Class:         j.Class,
		State:         j.State,
		Progress:      j.Progress,
		RetryCount:    j.RetryCount,
		MaxRetries:    j.MaxRetries,
		OutputKey:     j.OutputKey,
		FailureReason: j.FailureReason,
	}
}

// invalidate drops the cached status after a state change.
func (s *Scheduler) invalidate(jobID string) {
	s.cache.Delete(statusKey(jobID))
}
