// SPDX-License-Identifier: MIT

package scheduler

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/clipforge/clipforge/internal/encoder"
	"github.com/clipforge/clipforge/internal/jobstore"
	"github.com/clipforge/clipforge/internal/log"
	"github.com/clipforge/clipforge/internal/metrics"
	"github.com/clipforge/clipforge/internal/types"
)

// worker consumes one class queue until shutdown. FIFO order within the
// class is preserved because all workers of a pool share the single queue.
func (s *Scheduler) worker(p *pool) {
	defer s.wg.Done()
	for {
		select {
		case <-s.quit:
			return
		case jobID := <-p.queue:
			metrics.SetQueueDepth(p.class.String(), len(p.queue))
			s.runOne(p, jobID)
		}
	}
}

// runOne drives a single dequeued job to a terminal state. A failure of
// any stage becomes a job Failure; it never panics the worker.
func (s *Scheduler) runOne(p *pool, jobID string) {
	ctx := log.ContextWithJobID(s.runCtx, jobID)
	logger := log.WithComponentFromContext(ctx, "scheduler")

	jobCtx, cancel := context.WithCancel(ctx)
	exec := &execution{cancel: cancel, done: make(chan struct{})}

	// Register the execution before claiming. A retried job can be
	// dequeued while its reaped predecessor is still winding down its
	// encoder process; the new run must wait for that execution to
	// unregister or two encoders could run for the same job id.
	for {
		s.runMu.Lock()
		prev, exists := s.running[jobID]
		if !exists {
			s.running[jobID] = exec
			s.runMu.Unlock()
			break
		}
		s.runMu.Unlock()
		logger.Debug().Msg("waiting for previous execution to unwind")
		select {
		case <-prev.done:
		case <-s.quit:
			cancel()
			return
		}
	}
	defer func() {
		s.runMu.Lock()
		// Guard against deleting a successor's registration.
		if s.running[jobID] == exec {
			delete(s.running, jobID)
		}
		s.runMu.Unlock()
		close(exec.done)
		cancel()
	}()

	// Claim the job. Losing here means it was cancelled while queued.
	won, err := s.store.MarkProcessing(ctx, jobID)
	if err != nil {
		logger.Error().Err(err).Msg("failed to claim job, requeue skipped")
		return
	}
	if !won {
		logger.Debug().Msg("job no longer pending at dispatch, skipping")
		return
	}
	s.invalidate(jobID)

	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		logger.Error().Err(err).Msg("claimed job vanished from store")
		return
	}

	logger.Info().
		Str(log.FieldEvent, "job.start").
		Str(log.FieldTaskClass, job.Class.String()).
		Int(log.FieldAttempt, job.RetryCount+1).
		Msg("job dispatched")

	res := s.execute(jobCtx, p, job)
	s.finalize(ctx, p, job, res)
}

// execute stages the input, runs the encoder, and on success publishes the
// output artifact. Returned results carry the uploaded object key in
// OutputPath on success.
func (s *Scheduler) execute(ctx context.Context, p *pool, job *jobstore.Job) encoder.Result {
	logger := log.WithComponentFromContext(ctx, "scheduler")

	workDir, err := os.MkdirTemp(s.cfg.WorkDir, "job-"+job.ID+"-")
	if err != nil {
		return failure(fmt.Sprintf("create work dir: %v", err))
	}
	defer func() {
		_ = os.RemoveAll(workDir)
	}()

	inputPath := filepath.Join(workDir, "input"+keyExt(job.SourceKey))
	if err := s.stageInput(ctx, job.SourceKey, inputPath); err != nil {
		return failure(fmt.Sprintf("stage input: %v", err))
	}

	outputPath := filepath.Join(workDir, "output"+outputExt(job.Class, job.Params))

	res := s.enc.Run(ctx, encoder.Request{
		JobID:      job.ID,
		Class:      job.Class,
		InputPath:  inputPath,
		OutputPath: outputPath,
		Params:     job.Params,
		Timeout:    p.cfg.Timeout,
		OnProgress: func(pct int) {
			if err := s.store.SetProgress(context.Background(), job.ID, pct); err != nil {
				logger.Debug().Err(err).Msg("progress update failed")
			}
			s.invalidate(job.ID)
		},
	})
	if res.Outcome != encoder.OutcomeSuccess {
		return res
	}

	outputKey := fmt.Sprintf("derived/%s/%s%s", job.Class, job.ID, outputExt(job.Class, job.Params))
	f, err := os.Open(res.OutputPath) // #nosec G304 -- path built above
	if err != nil {
		return failure(fmt.Sprintf("open output artifact: %v", err))
	}
	defer func() {
		_ = f.Close()
	}()
	ref, err := s.objects.Put(ctx, outputKey, f)
	if err != nil {
		return failure(fmt.Sprintf("publish output artifact: %v", err))
	}

	res.OutputPath = ref.Key
	return res
}

// finalize lands the terminal transition and arms automatic retries. The
// conditional store update makes this a no-op when the timeout sweep (or a
// cancellation) finalized the job first.
func (s *Scheduler) finalize(ctx context.Context, p *pool, job *jobstore.Job, res encoder.Result) {
	logger := log.WithComponentFromContext(ctx, "scheduler")
	class := job.Class.String()

	switch res.Outcome {
	case encoder.OutcomeSuccess:
		won, err := s.store.MarkCompleted(ctx, job.ID, res.OutputPath)
		if err != nil {
			logger.Error().Err(err).Msg("completion transition failed")
			return
		}
		if !won {
			// The sweep reaped this job first; remove the orphaned
			// artifact so the loser really is a no-op.
			logger.Warn().Msg("completion lost the transition race, dropping artifact")
			_ = s.objects.Delete(ctx, res.OutputPath)
			return
		}
		s.invalidate(job.ID)
		metrics.IncJobFinished(class, "completed")
		metrics.ObserveJobDuration(class, res.Duration)
		logger.Info().
			Str(log.FieldEvent, "job.complete").
			Str(log.FieldObjectKey, res.OutputPath).
			Dur("duration", res.Duration).
			Msg("job completed")

	case encoder.OutcomeCancelled:
		won, err := s.store.MarkCancelled(ctx, job.ID, types.JobProcessing)
		if err != nil {
			logger.Error().Err(err).Msg("cancellation transition failed")
			return
		}
		if won {
			s.invalidate(job.ID)
			metrics.IncJobFinished(class, "cancelled")
			logger.Info().
				Str(log.FieldEvent, "job.cancelled").
				Msg("job cancelled")
		}

	default: // OutcomeFailure, OutcomeTimedOut
		reason := failureReason(res)
		won, err := s.store.MarkFailed(ctx, job.ID, reason)
		if err != nil {
			logger.Error().Err(err).Msg("failure transition failed")
			return
		}
		if !won {
			return
		}
		s.invalidate(job.ID)

		result := "failed"
		if res.Outcome == encoder.OutcomeTimedOut {
			result = "timed_out"
		}
		metrics.IncJobFinished(class, result)
		logger.Warn().
			Str(log.FieldEvent, "job.failed").
			Str("reason", reason).
			Msg("job failed")

		// The retry itself is what consumes budget, in MarkPendingRetry.
		if job.RetryCount < job.MaxRetries {
			s.scheduleRetry(job.ID, job.Class, job.RetryCount+1)
		} else {
			logger.Warn().
				Str(log.FieldEvent, "job.exhausted").
				Int("retry_count", job.RetryCount).
				Msg("retry budget exhausted, job is terminally failed")
		}
	}
}

// stageInput copies the source object into the job work dir.
func (s *Scheduler) stageInput(ctx context.Context, sourceKey, dst string) error {
	r, err := s.objects.Get(ctx, sourceKey)
	if err != nil {
		return err
	}
	defer func() {
		_ = r.Close()
	}()

	f, err := os.Create(dst) // #nosec G304 -- path inside the job work dir
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func failure(reason string) encoder.Result {
	return encoder.Result{Outcome: encoder.OutcomeFailure, Diagnostic: []string{reason}}
}

func failureReason(res encoder.Result) string {
	if res.Outcome == encoder.OutcomeTimedOut {
		return "encoder timed out"
	}
	reason := fmt.Sprintf("encoder failed with exit code %d", res.ExitCode)
	if len(res.Diagnostic) > 0 {
		reason += ": " + strings.Join(res.Diagnostic, " | ")
	}
	if len(reason) > 1024 {
		reason = reason[:1024]
	}
	return reason
}

// keyExt preserves the source extension for tools that sniff by suffix.
func keyExt(key string) string {
	if ext := filepath.Ext(key); len(ext) <= 8 {
		return ext
	}
	return ""
}

// outputExt picks the artifact extension: explicit param, then format, then
// a class default.
func outputExt(class types.TaskClass, params map[string]string) string {
	if ext := params["output_ext"]; ext != "" {
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		return ext
	}
	if format := params["format"]; format != "" {
		return "." + format
	}
	switch class {
	case types.ClassThumbnail:
		return ".jpg"
	case types.ClassMetadata:
		return ".txt"
	default:
		return ".mp4"
	}
}
