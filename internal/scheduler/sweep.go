// SPDX-License-Identifier: MIT

package scheduler

import (
	"context"
	"time"

	"github.com/clipforge/clipforge/internal/log"
	"github.com/clipforge/clipforge/internal/metrics"
)

// sweepLoop periodically reaps timed-out jobs and purges terminal records
// past the retention window. Running on a fixed interval bounds worst-case
// timeout detection latency independently of per-job timers.
func (s *Scheduler) sweepLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.quit:
			return
		case <-ticker.C:
			s.timeoutSweep(s.runCtx)
			s.retentionSweep(s.runCtx)
		}
	}
}

// timeoutSweep finalizes Processing jobs whose attempt has outlived the
// class timeout, exactly as if the encoder had reported TimedOut. The
// conditional transition means a worker completing at the same moment wins
// or loses cleanly; the loser is a no-op.
func (s *Scheduler) timeoutSweep(ctx context.Context) {
	logger := log.WithComponent("scheduler")

	// Collect candidates older than the smallest class timeout, then apply
	// the per-class bound.
	minTimeout := time.Duration(0)
	for _, p := range s.pools {
		if minTimeout == 0 || p.cfg.Timeout < minTimeout {
			minTimeout = p.cfg.Timeout
		}
	}
	if minTimeout <= 0 {
		return
	}

	now := s.now()
	jobs, err := s.store.ListProcessingStartedBefore(ctx, now.Add(-minTimeout))
	if err != nil {
		logger.Error().Err(err).Msg("timeout sweep query failed")
		return
	}

	for _, job := range jobs {
		p, ok := s.pools[job.Class]
		if !ok || job.StartedAt == nil {
			continue
		}
		if now.Sub(*job.StartedAt) <= p.cfg.Timeout {
			continue
		}

		// Kill the local execution if this process still owns one; the
		// worker's own Cancelled transition will then lose against ours.
		s.runMu.Lock()
		exec, inFlight := s.running[job.ID]
		s.runMu.Unlock()
		if inFlight {
			exec.cancel()
		}

		won, err := s.store.MarkFailed(ctx, job.ID, "encoder timed out (reaped by sweep)")
		if err != nil {
			logger.Error().Err(err).Str(log.FieldJobID, job.ID).Msg("timeout transition failed")
			continue
		}
		if !won {
			continue
		}
		s.invalidate(job.ID)
		metrics.IncTimeoutReaped()
		metrics.IncJobFinished(job.Class.String(), "timed_out")

		logger.Warn().
			Str(log.FieldEvent, "job.timeout").
			Str(log.FieldJobID, job.ID).
			Str(log.FieldTaskClass, job.Class.String()).
			Dur("age", now.Sub(*job.StartedAt)).
			Msg("processing job reaped by timeout sweep")

		if job.RetryCount < job.MaxRetries {
			s.scheduleRetry(job.ID, job.Class, job.RetryCount+1)
		}
	}
}

// retentionSweep purges terminal jobs past the retention window.
func (s *Scheduler) retentionSweep(ctx context.Context) {
	if s.cfg.Retention <= 0 {
		return
	}
	logger := log.WithComponent("scheduler")
	n, err := s.store.DeleteTerminalBefore(ctx, s.now().Add(-s.cfg.Retention))
	if err != nil {
		logger.Error().Err(err).Msg("retention purge failed")
		return
	}
	if n > 0 {
		logger.Info().
			Int64("purged", n).
			Msg("terminal jobs purged by retention sweep")
	}
}
