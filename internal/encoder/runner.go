// SPDX-License-Identifier: MIT

// Package encoder supervises one external media-encoding invocation per run:
// spawn, drain the diagnostic stream, estimate progress, enforce a wall-clock
// timeout, and report a structured terminal result.
package encoder

import (
	"bufio"
	"context"
	"errors"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/clipforge/clipforge/internal/log"
	"github.com/clipforge/clipforge/internal/metrics"
	"github.com/clipforge/clipforge/internal/procgroup"
	"github.com/clipforge/clipforge/internal/types"
)

// Outcome classifies how a run ended.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeFailure   Outcome = "failure"
	OutcomeTimedOut  Outcome = "timed_out"
	OutcomeCancelled Outcome = "cancelled"
)

// Request describes one encoding invocation.
type Request struct {
	JobID      string
	Class      types.TaskClass
	InputPath  string
	OutputPath string

	// Params is the caller's opaque parameter payload (preset, format,
	// resolution, offsets, duration hint).
	Params map[string]string

	// Timeout bounds the wall-clock run time. Zero means no limit.
	Timeout time.Duration

	// OnProgress, if set, receives monotonically increasing progress
	// estimates in [0,99] while the process runs.
	OnProgress func(pct int)
}

// Result is the terminal outcome of a run.
type Result struct {
	Outcome    Outcome
	OutputPath string
	Duration   time.Duration
	ExitCode   int
	Diagnostic []string // tail of the process diagnostic stream
}

// Runner spawns and supervises encoder processes. It is stateless across
// runs and safe for concurrent use.
type Runner struct {
	BinPath   string
	KillGrace time.Duration
}

// NewRunner creates a Runner for the encoder binary at binPath.
func NewRunner(binPath string, killGrace time.Duration) *Runner {
	if binPath == "" {
		binPath = "ffmpeg"
	}
	if killGrace <= 0 {
		killGrace = 5 * time.Second
	}
	return &Runner{BinPath: binPath, KillGrace: killGrace}
}

// Run executes one encoding invocation and blocks until it reaches a
// terminal outcome. Cancellation of ctx terminates the process group and
// yields OutcomeCancelled; exceeding req.Timeout yields OutcomeTimedOut. On
// any non-success the partial output file, if present, is removed.
func (r *Runner) Run(ctx context.Context, req Request) Result {
	logger := log.WithComponentFromContext(ctx, "encoder")
	start := time.Now()

	ring := NewLineRing(256)
	parser := newProgressParser(req.Params["duration"])

	// #nosec G204 -- binary path is operator configuration, args are built here
	cmd := exec.Command(r.BinPath, BuildArgs(req)...)
	procgroup.Set(cmd)

	stderr, err := cmd.StderrPipe()
	if err != nil {
		metrics.IncEncoderStart("error")
		return r.failed(req, start, -1, []string{"stderr pipe: " + err.Error()})
	}

	var ioWg sync.WaitGroup
	ioWg.Add(1)
	go func() {
		defer ioWg.Done()
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			_, _ = ring.Write([]byte(line + "\n"))
			if req.OnProgress != nil {
				if pct, advanced := parser.observe(line); advanced {
					req.OnProgress(pct)
				}
			}
		}
	}()

	if err := cmd.Start(); err != nil {
		metrics.IncEncoderStart("error")
		return r.failed(req, start, -1, []string{"start: " + err.Error()})
	}
	metrics.IncEncoderStart("ok")

	logger.Debug().
		Str(log.FieldJobID, req.JobID).
		Str(log.FieldTaskClass, req.Class.String()).
		Str("command", cmd.String()).
		Msg("encoder process started")

	waitCh := make(chan error, 1)
	go func() {
		ioWg.Wait() // drain stderr before Wait closes the pipe
		waitCh <- cmd.Wait()
	}()

	var timeout <-chan time.Time
	if req.Timeout > 0 {
		t := time.NewTimer(req.Timeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case waitErr := <-waitCh:
		if waitErr == nil {
			metrics.IncEncoderExit("clean")
			logger.Info().
				Str(log.FieldJobID, req.JobID).
				Dur("duration", time.Since(start)).
				Msg("encoder run succeeded")
			return Result{
				Outcome:    OutcomeSuccess,
				OutputPath: req.OutputPath,
				Duration:   time.Since(start),
			}
		}
		code := -1
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			code = exitErr.ExitCode()
		}
		metrics.IncEncoderExit("error")
		tail := ring.LastN(20)
		logger.Warn().
			Str(log.FieldJobID, req.JobID).
			Int(log.FieldExitCode, code).
			Strs("stderr", tail).
			Msg("encoder run failed")
		return r.failed(req, start, code, tail)

	case <-timeout:
		_ = procgroup.Terminate(cmd, waitCh, r.KillGrace)
		metrics.IncEncoderExit("timeout")
		tail := ring.LastN(20)
		logger.Warn().
			Str(log.FieldJobID, req.JobID).
			Dur("timeout", req.Timeout).
			Msg("encoder run exceeded timeout, process group terminated")
		res := r.failed(req, start, -1, tail)
		res.Outcome = OutcomeTimedOut
		return res

	case <-ctx.Done():
		_ = procgroup.Terminate(cmd, waitCh, r.KillGrace)
		metrics.IncEncoderExit("cancelled")
		logger.Info().
			Str(log.FieldJobID, req.JobID).
			Msg("encoder run cancelled, process group terminated")
		res := r.failed(req, start, -1, ring.LastN(20))
		res.Outcome = OutcomeCancelled
		return res
	}
}

// failed removes any partial output and builds a failure result.
func (r *Runner) failed(req Request, start time.Time, code int, tail []string) Result {
	if req.OutputPath != "" {
		_ = os.Remove(req.OutputPath)
	}
	return Result{
		Outcome:    OutcomeFailure,
		Duration:   time.Since(start),
		ExitCode:   code,
		Diagnostic: tail,
	}
}
