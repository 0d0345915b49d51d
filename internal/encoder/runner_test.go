// SPDX-License-Identifier: MIT

//go:build unix

package encoder

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipforge/clipforge/internal/types"
)

// fakeEncoder writes a shell script standing in for the encoder binary. The
// script ignores the ffmpeg-style arguments.
func fakeEncoder(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-encoder")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755))
	return path
}

func TestRunSuccess(t *testing.T) {
	bin := fakeEncoder(t, "exit 0\n")
	r := NewRunner(bin, time.Second)

	res := r.Run(context.Background(), Request{
		JobID:      "j1",
		Class:      types.ClassTranscode,
		InputPath:  "/dev/null",
		OutputPath: filepath.Join(t.TempDir(), "out.mp4"),
	})

	assert.Equal(t, OutcomeSuccess, res.Outcome)
	assert.NotEmpty(t, res.OutputPath)
	assert.Greater(t, res.Duration, time.Duration(0))
}

func TestRunFailureCapturesDiagnostics(t *testing.T) {
	bin := fakeEncoder(t, `echo "input corrupted" >&2
exit 3
`)
	out := filepath.Join(t.TempDir(), "out.mp4")
	require.NoError(t, os.WriteFile(out, []byte("partial"), 0o600))

	r := NewRunner(bin, time.Second)
	res := r.Run(context.Background(), Request{
		JobID:      "j1",
		Class:      types.ClassTranscode,
		InputPath:  "/dev/null",
		OutputPath: out,
	})

	assert.Equal(t, OutcomeFailure, res.Outcome)
	assert.Equal(t, 3, res.ExitCode)
	require.NotEmpty(t, res.Diagnostic)
	assert.Contains(t, res.Diagnostic[len(res.Diagnostic)-1], "input corrupted")

	// Partial output must not survive a failed run.
	_, err := os.Stat(out)
	assert.True(t, os.IsNotExist(err))
}

func TestRunTimeout(t *testing.T) {
	bin := fakeEncoder(t, "sleep 30\n")
	r := NewRunner(bin, 500*time.Millisecond)

	start := time.Now()
	res := r.Run(context.Background(), Request{
		JobID:      "j1",
		Class:      types.ClassTranscode,
		InputPath:  "/dev/null",
		OutputPath: filepath.Join(t.TempDir(), "out.mp4"),
		Timeout:    300 * time.Millisecond,
	})

	assert.Equal(t, OutcomeTimedOut, res.Outcome)
	assert.Less(t, time.Since(start), 10*time.Second, "timeout must not wait for the full sleep")
}

func TestRunCancelled(t *testing.T) {
	bin := fakeEncoder(t, "sleep 30\n")
	r := NewRunner(bin, 500*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	res := r.Run(ctx, Request{
		JobID:      "j1",
		Class:      types.ClassTranscode,
		InputPath:  "/dev/null",
		OutputPath: filepath.Join(t.TempDir(), "out.mp4"),
	})

	assert.Equal(t, OutcomeCancelled, res.Outcome)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestRunReportsProgress(t *testing.T) {
	bin := fakeEncoder(t, `echo "frame=1 time=00:00:05.00 bitrate=1k" >&2
echo "frame=2 time=00:00:15.00 bitrate=1k" >&2
exit 0
`)
	r := NewRunner(bin, time.Second)

	var mu sync.Mutex
	var seen []int
	res := r.Run(context.Background(), Request{
		JobID:      "j1",
		Class:      types.ClassTranscode,
		InputPath:  "/dev/null",
		OutputPath: filepath.Join(t.TempDir(), "out.mp4"),
		Params:     map[string]string{"duration": "20s"},
		OnProgress: func(pct int) {
			mu.Lock()
			seen = append(seen, pct)
			mu.Unlock()
		},
	})

	require.Equal(t, OutcomeSuccess, res.Outcome)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{25, 75}, seen)
}

func TestRunMissingBinary(t *testing.T) {
	r := NewRunner(filepath.Join(t.TempDir(), "does-not-exist"), time.Second)

	res := r.Run(context.Background(), Request{
		JobID:      "j1",
		Class:      types.ClassTranscode,
		InputPath:  "/dev/null",
		OutputPath: filepath.Join(t.TempDir(), "out.mp4"),
	})

	assert.Equal(t, OutcomeFailure, res.Outcome)
	assert.Equal(t, -1, res.ExitCode)
}
