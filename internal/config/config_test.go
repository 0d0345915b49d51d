// SPDX-License-Identifier: MIT

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":8080", cfg.Server.ListenAddr)
	assert.Equal(t, "ffmpeg", cfg.Encoder.BinPath)
	assert.Equal(t, 2, cfg.Scheduler.Transcode.Workers)
	assert.Equal(t, 2*time.Hour, cfg.Scheduler.Transcode.Timeout)
	assert.Equal(t, int64(64<<20), cfg.Upload.MaxChunkBytes)
}

func TestLoadDefaultsOnly(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().Server.ListenAddr, cfg.Server.ListenAddr)
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  listen_addr: ":9999"
storage:
  data_dir: /data/clips
scheduler:
  transcode:
    workers: 8
    queue_capacity: 256
    timeout: 1h
    max_retries: 5
log_level: debug
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Server.ListenAddr)
	assert.Equal(t, "/data/clips", cfg.Storage.DataDir)
	assert.Equal(t, 8, cfg.Scheduler.Transcode.Workers)
	assert.Equal(t, 256, cfg.Scheduler.Transcode.QueueCapacity)
	assert.Equal(t, time.Hour, cfg.Scheduler.Transcode.Timeout)
	assert.Equal(t, 5, cfg.Scheduler.Transcode.MaxRetries)
	assert.Equal(t, "debug", cfg.LogLevel)

	// Unset fields keep their defaults.
	if diff := cmp.Diff(Default().Scheduler.Thumbnail, cfg.Scheduler.Thumbnail); diff != "" {
		t.Errorf("thumbnail pool diverged from defaults (-want +got):\n%s", diff)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  listen_addr: \":9999\"\n"), 0o600))

	t.Setenv("CLIPFORGE_LISTEN", ":7777")
	t.Setenv("CLIPFORGE_DATA_DIR", "/env/data")
	t.Setenv("CLIPFORGE_SHUTDOWN_GRACE", "45s")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7777", cfg.Server.ListenAddr)
	assert.Equal(t, "/env/data", cfg.Storage.DataDir)
	assert.Equal(t, 45*time.Second, cfg.Server.ShutdownGrace)
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestLoadRejectsInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [not a mapping"), 0o600))
	_, err := Load(path)
	require.Error(t, err)
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := Default()
	cfg.Storage.DataDir = ""
	cfg.Encoder.BinPath = ""
	cfg.Scheduler.Transcode.Workers = 0
	cfg.Scheduler.Thumbnail.Timeout = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage.data_dir")
	assert.Contains(t, err.Error(), "encoder.bin_path")
	assert.Contains(t, err.Error(), "scheduler.transcode.workers")
	assert.Contains(t, err.Error(), "scheduler.thumbnail.timeout")
}

func TestParseHelpers(t *testing.T) {
	t.Setenv("TEST_STR", "value")
	assert.Equal(t, "value", ParseString("TEST_STR", "default"))
	assert.Equal(t, "default", ParseString("TEST_STR_ABSENT", "default"))

	t.Setenv("TEST_INT", "42")
	assert.Equal(t, 42, ParseInt("TEST_INT", 1))
	t.Setenv("TEST_INT", "not a number")
	assert.Equal(t, 1, ParseInt("TEST_INT", 1))

	t.Setenv("TEST_DUR", "90s")
	assert.Equal(t, 90*time.Second, ParseDuration("TEST_DUR", time.Minute))
	t.Setenv("TEST_DUR", "bogus")
	assert.Equal(t, time.Minute, ParseDuration("TEST_DUR", time.Minute))

	t.Setenv("TEST_BOOL", "true")
	assert.True(t, ParseBool("TEST_BOOL", false))
	t.Setenv("TEST_BOOL", "maybe")
	assert.False(t, ParseBool("TEST_BOOL", false))
}
