// SPDX-License-Identifier: MIT

// Package config loads and validates the daemon configuration from an
// optional YAML file with environment-variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// PoolConfig sizes one task-class worker pool.
type PoolConfig struct {
	Workers       int           `yaml:"workers"`
	QueueCapacity int           `yaml:"queue_capacity"`
	Timeout       time.Duration `yaml:"timeout"`
	MaxRetries    int           `yaml:"max_retries"`
}

// Config is the full daemon configuration.
type Config struct {
	Server struct {
		ListenAddr     string        `yaml:"listen_addr"`
		RateLimitRPS   int           `yaml:"rate_limit_rps"`
		ShutdownGrace  time.Duration `yaml:"shutdown_grace"`
		RequestTimeout time.Duration `yaml:"request_timeout"`
	} `yaml:"server"`

	Storage struct {
		DataDir       string        `yaml:"data_dir"`        // root for objects and databases
		PresignSecret string        `yaml:"presign_secret"`  // HMAC key for download URLs
		PresignTTL    time.Duration `yaml:"presign_ttl"`
	} `yaml:"storage"`

	Upload struct {
		SessionMaxAge time.Duration `yaml:"session_max_age"` // expiry for incomplete sessions
		SweepInterval time.Duration `yaml:"sweep_interval"`
		MaxChunkBytes int64         `yaml:"max_chunk_bytes"`
	} `yaml:"upload"`

	Encoder struct {
		BinPath   string        `yaml:"bin_path"`
		WorkDir   string        `yaml:"work_dir"`
		KillGrace time.Duration `yaml:"kill_grace"`
	} `yaml:"encoder"`

	Scheduler struct {
		Transcode     PoolConfig    `yaml:"transcode"`
		Thumbnail     PoolConfig    `yaml:"thumbnail"`
		Metadata      PoolConfig    `yaml:"metadata"`
		Generic       PoolConfig    `yaml:"generic"`
		SweepInterval time.Duration `yaml:"sweep_interval"`
		RetryBackoff  time.Duration `yaml:"retry_backoff"`  // base delay, doubled per attempt
		MaxBackoff    time.Duration `yaml:"max_backoff"`
		Retention     time.Duration `yaml:"retention"` // terminal jobs older than this are purged
	} `yaml:"scheduler"`

	Cache struct {
		RedisAddr     string        `yaml:"redis_addr"` // empty = in-memory cache
		RedisPassword string        `yaml:"redis_password"`
		RedisDB       int           `yaml:"redis_db"`
		StatusTTL     time.Duration `yaml:"status_ttl"`
	} `yaml:"cache"`

	LogLevel string `yaml:"log_level"`
}

func defaultPool(workers, capacity int, timeout time.Duration) PoolConfig {
	return PoolConfig{
		Workers:       workers,
		QueueCapacity: capacity,
		Timeout:       timeout,
		MaxRetries:    2,
	}
}

// Default returns the built-in configuration defaults.
func Default() Config {
	var c Config
	c.Server.ListenAddr = ":8080"
	c.Server.RateLimitRPS = 100
	c.Server.ShutdownGrace = 30 * time.Second
	c.Server.RequestTimeout = 60 * time.Second

	c.Storage.DataDir = "/var/lib/clipforge"
	c.Storage.PresignTTL = 15 * time.Minute

	c.Upload.SessionMaxAge = 24 * time.Hour
	c.Upload.SweepInterval = 10 * time.Minute
	c.Upload.MaxChunkBytes = 64 << 20

	c.Encoder.BinPath = "ffmpeg"
	c.Encoder.KillGrace = 5 * time.Second

	c.Scheduler.Transcode = defaultPool(2, 64, 2*time.Hour)
	c.Scheduler.Thumbnail = defaultPool(4, 128, 5*time.Minute)
	c.Scheduler.Metadata = defaultPool(4, 128, 2*time.Minute)
	c.Scheduler.Generic = defaultPool(2, 64, 30*time.Minute)
	c.Scheduler.SweepInterval = 30 * time.Second
	c.Scheduler.RetryBackoff = 5 * time.Second
	c.Scheduler.MaxBackoff = 5 * time.Minute
	c.Scheduler.Retention = 7 * 24 * time.Hour

	c.Cache.StatusTTL = 5 * time.Second

	c.LogLevel = "info"
	return c
}

// Load builds the effective configuration: defaults, then the YAML file at
// path (if non-empty), then environment overrides. The result is validated.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied path
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Server.ListenAddr = ParseString("CLIPFORGE_LISTEN", c.Server.ListenAddr)
	c.Server.RateLimitRPS = ParseInt("CLIPFORGE_RATE_LIMIT_RPS", c.Server.RateLimitRPS)
	c.Server.ShutdownGrace = ParseDuration("CLIPFORGE_SHUTDOWN_GRACE", c.Server.ShutdownGrace)

	c.Storage.DataDir = ParseString("CLIPFORGE_DATA_DIR", c.Storage.DataDir)
	c.Storage.PresignSecret = ParseString("CLIPFORGE_PRESIGN_SECRET", c.Storage.PresignSecret)
	c.Storage.PresignTTL = ParseDuration("CLIPFORGE_PRESIGN_TTL", c.Storage.PresignTTL)

	c.Upload.SessionMaxAge = ParseDuration("CLIPFORGE_UPLOAD_MAX_AGE", c.Upload.SessionMaxAge)
	c.Upload.SweepInterval = ParseDuration("CLIPFORGE_UPLOAD_SWEEP_INTERVAL", c.Upload.SweepInterval)

	c.Encoder.BinPath = ParseString("CLIPFORGE_ENCODER_BIN", c.Encoder.BinPath)
	c.Encoder.WorkDir = ParseString("CLIPFORGE_ENCODER_WORKDIR", c.Encoder.WorkDir)
	c.Encoder.KillGrace = ParseDuration("CLIPFORGE_ENCODER_KILL_GRACE", c.Encoder.KillGrace)

	c.Scheduler.SweepInterval = ParseDuration("CLIPFORGE_SCHED_SWEEP_INTERVAL", c.Scheduler.SweepInterval)
	c.Scheduler.RetryBackoff = ParseDuration("CLIPFORGE_SCHED_RETRY_BACKOFF", c.Scheduler.RetryBackoff)
	c.Scheduler.Retention = ParseDuration("CLIPFORGE_SCHED_RETENTION", c.Scheduler.Retention)

	c.Cache.RedisAddr = ParseString("CLIPFORGE_REDIS_ADDR", c.Cache.RedisAddr)
	c.Cache.RedisPassword = ParseString("CLIPFORGE_REDIS_PASSWORD", c.Cache.RedisPassword)
	c.Cache.RedisDB = ParseInt("CLIPFORGE_REDIS_DB", c.Cache.RedisDB)

	c.LogLevel = ParseString("LOG_LEVEL", c.LogLevel)
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.Storage.DataDir == "" {
		errs = append(errs, errors.New("storage.data_dir must not be empty"))
	}
	if c.Encoder.BinPath == "" {
		errs = append(errs, errors.New("encoder.bin_path must not be empty"))
	}
	if c.Upload.SessionMaxAge <= 0 {
		errs = append(errs, errors.New("upload.session_max_age must be positive"))
	}
	if c.Upload.SweepInterval <= 0 {
		errs = append(errs, errors.New("upload.sweep_interval must be positive"))
	}
	if c.Scheduler.SweepInterval <= 0 {
		errs = append(errs, errors.New("scheduler.sweep_interval must be positive"))
	}

	for _, p := range []struct {
		name string
		cfg  PoolConfig
	}{
		{"transcode", c.Scheduler.Transcode},
		{"thumbnail", c.Scheduler.Thumbnail},
		{"metadata", c.Scheduler.Metadata},
		{"generic", c.Scheduler.Generic},
	} {
		if p.cfg.Workers <= 0 {
			errs = append(errs, fmt.Errorf("scheduler.%s.workers must be positive", p.name))
		}
		if p.cfg.QueueCapacity <= 0 {
			errs = append(errs, fmt.Errorf("scheduler.%s.queue_capacity must be positive", p.name))
		}
		if p.cfg.Timeout <= 0 {
			errs = append(errs, fmt.Errorf("scheduler.%s.timeout must be positive", p.name))
		}
		if p.cfg.MaxRetries < 0 {
			errs = append(errs, fmt.Errorf("scheduler.%s.max_retries must not be negative", p.name))
		}
	}

	return errors.Join(errs...)
}
