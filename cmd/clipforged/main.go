// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/clipforge/clipforge/internal/api"
	"github.com/clipforge/clipforge/internal/cache"
	"github.com/clipforge/clipforge/internal/config"
	"github.com/clipforge/clipforge/internal/encoder"
	"github.com/clipforge/clipforge/internal/jobstore"
	cflog "github.com/clipforge/clipforge/internal/log"
	"github.com/clipforge/clipforge/internal/scheduler"
	"github.com/clipforge/clipforge/internal/storage"
	"github.com/clipforge/clipforge/internal/types"
	"github.com/clipforge/clipforge/internal/upload"
	"github.com/clipforge/clipforge/internal/version"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		os.Exit(0)
	}

	// Configure logger with safe defaults until config is loaded.
	cflog.Configure(cflog.Config{
		Level:   "info",
		Service: "clipforge",
	})
	logger := cflog.WithComponent("daemon")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "config.load_failed").
			Str("config_path", *configPath).
			Msg("failed to load configuration")
	}

	cflog.SetLevel(cfg.LogLevel)

	logger.Info().
		Str("event", "startup").
		Str("version", version.Version).
		Str("commit", version.Commit).
		Str("build_date", version.Date).
		Str("addr", cfg.Server.ListenAddr).
		Str("data_dir", cfg.Storage.DataDir).
		Msg("starting clipforged")

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "daemon.failed").
			Msg("daemon exited with error")
	}
	logger.Info().Msg("server exiting")
}

func run(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	for _, dir := range []string{cfg.Storage.DataDir, cfg.Encoder.WorkDir} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	objects, err := storage.NewFSStore(
		filepath.Join(cfg.Storage.DataDir, "objects"),
		[]byte(cfg.Storage.PresignSecret),
	)
	if err != nil {
		return fmt.Errorf("open object store: %w", err)
	}

	chunks, err := storage.OpenBadgerChunkStore(filepath.Join(cfg.Storage.DataDir, "chunks"))
	if err != nil {
		return fmt.Errorf("open chunk store: %w", err)
	}
	defer func() {
		if err := chunks.Close(); err != nil {
			logger.Warn().Err(err).Msg("chunk store close failed")
		}
	}()

	jobs, err := jobstore.Open(filepath.Join(cfg.Storage.DataDir, "jobs.db"))
	if err != nil {
		return fmt.Errorf("open job store: %w", err)
	}
	defer func() {
		if err := jobs.Close(); err != nil {
			logger.Warn().Err(err).Msg("job store close failed")
		}
	}()

	var statusCache cache.Cache
	if cfg.Cache.RedisAddr != "" {
		redisCache, err := cache.NewRedis(cache.RedisConfig{
			Addr:     cfg.Cache.RedisAddr,
			Password: cfg.Cache.RedisPassword,
			DB:       cfg.Cache.RedisDB,
		}, cflog.WithComponent("cache"))
		if err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		defer func() {
			if err := redisCache.Close(); err != nil {
				logger.Warn().Err(err).Msg("redis close failed")
			}
		}()
		statusCache = redisCache
	} else {
		statusCache = cache.NewMemory(ctx, time.Minute)
	}

	assembler := upload.New(chunks, objects, upload.Config{
		MaxChunkBytes: cfg.Upload.MaxChunkBytes,
	})

	runner := encoder.NewRunner(cfg.Encoder.BinPath, cfg.Encoder.KillGrace)

	sched := scheduler.New(jobs, objects, runner, statusCache, scheduler.Config{
		Pools: map[types.TaskClass]config.PoolConfig{
			types.ClassTranscode: cfg.Scheduler.Transcode,
			types.ClassThumbnail: cfg.Scheduler.Thumbnail,
			types.ClassMetadata:  cfg.Scheduler.Metadata,
			types.ClassGeneric:   cfg.Scheduler.Generic,
		},
		SweepInterval: cfg.Scheduler.SweepInterval,
		RetryBackoff:  cfg.Scheduler.RetryBackoff,
		MaxBackoff:    cfg.Scheduler.MaxBackoff,
		Retention:     cfg.Scheduler.Retention,
		WorkDir:       cfg.Encoder.WorkDir,
		StatusTTL:     cfg.Cache.StatusTTL,
	})
	sched.Start()

	go assembler.RunSweeper(ctx, cfg.Upload.SweepInterval, cfg.Upload.SessionMaxAge)

	srv := api.New(assembler, sched, objects, api.Config{
		PresignTTL:    cfg.Storage.PresignTTL,
		MaxChunkBytes: cfg.Upload.MaxChunkBytes,
		RateLimitRPS:  cfg.Server.RateLimitRPS,
	})

	httpSrv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           http.TimeoutHandler(srv.Router(), cfg.Server.RequestTimeout, "request timed out"),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Server.ListenAddr).Msg("http server listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case serveErr = <-errCh:
		if serveErr != nil {
			logger.Error().Err(serveErr).Msg("http server failed")
		}
	}

	// Ordered shutdown: stop intake first, then drain the scheduler.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown incomplete")
	}
	if err := sched.Close(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("scheduler shutdown incomplete")
	}

	return serveErr
}
