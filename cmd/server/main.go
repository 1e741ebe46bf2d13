// Copyright (c) 2026 Kevin Zang (kevinzang). All rights reserved.
// Use of this source code is governed by the MIT License.
//
// LiveStreamer - FFmpeg 直播推流调度工具

package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ZSC714725/livestreamer/internal/api"
	"github.com/ZSC714725/livestreamer/internal/clock"
	"github.com/ZSC714725/livestreamer/internal/config"
	"github.com/ZSC714725/livestreamer/internal/ffmpeg"
	"github.com/ZSC714725/livestreamer/internal/logger"
	"github.com/ZSC714725/livestreamer/internal/media"
	"github.com/ZSC714725/livestreamer/internal/metrics"
	"github.com/ZSC714725/livestreamer/internal/scheduler"
	"github.com/ZSC714725/livestreamer/internal/store"
	"github.com/ZSC714725/livestreamer/internal/supervisor"
	"github.com/ZSC714725/livestreamer/internal/tracker"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file")
	envFile := flag.String("env", ".env", "Path to .env file")
	bind := flag.String("bind", "", "Bind address (overrides config)")
	ffmpegBin := flag.String("ffmpeg", "", "FFmpeg binary path (overrides config)")
	dbPath := flag.String("db", "", "sqlite database path (overrides config)")
	flag.Parse()

	boot := logger.Base()
	cfg, err := config.Load(*configPath)
	if err != nil {
		boot.Fatal().Err(err).Msg("load config")
	}
	if err := cfg.LoadEnv(*envFile); err != nil {
		boot.Fatal().Err(err).Msg("load env")
	}
	if *bind != "" {
		cfg.Server.Bind = *bind
	}
	if *ffmpegBin != "" {
		cfg.FFmpeg.Path = *ffmpegBin
	}
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}

	logger.Configure(cfg.Log.Level, os.Stdout)
	log := logger.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("livestreamer exited")
	}
	log.Info().Msg("livestreamer stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	log := logger.WithComponent("main")

	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	db, err := store.Open(ctx, cfg.Database.Path, store.Options{
		BusyTimeout:  cfg.Database.BusyTimeout,
		MaxOpenConns: store.DefaultOptions().MaxOpenConns,
	})
	if err != nil {
		return err
	}
	defer db.Close()

	destinations, err := ffmpeg.NewValidator(cfg.FFmpeg.AllowDestinations, cfg.FFmpeg.BlockDestinations)
	if err != nil {
		return err
	}
	ff, err := ffmpeg.New(ctx, ffmpeg.Config{
		Binary:          cfg.FFmpeg.Path,
		MaxLogLines:     cfg.FFmpeg.MaxLogLines,
		ValidatorOutput: destinations,
	})
	if err != nil {
		return err
	}
	caps := ff.Capabilities()
	if err := caps.CanStream(); err != nil {
		log.Warn().Err(err).Msg("ffmpeg may not be able to stream")
	}
	log.Info().Str("ffmpeg", caps.Version).Msg("ffmpeg ready")

	clk := clock.Real{}
	m := metrics.New()
	sup := supervisor.New(supervisor.Config{
		Repository: db,
		Media:      media.NewDirStore(cfg.Media.Root),
		FFmpeg:     ff,
		Tracker:    tracker.New(clk, logger.WithComponent("tracker")),
		Clock:      clk,
		Metrics:    m,
		Logger:     logger.WithComponent("supervisor"),
		Options: supervisor.Options{
			MaxRetries:   cfg.Supervisor.MaxRetries,
			RetryBackoff: cfg.Supervisor.RetryBackoff,
			StopTimeout:  cfg.Supervisor.StopTimeout,
			EndTolerance: cfg.Supervisor.EndTolerance,
			StaleTimeout: cfg.Supervisor.StaleTimeout,
			StableAfter:  cfg.Supervisor.StableAfter,
		},
	})

	sched := scheduler.New(scheduler.Config{
		Repository: db,
		Controller: sup,
		Clock:      clk,
		Metrics:    m,
		Logger:     logger.WithComponent("scheduler"),
		Options: scheduler.Options{
			Tick:           cfg.Scheduler.Tick,
			TriggerWindow:  cfg.Scheduler.TriggerWindow,
			ForceStopGrace: cfg.Scheduler.ForceStopGrace,
			RecoveryWindow: cfg.Scheduler.RecoveryWindow,
			SyncInterval:   cfg.Scheduler.SyncInterval,
			Location:       loc,
		},
	})
	syncer := scheduler.NewSynchronizer(db, sup, clk, cfg.Scheduler.SyncInterval, logger.WithComponent("statussync"))

	handler := api.NewHandler(db, sup)
	srv := &http.Server{
		Addr:              cfg.Server.Bind,
		Handler:           api.NewRouter(handler, m.Handler(), logger.WithComponent("http")),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// 上次进程退出时残留的 live 状态先纠正, 再开始调度
	if _, err := syncer.Sync(ctx); err != nil {
		log.Warn().Err(err).Msg("initial status sync failed")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error { return syncer.Run(gctx) })
	g.Go(func() error {
		log.Info().Str("bind", cfg.Server.Bind).Msg("LiveStreamer listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("http shutdown")
		}
		return sup.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
