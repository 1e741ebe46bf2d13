// Copyright (c) 2026 Kevin Zang (kevinzang). All rights reserved.
// Use of this source code is governed by the MIT License.
//
// LiveStreamer - FFmpeg 直播推流调度工具

// Package scheduler decides when streams start and when overrunning streams
// are forced down. It never touches processes directly; every start and
// stop goes through a Controller.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ZSC714725/livestreamer/internal/clock"
	"github.com/ZSC714725/livestreamer/internal/logger"
	"github.com/ZSC714725/livestreamer/internal/metrics"
	"github.com/ZSC714725/livestreamer/internal/stream"
	"github.com/ZSC714725/livestreamer/internal/supervisor"
)

// Controller is the part of the supervisor the scheduler drives.
type Controller interface {
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id, reason string) error
	IsRunning(id string) bool
	Reconcile(ctx context.Context, id string) (bool, error)
	Expire(ctx context.Context, id, cause string) error
}

// Repository is the persistence the scheduler reads and writes.
type Repository interface {
	List(ctx context.Context) ([]*stream.Config, error)
	ListByStatus(ctx context.Context, statuses ...stream.Status) ([]*stream.Config, error)
	RecordRun(ctx context.Context, id string, lastRun, nextRun time.Time) error
	SetNextRun(ctx context.Context, id string, nextRun time.Time) error
}

// Options for the scheduler loops.
type Options struct {
	Tick time.Duration
	// TriggerWindow is how late a start may fire. Nothing fires early.
	TriggerWindow time.Duration
	// ForceStopGrace is how long a live stream may outlive its expected end.
	ForceStopGrace time.Duration
	// RecoveryWindow bounds how stale a missed recurring run may be and
	// still start at application startup. It never crosses a calendar day.
	RecoveryWindow time.Duration
	SyncInterval   time.Duration
	Location       *time.Location
	// Workers caps concurrent per-stream work inside one tick.
	Workers int
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		Tick:           30 * time.Second,
		TriggerWindow:  5 * time.Minute,
		ForceStopGrace: 90 * time.Second,
		RecoveryWindow: 12 * time.Hour,
		SyncInterval:   5 * time.Minute,
		Location:       time.Local,
		Workers:        8,
	}
}

// Config wires a Scheduler.
type Config struct {
	Repository Repository
	Controller Controller
	Clock      clock.Clock
	Metrics    *metrics.Metrics
	Logger     zerolog.Logger
	Options    Options
}

// Scheduler runs the start, overrun and next-run passes on every tick.
type Scheduler struct {
	repo    Repository
	ctl     Controller
	clock   clock.Clock
	metrics *metrics.Metrics
	logger  zerolog.Logger
	opts    Options
}

// New creates a Scheduler.
func New(cfg Config) *Scheduler {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Options.Location == nil {
		cfg.Options.Location = time.Local
	}
	if cfg.Options.Workers <= 0 {
		cfg.Options.Workers = 8
	}
	return &Scheduler{
		repo:    cfg.Repository,
		ctl:     cfg.Controller,
		clock:   cfg.Clock,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
		opts:    cfg.Options,
	}
}

// Run recovers missed runs, ticks once and then ticks every Options.Tick
// until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Recover(ctx); err != nil {
		s.logger.Error().Err(err).Msg("missed-schedule recovery failed")
	}
	s.tick(ctx)

	ticker := s.clock.NewTicker(s.opts.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if err := s.Tick(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error().Err(err).Msg("scheduler tick failed")
	}
}

// Tick evaluates every stream once. A failure on one stream is logged and
// does not affect the others.
func (s *Scheduler) Tick(ctx context.Context) error {
	configs, err := s.repo.List(ctx)
	if err != nil {
		return err
	}
	now := s.clock.Now()

	var g errgroup.Group
	g.SetLimit(s.opts.Workers)
	for _, cfg := range configs {
		g.Go(func() error {
			s.evaluate(ctx, cfg, now)
			return nil
		})
	}
	return g.Wait()
}

func (s *Scheduler) evaluate(ctx context.Context, cfg *stream.Config, now time.Time) {
	switch {
	case cfg.Status == stream.StatusLive:
		s.checkOverrun(ctx, cfg, now)
	case cfg.RecurringActive():
		s.checkRecurring(ctx, cfg, now)
	case cfg.Status == stream.StatusScheduled && cfg.ScheduleStart != nil:
		s.checkOneOff(ctx, cfg, now)
	}
}

func (s *Scheduler) log(cfg *stream.Config) zerolog.Logger {
	return s.logger.With().Str(logger.FieldStreamID, cfg.ID).Logger()
}

func (s *Scheduler) checkOneOff(ctx context.Context, cfg *stream.Config, now time.Time) {
	since := now.Sub(*cfg.ScheduleStart)
	switch {
	case since < 0:
		return
	case since <= s.opts.TriggerWindow:
		s.fire(ctx, cfg, now, "schedule")
	default:
		log := s.log(cfg)
		log.Warn().Time("schedule_start", *cfg.ScheduleStart).Dur("late", since).
			Msg("missed scheduled start, skipping")
		s.metrics.IncMissed()
		if err := s.ctl.Expire(ctx, cfg.ID, "scheduled start missed"); err != nil {
			log.Error().Err(err).Msg("could not expire stream")
		}
	}
}

func (s *Scheduler) checkRecurring(ctx context.Context, cfg *stream.Config, now time.Time) {
	if s.ctl.IsRunning(cfg.ID) {
		return
	}
	loc := s.opts.Location

	if IsRecurringDue(cfg, now, loc, s.opts.TriggerWindow) {
		s.fire(ctx, cfg, now, "recurring")
		return
	}

	if cfg.NextRunAt != nil && cfg.NextRunAt.After(now) {
		return
	}
	if cfg.NextRunAt != nil && now.Sub(*cfg.NextRunAt) > s.opts.TriggerWindow &&
		(cfg.LastRunAt == nil || cfg.LastRunAt.Before(*cfg.NextRunAt)) {
		log := s.log(cfg)
		log.Warn().Time("next_run_at", *cfg.NextRunAt).Msg("missed recurring occurrence, skipping")
		s.metrics.IncMissed()
	}
	s.advance(ctx, cfg, now)
}

// advance stores a fresh next-run instant.
func (s *Scheduler) advance(ctx context.Context, cfg *stream.Config, now time.Time) {
	next, ok := NextOccurrence(cfg, now, s.opts.Location)
	if !ok {
		return
	}
	if err := s.repo.SetNextRun(ctx, cfg.ID, next); err != nil {
		log := s.log(cfg)
		log.Error().Err(err).Msg("could not store next run")
	}
}

// fire starts cfg. Configuration errors are final for this occurrence;
// anything else is retried on the next tick while the window is open.
func (s *Scheduler) fire(ctx context.Context, cfg *stream.Config, now time.Time, trigger string) {
	log := s.log(cfg)

	err := s.ctl.Start(ctx, cfg.ID)
	switch {
	case err == nil:
		log.Info().Str("trigger", trigger).Msg("stream started by scheduler")
	case errors.Is(err, stream.ErrAlreadyRunning):
		return
	case isConfigError(err):
		log.Error().Err(err).Str("trigger", trigger).Msg("stream cannot start, not retrying")
		if !cfg.RecurringActive() {
			if err := s.ctl.Expire(ctx, cfg.ID, err.Error()); err != nil {
				log.Error().Err(err).Msg("could not expire stream")
			}
			return
		}
	default:
		log.Error().Err(err).Str("trigger", trigger).Msg("scheduled start failed, retrying next tick")
		return
	}

	if !cfg.RecurringActive() {
		return
	}
	next, ok := NextOccurrence(cfg, now, s.opts.Location)
	if !ok {
		return
	}
	if err := s.repo.RecordRun(ctx, cfg.ID, now, next); err != nil {
		log.Error().Err(err).Msg("could not record recurring run")
		return
	}
	log.Debug().Time("next_run_at", next).Msg("next occurrence")
}

func isConfigError(err error) bool {
	return errors.Is(err, stream.ErrInvalidConfig) || errors.Is(err, stream.ErrMediaNotFound)
}

func (s *Scheduler) checkOverrun(ctx context.Context, cfg *stream.Config, now time.Time) {
	if cfg.ActualStartTime == nil {
		return
	}
	duration, bounded := stream.ResolveDuration(cfg)
	if !bounded {
		return
	}

	expectedEnd := cfg.ActualStartTime.Add(duration)
	over := now.Sub(expectedEnd)
	if over <= s.opts.ForceStopGrace {
		return
	}

	log := s.log(cfg)
	log.Warn().Time("expected_end", expectedEnd).Dur("overrun", over).
		Msg("encoder ignored its duration limit, forcing stop")
	if err := s.ctl.Stop(ctx, cfg.ID, supervisor.ReasonOverrun); err != nil {
		log.Error().Err(err).Msg("overrun stop failed")
	}
}

// Recover handles recurring runs missed while the application was down.
// A run missed earlier today, within RecoveryWindow, starts now; anything
// older is skipped and rescheduled.
func (s *Scheduler) Recover(ctx context.Context) error {
	configs, err := s.repo.List(ctx)
	if err != nil {
		return err
	}
	now := s.clock.Now()
	loc := s.opts.Location

	for _, cfg := range configs {
		if !cfg.RecurringActive() || cfg.Status == stream.StatusLive {
			continue
		}
		if cfg.NextRunAt == nil {
			s.advance(ctx, cfg, now)
			continue
		}
		if cfg.NextRunAt.After(now) {
			continue
		}

		log := s.log(cfg)
		missed := *cfg.NextRunAt
		alreadyRan := cfg.LastRunAt != nil && !cfg.LastRunAt.Before(missed)
		if alreadyRan {
			s.advance(ctx, cfg, now)
			continue
		}

		if sameDate(missed, now, loc) && now.Sub(missed) <= s.opts.RecoveryWindow {
			log.Info().Time("missed", missed).Msg("recovering missed recurring run")
			s.fire(ctx, cfg, now, "recovery")
			continue
		}

		log.Warn().Time("missed", missed).Msg("missed recurring run is stale, rescheduling")
		s.metrics.IncMissed()
		s.advance(ctx, cfg, now)
	}
	return nil
}
