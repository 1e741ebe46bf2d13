// Copyright (c) 2026 Kevin Zang (kevinzang). All rights reserved.
// Use of this source code is governed by the MIT License.
//
// LiveStreamer - FFmpeg 直播推流调度工具

package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/ZSC714725/livestreamer/internal/clock"
	"github.com/ZSC714725/livestreamer/internal/logger"
	"github.com/ZSC714725/livestreamer/internal/stream"
)

// Synchronizer corrects streams stored as live that have no process, e.g.
// after the application itself was restarted.
type Synchronizer struct {
	repo     Repository
	ctl      Controller
	clock    clock.Clock
	interval time.Duration
	logger   zerolog.Logger
}

// NewSynchronizer creates a Synchronizer.
func NewSynchronizer(repo Repository, ctl Controller, c clock.Clock, interval time.Duration, log zerolog.Logger) *Synchronizer {
	if c == nil {
		c = clock.Real{}
	}
	return &Synchronizer{repo: repo, ctl: ctl, clock: c, interval: interval, logger: log}
}

// Sync checks every live stream once and returns how many were corrected.
func (s *Synchronizer) Sync(ctx context.Context) (int, error) {
	live, err := s.repo.ListByStatus(ctx, stream.StatusLive)
	if err != nil {
		return 0, err
	}

	fixed := 0
	for _, cfg := range live {
		ok, err := s.ctl.Reconcile(ctx, cfg.ID)
		if err != nil {
			s.logger.Error().Err(err).Str(logger.FieldStreamID, cfg.ID).Msg("reconcile failed")
			continue
		}
		if ok {
			fixed++
		}
	}
	if fixed > 0 {
		s.logger.Info().Int("corrected", fixed).Msg("status sync")
	}
	return fixed, nil
}

// Run syncs immediately and then every interval until ctx is done.
func (s *Synchronizer) Run(ctx context.Context) error {
	s.sync(ctx)

	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			s.sync(ctx)
		}
	}
}

func (s *Synchronizer) sync(ctx context.Context) {
	if _, err := s.Sync(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error().Err(err).Msg("status sync failed")
	}
}
