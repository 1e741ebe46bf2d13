// Copyright (c) 2026 Kevin Zang (kevinzang). All rights reserved.
// Use of this source code is governed by the MIT License.
//
// LiveStreamer - FFmpeg 直播推流调度工具

// Package tracker records when each running stream started and when it
// is expected to end.
package tracker

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ZSC714725/livestreamer/internal/clock"
)

// Entry is the bookkeeping for one running stream.
type Entry struct {
	StreamID    string
	StartTime   time.Time
	Duration    time.Duration
	ExpectedEnd time.Time
	// OriginalDuration survives restarts so remaining time is always
	// measured against the first start.
	OriginalDuration time.Duration
}

// Tracker is safe for concurrent use.
type Tracker struct {
	mu      sync.RWMutex
	entries map[string]Entry
	clock   clock.Clock
	logger  zerolog.Logger
}

// New creates a Tracker.
func New(c clock.Clock, log zerolog.Logger) *Tracker {
	if c == nil {
		c = clock.Real{}
	}
	return &Tracker{
		entries: make(map[string]Entry),
		clock:   c,
		logger:  log,
	}
}

// Set stores an entry. Non-positive durations are rejected.
func (t *Tracker) Set(streamID string, start time.Time, duration time.Duration) bool {
	if duration <= 0 {
		t.logger.Warn().Str("stream_id", streamID).Dur("duration", duration).
			Msg("ignoring non-positive tracked duration")
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[streamID] = Entry{
		StreamID:         streamID,
		StartTime:        start,
		Duration:         duration,
		ExpectedEnd:      start.Add(duration),
		OriginalDuration: duration,
	}
	return true
}

func (t *Tracker) Get(streamID string) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[streamID]
	return e, ok
}

func (t *Tracker) Has(streamID string) bool {
	_, ok := t.Get(streamID)
	return ok
}

// Remaining returns max(0, original - elapsed since start).
func (t *Tracker) Remaining(streamID string) (time.Duration, bool) {
	e, ok := t.Get(streamID)
	if !ok {
		return 0, false
	}
	left := e.OriginalDuration - t.clock.Now().Sub(e.StartTime)
	if left < 0 {
		left = 0
	}
	return left, true
}

// RemainingMs is Remaining in milliseconds.
func (t *Tracker) RemainingMs(streamID string) (int64, bool) {
	d, ok := t.Remaining(streamID)
	return d.Milliseconds(), ok
}

func (t *Tracker) Clear(streamID string) {
	t.mu.Lock()
	delete(t.entries, streamID)
	t.mu.Unlock()
}

func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
