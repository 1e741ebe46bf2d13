// Copyright (c) 2026 Kevin Zang (kevinzang). All rights reserved.
// Use of this source code is governed by the MIT License.
//
// LiveStreamer - FFmpeg 直播推流调度工具

// Package clock abstracts wall time so scheduling code can be driven by tests.
package clock

import "time"

// Clock is the time source used by the tracker, supervisor and scheduler.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
	NewTicker(d time.Duration) Ticker
}

// Timer is a cancellable pending callback.
type Timer interface {
	Stop() bool
}

// Ticker delivers ticks on C().
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Real implements Clock using the time package.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

func (Real) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

func (Real) NewTicker(d time.Duration) Ticker { return &realTicker{time.NewTicker(d)} }

type realTicker struct {
	*time.Ticker
}

func (t *realTicker) C() <-chan time.Time { return t.Ticker.C }
