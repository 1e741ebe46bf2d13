// Copyright (c) 2026 Kevin Zang (kevinzang). All rights reserved.
// Use of this source code is governed by the MIT License.
//
// LiveStreamer - FFmpeg 直播推流调度工具

package stream

import "time"

// ResolveDurationSeconds returns the intended run length of a stream.
// The first positive field wins, in this order:
//
//	DurationMinutes
//	ScheduleEnd - ScheduleStart (both set, end after start)
//	DurationHours
//	LegacyDurationMinutes
//
// ok is false for an unbounded stream. Every caller that needs a duration
// must go through this function.
func ResolveDurationSeconds(c *Config) (seconds int64, ok bool) {
	if c == nil {
		return 0, false
	}
	if c.DurationMinutes > 0 {
		return c.DurationMinutes * 60, true
	}
	if c.ScheduleStart != nil && c.ScheduleEnd != nil && c.ScheduleEnd.After(*c.ScheduleStart) {
		if s := c.ScheduleEnd.Sub(*c.ScheduleStart).Milliseconds() / 1000; s > 0 {
			return s, true
		}
	}
	if c.DurationHours > 0 {
		return c.DurationHours * 3600, true
	}
	if c.LegacyDurationMinutes > 0 {
		return c.LegacyDurationMinutes * 60, true
	}
	return 0, false
}

// ResolveDuration is ResolveDurationSeconds as a time.Duration.
func ResolveDuration(c *Config) (time.Duration, bool) {
	s, ok := ResolveDurationSeconds(c)
	if !ok {
		return 0, false
	}
	return time.Duration(s) * time.Second, true
}
