// Copyright (c) 2026 Kevin Zang (kevinzang). All rights reserved.
// Use of this source code is governed by the MIT License.
//
// LiveStreamer - FFmpeg 直播推流调度工具

package scheduler

import (
	"slices"
	"time"

	"github.com/ZSC714725/livestreamer/internal/stream"
)

// slotOn returns the recurring slot on the calendar day of day, in loc.
func slotOn(day time.Time, hour, minute int, loc *time.Location) time.Time {
	y, m, d := day.In(loc).Date()
	return time.Date(y, m, d, hour, minute, 0, 0, loc)
}

func sameDate(a, b time.Time, loc *time.Location) bool {
	ay, am, ad := a.In(loc).Date()
	by, bm, bd := b.In(loc).Date()
	return ay == by && am == bm && ad == bd
}

// onDay reports whether a slot on t's weekday is part of cfg's pattern.
func onDay(cfg *stream.Config, t time.Time) bool {
	if cfg.ScheduleType != stream.ScheduleWeekly {
		return true
	}
	return slices.Contains(cfg.Recurring.DaysOfWeek, int(t.Weekday()))
}

// dueSlot finds the slot that is due at now, if any. A slot is due when
// 0 <= now-slot <= window, its weekday matches and the stream has not
// already run on the slot's calendar date.
func dueSlot(cfg *stream.Config, now time.Time, loc *time.Location, window time.Duration) (time.Time, bool) {
	if !cfg.RecurringActive() {
		return time.Time{}, false
	}
	hour, minute, err := stream.ParseTimeOfDay(cfg.Recurring.TimeOfDay)
	if err != nil {
		return time.Time{}, false
	}

	// yesterday covers a window that crosses midnight
	for _, offset := range []int{0, -1} {
		slot := slotOn(now.In(loc).AddDate(0, 0, offset), hour, minute, loc)
		since := now.Sub(slot)
		if since < 0 || since > window {
			continue
		}
		if !onDay(cfg, slot) {
			continue
		}
		if cfg.LastRunAt != nil && sameDate(*cfg.LastRunAt, slot, loc) {
			continue
		}
		return slot, true
	}
	return time.Time{}, false
}

// DailyDue reports whether a daily stream should start at now.
func DailyDue(cfg *stream.Config, now time.Time, loc *time.Location, window time.Duration) bool {
	if cfg.ScheduleType != stream.ScheduleDaily {
		return false
	}
	_, ok := dueSlot(cfg, now, loc, window)
	return ok
}

// WeeklyDue reports whether a weekly stream should start at now.
func WeeklyDue(cfg *stream.Config, now time.Time, loc *time.Location, window time.Duration) bool {
	if cfg.ScheduleType != stream.ScheduleWeekly {
		return false
	}
	_, ok := dueSlot(cfg, now, loc, window)
	return ok
}

// IsRecurringDue dispatches on the schedule type.
func IsRecurringDue(cfg *stream.Config, now time.Time, loc *time.Location, window time.Duration) bool {
	switch cfg.ScheduleType {
	case stream.ScheduleDaily:
		return DailyDue(cfg, now, loc, window)
	case stream.ScheduleWeekly:
		return WeeklyDue(cfg, now, loc, window)
	}
	return false
}

// NextOccurrence returns the first slot strictly after now. A slot equal to
// now rolls over to the next valid day.
func NextOccurrence(cfg *stream.Config, now time.Time, loc *time.Location) (time.Time, bool) {
	if !cfg.ScheduleType.IsRecurring() {
		return time.Time{}, false
	}
	hour, minute, err := stream.ParseTimeOfDay(cfg.Recurring.TimeOfDay)
	if err != nil {
		return time.Time{}, false
	}

	local := now.In(loc)
	for offset := 0; offset <= 7; offset++ {
		slot := slotOn(local.AddDate(0, 0, offset), hour, minute, loc)
		if !slot.After(now) || !onDay(cfg, slot) {
			continue
		}
		return slot, true
	}
	return time.Time{}, false
}
