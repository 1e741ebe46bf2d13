// Copyright (c) 2026 Kevin Zang (kevinzang). All rights reserved.
// Use of this source code is governed by the MIT License.
//
// LiveStreamer - FFmpeg 直播推流调度工具

// Package stream defines the persisted streaming job and its rules.
package stream

import (
	"fmt"
	"strings"
	"time"
)

// Status is the stored runtime status of a stream.
type Status string

const (
	StatusOffline   Status = "offline"
	StatusScheduled Status = "scheduled"
	StatusLive      Status = "live"
)

// ScheduleType selects one-off or recurring scheduling.
type ScheduleType string

const (
	ScheduleOnce   ScheduleType = "once"
	ScheduleDaily  ScheduleType = "daily"
	ScheduleWeekly ScheduleType = "weekly"
)

// IsRecurring reports whether the type repeats.
func (t ScheduleType) IsRecurring() bool {
	return t == ScheduleDaily || t == ScheduleWeekly
}

// Recurrence holds the recurring pattern. Disabling only flips Enabled.
type Recurrence struct {
	TimeOfDay  string `json:"time_of_day"`
	DaysOfWeek []int  `json:"days_of_week"`
	Enabled    bool   `json:"enabled"`
}

// Config is one streaming job definition.
type Config struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	VideoRef  string `json:"video_ref"`
	AudioRef  string `json:"audio_ref,omitempty"`
	RTMPURL   string `json:"rtmp_url"`
	StreamKey string `json:"stream_key"`
	Loop      bool   `json:"loop"`

	// Duration fields, highest precedence first. See ResolveDurationSeconds.
	DurationMinutes       int64      `json:"duration_minutes,omitempty"`
	ScheduleStart         *time.Time `json:"schedule_start,omitempty"`
	ScheduleEnd           *time.Time `json:"schedule_end,omitempty"`
	DurationHours         int64      `json:"duration_hours,omitempty"`
	LegacyDurationMinutes int64      `json:"legacy_duration_minutes,omitempty"`

	ScheduleType ScheduleType `json:"schedule_type"`
	Recurring    Recurrence   `json:"recurring"`
	LastRunAt    *time.Time   `json:"last_run_at,omitempty"`
	NextRunAt    *time.Time   `json:"next_run_at,omitempty"`

	Status          Status     `json:"status"`
	ActualStartTime *time.Time `json:"actual_start_time,omitempty"`
	LastError       string     `json:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Destination joins the RTMP base URL and the stream key.
func (c *Config) Destination() string {
	if c.StreamKey == "" {
		return c.RTMPURL
	}
	return strings.TrimRight(c.RTMPURL, "/") + "/" + c.StreamKey
}

// RecurringActive reports whether the recurring pattern should fire.
func (c *Config) RecurringActive() bool {
	return c.ScheduleType.IsRecurring() && c.Recurring.Enabled
}

// IdleStatus is the status a stream returns to after any terminal stop.
func (c *Config) IdleStatus() Status {
	if c.RecurringActive() {
		return StatusScheduled
	}
	return StatusOffline
}

// Validate rejects configurations that can never start.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.VideoRef) == "" {
		return fmt.Errorf("%w: video reference is required", ErrInvalidConfig)
	}
	if strings.TrimSpace(c.RTMPURL) == "" {
		return fmt.Errorf("%w: rtmp url is required", ErrInvalidConfig)
	}
	// an inverted schedule window is legal; ResolveDurationSeconds skips it

	switch c.ScheduleType {
	case ScheduleOnce, "":
		return nil
	case ScheduleDaily, ScheduleWeekly:
	default:
		return fmt.Errorf("%w: unknown schedule type %q", ErrInvalidConfig, c.ScheduleType)
	}

	if _, _, err := ParseTimeOfDay(c.Recurring.TimeOfDay); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.ScheduleType == ScheduleWeekly {
		if len(c.Recurring.DaysOfWeek) == 0 {
			return fmt.Errorf("%w: weekly schedule needs at least one day", ErrInvalidConfig)
		}
		for _, d := range c.Recurring.DaysOfWeek {
			if d < 0 || d > 6 {
				return fmt.Errorf("%w: day of week %d out of range", ErrInvalidConfig, d)
			}
		}
	}
	return nil
}

// ParseTimeOfDay parses "HH:MM".
func ParseTimeOfDay(s string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid time of day %q", s)
	}
	return t.Hour(), t.Minute(), nil
}
