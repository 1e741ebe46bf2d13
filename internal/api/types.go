// Copyright (c) 2026 Kevin Zang (kevinzang). All rights reserved.
// Use of this source code is governed by the MIT License.
//
// LiveStreamer - FFmpeg 直播推流调度工具

package api

import (
	"time"

	"github.com/ZSC714725/livestreamer/internal/stream"
)

// RecurringIO is the recurring pattern in API format
type RecurringIO struct {
	TimeOfDay  string `json:"time_of_day"`
	DaysOfWeek []int  `json:"days_of_week"`
	Enabled    bool   `json:"enabled"`
}

// StreamRequest for Create/Update
type StreamRequest struct {
	ID                    string       `json:"id"`
	Title                 string       `json:"title"`
	VideoRef              string       `json:"video_ref" binding:"required"`
	AudioRef              string       `json:"audio_ref"`
	RTMPURL               string       `json:"rtmp_url" binding:"required"`
	StreamKey             string       `json:"stream_key"`
	Loop                  bool         `json:"loop"`
	DurationMinutes       int64        `json:"duration_minutes"`
	ScheduleStart         *time.Time   `json:"schedule_start"`
	ScheduleEnd           *time.Time   `json:"schedule_end"`
	DurationHours         int64        `json:"duration_hours"`
	LegacyDurationMinutes int64        `json:"legacy_duration_minutes"`
	ScheduleType          string       `json:"schedule_type"`
	Recurring             *RecurringIO `json:"recurring"`
}

// RecurringRequest for PUT /streams/:id/recurring
type RecurringRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

// CommandRequest for start/stop
type CommandRequest struct {
	Command string `json:"command" binding:"required"`
}

// StreamReport for logs
type StreamReport struct {
	Log [][2]string `json:"log"`
}

// ErrorResponse for API errors
type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

func requestToConfig(req *StreamRequest) *stream.Config {
	cfg := &stream.Config{
		ID:                    req.ID,
		Title:                 req.Title,
		VideoRef:              req.VideoRef,
		AudioRef:              req.AudioRef,
		RTMPURL:               req.RTMPURL,
		StreamKey:             req.StreamKey,
		Loop:                  req.Loop,
		DurationMinutes:       req.DurationMinutes,
		ScheduleStart:         req.ScheduleStart,
		ScheduleEnd:           req.ScheduleEnd,
		DurationHours:         req.DurationHours,
		LegacyDurationMinutes: req.LegacyDurationMinutes,
		ScheduleType:          stream.ScheduleType(req.ScheduleType),
	}
	if req.Recurring != nil {
		cfg.Recurring = stream.Recurrence{
			TimeOfDay:  req.Recurring.TimeOfDay,
			DaysOfWeek: req.Recurring.DaysOfWeek,
			Enabled:    req.Recurring.Enabled,
		}
	}
	return cfg
}
