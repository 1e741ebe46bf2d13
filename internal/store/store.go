// Copyright (c) 2026 Kevin Zang (kevinzang). All rights reserved.
// Use of this source code is governed by the MIT License.
//
// LiveStreamer - FFmpeg 直播推流调度工具

// Package store persists stream configurations in sqlite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lithammer/shortuuid/v4"

	"github.com/ZSC714725/livestreamer/internal/stream"
)

// Store is the sqlite backed stream repository.
type Store struct {
	db *sql.DB
}

const columns = `id, title, video_ref, audio_ref, rtmp_url, stream_key, loop_media,
	duration_minutes, schedule_start, schedule_end, duration_hours, legacy_duration_minutes,
	schedule_type, recurring_time, recurring_days, recurring_enabled, last_run_at, next_run_at,
	status, actual_start_time, last_error, created_at, updated_at`

func (s *Store) Close() error {
	return s.db.Close()
}

// Create inserts a new stream. An empty ID gets a generated one.
func (s *Store) Create(ctx context.Context, cfg *stream.Config) error {
	if cfg.ID == "" {
		cfg.ID = shortuuid.New()
	}
	if cfg.ScheduleType == "" {
		cfg.ScheduleType = stream.ScheduleOnce
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	cfg.Status = initialStatus(cfg)
	cfg.ActualStartTime = nil
	now := time.Now()
	cfg.CreatedAt, cfg.UpdatedAt = now, now

	res, err := s.db.ExecContext(ctx, `INSERT INTO streams (`+columns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		cfg.ID, cfg.Title, cfg.VideoRef, cfg.AudioRef, cfg.RTMPURL, cfg.StreamKey, cfg.Loop,
		cfg.DurationMinutes, nullTime(cfg.ScheduleStart), nullTime(cfg.ScheduleEnd), cfg.DurationHours, cfg.LegacyDurationMinutes,
		string(cfg.ScheduleType), cfg.Recurring.TimeOfDay, encodeDays(cfg.Recurring.DaysOfWeek), cfg.Recurring.Enabled,
		nullTime(cfg.LastRunAt), nullTime(cfg.NextRunAt),
		string(cfg.Status), nil, cfg.LastError, now.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert stream: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return stream.ErrStreamExists
	}
	return nil
}

func initialStatus(cfg *stream.Config) stream.Status {
	if cfg.ScheduleType == stream.ScheduleOnce && cfg.ScheduleStart != nil {
		return stream.StatusScheduled
	}
	return cfg.IdleStatus()
}

func (s *Store) Get(ctx context.Context, id string) (*stream.Config, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+columns+` FROM streams WHERE id = ?`, id)
	cfg, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, stream.ErrNotFound
	}
	return cfg, err
}

func (s *Store) List(ctx context.Context) ([]*stream.Config, error) {
	return s.query(ctx, `SELECT `+columns+` FROM streams ORDER BY created_at, id`)
}

// ListByStatus returns streams in any of the given statuses.
func (s *Store) ListByStatus(ctx context.Context, statuses ...stream.Status) ([]*stream.Config, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	marks := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, st := range statuses {
		marks[i] = "?"
		args[i] = string(st)
	}
	return s.query(ctx, `SELECT `+columns+` FROM streams WHERE status IN (`+strings.Join(marks, ",")+`) ORDER BY created_at, id`, args...)
}

// Update rewrites the user-editable fields. Runtime fields are untouched and
// live streams cannot be edited.
func (s *Store) Update(ctx context.Context, cfg *stream.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	cur, err := s.Get(ctx, cfg.ID)
	if err != nil {
		return err
	}
	if cur.Status == stream.StatusLive {
		return stream.ErrStreamLive
	}

	status := initialStatus(cfg)
	res, err := s.db.ExecContext(ctx, `UPDATE streams SET
		title = ?, video_ref = ?, audio_ref = ?, rtmp_url = ?, stream_key = ?, loop_media = ?,
		duration_minutes = ?, schedule_start = ?, schedule_end = ?, duration_hours = ?, legacy_duration_minutes = ?,
		schedule_type = ?, recurring_time = ?, recurring_days = ?, recurring_enabled = ?,
		next_run_at = NULL, status = ?, updated_at = ?
		WHERE id = ? AND status != 'live'`,
		cfg.Title, cfg.VideoRef, cfg.AudioRef, cfg.RTMPURL, cfg.StreamKey, cfg.Loop,
		cfg.DurationMinutes, nullTime(cfg.ScheduleStart), nullTime(cfg.ScheduleEnd), cfg.DurationHours, cfg.LegacyDurationMinutes,
		string(cfg.ScheduleType), cfg.Recurring.TimeOfDay, encodeDays(cfg.Recurring.DaysOfWeek), cfg.Recurring.Enabled,
		string(status), time.Now().UnixMilli(), cfg.ID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// went live between the read and the write
		return stream.ErrStreamLive
	}
	return nil
}

// SetRecurringEnabled flips only the enabled flag. The pattern, time and days
// are left as they are. An idle stream's status follows the flag.
func (s *Store) SetRecurringEnabled(ctx context.Context, id string, enabled bool) (*stream.Config, error) {
	cfg, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	cfg.Recurring.Enabled = enabled
	idle := cfg.IdleStatus()

	_, err = s.db.ExecContext(ctx, `UPDATE streams SET recurring_enabled = ?,
		status = CASE WHEN status = 'live' THEN status ELSE ? END, updated_at = ?
		WHERE id = ?`, enabled, string(idle), time.Now().UnixMilli(), id)
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// MarkLive records a confirmed encoder start.
func (s *Store) MarkLive(ctx context.Context, id string, startedAt time.Time) error {
	return s.exec(ctx, `UPDATE streams SET status = 'live', actual_start_time = ?, last_error = '', updated_at = ? WHERE id = ?`,
		startedAt.UnixMilli(), time.Now().UnixMilli(), id)
}

// MarkStopped records a terminal stop and forgets the start time.
func (s *Store) MarkStopped(ctx context.Context, id string, status stream.Status, lastError string) error {
	return s.exec(ctx, `UPDATE streams SET status = ?, actual_start_time = NULL, last_error = ?, updated_at = ? WHERE id = ?`,
		string(status), lastError, time.Now().UnixMilli(), id)
}

// RecordRun stores the last and next run of a recurring stream.
func (s *Store) RecordRun(ctx context.Context, id string, lastRun, nextRun time.Time) error {
	return s.exec(ctx, `UPDATE streams SET last_run_at = ?, next_run_at = ?, updated_at = ? WHERE id = ?`,
		lastRun.UnixMilli(), nextRun.UnixMilli(), time.Now().UnixMilli(), id)
}

func (s *Store) SetNextRun(ctx context.Context, id string, nextRun time.Time) error {
	return s.exec(ctx, `UPDATE streams SET next_run_at = ?, updated_at = ? WHERE id = ?`,
		nextRun.UnixMilli(), time.Now().UnixMilli(), id)
}

func (s *Store) exec(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return stream.ErrNotFound
	}
	return nil
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]*stream.Config, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*stream.Config
	for rows.Next() {
		cfg, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scan(r scanner) (*stream.Config, error) {
	var (
		cfg                                         stream.Config
		scheduleType, status, days                  string
		schedStart, schedEnd, lastRun, next, actual sql.NullInt64
		created, updated                            int64
	)
	err := r.Scan(&cfg.ID, &cfg.Title, &cfg.VideoRef, &cfg.AudioRef, &cfg.RTMPURL, &cfg.StreamKey, &cfg.Loop,
		&cfg.DurationMinutes, &schedStart, &schedEnd, &cfg.DurationHours, &cfg.LegacyDurationMinutes,
		&scheduleType, &cfg.Recurring.TimeOfDay, &days, &cfg.Recurring.Enabled, &lastRun, &next,
		&status, &actual, &cfg.LastError, &created, &updated)
	if err != nil {
		return nil, err
	}

	cfg.ScheduleType = stream.ScheduleType(scheduleType)
	cfg.Status = stream.Status(status)
	cfg.Recurring.DaysOfWeek = decodeDays(days)
	cfg.ScheduleStart = fromNull(schedStart)
	cfg.ScheduleEnd = fromNull(schedEnd)
	cfg.LastRunAt = fromNull(lastRun)
	cfg.NextRunAt = fromNull(next)
	cfg.ActualStartTime = fromNull(actual)
	cfg.CreatedAt = time.UnixMilli(created)
	cfg.UpdatedAt = time.UnixMilli(updated)
	return &cfg, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromNull(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}

func encodeDays(days []int) string {
	parts := make([]string, len(days))
	for i, d := range days {
		parts[i] = strconv.Itoa(d)
	}
	return strings.Join(parts, ",")
}

func decodeDays(s string) []int {
	if s == "" {
		return nil
	}
	var out []int
	for _, p := range strings.Split(s, ",") {
		if d, err := strconv.Atoi(strings.TrimSpace(p)); err == nil {
			out = append(out, d)
		}
	}
	return out
}
