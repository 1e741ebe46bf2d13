// Copyright (c) 2026 Kevin Zang (kevinzang). All rights reserved.
// Use of this source code is governed by the MIT License.
//
// LiveStreamer - FFmpeg 直播推流调度工具

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure Go driver
)

// Options are the sqlite connection parameters.
type Options struct {
	BusyTimeout  time.Duration
	MaxOpenConns int
}

// DefaultOptions returns WAL-friendly defaults.
func DefaultOptions() Options {
	return Options{
		BusyTimeout:  5 * time.Second,
		MaxOpenConns: 4,
	}
}

const schema = `
CREATE TABLE IF NOT EXISTS streams (
	id                      TEXT PRIMARY KEY,
	title                   TEXT    NOT NULL DEFAULT '',
	video_ref               TEXT    NOT NULL,
	audio_ref               TEXT    NOT NULL DEFAULT '',
	rtmp_url                TEXT    NOT NULL,
	stream_key              TEXT    NOT NULL DEFAULT '',
	loop_media              INTEGER NOT NULL DEFAULT 0,
	duration_minutes        INTEGER NOT NULL DEFAULT 0,
	schedule_start          INTEGER,
	schedule_end            INTEGER,
	duration_hours          INTEGER NOT NULL DEFAULT 0,
	legacy_duration_minutes INTEGER NOT NULL DEFAULT 0,
	schedule_type           TEXT    NOT NULL DEFAULT 'once',
	recurring_time          TEXT    NOT NULL DEFAULT '',
	recurring_days          TEXT    NOT NULL DEFAULT '',
	recurring_enabled       INTEGER NOT NULL DEFAULT 0,
	last_run_at             INTEGER,
	next_run_at             INTEGER,
	status                  TEXT    NOT NULL DEFAULT 'offline',
	actual_start_time       INTEGER,
	last_error              TEXT    NOT NULL DEFAULT '',
	created_at              INTEGER NOT NULL,
	updated_at              INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_streams_status ON streams(status);
`

// Open opens (and creates) the database at path and applies the schema.
func Open(ctx context.Context, path string, opts Options) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)",
		path, opts.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open failed: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
		db.SetMaxIdleConns(opts.MaxOpenConns)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping failed: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: schema: %w", err)
	}

	return &Store{db: db}, nil
}
