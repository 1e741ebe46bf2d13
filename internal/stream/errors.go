// Copyright (c) 2026 Kevin Zang (kevinzang). All rights reserved.
// Use of this source code is governed by the MIT License.
//
// LiveStreamer - FFmpeg 直播推流调度工具

package stream

import "errors"

var (
	ErrNotFound       = errors.New("stream not found")
	ErrStreamExists   = errors.New("stream already exists")
	ErrInvalidConfig  = errors.New("invalid stream config")
	ErrAlreadyRunning = errors.New("stream already running")
	ErrMediaNotFound  = errors.New("media file not found")
	ErrStreamLive     = errors.New("stream is live")
)
