// Copyright (c) 2026 Kevin Zang (kevinzang). All rights reserved.
// Use of this source code is governed by the MIT License.
//
// LiveStreamer - FFmpeg 直播推流调度工具

package ffmpeg

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/ZSC714725/livestreamer/internal/media"
	"github.com/ZSC714725/livestreamer/internal/stream"
)

// Fixed per-stream resource caps. Threads is the one that keeps parallel
// streams from starving each other.
const (
	Threads         = "2"
	AudioBitrate    = "128k"
	AudioSampleRate = "44100"
	ThreadQueueSize = "512"
	MuxingQueueSize = "1024"
	BufferSize      = "3000k"
	OutputFormat    = "flv"
)

var (
	ErrInvalidDestination = errors.New("invalid destination")
	ErrInvalidDuration    = errors.New("duration must be positive")
)

// MediaPaths are confirmed-existing inputs. Audio is empty when the stream
// carries the video's own audio.
type MediaPaths struct {
	Video string
	Audio string
}

// ResolveMedia confirms the stream's media through store. A missing primary
// file is fatal; a missing secondary audio file only drops the merge.
func ResolveMedia(store media.Store, cfg *stream.Config, log zerolog.Logger) (MediaPaths, error) {
	video, err := store.Lookup(cfg.VideoRef)
	if err != nil {
		return MediaPaths{}, fmt.Errorf("%w: %s: %v", stream.ErrMediaNotFound, cfg.VideoRef, err)
	}

	paths := MediaPaths{Video: video}
	if cfg.AudioRef == "" {
		return paths, nil
	}

	audio, err := store.Lookup(cfg.AudioRef)
	if err != nil {
		log.Warn().Err(err).Str("stream_id", cfg.ID).Str("audio_ref", cfg.AudioRef).
			Msg("secondary audio missing, streaming with the video's own audio")
		return paths, nil
	}
	paths.Audio = audio
	return paths, nil
}

// BuildPlan returns the ffmpeg arguments for one run of cfg. When bounded,
// -t is placed directly before the destination so it limits the output.
func BuildPlan(cfg *stream.Config, paths MediaPaths, seconds int64, bounded bool) ([]string, error) {
	if paths.Video == "" {
		return nil, fmt.Errorf("%w: %s", stream.ErrMediaNotFound, cfg.VideoRef)
	}
	dest := cfg.Destination()
	if dest == "" {
		return nil, ErrInvalidDestination
	}
	if bounded && seconds <= 0 {
		return nil, ErrInvalidDuration
	}

	args := []string{"-hide_banner", "-nostdin", "-stats"}

	args = appendInput(args, paths.Video, cfg.Loop)
	merge := paths.Audio != ""
	if merge {
		args = appendInput(args, paths.Audio, cfg.Loop)
	}

	args = append(args, "-threads", Threads)

	if merge {
		args = append(args,
			"-map", "0:v:0",
			"-map", "1:a:0",
			"-c:v", "copy",
			"-c:a", "aac",
			"-b:a", AudioBitrate,
			"-ar", AudioSampleRate,
		)
	} else {
		args = append(args, "-c:v", "copy", "-c:a", "copy")
	}

	args = append(args,
		"-bufsize", BufferSize,
		"-max_muxing_queue_size", MuxingQueueSize,
		"-f", OutputFormat,
	)

	if bounded {
		args = append(args, "-t", strconv.FormatInt(seconds, 10))
	}

	return append(args, dest), nil
}

func appendInput(args []string, path string, loop bool) []string {
	if media.IsNetwork(path) {
		args = append(args,
			"-reconnect", "1",
			"-reconnect_streamed", "1",
			"-reconnect_delay_max", "5",
		)
	}
	args = append(args, "-thread_queue_size", ThreadQueueSize, "-re")
	if loop {
		args = append(args, "-stream_loop", "-1")
	}
	return append(args, "-i", path)
}
