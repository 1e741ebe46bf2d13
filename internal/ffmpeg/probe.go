// Copyright (c) 2026 Kevin Zang (kevinzang). All rights reserved.
// Use of this source code is governed by the MIT License.
//
// LiveStreamer - FFmpeg 直播推流调度工具

package ffmpeg

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"slices"
	"strings"
	"time"
)

// Capabilities are the parts of the installed ffmpeg that streaming relies on.
type Capabilities struct {
	Version       string   `json:"version"`
	AudioEncoders []string `json:"audio_encoders"`
	Muxers        []string `json:"muxers"`
}

// CanStream reports whether the binary can produce the plans BuildPlan emits.
func (c Capabilities) CanStream() error {
	if !slices.Contains(c.AudioEncoders, "aac") {
		return fmt.Errorf("ffmpeg %s has no aac encoder", c.Version)
	}
	if !slices.Contains(c.Muxers, OutputFormat) {
		return fmt.Errorf("ffmpeg %s has no %s muxer", c.Version, OutputFormat)
	}
	return nil
}

var (
	reVersion = regexp.MustCompile(`^ffmpeg version (\S+)`)
	reEncoder = regexp.MustCompile(`^\s([VAS])[F.][S.][X.][B.][D.] ([0-9A-Za-z_-]+)\s`)
	reMuxer   = regexp.MustCompile(`^\s+D?E\s+([0-9A-Za-z_,]+)\s`)
)

// Probe runs the binary to find its version, audio encoders and muxers.
func Probe(ctx context.Context, binary string) (Capabilities, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	out, err := run(ctx, binary, "-version")
	if err != nil {
		return Capabilities{}, fmt.Errorf("run %s -version: %w", binary, err)
	}
	c := Capabilities{Version: parseVersion(out)}
	if c.Version == "" {
		return Capabilities{}, fmt.Errorf("can't parse ffmpeg version")
	}

	if out, err = run(ctx, binary, "-hide_banner", "-encoders"); err == nil {
		c.AudioEncoders = parseAudioEncoders(out)
	}
	if out, err = run(ctx, binary, "-hide_banner", "-muxers"); err == nil {
		c.Muxers = parseMuxers(out)
	}
	return c, nil
}

func run(ctx context.Context, binary string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Env = []string{}
	return cmd.Output()
}

func parseVersion(data []byte) string {
	if m := reVersion.FindSubmatch(bytes.TrimSpace(data)); m != nil {
		return string(m[1])
	}
	return ""
}

func parseAudioEncoders(data []byte) []string {
	var encoders []string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		m := reEncoder.FindStringSubmatch(scanner.Text())
		if m != nil && m[1] == "A" {
			encoders = append(encoders, m[2])
		}
	}
	return encoders
}

func parseMuxers(data []byte) []string {
	var muxers []string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		m := reMuxer.FindStringSubmatch(scanner.Text())
		if m == nil {
			continue
		}
		// "matroska,webm" lists aliases
		muxers = append(muxers, strings.Split(m[1], ",")...)
	}
	return muxers
}
