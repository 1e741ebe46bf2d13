// Copyright (c) 2026 Kevin Zang (kevinzang). All rights reserved.
// Use of this source code is governed by the MIT License.
//
// LiveStreamer - FFmpeg 直播推流调度工具

// Package parse reads ffmpeg stderr for diagnostics. Nothing here drives
// lifecycle decisions.
package parse

import (
	"container/ring"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ZSC714725/livestreamer/internal/process"
)

// Progress holds the latest ffmpeg -stats line.
type Progress struct {
	Frame   uint64  `json:"frame"`
	FPS     float64 `json:"fps"`
	Size    uint64  `json:"size_bytes"`
	Time    float64 `json:"time_seconds"`
	Bitrate float64 `json:"bitrate_kbit"`
	Speed   float64 `json:"speed"`
	Drop    uint64  `json:"drop"`
	Dup     uint64  `json:"dup"`
}

// Parser implements process.Parser and keeps progress plus a ring of log lines.
type Parser interface {
	process.Parser
	Progress() Progress
	LastError() string
}

// Config for the parser
type Config struct {
	LogLines int
}

var (
	reFrame   = regexp.MustCompile(`frame=\s*([0-9]+)`)
	reFPS     = regexp.MustCompile(`fps=\s*([0-9\.]+)`)
	reSize    = regexp.MustCompile(`size=\s*([0-9]+)(kB|KiB)`)
	reTime    = regexp.MustCompile(`time=\s*([0-9]+):([0-9]{2}):([0-9]{2})\.([0-9]+)`)
	reBitrate = regexp.MustCompile(`bitrate=\s*([0-9\.]+)kbits/s`)
	reSpeed   = regexp.MustCompile(`speed=\s*([0-9\.]+)x`)
	reDrop    = regexp.MustCompile(`drop=\s*([0-9]+)`)
	reDup     = regexp.MustCompile(`dup=\s*([0-9]+)`)
)

type parser struct {
	log      *ring.Ring
	logLines int

	progress  Progress
	lastError string
	lock      sync.RWMutex
}

// New creates a Parser
func New(config Config) Parser {
	p := &parser{logLines: config.LogLines}
	if p.logLines <= 0 {
		p.logLines = 100
	}
	p.log = ring.New(p.logLines)
	return p
}

func (p *parser) Parse(line string) uint64 {
	now := time.Now()

	p.lock.Lock()
	defer p.lock.Unlock()

	p.log.Value = process.Line{Timestamp: now, Data: line}
	p.log = p.log.Next()

	if !strings.Contains(line, "frame=") {
		if isErrorLine(line) {
			p.lastError = line
		}
		return 0
	}

	if m := reFrame.FindStringSubmatch(line); m != nil {
		p.progress.Frame, _ = strconv.ParseUint(m[1], 10, 64)
	}
	if m := reFPS.FindStringSubmatch(line); m != nil {
		p.progress.FPS, _ = strconv.ParseFloat(m[1], 64)
	}
	if m := reSize.FindStringSubmatch(line); m != nil {
		if x, err := strconv.ParseUint(m[1], 10, 64); err == nil {
			p.progress.Size = x * 1024
		}
	}
	if m := reTime.FindStringSubmatch(line); m != nil {
		h, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		s, _ := strconv.Atoi(m[3])
		frac, _ := strconv.ParseFloat("0."+m[4], 64)
		p.progress.Time = float64(h*3600+mm*60+s) + frac
	}
	if m := reBitrate.FindStringSubmatch(line); m != nil {
		p.progress.Bitrate, _ = strconv.ParseFloat(m[1], 64)
	}
	if m := reSpeed.FindStringSubmatch(line); m != nil {
		p.progress.Speed, _ = strconv.ParseFloat(m[1], 64)
	}
	if m := reDrop.FindStringSubmatch(line); m != nil {
		p.progress.Drop, _ = strconv.ParseUint(m[1], 10, 64)
	}
	if m := reDup.FindStringSubmatch(line); m != nil {
		p.progress.Dup, _ = strconv.ParseUint(m[1], 10, 64)
	}

	// frame=0 still counts as progress for the watchdog
	return p.progress.Frame + 1
}

func isErrorLine(line string) bool {
	l := strings.ToLower(line)
	return strings.Contains(l, "error") || strings.Contains(l, "failed") || strings.Contains(l, "invalid")
}

func (p *parser) ResetStats() {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.progress = Progress{}
}

func (p *parser) ResetLog() {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.log = ring.New(p.logLines)
	p.lastError = ""
}

func (p *parser) Log() []process.Line {
	var out []process.Line
	p.lock.RLock()
	p.log.Do(func(v interface{}) {
		if v != nil {
			out = append(out, v.(process.Line))
		}
	})
	p.lock.RUnlock()
	return out
}

func (p *parser) Progress() Progress {
	p.lock.RLock()
	defer p.lock.RUnlock()
	return p.progress
}

func (p *parser) LastError() string {
	p.lock.RLock()
	defer p.lock.RUnlock()
	return p.lastError
}
