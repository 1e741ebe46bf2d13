// Copyright (c) 2026 Kevin Zang (kevinzang). All rights reserved.
// Use of this source code is governed by the MIT License.
//
// LiveStreamer - FFmpeg 直播推流调度工具

package ffmpeg

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/rs/zerolog"

	"github.com/ZSC714725/livestreamer/internal/ffmpeg/parse"
	"github.com/ZSC714725/livestreamer/internal/process"
)

// FFmpeg creates encoder processes for the supervisor.
type FFmpeg interface {
	New(config ProcessConfig) (process.Process, error)
	NewParser() parse.Parser
	ValidateOutput(address string) bool
	Capabilities() Capabilities
}

// ProcessConfig for creating a process
type ProcessConfig struct {
	Args          []string
	StaleTimeout  time.Duration
	Parser        process.Parser
	Logger        zerolog.Logger
	OnExit        func(process.Exit)
	OnStateChange func(from, to string)
}

// Config for FFmpeg
type Config struct {
	Binary          string
	MaxLogLines     int
	ValidatorOutput Validator
}

type ffmpeg struct {
	binary       string
	validatorOut Validator
	logLines     int
	caps         Capabilities
}

// New looks up and probes the binary and returns an FFmpeg.
func New(ctx context.Context, config Config) (FFmpeg, error) {
	binary, err := exec.LookPath(config.Binary)
	if err != nil {
		return nil, fmt.Errorf("invalid ffmpeg binary: %w", err)
	}
	caps, err := Probe(ctx, binary)
	if err != nil {
		return nil, err
	}

	f := &ffmpeg{
		binary:   binary,
		logLines: config.MaxLogLines,
		caps:     caps,
	}
	if f.logLines <= 0 {
		f.logLines = 100
	}

	if config.ValidatorOutput != nil {
		f.validatorOut = config.ValidatorOutput
	} else {
		f.validatorOut = DefaultOutputValidator()
	}

	return f, nil
}

func (f *ffmpeg) New(config ProcessConfig) (process.Process, error) {
	return process.New(process.Config{
		Binary:        f.binary,
		Args:          config.Args,
		StaleTimeout:  config.StaleTimeout,
		Parser:        config.Parser,
		Sampler:       process.NewSysSampler(),
		Logger:        config.Logger,
		OnExit:        config.OnExit,
		OnStateChange: config.OnStateChange,
	})
}

func (f *ffmpeg) NewParser() parse.Parser {
	return parse.New(parse.Config{LogLines: f.logLines})
}

func (f *ffmpeg) ValidateOutput(address string) bool {
	return f.validatorOut.IsValid(address)
}

func (f *ffmpeg) Capabilities() Capabilities {
	return f.caps
}
