// Copyright (c) 2026 Kevin Zang (kevinzang). All rights reserved.
// Use of this source code is governed by the MIT License.
//
// LiveStreamer - FFmpeg 直播推流调度工具

package supervisor

import (
	"errors"
	"sync"
	"time"

	"github.com/ZSC714725/livestreamer/internal/ffmpeg"
	"github.com/ZSC714725/livestreamer/internal/ffmpeg/parse"
	"github.com/ZSC714725/livestreamer/internal/media"
	"github.com/ZSC714725/livestreamer/internal/process"
)

type fakeMedia map[string]string

func (m fakeMedia) Lookup(ref string) (string, error) {
	if p, ok := m[ref]; ok {
		return p, nil
	}
	return "", media.ErrNotFound
}

type fakeProc struct {
	mu        sync.Mutex
	running   bool
	stopCalls int
	killCalls int
	onExit    func(process.Exit)
	parser    process.Parser
	exits     *sync.WaitGroup

	// holdExit keeps the exit caused by Stop until release is called.
	holdExit bool
	held     *process.Exit
	// hang makes Stop block until Kill.
	hang chan struct{}
}

func (p *fakeProc) Start() error {
	p.mu.Lock()
	p.running = true
	p.mu.Unlock()
	return nil
}

// Stop reports the interrupted exit asynchronously, like a real encoder.
func (p *fakeProc) Stop(time.Duration) error {
	p.mu.Lock()
	p.stopCalls++
	wasRunning := p.running
	p.running = false
	hang := p.hang
	e := process.Exit{Code: 255}
	if wasRunning && p.holdExit {
		p.held = &e
		wasRunning = false
	}
	p.mu.Unlock()

	if hang != nil {
		<-hang
	}
	if wasRunning {
		p.exits.Add(1)
		go func() {
			defer p.exits.Done()
			p.onExit(e)
		}()
	}
	return nil
}

func (p *fakeProc) Kill() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.killCalls++
	if p.hang != nil {
		close(p.hang)
		p.hang = nil
	}
	return nil
}

func (p *fakeProc) Status() process.Status {
	return process.Status{State: "running", CPU: 12.5, Memory: 64 << 20}
}

func (p *fakeProc) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// exit simulates the encoder ending on its own.
func (p *fakeProc) exit(e process.Exit) {
	p.mu.Lock()
	p.running = false
	p.mu.Unlock()
	p.onExit(e)
}

// stderr feeds one encoder output line to the run's parser.
func (p *fakeProc) stderr(line string) {
	p.parser.Parse(line)
}

// release delivers an exit held back by holdExit.
func (p *fakeProc) release() {
	p.mu.Lock()
	e := p.held
	p.held = nil
	p.mu.Unlock()
	if e != nil {
		p.onExit(*e)
	}
}

func (p *fakeProc) stops() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopCalls
}

func (p *fakeProc) kills() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killCalls
}

type fakeFFmpeg struct {
	mu       sync.Mutex
	procs    []*fakeProc
	plans    [][]string
	failNext bool
	// configure is applied to each new process
	configure func(*fakeProc)
	exits     sync.WaitGroup
}

func (f *fakeFFmpeg) New(config ffmpeg.ProcessConfig) (process.Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return nil, errors.New("exec: no such file")
	}
	p := &fakeProc{onExit: config.OnExit, parser: config.Parser, exits: &f.exits}
	if f.configure != nil {
		f.configure(p)
		f.configure = nil
	}
	f.procs = append(f.procs, p)
	f.plans = append(f.plans, config.Args)
	return p, nil
}

func (f *fakeFFmpeg) NewParser() parse.Parser {
	return parse.New(parse.Config{LogLines: 10})
}

func (f *fakeFFmpeg) ValidateOutput(address string) bool {
	return ffmpeg.DefaultOutputValidator().IsValid(address)
}

func (f *fakeFFmpeg) Capabilities() ffmpeg.Capabilities {
	return ffmpeg.Capabilities{Version: "test", AudioEncoders: []string{"aac"}, Muxers: []string{"flv"}}
}

func (f *fakeFFmpeg) spawned() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.procs)
}

func (f *fakeFFmpeg) last() (*fakeProc, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.procs[len(f.procs)-1], f.plans[len(f.plans)-1]
}

// wait blocks until every exit delivered by Stop has been handled.
func (f *fakeFFmpeg) wait() { f.exits.Wait() }
