// Copyright (c) 2026 Kevin Zang (kevinzang). All rights reserved.
// Use of this source code is governed by the MIT License.
//
// LiveStreamer - FFmpeg 直播推流调度工具
//
// Package process wraps exec.Cmd for controlling one encoder run.

package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
)

var (
	ErrAlreadyStarted = errors.New("process already started")
	ErrKillFailed     = errors.New("process did not exit after kill")
)

// Process is a single encoder run. It can be started once.
type Process interface {
	Start() error
	Stop(timeout time.Duration) error
	Kill() error
	Status() Status
	IsRunning() bool
}

// Config for a process
type Config struct {
	Binary       string
	Args         []string
	StaleTimeout time.Duration
	Parser       Parser
	Sampler      Sampler
	OnExit       func(Exit)
	// OnStateChange is called asynchronously.
	OnStateChange func(from, to string)
	Logger        zerolog.Logger
}

// Exit describes how the process ended.
type Exit struct {
	Code     int
	Signaled bool
	Signal   string
	Runtime  time.Duration
	Err      error
}

// Clean reports a zero exit code without a signal.
func (e Exit) Clean() bool {
	return e.Err == nil && !e.Signaled && e.Code == 0
}

func (e Exit) String() string {
	switch {
	case e.Signaled:
		return "signal " + e.Signal
	case e.Err != nil:
		return e.Err.Error()
	default:
		return fmt.Sprintf("exit code %d", e.Code)
	}
}

// Status of a process
type Status struct {
	State    string
	Pid      int
	Duration time.Duration
	Time     time.Time
	CPU      float64
	Memory   uint64
}

type stateType string

const (
	stateFinished  stateType = "finished"
	stateStarting  stateType = "starting"
	stateRunning   stateType = "running"
	stateFinishing stateType = "finishing"
	stateFailed    stateType = "failed"
	stateKilled    stateType = "killed"
)

func (s stateType) String() string { return string(s) }

func (s stateType) IsRunning() bool {
	return s == stateStarting || s == stateRunning || s == stateFinishing
}

type process struct {
	binary string
	args   []string
	cmd    *exec.Cmd
	stderr io.ReadCloser

	started   bool
	startedAt time.Time
	startLock sync.Mutex

	state struct {
		state stateType
		time  time.Time
		lock  sync.Mutex
	}
	stale struct {
		last    time.Time
		timeout time.Duration
		cancel  context.CancelFunc
		lock    sync.Mutex
	}

	done    chan struct{}
	parser  Parser
	sampler Sampler
	logger  zerolog.Logger

	onExit        func(Exit)
	onStateChange func(from, to string)
}

// New creates a new process
func New(config Config) (Process, error) {
	if len(config.Binary) == 0 {
		return nil, fmt.Errorf("no valid binary given")
	}

	p := &process{
		binary:        config.Binary,
		args:          config.Args,
		parser:        config.Parser,
		sampler:       config.Sampler,
		logger:        config.Logger,
		done:          make(chan struct{}),
		onExit:        config.OnExit,
		onStateChange: config.OnStateChange,
	}
	if p.parser == nil {
		p.parser = &nullParser{}
	}
	if p.sampler == nil {
		p.sampler = NewNullSampler()
	}

	p.state.state = stateFinished
	p.state.time = time.Now()
	p.stale.timeout = config.StaleTimeout

	return p, nil
}

func (p *process) setState(state stateType) error {
	p.state.lock.Lock()
	defer p.state.lock.Unlock()

	prev := p.state.state
	ok := false

	switch prev {
	case stateFinished:
		ok = state == stateStarting
	case stateStarting:
		ok = state == stateRunning || state == stateFailed
	case stateRunning:
		ok = state == stateFinishing || state == stateFinished || state == stateFailed || state == stateKilled
	case stateFinishing:
		ok = state == stateFinished || state == stateFailed || state == stateKilled
	}

	if !ok {
		return fmt.Errorf("can't change from %s to %s", prev, state)
	}

	p.state.state = state
	p.state.time = time.Now()
	if p.onStateChange != nil {
		go p.onStateChange(prev.String(), state.String())
	}
	return nil
}

func (p *process) getState() stateType {
	p.state.lock.Lock()
	defer p.state.lock.Unlock()
	return p.state.state
}

func (p *process) IsRunning() bool {
	return p.getState().IsRunning()
}

func (p *process) Status() Status {
	cpu, memory := p.sampler.Current()

	p.state.lock.Lock()
	s := Status{
		State:    p.state.state.String(),
		Duration: time.Since(p.state.time),
		Time:     p.state.time,
		CPU:      cpu,
		Memory:   memory,
	}
	p.state.lock.Unlock()

	p.startLock.Lock()
	if p.cmd != nil && p.cmd.Process != nil {
		s.Pid = p.cmd.Process.Pid
	}
	p.startLock.Unlock()
	return s
}

// Start spawns the binary. A nil error means the OS process exists.
func (p *process) Start() error {
	p.startLock.Lock()
	defer p.startLock.Unlock()

	if p.started {
		return ErrAlreadyStarted
	}
	p.started = true

	p.setState(stateStarting)

	var err error
	p.cmd = exec.Command(p.binary, p.args...)
	p.cmd.Env = []string{}
	setProcessGroup(p.cmd)

	p.stderr, err = p.cmd.StderrPipe()
	if err != nil {
		p.setState(stateFailed)
		p.parser.Parse(err.Error())
		close(p.done)
		return err
	}

	if err := p.cmd.Start(); err != nil {
		p.setState(stateFailed)
		p.parser.Parse(err.Error())
		close(p.done)
		return err
	}
	p.startedAt = time.Now()

	if err := p.sampler.Start(p.cmd.Process.Pid); err != nil {
		p.logger.Debug().Err(err).Int("pid", p.cmd.Process.Pid).Msg("sampler unavailable")
	}

	p.setState(stateRunning)

	if p.stale.timeout > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		p.stale.lock.Lock()
		p.stale.cancel = cancel
		p.stale.last = time.Now()
		p.stale.lock.Unlock()
		go p.staler(ctx)
	}

	go p.reader()

	return nil
}

// Stop interrupts the process group and escalates to SIGKILL after timeout.
// It returns once the process has exited.
func (p *process) Stop(timeout time.Duration) error {
	if !p.IsRunning() {
		return nil
	}
	if err := p.setState(stateFinishing); err != nil {
		// already finishing or gone; just wait
		p.logger.Debug().Err(err).Msg("stop while not running")
	}

	if err := interrupt(p.cmd); err != nil {
		p.logger.Debug().Err(err).Msg("interrupt failed, killing")
		_ = kill(p.cmd)
	}

	select {
	case <-p.done:
		return nil
	case <-time.After(timeout):
	}

	p.logger.Warn().Dur("timeout", timeout).Msg("encoder ignored interrupt, sending SIGKILL")
	if err := kill(p.cmd); err != nil {
		p.parser.Parse(err.Error())
	}

	select {
	case <-p.done:
		return nil
	case <-time.After(timeout):
		return ErrKillFailed
	}
}

// Kill sends SIGKILL to the process group without waiting.
func (p *process) Kill() error {
	if !p.IsRunning() {
		return nil
	}
	return kill(p.cmd)
}

func (p *process) staler(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			p.stale.lock.Lock()
			last := p.stale.last
			timeout := p.stale.timeout
			p.stale.lock.Unlock()

			if t.Sub(last) > timeout {
				p.logger.Warn().Dur("timeout", timeout).Msg("no encoder progress, killing")
				_ = kill(p.cmd)
				return
			}
		}
	}
}

func (p *process) reader() {
	scanner := bufio.NewScanner(p.stderr)
	scanner.Split(scanLine)

	p.parser.ResetStats()
	p.parser.ResetLog()

	for scanner.Scan() {
		if p.parser.Parse(scanner.Text()) != 0 {
			p.stale.lock.Lock()
			p.stale.last = time.Now()
			p.stale.lock.Unlock()
		}
	}

	p.waiter()
}

func (p *process) waiter() {
	exit := Exit{}
	err := p.cmd.Wait()
	exit.Runtime = time.Since(p.startedAt)

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		p.setState(stateFinished)
	case errors.As(err, &exitErr):
		exit.Code = exitErr.ExitCode()
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			exit.Signaled = true
			exit.Signal = ws.Signal().String()
			p.setState(stateKilled)
		} else {
			p.setState(stateFailed)
		}
	default:
		exit.Err = err
		exit.Code = -1
		p.setState(stateKilled)
	}

	p.sampler.Stop()

	p.stale.lock.Lock()
	if p.stale.cancel != nil {
		p.stale.cancel()
		p.stale.cancel = nil
	}
	p.stale.lock.Unlock()

	close(p.done)

	if p.onExit != nil {
		go p.onExit(exit)
	}
}

func scanLine(data []byte, atEOF bool) (advance int, token []byte, err error) {
	start := 0
	for start < len(data) {
		r, w := utf8.DecodeRune(data[start:])
		if r != '\n' && r != '\r' {
			break
		}
		start += w
	}

	for i := start; i < len(data); {
		r, w := utf8.DecodeRune(data[i:])
		if r == '\n' || r == '\r' {
			return i + w, data[start:i], nil
		}
		i += w
	}

	if atEOF && len(data) > start {
		return len(data), data[start:], nil
	}
	return start, nil, nil
}

type nullParser struct{}

func (p *nullParser) Parse(line string) uint64 { return 1 }
func (p *nullParser) ResetStats()              {}
func (p *nullParser) ResetLog()                {}
func (p *nullParser) Log() []Line              { return nil }
