// Copyright (c) 2026 Kevin Zang (kevinzang). All rights reserved.
// Use of this source code is governed by the MIT License.
//
// LiveStreamer - FFmpeg 直播推流调度工具

// Package supervisor owns the encoder process of every running stream.
//
// All lifecycle transitions for one stream id run under that id's mutex, so
// an exit callback, a scheduler overrun stop and a user stop never interleave.
// Different ids never block each other.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ZSC714725/livestreamer/internal/clock"
	"github.com/ZSC714725/livestreamer/internal/ffmpeg"
	"github.com/ZSC714725/livestreamer/internal/ffmpeg/parse"
	"github.com/ZSC714725/livestreamer/internal/logger"
	"github.com/ZSC714725/livestreamer/internal/media"
	"github.com/ZSC714725/livestreamer/internal/metrics"
	"github.com/ZSC714725/livestreamer/internal/process"
	"github.com/ZSC714725/livestreamer/internal/stream"
	"github.com/ZSC714725/livestreamer/internal/tracker"
)

// Stop reasons.
const (
	ReasonUser      = "user"
	ReasonOverrun   = "overrun"
	ReasonShutdown  = "shutdown"
	ReasonCompleted = "completed"
	ReasonFailed    = "failed"
	ReasonAnomalous = "anomalous-exit"
)

// State of a stream inside the supervisor.
type State string

const (
	StateIdle       State = "idle"
	StateStarting   State = "starting"
	StateRunning    State = "running"
	StateRestarting State = "restarting"
	StateStopping   State = "stopping"
)

// Repository is the persistence the supervisor reads and writes.
type Repository interface {
	Get(ctx context.Context, id string) (*stream.Config, error)
	MarkLive(ctx context.Context, id string, startedAt time.Time) error
	MarkStopped(ctx context.Context, id string, status stream.Status, lastError string) error
}

// Options tune retry and termination behavior.
type Options struct {
	MaxRetries   int
	RetryBackoff time.Duration
	StopTimeout  time.Duration
	// EndTolerance is how early an exit still counts as reaching the end.
	EndTolerance time.Duration
	StaleTimeout time.Duration
	// StableAfter is how long an encoder must run before a crash counts
	// as the first of a new series. Zero never resets the count.
	StableAfter time.Duration
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		MaxRetries:   3,
		RetryBackoff: 3 * time.Second,
		StopTimeout:  5 * time.Second,
		EndTolerance: 5 * time.Second,
		StaleTimeout: 60 * time.Second,
		StableAfter:  5 * time.Minute,
	}
}

// Config wires the supervisor's collaborators.
type Config struct {
	Repository Repository
	Media      media.Store
	FFmpeg     ffmpeg.FFmpeg
	Tracker    *tracker.Tracker
	Clock      clock.Clock
	Metrics    *metrics.Metrics
	Logger     zerolog.Logger
	Options    Options
}

// RuntimeStatus is the outward view of one stream.
type RuntimeStatus struct {
	ID               string          `json:"id"`
	Status           stream.Status   `json:"status"`
	State            State           `json:"state"`
	ActualStartTime  *time.Time      `json:"actual_start_time,omitempty"`
	RemainingSeconds *int64          `json:"remaining_seconds,omitempty"`
	Retries          int             `json:"retries"`
	LastError        string          `json:"last_error,omitempty"`
	CPU              float64         `json:"cpu_usage"`
	Memory           uint64          `json:"memory_bytes"`
	Progress         *parse.Progress `json:"progress,omitempty"`
	Command          []string        `json:"command,omitempty"`
}

type run struct {
	id      string
	bounded bool

	mu         sync.Mutex
	state      State
	proc       process.Process
	parser     parse.Parser
	args       []string
	spawnedAt  time.Time
	gen        int
	retries    int
	retryTimer clock.Timer
}

func (r *run) getState() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *run) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// Supervisor starts, watches, restarts and stops encoder processes.
type Supervisor struct {
	repo    Repository
	media   media.Store
	ff      ffmpeg.FFmpeg
	tracker *tracker.Tracker
	clock   clock.Clock
	metrics *metrics.Metrics
	logger  zerolog.Logger
	opts    Options

	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	runs    map[string]*run
	reports map[string]parse.Parser
}

// New creates a Supervisor.
func New(cfg Config) *Supervisor {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Tracker == nil {
		cfg.Tracker = tracker.New(cfg.Clock, cfg.Logger)
	}
	return &Supervisor{
		repo:    cfg.Repository,
		media:   cfg.Media,
		ff:      cfg.FFmpeg,
		tracker: cfg.Tracker,
		clock:   cfg.Clock,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
		opts:    cfg.Options,
		locks:   make(map[string]*sync.Mutex),
		runs:    make(map[string]*run),
		reports: make(map[string]parse.Parser),
	}
}

func (s *Supervisor) lock(id string) func() {
	s.mu.Lock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	s.mu.Unlock()

	l.Lock()
	return l.Unlock
}

func (s *Supervisor) getRun(id string) *run {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs[id]
}

func (s *Supervisor) setRun(r *run) {
	s.mu.Lock()
	s.runs[r.id] = r
	n := len(s.runs)
	s.mu.Unlock()
	s.metrics.SetLive(n)
}

func (s *Supervisor) deleteRun(id string) {
	s.mu.Lock()
	delete(s.runs, id)
	n := len(s.runs)
	s.mu.Unlock()
	s.metrics.SetLive(n)
}

func (s *Supervisor) log(id string) zerolog.Logger {
	return s.logger.With().Str(logger.FieldStreamID, id).Logger()
}

// IsRunning reports whether a process (or a pending restart) exists for id.
func (s *Supervisor) IsRunning(id string) bool {
	return s.getRun(id) != nil
}

// Start launches the encoder for id. It fails with stream.ErrAlreadyRunning
// when a run exists; configuration and media errors are returned as is and
// leave the stored status untouched.
func (s *Supervisor) Start(ctx context.Context, id string) error {
	unlock := s.lock(id)
	defer unlock()

	if s.getRun(id) != nil {
		return stream.ErrAlreadyRunning
	}

	err := s.start(ctx, id)
	if err != nil {
		s.metrics.IncStartFailures()
		log := s.log(id)
		log.Error().Err(err).Msg("start failed")
	}
	return err
}

func (s *Supervisor) start(ctx context.Context, id string) error {
	cfg, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if !s.ff.ValidateOutput(cfg.Destination()) {
		return fmt.Errorf("%w: %v", stream.ErrInvalidConfig, ffmpeg.ErrInvalidDestination)
	}

	duration, bounded := stream.ResolveDuration(cfg)
	paths, err := ffmpeg.ResolveMedia(s.media, cfg, s.log(id))
	if err != nil {
		return err
	}
	args, err := ffmpeg.BuildPlan(cfg, paths, int64(duration/time.Second), bounded)
	if err != nil {
		return err
	}

	r := &run{id: id, bounded: bounded, state: StateStarting}
	if err := s.spawn(r, args); err != nil {
		return fmt.Errorf("spawn encoder: %w", err)
	}

	now := s.clock.Now()
	if bounded {
		s.tracker.Set(id, now, duration)
	}
	r.setState(StateRunning)
	s.setRun(r)

	log := s.log(id)
	if err := s.repo.MarkLive(ctx, id, now); err != nil {
		log.Error().Err(err).Msg("could not record live status, stopping encoder")
		s.halt(r)
		s.tracker.Clear(id)
		s.deleteRun(id)
		return fmt.Errorf("record live status: %w", err)
	}

	s.metrics.IncStarts()
	ev := log.Info().Strs("args", args)
	if bounded {
		ev = ev.Dur("duration", duration)
	}
	ev.Msg("stream live")
	return nil
}

// spawn starts a new process generation for r. Caller holds the id lock.
func (s *Supervisor) spawn(r *run, args []string) error {
	r.mu.Lock()
	r.gen++
	gen := r.gen
	r.mu.Unlock()

	log := s.log(r.id)
	parser := s.ff.NewParser()
	proc, err := s.ff.New(ffmpeg.ProcessConfig{
		Args:         args,
		StaleTimeout: s.opts.StaleTimeout,
		Parser:       parser,
		Logger:       log,
		OnExit: func(e process.Exit) {
			s.handleExit(r, gen, e)
		},
		OnStateChange: func(from, to string) {
			log.Debug().Str("from", from).Str(logger.FieldState, to).Msg("encoder state")
		},
	})
	if err != nil {
		return err
	}
	if err := proc.Start(); err != nil {
		return err
	}

	r.mu.Lock()
	r.proc, r.parser, r.args = proc, parser, args
	r.spawnedAt = s.clock.Now()
	r.mu.Unlock()

	s.mu.Lock()
	s.reports[r.id] = parser
	s.mu.Unlock()
	return nil
}

// handleExit classifies the end of generation gen of r. Exits reach here
// asynchronously, possibly after r was stopped and a new run took its id.
func (s *Supervisor) handleExit(r *run, gen int, exit process.Exit) {
	id := r.id
	unlock := s.lock(id)
	defer unlock()

	if s.getRun(id) != r {
		return
	}
	r.mu.Lock()
	current := r.gen == gen && r.state == StateRunning
	parser, spawnedAt := r.parser, r.spawnedAt
	r.mu.Unlock()
	if !current {
		// stop already handled it, or a newer generation is running
		return
	}

	log := s.log(id).With().Int(logger.FieldExitCode, exit.Code).Logger()
	now := s.clock.Now()
	entry, tracked := s.tracker.Get(id)
	reached := tracked && !now.Before(entry.ExpectedEnd.Add(-s.opts.EndTolerance))

	switch {
	case reached:
		log.Info().Str("exit", exit.String()).Msg("encoder exited at intended end")
		s.finish(r, ReasonCompleted, "")
	case exit.Clean() && tracked:
		log.Warn().Time("expected_end", entry.ExpectedEnd).
			Msg("encoder exited cleanly before intended end, not restarting")
		s.finish(r, ReasonAnomalous, "")
	case exit.Clean():
		log.Info().Msg("encoder finished")
		s.finish(r, ReasonCompleted, "")
	default:
		cause := exit.String()
		if parser != nil {
			if line := parser.LastError(); line != "" {
				cause += ": " + line
			}
		}
		if s.opts.StableAfter > 0 && now.Sub(spawnedAt) >= s.opts.StableAfter {
			r.mu.Lock()
			r.retries = 0
			r.mu.Unlock()
		}
		s.retry(r, cause)
	}
}

// retry schedules a restart or gives up. Caller holds the id lock.
func (s *Supervisor) retry(r *run, cause string) {
	log := s.log(r.id)

	r.mu.Lock()
	if r.retries >= s.opts.MaxRetries {
		attempts := r.retries + 1
		r.mu.Unlock()
		msg := fmt.Sprintf("encoder failed %d times, last: %s", attempts, cause)
		log.Error().Str("cause", cause).Int(logger.FieldAttempt, attempts).Msg("giving up on stream")
		s.finish(r, ReasonFailed, msg)
		return
	}
	r.retries++
	attempt := r.retries
	r.state = StateRestarting
	r.retryTimer = s.clock.AfterFunc(s.opts.RetryBackoff, func() {
		s.restart(r, attempt)
	})
	r.mu.Unlock()

	log.Warn().Str("cause", cause).Int(logger.FieldAttempt, attempt).Dur("backoff", s.opts.RetryBackoff).
		Msg("encoder crashed before intended end, restarting")
}

func (s *Supervisor) restart(r *run, attempt int) {
	unlock := s.lock(r.id)
	defer unlock()

	if s.getRun(r.id) != r {
		return
	}
	r.mu.Lock()
	pending := r.state == StateRestarting && r.retries == attempt
	r.mu.Unlock()
	if !pending {
		return
	}

	log := s.log(r.id)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg, err := s.repo.Get(ctx, r.id)
	if err != nil {
		s.retry(r, "load config: "+err.Error())
		return
	}

	var seconds int64
	if r.bounded {
		remaining, ok := s.tracker.Remaining(r.id)
		seconds = int64(remaining / time.Second)
		if !ok || seconds <= 0 {
			log.Info().Msg("no time left after crash, stream complete")
			s.finish(r, ReasonCompleted, "")
			return
		}
	}

	paths, err := ffmpeg.ResolveMedia(s.media, cfg, log)
	if err != nil {
		s.finish(r, ReasonFailed, err.Error())
		return
	}
	args, err := ffmpeg.BuildPlan(cfg, paths, seconds, r.bounded)
	if err != nil {
		s.finish(r, ReasonFailed, err.Error())
		return
	}

	if err := s.spawn(r, args); err != nil {
		s.retry(r, "spawn: "+err.Error())
		return
	}
	r.setState(StateRunning)
	s.metrics.IncRestarts()
	log.Info().Int(logger.FieldAttempt, attempt).Int64("remaining_seconds", seconds).Msg("encoder restarted")
}

// Stop terminates the stream's encoder. Stopping an idle stream is a no-op,
// and concurrent calls converge: the first does the work, the rest find
// nothing left to stop.
func (s *Supervisor) Stop(ctx context.Context, id, reason string) error {
	unlock := s.lock(id)
	defer unlock()

	r := s.getRun(id)
	if r == nil {
		s.tracker.Clear(id)
		return nil
	}

	log := s.log(id)
	if reason == ReasonOverrun {
		log.Warn().Msg("stream overran its intended end, force stopping")
	} else {
		log.Info().Str(logger.FieldReason, reason).Msg("stopping stream")
	}

	s.halt(r)
	s.finish(r, reason, "")
	return nil
}

// halt moves r to stopping and ends its process. Caller holds the id lock.
func (s *Supervisor) halt(r *run) {
	r.mu.Lock()
	r.state = StateStopping
	if r.retryTimer != nil {
		r.retryTimer.Stop()
		r.retryTimer = nil
	}
	proc := r.proc
	r.mu.Unlock()

	if proc != nil && proc.IsRunning() {
		if err := proc.Stop(s.opts.StopTimeout); err != nil {
			log := s.log(r.id)
			log.Error().Err(err).Msg("encoder did not exit")
		}
	}
}

// finish is the single terminal transition. Caller holds the id lock.
func (s *Supervisor) finish(r *run, reason, lastError string) {
	r.mu.Lock()
	r.state = StateStopping
	if r.retryTimer != nil {
		r.retryTimer.Stop()
		r.retryTimer = nil
	}
	r.mu.Unlock()

	s.tracker.Clear(r.id)
	s.deleteRun(r.id)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	status := stream.StatusOffline
	if cfg, err := s.repo.Get(ctx, r.id); err == nil {
		status = cfg.IdleStatus()
	}
	log := s.log(r.id)
	if err := s.repo.MarkStopped(ctx, r.id, status, lastError); err != nil {
		log.Error().Err(err).Msg("could not record stop")
	}

	s.metrics.IncStops(reason)
	log.Info().Str(logger.FieldReason, reason).Str("status", string(status)).Msg("stream stopped")
}

// Reconcile corrects a stored live status that has no process behind it.
// It reports whether a correction was made.
func (s *Supervisor) Reconcile(ctx context.Context, id string) (bool, error) {
	unlock := s.lock(id)
	defer unlock()

	if s.getRun(id) != nil {
		return false, nil
	}
	cfg, err := s.repo.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if cfg.Status != stream.StatusLive {
		return false, nil
	}

	s.tracker.Clear(id)
	status := cfg.IdleStatus()
	if err := s.repo.MarkStopped(ctx, id, status, "encoder process lost"); err != nil {
		return false, err
	}
	log := s.log(id)
	log.Warn().Str("status", string(status)).Msg("stream marked live without a process, corrected")
	return true, nil
}

// Expire takes a one-off stream out of the schedule without starting it,
// recording cause as its last error.
func (s *Supervisor) Expire(ctx context.Context, id, cause string) error {
	unlock := s.lock(id)
	defer unlock()

	if s.getRun(id) != nil {
		return nil
	}
	cfg, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if cfg.Status != stream.StatusScheduled || cfg.ScheduleType.IsRecurring() {
		return nil
	}
	if err := s.repo.MarkStopped(ctx, id, stream.StatusOffline, cause); err != nil {
		return err
	}
	log := s.log(id)
	log.Warn().Str("cause", cause).Msg("scheduled stream expired")
	return nil
}

// RuntimeStatus returns the stored status merged with live process data.
func (s *Supervisor) RuntimeStatus(ctx context.Context, id string) (RuntimeStatus, error) {
	cfg, err := s.repo.Get(ctx, id)
	if err != nil {
		return RuntimeStatus{}, err
	}

	rs := RuntimeStatus{
		ID:              id,
		Status:          cfg.Status,
		State:           StateIdle,
		ActualStartTime: cfg.ActualStartTime,
		LastError:       cfg.LastError,
	}

	r := s.getRun(id)
	if r == nil {
		return rs, nil
	}

	r.mu.Lock()
	rs.State = r.state
	rs.Retries = r.retries
	rs.Command = r.args
	proc, parser := r.proc, r.parser
	r.mu.Unlock()

	if remaining, ok := s.tracker.Remaining(id); ok {
		secs := int64(remaining / time.Second)
		rs.RemainingSeconds = &secs
	}
	if proc != nil {
		st := proc.Status()
		rs.CPU, rs.Memory = st.CPU, st.Memory
	}
	if parser != nil {
		p := parser.Progress()
		rs.Progress = &p
	}
	return rs, nil
}

// Report returns the encoder log of the current or most recent run.
func (s *Supervisor) Report(id string) []process.Line {
	s.mu.Lock()
	p := s.reports[id]
	s.mu.Unlock()
	if p == nil {
		return nil
	}
	return p.Log()
}

// Shutdown stops every supervised stream. Encoders still running when ctx
// ends are killed outright.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ids := make([]string, 0, len(s.runs))
	for id := range s.runs {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var g errgroup.Group
	for _, id := range ids {
		g.Go(func() error {
			return s.Stop(ctx, id, ReasonShutdown)
		})
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		s.killAll()
		return ctx.Err()
	}
}

func (s *Supervisor) killAll() {
	s.mu.Lock()
	runs := make([]*run, 0, len(s.runs))
	for _, r := range s.runs {
		runs = append(runs, r)
	}
	s.mu.Unlock()

	for _, r := range runs {
		r.mu.Lock()
		proc := r.proc
		r.mu.Unlock()
		if proc == nil {
			continue
		}
		if err := proc.Kill(); err != nil {
			log := s.log(r.id)
			log.Error().Err(err).Msg("kill encoder")
		}
	}
}
