// Copyright (c) 2026 Kevin Zang (kevinzang). All rights reserved.
// Use of this source code is governed by the MIT License.
//
// LiveStreamer - FFmpeg 直播推流调度工具

package supervisor

import (
	"context"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZSC714725/livestreamer/internal/clock"
	"github.com/ZSC714725/livestreamer/internal/metrics"
	"github.com/ZSC714725/livestreamer/internal/process"
	"github.com/ZSC714725/livestreamer/internal/store"
	"github.com/ZSC714725/livestreamer/internal/stream"
	"github.com/ZSC714725/livestreamer/internal/tracker"
)

var t0 = time.Date(2026, 3, 2, 20, 0, 0, 0, time.UTC)

type harness struct {
	sup   *Supervisor
	repo  *store.Store
	ff    *fakeFFmpeg
	clock *clock.Fake
	track *tracker.Tracker
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	repo, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "sup.db"), store.DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	c := clock.NewFake(t0)
	tr := tracker.New(c, zerolog.Nop())
	ff := &fakeFFmpeg{}
	t.Cleanup(ff.wait)
	sup := New(Config{
		Repository: repo,
		Media:      fakeMedia{"show.mp4": "/media/show.mp4", "music.mp3": "/media/music.mp3"},
		FFmpeg:     ff,
		Tracker:    tr,
		Clock:      c,
		Metrics:    metrics.New(),
		Logger:     zerolog.Nop(),
		Options:    opts,
	})
	return &harness{sup: sup, repo: repo, ff: ff, clock: c, track: tr}
}

func (h *harness) create(t *testing.T, cfg *stream.Config) string {
	t.Helper()
	require.NoError(t, h.repo.Create(context.Background(), cfg))
	return cfg.ID
}

func (h *harness) get(t *testing.T, id string) *stream.Config {
	t.Helper()
	cfg, err := h.repo.Get(context.Background(), id)
	require.NoError(t, err)
	return cfg
}

func oneOff(minutes int64) *stream.Config {
	return &stream.Config{
		Title:           "Evening show",
		VideoRef:        "show.mp4",
		RTMPURL:         "rtmp://live.example.com/app",
		StreamKey:       "abc",
		DurationMinutes: minutes,
		ScheduleType:    stream.ScheduleOnce,
	}
}

func durationArg(t *testing.T, args []string) int64 {
	t.Helper()
	for i, a := range args {
		if a == "-t" {
			n, err := strconv.ParseInt(args[i+1], 10, 64)
			require.NoError(t, err)
			return n
		}
	}
	t.Fatalf("no -t in %v", args)
	return 0
}

func TestStartGoesLive(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	id := h.create(t, oneOff(90))

	require.NoError(t, h.sup.Start(context.Background(), id))

	cfg := h.get(t, id)
	assert.Equal(t, stream.StatusLive, cfg.Status)
	require.NotNil(t, cfg.ActualStartTime)
	assert.True(t, cfg.ActualStartTime.Equal(t0))
	assert.True(t, h.sup.IsRunning(id))

	_, args := h.ff.last()
	assert.Equal(t, int64(5400), durationArg(t, args))
	assert.Equal(t, "rtmp://live.example.com/app/abc", args[len(args)-1])

	entry, ok := h.track.Get(id)
	require.True(t, ok)
	assert.Equal(t, t0.Add(90*time.Minute), entry.ExpectedEnd)
}

func TestStartTwiceFails(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	id := h.create(t, oneOff(30))

	require.NoError(t, h.sup.Start(context.Background(), id))
	require.ErrorIs(t, h.sup.Start(context.Background(), id), stream.ErrAlreadyRunning)
	assert.Equal(t, 1, h.ff.spawned())
}

func TestStartConcurrentSpawnsOnce(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	id := h.create(t, oneOff(30))

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- h.sup.Start(context.Background(), id)
		}()
	}
	wg.Wait()
	close(errs)

	ok := 0
	for err := range errs {
		if err == nil {
			ok++
		} else {
			assert.ErrorIs(t, err, stream.ErrAlreadyRunning)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, h.ff.spawned())
}

func TestStartMissingMedia(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	cfg := oneOff(30)
	cfg.VideoRef = "gone.mp4"
	id := h.create(t, cfg)

	err := h.sup.Start(context.Background(), id)
	require.ErrorIs(t, err, stream.ErrMediaNotFound)
	assert.Equal(t, 0, h.ff.spawned())
	assert.Equal(t, stream.StatusOffline, h.get(t, id).Status)
	assert.False(t, h.sup.IsRunning(id))
}

func TestStartMissingAudioFallsBack(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	cfg := oneOff(30)
	cfg.AudioRef = "gone.mp3"
	id := h.create(t, cfg)

	require.NoError(t, h.sup.Start(context.Background(), id))
	_, args := h.ff.last()
	assert.NotContains(t, args, "-map")
}

func TestStartSpawnFailureLeavesStatus(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	id := h.create(t, oneOff(30))
	h.ff.failNext = true

	require.Error(t, h.sup.Start(context.Background(), id))
	assert.Equal(t, stream.StatusOffline, h.get(t, id).Status)
	assert.False(t, h.sup.IsRunning(id))
	assert.False(t, h.track.Has(id))
}

func TestStartUnknownStream(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	require.ErrorIs(t, h.sup.Start(context.Background(), "nope"), stream.ErrNotFound)
}

func TestInvertedWindowUsesHours(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	cfg := oneOff(0)
	start, end := t0.Add(time.Hour), t0
	cfg.ScheduleStart, cfg.ScheduleEnd = &start, &end
	cfg.DurationHours = 2
	id := h.create(t, cfg)

	require.NoError(t, h.sup.Start(context.Background(), id))
	_, args := h.ff.last()
	assert.Equal(t, int64(7200), durationArg(t, args))
}

func TestUnboundedStreamHasNoDuration(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	id := h.create(t, oneOff(0))

	require.NoError(t, h.sup.Start(context.Background(), id))
	_, args := h.ff.last()
	assert.NotContains(t, args, "-t")
	assert.False(t, h.track.Has(id))

	rs, err := h.sup.RuntimeStatus(context.Background(), id)
	require.NoError(t, err)
	assert.Nil(t, rs.RemainingSeconds)
	assert.Equal(t, StateRunning, rs.State)
}

func TestCrashRestartsWithRemainingDuration(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	id := h.create(t, oneOff(60))
	require.NoError(t, h.sup.Start(context.Background(), id))

	h.clock.Advance(30 * time.Minute)
	proc, _ := h.ff.last()
	proc.exit(process.Exit{Code: 1})

	rs, err := h.sup.RuntimeStatus(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StateRestarting, rs.State)
	assert.Equal(t, 1, rs.Retries)
	assert.Equal(t, stream.StatusLive, rs.Status)

	h.clock.Advance(3 * time.Second)
	require.Equal(t, 2, h.ff.spawned())
	_, args := h.ff.last()
	assert.Equal(t, int64(3600-1800-3), durationArg(t, args))

	// ActualStartTime keeps the first start.
	assert.True(t, h.get(t, id).ActualStartTime.Equal(t0))
}

func TestRetriesExhausted(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	id := h.create(t, oneOff(60))
	require.NoError(t, h.sup.Start(context.Background(), id))

	for range 3 {
		h.clock.Advance(time.Minute)
		proc, _ := h.ff.last()
		proc.exit(process.Exit{Code: 1})
		h.clock.Advance(3 * time.Second)
	}
	require.Equal(t, 4, h.ff.spawned())

	proc, _ := h.ff.last()
	proc.exit(process.Exit{Signaled: true, Signal: "segmentation fault"})
	h.clock.Advance(time.Minute)

	assert.Equal(t, 4, h.ff.spawned())
	assert.False(t, h.sup.IsRunning(id))
	assert.False(t, h.track.Has(id))

	cfg := h.get(t, id)
	assert.Equal(t, stream.StatusOffline, cfg.Status)
	assert.Contains(t, cfg.LastError, "failed 4 times")
}

func TestGiveUpKeepsEncoderError(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxRetries = 0
	h := newHarness(t, opts)
	id := h.create(t, oneOff(60))
	require.NoError(t, h.sup.Start(context.Background(), id))

	proc, _ := h.ff.last()
	proc.stderr("[tcp @ 0x55d0] Connection to tcp://live.example.com:1935 failed: Connection refused")
	proc.stderr("Error opening output rtmp://live.example.com/app/abc: Connection refused")
	proc.exit(process.Exit{Code: 1})

	cfg := h.get(t, id)
	assert.Equal(t, stream.StatusOffline, cfg.Status)
	assert.Equal(t, "encoder failed 1 times, last: exit code 1: Error opening output rtmp://live.example.com/app/abc: Connection refused", cfg.LastError)
}

func TestCrashesFarApartKeepRestarting(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	id := h.create(t, oneOff(600))
	require.NoError(t, h.sup.Start(context.Background(), id))

	for range 6 {
		h.clock.Advance(10 * time.Minute)
		proc, _ := h.ff.last()
		proc.exit(process.Exit{Code: 1})
		h.clock.Advance(3 * time.Second)
	}

	assert.Equal(t, 7, h.ff.spawned())
	rs, err := h.sup.RuntimeStatus(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StateRunning, rs.State)
	assert.Equal(t, 1, rs.Retries)
	assert.Equal(t, stream.StatusLive, rs.Status)
}

func TestCleanExitAtEndCompletes(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	cfg := oneOff(60)
	cfg.ScheduleType = stream.ScheduleDaily
	cfg.Recurring = stream.Recurrence{TimeOfDay: "20:00", Enabled: true}
	id := h.create(t, cfg)
	require.NoError(t, h.sup.Start(context.Background(), id))

	h.clock.Advance(time.Hour - 2*time.Second)
	proc, _ := h.ff.last()
	proc.exit(process.Exit{})

	assert.False(t, h.sup.IsRunning(id))
	assert.Equal(t, stream.StatusScheduled, h.get(t, id).Status)
	assert.Equal(t, 1, h.ff.spawned())
}

func TestCrashAfterEndIsNotRetried(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	id := h.create(t, oneOff(10))
	require.NoError(t, h.sup.Start(context.Background(), id))

	h.clock.Advance(10 * time.Minute)
	proc, _ := h.ff.last()
	proc.exit(process.Exit{Code: 255})
	h.clock.Advance(time.Minute)

	assert.Equal(t, 1, h.ff.spawned())
	cfg := h.get(t, id)
	assert.Equal(t, stream.StatusOffline, cfg.Status)
	assert.Empty(t, cfg.LastError)
}

func TestCleanEarlyExitIsNotRestarted(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	id := h.create(t, oneOff(60))
	require.NoError(t, h.sup.Start(context.Background(), id))

	h.clock.Advance(5 * time.Minute)
	proc, _ := h.ff.last()
	proc.exit(process.Exit{})
	h.clock.Advance(time.Minute)

	assert.Equal(t, 1, h.ff.spawned())
	assert.False(t, h.sup.IsRunning(id))
	assert.Equal(t, stream.StatusOffline, h.get(t, id).Status)
}

func TestRestartWithNoTimeLeftCompletes(t *testing.T) {
	opts := DefaultOptions()
	opts.RetryBackoff = 20 * time.Second
	h := newHarness(t, opts)
	id := h.create(t, oneOff(1))
	require.NoError(t, h.sup.Start(context.Background(), id))

	h.clock.Advance(50 * time.Second)
	proc, _ := h.ff.last()
	proc.exit(process.Exit{Code: 1})
	h.clock.Advance(20 * time.Second)

	assert.Equal(t, 1, h.ff.spawned())
	assert.False(t, h.sup.IsRunning(id))
	assert.Equal(t, stream.StatusOffline, h.get(t, id).Status)
}

func TestStopIsIdempotent(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	id := h.create(t, oneOff(60))

	require.NoError(t, h.sup.Stop(context.Background(), id, ReasonUser))
	require.NoError(t, h.sup.Start(context.Background(), id))

	var wg sync.WaitGroup
	for _, reason := range []string{ReasonUser, ReasonOverrun, ReasonUser} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, h.sup.Stop(context.Background(), id, reason))
		}()
	}
	wg.Wait()

	proc, _ := h.ff.last()
	assert.Equal(t, 1, proc.stops())
	assert.False(t, h.sup.IsRunning(id))
	assert.False(t, h.track.Has(id))

	cfg := h.get(t, id)
	assert.Equal(t, stream.StatusOffline, cfg.Status)
	assert.Nil(t, cfg.ActualStartTime)
}

func TestExitAfterStopIsIgnored(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	id := h.create(t, oneOff(60))
	require.NoError(t, h.sup.Start(context.Background(), id))
	proc, _ := h.ff.last()

	require.NoError(t, h.sup.Stop(context.Background(), id, ReasonUser))
	proc.exit(process.Exit{Signaled: true, Signal: "interrupt"})
	h.clock.Advance(time.Minute)

	assert.Equal(t, 1, h.ff.spawned())
	assert.False(t, h.sup.IsRunning(id))
	assert.Empty(t, h.get(t, id).LastError)
}

func TestStopCancelsPendingRestart(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	id := h.create(t, oneOff(60))
	require.NoError(t, h.sup.Start(context.Background(), id))

	proc, _ := h.ff.last()
	proc.exit(process.Exit{Code: 1})
	require.NoError(t, h.sup.Stop(context.Background(), id, ReasonUser))
	h.clock.Advance(time.Minute)

	assert.Equal(t, 1, h.ff.spawned())
	assert.Equal(t, 0, h.clock.Pending())
	assert.Equal(t, stream.StatusOffline, h.get(t, id).Status)
}

func TestLateExitAfterRestartByUserIgnored(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	id := h.create(t, oneOff(60))
	ctx := context.Background()

	h.ff.configure = func(p *fakeProc) { p.holdExit = true }
	require.NoError(t, h.sup.Start(ctx, id))
	first, _ := h.ff.last()
	require.NoError(t, h.sup.Stop(ctx, id, ReasonUser))

	require.NoError(t, h.sup.Start(ctx, id))
	second, _ := h.ff.last()

	// the interrupted first encoder reports its exit only now
	first.release()
	h.clock.Advance(time.Minute)

	assert.Equal(t, 2, h.ff.spawned())
	assert.True(t, second.IsRunning())
	assert.Equal(t, 0, second.stops())

	rs, err := h.sup.RuntimeStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateRunning, rs.State)
	assert.Equal(t, 0, rs.Retries)
	assert.Equal(t, stream.StatusLive, rs.Status)
}

func TestStaleExitFromOldGenerationIgnored(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	id := h.create(t, oneOff(60))
	require.NoError(t, h.sup.Start(context.Background(), id))

	first, _ := h.ff.last()
	first.exit(process.Exit{Code: 1})
	h.clock.Advance(3 * time.Second)
	require.Equal(t, 2, h.ff.spawned())

	// a late duplicate callback for the first process
	first.exit(process.Exit{Code: 1})
	h.clock.Advance(time.Minute)

	assert.Equal(t, 2, h.ff.spawned())
	rs, err := h.sup.RuntimeStatus(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StateRunning, rs.State)
	assert.Equal(t, 1, rs.Retries)
}

func TestReconcile(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	ctx := context.Background()

	orphan := h.create(t, oneOff(60))
	require.NoError(t, h.repo.MarkLive(ctx, orphan, t0))

	fixed, err := h.sup.Reconcile(ctx, orphan)
	require.NoError(t, err)
	assert.True(t, fixed)
	cfg := h.get(t, orphan)
	assert.Equal(t, stream.StatusOffline, cfg.Status)
	assert.Nil(t, cfg.ActualStartTime)

	running := h.create(t, oneOff(60))
	require.NoError(t, h.sup.Start(ctx, running))
	fixed, err = h.sup.Reconcile(ctx, running)
	require.NoError(t, err)
	assert.False(t, fixed)
	assert.Equal(t, stream.StatusLive, h.get(t, running).Status)
}

func TestExpire(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	cfg := oneOff(60)
	start := t0.Add(-time.Hour)
	cfg.ScheduleStart = &start
	id := h.create(t, cfg)
	require.Equal(t, stream.StatusScheduled, h.get(t, id).Status)

	require.NoError(t, h.sup.Expire(context.Background(), id, "scheduled start missed"))
	cfg = h.get(t, id)
	assert.Equal(t, stream.StatusOffline, cfg.Status)
	assert.Equal(t, "scheduled start missed", cfg.LastError)
}

func TestRuntimeStatus(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	id := h.create(t, oneOff(60))
	ctx := context.Background()

	rs, err := h.sup.RuntimeStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, rs.State)
	assert.Equal(t, stream.StatusOffline, rs.Status)

	require.NoError(t, h.sup.Start(ctx, id))
	h.clock.Advance(10 * time.Minute)

	rs, err = h.sup.RuntimeStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, stream.StatusLive, rs.Status)
	require.NotNil(t, rs.RemainingSeconds)
	assert.Equal(t, int64(50*60), *rs.RemainingSeconds)
	assert.Equal(t, 12.5, rs.CPU)
	assert.NotNil(t, rs.Progress)
	assert.NotEmpty(t, rs.Command)
}

func TestShutdownStopsAll(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	ctx := context.Background()
	a := h.create(t, oneOff(60))
	b := h.create(t, oneOff(60))
	require.NoError(t, h.sup.Start(ctx, a))
	require.NoError(t, h.sup.Start(ctx, b))

	require.NoError(t, h.sup.Shutdown(ctx))
	assert.False(t, h.sup.IsRunning(a))
	assert.False(t, h.sup.IsRunning(b))
	assert.Equal(t, stream.StatusOffline, h.get(t, a).Status)
	assert.Equal(t, stream.StatusOffline, h.get(t, b).Status)
	assert.Equal(t, 0, h.track.Len())
}

func TestShutdownKillsAfterDeadline(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	id := h.create(t, oneOff(60))
	h.ff.configure = func(p *fakeProc) { p.hang = make(chan struct{}) }
	require.NoError(t, h.sup.Start(context.Background(), id))
	proc, _ := h.ff.last()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, h.sup.Shutdown(ctx), context.DeadlineExceeded)
	assert.Equal(t, 1, proc.kills())

	require.Eventually(t, func() bool {
		cfg, err := h.repo.Get(context.Background(), id)
		return err == nil && cfg.Status == stream.StatusOffline
	}, time.Second, 5*time.Millisecond)
	assert.False(t, h.sup.IsRunning(id))
}
