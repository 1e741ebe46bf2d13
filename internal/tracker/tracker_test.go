// Copyright (c) 2026 Kevin Zang (kevinzang). All rights reserved.
// Use of this source code is governed by the MIT License.
//
// LiveStreamer - FFmpeg 直播推流调度工具

package tracker

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZSC714725/livestreamer/internal/clock"
)

func TestSetRejectsNonPositive(t *testing.T) {
	tr := New(clock.NewFake(time.Now()), zerolog.Nop())
	assert.False(t, tr.Set("a", time.Now(), 0))
	assert.False(t, tr.Set("a", time.Now(), -time.Second))
	assert.False(t, tr.Has("a"))
	assert.Zero(t, tr.Len())
}

func TestRemaining(t *testing.T) {
	start := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	c := clock.NewFake(start)
	tr := New(c, zerolog.Nop())

	require.True(t, tr.Set("a", start, time.Hour))
	e, ok := tr.Get("a")
	require.True(t, ok)
	assert.Equal(t, start.Add(time.Hour), e.ExpectedEnd)
	assert.Equal(t, time.Hour, e.OriginalDuration)

	c.Advance(20 * time.Minute)
	ms, ok := tr.RemainingMs("a")
	require.True(t, ok)
	assert.Equal(t, int64(40*60*1000), ms)

	c.Advance(2 * time.Hour)
	left, ok := tr.Remaining("a")
	require.True(t, ok)
	assert.Zero(t, left)

	_, ok = tr.Remaining("missing")
	assert.False(t, ok)
}

func TestClear(t *testing.T) {
	tr := New(nil, zerolog.Nop())
	tr.Set("a", time.Now(), time.Minute)
	tr.Clear("a")
	tr.Clear("a")
	assert.False(t, tr.Has("a"))
}
