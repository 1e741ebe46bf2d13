// Copyright (c) 2026 Kevin Zang (kevinzang). All rights reserved.
// Use of this source code is governed by the MIT License.
//
// LiveStreamer - FFmpeg 直播推流调度工具

package scheduler

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/ZSC714725/livestreamer/internal/stream"
)

type call struct {
	id     string
	reason string
}

type fakeController struct {
	mu         sync.Mutex
	starts     []string
	stops      []call
	expired    []call
	reconciled []string
	running    map[string]bool
	startErr   map[string]error
	orphans    map[string]bool
}

func newFakeController() *fakeController {
	return &fakeController{
		running:  make(map[string]bool),
		startErr: make(map[string]error),
		orphans:  make(map[string]bool),
	}
}

func (c *fakeController) Start(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.startErr[id]; err != nil {
		return err
	}
	if c.running[id] {
		return stream.ErrAlreadyRunning
	}
	c.starts = append(c.starts, id)
	return nil
}

func (c *fakeController) Stop(_ context.Context, id, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stops = append(c.stops, call{id, reason})
	delete(c.running, id)
	return nil
}

func (c *fakeController) IsRunning(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running[id]
}

func (c *fakeController) Reconcile(_ context.Context, id string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reconciled = append(c.reconciled, id)
	return c.orphans[id], nil
}

func (c *fakeController) Expire(_ context.Context, id, cause string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expired = append(c.expired, call{id, cause})
	return nil
}

func (c *fakeController) started(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Contains(c.starts, id)
}

func (c *fakeController) reconcileCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.reconciled)
}

// memRepo keeps configs in memory. It starts no goroutines, which keeps the
// leak checks honest.
type memRepo struct {
	mu      sync.Mutex
	configs map[string]*stream.Config
}

func newMemRepo(configs ...*stream.Config) *memRepo {
	r := &memRepo{configs: make(map[string]*stream.Config)}
	for _, c := range configs {
		r.configs[c.ID] = c
	}
	return r
}

func (r *memRepo) List(context.Context) ([]*stream.Config, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*stream.Config, 0, len(r.configs))
	for _, c := range r.configs {
		cp := *c
		out = append(out, &cp)
	}
	return out, nil
}

func (r *memRepo) ListByStatus(ctx context.Context, statuses ...stream.Status) ([]*stream.Config, error) {
	all, _ := r.List(ctx)
	var out []*stream.Config
	for _, c := range all {
		for _, s := range statuses {
			if c.Status == s {
				out = append(out, c)
			}
		}
	}
	return out, nil
}

func (r *memRepo) RecordRun(_ context.Context, id string, lastRun, nextRun time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.configs[id]
	c.LastRunAt, c.NextRunAt = &lastRun, &nextRun
	return nil
}

func (r *memRepo) SetNextRun(_ context.Context, id string, nextRun time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs[id].NextRunAt = &nextRun
	return nil
}
