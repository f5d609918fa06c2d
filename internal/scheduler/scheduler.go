// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package scheduler implements the Scheduler component: it periodically
// loads due Schedules, advances each one with a compare-and-set, and
// emits a DispatchRequest for every advance that wins its race.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/crawlplane/ctlmaster/internal/domain"
	"github.com/crawlplane/ctlmaster/internal/queue"
	"github.com/crawlplane/ctlmaster/internal/store"
	conductorerrors "github.com/crawlplane/ctlmaster/pkg/errors"
)

const (
	// DefaultTickInterval is how often the Scheduler polls for due
	// schedules.
	DefaultTickInterval = 10 * time.Second

	// MinTickInterval is the floor below which a configured tick interval
	// is clamped, so a misconfigured deployment cannot hammer the store.
	MinTickInterval = 1 * time.Second
)

// Config configures a Scheduler.
type Config struct {
	TickInterval time.Duration
}

// Scheduler drives at-most-once cron dispatch. Multiple Scheduler
// instances may run concurrently across daemon replicas; the
// compare-and-set in store.ScheduleStore.AdvanceSchedule ensures only one
// of them turns a given fire into a DispatchRequest.
type Scheduler struct {
	mu       sync.Mutex
	store    store.ScheduleStore
	queue    queue.Queue
	interval time.Duration
	logger   *slog.Logger

	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
}

// New creates a Scheduler backed by store and emitting to q.
func New(cfg Config, st store.ScheduleStore, q queue.Queue, logger *slog.Logger) *Scheduler {
	interval := cfg.TickInterval
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	if interval < MinTickInterval {
		interval = MinTickInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    st,
		queue:    q,
		interval: interval,
		logger:   logger.With("component", "scheduler"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins the tick loop in a background goroutine. Safe to call once;
// a second call is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	go s.run(ctx)
}

// Stop signals the tick loop to exit and waits for it to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)
	<-s.doneCh
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick loads every due schedule and attempts to advance and dispatch each.
// A schedule whose advance loses its compare-and-set race is skipped
// silently: another Scheduler instance (or a previous tick that is still
// catching up) already claimed that fire.
func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now()
	due, err := s.store.LoadDueSchedules(ctx, now)
	if err != nil {
		s.logger.Error("load due schedules failed", "error", err)
		return
	}

	for _, sched := range due {
		if err := s.fire(ctx, sched, now); err != nil {
			var conflict *conductorerrors.ConflictError
			if conductorerrors.As(err, &conflict) {
				s.logger.Debug("schedule advance lost race", "schedule_id", sched.ID)
				continue
			}
			s.logger.Error("schedule fire failed", "schedule_id", sched.ID, "error", err)
		}
	}
}

// fire computes the schedule's next fire time and attempts the
// compare-and-set advance. Missed fires collapse to a single catch-up: if
// a schedule has been due since several cron instants ago (the daemon was
// down, for instance), NextFireTime only advances to the first instant
// after "now", not to every instant that was missed.
func (s *Scheduler) fire(ctx context.Context, sched *domain.Schedule, now time.Time) error {
	cronExpr, err := ParseCron(sched.CronExpr)
	if err != nil {
		return err
	}

	newNext := cronExpr.Next(now)
	expectedNext := sched.NextFireTime

	if err := s.store.AdvanceSchedule(ctx, sched.ID, expectedNext, now, newNext); err != nil {
		return err
	}

	req := &domain.DispatchRequest{
		ID:         uuid.New().String(),
		ScheduleID: sched.ID,
		SpiderID:   sched.SpiderID,
		Settings:   sched.Settings,
		FireTime:   now,
	}
	if err := s.queue.Enqueue(ctx, req); err != nil {
		s.logger.Error("enqueue dispatch request failed", "schedule_id", sched.ID, "error", err)
		return err
	}

	s.logger.Info("schedule fired", "schedule_id", sched.ID, "spider_id", sched.SpiderID, "next_fire_time", newNext)
	return nil
}
