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

// Package dispatcher consumes the dispatch queue and asks the Worker
// Supervisor to start runs, enforcing global and per-scope concurrency
// ceilings.
package dispatcher

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/crawlplane/ctlmaster/internal/domain"
	"github.com/crawlplane/ctlmaster/internal/queue"
	"github.com/crawlplane/ctlmaster/internal/supervisor"
)

// dequeueWorkers is the number of goroutines concurrently pulling off the
// dispatch queue. Kept above MaxConcurrentRuns so a burst of
// capacity-blocked requests doesn't stall requests for spiders that still
// have room.
const dequeueWorkers = 4

const (
	// DefaultMaxConcurrentRuns is the global concurrency ceiling.
	DefaultMaxConcurrentRuns = 3

	// DefaultMaxPerSpider limits concurrent runs of the same spider.
	DefaultMaxPerSpider = 1

	// DefaultMaxRequeue is the re-queue count past which handle logs that
	// a request has aged to high priority. The ordering itself comes from
	// the queue, which serves higher RequeueCount values first.
	DefaultMaxRequeue = 100

	// requeueDelay is the short delay applied before putting a
	// capacity-blocked request back on the queue.
	requeueDelay = 250 * time.Millisecond
)

// Config configures a Dispatcher.
type Config struct {
	MaxConcurrentRuns int
	MaxPerSpider      int
	MaxPerProject     int // 0 = unlimited
	MaxRequeue        int
}

// Starter is the subset of the Worker Supervisor the Dispatcher depends
// on: start a run, and report current load for capacity checks.
type Starter interface {
	StartRun(ctx context.Context, req supervisor.StartRequest) (string, error)
	ActiveCount() int
}

// DispatchCounter records one run handed off to the Worker Supervisor.
// Satisfied by *metrics.Collector; a nil Metrics leaves this a no-op.
type DispatchCounter interface {
	IncDispatched()
}

// Dispatcher drains the dispatch queue and hands work to a Starter under
// concurrency limits.
type Dispatcher struct {
	cfg     Config
	q       queue.Queue
	starter Starter
	logger  *slog.Logger
	lookup  SpiderLookup
	metrics DispatchCounter

	mu         sync.Mutex
	perSpider  map[string]int
	perProject map[string]int
	byRun      map[string]*domain.DispatchRequest // runID -> reservation, for release on finish

	stopCh chan struct{}
	doneCh chan struct{}
}

// SpiderLookup resolves a DispatchRequest's SpiderID into the data the
// Worker Supervisor needs to launch it (project path, spider name).
type SpiderLookup func(ctx context.Context, spiderID string) (supervisor.StartRequest, error)

// New creates a Dispatcher. metrics may be nil.
func New(cfg Config, q queue.Queue, starter Starter, lookup SpiderLookup, metrics DispatchCounter, logger *slog.Logger) *Dispatcher {
	if cfg.MaxConcurrentRuns <= 0 {
		cfg.MaxConcurrentRuns = DefaultMaxConcurrentRuns
	}
	if cfg.MaxPerSpider <= 0 {
		cfg.MaxPerSpider = DefaultMaxPerSpider
	}
	if cfg.MaxRequeue <= 0 {
		cfg.MaxRequeue = DefaultMaxRequeue
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		cfg:        cfg,
		q:          q,
		starter:    starter,
		lookup:     lookup,
		metrics:    metrics,
		logger:     logger.With("component", "dispatcher"),
		perSpider:  make(map[string]int),
		perProject: make(map[string]int),
		byRun:      make(map[string]*domain.DispatchRequest),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Start begins the consume loop in a background goroutine.
func (d *Dispatcher) Start(ctx context.Context) {
	go d.run(ctx)
}

// Stop signals the consume loop to exit and waits for it to finish.
func (d *Dispatcher) Stop() {
	close(d.stopCh)
	<-d.doneCh
}

func (d *Dispatcher) run(ctx context.Context) {
	defer close(d.doneCh)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < dequeueWorkers; i++ {
		g.Go(func() error {
			d.consumeLoop(gctx)
			return nil
		})
	}
	_ = g.Wait()
}

// consumeLoop repeatedly dequeues and handles requests. Several of these
// run concurrently so one capacity-blocked spider can't hold up dispatch
// of a request that still has room.
func (d *Dispatcher) consumeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		default:
		}

		req, err := d.q.Dequeue(ctx)
		if err != nil {
			return // context cancelled or queue closed
		}

		d.handle(ctx, req)
	}
}

// handle attempts to start req's run. If capacity is exhausted it
// re-queues the request after a short delay and bumps its RequeueCount;
// the queue serves higher counts first, so a request moves ahead of
// less-requeued ones from its first requeue on. Passing MaxRequeue only
// logs a warning and changes nothing else.
func (d *Dispatcher) handle(ctx context.Context, req *domain.DispatchRequest) {
	start, err := d.lookup(ctx, req.SpiderID)
	if err != nil {
		d.logger.Error("spider lookup failed", "spider_id", req.SpiderID, "error", err)
		return
	}
	if req.ProjectID == "" {
		req.ProjectID = start.ProjectID
	}

	if !d.hasCapacity(req) {
		req.RequeueCount++
		if req.RequeueCount > d.cfg.MaxRequeue {
			d.logger.Warn("dispatch request aged to high priority", "schedule_id", req.ScheduleID, "spider_id", req.SpiderID)
		}
		go func() {
			time.Sleep(requeueDelay)
			_ = d.q.Enqueue(ctx, req)
		}()
		return
	}

	start.ScheduleID = req.ScheduleID
	start.Settings = req.Settings

	d.reserve(req)
	runID, err := d.starter.StartRun(ctx, start)
	if err != nil {
		d.release(req)
		d.logger.Error("start run failed", "spider_id", req.SpiderID, "error", err)
		return
	}

	d.mu.Lock()
	d.byRun[runID] = req
	d.mu.Unlock()

	if d.metrics != nil {
		d.metrics.IncDispatched()
	}
	d.logger.Info("dispatched run", "run_id", runID, "spider_id", req.SpiderID)
}

// ReleaseRun frees the per-spider/per-project reservation held for runID.
// Wire this as the Worker Supervisor's OnFinished callback so a
// completed run's slot becomes available to the next dispatch.
func (d *Dispatcher) ReleaseRun(runID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	req, ok := d.byRun[runID]
	if !ok {
		return
	}
	delete(d.byRun, runID)
	d.perSpider[req.SpiderID]--
	d.perProject[req.ProjectID]--
}

// hasCapacity checks the global and per-spider/per-project ceilings.
// handle fills an unset ProjectID from the spider lookup first, so
// scheduled and manual requests are counted against their project alike.
func (d *Dispatcher) hasCapacity(req *domain.DispatchRequest) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.starter.ActiveCount() >= d.cfg.MaxConcurrentRuns {
		return false
	}
	if d.perSpider[req.SpiderID] >= d.cfg.MaxPerSpider {
		return false
	}
	if d.cfg.MaxPerProject > 0 && d.perProject[req.ProjectID] >= d.cfg.MaxPerProject {
		return false
	}
	return true
}

func (d *Dispatcher) reserve(req *domain.DispatchRequest) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.perSpider[req.SpiderID]++
	d.perProject[req.ProjectID]++
}

func (d *Dispatcher) release(req *domain.DispatchRequest) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.perSpider[req.SpiderID]--
	d.perProject[req.ProjectID]--
}
