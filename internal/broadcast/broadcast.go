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

// Package broadcast publishes per-run progress deltas to best-effort
// subscribers, rate-limited so a fast-moving crawl doesn't flood a slow
// consumer.
package broadcast

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/crawlplane/ctlmaster/internal/domain"
)

// DefaultInterval is the minimum spacing between non-transition updates
// for a single run.
const DefaultInterval = 15 * time.Second

// subscriberBuffer bounds how many updates a slow subscriber can lag by
// before updates are dropped for it. Delivery is best-effort: a dropped
// update is never retransmitted.
const subscriberBuffer = 32

// Update is a single progress delta for one run.
type Update struct {
	RunID         string          `json:"run_id"`
	ProjectID     string          `json:"project_id"`
	SpiderID      string          `json:"spider_id"`
	State         domain.RunState `json:"state"`
	ItemsCount    int64           `json:"items_count"`
	RequestsCount int64           `json:"requests_count"`
	Transition    bool            `json:"transition"`
	At            time.Time       `json:"at"`
}

// Hub fans an Update out to every currently-subscribed channel. It never
// blocks a publisher on a slow subscriber: a subscriber whose buffer is
// full simply misses the update.
type Hub struct {
	mu   sync.RWMutex
	subs map[chan Update]struct{}
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[chan Update]struct{})}
}

// Subscribe registers a new receiver and returns its channel plus an
// unsubscribe function the caller must invoke when done.
func (h *Hub) Subscribe() (<-chan Update, func()) {
	ch := make(chan Update, subscriberBuffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	unsubscribe := func() {
		h.mu.Lock()
		if _, ok := h.subs[ch]; ok {
			delete(h.subs, ch)
			close(ch)
		}
		h.mu.Unlock()
	}
	return ch, unsubscribe
}

// publish fans out to every subscriber, dropping the update for any
// whose buffer is currently full.
func (h *Hub) publish(u Update) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- u:
		default:
		}
	}
}

// SubscriberCount reports the number of currently-registered subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// GapObserver records the spacing between two progress publishes for
// the same run. Satisfied by *metrics.Collector; a nil Metrics leaves
// this a no-op.
type GapObserver interface {
	ObserveBroadcastGap(seconds float64)
}

// Broadcaster applies the per-run rate-limit policy before handing an
// Update to the Hub: at most one update per run per interval, plus an
// immediate pass-through on every state transition.
type Broadcaster struct {
	hub      *Hub
	logger   *slog.Logger
	interval time.Duration
	metrics  GapObserver

	mu          sync.Mutex
	limiters    map[string]*rate.Limiter
	lastPublish map[string]time.Time
}

// New creates a Broadcaster backed by a fresh Hub. metrics may be nil.
func New(interval time.Duration, metrics GapObserver, logger *slog.Logger) *Broadcaster {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		hub:         NewHub(),
		logger:      logger.With("component", "broadcast"),
		interval:    interval,
		metrics:     metrics,
		limiters:    make(map[string]*rate.Limiter),
		lastPublish: make(map[string]time.Time),
	}
}

// Hub exposes the underlying fan-out hub so transports (e.g. the
// WebSocket handler) can subscribe directly.
func (b *Broadcaster) Hub() *Hub {
	return b.hub
}

// NotifyProgress publishes run as an Update, subject to the rate limit
// unless transition is true (a state change always publishes
// immediately so terminal notifications are never starved).
func (b *Broadcaster) NotifyProgress(run *domain.Run, transition bool) {
	if !transition && !b.allow(run.ID) {
		return
	}

	b.recordGap(run.ID)
	b.hub.publish(Update{
		RunID:         run.ID,
		ProjectID:     run.ProjectID,
		SpiderID:      run.SpiderID,
		State:         run.State,
		ItemsCount:    run.ItemsCount,
		RequestsCount: run.RequestsCount,
		Transition:    transition,
		At:            time.Now(),
	})
}

// Forget releases the rate limiter held for a finished run so the
// limiter map does not grow without bound across the daemon's lifetime.
func (b *Broadcaster) Forget(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.limiters, runID)
	delete(b.lastPublish, runID)
}

// recordGap observes the time since runID's previous publish, then
// updates the bookkeeping for the next one. A run's first publish has
// no prior gap to report.
func (b *Broadcaster) recordGap(runID string) {
	if b.metrics == nil {
		return
	}
	now := time.Now()
	b.mu.Lock()
	prev, ok := b.lastPublish[runID]
	b.lastPublish[runID] = now
	b.mu.Unlock()
	if ok {
		b.metrics.ObserveBroadcastGap(now.Sub(prev).Seconds())
	}
}

func (b *Broadcaster) allow(runID string) bool {
	b.mu.Lock()
	lim, ok := b.limiters[runID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(b.interval), 1)
		b.limiters[runID] = lim
	}
	b.mu.Unlock()
	return lim.Allow()
}
