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

package dispatcher_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crawlplane/ctlmaster/internal/dispatcher"
	"github.com/crawlplane/ctlmaster/internal/domain"
	"github.com/crawlplane/ctlmaster/internal/queue"
	"github.com/crawlplane/ctlmaster/internal/supervisor"
)

// fakeStarter records StartRun calls and enforces its own active count,
// standing in for the Worker Supervisor.
type fakeStarter struct {
	mu     sync.Mutex
	active int
	starts []supervisor.StartRequest
}

func (f *fakeStarter) StartRun(ctx context.Context, req supervisor.StartRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active++
	f.starts = append(f.starts, req)
	return "run-" + req.SpiderID, nil
}

func (f *fakeStarter) ActiveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

func lookupFixture(ctx context.Context, spiderID string) (supervisor.StartRequest, error) {
	return supervisor.StartRequest{SpiderID: spiderID, SpiderName: spiderID}, nil
}

func TestDispatcher_StartsWithinCapacity(t *testing.T) {
	q := queue.NewMemoryQueue()
	starter := &fakeStarter{}
	d := dispatcher.New(dispatcher.Config{MaxConcurrentRuns: 2, MaxPerSpider: 1}, q, starter, lookupFixture, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)
	defer d.Stop()

	require.NoError(t, q.Enqueue(ctx, &domain.DispatchRequest{ID: "1", SpiderID: "spider-a"}))

	deadline := time.After(2 * time.Second)
	for starter.ActiveCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("dispatcher never started the run")
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
	assert.Equal(t, 1, starter.ActiveCount())
}

func TestDispatcher_SecondRequestForSameSpiderWaitsAtPerSpiderCap(t *testing.T) {
	q := queue.NewMemoryQueue()
	starter := &fakeStarter{}
	d := dispatcher.New(dispatcher.Config{MaxConcurrentRuns: 5, MaxPerSpider: 1}, q, starter, lookupFixture, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)
	defer d.Stop()

	require.NoError(t, q.Enqueue(ctx, &domain.DispatchRequest{ID: "1", SpiderID: "spider-a"}))
	require.NoError(t, q.Enqueue(ctx, &domain.DispatchRequest{ID: "2", SpiderID: "spider-a"}))

	deadline := time.After(2 * time.Second)
	for len(starter.starts) == 0 {
		select {
		case <-deadline:
			t.Fatal("dispatcher never started the first run")
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}

	time.Sleep(150 * time.Millisecond)
	assert.Len(t, starter.starts, 1, "second request for the same spider must wait behind the per-spider cap")
}

func TestDispatcher_BlocksAtGlobalCeiling(t *testing.T) {
	q := queue.NewMemoryQueue()
	starter := &fakeStarter{active: 3}
	d := dispatcher.New(dispatcher.Config{MaxConcurrentRuns: 3, MaxPerSpider: 5}, q, starter, lookupFixture, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)
	defer d.Stop()

	require.NoError(t, q.Enqueue(ctx, &domain.DispatchRequest{ID: "1", SpiderID: "spider-a"}))

	time.Sleep(100 * time.Millisecond)
	assert.Len(t, starter.starts, 0, "request should be requeued, not started, while at the global ceiling")
}
