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

package memory_test

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crawlplane/ctlmaster/internal/domain"
	"github.com/crawlplane/ctlmaster/internal/store"
	"github.com/crawlplane/ctlmaster/internal/store/memory"
	conductorerrors "github.com/crawlplane/ctlmaster/pkg/errors"
)

func TestBackendComposite(t *testing.T) {
	var be store.Backend = memory.New()

	var _ store.RunStore = be
	var _ store.RunLister = be
	var _ store.ScheduleStore = be
	var _ store.RecordStore = be
	var _ io.Closer = be
}

func TestCreateAndGetRun(t *testing.T) {
	ctx := context.Background()
	b := memory.New()

	run := &domain.Run{ID: "run-1", SpiderID: "spider-1", State: domain.RunPending}
	require.NoError(t, b.CreateRun(ctx, run))

	got, err := b.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunPending, got.State)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestCreateRun_Duplicate(t *testing.T) {
	ctx := context.Background()
	b := memory.New()

	run := &domain.Run{ID: "run-1", State: domain.RunPending}
	require.NoError(t, b.CreateRun(ctx, run))

	err := b.CreateRun(ctx, run)
	var conflict *conductorerrors.ConflictError
	require.ErrorAs(t, err, &conflict)
}

func TestGetRun_NotFound(t *testing.T) {
	b := memory.New()
	_, err := b.GetRun(context.Background(), "missing")

	var notFound *conductorerrors.NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestTransitionRun_Succeeds(t *testing.T) {
	ctx := context.Background()
	b := memory.New()
	require.NoError(t, b.CreateRun(ctx, &domain.Run{ID: "run-1", State: domain.RunPending}))

	now := time.Now()
	err := b.TransitionRun(ctx, "run-1", domain.RunPending, domain.RunRunning, store.RunPatch{StartedAt: &now})
	require.NoError(t, err)

	got, err := b.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunRunning, got.State)
	require.NotNil(t, got.StartedAt)
}

func TestTransitionRun_StaleCallerLosesRace(t *testing.T) {
	ctx := context.Background()
	b := memory.New()
	require.NoError(t, b.CreateRun(ctx, &domain.Run{ID: "run-1", State: domain.RunPending}))

	require.NoError(t, b.TransitionRun(ctx, "run-1", domain.RunPending, domain.RunRunning, store.RunPatch{}))

	// A second caller still believes the run is PENDING; its CAS must fail.
	err := b.TransitionRun(ctx, "run-1", domain.RunPending, domain.RunRunning, store.RunPatch{})
	var conflict *conductorerrors.ConflictError
	require.ErrorAs(t, err, &conflict)
}

func TestTransitionRun_ConcurrentCallersExactlyOneWins(t *testing.T) {
	ctx := context.Background()
	b := memory.New()
	require.NoError(t, b.CreateRun(ctx, &domain.Run{ID: "run-1", State: domain.RunPending}))

	const attempts = 20
	var wg sync.WaitGroup
	successes := make([]bool, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := b.TransitionRun(ctx, "run-1", domain.RunPending, domain.RunRunning, store.RunPatch{})
			successes[i] = err == nil
		}(i)
	}
	wg.Wait()

	won := 0
	for _, ok := range successes {
		if ok {
			won++
		}
	}
	assert.Equal(t, 1, won, "exactly one concurrent transition should win the compare-and-set")
}

func TestBumpCounters_Additive(t *testing.T) {
	ctx := context.Background()
	b := memory.New()
	require.NoError(t, b.CreateRun(ctx, &domain.Run{ID: "run-1", State: domain.RunRunning}))

	require.NoError(t, b.BumpCounters(ctx, "run-1", store.Counters{Items: 10, Requests: 20, Errors: 1}))
	require.NoError(t, b.BumpCounters(ctx, "run-1", store.Counters{Items: 5, Requests: 3, Errors: 0}))

	got, err := b.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.EqualValues(t, 15, got.ItemsCount)
	assert.EqualValues(t, 23, got.RequestsCount)
	assert.EqualValues(t, 1, got.ErrorCount)
}

func TestListRuns_FiltersByState(t *testing.T) {
	ctx := context.Background()
	b := memory.New()

	base := time.Now().Add(-time.Hour)
	for i, state := range []domain.RunState{domain.RunPending, domain.RunRunning, domain.RunFinished} {
		run := &domain.Run{ID: string(rune('a' + i)), SpiderID: "spider-1", State: state}
		require.NoError(t, b.CreateRun(ctx, run))
		_ = base
	}

	runs, err := b.ListRuns(ctx, store.RunFilter{State: domain.RunRunning})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, domain.RunRunning, runs[0].State)
}

func TestAdvanceSchedule_CASProperty(t *testing.T) {
	ctx := context.Background()
	b := memory.New()

	next := time.Now().Add(time.Minute)
	b.PutSchedule(&domain.Schedule{ID: "sched-1", SpiderID: "spider-1", Active: true, NextFireTime: next})

	fired := time.Now()
	newNext := fired.Add(time.Hour)
	require.NoError(t, b.AdvanceSchedule(ctx, "sched-1", next, fired, newNext))

	// A second dispatcher racing on the same stale expected value must lose.
	err := b.AdvanceSchedule(ctx, "sched-1", next, fired, newNext)
	var conflict *conductorerrors.ConflictError
	require.ErrorAs(t, err, &conflict)

	got, err := b.GetSchedule(ctx, "sched-1")
	require.NoError(t, err)
	assert.True(t, got.NextFireTime.Equal(newNext))
	require.NotNil(t, got.LastFireTime)
}

func TestLoadDueSchedules(t *testing.T) {
	ctx := context.Background()
	b := memory.New()

	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Hour)
	b.PutSchedule(&domain.Schedule{ID: "due", Active: true, NextFireTime: past})
	b.PutSchedule(&domain.Schedule{ID: "not-due", Active: true, NextFireTime: future})
	b.PutSchedule(&domain.Schedule{ID: "inactive", Active: false, NextFireTime: past})

	due, err := b.LoadDueSchedules(ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "due", due[0].ID)
}

func TestInsertBatch_DeduplicatesByFingerprint(t *testing.T) {
	ctx := context.Background()
	b := memory.New()

	records := []*domain.Record{
		{ID: "r1", RunID: "run-1", Fingerprint: "fp-1"},
		{ID: "r2", RunID: "run-1", Fingerprint: "fp-1"}, // duplicate within the same batch
		{ID: "r3", RunID: "run-1", Fingerprint: "fp-2"},
	}
	inserted, err := b.InsertBatch(ctx, records)
	require.NoError(t, err)
	assert.Equal(t, 2, inserted)

	// A later batch repeating fp-1 inserts nothing new.
	inserted, err = b.InsertBatch(ctx, []*domain.Record{{ID: "r4", RunID: "run-1", Fingerprint: "fp-1"}})
	require.NoError(t, err)
	assert.Equal(t, 0, inserted)

	count, err := b.CountRecords(ctx, "run-1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)
}
