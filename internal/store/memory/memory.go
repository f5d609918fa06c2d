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

// Package memory provides an in-memory storage backend, used by tests and
// by `ctl run --local --no-persist`.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/crawlplane/ctlmaster/internal/domain"
	"github.com/crawlplane/ctlmaster/internal/store"
	conductorerrors "github.com/crawlplane/ctlmaster/pkg/errors"
)

// Compile-time interface assertions.
var (
	_ store.RunStore       = (*Backend)(nil)
	_ store.RunLister      = (*Backend)(nil)
	_ store.ScheduleStore  = (*Backend)(nil)
	_ store.ScheduleSeeder = (*Backend)(nil)
	_ store.RecordStore    = (*Backend)(nil)
	_ store.Backend        = (*Backend)(nil)
)

// Backend is an in-memory storage backend. All mutation paths hold mu for
// their full duration, so TransitionRun and AdvanceSchedule are true
// compare-and-set operations even under concurrent callers.
type Backend struct {
	mu        sync.Mutex
	runs      map[string]*domain.Run
	schedules map[string]*domain.Schedule
	records   map[string]map[string]*domain.Record // runID -> fingerprint -> record
}

// New creates an empty in-memory backend.
func New() *Backend {
	return &Backend{
		runs:      make(map[string]*domain.Run),
		schedules: make(map[string]*domain.Schedule),
		records:   make(map[string]map[string]*domain.Record),
	}
}

// Close is a no-op for the in-memory backend.
func (b *Backend) Close() error {
	return nil
}

func cloneRun(r *domain.Run) *domain.Run {
	cp := *r
	if r.StartedAt != nil {
		t := *r.StartedAt
		cp.StartedAt = &t
	}
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		cp.FinishedAt = &t
	}
	return &cp
}

// CreateRun inserts a new run.
func (b *Backend) CreateRun(ctx context.Context, run *domain.Run) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.runs[run.ID]; exists {
		return &conductorerrors.ConflictError{Resource: "run", ID: run.ID, Expected: "not yet created"}
	}
	run.CreatedAt = time.Now()
	b.runs[run.ID] = cloneRun(run)
	return nil
}

// GetRun retrieves a run by ID.
func (b *Backend) GetRun(ctx context.Context, id string) (*domain.Run, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	run, exists := b.runs[id]
	if !exists {
		return nil, &conductorerrors.NotFoundError{Resource: "run", ID: id}
	}
	return cloneRun(run), nil
}

// TransitionRun performs an in-process compare-and-set on the run's state.
func (b *Backend) TransitionRun(ctx context.Context, id string, from, to domain.RunState, patch store.RunPatch) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	run, exists := b.runs[id]
	if !exists {
		return &conductorerrors.NotFoundError{Resource: "run", ID: id}
	}
	if run.State != from {
		return &conductorerrors.ConflictError{
			Resource: "run",
			ID:       id,
			Expected: string(from) + " (actual " + string(run.State) + ")",
		}
	}

	run.State = to
	if patch.StartedAt != nil {
		t := *patch.StartedAt
		run.StartedAt = &t
	}
	if patch.FinishedAt != nil {
		t := *patch.FinishedAt
		run.FinishedAt = &t
	}
	if patch.SubprocessID != nil {
		run.SubprocessID = *patch.SubprocessID
	}
	if patch.ErrorMessage != nil {
		run.ErrorMessage = *patch.ErrorMessage
	}
	return nil
}

// BumpCounters additively updates a run's counters.
func (b *Backend) BumpCounters(ctx context.Context, id string, delta store.Counters) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	run, exists := b.runs[id]
	if !exists {
		return &conductorerrors.NotFoundError{Resource: "run", ID: id}
	}
	run.ItemsCount += delta.Items
	run.RequestsCount += delta.Requests
	run.ErrorCount += delta.Errors
	return nil
}

// ListRuns lists runs matching filter, most recent first.
func (b *Backend) ListRuns(ctx context.Context, filter store.RunFilter) ([]*domain.Run, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var result []*domain.Run
	for _, run := range b.runs {
		if filter.ProjectID != "" && run.ProjectID != filter.ProjectID {
			continue
		}
		if filter.SpiderID != "" && run.SpiderID != filter.SpiderID {
			continue
		}
		if filter.State != "" && run.State != filter.State {
			continue
		}
		result = append(result, cloneRun(run))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })

	if filter.Offset > 0 && filter.Offset < len(result) {
		result = result[filter.Offset:]
	}
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

// ListActiveRuns returns every run currently in RUNNING state.
func (b *Backend) ListActiveRuns(ctx context.Context) ([]*domain.Run, error) {
	return b.ListRuns(ctx, store.RunFilter{State: domain.RunRunning})
}

// LoadDueSchedules returns active schedules whose next fire time has
// arrived.
func (b *Backend) LoadDueSchedules(ctx context.Context, asOf time.Time) ([]*domain.Schedule, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var due []*domain.Schedule
	for _, sched := range b.schedules {
		if sched.Active && !sched.NextFireTime.After(asOf) {
			cp := *sched
			due = append(due, &cp)
		}
	}
	return due, nil
}

// GetSchedule retrieves a schedule by ID.
func (b *Backend) GetSchedule(ctx context.Context, id string) (*domain.Schedule, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sched, exists := b.schedules[id]
	if !exists {
		return nil, &conductorerrors.NotFoundError{Resource: "schedule", ID: id}
	}
	cp := *sched
	return &cp, nil
}

// PutSchedule registers or replaces a schedule. Exposed only on this
// backend: Postgres/SQLite schedules are provisioned by migrations or an
// external control surface, but tests need a direct seam.
func (b *Backend) PutSchedule(sched *domain.Schedule) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := *sched
	b.schedules[sched.ID] = &cp
}

// CreateSchedule implements store.ScheduleSeeder. Unlike PutSchedule it
// refuses to clobber an existing ID, matching the Postgres/SQLite
// implementations' INSERT semantics.
func (b *Backend) CreateSchedule(ctx context.Context, sched *domain.Schedule) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.schedules[sched.ID]; exists {
		return &conductorerrors.ConflictError{Resource: "schedule", ID: sched.ID}
	}
	cp := *sched
	b.schedules[sched.ID] = &cp
	return nil
}

// AdvanceSchedule performs the Scheduler's at-most-once compare-and-set.
func (b *Backend) AdvanceSchedule(ctx context.Context, scheduleID string, expectedNextFire, firedAt, newNextFire time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	sched, exists := b.schedules[scheduleID]
	if !exists {
		return &conductorerrors.NotFoundError{Resource: "schedule", ID: scheduleID}
	}
	if !sched.NextFireTime.Equal(expectedNextFire) {
		return &conductorerrors.ConflictError{
			Resource: "schedule",
			ID:       scheduleID,
			Expected: "next_fire_time=" + expectedNextFire.String(),
		}
	}
	fired := firedAt
	sched.LastFireTime = &fired
	sched.NextFireTime = newNextFire
	return nil
}

// InsertBatch inserts records, skipping any whose (RunID, Fingerprint)
// already exists.
func (b *Backend) InsertBatch(ctx context.Context, records []*domain.Record) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	inserted := 0
	for _, rec := range records {
		byFingerprint, ok := b.records[rec.RunID]
		if !ok {
			byFingerprint = make(map[string]*domain.Record)
			b.records[rec.RunID] = byFingerprint
		}
		if _, exists := byFingerprint[rec.Fingerprint]; exists {
			continue
		}
		cp := *rec
		byFingerprint[rec.Fingerprint] = &cp
		inserted++
	}
	return inserted, nil
}

// CountRecords returns the number of records stored for a run.
func (b *Backend) CountRecords(ctx context.Context, runID string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.records[runID])), nil
}
