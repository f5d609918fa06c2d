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

// Package store provides storage backends for the control plane's Run
// Store (C1) and Record Store (C2).
//
// # Interface Hierarchy
//
// Like the teacher's backend package, store uses interface segregation so
// components can depend on the minimum they need:
//
//   - RunStore (core, required): CreateRun, GetRun, TransitionRun
//   - RunLister (optional): ListRuns
//   - ScheduleStore (optional): schedule CAS advance
//   - RecordStore (optional): record ingestion
//   - io.Closer (optional): Close
//
// Backend composes all of these for full-featured implementations.
package store

import (
	"context"
	"io"
	"time"

	"github.com/crawlplane/ctlmaster/internal/domain"
)

// RunStore is the core interface for run storage. Every backend must
// implement it; components that only create and observe runs should accept
// this interface rather than the full Backend.
type RunStore interface {
	// CreateRun persists a new run in PENDING state.
	CreateRun(ctx context.Context, run *domain.Run) error

	// GetRun retrieves a run by ID.
	GetRun(ctx context.Context, id string) (*domain.Run, error)

	// TransitionRun moves a run from `from` to `to`, succeeding only if the
	// stored state still equals `from` at the moment of the update
	// (compare-and-set). A lost race returns *errors.ConflictError.
	// patch carries the fields to apply alongside the state change
	// (StartedAt, FinishedAt, ErrorMessage); zero-valued fields are ignored.
	TransitionRun(ctx context.Context, id string, from, to domain.RunState, patch RunPatch) error

	// BumpCounters additively updates a run's item/request/error counters.
	// Safe to call concurrently for the same run; each call adds to the
	// stored totals rather than overwriting them.
	BumpCounters(ctx context.Context, id string, delta Counters) error
}

// RunPatch carries the optional fields a TransitionRun call updates
// alongside the state itself.
type RunPatch struct {
	StartedAt    *time.Time
	FinishedAt   *time.Time
	SubprocessID *int
	ErrorMessage *string
}

// Counters is an additive delta applied by BumpCounters.
type Counters struct {
	Items    int64
	Requests int64
	Errors   int64
}

// RunLister is an optional interface for listing runs, used by
// reconciliation sweeps and the CLI's status views.
type RunLister interface {
	// ListRuns lists runs matching filter, most recent first.
	ListRuns(ctx context.Context, filter RunFilter) ([]*domain.Run, error)

	// ListActiveRuns returns every run currently in RUNNING state.
	ListActiveRuns(ctx context.Context) ([]*domain.Run, error)
}

// RunFilter narrows a ListRuns query.
type RunFilter struct {
	ProjectID string
	SpiderID  string
	State     domain.RunState
	Limit     int
	Offset    int
}

// ScheduleStore manages Schedule rows and the Scheduler's at-most-once
// advance protocol.
type ScheduleStore interface {
	// LoadDueSchedules returns every active schedule whose NextFireTime is
	// at or before asOf.
	LoadDueSchedules(ctx context.Context, asOf time.Time) ([]*domain.Schedule, error)

	// AdvanceSchedule performs the Scheduler's compare-and-set: it succeeds
	// only if the stored NextFireTime still equals expectedNextFire, then
	// sets LastFireTime=firedAt and NextFireTime=newNextFire. A lost race
	// (another dispatcher beat us to it, or the schedule changed underfoot)
	// returns *errors.ConflictError and the caller must not dispatch.
	AdvanceSchedule(ctx context.Context, scheduleID string, expectedNextFire, firedAt, newNextFire time.Time) error

	// GetSchedule retrieves a schedule by ID.
	GetSchedule(ctx context.Context, id string) (*domain.Schedule, error)
}

// ScheduleSeeder provisions new schedule rows. It is deliberately split out
// of ScheduleStore: in a full deployment schedules are provisioned by the
// out-of-scope API layer (or, for Postgres/SQLite, by a migration), not by
// the Scheduler or Dispatcher. internal/registry is the one caller that
// uses it, standing in for that API layer in a single-node deployment.
type ScheduleSeeder interface {
	// CreateSchedule persists a new schedule row. Returns
	// *errors.ConflictError if id is already taken.
	CreateSchedule(ctx context.Context, sched *domain.Schedule) error
}

// RecordStore manages deduplicated Record ingestion.
type RecordStore interface {
	// InsertBatch inserts records, skipping any whose (RunID, Fingerprint)
	// already exists. Returns the count actually inserted, which may be
	// less than len(records).
	InsertBatch(ctx context.Context, records []*domain.Record) (inserted int, err error)

	// CountRecords returns the number of records stored for a run, used by
	// the Reconciliation Engine's canonical counter computation.
	CountRecords(ctx context.Context, runID string) (int64, error)
}

// Backend composes every storage capability a full control-plane
// deployment needs. Postgres and SQLite implementations satisfy it in
// full; the in-memory test backend does too, at smaller scale.
type Backend interface {
	RunStore
	RunLister
	ScheduleStore
	RecordStore
	io.Closer
}
