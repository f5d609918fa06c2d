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

// Package domain defines the entities of the crawl orchestration control
// plane: Project, Spider, Schedule, Run, Record, OutputFile and
// DispatchRequest, along with the invariants that constrain their
// lifecycle transitions.
package domain

import "time"

// RunState is the lifecycle state of a Run. Transitions are monotone along
// PENDING -> RUNNING -> {FINISHED | FAILED | CANCELLED}; there are no
// back-transitions.
type RunState string

const (
	RunPending   RunState = "PENDING"
	RunRunning   RunState = "RUNNING"
	RunFinished  RunState = "FINISHED"
	RunFailed    RunState = "FAILED"
	RunCancelled RunState = "CANCELLED"
)

// Terminal reports whether the state is one that a Run cannot leave.
func (s RunState) Terminal() bool {
	switch s {
	case RunFinished, RunFailed, RunCancelled:
		return true
	default:
		return false
	}
}

// validTransitions enumerates the only state pairs a Run may move between.
// It is consulted by store implementations before accepting a CAS update,
// so an invalid transition request fails the same way a stale one does.
var validTransitions = map[RunState][]RunState{
	RunPending: {RunRunning, RunFailed, RunCancelled},
	RunRunning: {RunFinished, RunFailed, RunCancelled},
}

// CanTransition reports whether moving a Run from `from` to `to` is legal.
func CanTransition(from, to RunState) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Project is an isolated crawl codebase: a filesystem root holding the
// source of one or more Spiders. The API layer (out of scope here) owns
// creation; the core only reads it.
type Project struct {
	ID        string
	Name      string
	RootPath  string
	CreatedAt time.Time
}

// Spider is a program within a Project that emits structured records from
// web pages. (Project, Name) is unique.
type Spider struct {
	ID        string
	ProjectID string
	Name      string
	Settings  Settings
	CreatedAt time.Time
}

// Schedule is a cron rule attached to a Spider that produces Dispatches.
// next_fire_time always equals the first cron-matching instant strictly
// after last_fire_time (or after creation if it has never fired). Only the
// Scheduler mutates LastFireTime/NextFireTime; every other field is owned
// by the API layer.
type Schedule struct {
	ID           string
	SpiderID     string
	CronExpr     string
	Active       bool
	LastFireTime *time.Time
	NextFireTime time.Time
	Settings     Settings
}

// Run is one execution of a Spider, from dispatch to terminal state.
type Run struct {
	ID            string
	ProjectID     string
	SpiderID      string
	ScheduleID    string // empty for manually dispatched runs
	State         RunState
	CreatedAt     time.Time
	StartedAt     *time.Time
	FinishedAt    *time.Time
	ItemsCount    int64
	RequestsCount int64
	ErrorCount    int64
	OutputPath    string
	Settings      Settings
	SubprocessID  int
	ErrorMessage  string
}

// Record is a deduplicated structured record produced by a Run. (RunID,
// Fingerprint) is unique: a second record with the same fingerprint within
// the same run is silently dropped by the Record Store.
type Record struct {
	ID          string
	RunID       string
	Payload     map[string]any
	Fingerprint string
	AcquiredAt  time.Time
	SourceURL   string
}

// DispatchRequest is a transient request to start a Run, consumed exactly
// once by the Dispatcher.
type DispatchRequest struct {
	ID           string
	ScheduleID   string // empty for manual/API-originated dispatches
	SpiderID     string
	ProjectID    string
	Settings     Settings
	FireTime     time.Time
	RequeueCount int
}

// Settings is a closed-set record of spider/run overrides. Unlike the
// dynamic attribute dictionaries of the source system, unknown keys are
// rejected at load time (see pkg/settingsconfig).
type Settings struct {
	Values map[string]string
}

// Get returns a setting value and whether it was present.
func (s Settings) Get(key string) (string, bool) {
	if s.Values == nil {
		return "", false
	}
	v, ok := s.Values[key]
	return v, ok
}

// Merge returns a new Settings with override's keys taking precedence over
// the receiver's. Used to compose Spider defaults with per-Schedule and
// per-dispatch overrides (spec §4.6/§4.4).
func (s Settings) Merge(override Settings) Settings {
	merged := make(map[string]string, len(s.Values)+len(override.Values))
	for k, v := range s.Values {
		merged[k] = v
	}
	for k, v := range override.Values {
		merged[k] = v
	}
	return Settings{Values: merged}
}
