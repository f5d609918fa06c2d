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

// Package sqlite provides a SQLite storage backend for single-node
// deployments and for tests that want a real, file-backed SQL engine
// without standing up PostgreSQL.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

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

// Backend is a SQLite-backed implementation of store.Backend.
type Backend struct {
	db *sql.DB
}

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path, or ":memory:" for an ephemeral
	// in-process database.
	Path string

	// WAL enables Write-Ahead Logging for concurrent readers.
	WAL bool
}

// New opens a SQLite backend and runs migrations.
func New(cfg Config) (*Backend, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes; cap the pool so concurrent writers queue
	// instead of producing "database is locked" errors.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	b := &Backend{db: db}
	if err := b.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}
	if err := b.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return b, nil
}

func (b *Backend) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, pragma := range pragmas {
		if _, err := b.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}

func (b *Backend) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			spider_id TEXT NOT NULL,
			schedule_id TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL,
			items_count INTEGER NOT NULL DEFAULT 0,
			requests_count INTEGER NOT NULL DEFAULT 0,
			error_count INTEGER NOT NULL DEFAULT 0,
			output_path TEXT NOT NULL DEFAULT '',
			settings TEXT,
			subprocess_id INTEGER NOT NULL DEFAULT 0,
			error_message TEXT NOT NULL DEFAULT '',
			started_at TEXT,
			finished_at TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_state ON runs(state)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_spider ON runs(spider_id)`,
		`CREATE TABLE IF NOT EXISTS records (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			fingerprint TEXT NOT NULL,
			payload TEXT,
			source_url TEXT NOT NULL DEFAULT '',
			acquired_at TEXT NOT NULL,
			UNIQUE(run_id, fingerprint)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_records_run_id ON records(run_id)`,
		`CREATE TABLE IF NOT EXISTS schedules (
			id TEXT PRIMARY KEY,
			spider_id TEXT NOT NULL,
			cron_expr TEXT NOT NULL,
			active INTEGER NOT NULL DEFAULT 1,
			last_fire_time TEXT,
			next_fire_time TEXT NOT NULL,
			settings TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_schedules_next_fire ON schedules(active, next_fire_time)`,
	}
	for _, migration := range migrations {
		if _, err := b.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Close closes the database connection.
func (b *Backend) Close() error {
	return b.db.Close()
}

// CreateRun inserts a new run in PENDING state.
func (b *Backend) CreateRun(ctx context.Context, run *domain.Run) error {
	settingsJSON, err := json.Marshal(run.Settings.Values)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	now := time.Now()
	query := `
		INSERT INTO runs (id, project_id, spider_id, schedule_id, state, output_path, settings, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = b.db.ExecContext(ctx, query,
		run.ID, run.ProjectID, run.SpiderID, run.ScheduleID, string(run.State),
		run.OutputPath, string(settingsJSON), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	run.CreatedAt = now
	return nil
}

// GetRun retrieves a run by ID.
func (b *Backend) GetRun(ctx context.Context, id string) (*domain.Run, error) {
	query := `
		SELECT id, project_id, spider_id, schedule_id, state, items_count,
			requests_count, error_count, output_path, settings, subprocess_id,
			error_message, started_at, finished_at, created_at
		FROM runs WHERE id = ?
	`
	run, err := scanRun(b.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, &conductorerrors.NotFoundError{Resource: "run", ID: id}
	}
	return run, err
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (*domain.Run, error) {
	var run domain.Run
	var state, settingsJSON string
	var startedAt, finishedAt, createdAt sql.NullString

	err := row.Scan(
		&run.ID, &run.ProjectID, &run.SpiderID, &run.ScheduleID, &state,
		&run.ItemsCount, &run.RequestsCount, &run.ErrorCount, &run.OutputPath,
		&settingsJSON, &run.SubprocessID, &run.ErrorMessage,
		&startedAt, &finishedAt, &createdAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}
	run.State = domain.RunState(state)
	if settingsJSON != "" {
		var values map[string]string
		if err := json.Unmarshal([]byte(settingsJSON), &values); err != nil {
			return nil, fmt.Errorf("failed to unmarshal run settings: %w", err)
		}
		run.Settings = domain.Settings{Values: values}
	}
	if startedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, startedAt.String)
		if err == nil {
			run.StartedAt = &t
		}
	}
	if finishedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, finishedAt.String)
		if err == nil {
			run.FinishedAt = &t
		}
	}
	if createdAt.Valid {
		run.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt.String)
	}
	return &run, nil
}

// TransitionRun moves a run between states, guarded by a compare-and-set on
// the stored state column.
func (b *Backend) TransitionRun(ctx context.Context, id string, from, to domain.RunState, patch store.RunPatch) error {
	setClauses := "state = ?"
	args := []any{string(to)}

	if patch.StartedAt != nil {
		setClauses += ", started_at = ?"
		args = append(args, patch.StartedAt.Format(time.RFC3339Nano))
	}
	if patch.FinishedAt != nil {
		setClauses += ", finished_at = ?"
		args = append(args, patch.FinishedAt.Format(time.RFC3339Nano))
	}
	if patch.SubprocessID != nil {
		setClauses += ", subprocess_id = ?"
		args = append(args, *patch.SubprocessID)
	}
	if patch.ErrorMessage != nil {
		setClauses += ", error_message = ?"
		args = append(args, *patch.ErrorMessage)
	}
	args = append(args, id, string(from))

	query := fmt.Sprintf("UPDATE runs SET %s WHERE id = ? AND state = ?", setClauses)
	result, err := b.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to transition run: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return &conductorerrors.ConflictError{
			Resource: "run",
			ID:       id,
			Expected: fmt.Sprintf("state=%s", from),
		}
	}
	return nil
}

// BumpCounters additively updates a run's counters.
func (b *Backend) BumpCounters(ctx context.Context, id string, delta store.Counters) error {
	query := `
		UPDATE runs SET items_count = items_count + ?,
			requests_count = requests_count + ?,
			error_count = error_count + ?
		WHERE id = ?
	`
	_, err := b.db.ExecContext(ctx, query, delta.Items, delta.Requests, delta.Errors, id)
	if err != nil {
		return fmt.Errorf("failed to bump counters: %w", err)
	}
	return nil
}

// ListRuns lists runs matching filter, most recent first.
func (b *Backend) ListRuns(ctx context.Context, filter store.RunFilter) ([]*domain.Run, error) {
	query := `
		SELECT id, project_id, spider_id, schedule_id, state, items_count,
			requests_count, error_count, output_path, settings, subprocess_id,
			error_message, started_at, finished_at, created_at
		FROM runs WHERE 1=1
	`
	var args []any
	if filter.ProjectID != "" {
		query += " AND project_id = ?"
		args = append(args, filter.ProjectID)
	}
	if filter.SpiderID != "" {
		query += " AND spider_id = ?"
		args = append(args, filter.SpiderID)
	}
	if filter.State != "" {
		query += " AND state = ?"
		args = append(args, string(filter.State))
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// ListActiveRuns returns every run currently in RUNNING state.
func (b *Backend) ListActiveRuns(ctx context.Context) ([]*domain.Run, error) {
	return b.ListRuns(ctx, store.RunFilter{State: domain.RunRunning})
}

// LoadDueSchedules returns active schedules whose next fire time has
// arrived.
func (b *Backend) LoadDueSchedules(ctx context.Context, asOf time.Time) ([]*domain.Schedule, error) {
	query := `
		SELECT id, spider_id, cron_expr, active, last_fire_time, next_fire_time, settings
		FROM schedules WHERE active = 1 AND next_fire_time <= ?
	`
	rows, err := b.db.QueryContext(ctx, query, asOf.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("failed to load due schedules: %w", err)
	}
	defer rows.Close()

	var schedules []*domain.Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, sched)
	}
	return schedules, rows.Err()
}

// GetSchedule retrieves a schedule by ID.
func (b *Backend) GetSchedule(ctx context.Context, id string) (*domain.Schedule, error) {
	query := `
		SELECT id, spider_id, cron_expr, active, last_fire_time, next_fire_time, settings
		FROM schedules WHERE id = ?
	`
	sched, err := scanSchedule(b.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, &conductorerrors.NotFoundError{Resource: "schedule", ID: id}
	}
	return sched, err
}

// CreateSchedule implements store.ScheduleSeeder.
func (b *Backend) CreateSchedule(ctx context.Context, sched *domain.Schedule) error {
	settingsJSON, err := json.Marshal(sched.Settings.Values)
	if err != nil {
		return fmt.Errorf("failed to marshal schedule settings: %w", err)
	}

	var lastFire interface{}
	if sched.LastFireTime != nil {
		lastFire = sched.LastFireTime.Format(time.RFC3339Nano)
	}
	active := 0
	if sched.Active {
		active = 1
	}

	query := `
		INSERT INTO schedules (id, spider_id, cron_expr, active, last_fire_time, next_fire_time, settings)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err = b.db.ExecContext(ctx, query,
		sched.ID, sched.SpiderID, sched.CronExpr, active,
		lastFire, sched.NextFireTime.Format(time.RFC3339Nano), string(settingsJSON),
	)
	if err != nil {
		return fmt.Errorf("failed to create schedule: %w", err)
	}
	return nil
}

func scanSchedule(row scannable) (*domain.Schedule, error) {
	var sched domain.Schedule
	var active int
	var lastFireTime sql.NullString
	var nextFireTime, settingsJSON string

	err := row.Scan(
		&sched.ID, &sched.SpiderID, &sched.CronExpr, &active,
		&lastFireTime, &nextFireTime, &settingsJSON,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan schedule: %w", err)
	}
	sched.Active = active == 1
	if lastFireTime.Valid {
		t, err := time.Parse(time.RFC3339Nano, lastFireTime.String)
		if err == nil {
			sched.LastFireTime = &t
		}
	}
	sched.NextFireTime, _ = time.Parse(time.RFC3339Nano, nextFireTime)
	if settingsJSON != "" {
		var values map[string]string
		if err := json.Unmarshal([]byte(settingsJSON), &values); err != nil {
			return nil, fmt.Errorf("failed to unmarshal schedule settings: %w", err)
		}
		sched.Settings = domain.Settings{Values: values}
	}
	return &sched, nil
}

// AdvanceSchedule performs the at-most-once compare-and-set on
// next_fire_time.
func (b *Backend) AdvanceSchedule(ctx context.Context, scheduleID string, expectedNextFire, firedAt, newNextFire time.Time) error {
	query := `
		UPDATE schedules SET last_fire_time = ?, next_fire_time = ?
		WHERE id = ? AND next_fire_time = ?
	`
	result, err := b.db.ExecContext(ctx, query,
		firedAt.Format(time.RFC3339Nano), newNextFire.Format(time.RFC3339Nano),
		scheduleID, expectedNextFire.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to advance schedule: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return &conductorerrors.ConflictError{
			Resource: "schedule",
			ID:       scheduleID,
			Expected: fmt.Sprintf("next_fire_time=%s", expectedNextFire),
		}
	}
	return nil
}

// InsertBatch inserts records, relying on the unique (run_id, fingerprint)
// index to skip duplicates.
func (b *Backend) InsertBatch(ctx context.Context, records []*domain.Record) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO records (id, run_id, fingerprint, payload, source_url, acquired_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, fingerprint) DO NOTHING
	`
	inserted := 0
	for _, rec := range records {
		payloadJSON, err := json.Marshal(rec.Payload)
		if err != nil {
			return inserted, fmt.Errorf("failed to marshal record payload: %w", err)
		}
		result, err := tx.ExecContext(ctx, query,
			rec.ID, rec.RunID, rec.Fingerprint, string(payloadJSON), rec.SourceURL,
			rec.AcquiredAt.Format(time.RFC3339Nano),
		)
		if err != nil {
			return inserted, fmt.Errorf("failed to insert record: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return inserted, fmt.Errorf("failed to read affected rows: %w", err)
		}
		inserted += int(n)
	}

	if err := tx.Commit(); err != nil {
		return inserted, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return inserted, nil
}

// CountRecords returns the number of records ingested for a run.
func (b *Backend) CountRecords(ctx context.Context, runID string) (int64, error) {
	var count int64
	err := b.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM records WHERE run_id = ?", runID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return count, nil
}
