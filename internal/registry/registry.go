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

// Package registry is a single-node stand-in for the out-of-scope API
// layer that, in a full deployment, owns Project and Spider creation. It
// persists a flat catalog of Projects and Spiders to a YAML file and
// resolves a SpiderID into the data the Dispatcher's SpiderLookup and
// ctl's scaffolding commands need. It never touches a Run, Record or
// Schedule row; those stay in the store.Backend the daemon is configured
// with.
package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/crawlplane/ctlmaster/internal/domain"
	"github.com/crawlplane/ctlmaster/internal/scheduler"
	"github.com/crawlplane/ctlmaster/internal/store"
	"github.com/crawlplane/ctlmaster/internal/supervisor"
	"github.com/crawlplane/ctlmaster/pkg/settingsconfig"
	conductorerrors "github.com/crawlplane/ctlmaster/pkg/errors"
)

// catalog is the on-disk shape of the registry file.
type catalog struct {
	Projects []domain.Project `yaml:"projects"`
	Spiders  []domain.Spider  `yaml:"spiders"`
}

// Registry holds the Project/Spider catalog for one control-plane
// deployment, file-backed at path.
type Registry struct {
	path string

	mu       sync.RWMutex
	projects map[string]domain.Project
	spiders  map[string]domain.Spider
}

// Open loads path if it exists, or starts an empty catalog that will be
// created on the first Save.
func Open(path string) (*Registry, error) {
	r := &Registry{
		path:     path,
		projects: make(map[string]domain.Project),
		spiders:  make(map[string]domain.Spider),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, fmt.Errorf("reading registry file: %w", err)
	}

	var c catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parsing registry file: %w", err)
	}
	for _, p := range c.Projects {
		r.projects[p.ID] = p
	}
	for _, s := range c.Spiders {
		r.spiders[s.ID] = s
	}
	return r, nil
}

// save writes the catalog atomically (temp file plus rename). Caller must
// hold at least a read lock.
func (r *Registry) save() error {
	c := catalog{}
	for _, p := range r.projects {
		c.Projects = append(c.Projects, p)
	}
	for _, s := range r.spiders {
		c.Spiders = append(c.Spiders, s)
	}
	sort.Slice(c.Projects, func(i, j int) bool { return c.Projects[i].Name < c.Projects[j].Name })
	sort.Slice(c.Spiders, func(i, j int) bool { return c.Spiders[i].Name < c.Spiders[j].Name })

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling registry: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0700); err != nil {
		return fmt.Errorf("creating registry directory: %w", err)
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("writing temp registry file: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming registry file into place: %w", err)
	}
	return nil
}

// CreateProject adds a project with a generated ID and persists it.
func (r *Registry) CreateProject(name, rootPath string) (domain.Project, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, p := range r.projects {
		if p.Name == name {
			return domain.Project{}, &conductorerrors.ConflictError{Resource: "project", ID: p.ID, Expected: "unique name"}
		}
	}

	p := domain.Project{
		ID:        uuid.New().String(),
		Name:      name,
		RootPath:  rootPath,
		CreatedAt: time.Now(),
	}
	r.projects[p.ID] = p
	if err := r.save(); err != nil {
		delete(r.projects, p.ID)
		return domain.Project{}, err
	}
	return p, nil
}

// CreateSpider adds a spider under projectID with a generated ID,
// validating its settings against the closed schema before persisting.
func (r *Registry) CreateSpider(projectID, name string, settings domain.Settings) (domain.Spider, error) {
	if err := settingsconfig.Validate(settings); err != nil {
		return domain.Spider{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.projects[projectID]; !ok {
		return domain.Spider{}, &conductorerrors.NotFoundError{Resource: "project", ID: projectID}
	}
	for _, s := range r.spiders {
		if s.ProjectID == projectID && s.Name == name {
			return domain.Spider{}, &conductorerrors.ConflictError{Resource: "spider", ID: s.ID, Expected: "unique name within project"}
		}
	}

	sp := domain.Spider{
		ID:        uuid.New().String(),
		ProjectID: projectID,
		Name:      name,
		Settings:  settings,
		CreatedAt: time.Now(),
	}
	r.spiders[sp.ID] = sp
	if err := r.save(); err != nil {
		delete(r.spiders, sp.ID)
		return domain.Spider{}, err
	}
	return sp, nil
}

// CreateSchedule seeds a cron schedule for spiderID directly into seeder
// (the daemon's store.Backend), computing the first NextFireTime from
// cronExpr. The registry does not keep its own copy of schedules: once
// created, a schedule's lifecycle belongs entirely to the Scheduler and
// its store.
func (r *Registry) CreateSchedule(ctx context.Context, seeder store.ScheduleSeeder, spiderID, cronExpr string, settings domain.Settings) (domain.Schedule, error) {
	r.mu.RLock()
	_, ok := r.spiders[spiderID]
	r.mu.RUnlock()
	if !ok {
		return domain.Schedule{}, &conductorerrors.NotFoundError{Resource: "spider", ID: spiderID}
	}

	cron, err := scheduler.ParseCron(cronExpr)
	if err != nil {
		return domain.Schedule{}, fmt.Errorf("invalid cron expression: %w", err)
	}

	now := time.Now()
	sched := &domain.Schedule{
		ID:           uuid.New().String(),
		SpiderID:     spiderID,
		CronExpr:     cronExpr,
		Active:       true,
		NextFireTime: cron.Next(now),
		Settings:     settings,
	}
	if err := seeder.CreateSchedule(ctx, sched); err != nil {
		return domain.Schedule{}, err
	}
	return *sched, nil
}

// Project returns the project with the given ID.
func (r *Registry) Project(id string) (domain.Project, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.projects[id]
	return p, ok
}

// Spider returns the spider with the given ID.
func (r *Registry) Spider(id string) (domain.Spider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.spiders[id]
	return s, ok
}

// Spiders lists every spider, optionally narrowed to one project.
func (r *Registry) Spiders(projectID string) []domain.Spider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []domain.Spider
	for _, s := range r.spiders {
		if projectID != "" && s.ProjectID != projectID {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Projects lists every project.
func (r *Registry) Projects() []domain.Project {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.Project, 0, len(r.projects))
	for _, p := range r.projects {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Lookup implements dispatcher.SpiderLookup: it resolves spiderID into
// the Worker Supervisor's StartRequest shape. ScheduleID and Settings are
// left zero-valued; the Dispatcher overlays those from the
// DispatchRequest it is handling.
func (r *Registry) Lookup(ctx context.Context, spiderID string) (supervisor.StartRequest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sp, ok := r.spiders[spiderID]
	if !ok {
		return supervisor.StartRequest{}, &conductorerrors.NotFoundError{Resource: "spider", ID: spiderID}
	}
	proj, ok := r.projects[sp.ProjectID]
	if !ok {
		return supervisor.StartRequest{}, &conductorerrors.NotFoundError{Resource: "project", ID: sp.ProjectID}
	}

	return supervisor.StartRequest{
		ProjectID:  proj.ID,
		SpiderID:   sp.ID,
		SpiderName: sp.Name,
		ProjectDir: proj.RootPath,
		Settings:   sp.Settings,
	}, nil
}
