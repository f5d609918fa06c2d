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

package ctlcmd

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/AlecAivazis/survey/v2"
	"github.com/spf13/cobra"

	"github.com/crawlplane/ctlmaster/internal/commands/shared"
	"github.com/crawlplane/ctlmaster/internal/config"
	"github.com/crawlplane/ctlmaster/internal/domain"
	"github.com/crawlplane/ctlmaster/internal/registry"
	"github.com/crawlplane/ctlmaster/internal/store"
	"github.com/crawlplane/ctlmaster/internal/store/memory"
	"github.com/crawlplane/ctlmaster/internal/store/postgres"
	"github.com/crawlplane/ctlmaster/internal/store/sqlite"
	"github.com/crawlplane/ctlmaster/pkg/settingsconfig"
)

func openRegistry(cfg *config.Config) (*registry.Registry, error) {
	return registry.Open(filepath.Join(cfg.DataRoot, "registry.yaml"))
}

func openSeeder(cfg *config.Config) (store.ScheduleSeeder, func() error, error) {
	switch cfg.Backend {
	case config.BackendSQLite:
		b, err := sqlite.New(sqlite.Config{Path: cfg.DSN, WAL: true})
		if err != nil {
			return nil, nil, err
		}
		return b, b.Close, nil
	case config.BackendPostgres:
		b, err := postgres.New(postgres.Config{ConnectionString: cfg.DSN})
		if err != nil {
			return nil, nil, err
		}
		return b, b.Close, nil
	default:
		b := memory.New()
		return b, b.Close, nil
	}
}

// NewProjectCommand groups project scaffolding subcommands.
func NewProjectCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "project",
		Short: "Manage crawl projects in the local registry",
	}
	cmd.AddCommand(newProjectCreateCommand())
	cmd.AddCommand(newProjectListCommand())
	return cmd
}

func newProjectCreateCommand() *cobra.Command {
	var (
		name        string
		rootPath    string
		interactive bool
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a new project",
		RunE: func(cmd *cobra.Command, args []string) error {
			if interactive || name == "" || rootPath == "" {
				if err := surveyProject(&name, &rootPath); err != nil {
					return err
				}
			}

			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			reg, err := openRegistry(cfg)
			if err != nil {
				return err
			}

			proj, err := reg.CreateProject(name, rootPath)
			if err != nil {
				return err
			}
			fmt.Println(shared.RenderOK(fmt.Sprintf("created project %q (%s)", proj.Name, proj.ID)))
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Project name")
	cmd.Flags().StringVar(&rootPath, "path", "", "Project root directory on disk")
	cmd.Flags().BoolVar(&interactive, "interactive", false, "Prompt for fields instead of using flags")
	return cmd
}

func surveyProject(name, rootPath *string) error {
	questions := []*survey.Question{
		{
			Name:     "name",
			Prompt:   &survey.Input{Message: "Project name:"},
			Validate: survey.Required,
		},
		{
			Name:     "rootPath",
			Prompt:   &survey.Input{Message: "Project root directory:"},
			Validate: survey.Required,
		},
	}
	answers := struct {
		Name     string
		RootPath string
	}{}
	if err := survey.Ask(questions, &answers); err != nil {
		return err
	}
	*name = answers.Name
	*rootPath = answers.RootPath
	return nil
}

func newProjectListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			reg, err := openRegistry(cfg)
			if err != nil {
				return err
			}
			for _, p := range reg.Projects() {
				fmt.Printf("%s\t%s\t%s\n", p.ID, p.Name, p.RootPath)
			}
			return nil
		},
	}
}

// NewSpiderCommand groups spider scaffolding subcommands.
func NewSpiderCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "spider",
		Short: "Manage spiders within a project",
	}
	cmd.AddCommand(newSpiderCreateCommand())
	cmd.AddCommand(newSpiderListCommand())
	return cmd
}

func newSpiderCreateCommand() *cobra.Command {
	var (
		projectID   string
		name        string
		settingsRaw []string
		interactive bool
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a new spider under a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			reg, err := openRegistry(cfg)
			if err != nil {
				return err
			}

			if interactive || projectID == "" || name == "" {
				if err := surveySpider(reg, &projectID, &name, &settingsRaw); err != nil {
					return err
				}
			}

			settings, err := parseSettingsFlags(settingsRaw)
			if err != nil {
				return err
			}
			if err := settingsconfig.Validate(settings); err != nil {
				return err
			}

			sp, err := reg.CreateSpider(projectID, name, settings)
			if err != nil {
				return err
			}
			fmt.Println(shared.RenderOK(fmt.Sprintf("created spider %q (%s)", sp.Name, sp.ID)))
			return nil
		},
	}

	cmd.Flags().StringVar(&projectID, "project", "", "Owning project ID")
	cmd.Flags().StringVar(&name, "name", "", "Spider name")
	cmd.Flags().StringArrayVar(&settingsRaw, "set", nil, "Setting override KEY=VALUE, repeatable")
	cmd.Flags().BoolVar(&interactive, "interactive", false, "Prompt for fields instead of using flags")
	return cmd
}

func surveySpider(reg *registry.Registry, projectID, name *string, settingsRaw *[]string) error {
	projects := reg.Projects()
	if len(projects) == 0 {
		return fmt.Errorf("no projects registered; run 'ctl project create' first")
	}
	labels := make([]string, len(projects))
	for i, p := range projects {
		labels[i] = fmt.Sprintf("%s (%s)", p.Name, p.ID)
	}

	var projectLabel string
	if err := survey.AskOne(&survey.Select{Message: "Project:", Options: labels}, &projectLabel); err != nil {
		return err
	}
	for i, l := range labels {
		if l == projectLabel {
			*projectID = projects[i].ID
			break
		}
	}

	if err := survey.AskOne(&survey.Input{Message: "Spider name:"}, name, survey.WithValidator(survey.Required)); err != nil {
		return err
	}

	var extra string
	if err := survey.AskOne(&survey.Input{Message: "Settings overrides (KEY=VALUE, comma-separated, optional):"}, &extra); err != nil {
		return err
	}
	if extra != "" {
		*settingsRaw = strings.Split(extra, ",")
	}
	return nil
}

func parseSettingsFlags(raw []string) (domain.Settings, error) {
	values := make(map[string]string, len(raw))
	for _, kv := range raw {
		parts := strings.SplitN(strings.TrimSpace(kv), "=", 2)
		if len(parts) != 2 || parts[0] == "" {
			return domain.Settings{}, fmt.Errorf("invalid setting %q, want KEY=VALUE", kv)
		}
		values[parts[0]] = parts[1]
	}
	return domain.Settings{Values: values}, nil
}

func newSpiderListCommand() *cobra.Command {
	var projectID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List spiders, optionally scoped to one project",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			reg, err := openRegistry(cfg)
			if err != nil {
				return err
			}
			for _, s := range reg.Spiders(projectID) {
				fmt.Printf("%s\t%s\t%s\n", s.ID, s.ProjectID, s.Name)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "Restrict to this project ID")
	return cmd
}

// NewScheduleCommand groups schedule provisioning subcommands.
func NewScheduleCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Provision cron schedules for a spider",
	}
	cmd.AddCommand(newScheduleCreateCommand())
	return cmd
}

func newScheduleCreateCommand() *cobra.Command {
	var (
		spiderID string
		cronExpr string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a cron schedule for a spider",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			reg, err := openRegistry(cfg)
			if err != nil {
				return err
			}
			seeder, closeFn, err := openSeeder(cfg)
			if err != nil {
				return err
			}
			defer closeFn()

			sched, err := reg.CreateSchedule(context.Background(), seeder, spiderID, cronExpr, domain.Settings{})
			if err != nil {
				return err
			}
			fmt.Println(shared.RenderOK(fmt.Sprintf("created schedule %s, next fire %s", sched.ID, sched.NextFireTime.Format("2006-01-02T15:04:05Z07:00"))))
			return nil
		},
	}
	cmd.Flags().StringVar(&spiderID, "spider", "", "Spider ID to schedule")
	cmd.Flags().StringVar(&cronExpr, "cron", "", "Cron expression")
	return cmd
}
