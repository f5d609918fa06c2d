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

	"github.com/spf13/cobra"

	"github.com/crawlplane/ctlmaster/internal/commands/shared"
	"github.com/crawlplane/ctlmaster/internal/config"
	"github.com/crawlplane/ctlmaster/pkg/settingsconfig"
)

// NewDispatchCommand validates a would-be DispatchRequest against the
// local registry without touching a running daemon's queue. internal/
// queue's Queue interface anticipates "manual dispatch entry points"
// alongside the Scheduler; this is the dry-run half of that surface —
// the half that needs no running ctlmasterd to be useful.
func NewDispatchCommand() *cobra.Command {
	var (
		spiderID   string
		scheduleID string
		dryRun     bool
	)

	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Validate (and, once connected, submit) a manual dispatch request",
		Long: `Dispatch checks that spiderID resolves to a registered
project/spider and that its settings pass the closed-schema validator,
exactly what the Dispatcher would do before handing a request to the
Worker Supervisor.

Only --dry-run is implemented today: it reports whether the request
would be accepted, without enqueueing anything. Submitting a live
dispatch requires reaching a running ctlmasterd's queue, which this
command does not yet do.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !dryRun {
				return fmt.Errorf("only --dry-run is supported; there is no running-daemon submission path yet")
			}
			return runDispatchDryRun(spiderID, scheduleID)
		},
	}

	cmd.Flags().StringVar(&spiderID, "spider", "", "Spider ID to dispatch")
	cmd.Flags().StringVar(&scheduleID, "schedule", "", "Originating schedule ID, if any")
	cmd.Flags().BoolVar(&dryRun, "dry-run", true, "Validate without submitting")
	return cmd
}

func runDispatchDryRun(spiderID, scheduleID string) error {
	if spiderID == "" {
		return fmt.Errorf("--spider is required")
	}

	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	reg, err := openRegistry(cfg)
	if err != nil {
		return err
	}

	req, err := reg.Lookup(context.Background(), spiderID)
	if err != nil {
		return fmt.Errorf("dispatch would be rejected: %w", err)
	}
	if err := settingsconfig.Validate(req.Settings); err != nil {
		return fmt.Errorf("dispatch would be rejected: %w", err)
	}

	fmt.Println(shared.RenderOK(fmt.Sprintf(
		"dispatch of spider %q (project %s) would be accepted%s",
		req.SpiderName, req.ProjectID, scheduleSuffix(scheduleID),
	)))
	return nil
}

func scheduleSuffix(scheduleID string) string {
	if scheduleID == "" {
		return ""
	}
	return fmt.Sprintf(" via schedule %s", scheduleID)
}
