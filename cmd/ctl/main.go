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

// Command ctl is the operator-facing CLI: it manages ctlmasterd as a
// supervised background process (start/stop/restart/status/monitor),
// scaffolds the Project/Spider/Schedule registry that stands in for the
// out-of-scope API layer, and can run a single spider embedded in this
// process without a daemon at all.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/crawlplane/ctlmaster/internal/commands/ctlcmd"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "ctl",
		Short:         "Operate the crawl control plane",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(ctlcmd.NewStartCommand())
	rootCmd.AddCommand(ctlcmd.NewStopCommand())
	rootCmd.AddCommand(ctlcmd.NewRestartCommand())
	rootCmd.AddCommand(ctlcmd.NewStatusCommand())
	rootCmd.AddCommand(ctlcmd.NewMonitorCommand())

	rootCmd.AddCommand(ctlcmd.NewProjectCommand())
	rootCmd.AddCommand(ctlcmd.NewSpiderCommand())
	rootCmd.AddCommand(ctlcmd.NewScheduleCommand())
	rootCmd.AddCommand(ctlcmd.NewDispatchCommand())
	rootCmd.AddCommand(ctlcmd.NewRunCommand())

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("ctl %s (commit: %s, built: %s)\n", version, commit, buildDate)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
