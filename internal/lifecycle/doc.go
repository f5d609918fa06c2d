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

/*
Package lifecycle manages the low-level process mechanics the Process
Supervisor builds on: PID files, signal delivery, liveness checks, and
health polling for a supervised unit's subprocess.

# PID File Management

PID files are security-sensitive as they control which process receives shutdown
signals. The package uses exclusive file locking (flock) and atomic creation
(O_EXCL) to prevent race conditions and symlink attacks:

	manager := lifecycle.NewPIDFileManager("/path/to/scheduler.pid")
	if err := manager.Create(1234); err != nil {
	    // Handle error
	}
	defer manager.Remove()

# Process Operations

Process validation ensures signals are sent only to the unit a PID file
actually identifies, preventing accidental kills of unrelated processes
after a PID has been recycled:

	pid, err := manager.Read()
	if err != nil {
	    // Handle error
	}

	if !lifecycle.IsSupervisedProcess(pid, "ctlmasterd") {
	    // PID file is stale
	}

	if err := lifecycle.SendSignal(pid, syscall.SIGTERM); err != nil {
	    // Handle error
	}

# Health Checking

Health polling uses exponential backoff to wait for a unit's HTTP health
endpoint to come up after a (re)start:

	checker := lifecycle.NewHealthChecker("http://localhost:9000/health")
	if err := checker.WaitUntilHealthy(30 * time.Second); err != nil {
	    // Unit failed to start
	}

# Process Spawning

Detached process spawning runs a unit in the background:

	spawner := lifecycle.NewSpawner()
	pid, err := spawner.SpawnDetached("/path/to/ctlmasterd", args, logPath)
	if err != nil {
	    // Handle error
	}

# Lifecycle Logging

All lifecycle events are logged for audit purposes:

	logger := lifecycle.NewLifecycleLogger("/path/to/lifecycle.log")
	logger.LogStart("1.0.0", args, configPath)
	logger.LogStop(pid, force)
*/
package lifecycle
