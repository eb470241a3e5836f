// Copyright 2024 AgentFS Authors
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

package util

import (
	"context"
	"fmt"
	"io"
	"os"
)

// DaemonStartConfig configures daemon start behavior.
type DaemonStartConfig struct {
	Notify     io.Writer  // Status messages; nil is silent
	PollConfig PollConfig // How long to wait for the daemon to come up
	LogFile    *os.File   // Daemon stdout/stderr before its own logging starts
}

// StartDaemonIfNeeded starts the daemon in the background unless isRunning
// already reports it. startArgs are passed to the current executable, for
// example []string{"daemon", "start", "--foreground"}.
func StartDaemonIfNeeded(ctx context.Context, cfg DaemonStartConfig, isRunning func() bool, startArgs []string) error {
	if isRunning() {
		return nil
	}
	notify := cfg.Notify
	if notify == nil {
		notify = io.Discard
	}
	fmt.Fprint(notify, "Starting daemon...")

	exe, err := os.Executable()
	if err != nil {
		fmt.Fprintln(notify, " failed")
		return err
	}
	if _, err := StartBackgroundProcess(exe, startArgs, nil, cfg.LogFile); err != nil {
		fmt.Fprintln(notify, " failed")
		return err
	}

	if err := PollUntil(ctx, cfg.PollConfig, isRunning); err != nil {
		fmt.Fprintln(notify, " timeout")
		return fmt.Errorf("daemon did not start in time: %w", err)
	}
	fmt.Fprintln(notify, " done")
	return nil
}
