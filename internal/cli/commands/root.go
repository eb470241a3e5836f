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

// Package commands implements the agentfs command line.
package commands

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"agentfs/internal/control"
	"agentfs/internal/daemon"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	codecName   string
	callTimeout time.Duration
	noAutoStart bool
)

// SetVersion sets the version info for --version flag
func SetVersion(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = getVersionString()
}

// getVersionString returns the version string with build info
func getVersionString() string {
	buildDate := formatBuildDate(date)
	if strings.HasSuffix(version, "-dev") {
		return fmt.Sprintf("%s (%s, epoch: %s, commit: %s)", version, buildDate, date, commit)
	}
	return fmt.Sprintf("%s (%s)", version, buildDate)
}

// formatBuildDate converts epoch timestamp to readable date
func formatBuildDate(epoch string) string {
	ts, err := strconv.ParseInt(epoch, 10, 64)
	if err != nil {
		return epoch
	}
	return time.Unix(ts, 0).UTC().Format("2006-01-02")
}

var rootCmd = &cobra.Command{
	Use:   "agentfs",
	Short: "Copy-on-write filesystem for AI agents",
	Long: `AgentFS keeps one working tree per agent: each process can be bound to its
own branch, branches fork from snapshots in O(1), and nothing is copied until
a block is written.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}
		if control.CodecByName(codecName) == nil {
			return fmt.Errorf("unknown codec %q: must be json or cbor", codecName)
		}
		if err := daemon.InitConfigDir(); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		// daemon and settings subcommands manage the daemon themselves
		for c := cmd; c != nil; c = c.Parent() {
			if c.Name() == "daemon" || c.Name() == "settings" {
				return nil
			}
		}
		if noAutoStart || daemon.IsDaemonRunning() {
			return nil
		}
		if err := StartDaemonIfNeeded(cmd.Context(), true); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: could not auto-start daemon: %v\n", err)
		}
		return nil
	},
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.SetVersionTemplate("agentfs version {{.Version}}\n")
	rootCmd.PersistentFlags().StringVar(&codecName, "codec", "json", "Control socket encoding: json or cbor")
	rootCmd.PersistentFlags().DurationVar(&callTimeout, "timeout", 10*time.Second, "Timeout for control requests")
	rootCmd.PersistentFlags().BoolVar(&noAutoStart, "no-auto-start", false, "Do not start the daemon when it is not running")
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}
