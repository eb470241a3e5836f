package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"agentfs/internal/daemon"
)

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Show the effective daemon settings",
	Long: `Print the settings the daemon would start with: the defaults overlaid with
~/.agentfs/settings.yaml. Changes take effect on the next daemon start.`,
	Args: cobra.NoArgs,
	RunE: runSettingsShow,
}

var settingsInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default settings file",
	Args:  cobra.NoArgs,
	RunE:  runSettingsInit,
}

var settingsForce bool

func init() {
	settingsInitCmd.Flags().BoolVar(&settingsForce, "force", false, "Overwrite an existing settings file")
	settingsCmd.AddCommand(settingsInitCmd)
	rootCmd.AddCommand(settingsCmd)
}

func runSettingsShow(cmd *cobra.Command, args []string) error {
	settings, err := daemon.LoadSettings()
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(settings)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "# %s\n", daemon.SettingsPath())
	_, err = out.Write(data)
	return err
}

func runSettingsInit(cmd *cobra.Command, args []string) error {
	if !settingsForce {
		if _, err := daemon.LoadSettings(); err != nil {
			return fmt.Errorf("existing settings are invalid (use --force to reset): %w", err)
		}
		// InitConfigDir already ran and created the file when it was missing
		fmt.Fprintf(cmd.OutOrStdout(), "Settings at %s\n", daemon.SettingsPath())
		return nil
	}
	if err := daemon.SaveSettings(daemon.DefaultSettings()); err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote default settings to %s\n", daemon.SettingsPath())
	return nil
}
