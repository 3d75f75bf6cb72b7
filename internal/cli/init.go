package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/propserve/propserve/internal/daemon"
)

func init() {
	initCmd.Flags().BoolVarP(&initForce, "force", "f", false, "Overwrite an existing config file")
	rootCmd.AddCommand(initCmd)
}

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file",
	Long: `Write config.toml with every setting at its default, ready to edit.

Typical edits:
  [tool]
  path     = "/opt/qikprop/bin/xQPROP"
  home_dir = "/opt/qikprop"`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	path := configPath
	if path == "" {
		path = daemon.ConfigPath()
	}
	if _, err := os.Stat(path); err == nil && !initForce {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}

	if err := daemon.SaveConfig(daemon.DefaultConfig(), path); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	fmt.Printf("Wrote %s\n", path)
	return nil
}
