// Package cli implements the propserve command-line interface using Cobra.
// `serve` runs the server; the other commands talk to a running server or
// inspect the local task roots.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	serverURL  string
)

var rootCmd = &cobra.Command{
	Use:   "propserve",
	Short: "propserve - run a property-prediction tool as a service",
	Long: `propserve accepts molecule files over HTTP, runs them through the
configured tool on a bounded worker pool and serves the bundled results.

Tasks are keyed by the SHA-1 of the input, so submitting the same file twice
never runs the tool twice.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default $PROPSERVE_HOME/config.toml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "Server URL for client commands (overrides [client] server)")
}

// Execute runs the root command. Called from main.go.
func Execute(version string) {
	rootCmd.Version = version

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
