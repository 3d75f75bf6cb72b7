package cli

import (
	"github.com/spf13/cobra"

	"github.com/propserve/propserve/internal/daemon"
)

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Host to listen on (overrides config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Port to listen on (overrides config)")
	serveCmd.Flags().StringVar(&serveTool, "tool", "", "Tool executable (overrides [tool] path)")
	serveCmd.Flags().IntVar(&serveWorkers, "workers", 0, "Concurrent tool runs (overrides [workers] concurrency)")
	rootCmd.AddCommand(serveCmd)
}

var (
	serveHost    string
	servePort    int
	serveTool    string
	serveWorkers int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the propserve API server and workers",
	Long: `Start the HTTP API and the worker pool. Inputs land under the inbound
root, results under the serve root; both are set in [storage].`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if serveHost != "" {
		cfg.API.Host = serveHost
	}
	if servePort > 0 {
		cfg.API.Port = servePort
	}
	if serveTool != "" {
		cfg.Tool.Path = serveTool
	}
	if serveWorkers > 0 {
		cfg.Workers.Concurrency = serveWorkers
	}

	logger, closer, err := daemon.NewLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer closer.Close()

	d, err := daemon.NewWithConfig(cfg, logger, rootCmd.Version)
	if err != nil {
		return err
	}
	defer d.Close()

	return d.Serve(cmd.Context())
}
