package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(rmCmd)
}

var rmCmd = &cobra.Command{
	Use:   "rm ID|FILE...",
	Short: "Clear finished tasks so they can be run again",
	Long: `Remove the stored result or error of each task. Queued and running tasks
are left alone. The server must have [api] enable_clear set.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRm,
}

func runRm(cmd *cobra.Command, args []string) error {
	c, _, err := newClient()
	if err != nil {
		return err
	}

	for _, arg := range args {
		id, err := resolveID(arg)
		if err != nil {
			return err
		}
		cleared, err := c.Clear(cmd.Context(), id)
		if err != nil {
			return err
		}
		if cleared {
			fmt.Printf("Cleared %s\n", id)
		} else {
			fmt.Printf("Nothing to clear for %s\n", id)
		}
	}
	return nil
}
