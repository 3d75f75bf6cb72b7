package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(pingCmd)
}

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check that the server is reachable and show its version",
	Args:  cobra.NoArgs,
	RunE:  runPing,
}

func runPing(cmd *cobra.Command, args []string) error {
	c, _, err := newClient()
	if err != nil {
		return err
	}
	hello, err := c.Hello(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Printf("%s %s at %s\n", hello.Title, hello.VersionString(), c.BaseURL())
	return nil
}
