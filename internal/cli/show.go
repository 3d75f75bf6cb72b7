package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(showCmd)
}

var showCmd = &cobra.Command{
	Use:   "show ID|FILE",
	Short: "Show everything the server knows about one task",
	Args:  cobra.ExactArgs(1),
	RunE:  runShow,
}

func runShow(cmd *cobra.Command, args []string) error {
	c, _, err := newClient()
	if err != nil {
		return err
	}
	id, err := resolveID(args[0])
	if err != nil {
		return err
	}
	rec, err := c.Status(cmd.Context(), id)
	if err != nil {
		return err
	}

	fmt.Printf("Task:     %s\n", rec.ID)
	fmt.Printf("Status:   %d %s\n", rec.Code, rec.Code)
	if rec.Message != "" {
		fmt.Printf("Message:  %s\n", rec.Message)
	}
	if rec.Options != nil {
		fmt.Printf("Fast:     %t\n", rec.Options.Fast)
		fmt.Printf("Similar:  %d\n", rec.Options.Similar)
		for _, k := range rec.Options.ExtraKeys() {
			fmt.Printf("Option:   %s=%s\n", k, rec.Options.Extra[k])
		}
	}
	if rec.EstimateSeconds != nil {
		fmt.Printf("Estimate: %.0fs\n", *rec.EstimateSeconds)
	}
	if text := rec.ErrorText(); text != "" {
		fmt.Println("Error:")
		for _, line := range strings.Split(strings.TrimRight(text, "\n"), "\n") {
			fmt.Printf("  %s\n", line)
		}
	}
	return nil
}
