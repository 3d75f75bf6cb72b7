package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status ID|FILE...",
	Short: "Show the status of tasks",
	Long:  `Show the status of each task. A file argument is hashed to find its task.`,
	Args:  cobra.MinimumNArgs(1),
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	c, _, err := newClient()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TASK\tCODE\tSTATUS\tDETAIL")
	for _, arg := range args {
		id, err := resolveID(arg)
		if err != nil {
			w.Flush()
			return err
		}
		rec, err := c.Status(cmd.Context(), id)
		if err != nil {
			w.Flush()
			return fmt.Errorf("%s: %w", id.Short(), err)
		}
		detail := rec.ErrorText()
		if detail == "" && rec.EstimateSeconds != nil {
			detail = fmt.Sprintf("~%.0fs", *rec.EstimateSeconds)
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", id, rec.Code, rec.Code, firstLine(detail))
	}
	return w.Flush()
}

func firstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return s[:i] + " ..."
		}
	}
	return s
}
