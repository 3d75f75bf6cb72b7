package cli

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func init() {
	psCmd.Flags().IntVarP(&psRuns, "runs", "n", 10, "Also show this many recent runs (0 to hide)")
	rootCmd.AddCommand(psCmd)
}

var psRuns int

var psCmd = &cobra.Command{
	Use:   "ps",
	Short: "Show queued and running jobs on the server",
	Args:  cobra.NoArgs,
	RunE:  runPs,
}

func runPs(cmd *cobra.Command, args []string) error {
	c, _, err := newClient()
	if err != nil {
		return err
	}

	report, err := c.Jobs(cmd.Context())
	if err != nil {
		return err
	}
	st := report.Stats
	fmt.Printf("Queue: %d/%d waiting, %d running, back-pressure %s\n",
		st.QueueDepth, st.Capacity, st.Running, st.BackPressure)

	if len(report.Jobs) == 0 {
		fmt.Println("No jobs queued or running.")
	} else {
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TASK\tSTATE\tQUEUED\tATTEMPTS")
		for _, j := range report.Jobs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\n",
				j.TaskID.Short(),
				j.State,
				humanize.Time(j.EnqueuedAt),
				j.Attempts,
			)
		}
		w.Flush()
	}

	if psRuns <= 0 {
		return nil
	}
	runs, err := c.Runs(cmd.Context(), psRuns)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		return nil
	}
	fmt.Println()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tTASK\tOUTCOME\tEXIT\tINPUT\tTOOK\tFINISHED")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			shortRun(r.RunID),
			r.TaskID.Short(),
			r.Outcome,
			r.ExitCode,
			humanize.Bytes(uint64(r.InputBytes)),
			r.FinishedAt.Sub(r.StartedAt).Round(time.Second),
			humanize.Time(r.FinishedAt),
		)
	}
	return w.Flush()
}

func shortRun(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
