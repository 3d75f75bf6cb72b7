package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/propserve/propserve/internal/client"
	"github.com/propserve/propserve/internal/domain"
)

func init() {
	runCmd.Flags().BoolVar(&runFast, "fast", false, "Run the tool in fast mode")
	runCmd.Flags().IntVar(&runSimilar, "similar", domain.DefaultSimilar, "Number of similar molecules to report")
	runCmd.Flags().StringArrayVar(&runOpts, "opt", nil, "Extra tool option as key=value (repeatable)")
	runCmd.Flags().StringVarP(&runOutDir, "output-dir", "o", "", "Write results here instead of next to each input")
	runCmd.Flags().DurationVar(&runInterval, "interval", 0, "Time between polling rounds (default [client] interval)")
	runCmd.Flags().IntVar(&runRounds, "rounds", 0, "Give up after this many polling rounds (default [client] max_rounds)")
	runCmd.Flags().BoolVarP(&runQuiet, "quiet", "q", false, "Do not print progress")
	rootCmd.AddCommand(runCmd)
}

var (
	runFast     bool
	runSimilar  int
	runOpts     []string
	runOutDir   string
	runInterval time.Duration
	runRounds   int
	runQuiet    bool
)

var runCmd = &cobra.Command{
	Use:   "run FILE...",
	Short: "Submit files and wait for their results",
	Long: `Submit every FILE to the server, then poll until each one is ready or
has failed. A ready task is saved as <name>.qpout.tar.gz; a failed one
leaves its error record in <name>.qpout.tar.gz.err.

Files still running when the rounds run out are reported and can be
collected later with 'propserve fetch'.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	c, cfg, err := newClient()
	if err != nil {
		return err
	}
	opts, err := buildOptions(runFast, runSimilar, runOpts)
	if err != nil {
		return err
	}

	reqs := make([]client.Request, len(args))
	for i, in := range args {
		reqs[i] = client.Request{Input: in}
		if runOutDir != "" {
			reqs[i].Output = filepath.Join(runOutDir, filepath.Base(client.DefaultOutputPath(in)))
		}
	}

	poll := client.PollConfig{
		Interval:  cfg.PollInterval(),
		MaxRounds: cfg.Client.MaxRounds,
	}
	if cmd.Flags().Changed("interval") {
		poll.Interval = runInterval
	}
	if runRounds > 0 {
		poll.MaxRounds = runRounds
	}
	if !runQuiet {
		poll.OnRound = newRoundReporter(len(reqs)).report
	}

	outcomes, runErr := c.Run(cmd.Context(), reqs, opts, poll)
	if !runQuiet {
		clearLine()
	}

	failed := printOutcomes(outcomes)
	if runErr != nil {
		return runErr
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d inputs did not produce a result", failed, len(outcomes))
	}
	return nil
}

// printOutcomes writes one line per input and returns how many did not end
// with a saved result.
func printOutcomes(outcomes []client.Outcome) int {
	failed := 0
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "INPUT\tTASK\tSTATUS\tOUTPUT")
	for _, o := range outcomes {
		status, output := o.Code.String(), o.Output
		switch {
		case o.Err != nil:
			status, output = "rejected", o.Err.Error()
			failed++
		case !o.Resolved:
			status = "pending"
			failed++
		case o.Bytes > 0:
			output = fmt.Sprintf("%s (%s)", o.Output, humanize.Bytes(uint64(o.Bytes)))
		default:
			failed++
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", o.Input, o.TaskID.Short(), status, output)
	}
	w.Flush()
	return failed
}
