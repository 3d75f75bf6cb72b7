package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/propserve/propserve/internal/client"
	"github.com/propserve/propserve/internal/domain"
	"github.com/propserve/propserve/internal/infra/engine"
)

func init() {
	fetchCmd.Flags().StringVarP(&fetchOut, "output", "o", "", "Where to save the bundle (default <id>.qpout.tar.gz)")
	fetchCmd.Flags().BoolVarP(&fetchList, "list", "l", false, "List the bundle members after saving")
	rootCmd.AddCommand(fetchCmd)
}

var (
	fetchOut  string
	fetchList bool
)

var fetchCmd = &cobra.Command{
	Use:   "fetch ID|FILE",
	Short: "Download the result bundle of a finished task",
	Args:  cobra.ExactArgs(1),
	RunE:  runFetch,
}

func runFetch(cmd *cobra.Command, args []string) error {
	c, _, err := newClient()
	if err != nil {
		return err
	}
	id, err := resolveID(args[0])
	if err != nil {
		return err
	}
	dest := fetchOut
	if dest == "" {
		dest = string(id) + client.ResultSuffix
	}

	res, err := c.Fetch(cmd.Context(), id, dest)
	if err != nil {
		return err
	}
	if res.Code != domain.StatusReady {
		if res.Record != nil && res.Record.ErrorText() != "" {
			text := res.Record.ErrorText()
			return fmt.Errorf("task %s: %s\n%s", id.Short(), res.Code, text)
		}
		return fmt.Errorf("task %s is not ready: %s", id.Short(), res.Code)
	}
	fmt.Printf("Saved %s (%s)\n", dest, humanize.Bytes(uint64(res.Bytes)))

	if fetchList {
		return listBundle(dest)
	}
	return nil
}

func listBundle(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	entries, err := engine.ReadBundle(f, false)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "MEMBER\tSIZE")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\n", e.Name, humanize.Bytes(uint64(e.Size)))
	}
	return w.Flush()
}
