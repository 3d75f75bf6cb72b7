package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/propserve/propserve/internal/infra/taskstore"
)

func init() {
	lsCmd.Flags().StringVar(&lsKind, "kind", "", "Only show entries of this kind (staged, error, result)")
	rootCmd.AddCommand(lsCmd)
}

var lsKind string

var lsCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List tasks on this machine's storage roots",
	Long: `List every task found under the configured inbound and serve roots. This
reads the filesystem directly and works whether or not the server is up.`,
	Args: cobra.NoArgs,
	RunE: runLs,
}

func runLs(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	layout, err := cfg.Layout()
	if err != nil {
		return err
	}
	store, err := taskstore.New(layout)
	if err != nil {
		return err
	}

	entries, err := store.List()
	if err != nil {
		return err
	}

	shown := 0
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TASK\tKIND\tSIZE\tMODIFIED")
	for _, e := range entries {
		if lsKind != "" && e.Kind.String() != lsKind {
			continue
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			e.ID,
			e.Kind,
			humanize.Bytes(uint64(e.Size)),
			humanize.Time(e.ModTime),
		)
		shown++
	}
	if shown == 0 {
		fmt.Println("No tasks found.")
		return nil
	}
	return w.Flush()
}
