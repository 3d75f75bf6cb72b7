package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/propserve/propserve/internal/infra/checksum"
)

func init() {
	rootCmd.AddCommand(hashCmd)
}

var hashCmd = &cobra.Command{
	Use:   "hash FILE...",
	Short: "Print the task id each file would get",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runHash,
}

func runHash(cmd *cobra.Command, args []string) error {
	for _, path := range args {
		id, err := checksum.DigestFile(path, 0)
		if err != nil {
			return err
		}
		fmt.Printf("%s  %s\n", id, path)
	}
	return nil
}
