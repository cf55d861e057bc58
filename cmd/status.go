package cmd

import (
	"github.com/spf13/cobra"

	"github.com/dubforge/dubforge/internal/cli"
)

var statusCmd = &cobra.Command{
	Use:   "status <task-id>",
	Short: "Show a task's per-stage status table",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := sup.State(args[0])
		if err != nil {
			return err
		}
		cli.RenderStatusTable(st)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
