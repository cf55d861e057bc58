package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dubforge/dubforge/internal/cli"
)

var resumeCmd = &cobra.Command{
	Use:   "resume <task-id>",
	Short: "Resume a task from its first non-done stage",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		taskID := args[0]
		ch, cancel := orc.Bus.Subscribe(taskID)
		defer cancel()

		if err := sup.Start(taskID); err != nil {
			return err
		}
		fmt.Printf("resuming task %s\n", taskID)
		if err := cli.RenderProgress(ch); err != nil {
			return err
		}
		return sup.Wait(taskID)
	},
}

func init() {
	rootCmd.AddCommand(resumeCmd)
}
