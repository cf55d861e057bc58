package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dubforge/dubforge/internal/cli"
	"github.com/dubforge/dubforge/internal/supervisor"
)

var runLangs []string

var runCmd = &cobra.Command{
	Use:   "run <video> <subtitle>",
	Short: "Create a dubbing task and run it to completion",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		taskID, err := sup.Create(supervisor.JobSpec{
			VideoPath:    args[0],
			SubtitlePath: args[1],
			Targets:      runLangs,
		})
		if err != nil {
			return err
		}
		fmt.Printf("task %s created\n", taskID)

		ch, cancel := orc.Bus.Subscribe(taskID)
		defer cancel()

		if err := sup.Start(taskID); err != nil {
			return err
		}
		if err := cli.RenderProgress(ch); err != nil {
			return err
		}
		return sup.Wait(taskID)
	},
}

func init() {
	runCmd.Flags().StringSliceVarP(&runLangs, "langs", "l", nil,
		"ISO-639 codes of the target languages (i.e. -l ja,ko)")
	_ = runCmd.MarkFlagRequired("langs")
	rootCmd.AddCommand(runCmd)
}
