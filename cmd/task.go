package cmd

import (
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel <task-id>",
	Short: "Cancel a running task, leaving its artifacts for resume",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sup.Cancel(args[0])
		fmt.Printf("task %s cancelled\n", args[0])
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <task-id>",
	Short: "Cancel (if running) and remove a task's directory tree",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := sup.Delete(args[0]); err != nil {
			return err
		}
		fmt.Printf("task %s deleted\n", args[0])
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List every task on disk and whether it is resumable",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		summaries, err := sup.ListResumable()
		if err != nil {
			return err
		}
		if len(summaries) == 0 {
			fmt.Println("no tasks")
			return nil
		}

		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"Task", "Created", "Targets", "Stages", "Resumable"})
		table.SetBorder(false)
		for _, s := range summaries {
			resumable := "no"
			if s.Resumable {
				resumable = "yes"
			}
			table.Append([]string{
				s.TaskID,
				s.CreatedAt.Format("2006-01-02 15:04"),
				fmt.Sprintf("%v", s.Targets),
				fmt.Sprintf("%d/%d", s.Done, s.Stages),
				resumable,
			})
		}
		table.Render()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(listCmd)
}
