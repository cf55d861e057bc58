package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dubforge/dubforge/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Print(version.GetInfo())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
