package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/vigilcore/vigil/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version of vigil",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version.Get().String())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
