package main

import (
	"fmt"
	"strings"

	"github.com/aretw0/tandem"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of tandem",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "tandem version %s\n", strings.TrimSpace(tandem.Version))
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
