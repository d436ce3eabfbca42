// Package cmd implements the mlsctl commands.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// RootCmd represents the base "mlsctl" command when called without any subcommands.
var RootCmd = &cobra.Command{
	Use:   "mlsctl",
	Short: "Group end-to-end encryption core built on MLS",
	Long: `mlsctl drives the MLS messaging core: it generates key packages,
lists cipher suites and runs a two-member demo against a state store.`,
	SilenceUsage: true,
}

// Execute adds all subcommands to the RootCmd and sets their flags
// appropriately.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(-1)
	}
}
