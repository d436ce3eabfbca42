package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	mls "github.com/binkos/mls-messenger-sample"
)

var suitesCmd = &cobra.Command{
	Use:   "suites",
	Short: "List the supported cipher suites",
	Run: func(cmd *cobra.Command, args []string) {
		for _, cs := range mls.SupportedCipherSuites() {
			fmt.Printf("0x%04x  %v\n", uint16(cs), cs)
		}
	},
}

func init() {
	RootCmd.AddCommand(suitesCmd)
}
