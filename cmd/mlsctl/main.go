// Executable mlsctl exercises the MLS core from the command line: it writes
// a configuration, prints key packages and runs a two-member demo against a
// chosen state store.
package main

import "github.com/binkos/mls-messenger-sample/cmd/mlsctl/internal/cmd"

func main() {
	cmd.Execute()
}
