package cmd

import (
	"bytes"
	"fmt"
	"os"
	"path"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"
)

// initCmd represents the init command
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a configuration file",
	Long:  `Create a configuration file with the default settings`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := cmd.Flag("dir").Value.String()
		return mkConfig(dir)
	},
}

func init() {
	RootCmd.AddCommand(initCmd)
	initCmd.Flags().StringP("dir", "d", ".", "Location of directory for storing generated files")
}

func mkConfig(dir string) error {
	file := path.Join(dir, "config.toml")
	conf := defaultConfig()

	var confBuf bytes.Buffer
	e := toml.NewEncoder(&confBuf)
	if err := e.Encode(conf); err != nil {
		return err
	}

	if err := os.WriteFile(file, confBuf.Bytes(), 0644); err != nil {
		return err
	}

	fmt.Println("wrote", file)
	return nil
}
