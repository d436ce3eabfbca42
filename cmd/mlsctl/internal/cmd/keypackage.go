package cmd

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	mls "github.com/binkos/mls-messenger-sample"
	"github.com/binkos/mls-messenger-sample/storage/dsstore"
)

var keyPackageCmd = &cobra.Command{
	Use:   "keypackage",
	Short: "Print a fresh key package message as hex",
	Long: `Print a fresh key package message as hex.

The private keys are not kept, so the output is only useful for inspecting
the encoding or checking a peer's parser.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		conf, err := loadConfig(cmd.Flag("config").Value.String())
		if err != nil {
			return err
		}

		mlsConf, err := conf.mlsConfig()
		if err != nil {
			return err
		}

		identity := cmd.Flag("identity").Value.String()
		cred, err := mls.GenerateCredential([]byte(identity), mlsConf.CipherSuite)
		if err != nil {
			return err
		}

		client, err := mls.NewClient(cred, dsstore.NewMemory(), mlsConf)
		if err != nil {
			return err
		}

		kp, err := client.GenerateKeyPackageMessage()
		if err != nil {
			return err
		}

		fmt.Println(hex.EncodeToString(kp))
		return nil
	},
}

func init() {
	RootCmd.AddCommand(keyPackageCmd)
	keyPackageCmd.Flags().StringP("config", "c", "config.toml", "Path to configuration file")
	keyPackageCmd.Flags().StringP("identity", "i", "mlsctl", "Identity to put in the credential")
}
