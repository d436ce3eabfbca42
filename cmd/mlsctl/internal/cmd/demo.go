package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	mls "github.com/binkos/mls-messenger-sample"
	"github.com/binkos/mls-messenger-sample/storage"
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run a two-member group conversation",
	Long: `Run a two-member group conversation against the configured store.

alice creates a group and adds bob, they exchange one message each, and
alice removes bob again.  bob must then fail to read alice's next message.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		conf, err := loadConfig(cmd.Flag("config").Value.String())
		if err != nil {
			return err
		}
		return runDemo(cmd.Context(), conf)
	},
}

func init() {
	RootCmd.AddCommand(demoCmd)
	demoCmd.Flags().StringP("config", "c", "config.toml", "Path to configuration file")
}

type demoMember struct {
	name   string
	client *mls.Client
	store  storage.Store
}

func newDemoMember(conf *Config, name string) (*demoMember, error) {
	mlsConf, err := conf.mlsConfig()
	if err != nil {
		return nil, err
	}
	mlsConf.Logger = mlsConf.Logger.With("member", name)

	store, err := conf.openStore(name)
	if err != nil {
		return nil, err
	}

	cred, err := mls.GenerateCredential([]byte(name), mlsConf.CipherSuite)
	if err != nil {
		store.Close()
		return nil, err
	}

	client, err := mls.NewClient(cred, store, mlsConf)
	if err != nil {
		store.Close()
		return nil, err
	}

	return &demoMember{name: name, client: client, store: store}, nil
}

func runDemo(ctx context.Context, conf *Config) error {
	if ctx == nil {
		ctx = context.Background()
	}

	alice, err := newDemoMember(conf, "alice")
	if err != nil {
		return err
	}
	defer alice.store.Close()

	bob, err := newDemoMember(conf, "bob")
	if err != nil {
		return err
	}
	defer bob.store.Close()

	group, err := alice.client.CreateGroup(ctx, nil)
	if err != nil {
		return err
	}
	fmt.Printf("alice created group %x\n", group)

	kp, err := bob.client.GenerateKeyPackageMessage()
	if err != nil {
		return err
	}

	if _, err := alice.client.ProposeAdd(ctx, group, kp); err != nil {
		return err
	}

	commit, err := alice.client.Commit(ctx, group)
	if err != nil {
		return err
	}

	res, err := bob.client.ProcessIncoming(ctx, group, commit)
	if err != nil {
		return err
	}
	fmt.Printf("bob joined at epoch %d\n", res.Epoch)

	aliceSecret, err := alice.client.ExportSecret(ctx, group, "demo", nil, 32)
	if err != nil {
		return err
	}

	bobSecret, err := bob.client.ExportSecret(ctx, group, "demo", nil, 32)
	if err != nil {
		return err
	}

	if !bytes.Equal(aliceSecret, bobSecret) {
		return fmt.Errorf("alice and bob disagree on the epoch secret")
	}
	fmt.Printf("both derive exporter secret %x\n", aliceSecret)

	if err := exchange(ctx, group, alice, bob, "hello bob"); err != nil {
		return err
	}
	if err := exchange(ctx, group, bob, alice, "hi alice"); err != nil {
		return err
	}

	members, err := alice.client.Members(ctx, group)
	if err != nil {
		return err
	}

	var bobIndex mls.LeafIndex
	for _, m := range members {
		if string(m.Identity) == bob.name {
			bobIndex = m.Index
		}
	}

	if _, err := alice.client.ProposeRemove(ctx, group, bobIndex); err != nil {
		return err
	}

	commit, err = alice.client.Commit(ctx, group)
	if err != nil {
		return err
	}

	_, err = bob.client.ProcessIncoming(ctx, group, commit)
	if !errors.Is(err, mls.ErrRemovedFromGroup) {
		return fmt.Errorf("bob was not removed: %v", err)
	}
	fmt.Println("bob was removed")

	ct, err := alice.client.EncryptApplicationMessage(ctx, group, []byte("bob cannot read this"), nil)
	if err != nil {
		return err
	}

	_, err = bob.client.ProcessIncoming(ctx, group, ct)
	if err == nil {
		return fmt.Errorf("removed member decrypted a message")
	}
	fmt.Printf("bob cannot decrypt: %v\n", err)
	return nil
}

func exchange(ctx context.Context, group []byte, from, to *demoMember, text string) error {
	ct, err := from.client.EncryptApplicationMessage(ctx, group, []byte(text), nil)
	if err != nil {
		return err
	}

	res, err := to.client.ProcessIncoming(ctx, group, ct)
	if err != nil {
		return err
	}

	if res.Kind != mls.ResultApplicationPlaintext || string(res.Plaintext) != text {
		return fmt.Errorf("%s received %v %q", to.name, res.Kind, res.Plaintext)
	}

	fmt.Printf("%s -> %s: %q (%d byte frame)\n", from.name, to.name, res.Plaintext, len(ct))
	return nil
}
