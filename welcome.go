package mls

import (
	"bytes"
	"fmt"

	"github.com/cisco/go-tls-syntax"
)

///
/// GroupContext
///

// struct {
//     ProtocolVersion version = mls10;
//     CipherSuite cipher_suite;
//     opaque group_id<0..255>;
//     uint64 epoch;
//     opaque tree_hash<0..255>;
//     opaque confirmed_transcript_hash<0..255>;
// } GroupContext;
type GroupContext struct {
	Version                 ProtocolVersion
	CipherSuite             CipherSuite
	GroupID                 []byte `tls:"head=1"`
	Epoch                   Epoch
	TreeHash                []byte `tls:"head=1"`
	ConfirmedTranscriptHash []byte `tls:"head=1"`
}

///
/// GroupInfo
///

// struct {
//     GroupContext group_context;
//     RatchetTree tree;
//     opaque confirmation_tag<0..255>;
//     KeyPackageRef consumed<0..2^32-1>;
//     uint32 signer;
//     opaque signature<0..2^16-1>;
// } GroupInfo;
type GroupInfo struct {
	GroupContext        GroupContext
	Tree                RatchetTree
	ConfirmationTag     []byte          `tls:"head=1"`
	ConsumedKeyPackages []KeyPackageRef `tls:"head=4"`
	Signer              LeafIndex
	Signature           []byte `tls:"head=2"`
}

type groupInfoTBS struct {
	GroupContext        GroupContext
	Tree                RatchetTree
	ConfirmationTag     []byte          `tls:"head=1"`
	ConsumedKeyPackages []KeyPackageRef `tls:"head=4"`
	Signer              LeafIndex
}

func (gi GroupInfo) toBeSigned() ([]byte, error) {
	return syntax.Marshal(groupInfoTBS{
		GroupContext:        gi.GroupContext,
		Tree:                gi.Tree,
		ConfirmationTag:     gi.ConfirmationTag,
		ConsumedKeyPackages: gi.ConsumedKeyPackages,
		Signer:              gi.Signer,
	})
}

func (gi *GroupInfo) sign(index LeafIndex, priv *SignaturePrivateKey) error {
	gi.Signer = index

	tbs, err := gi.toBeSigned()
	if err != nil {
		return err
	}

	gi.Signature, err = gi.GroupContext.CipherSuite.Sign(priv, "GroupInfoTBS", tbs)
	return err
}

// verify checks the signature against the signer's leaf in the carried tree
// and that the tree matches the hash the context commits to.
func (gi GroupInfo) verify() error {
	suite := gi.GroupContext.CipherSuite
	signer, ok := gi.Tree.LeafNode(gi.Signer)
	if !ok {
		return fmt.Errorf("mls.welcome: %w: signer %d not in tree", ErrUnknownSender, gi.Signer)
	}

	tbs, err := gi.toBeSigned()
	if err != nil {
		return err
	}

	err = suite.Verify(signer.Credential.PublicKey(), "GroupInfoTBS", tbs, gi.Signature)
	if err != nil {
		return fmt.Errorf("mls.welcome: group info: %w", err)
	}

	treeHash, err := gi.Tree.RootHash()
	if err != nil {
		return err
	}

	if !bytes.Equal(treeHash, gi.GroupContext.TreeHash) {
		return fmt.Errorf("mls.welcome: %w: tree does not match tree hash", ErrMalformedMessage)
	}
	return nil
}

///
/// Welcome
///

// struct {
//     opaque path_secret<1..255>;
// } PathSecret;
type PathSecret struct {
	Data []byte `tls:"head=1"`
}

// struct {
//     opaque joiner_secret<1..255>;
//     optional<PathSecret> path_secret;
// } GroupSecrets;
type GroupSecrets struct {
	JoinerSecret []byte      `tls:"head=1"`
	PathSecret   *PathSecret `tls:"optional"`
}

// struct {
//     KeyPackageRef new_member;
//     HPKECiphertext encrypted_group_secrets;
// } EncryptedGroupSecrets;
type EncryptedGroupSecrets struct {
	NewMember             KeyPackageRef
	EncryptedGroupSecrets HPKECiphertext
}

// struct {
//     CipherSuite cipher_suite;
//     EncryptedGroupSecrets secrets<0..2^32-1>;
//     opaque encrypted_group_info<1..2^32-1>;
// } Welcome;
type Welcome struct {
	CipherSuite        CipherSuite
	Secrets            []EncryptedGroupSecrets `tls:"head=4"`
	EncryptedGroupInfo []byte                  `tls:"head=4"`
}

// newWelcome seals the GroupInfo under the welcome key; the group secrets
// are added per joiner with EncryptTo.
func newWelcome(suite CipherSuite, joinerSecret []byte, gi *GroupInfo) (*Welcome, error) {
	giData, err := syntax.Marshal(gi)
	if err != nil {
		return nil, err
	}

	kn := welcomeKeyAndNonce(suite, joinerSecret)
	defer kn.zeroize()

	encGroupInfo, err := suite.AEADSeal(kn.Key, kn.Nonce, []byte{}, giData)
	if err != nil {
		return nil, err
	}

	return &Welcome{
		CipherSuite:        suite,
		Secrets:            []EncryptedGroupSecrets{},
		EncryptedGroupInfo: encGroupInfo,
	}, nil
}

func (w *Welcome) EncryptTo(kp KeyPackage, joinerSecret, pathSecret []byte) error {
	ref, err := kp.Ref()
	if err != nil {
		return err
	}

	gs := GroupSecrets{JoinerSecret: joinerSecret}
	if pathSecret != nil {
		gs.PathSecret = &PathSecret{Data: pathSecret}
	}

	gsData, err := syntax.Marshal(gs)
	if err != nil {
		return err
	}
	defer zeroize(gsData)

	ct, err := w.CipherSuite.KEMEncap(kp.InitKey, "Welcome", w.EncryptedGroupInfo, gsData)
	if err != nil {
		return err
	}

	w.Secrets = append(w.Secrets, EncryptedGroupSecrets{
		NewMember:             ref,
		EncryptedGroupSecrets: ct,
	})
	return nil
}

// Find reports whether the Welcome carries secrets for the key package.
func (w Welcome) Find(kp KeyPackage) (int, bool) {
	ref, err := kp.Ref()
	if err != nil {
		return 0, false
	}

	for i, egs := range w.Secrets {
		if egs.NewMember.Equals(ref) {
			return i, true
		}
	}
	return 0, false
}

func (w Welcome) decryptSecrets(index int, initPriv HPKEPrivateKey) (*GroupSecrets, error) {
	data, err := w.CipherSuite.KEMDecap(initPriv, "Welcome", w.EncryptedGroupInfo, w.Secrets[index].EncryptedGroupSecrets)
	if err != nil {
		return nil, decryptionError(err)
	}
	defer zeroize(data)

	gs := new(GroupSecrets)
	if err := unmarshalExact(data, gs); err != nil {
		return nil, err
	}
	return gs, nil
}

func (w Welcome) decryptGroupInfo(joinerSecret []byte) (*GroupInfo, error) {
	kn := welcomeKeyAndNonce(w.CipherSuite, joinerSecret)
	defer kn.zeroize()

	data, err := w.CipherSuite.AEADOpen(kn.Key, kn.Nonce, []byte{}, w.EncryptedGroupInfo)
	if err != nil {
		return nil, decryptionError(err)
	}

	gi := new(GroupInfo)
	if err := unmarshalExact(data, gi); err != nil {
		return nil, err
	}

	if gi.GroupContext.CipherSuite != w.CipherSuite {
		return nil, fmt.Errorf("mls.welcome: %w: group info suite %v, welcome %v", ErrMalformedMessage, gi.GroupContext.CipherSuite, w.CipherSuite)
	}

	gi.Tree.Suite = w.CipherSuite
	if err := gi.Tree.validate(); err != nil {
		return nil, fmt.Errorf("mls.welcome: %w: %v", ErrMalformedMessage, err)
	}
	return gi, nil
}
