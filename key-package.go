package mls

import (
	"bytes"
	"crypto"
	"fmt"
	"time"

	"github.com/cisco/go-tls-syntax"
	mh "github.com/multiformats/go-multihash"
)

type ProtocolVersion uint16

const (
	ProtocolVersionMLS10 ProtocolVersion = 1
)

func (pv ProtocolVersion) ValidForTLS() error {
	return validateEnum(pv, ProtocolVersionMLS10)
}

type LeafNodeSource uint8

const (
	LeafNodeSourceKeyPackage LeafNodeSource = 1
	LeafNodeSourceUpdate     LeafNodeSource = 2
	LeafNodeSourceCommit     LeafNodeSource = 3
)

func (lns LeafNodeSource) ValidForTLS() error {
	return validateEnum(lns, LeafNodeSourceKeyPackage, LeafNodeSourceUpdate, LeafNodeSourceCommit)
}

///
/// LeafNode
///

// struct {
//     HPKEPublicKey encryption_key;
//     Credential credential;
//     LeafNodeSource leaf_node_source;
//     Extension extensions<0..2^16-1>;
//     opaque signature<0..2^16-1>;
// } LeafNode;
type LeafNode struct {
	EncryptionKey HPKEPublicKey
	Credential    Credential
	Source        LeafNodeSource
	Extensions    ExtensionList
	Signature     []byte `tls:"head=2"`
}

// Leaves that were not published in a key package are bound to the group
// and position they were created for.
type leafNodeTBS struct {
	EncryptionKey HPKEPublicKey
	Credential    Credential
	Source        LeafNodeSource
	Extensions    ExtensionList
	GroupID       []byte `tls:"head=1"`
	LeafIndex     LeafIndex
}

func (ln LeafNode) toBeSigned(groupID []byte, index LeafIndex) ([]byte, error) {
	tbs := leafNodeTBS{
		EncryptionKey: ln.EncryptionKey,
		Credential:    ln.Credential,
		Source:        ln.Source,
		Extensions:    ln.Extensions,
		GroupID:       []byte{},
	}

	if ln.Source != LeafNodeSourceKeyPackage {
		tbs.GroupID = groupID
		tbs.LeafIndex = index
	}

	return syntax.Marshal(tbs)
}

func (ln *LeafNode) sign(suite CipherSuite, priv *SignaturePrivateKey, groupID []byte, index LeafIndex) error {
	tbs, err := ln.toBeSigned(groupID, index)
	if err != nil {
		return err
	}

	ln.Signature, err = suite.Sign(priv, "LeafNodeTBS", tbs)
	return err
}

func (ln LeafNode) verify(suite CipherSuite, groupID []byte, index LeafIndex) error {
	if ln.Credential.Type() != CredentialTypeBasic {
		return fmt.Errorf("mls.leaf: unsupported credential")
	}

	if ln.Credential.Scheme() != suite.Scheme() {
		return fmt.Errorf("mls.leaf: signature scheme %v does not match suite %v", ln.Credential.Scheme(), suite)
	}

	tbs, err := ln.toBeSigned(groupID, index)
	if err != nil {
		return err
	}

	return suite.Verify(ln.Credential.PublicKey(), "LeafNodeTBS", tbs, ln.Signature)
}

func (ln LeafNode) Equals(o LeafNode) bool {
	lhs, err := syntax.Marshal(ln)
	if err != nil {
		return false
	}

	rhs, err := syntax.Marshal(o)
	if err != nil {
		return false
	}

	return bytes.Equal(lhs, rhs)
}

func (ln LeafNode) clone() LeafNode {
	return LeafNode{
		EncryptionKey: HPKEPublicKey{Data: dup(ln.EncryptionKey.Data)},
		Credential:    ln.Credential.clone(),
		Source:        ln.Source,
		Extensions:    ln.Extensions.clone(),
		Signature:     dup(ln.Signature),
	}
}

///
/// KeyPackage
///

// struct {
//     ProtocolVersion version;
//     CipherSuite cipher_suite;
//     HPKEPublicKey init_key;
//     LeafNode leaf_node;
//     Extension extensions<0..2^16-1>;
//     opaque signature<0..2^16-1>;
// } KeyPackage;
type KeyPackage struct {
	Version     ProtocolVersion
	CipherSuite CipherSuite
	InitKey     HPKEPublicKey
	LeafNode    LeafNode
	Extensions  ExtensionList
	Signature   []byte `tls:"head=2"`
}

type keyPackageTBS struct {
	Version     ProtocolVersion
	CipherSuite CipherSuite
	InitKey     HPKEPublicKey
	LeafNode    LeafNode
	Extensions  ExtensionList
}

// KeyPackageRef identifies a KeyPackage.  It is a multihash of the encoded
// package under the suite's hash.
type KeyPackageRef []byte

func (ref KeyPackageRef) Equals(o KeyPackageRef) bool {
	return bytes.Equal(ref, o)
}

func (ref KeyPackageRef) MarshalTLS() ([]byte, error) {
	return Bytes1(ref).MarshalTLS()
}

func (ref *KeyPackageRef) UnmarshalTLS(data []byte) (int, error) {
	var b Bytes1
	n, err := b.UnmarshalTLS(data)
	if err != nil {
		return 0, err
	}

	*ref = KeyPackageRef(b)
	return n, nil
}

func (kp KeyPackage) toBeSigned() ([]byte, error) {
	return syntax.Marshal(keyPackageTBS{
		Version:     kp.Version,
		CipherSuite: kp.CipherSuite,
		InitKey:     kp.InitKey,
		LeafNode:    kp.LeafNode,
		Extensions:  kp.Extensions,
	})
}

func (kp *KeyPackage) sign(priv *SignaturePrivateKey) error {
	tbs, err := kp.toBeSigned()
	if err != nil {
		return err
	}

	kp.Signature, err = kp.CipherSuite.Sign(priv, "KeyPackageTBS", tbs)
	return err
}

func (kp KeyPackage) Ref() (KeyPackageRef, error) {
	data, err := syntax.Marshal(kp)
	if err != nil {
		return nil, err
	}

	code := uint64(mh.SHA2_256)
	if kp.CipherSuite.hashFunc() == crypto.SHA512 {
		code = mh.SHA2_512
	}

	digest, err := mh.Sum(data, code, -1)
	if err != nil {
		return nil, err
	}
	return KeyPackageRef(digest), nil
}

// Verify checks everything about a key package that every group member can
// check identically: version, suite, and both signatures.
func (kp KeyPackage) Verify(suite CipherSuite) error {
	if kp.Version != ProtocolVersionMLS10 {
		return fmt.Errorf("mls.keypackage: %w: version %d", ErrInvalidKeyPackage, kp.Version)
	}

	if kp.CipherSuite != suite {
		return fmt.Errorf("mls.keypackage: %w: suite %v, group uses %v", ErrInvalidKeyPackage, kp.CipherSuite, suite)
	}

	if !suite.supported() {
		return fmt.Errorf("mls.keypackage: %w: %v", ErrUnsupportedCipherSuite, suite)
	}

	if kp.LeafNode.Source != LeafNodeSourceKeyPackage {
		return fmt.Errorf("mls.keypackage: %w: leaf source %d", ErrInvalidKeyPackage, kp.LeafNode.Source)
	}

	if kp.InitKey.Equals(kp.LeafNode.EncryptionKey) {
		return fmt.Errorf("mls.keypackage: %w: init key reused as leaf key", ErrInvalidKeyPackage)
	}

	if err := kp.LeafNode.verify(suite, nil, 0); err != nil {
		return fmt.Errorf("mls.keypackage: %w: leaf: %w", ErrInvalidKeyPackage, err)
	}

	tbs, err := kp.toBeSigned()
	if err != nil {
		return err
	}

	err = suite.Verify(kp.LeafNode.Credential.PublicKey(), "KeyPackageTBS", tbs, kp.Signature)
	if err != nil {
		return fmt.Errorf("mls.keypackage: %w: %w", ErrInvalidKeyPackage, err)
	}
	return nil
}

// VerifyLifetime is only checked by the member proposing or committing an
// Add, so clock skew between receivers cannot make them disagree.
func (kp KeyPackage) VerifyLifetime(now time.Time) error {
	var lt LifetimeExtension
	found, err := kp.LeafNode.Extensions.Find(&lt)
	if err != nil {
		return fmt.Errorf("mls.keypackage: %w: %v", ErrInvalidKeyPackage, err)
	}

	if found && !lt.Contains(now) {
		return fmt.Errorf("mls.keypackage: %w: outside lifetime", ErrInvalidKeyPackage)
	}
	return nil
}

type KeyPackageOpts struct {
	Now      time.Time
	Lifetime time.Duration
}

// KeyPackageBundle is a KeyPackage along with the private keys needed to
// join a group through it.
type KeyPackageBundle struct {
	KeyPackage KeyPackage
	InitPriv   HPKEPrivateKey
	LeafPriv   HPKEPrivateKey
	SigPriv    SignaturePrivateKey
}

func GenerateKeyPackage(suite CipherSuite, cred *Credential, opts KeyPackageOpts) (*KeyPackageBundle, error) {
	if !suite.supported() {
		return nil, fmt.Errorf("mls.keypackage: %w: %v", ErrUnsupportedCipherSuite, suite)
	}

	sigPriv, ok := cred.PrivateKey()
	if !ok {
		return nil, fmt.Errorf("mls.keypackage: credential has no private key")
	}

	if cred.Scheme() != suite.Scheme() {
		return nil, fmt.Errorf("mls.keypackage: %w: credential scheme %v", ErrInvalidKeyPackage, cred.Scheme())
	}

	initPriv, err := suite.hpke().Generate()
	if err != nil {
		return nil, err
	}

	leafPriv, err := suite.hpke().Generate()
	if err != nil {
		return nil, err
	}

	if opts.Now.IsZero() {
		opts.Now = time.Now()
	}

	leaf := LeafNode{
		EncryptionKey: leafPriv.PublicKey,
		Credential:    cred.clone(),
		Source:        LeafNodeSourceKeyPackage,
	}
	leaf.Credential.RemovePrivateKey()

	if opts.Lifetime > 0 {
		if err := leaf.Extensions.Add(newLifetime(opts.Now, opts.Lifetime)); err != nil {
			return nil, err
		}
	}

	if err := leaf.sign(suite, &sigPriv, nil, 0); err != nil {
		return nil, err
	}

	kp := KeyPackage{
		Version:     ProtocolVersionMLS10,
		CipherSuite: suite,
		InitKey:     initPriv.PublicKey,
		LeafNode:    leaf,
	}

	if err := kp.sign(&sigPriv); err != nil {
		return nil, err
	}

	return &KeyPackageBundle{
		KeyPackage: kp,
		InitPriv:   initPriv,
		LeafPriv:   leafPriv,
		SigPriv:    sigPriv,
	}, nil
}
