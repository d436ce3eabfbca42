package mls

import (
	"testing"
	"time"

	mh "github.com/multiformats/go-multihash"
	"github.com/stretchr/testify/require"
)

func TestKeyPackageVerify(t *testing.T) {
	for _, s := range supportedSuites {
		bundle := newTestBundle(t, s, "alice")
		kp := bundle.KeyPackage

		require.Equal(t, ProtocolVersionMLS10, kp.Version)
		require.Equal(t, s, kp.CipherSuite)
		require.Nil(t, kp.Verify(s))
		require.Equal(t, bundle.InitPriv.PublicKey, kp.InitKey)
		require.Equal(t, bundle.LeafPriv.PublicKey, kp.LeafNode.EncryptionKey)

		_, hasPriv := kp.LeafNode.Credential.PrivateKey()
		require.False(t, hasPriv)
	}
}

func TestKeyPackageVerifyFailures(t *testing.T) {
	bundle := newTestBundle(t, suite, "alice")

	err := bundle.KeyPackage.Verify(P256_AES128GCM_SHA256_P256)
	require.ErrorIs(t, err, ErrInvalidKeyPackage)

	tampered := bundle.KeyPackage
	tampered.Signature = dup(tampered.Signature)
	tampered.Signature[0] ^= 0xff
	err = tampered.Verify(suite)
	require.ErrorIs(t, err, ErrInvalidKeyPackage)
	require.ErrorIs(t, err, ErrInvalidSignature)

	// The package signature covers the leaf
	swapped := bundle.KeyPackage
	swapped.LeafNode = newTestBundle(t, suite, "mallory").KeyPackage.LeafNode
	require.ErrorIs(t, swapped.Verify(suite), ErrInvalidKeyPackage)

	reused := bundle.KeyPackage
	reused.InitKey = reused.LeafNode.EncryptionKey
	require.Nil(t, reused.sign(&bundle.SigPriv))
	require.ErrorIs(t, reused.Verify(suite), ErrInvalidKeyPackage)

	versioned := bundle.KeyPackage
	versioned.Version = 2
	require.ErrorIs(t, versioned.Verify(suite), ErrInvalidKeyPackage)
}

func TestKeyPackageLifetime(t *testing.T) {
	bundle := newTestBundle(t, suite, "alice")
	kp := bundle.KeyPackage

	var lt LifetimeExtension
	found, err := kp.LeafNode.Extensions.Find(&lt)
	require.Nil(t, err)
	require.True(t, found)
	require.Equal(t, uint64(testNow.Unix()), lt.NotBefore)

	require.Nil(t, kp.VerifyLifetime(testNow))
	require.Nil(t, kp.VerifyLifetime(testNow.Add(time.Hour)))
	require.ErrorIs(t, kp.VerifyLifetime(testNow.Add(2*time.Hour)), ErrInvalidKeyPackage)
	require.ErrorIs(t, kp.VerifyLifetime(testNow.Add(-time.Minute)), ErrInvalidKeyPackage)

	// Without a lifetime the package never expires
	cred, err := GenerateCredential(userID, suite)
	require.Nil(t, err)

	forever, err := GenerateKeyPackage(suite, cred, KeyPackageOpts{})
	require.Nil(t, err)
	require.Nil(t, forever.KeyPackage.VerifyLifetime(time.Unix(1<<40, 0)))
}

func TestKeyPackageRef(t *testing.T) {
	a := newTestBundle(t, suite, "alice").KeyPackage
	b := newTestBundle(t, suite, "alice").KeyPackage

	refA, err := a.Ref()
	require.Nil(t, err)

	again, err := a.Ref()
	require.Nil(t, err)
	require.True(t, refA.Equals(again))

	refB, err := b.Ref()
	require.Nil(t, err)
	require.False(t, refA.Equals(refB))

	decoded, err := mh.Decode(refA)
	require.Nil(t, err)
	require.Equal(t, uint64(mh.SHA2_256), decoded.Code)
	require.Len(t, decoded.Digest, 32)

	wide := newTestBundle(t, P521_AES256GCM_SHA512_P521, "alice").KeyPackage
	refWide, err := wide.Ref()
	require.Nil(t, err)

	decoded, err = mh.Decode(refWide)
	require.Nil(t, err)
	require.Equal(t, uint64(mh.SHA2_512), decoded.Code)
}

func TestGenerateKeyPackageErrors(t *testing.T) {
	cred, err := GenerateCredential(userID, suite)
	require.Nil(t, err)

	_, err = GenerateKeyPackage(P256_AES128GCM_SHA256_P256, cred, KeyPackageOpts{})
	require.ErrorIs(t, err, ErrInvalidKeyPackage)

	_, err = GenerateKeyPackage(CipherSuite(0x00ff), cred, KeyPackageOpts{})
	require.ErrorIs(t, err, ErrUnsupportedCipherSuite)

	public := cred.clone()
	public.RemovePrivateKey()
	_, err = GenerateKeyPackage(suite, &public, KeyPackageOpts{})
	require.Error(t, err)
}

func TestLeafNodeBinding(t *testing.T) {
	bundle := newTestBundle(t, suite, "alice")

	leaf := bundle.KeyPackage.LeafNode.clone()
	leaf.Source = LeafNodeSourceUpdate
	require.Nil(t, leaf.sign(suite, &bundle.SigPriv, groupID, 3))

	require.Nil(t, leaf.verify(suite, groupID, 3))
	require.Error(t, leaf.verify(suite, groupID, 4))
	require.Error(t, leaf.verify(suite, []byte("other"), 3))
	require.Error(t, leaf.verify(P256_AES128GCM_SHA256_P256, groupID, 3))

	require.True(t, leaf.Equals(leaf.clone()))
	require.False(t, leaf.Equals(bundle.KeyPackage.LeafNode))
}
