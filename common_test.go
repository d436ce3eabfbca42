package mls

import (
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var (
	suite   = X25519_AES128GCM_SHA256_Ed25519
	groupID = []byte{0x01, 0x02, 0x03, 0x04}
	userID  = []byte("res ipsa")
	testNow = time.Unix(1700000000, 0)
)

type TestEnum uint8

var (
	TestEnumInvalid TestEnum = 0xFF
	TestEnumVal0    TestEnum = 0
	TestEnumVal1    TestEnum = 1
)

func TestValidateEnum(t *testing.T) {
	err := validateEnum(TestEnumVal0, TestEnumVal0, TestEnumVal1)
	require.Nil(t, err)

	err = validateEnum(TestEnumInvalid, TestEnumVal0, TestEnumVal1)
	require.Error(t, err)
}

func TestDupAndZeroize(t *testing.T) {
	require.Nil(t, dup(nil))

	in := []byte{1, 2, 3}
	out := dup(in)
	require.Equal(t, in, out)

	zeroize(in)
	require.Equal(t, []byte{0, 0, 0}, in)
	require.Equal(t, []byte{1, 2, 3}, out)
}

//////////

func unhex(h string) []byte {
	b, err := hex.DecodeString(h)
	if err != nil {
		panic(err)
	}
	return b
}

func mustRandom(t *testing.T, size int) []byte {
	out, err := randomBytes(size)
	require.Nil(t, err)
	return out
}

func newTestBundle(t *testing.T, suite CipherSuite, identity string) *KeyPackageBundle {
	cred, err := GenerateCredential([]byte(identity), suite)
	require.Nil(t, err)

	bundle, err := GenerateKeyPackage(suite, cred, KeyPackageOpts{Now: testNow, Lifetime: time.Hour})
	require.Nil(t, err)
	return bundle
}
