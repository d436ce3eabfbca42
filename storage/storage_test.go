package storage

import (
	"testing"

	mh "github.com/multiformats/go-multihash"
	"github.com/stretchr/testify/require"
)

func TestSealOpen(t *testing.T) {
	value := []byte("group state")

	sealed, err := Seal(value)
	require.Nil(t, err)
	require.Len(t, sealed, len(value)+34)

	opened, err := Open(sealed)
	require.Nil(t, err)
	require.Equal(t, value, opened)

	empty, err := Seal(nil)
	require.Nil(t, err)
	opened, err = Open(empty)
	require.Nil(t, err)
	require.Empty(t, opened)
}

func TestOpenDetectsDamage(t *testing.T) {
	sealed, err := Seal([]byte("group state"))
	require.Nil(t, err)

	flipped := append([]byte{}, sealed...)
	flipped[len(flipped)-1] ^= 0x01
	_, err = Open(flipped)
	require.ErrorIs(t, err, ErrCorrupted)

	_, err = Open(sealed[:len(sealed)-1])
	require.ErrorIs(t, err, ErrCorrupted)

	_, err = Open(sealed[:10])
	require.ErrorIs(t, err, ErrCorrupted)

	_, err = Open(nil)
	require.ErrorIs(t, err, ErrCorrupted)

	_, err = Open([]byte("not sealed at all"))
	require.ErrorIs(t, err, ErrCorrupted)
}

func TestOpenAcceptsOtherHashes(t *testing.T) {
	value := []byte("group state")
	digest, err := mh.Sum(value, mh.SHA2_512, -1)
	require.Nil(t, err)

	opened, err := Open(append(digest, value...))
	require.Nil(t, err)
	require.Equal(t, value, opened)
}
