package mls

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type streamTestVec struct {
	Data []byte `tls:"head=2"`
}

var streamTestInputs = struct {
	val1    uint8
	val2    uint16
	val3    streamTestVec
	val4    uint32
	encoded []byte
}{
	0xA0,
	0xB0B0,
	streamTestVec{[]byte{0xC0, 0xC0, 0xC0}},
	0xD0D0D0D0,
	unhex("A0B0B00003C0C0C0D0D0D0D0"),
}

func TestMarshalAll(t *testing.T) {
	encoded, err := marshalAll(streamTestInputs.val1, streamTestInputs.val2,
		streamTestInputs.val3, streamTestInputs.val4)
	require.Nil(t, err)
	require.Equal(t, streamTestInputs.encoded, encoded)
}

func TestUnmarshalExact(t *testing.T) {
	var val streamTestVec
	err := unmarshalExact(unhex("0003C0C0C0"), &val)
	require.Nil(t, err)
	require.Equal(t, streamTestInputs.val3, val)

	// Trailing data
	err = unmarshalExact(unhex("0003C0C0C000"), &val)
	require.True(t, errors.Is(err, ErrMalformedMessage))

	// Truncated data
	err = unmarshalExact(unhex("0003C0C0"), &val)
	require.True(t, errors.Is(err, ErrMalformedMessage))
}

func TestBytes1(t *testing.T) {
	b := Bytes1{0x01, 0x02}
	data, err := b.MarshalTLS()
	require.Nil(t, err)
	require.Equal(t, unhex("020102"), data)

	var decoded Bytes1
	read, err := decoded.UnmarshalTLS(data)
	require.Nil(t, err)
	require.Equal(t, len(data), read)
	require.Equal(t, b, decoded)
}
