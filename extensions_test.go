package mls

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const ExtensionTypeTwoByte ExtensionType = 0xffff

type TwoByteExtension [2]byte

func (ne TwoByteExtension) Type() ExtensionType {
	return ExtensionTypeTwoByte
}

func TestExtensionList(t *testing.T) {
	// Add an extension to the list
	extBody1 := &TwoByteExtension{0xFF, 0xFE}
	extBody1Data := unhex("FFFE")
	el := ExtensionList{}
	err := el.Add(extBody1)
	require.Nil(t, err)
	require.Equal(t, 1, len(el.Entries))
	require.Equal(t, extBody1.Type(), el.Entries[0].ExtensionType)
	require.Equal(t, extBody1Data, el.Entries[0].ExtensionData)

	// Verify that adding again replaces the first
	extBody2 := &TwoByteExtension{0xFD, 0xFC}
	extBody2Data := unhex("FDFC")
	err = el.Add(extBody2)
	require.Nil(t, err)
	require.Equal(t, 1, len(el.Entries))
	require.Equal(t, extBody2.Type(), el.Entries[0].ExtensionType)
	require.Equal(t, extBody2Data, el.Entries[0].ExtensionData)

	// Verify that the body can be retrieved
	extBody3 := new(TwoByteExtension)
	found, err := el.Find(extBody3)
	require.True(t, found)
	require.Nil(t, err)
	require.Equal(t, extBody2, extBody3)

	// A clone does not share storage
	cloned := el.clone()
	cloned.Entries[0].ExtensionData[0] = 0x00
	require.Equal(t, extBody2Data, el.Entries[0].ExtensionData)

	// Verify that an error is returned if the extension body doesn't consume all
	// of the data in the extension
	el.Entries[0].ExtensionData = append(el.Entries[0].ExtensionData, 0x00)
	found, err = el.Find(extBody3)
	require.True(t, found)
	require.Error(t, err)

	// Verify that unknown extension are reported correctly
	extBody4 := new(LifetimeExtension)
	found, err = el.Find(extBody4)
	require.False(t, found)
	require.Nil(t, err)
}

func TestLifetimeExtension(t *testing.T) {
	lt := newLifetime(testNow, time.Hour)
	require.True(t, lt.Contains(testNow))
	require.True(t, lt.Contains(testNow.Add(time.Hour)))
	require.False(t, lt.Contains(testNow.Add(-time.Second)))
	require.False(t, lt.Contains(testNow.Add(time.Hour+time.Second)))
	require.False(t, lt.Contains(time.Unix(-1, 0)))

	el := ExtensionList{}
	require.Nil(t, el.Add(lt))

	var found LifetimeExtension
	ok, err := el.Find(&found)
	require.True(t, ok)
	require.Nil(t, err)
	require.Equal(t, lt, found)
}
