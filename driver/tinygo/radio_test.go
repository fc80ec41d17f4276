package tinygo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bluewire/bluewire"
)

func TestUUIDConversionRoundTrip(t *testing.T) {
	// 16-bit SIG UUIDs collapse back to their short form so registry keys
	// match the caller's filters.
	short := bluewire.UUID16(0x180F)
	su, err := toStackUUID(short)
	require.NoError(t, err)
	assert.True(t, su.Is16Bit())
	assert.True(t, fromStackUUID(su).Equal(short))

	long := bluewire.MustParse("34DA3AD1-7110-41A1-B1EF-4430F509CDE7")
	su, err = toStackUUID(long)
	require.NoError(t, err)
	assert.False(t, su.Is16Bit())
	assert.True(t, fromStackUUID(su).Equal(long))
}

func TestToStackUUIDsNilFilter(t *testing.T) {
	out, err := toStackUUIDs(nil)
	require.NoError(t, err)
	assert.Nil(t, out, "nil filter stays nil so the stack discovers everything")
}
