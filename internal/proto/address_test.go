package proto

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddressRoundTrip(t *testing.T) {
	a, err := NewAddress([]byte{0x01, 0x23, 0x45, 0x67, 0x89})
	require.NoError(t, err)
	assert.Equal(t, Address(0x0123456789), a)
	assert.Equal(t, "0123456789", a.String())

	parsed, err := ParseAddress("0123456789")
	require.NoError(t, err)
	assert.Equal(t, a, parsed)

	assert.Equal(t, []byte{0x01, 0x23, 0x45, 0x67, 0x89}, a.AppendTo(nil))

	var b [5]byte
	a.CopyTo(b[:])
	assert.Equal(t, [5]byte{0x01, 0x23, 0x45, 0x67, 0x89}, b)
}

func TestAddressReserved(t *testing.T) {
	assert.True(t, Address(0).IsReserved())
	assert.False(t, Address(0).Valid())

	// The first wire byte of a reserved address collides with the
	// fragment indicator.
	ff, err := NewAddress([]byte{0xff, 0x00, 0x00, 0x00, 0x01})
	require.NoError(t, err)
	assert.True(t, ff.IsReserved())
	assert.False(t, ff.Valid())

	ok, err := NewAddress([]byte{0xfe, 0xff, 0xff, 0xff, 0xff})
	require.NoError(t, err)
	assert.True(t, ok.Valid())
}

func TestParseAddressRejects(t *testing.T) {
	for _, s := range []string{"", "012345678", "0123456789ab", "012345678g"} {
		_, err := ParseAddress(s)
		assert.Error(t, err, s)
	}
}

func TestMACOverlayScheme(t *testing.T) {
	// Locally administered unicast MAC carrying 0x00deadbeef in the low
	// 40 bits.
	m := MAC{0x3e, 0x00, 0xde, 0xad, 0xbe, 0xef}
	assert.False(t, m.IsMulticast())
	assert.True(t, m.IsOverlay())
	assert.Equal(t, Address(0x00deadbeef), m.ToAddress())

	from := MACFromAddress(0x0123456789)
	assert.True(t, from.IsOverlay())
	assert.Equal(t, Address(0x0123456789), from.ToAddress())

	// Globally administered MACs are never overlay addresses.
	assert.False(t, MAC{0x00, 0x11, 0x22, 0x33, 0x44, 0x55}.IsOverlay())
	// Group addresses are never overlay addresses.
	assert.False(t, MAC{0x33, 0x33, 0x00, 0x00, 0x00, 0x01}.IsOverlay())
	// A carried address must itself be valid.
	assert.False(t, MAC{0x3e, 0x00, 0x00, 0x00, 0x00, 0x00}.IsOverlay())
}

func TestMACBroadcastAndMulticast(t *testing.T) {
	bcast := MAC{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	assert.True(t, bcast.IsBroadcast())
	assert.True(t, bcast.IsMulticast())

	v6mc := MAC{0x33, 0x33, 0x00, 0x00, 0x00, 0x01}
	assert.False(t, v6mc.IsBroadcast())
	assert.True(t, v6mc.IsMulticast())
}

func TestDeriveAddressResolutionGroup(t *testing.T) {
	g := DeriveAddressResolutionGroup(netip.MustParseAddr("10.1.2.3"))
	assert.Equal(t, BroadcastGroup().MAC, g.MAC)
	assert.Equal(t, uint32(0x0a010203), g.ADI)

	// Distinct target IPs land on distinct subchannels.
	g2 := DeriveAddressResolutionGroup(netip.MustParseAddr("10.1.2.4"))
	assert.NotEqual(t, g, g2)

	assert.Equal(t, uint32(0), BroadcastGroup().ADI)
}
