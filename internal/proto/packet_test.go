package proto

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) *[32]byte {
	t.Helper()
	var k [32]byte
	_, err := rand.Read(k[:])
	require.NoError(t, err)
	return &k
}

func TestPacketHeaderFields(t *testing.T) {
	p := NewPacket(0xdeadbeef, 0x0123456789, VerbFrame)

	assert.Equal(t, Address(0xdeadbeef), p.Destination())
	assert.Equal(t, Address(0x0123456789), p.Source())
	assert.Equal(t, VerbFrame, p.Verb())
	assert.Equal(t, uint8(0), p.Hops())
	assert.False(t, p.Fragmented())
	assert.False(t, p.Encrypted())
	assert.False(t, p.Compressed())
	assert.Equal(t, MinPacketLength, p.Size())
	require.NoError(t, p.Err())

	p.SetDestination(0xcafe)
	assert.Equal(t, Address(0xcafe), p.Destination())

	p.SetFragmented(true)
	assert.True(t, p.Fragmented())
	p.SetFragmented(false)
	assert.False(t, p.Fragmented())
}

func TestPacketIncrementHops(t *testing.T) {
	p := NewPacket(1, 2, VerbNop)
	p.SetFragmented(true)
	for i := 1; i <= int(FlagHopsMask); i++ {
		p.IncrementHops()
		assert.Equal(t, uint8(i), p.Hops())
	}
	// The counter wraps inside its mask without touching other flags.
	p.IncrementHops()
	assert.Equal(t, uint8(0), p.Hops())
	assert.True(t, p.Fragmented())
}

func TestPacketAppendAndOverflow(t *testing.T) {
	p := NewPacket(1, 2, VerbFrame)
	p.AppendUint8(0xab)
	p.AppendUint16(0x1234)
	p.AppendUint32(0xdeadbeef)
	p.AppendUint64(0x0102030405060708)
	p.AppendAddress(0xaabbccddee)
	p.Append([]byte{9, 9, 9})
	require.NoError(t, p.Err())

	want := []byte{
		0xab,
		0x12, 0x34,
		0xde, 0xad, 0xbe, 0xef,
		0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08,
		0xaa, 0xbb, 0xcc, 0xdd, 0xee,
		9, 9, 9,
	}
	assert.Equal(t, want, p.Payload())

	// Growing past the maximum packet size sets the sticky error and
	// leaves the buffer bounded.
	p.Append(make([]byte, MaxPacketLength))
	assert.ErrorIs(t, p.Err(), ErrPacketTooLarge)
	assert.LessOrEqual(t, p.Size(), MaxPacketLength)
}

func TestPacketCloneIsIndependent(t *testing.T) {
	p := NewPacket(1, 2, VerbFrame)
	p.Append([]byte("payload"))
	c := p.Clone()
	require.Equal(t, p.Data(), c.Data())

	c.SetDestination(0xffffff)
	c.Append([]byte("more"))
	assert.Equal(t, Address(1), p.Destination())
	assert.NotEqual(t, p.Size(), c.Size())
}

func TestPacketResetClearsState(t *testing.T) {
	p := NewPacket(1, 2, VerbFrame)
	p.Append(make([]byte, 100))
	p.SetFragmented(true)
	id := p.PacketID()

	p.Reset(3, 4, VerbHello)
	assert.Equal(t, Address(3), p.Destination())
	assert.Equal(t, Address(4), p.Source())
	assert.Equal(t, VerbHello, p.Verb())
	assert.Equal(t, MinPacketLength, p.Size())
	assert.False(t, p.Fragmented())
	assert.NotEqual(t, id, p.PacketID())
}

func TestPacketEncryptDecryptRoundTrip(t *testing.T) {
	key := testKey(t)
	p := NewPacket(1, 2, VerbFrame)
	p.Append([]byte("the quick brown fox"))
	plain := append([]byte(nil), p.Payload()...)

	p.Encrypt(key)
	assert.True(t, p.Encrypted())
	assert.NotEqual(t, plain, p.Payload())

	p.Decrypt(key)
	assert.False(t, p.Encrypted())
	assert.Equal(t, plain, p.Payload())
	assert.Equal(t, VerbFrame, p.Verb())
}

func TestPacketNewIVChangesKeystream(t *testing.T) {
	key := testKey(t)
	p := NewPacket(1, 2, VerbFrame)
	p.Append([]byte("same plaintext"))

	one := p.Clone()
	one.Encrypt(key)
	two := p.Clone()
	two.NewInitializationVector()
	two.Encrypt(key)

	assert.NotEqual(t, one.Payload(), two.Payload())
}

func TestPacketMACVerify(t *testing.T) {
	key := testKey(t)
	p := NewPacket(1, 2, VerbFrame)
	p.Append([]byte("authenticated data"))
	p.MACSet(key)
	assert.True(t, p.MACVerify(key))

	// The authenticator must survive hop increments: relays mutate the
	// flags byte in flight.
	p.IncrementHops()
	assert.True(t, p.MACVerify(key))

	// Any payload tamper must be caught.
	p.Data()[PacketIdxPayload] ^= 0x01
	assert.False(t, p.MACVerify(key))
	p.Data()[PacketIdxPayload] ^= 0x01
	assert.True(t, p.MACVerify(key))

	assert.False(t, p.MACVerify(testKey(t)))
}

func TestPacketCompressRoundTrip(t *testing.T) {
	p := NewPacket(1, 2, VerbFrame)
	payload := bytes.Repeat([]byte("abcdefgh"), 200)
	p.Append(payload)

	p.Compress()
	require.True(t, p.Compressed())
	assert.Less(t, p.Size(), MinPacketLength+len(payload))

	require.NoError(t, p.Uncompress())
	assert.False(t, p.Compressed())
	assert.Equal(t, payload, p.Payload())
}

func TestPacketCompressSkipsIncompressible(t *testing.T) {
	p := NewPacket(1, 2, VerbFrame)
	payload := make([]byte, 64)
	_, err := rand.Read(payload)
	require.NoError(t, err)
	p.Append(payload)

	p.Compress()
	assert.False(t, p.Compressed())
	assert.Equal(t, payload, p.Payload())
}

func TestParsePacketBounds(t *testing.T) {
	_, err := ParsePacket(make([]byte, MinPacketLength-1))
	assert.ErrorIs(t, err, ErrBufferTooShort)

	_, err = ParsePacket(make([]byte, MaxPacketLength+1))
	assert.ErrorIs(t, err, ErrPacketTooLarge)

	src := NewPacket(5, 6, VerbOK)
	src.Append([]byte{1, 2, 3})
	parsed, err := ParsePacket(src.Data())
	require.NoError(t, err)
	assert.Equal(t, src.Data(), parsed.Data())

	// The parse owns a copy, not the caller's buffer.
	src.Data()[PacketIdxPayload] = 0xff
	assert.NotEqual(t, src.Data(), parsed.Data())
}

func TestFragmentRoundTrip(t *testing.T) {
	p := NewPacket(0xaabbccddee, 0x0102030405, VerbFrame)
	p.Append(bytes.Repeat([]byte{0x5a}, 300))

	frag, err := NewFragment(p, 100, 150, 2, 4)
	require.NoError(t, err)
	assert.Equal(t, p.PacketID(), frag.PacketID())
	assert.Equal(t, p.Destination(), frag.Destination())
	assert.Equal(t, 2, frag.FragmentNumber())
	assert.Equal(t, 4, frag.TotalFragments())
	assert.Equal(t, uint8(0), frag.Hops())
	assert.Equal(t, 150, frag.PayloadLength())
	assert.Equal(t, p.Data()[100:250], frag.Payload())

	parsed, err := ParseFragment(frag.Data())
	require.NoError(t, err)
	assert.Equal(t, frag.Data(), parsed.Data())

	parsed.IncrementHops()
	assert.Equal(t, uint8(1), parsed.Hops())
}

func TestNewFragmentRejectsBadNumbering(t *testing.T) {
	p := NewPacket(1, 2, VerbFrame)
	p.Append(make([]byte, 100))

	cases := []struct {
		name          string
		start, length int
		number, total int
	}{
		{"zero number", 0, 10, 0, 2},
		{"number at limit", 0, 10, MaxPacketFragments, MaxPacketFragments},
		{"total one", 0, 10, 1, 1},
		{"total past limit", 0, 10, 1, MaxPacketFragments + 1},
		{"range past end", 100, 100, 1, 2},
		{"negative start", -1, 10, 1, 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewFragment(p, tc.start, tc.length, tc.number, tc.total)
			assert.ErrorIs(t, err, ErrInvalidFragment)
		})
	}
}

func TestParseFragmentRejectsMalformed(t *testing.T) {
	_, err := ParseFragment(make([]byte, MinFragmentLength-1))
	assert.ErrorIs(t, err, ErrBufferTooShort)

	b := make([]byte, MinFragmentLength+4)
	b[FragmentIdxIndicator] = 0x00 // not the indicator
	_, err = ParseFragment(b)
	assert.ErrorIs(t, err, ErrInvalidFragment)
}
