package identity

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/weft/internal/proto"
)

func TestGenerateProducesValidIdentity(t *testing.T) {
	id, err := Generate()
	require.NoError(t, err)
	assert.True(t, id.Address().Valid())
	assert.True(t, id.Validate())
	assert.True(t, id.HasPrivate())
	assert.Len(t, id.PublicKey(), PublicKeySize)
}

func TestStringParseRoundTrip(t *testing.T) {
	id, err := Generate()
	require.NoError(t, err)

	full, err := Parse(id.String())
	require.NoError(t, err)
	assert.Equal(t, id.Address(), full.Address())
	assert.Equal(t, id.Hash(), full.Hash())
	assert.True(t, full.HasPrivate())
	assert.True(t, full.Validate())

	// The public part alone parses to a verifying, non-signing identity.
	parts := strings.SplitN(id.String(), ":", 3)
	pub, err := Parse(parts[0] + ":" + parts[1])
	require.NoError(t, err)
	assert.Equal(t, id.Address(), pub.Address())
	assert.False(t, pub.HasPrivate())
}

func TestParseRejectsTampered(t *testing.T) {
	id, err := Generate()
	require.NoError(t, err)
	other, err := Generate()
	require.NoError(t, err)

	// Claiming another identity's address must fail the derivation check.
	parts := strings.SplitN(id.String(), ":", 3)
	_, err = Parse(other.Address().String() + ":" + parts[1])
	assert.ErrorIs(t, err, ErrInvalidIdentity)

	// A private key that does not match the public half must fail.
	otherParts := strings.SplitN(other.String(), ":", 3)
	_, err = Parse(parts[0] + ":" + parts[1] + ":" + otherParts[2])
	assert.ErrorIs(t, err, ErrInvalidIdentity)

	for _, s := range []string{"", "x", "gggggggggg:00", "0123456789"} {
		_, err := Parse(s)
		assert.Error(t, err, s)
	}
}

func TestFromPublicKeyChecksAddress(t *testing.T) {
	id, err := Generate()
	require.NoError(t, err)

	got, err := FromPublicKey(id.Address(), id.PublicKey())
	require.NoError(t, err)
	assert.Equal(t, id.Hash(), got.Hash())

	_, err = FromPublicKey(id.Address()^proto.Address(1), id.PublicKey())
	assert.ErrorIs(t, err, ErrInvalidIdentity)

	_, err = FromPublicKey(id.Address(), id.PublicKey()[:PublicKeySize-1])
	assert.ErrorIs(t, err, ErrInvalidIdentity)
}

func TestAgreeIsSymmetric(t *testing.T) {
	a, err := Generate()
	require.NoError(t, err)
	b, err := Generate()
	require.NoError(t, err)

	ab, err := a.Agree(b)
	require.NoError(t, err)
	ba, err := b.Agree(a)
	require.NoError(t, err)

	assert.Equal(t, ab.Crypt, ba.Crypt)
	assert.Equal(t, ab.MAC, ba.MAC)
	assert.Equal(t, ab.Probe, ba.Probe)
	assert.NotEqual(t, ab.Crypt, ab.MAC)

	c, err := Generate()
	require.NoError(t, err)
	ac, err := a.Agree(c)
	require.NoError(t, err)
	assert.NotEqual(t, ab.Crypt, ac.Crypt)

	// Agreement needs our private half.
	pub, err := FromPublicKey(b.Address(), b.PublicKey())
	require.NoError(t, err)
	_, err = pub.Agree(a)
	assert.ErrorIs(t, err, ErrNoPrivateKey)
}

func TestSignVerify(t *testing.T) {
	id, err := Generate()
	require.NoError(t, err)

	msg := []byte("frame origin authentication")
	sig, err := id.Sign(msg)
	require.NoError(t, err)
	assert.True(t, id.Verify(msg, sig))
	assert.False(t, id.Verify([]byte("other message"), sig))
	assert.False(t, id.Verify(msg, sig[:len(sig)-1]))

	other, err := Generate()
	require.NoError(t, err)
	assert.False(t, other.Verify(msg, sig))
}
