// Package identity implements node identities: the long-term keypairs, the
// short address derived from them, and session key agreement between two
// identities.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/curve25519"

	"firestige.xyz/weft/internal/proto"
)

var (
	ErrInvalidIdentity = errors.New("weft: invalid identity")
	ErrNoPrivateKey    = errors.New("weft: identity has no private key")
)

// PublicKeySize is the concatenated public key material: curve25519
// agreement key followed by ed25519 signing key.
const PublicKeySize = 32 + ed25519.PublicKeySize

// Identity is a node's long-term keypair set. The private halves are nil
// for identities learned from the network.
type Identity struct {
	address proto.Address
	hash    proto.IdentityHash

	agreePub  [32]byte
	agreePriv []byte // 32 bytes or nil
	signPub   ed25519.PublicKey
	signPriv  ed25519.PrivateKey // nil for public-only identities
}

// SessionKeys is the symmetric material shared by two identities: a stream
// cipher key, a MAC key, and the cleartext probe token a peer sends to
// identify itself on first contact.
type SessionKeys struct {
	Crypt [32]byte
	MAC   [32]byte
	Probe uint64
}

// Generate creates a new identity, re-rolling the agreement keypair until
// the derived address is not reserved.
func Generate() (*Identity, error) {
	for {
		var priv [32]byte
		if _, err := rand.Read(priv[:]); err != nil {
			return nil, err
		}
		pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
		if err != nil {
			return nil, err
		}
		signPub, signPriv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, err
		}

		id := &Identity{
			agreePriv: priv[:],
			signPub:   signPub,
			signPriv:  signPriv,
		}
		copy(id.agreePub[:], pub)
		id.derive()
		if id.address.Valid() {
			return id, nil
		}
	}
}

// derive computes the identity hash and short address from the public
// keys. The address is the first 5 bytes of the digest.
func (id *Identity) derive() {
	h := sha512.New384()
	h.Write(id.agreePub[:])
	h.Write(id.signPub)
	sum := h.Sum(nil)
	copy(id.hash[:], sum)
	id.address, _ = proto.NewAddress(sum[:proto.AddressLength])
}

func (id *Identity) Address() proto.Address { return id.address }
func (id *Identity) Hash() proto.IdentityHash { return id.hash }
func (id *Identity) HasPrivate() bool { return id.agreePriv != nil }

// PublicKey returns the concatenated public key material.
func (id *Identity) PublicKey() []byte {
	b := make([]byte, 0, PublicKeySize)
	b = append(b, id.agreePub[:]...)
	b = append(b, id.signPub...)
	return b
}

// Validate re-derives the address from the public keys and checks it
// matches. A peer must never enter the peer table with an address that is
// not provably its own.
func (id *Identity) Validate() bool {
	h := sha512.New384()
	h.Write(id.agreePub[:])
	h.Write(id.signPub)
	sum := h.Sum(nil)
	if subtle.ConstantTimeCompare(sum, id.hash[:]) != 1 {
		return false
	}
	want, _ := proto.NewAddress(sum[:proto.AddressLength])
	return want == id.address && id.address.Valid()
}

// Agree computes the session keys shared with other. Both sides arrive at
// the same keys; the direction-independent probe token is derived from the
// same digest.
func (id *Identity) Agree(other *Identity) (SessionKeys, error) {
	if id.agreePriv == nil {
		return SessionKeys{}, ErrNoPrivateKey
	}
	shared, err := curve25519.X25519(id.agreePriv, other.agreePub[:])
	if err != nil {
		return SessionKeys{}, err
	}
	digest := sha512.Sum512(shared)
	var keys SessionKeys
	copy(keys.Crypt[:], digest[0:32])
	copy(keys.MAC[:], digest[32:64])
	keys.Probe = binary.BigEndian.Uint64(digest[56:64]) ^ binary.BigEndian.Uint64(digest[48:56])
	return keys, nil
}

// Sign signs msg with the identity's ed25519 key.
func (id *Identity) Sign(msg []byte) ([]byte, error) {
	if id.signPriv == nil {
		return nil, ErrNoPrivateKey
	}
	return ed25519.Sign(id.signPriv, msg), nil
}

// Verify checks a signature made by this identity.
func (id *Identity) Verify(msg, sig []byte) bool {
	return len(sig) == ed25519.SignatureSize && ed25519.Verify(id.signPub, msg, sig)
}

// FromPublicKey reconstructs a public-only identity from concatenated key
// material, checking the claimed address.
func FromPublicKey(addr proto.Address, pub []byte) (*Identity, error) {
	if len(pub) != PublicKeySize {
		return nil, ErrInvalidIdentity
	}
	id := &Identity{signPub: make(ed25519.PublicKey, ed25519.PublicKeySize)}
	copy(id.agreePub[:], pub[:32])
	copy(id.signPub, pub[32:])
	id.derive()
	if id.address != addr || !id.address.Valid() {
		return nil, fmt.Errorf("%w: address does not match keys", ErrInvalidIdentity)
	}
	return id, nil
}

// String renders "address:public[:private]" in hex, the identity file and
// peer store format.
func (id *Identity) String() string {
	s := id.address.String() + ":" + hex.EncodeToString(id.PublicKey())
	if id.agreePriv != nil {
		s += ":" + hex.EncodeToString(id.agreePriv) + hex.EncodeToString(id.signPriv.Seed())
	}
	return s
}

// Parse reads the String form, accepting both public-only and full
// identities.
func Parse(s string) (*Identity, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 && len(parts) != 3 {
		return nil, ErrInvalidIdentity
	}
	addr, err := proto.ParseAddress(parts[0])
	if err != nil {
		return nil, err
	}
	pub, err := hex.DecodeString(parts[1])
	if err != nil {
		return nil, ErrInvalidIdentity
	}
	id, err := FromPublicKey(addr, pub)
	if err != nil {
		return nil, err
	}
	if len(parts) == 3 {
		priv, err := hex.DecodeString(parts[2])
		if err != nil || len(priv) != 32+ed25519.SeedSize {
			return nil, ErrInvalidIdentity
		}
		id.agreePriv = priv[:32]
		id.signPriv = ed25519.NewKeyFromSeed(priv[32:])
		// The private halves must correspond to the published keys.
		pub2, err := curve25519.X25519(id.agreePriv, curve25519.Basepoint)
		if err != nil || subtle.ConstantTimeCompare(pub2, id.agreePub[:]) != 1 {
			return nil, ErrInvalidIdentity
		}
		if !id.signPriv.Public().(ed25519.PublicKey).Equal(id.signPub) {
			return nil, ErrInvalidIdentity
		}
	}
	return id, nil
}
