package proto

import (
	"crypto/rand"
	"encoding/binary"

	"github.com/klauspost/compress/s2"
	"golang.org/x/crypto/poly1305"
	"golang.org/x/crypto/salsa20"
)

// Packet is one protocol datagram head: header plus payload in a single
// owned buffer. Builder methods keep a sticky error instead of returning
// one each, so construction reads linearly; callers check Err before
// sending. Parsing methods never allocate.
type Packet struct {
	b        []byte
	err      error
	verified bool
}

// NewPacket builds an empty packet from src to dest with a fresh random
// packet ID.
func NewPacket(dest, src Address, verb Verb) *Packet {
	p := &Packet{b: make([]byte, MinPacketLength, DefaultUDPPayloadMTU)}
	p.NewInitializationVector()
	dest.CopyTo(p.b[PacketIdxDestination:])
	src.CopyTo(p.b[PacketIdxSource:])
	p.b[PacketIdxVerb] = byte(verb)
	return p
}

// ParsePacket validates the minimum length and takes ownership of a copy
// of data.
func ParsePacket(data []byte) (*Packet, error) {
	if len(data) < MinPacketLength {
		return nil, ErrBufferTooShort
	}
	if len(data) > MaxPacketLength {
		return nil, ErrPacketTooLarge
	}
	b := make([]byte, len(data))
	copy(b, data)
	return &Packet{b: b}, nil
}

// Reset re-targets the packet for reuse: new packet ID, new addressing and
// verb, payload truncated.
func (p *Packet) Reset(dest, src Address, verb Verb) {
	p.b = p.b[:MinPacketLength]
	for i := PacketIdxFlags; i < MinPacketLength; i++ {
		p.b[i] = 0
	}
	p.err = nil
	p.NewInitializationVector()
	dest.CopyTo(p.b[PacketIdxDestination:])
	src.CopyTo(p.b[PacketIdxSource:])
	p.b[PacketIdxVerb] = byte(verb)
}

// Clone returns an independent copy sharing nothing with p.
func (p *Packet) Clone() *Packet {
	b := make([]byte, len(p.b))
	copy(b, p.b)
	return &Packet{b: b, err: p.err}
}

// Err returns the sticky build error, if any append overflowed.
func (p *Packet) Err() error { return p.err }

func (p *Packet) PacketID() uint64 { return binary.BigEndian.Uint64(p.b[PacketIdxID:]) }

// NewInitializationVector assigns a fresh random packet ID. Required
// before re-sending an encrypted packet to a different destination, since
// the ID doubles as the cipher IV.
func (p *Packet) NewInitializationVector() {
	if _, err := rand.Read(p.b[PacketIdxID : PacketIdxID+8]); err != nil {
		p.err = err
	}
}

func (p *Packet) Destination() Address {
	a, _ := NewAddress(p.b[PacketIdxDestination:])
	return a
}

func (p *Packet) SetDestination(a Address) { a.CopyTo(p.b[PacketIdxDestination:]) }

func (p *Packet) Source() Address {
	a, _ := NewAddress(p.b[PacketIdxSource:])
	return a
}

func (p *Packet) Verb() Verb { return Verb(p.b[PacketIdxVerb]) }

func (p *Packet) Hops() uint8 { return p.b[PacketIdxFlags] & FlagHopsMask }

// IncrementHops bumps the hop counter. The flags byte sits outside the
// authenticated region, so relays may do this without breaking the MAC.
func (p *Packet) IncrementHops() {
	h := (p.b[PacketIdxFlags] + 1) & FlagHopsMask
	p.b[PacketIdxFlags] = p.b[PacketIdxFlags]&^byte(FlagHopsMask) | h
}

func (p *Packet) Fragmented() bool { return p.b[PacketIdxFlags]&FlagFragmented != 0 }

func (p *Packet) SetFragmented(f bool) {
	if f {
		p.b[PacketIdxFlags] |= FlagFragmented
	} else {
		p.b[PacketIdxFlags] &^= FlagFragmented
	}
}

func (p *Packet) Encrypted() bool { return p.b[PacketIdxFlags]&FlagEncrypted != 0 }
func (p *Packet) Compressed() bool { return p.b[PacketIdxFlags]&FlagCompressed != 0 }

func (p *Packet) Size() int { return len(p.b) }

// Data returns the raw wire bytes. The slice aliases the packet buffer.
func (p *Packet) Data() []byte { return p.b }

// Payload returns the bytes after the verb. Aliases the packet buffer.
func (p *Packet) Payload() []byte { return p.b[PacketIdxPayload:] }

// Append methods. All growth funnels through grow so the size bound is
// enforced in one place.

func (p *Packet) grow(n int) []byte {
	if len(p.b)+n > MaxPacketLength {
		if p.err == nil {
			p.err = ErrPacketTooLarge
		}
		return nil
	}
	off := len(p.b)
	p.b = append(p.b, make([]byte, n)...)
	return p.b[off:]
}

func (p *Packet) Append(data []byte) {
	if d := p.grow(len(data)); d != nil {
		copy(d, data)
	}
}

func (p *Packet) AppendUint8(v uint8) {
	if d := p.grow(1); d != nil {
		d[0] = v
	}
}

func (p *Packet) AppendUint16(v uint16) {
	if d := p.grow(2); d != nil {
		binary.BigEndian.PutUint16(d, v)
	}
}

func (p *Packet) AppendUint32(v uint32) {
	if d := p.grow(4); d != nil {
		binary.BigEndian.PutUint32(d, v)
	}
}

func (p *Packet) AppendUint64(v uint64) {
	if d := p.grow(8); d != nil {
		binary.BigEndian.PutUint64(d, v)
	}
}

func (p *Packet) AppendAddress(a Address) {
	if d := p.grow(AddressLength); d != nil {
		a.CopyTo(d)
	}
}

// armored returns the authenticated-and-encrypted region: verb plus
// payload. The flags byte (hops) and the MAC field itself stay outside.
func (p *Packet) armored() []byte { return p.b[PacketIdxVerb:] }

func (p *Packet) nonce() []byte { return p.b[PacketIdxID : PacketIdxID+8] }

// Encrypt applies the stream cipher over the armored region using the
// packet ID as nonce, and marks the packet encrypted. HELLO stays
// cleartext so key agreement can bootstrap; everything else encrypts.
func (p *Packet) Encrypt(key *[32]byte) {
	salsa20.XORKeyStream(p.armored(), p.armored(), p.nonce(), key)
	p.b[PacketIdxFlags] |= FlagEncrypted
}

// Decrypt reverses Encrypt and clears the flag.
func (p *Packet) Decrypt(key *[32]byte) {
	salsa20.XORKeyStream(p.armored(), p.armored(), p.nonce(), key)
	p.b[PacketIdxFlags] &^= FlagEncrypted
}

// macTag computes the 8-byte authenticator: a one-time poly1305 key is
// drawn from the keystream of the MAC key at this packet's nonce, then the
// tag prefix over the armored region is kept.
func (p *Packet) macTag(key *[32]byte) [8]byte {
	var otk [32]byte
	salsa20.XORKeyStream(otk[:], otk[:], p.nonce(), key)
	var tag [16]byte
	poly1305.Sum(&tag, p.armored(), &otk)
	return [8]byte(tag[:8])
}

// MACSet authenticates the packet with the destination peer's MAC key.
// Must be called after Encrypt.
func (p *Packet) MACSet(key *[32]byte) {
	tag := p.macTag(key)
	copy(p.b[PacketIdxMAC:PacketIdxMAC+8], tag[:])
}

// MACVerify checks the authenticator in constant time against the
// expected tag for key.
func (p *Packet) MACVerify(key *[32]byte) bool {
	want := p.macTag(key)
	var diff byte
	for i := 0; i < 8; i++ {
		diff |= want[i] ^ p.b[PacketIdxMAC+i]
	}
	return diff == 0
}

// MACField returns the raw MAC field as an integer. On packets riding a
// configured trusted path this field carries the trusted path ID instead
// of an authenticator.
func (p *Packet) MACField() uint64 { return binary.BigEndian.Uint64(p.b[PacketIdxMAC:]) }

// Verified reports whether this packet already passed authentication.
// Decoders mark it so a packet re-queued for a missing peer is not
// re-verified against a now-decrypted body.
func (p *Packet) Verified() bool { return p.verified }
func (p *Packet) SetVerified(v bool) { p.verified = v }

// Compress replaces the payload with its s2 encoding when that is
// actually smaller, setting the compressed flag. A payload that does not
// shrink is left alone.
func (p *Packet) Compress() {
	payload := p.b[PacketIdxPayload:]
	if len(payload) == 0 || p.Compressed() {
		return
	}
	c := s2.Encode(nil, payload)
	if len(c) >= len(payload) {
		return
	}
	p.b = append(p.b[:PacketIdxPayload], c...)
	p.b[PacketIdxFlags] |= FlagCompressed
}

// Uncompress restores a compressed payload in place.
func (p *Packet) Uncompress() error {
	if !p.Compressed() {
		return nil
	}
	d, err := s2.Decode(nil, p.b[PacketIdxPayload:])
	if err != nil {
		return ErrDecompressFailed
	}
	if PacketIdxPayload+len(d) > MaxPacketLength {
		return ErrPacketTooLarge
	}
	p.b = append(p.b[:PacketIdxPayload], d...)
	p.b[PacketIdxFlags] &^= FlagCompressed
	return nil
}
