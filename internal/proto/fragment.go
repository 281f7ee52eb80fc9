package proto

import "encoding/binary"

// Fragment is one continuation chunk of a packet too large for the path
// MTU. Fragment 0 is the packet head itself (with the fragmented flag
// set); fragments 1..N-1 travel as these records.
type Fragment struct {
	b []byte
}

// NewFragment cuts payload bytes [start:start+length) of a packet into an
// on-wire fragment record number/totalFragments.
func NewFragment(p *Packet, start, length, number, total int) (*Fragment, error) {
	if number <= 0 || number >= MaxPacketFragments || total <= 1 || total > MaxPacketFragments {
		return nil, ErrInvalidFragment
	}
	if start < 0 || start+length > p.Size() {
		return nil, ErrInvalidFragment
	}
	b := make([]byte, MinFragmentLength+length)
	copy(b[FragmentIdxID:], p.b[PacketIdxID:PacketIdxID+8])
	copy(b[FragmentIdxDest:], p.b[PacketIdxDestination:PacketIdxDestination+AddressLength])
	b[FragmentIdxIndicator] = FragmentIndicator
	b[FragmentIdxFragNums] = byte(total<<4) | byte(number&0x0f)
	b[FragmentIdxHops] = 0
	copy(b[FragmentIdxPayload:], p.b[start:start+length])
	return &Fragment{b: b}, nil
}

// ParseFragment validates the minimum length and indicator and takes
// ownership of a copy of data.
func ParseFragment(data []byte) (*Fragment, error) {
	if len(data) < MinFragmentLength {
		return nil, ErrBufferTooShort
	}
	if data[FragmentIdxIndicator] != FragmentIndicator {
		return nil, ErrInvalidFragment
	}
	b := make([]byte, len(data))
	copy(b, data)
	return &Fragment{b: b}, nil
}

func (f *Fragment) PacketID() uint64 { return binary.BigEndian.Uint64(f.b[FragmentIdxID:]) }

func (f *Fragment) Destination() Address {
	a, _ := NewAddress(f.b[FragmentIdxDest:])
	return a
}

func (f *Fragment) FragmentNumber() int { return int(f.b[FragmentIdxFragNums] & 0x0f) }
func (f *Fragment) TotalFragments() int { return int(f.b[FragmentIdxFragNums] >> 4) }

func (f *Fragment) Hops() uint8 { return f.b[FragmentIdxHops] & 0x1f }

func (f *Fragment) IncrementHops() {
	f.b[FragmentIdxHops] = (f.b[FragmentIdxHops] + 1) & 0x1f
}

func (f *Fragment) Payload() []byte { return f.b[FragmentIdxPayload:] }
func (f *Fragment) PayloadLength() int { return len(f.b) - MinFragmentLength }

func (f *Fragment) Size() int { return len(f.b) }
func (f *Fragment) Data() []byte { return f.b }
