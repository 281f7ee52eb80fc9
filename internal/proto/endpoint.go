package proto

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// EndpointType tags the Endpoint variant.
type EndpointType uint8

const (
	EndpointNil        EndpointType = 0
	EndpointNode       EndpointType = 1 // node address + identity hash, for relayed reachability
	EndpointDNSName    EndpointType = 2
	EndpointURL        EndpointType = 3
	EndpointInetAddrV4 EndpointType = 4
	EndpointEthernet   EndpointType = 5
	EndpointInetAddrV6 EndpointType = 6
)

// EndpointMarshalSizeMax is the worst-case marshaled size: type byte, three
// 16-bit location coordinates, and the largest payload (a NUL-terminated
// name plus port).
const EndpointMarshalSizeMax = 1 + 6 + 2 + EndpointMaxNameSize

// Endpoint is a tagged variant naming one way a node can be reached. The
// DNS name, URL and Ethernet cases are reserved for transports that do not
// exist yet; they still marshal exactly.
//
// Endpoint is comparable; two endpoints are equal iff their marshaled
// encodings are equal.
type Endpoint struct {
	Type EndpointType

	// Location is an optional (x, y, z) physical location hint in
	// kilometers from the nearest gravitational center of mass. Zero when
	// unknown.
	Location [3]int16

	Node     Address        // EndpointNode
	Hash     IdentityHash   // EndpointNode
	Name     string         // EndpointDNSName (also holds EndpointURL text)
	Port     uint16         // EndpointDNSName
	AddrPort netip.AddrPort // EndpointInetAddrV4 / EndpointInetAddrV6
	Eth      MAC            // EndpointEthernet
}

// EndpointFromAddrPort wraps an IP endpoint, choosing the v4 or v6 case by
// address family. An invalid AddrPort yields the Nil endpoint.
func EndpointFromAddrPort(ap netip.AddrPort) Endpoint {
	switch {
	case ap.Addr().Is4() || ap.Addr().Is4In6():
		return Endpoint{Type: EndpointInetAddrV4, AddrPort: netip.AddrPortFrom(netip.AddrFrom4(ap.Addr().As4()), ap.Port())}
	case ap.Addr().Is6():
		return Endpoint{Type: EndpointInetAddrV6, AddrPort: ap}
	}
	return Endpoint{}
}

// IsNil reports whether the endpoint is empty.
func (e Endpoint) IsNil() bool { return e.Type == EndpointNil }

func (e Endpoint) String() string {
	switch e.Type {
	case EndpointNode:
		return "node:" + e.Node.String()
	case EndpointDNSName:
		return fmt.Sprintf("dns:%s:%d", e.Name, e.Port)
	case EndpointURL:
		return "url:" + e.Name
	case EndpointInetAddrV4, EndpointInetAddrV6:
		return "ip:" + e.AddrPort.String()
	case EndpointEthernet:
		return "eth:" + e.Eth.String()
	}
	return "nil"
}

// Marshal appends the wire encoding to b and returns the extended slice.
// The encoding is big-endian and fixed per type: a type byte, three signed
// 16-bit location coordinates, then the type payload.
func (e Endpoint) Marshal(b []byte) ([]byte, error) {
	b = append(b, byte(e.Type))
	for _, c := range e.Location {
		b = binary.BigEndian.AppendUint16(b, uint16(c))
	}
	switch e.Type {
	case EndpointNil:
	case EndpointNode:
		b = e.Node.AppendTo(b)
		b = append(b, e.Hash[:]...)
	case EndpointDNSName:
		if len(e.Name)+1 > EndpointMaxNameSize {
			return nil, ErrInvalidEndpoint
		}
		b = binary.BigEndian.AppendUint16(b, e.Port)
		b = append(b, e.Name...)
		b = append(b, 0)
	case EndpointURL:
		if len(e.Name)+1 > EndpointMaxNameSize {
			return nil, ErrInvalidEndpoint
		}
		b = append(b, e.Name...)
		b = append(b, 0)
	case EndpointInetAddrV4:
		v4 := e.AddrPort.Addr().As4()
		b = append(b, v4[:]...)
		b = binary.BigEndian.AppendUint16(b, e.AddrPort.Port())
	case EndpointInetAddrV6:
		v6 := e.AddrPort.Addr().As16()
		b = append(b, v6[:]...)
		b = binary.BigEndian.AppendUint16(b, e.AddrPort.Port())
	case EndpointEthernet:
		b = append(b, e.Eth[:]...)
	default:
		return nil, ErrInvalidEndpoint
	}
	return b, nil
}

// UnmarshalEndpoint decodes one endpoint from b, returning the endpoint and
// the number of bytes consumed. Unknown type tags and buffer overruns are
// rejected; callers treat the error as a drop.
func UnmarshalEndpoint(b []byte) (Endpoint, int, error) {
	if len(b) < 7 {
		return Endpoint{}, 0, ErrBufferTooShort
	}
	var e Endpoint
	e.Type = EndpointType(b[0])
	for i := range e.Location {
		e.Location[i] = int16(binary.BigEndian.Uint16(b[1+2*i:]))
	}
	p := 7
	switch e.Type {
	case EndpointNil:
	case EndpointNode:
		if len(b) < p+AddressLength+IdentityHashSize {
			return Endpoint{}, 0, ErrBufferTooShort
		}
		e.Node, _ = NewAddress(b[p:])
		copy(e.Hash[:], b[p+AddressLength:])
		p += AddressLength + IdentityHashSize
	case EndpointDNSName:
		if len(b) < p+2 {
			return Endpoint{}, 0, ErrBufferTooShort
		}
		e.Port = binary.BigEndian.Uint16(b[p:])
		p += 2
		n, err := takeCString(b[p:])
		if err != nil {
			return Endpoint{}, 0, err
		}
		e.Name = string(b[p : p+n])
		p += n + 1
	case EndpointURL:
		n, err := takeCString(b[p:])
		if err != nil {
			return Endpoint{}, 0, err
		}
		e.Name = string(b[p : p+n])
		p += n + 1
	case EndpointInetAddrV4:
		if len(b) < p+6 {
			return Endpoint{}, 0, ErrBufferTooShort
		}
		e.AddrPort = netip.AddrPortFrom(netip.AddrFrom4([4]byte(b[p:p+4])), binary.BigEndian.Uint16(b[p+4:]))
		p += 6
	case EndpointInetAddrV6:
		if len(b) < p+18 {
			return Endpoint{}, 0, ErrBufferTooShort
		}
		e.AddrPort = netip.AddrPortFrom(netip.AddrFrom16([16]byte(b[p:p+16])), binary.BigEndian.Uint16(b[p+16:]))
		p += 18
	case EndpointEthernet:
		if len(b) < p+6 {
			return Endpoint{}, 0, ErrBufferTooShort
		}
		copy(e.Eth[:], b[p:])
		p += 6
	default:
		return Endpoint{}, 0, fmt.Errorf("%w: type %d", ErrInvalidEndpoint, b[0])
	}
	return e, p, nil
}

// takeCString returns the length of the NUL-terminated string at the start
// of b, excluding the terminator.
func takeCString(b []byte) (int, error) {
	limit := len(b)
	if limit > EndpointMaxNameSize {
		limit = EndpointMaxNameSize
	}
	for i := 0; i < limit; i++ {
		if b[i] == 0 {
			return i, nil
		}
	}
	return 0, ErrInvalidEndpoint
}
