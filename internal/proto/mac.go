package proto

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// MAC is a 48-bit Ethernet address.
type MAC [6]byte

// overlayOUIFirstByte marks MACs in the overlay scheme: locally
// administered, unicast, with the low 40 bits carrying a node address.
const overlayOUIFirstByte = 0x32

// MACFromAddress builds the overlay-scheme MAC for a node address.
func MACFromAddress(a Address) MAC {
	var m MAC
	m[0] = overlayOUIFirstByte
	m[1] = byte(a >> 32)
	m[2] = byte(a >> 24)
	m[3] = byte(a >> 16)
	m[4] = byte(a >> 8)
	m[5] = byte(a)
	return m
}

// IsMulticast reports whether the group bit is set.
func (m MAC) IsMulticast() bool { return m[0]&0x01 != 0 }

// IsBroadcast reports whether this is ff:ff:ff:ff:ff:ff.
func (m MAC) IsBroadcast() bool {
	return m == MAC{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
}

// IsOverlay reports whether the MAC uses the overlay addressing scheme:
// locally administered, not a group address, and carrying a valid node
// address in the low 40 bits.
func (m MAC) IsOverlay() bool {
	if m[0]&0x02 == 0 || m[0]&0x01 != 0 {
		return false
	}
	return m.ToAddress().Valid()
}

// ToAddress extracts the node address from the low 40 bits.
func (m MAC) ToAddress() Address {
	return Address(m[1])<<32 | Address(m[2])<<24 | Address(m[3])<<16 | Address(m[4])<<8 | Address(m[5])
}

func (m MAC) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", m[0], m[1], m[2], m[3], m[4], m[5])
}

// MulticastGroup identifies a multicast channel on a network: a multicast
// MAC plus a 32-bit "address of differentiation" that partitions noisy
// broadcast channels.
type MulticastGroup struct {
	MAC MAC
	ADI uint32
}

var broadcastMAC = MAC{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// BroadcastGroup is the all-stations group (ADI 0) every member listens
// on.
func BroadcastGroup() MulticastGroup { return MulticastGroup{MAC: broadcastMAC} }

// DeriveAddressResolutionGroup maps an IPv4 ARP target into its own
// broadcast subchannel by packing the IP into the ADI, so ARP storms stay
// isolated per target address.
func DeriveAddressResolutionGroup(ip netip.Addr) MulticastGroup {
	v4 := ip.As4()
	return MulticastGroup{MAC: broadcastMAC, ADI: binary.BigEndian.Uint32(v4[:])}
}

func (g MulticastGroup) String() string {
	return fmt.Sprintf("%s/%08x", g.MAC, g.ADI)
}

// BloomFilter is the multicast propagation filter carried in
// MULTICAST_FRAME. The filter mathematics live in the multicaster; the
// switch only allocates, forwards and serializes it.
type BloomFilter [MulticastBloomFilterSize]byte
