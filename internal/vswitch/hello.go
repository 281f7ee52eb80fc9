package vswitch

import (
	"net/netip"
	"time"

	"firestige.xyz/weft/internal/proto"
	"firestige.xyz/weft/internal/topology"
)

// Software version advertised in HELLO.
const (
	VersionMajor    = 0
	VersionMinor    = 1
	VersionRevision = 0
)

// buildHello constructs the cleartext HELLO packet: protocol and software
// versions, a millisecond timestamp echoed back in OK for latency
// measurement, and the full identity so the receiver can verify us.
func (s *Switch) buildHello(dest proto.Address, now time.Time) *proto.Packet {
	outp := proto.NewPacket(dest, s.self.Address(), proto.VerbHello)
	outp.AppendUint8(proto.ProtoVersion)
	outp.AppendUint8(VersionMajor)
	outp.AppendUint8(VersionMinor)
	outp.AppendUint16(VersionRevision)
	outp.AppendUint64(uint64(now.UnixMilli()))
	outp.AppendAddress(s.self.Address())
	outp.Append(s.self.PublicKey())
	return outp
}

// SendHello announces ourselves to dest through the normal send path.
// HELLO is never encrypted so key agreement can bootstrap from it.
func (s *Switch) SendHello(dest proto.Address, now time.Time) {
	s.Send(s.buildHello(dest, now), false, now)
}

// sendHelloVia fires a HELLO at an explicit socket and address, bypassing
// path selection. This is the NAT traversal probe: the datagram both
// announces us and opens our side of the NAT toward the target.
func (s *Switch) sendHelloVia(peer *topology.Peer, localSocket int64, remote netip.AddrPort, now time.Time) bool {
	outp := s.buildHello(peer.Address(), now)
	outp.MACSet(peer.MACKey())
	return peer.SendVia(localSocket, remote, outp.Data())
}
