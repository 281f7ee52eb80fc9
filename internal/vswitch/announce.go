package vswitch

import (
	"time"

	"firestige.xyz/weft/internal/proto"
	"firestige.xyz/weft/internal/topology"
)

// AnnounceMulticastGroups tells every directly reachable peer which
// multicast groups we subscribe to, so they can route group traffic our
// way. A group is announced to a peer only when the peer may see the
// network: it is open, the peer is a member, or the peer is a root.
// Packets flush whenever the next 18-byte tuple would cross the MTU.
func (s *Switch) AnnounceMulticastGroups(memberships []Membership, now time.Time) {
	var directPeers []*topology.Peer
	s.topo.EachPeer(func(p *topology.Peer) {
		if p.HasActiveDirectPath(now) {
			directPeers = append(directPeers, p)
		}
	})

	for _, peer := range directPeers {
		outp := proto.NewPacket(peer.Address(), s.self.Address(), proto.VerbMulticastLike)

		for _, m := range memberships {
			nw := m.Network
			if !nw.IsOpen() && !s.topo.IsRoot(peer.Address()) && !nw.IsMember(peer.Address()) {
				continue
			}
			for _, mg := range m.Groups {
				if outp.Size()+proto.MulticastLikeTupleSize > proto.DefaultUDPPayloadMTU {
					s.Send(outp, true, now)
					outp = proto.NewPacket(peer.Address(), s.self.Address(), proto.VerbMulticastLike)
				}
				outp.AppendUint64(nw.ID())
				outp.Append(mg.MAC[:])
				outp.AppendUint32(mg.ADI)
			}
		}

		if outp.Size() > proto.MinPacketLength {
			s.Send(outp, true, now)
		}
	}
}
