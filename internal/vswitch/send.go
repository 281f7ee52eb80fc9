package vswitch

import (
	"time"

	"firestige.xyz/weft/internal/log"
	"firestige.xyz/weft/internal/metrics"
	"firestige.xyz/weft/internal/proto"
	"firestige.xyz/weft/internal/topology"
)

// Send transmits a packet, queueing it for later when the destination
// cannot be used yet. Egress never fails upward: every outcome is either
// "sent", "queued" or a counted drop.
func (s *Switch) Send(pkt *proto.Packet, encrypt bool, now time.Time) {
	if pkt.Err() != nil {
		log.GetLogger().Tracef("dropped oversize packet to %s", pkt.Destination())
		metrics.PacketsDroppedTotal.WithLabelValues("oversize").Inc()
		return
	}
	if !s.trySend(pkt, encrypt, now) {
		// Queue an independent copy: callers may reuse the packet (the
		// multicast fan-out rewrites destination and IV between sends).
		s.tx.add(pkt.Destination(), pkt.Clone(), encrypt, now)
	}
}

// trySend attempts one transmission of pkt. An unknown destination kicks
// off WHOIS resolution and reports failure so the caller queues.
func (s *Switch) trySend(pkt *proto.Packet, encrypt bool, now time.Time) bool {
	dest := pkt.Destination()
	peer := s.topo.Peer(dest, true)
	if peer == nil {
		s.RequestWhois(dest, now)
		return false
	}

	// Roots and directly reachable peers get the packet straight; everyone
	// else is reached through the best root as relay.
	var via *topology.Peer
	isRelay := false
	if s.topo.IsRoot(dest) || peer.HasActiveDirectPath(now) {
		via = peer
	} else {
		via = s.topo.BestRoot(nil)
		if via == nil {
			return false
		}
		isRelay = true
	}

	mtu := proto.DefaultUDPPayloadMTU
	if remote, ok := via.BestRemote(); ok {
		mtu, _ = s.topo.OutboundPathInfo(remote.Addr())
	}

	tmp := pkt.Clone()
	chunkSize := tmp.Size()
	if chunkSize > mtu {
		chunkSize = mtu
	}
	tmp.SetFragmented(chunkSize < tmp.Size())

	// Encryption is optional because some verbs (HELLO) must stay readable
	// to bootstrap key agreement; authentication is not.
	if encrypt {
		tmp.Encrypt(peer.CryptKey())
	}
	tmp.MACSet(peer.MACKey())

	if !via.Send(tmp.Data()[:chunkSize], isRelay, pkt.Verb(), now) {
		return false
	}

	if chunkSize < tmp.Size() {
		// Too big for one datagram; the rest rides as fragments.
		fragStart := chunkSize
		remaining := tmp.Size() - chunkSize
		perFragment := mtu - proto.MinFragmentLength
		fragsRemaining := remaining / perFragment
		if fragsRemaining*perFragment < remaining {
			fragsRemaining++
		}
		totalFragments := fragsRemaining + 1
		if totalFragments > proto.MaxPacketFragments {
			// Cannot be represented on the wire; the head already went out
			// and will age out of the receiver's reassembly cache.
			log.GetLogger().Tracef("packet to %s needs %d fragments, limit is %d", dest, totalFragments, proto.MaxPacketFragments)
			metrics.PacketsDroppedTotal.WithLabelValues("oversize").Inc()
			return false
		}

		for f := 0; f < fragsRemaining; f++ {
			size := remaining
			if size > perFragment {
				size = perFragment
			}
			frag, err := proto.NewFragment(tmp, fragStart, size, f+1, totalFragments)
			if err != nil {
				return false
			}
			if !via.Send(frag.Data(), isRelay, pkt.Verb(), now) {
				log.GetLogger().Tracef("send to %s failed on fragment %d", via.Address(), f+1)
				return false
			}
			fragStart += size
			remaining -= size
		}
	}
	return true
}
