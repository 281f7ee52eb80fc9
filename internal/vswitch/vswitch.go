// Package vswitch implements the switch core: the packet dispatch, relay,
// fragmentation and reassembly, rendezvous and identity-resolution engine
// between the virtual Ethernet interface and the UDP transport.
package vswitch

import (
	"errors"
	"net/netip"
	"time"

	"firestige.xyz/weft/internal/identity"
	"firestige.xyz/weft/internal/log"
	"firestige.xyz/weft/internal/metrics"
	"firestige.xyz/weft/internal/proto"
	"firestige.xyz/weft/internal/tap"
	"firestige.xyz/weft/internal/topology"
)

// ErrPeerUnknown is returned by a Decoder when it cannot proceed without a
// peer the topology does not yet contain. The decoder must have requested
// resolution (RequestWhois) before reporting it; the switch parks the
// packet in the receive queue until the peer arrives or the entry ages
// out.
var ErrPeerUnknown = errors.New("weft: peer not known")

// Decoder consumes fully reassembled packets addressed to this node.
type Decoder interface {
	Decode(pkt *proto.Packet, localSocket int64, from netip.AddrPort, now time.Time) error
}

// Multicaster chooses the next propagation hops for a multicast frame and
// seeds the propagation bloom filter. The filter mathematics are not the
// switch's business.
type Multicaster interface {
	NextHops(networkID uint64, group proto.MulticastGroup, origin proto.Address,
		bf *proto.BloomFilter, limit int, now time.Time) []*topology.Peer
}

// FrameSigner signs locally originated multicast frames so that receivers
// can verify the origin regardless of the relay chain.
type FrameSigner interface {
	SignFrame(networkID uint64, from proto.MAC, group proto.MulticastGroup,
		etherType uint16, payload []byte) ([]byte, error)
}

// Network is the membership view the switch needs of one logical network.
type Network interface {
	ID() uint64
	Tap() tap.Interface
	IsAllowed(addr proto.Address) bool
	IsOpen() bool
	IsMember(addr proto.Address) bool
}

// Membership pairs a network with the multicast groups we subscribe to on
// it, for periodic announcement.
type Membership struct {
	Network Network
	Groups  []proto.MulticastGroup
}

// Switch is the orchestrator. It classifies raw datagrams, relays or
// reassembles them, encapsulates local Ethernet frames, and drives the
// periodic maintenance of every pending-state queue.
//
// Each queue guards itself with its own mutex and the switch never holds
// two queue locks at once.
type Switch struct {
	self        *identity.Identity
	topo        *topology.Topology
	decoder     Decoder
	multicaster Multicaster
	signer      FrameSigner

	defrag     *defragCache
	whois      *whoisResolver
	tx         *txQueue
	rx         *rxQueue
	rendezvous *rendezvousQueue
	unite      *uniteThrottle
}

// New creates a Switch. The decoder is attached afterwards with SetDecoder
// because decoders usually need the switch for WHOIS requests.
func New(self *identity.Identity, topo *topology.Topology, mc Multicaster, signer FrameSigner) *Switch {
	return &Switch{
		self:        self,
		topo:        topo,
		multicaster: mc,
		signer:      signer,
		defrag:      newDefragCache(),
		whois:       newWhoisResolver(),
		tx:          newTxQueue(),
		rx:          newRxQueue(),
		rendezvous:  newRendezvousQueue(),
		unite:       newUniteThrottle(),
	}
}

// SetDecoder attaches the packet decoder. Must be called before the first
// ingress datagram.
func (s *Switch) SetDecoder(d Decoder) { s.decoder = d }

// OnRemotePacket classifies one raw UDP datagram. It never returns an
// error: every failure mode inside is a counted, trace-logged drop.
func (s *Switch) OnRemotePacket(localSocket int64, from netip.AddrPort, data []byte, now time.Time) {
	if len(data) <= proto.MinFragmentLength {
		metrics.PacketsDroppedTotal.WithLabelValues("runt").Inc()
		return
	}
	if data[proto.FragmentIdxIndicator] == proto.FragmentIndicator {
		s.handleRemoteFragment(localSocket, from, data, now)
	} else if len(data) > proto.MinPacketLength {
		s.handleRemoteHead(localSocket, from, data, now)
	} else {
		log.GetLogger().Tracef("dropped runt packet from %s", from)
		metrics.PacketsDroppedTotal.WithLabelValues("runt").Inc()
	}
}

func (s *Switch) handleRemoteFragment(localSocket int64, from netip.AddrPort, data []byte, now time.Time) {
	metrics.PacketsInTotal.WithLabelValues("fragment").Inc()
	frag, err := proto.ParseFragment(data)
	if err != nil {
		log.GetLogger().Tracef("dropped fragment from %s: %v", from, err)
		metrics.PacketsDroppedTotal.WithLabelValues("malformed").Inc()
		return
	}

	dest := frag.Destination()
	if dest != s.self.Address() {
		// Not ours; relay if the hop budget allows.
		if frag.Hops() >= proto.RelayMaxHops {
			log.GetLogger().Tracef("dropped relay fragment %s -> %s, max hops exceeded", from, dest)
			metrics.PacketsDroppedTotal.WithLabelValues("max_hops").Inc()
			return
		}
		frag.IncrementHops()
		relayTo := s.topo.Peer(dest, true)
		if relayTo == nil || !relayTo.Send(frag.Data(), true, proto.VerbNop, now) {
			relayTo = s.topo.BestRoot(nil)
			if relayTo == nil || !relayTo.Send(frag.Data(), true, proto.VerbNop, now) {
				metrics.PacketsDroppedTotal.WithLabelValues("no_route").Inc()
				return
			}
		}
		metrics.PacketsRelayedTotal.Inc()
		return
	}

	fno, total := frag.FragmentNumber(), frag.TotalFragments()
	if fno <= 0 || fno >= proto.MaxPacketFragments || total <= 1 || total > proto.MaxPacketFragments {
		log.GetLogger().Tracef("dropped fragment from %s: bad numbering %d/%d", from, fno, total)
		metrics.PacketsDroppedTotal.WithLabelValues("malformed").Inc()
		return
	}
	if assembled := s.defrag.insertFragment(frag, now); assembled != nil {
		s.decodeOrQueue(assembled, localSocket, from, now)
	}
}

func (s *Switch) handleRemoteHead(localSocket int64, from netip.AddrPort, data []byte, now time.Time) {
	metrics.PacketsInTotal.WithLabelValues("head").Inc()
	pkt, err := proto.ParsePacket(data)
	if err != nil {
		log.GetLogger().Tracef("dropped packet from %s: %v", from, err)
		metrics.PacketsDroppedTotal.WithLabelValues("malformed").Inc()
		return
	}

	dest := pkt.Destination()
	if dest != s.self.Address() {
		if pkt.Hops() >= proto.RelayMaxHops {
			log.GetLogger().Tracef("dropped relay %s(%s) -> %s, max hops exceeded", pkt.Source(), from, dest)
			metrics.PacketsDroppedTotal.WithLabelValues("max_hops").Inc()
			return
		}
		pkt.IncrementHops()
		relayTo := s.topo.Peer(dest, true)
		if relayTo != nil && relayTo.Send(pkt.Data(), true, proto.VerbNop, now) {
			metrics.PacketsRelayedTotal.Inc()
			// Both endpoints are talking through us; periodically nudge
			// them toward a direct path.
			s.Unite(pkt.Source(), dest, false, now)
		} else {
			relayTo = s.topo.BestRoot(nil)
			if relayTo == nil || !relayTo.Send(pkt.Data(), true, proto.VerbNop, now) {
				metrics.PacketsDroppedTotal.WithLabelValues("no_route").Inc()
				return
			}
			metrics.PacketsRelayedTotal.Inc()
		}
		return
	}

	if pkt.Fragmented() {
		if assembled := s.defrag.insertHead(pkt, now); assembled != nil {
			s.decodeOrQueue(assembled, localSocket, from, now)
		}
		return
	}
	s.decodeOrQueue(pkt, localSocket, from, now)
}

// decodeOrQueue hands a complete packet to the decoder; a decode blocked
// on a missing peer parks the packet in the receive queue.
func (s *Switch) decodeOrQueue(pkt *proto.Packet, localSocket int64, from netip.AddrPort, now time.Time) {
	err := s.decoder.Decode(pkt, localSocket, from, now)
	switch {
	case err == nil:
	case errors.Is(err, ErrPeerUnknown):
		s.rx.add(pkt, localSocket, from, now)
	default:
		log.GetLogger().Tracef("dropped packet %016x from %s: %v", pkt.PacketID(), from, err)
		metrics.PacketsDroppedTotal.WithLabelValues("decode").Inc()
	}
}

// RequestWhois begins (or restarts) identity resolution for addr: the
// request is reset and a WHOIS goes to the best root immediately.
func (s *Switch) RequestWhois(addr proto.Address, now time.Time) {
	if addr == s.self.Address() || !addr.Valid() {
		return
	}
	log.GetLogger().Tracef("requesting WHOIS for %s", addr)
	s.whois.reset(addr, now)
	if sn := s.sendWhoisRequest(addr, nil, now); sn != 0 {
		s.whois.recordConsulted(addr, sn)
	}
}

// sendWhoisRequest emits one WHOIS for target to the best root not in
// exclude, returning the consulted root's address (0 when no root).
func (s *Switch) sendWhoisRequest(target proto.Address, exclude []proto.Address, now time.Time) proto.Address {
	sn := s.topo.BestRoot(exclude)
	if sn == nil {
		return 0
	}
	outp := proto.NewPacket(sn.Address(), s.self.Address(), proto.VerbWhois)
	outp.AppendAddress(target)
	outp.Encrypt(sn.CryptKey())
	outp.MACSet(sn.MACKey())
	sn.Send(outp.Data(), false, proto.VerbWhois, now)
	return sn.Address()
}

// DoAnythingWaitingForPeer flushes every queue blocked on a peer that has
// just become known: its WHOIS entry, receive-queue decodes, and queued
// transmissions keyed by its address.
func (s *Switch) DoAnythingWaitingForPeer(peer *topology.Peer, now time.Time) {
	s.whois.remove(peer.Address())

	s.rx.retryAll(func(e *rxEntry) bool {
		err := s.decoder.Decode(e.pkt, e.localSocket, e.from, now)
		if errors.Is(err, ErrPeerUnknown) {
			return false
		}
		if err != nil {
			log.GetLogger().Tracef("dropped queued packet %016x: %v", e.pkt.PacketID(), err)
			metrics.PacketsDroppedTotal.WithLabelValues("decode").Inc()
		}
		return true
	})

	s.tx.retryFor(peer.Address(), func(e *txEntry) bool {
		return s.trySend(e.pkt, e.encrypt, now)
	})
}
