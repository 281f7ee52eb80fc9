package vswitch

import (
	"net/netip"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"firestige.xyz/weft/internal/log"
	"firestige.xyz/weft/internal/metrics"
	"firestige.xyz/weft/internal/proto"
)

// OnLocalEthernet encapsulates one Ethernet frame leaving the local OS on
// a network's tap. Frames from foreign MACs are dropped (no bridging),
// frames to the tap itself are reflected back, and only ARP, IPv4 and
// IPv6 ride the overlay.
func (s *Switch) OnLocalEthernet(nw Network, from, to proto.MAC, etherType uint16, payload []byte, now time.Time) {
	t := nw.Tap()

	if from != t.MAC() {
		log.GetLogger().Debugf("ignored tap frame %s -> %s: bridging is not supported", from, to)
		metrics.PacketsDroppedTotal.WithLabelValues("bridge").Inc()
		return
	}

	if to == t.MAC() {
		// Some OSes hand us frames addressed to ourselves; reflect them.
		t.Put(from, to, etherType, payload)
		metrics.FramesOutTotal.WithLabelValues("echo").Inc()
		return
	}

	switch layers.EthernetType(etherType) {
	case layers.EthernetTypeARP, layers.EthernetTypeIPv4, layers.EthernetTypeIPv6:
	default:
		log.GetLogger().Debugf("ignored tap frame %s -> %s: ether type %04x not supported", from, to, etherType)
		metrics.PacketsDroppedTotal.WithLabelValues("ether_type").Inc()
		return
	}

	if to.IsMulticast() {
		s.sendMulticastFrame(nw, from, to, etherType, payload, now)
		return
	}

	if to.IsOverlay() {
		toAddr := to.ToAddress()
		if !nw.IsAllowed(toAddr) {
			log.GetLogger().Tracef("unicast %s -> %s dropped: %s not a member of network %016x", from, to, toAddr, nw.ID())
			metrics.PacketsDroppedTotal.WithLabelValues("not_allowed").Inc()
			return
		}
		outp := proto.NewPacket(toAddr, s.self.Address(), proto.VerbFrame)
		outp.AppendUint64(nw.ID())
		outp.AppendUint16(etherType)
		outp.Append(payload)
		outp.Compress()
		s.Send(outp, true, now)
		metrics.FramesOutTotal.WithLabelValues("unicast").Inc()
		return
	}

	log.GetLogger().Tracef("unicast %s -> %s dropped: destination MAC is not on the overlay", from, to)
	metrics.PacketsDroppedTotal.WithLabelValues("foreign_mac").Inc()
}

// sendMulticastFrame signs a multicast frame and fans it out to the next
// propagation hops. One template packet is built; subsequent hops reuse it
// with a rotated IV and rewritten destination.
func (s *Switch) sendMulticastFrame(nw Network, from, to proto.MAC, etherType uint16, payload []byte, now time.Time) {
	mg := proto.MulticastGroup{MAC: to}
	if to.IsBroadcast() {
		// IPv4 ARP requests get a per-target-IP subchannel so ARP storms
		// for one address do not flood the whole broadcast domain.
		if ip, ok := arpRequestTarget(etherType, payload); ok {
			mg = proto.DeriveAddressResolutionGroup(ip)
		}
	}

	var bf proto.BloomFilter
	hops := s.multicaster.NextHops(nw.ID(), mg, s.self.Address(), &bf, proto.MulticastPropagationBreadth, now)
	if len(hops) == 0 {
		return
	}

	sig, err := s.signer.SignFrame(nw.ID(), from, mg, etherType, payload)
	if err != nil {
		log.GetLogger().WithError(err).Error("failure signing multicast frame")
		metrics.PacketsDroppedTotal.WithLabelValues("sign").Inc()
		return
	}

	outp := proto.NewPacket(hops[0].Address(), s.self.Address(), proto.VerbMulticastFrame)
	outp.AppendUint8(0) // flags
	outp.AppendUint64(nw.ID())
	outp.AppendAddress(s.self.Address())
	outp.Append(from[:])
	outp.Append(mg.MAC[:])
	outp.AppendUint32(mg.ADI)
	outp.Append(bf[:])
	outp.AppendUint8(0) // propagation hops
	outp.AppendUint16(etherType)
	outp.AppendUint16(uint16(len(payload)))
	outp.AppendUint16(uint16(len(sig)))
	outp.Append(payload)
	outp.Append(sig)
	outp.Compress()

	s.Send(outp, true, now)
	for _, hop := range hops[1:] {
		outp.NewInitializationVector()
		outp.SetDestination(hop.Address())
		s.Send(outp, true, now)
	}
	metrics.FramesOutTotal.WithLabelValues("multicast").Inc()
}

// arpRequestTarget extracts the target IP of an IPv4 ARP request over
// Ethernet, the frames worth isolating per address.
func arpRequestTarget(etherType uint16, payload []byte) (netip.Addr, bool) {
	if layers.EthernetType(etherType) != layers.EthernetTypeARP || len(payload) != 28 {
		return netip.Addr{}, false
	}
	var arp layers.ARP
	if err := arp.DecodeFromBytes(payload, gopacket.NilDecodeFeedback); err != nil {
		return netip.Addr{}, false
	}
	if arp.AddrType != layers.LinkTypeEthernet ||
		arp.Protocol != layers.EthernetTypeIPv4 ||
		arp.HwAddressSize != 6 || arp.ProtAddressSize != 4 ||
		arp.Operation != layers.ARPRequest {
		return netip.Addr{}, false
	}
	ip, ok := netip.AddrFromSlice(arp.DstProtAddress)
	return ip, ok
}
