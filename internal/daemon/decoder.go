package daemon

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"firestige.xyz/weft/internal/identity"
	"firestige.xyz/weft/internal/log"
	"firestige.xyz/weft/internal/metrics"
	"firestige.xyz/weft/internal/proto"
	"firestige.xyz/weft/internal/topology"
	"firestige.xyz/weft/internal/vswitch"
)

var errMalformed = errors.New("weft: malformed packet payload")

// verbDecoder handles packets addressed to this node. It authenticates,
// decrypts and decompresses them, then dispatches by verb. A packet whose
// handling needs a peer we do not know yet reports vswitch.ErrPeerUnknown
// after kicking off resolution, and the switch parks it.
type verbDecoder struct {
	self     *identity.Identity
	topo     *topology.Topology
	sw       *vswitch.Switch
	mc       *multicaster
	networks map[uint64]*network
}

func newVerbDecoder(self *identity.Identity, topo *topology.Topology, sw *vswitch.Switch,
	mc *multicaster, networks map[uint64]*network) *verbDecoder {
	return &verbDecoder{self: self, topo: topo, sw: sw, mc: mc, networks: networks}
}

func (d *verbDecoder) Decode(pkt *proto.Packet, localSocket int64, from netip.AddrPort, now time.Time) error {
	src := pkt.Source()
	if !src.Valid() || src == d.self.Address() {
		return errMalformed
	}

	peer := d.topo.Peer(src, true)
	if peer == nil {
		if pkt.Verb() == proto.VerbHello && !pkt.Encrypted() {
			// First contact: the cleartext HELLO carries the identity we
			// need to admit the sender.
			return d.handleHelloFromStranger(pkt, localSocket, from, now)
		}
		d.sw.RequestWhois(src, now)
		return vswitch.ErrPeerUnknown
	}

	if !pkt.Verified() {
		if !pkt.MACVerify(peer.MACKey()) {
			// A configured trusted path may legitimately carry the trusted
			// path ID in place of the authenticator.
			if !d.topo.ShouldInboundPathBeTrusted(from.Addr(), pkt.MACField()) {
				metrics.PeerAnomaliesTotal.WithLabelValues(src.String(), "bad_mac").Inc()
				return fmt.Errorf("%w: bad authenticator from %s", errMalformed, src)
			}
		}
		pkt.SetVerified(true)
	}
	if pkt.Encrypted() {
		pkt.Decrypt(peer.CryptKey())
	}
	if pkt.Compressed() {
		if err := pkt.Uncompress(); err != nil {
			metrics.PeerAnomaliesTotal.WithLabelValues(src.String(), "bad_payload").Inc()
			return err
		}
	}

	peer.Alive(d.topo.Path(localSocket, from), now)

	switch pkt.Verb() {
	case proto.VerbNop:
		return nil
	case proto.VerbHello:
		return d.handleHello(peer, pkt, now)
	case proto.VerbOK:
		return d.handleOK(peer, pkt, now)
	case proto.VerbWhois:
		return d.handleWhois(peer, pkt, now)
	case proto.VerbRendezvous:
		return d.handleRendezvous(peer, pkt, localSocket, now)
	case proto.VerbFrame:
		return d.handleFrame(peer, pkt)
	case proto.VerbMulticastLike:
		return d.handleMulticastLike(peer, pkt, now)
	case proto.VerbMulticastFrame:
		return d.handleMulticastFrame(peer, pkt, now)
	default:
		log.GetLogger().Tracef("ignored verb %s from %s", pkt.Verb(), src)
		return nil
	}
}

// parseHello validates a HELLO payload and returns the sender identity
// and the echoed timestamp.
func parseHello(pkt *proto.Packet) (*identity.Identity, uint64, error) {
	p := pkt.Payload()
	if len(p) < 13+proto.AddressLength+identity.PublicKeySize {
		return nil, 0, errMalformed
	}
	if p[0] != proto.ProtoVersion {
		return nil, 0, fmt.Errorf("%w: protocol version %d", errMalformed, p[0])
	}
	ts := binary.BigEndian.Uint64(p[5:13])
	addr, _ := proto.NewAddress(p[13:])
	id, err := identity.FromPublicKey(addr, p[13+proto.AddressLength:13+proto.AddressLength+identity.PublicKeySize])
	if err != nil {
		return nil, 0, err
	}
	if addr != pkt.Source() {
		return nil, 0, fmt.Errorf("%w: HELLO identity does not match source", errMalformed)
	}
	return id, ts, nil
}

// handleHelloFromStranger admits a new peer: parse and validate the
// identity, agree keys, authenticate the HELLO with them, then insert and
// flush everything that was waiting.
func (d *verbDecoder) handleHelloFromStranger(pkt *proto.Packet, localSocket int64, from netip.AddrPort, now time.Time) error {
	id, ts, err := parseHello(pkt)
	if err != nil {
		return err
	}
	peer, err := topology.NewPeer(d.self, id, d.topo.SendFunc())
	if err != nil {
		return err
	}
	if !pkt.MACVerify(peer.MACKey()) {
		metrics.PeerAnomaliesTotal.WithLabelValues(id.Address().String(), "bad_mac").Inc()
		return fmt.Errorf("%w: unauthenticated HELLO from %s", errMalformed, id.Address())
	}
	pkt.SetVerified(true)

	peer = d.topo.Add(peer)
	peer.Alive(d.topo.Path(localSocket, from), now)
	log.GetLogger().Infof("peer %s admitted via HELLO from %s", peer.Address(), from)

	d.sendHelloOK(peer, ts, now)
	d.sw.DoAnythingWaitingForPeer(peer, now)
	return nil
}

func (d *verbDecoder) handleHello(peer *topology.Peer, pkt *proto.Packet, now time.Time) error {
	_, ts, err := parseHello(pkt)
	if err != nil {
		return err
	}
	d.sendHelloOK(peer, ts, now)
	return nil
}

// sendHelloOK echoes the HELLO timestamp so the sender can measure round
// trip latency.
func (d *verbDecoder) sendHelloOK(peer *topology.Peer, ts uint64, now time.Time) {
	outp := proto.NewPacket(peer.Address(), d.self.Address(), proto.VerbOK)
	outp.AppendUint8(uint8(proto.VerbHello))
	outp.AppendUint64(ts)
	outp.Encrypt(peer.CryptKey())
	outp.MACSet(peer.MACKey())
	peer.Send(outp.Data(), false, proto.VerbOK, now)
}

func (d *verbDecoder) handleOK(peer *topology.Peer, pkt *proto.Packet, now time.Time) error {
	p := pkt.Payload()
	if len(p) < 1 {
		return errMalformed
	}
	switch proto.Verb(p[0]) {
	case proto.VerbHello:
		if len(p) < 9 {
			return errMalformed
		}
		sent := time.UnixMilli(int64(binary.BigEndian.Uint64(p[1:9])))
		if rtt := now.Sub(sent); rtt > 0 && rtt < time.Minute {
			peer.RecordLatency(rtt)
		}
	case proto.VerbWhois:
		return d.handleWhoisOK(p[1:], now)
	}
	return nil
}

// handleWhoisOK admits the identity a root resolved for us.
func (d *verbDecoder) handleWhoisOK(p []byte, now time.Time) error {
	if len(p) < proto.AddressLength+identity.PublicKeySize {
		return errMalformed
	}
	addr, _ := proto.NewAddress(p)
	id, err := identity.FromPublicKey(addr, p[proto.AddressLength:proto.AddressLength+identity.PublicKeySize])
	if err != nil {
		return err
	}
	peer, err := topology.NewPeer(d.self, id, d.topo.SendFunc())
	if err != nil {
		return err
	}
	peer = d.topo.Add(peer)
	log.GetLogger().Debugf("WHOIS resolved %s", peer.Address())
	d.sw.DoAnythingWaitingForPeer(peer, now)
	return nil
}

// handleWhois answers identity queries for peers we know. Roots serve
// these for the whole overlay; ordinary nodes only answer for themselves
// and peers they have verified.
func (d *verbDecoder) handleWhois(peer *topology.Peer, pkt *proto.Packet, now time.Time) error {
	p := pkt.Payload()
	if len(p) < proto.AddressLength {
		return errMalformed
	}
	target, _ := proto.NewAddress(p)

	var id *identity.Identity
	if target == d.self.Address() {
		id = d.self
	} else if known := d.topo.Peer(target, true); known != nil {
		id = known.Identity()
	} else {
		log.GetLogger().Tracef("WHOIS for unknown %s from %s", target, peer.Address())
		return nil
	}

	outp := proto.NewPacket(peer.Address(), d.self.Address(), proto.VerbOK)
	outp.AppendUint8(uint8(proto.VerbWhois))
	outp.AppendAddress(id.Address())
	outp.Append(id.PublicKey())
	outp.Encrypt(peer.CryptKey())
	outp.MACSet(peer.MACKey())
	peer.Send(outp.Data(), false, proto.VerbOK, now)
	return nil
}

// handleRendezvous schedules the NAT traversal HELLO toward the peer a
// root is introducing us to. Only roots may steer us at other nodes.
func (d *verbDecoder) handleRendezvous(peer *topology.Peer, pkt *proto.Packet, localSocket int64, now time.Time) error {
	if !d.topo.IsRoot(peer.Address()) {
		log.GetLogger().Tracef("ignored RENDEZVOUS from non-root %s", peer.Address())
		return nil
	}
	p := pkt.Payload()
	if len(p) < proto.AddressLength+3 {
		return errMalformed
	}
	with, _ := proto.NewAddress(p)
	port := binary.BigEndian.Uint16(p[proto.AddressLength:])
	ipLen := int(p[proto.AddressLength+2])
	rest := p[proto.AddressLength+3:]
	if (ipLen != 4 && ipLen != 16) || len(rest) < ipLen {
		return errMalformed
	}
	ip, ok := netip.AddrFromSlice(rest[:ipLen])
	if !ok {
		return errMalformed
	}
	remote := netip.AddrPortFrom(ip, port)

	if d.topo.Peer(with, true) == nil {
		d.sw.RequestWhois(with, now)
		return vswitch.ErrPeerUnknown
	}
	d.sw.ContactAt(with, localSocket, remote, now.Add(proto.RendezvousNatTDelay))
	return nil
}

// handleFrame delivers a unicast Ethernet frame to its network tap.
func (d *verbDecoder) handleFrame(peer *topology.Peer, pkt *proto.Packet) error {
	p := pkt.Payload()
	if len(p) < 10 {
		return errMalformed
	}
	nwid := binary.BigEndian.Uint64(p)
	etherType := binary.BigEndian.Uint16(p[8:])
	frame := p[10:]

	nw, ok := d.networks[nwid]
	if !ok {
		log.GetLogger().Tracef("FRAME for unknown network %016x from %s", nwid, peer.Address())
		return nil
	}
	if !nw.IsAllowed(peer.Address()) {
		metrics.PacketsDroppedTotal.WithLabelValues("not_allowed").Inc()
		return nil
	}
	nw.Tap().Put(proto.MACFromAddress(peer.Address()), nw.Tap().MAC(), etherType, frame)
	return nil
}

func (d *verbDecoder) handleMulticastLike(peer *topology.Peer, pkt *proto.Packet, now time.Time) error {
	p := pkt.Payload()
	if len(p)%proto.MulticastLikeTupleSize != 0 {
		return errMalformed
	}
	for len(p) >= proto.MulticastLikeTupleSize {
		nwid := binary.BigEndian.Uint64(p)
		var mg proto.MulticastGroup
		copy(mg.MAC[:], p[8:14])
		mg.ADI = binary.BigEndian.Uint32(p[14:18])
		d.mc.Like(peer.Address(), nwid, mg, now)
		p = p[proto.MulticastLikeTupleSize:]
	}
	return nil
}

// handleMulticastFrame verifies a propagated group frame against its
// origin's identity and delivers it to the local tap. Propagation onward
// is the multicaster's bloom filter walk on the origin side; a leaf node
// only consumes.
func (d *verbDecoder) handleMulticastFrame(peer *topology.Peer, pkt *proto.Packet, now time.Time) error {
	p := pkt.Payload()
	// flags, network, origin, from MAC, group, bloom, hops, ether type,
	// frame length, signature length
	fixed := 1 + 8 + proto.AddressLength + 6 + 6 + 4 + proto.MulticastBloomFilterSize + 1 + 2 + 2 + 2
	if len(p) < fixed {
		return errMalformed
	}
	nwid := binary.BigEndian.Uint64(p[1:])
	origin, _ := proto.NewAddress(p[9:])
	var from proto.MAC
	copy(from[:], p[14:20])
	var mg proto.MulticastGroup
	copy(mg.MAC[:], p[20:26])
	mg.ADI = binary.BigEndian.Uint32(p[26:30])
	off := 30 + proto.MulticastBloomFilterSize + 1
	etherType := binary.BigEndian.Uint16(p[off:])
	frameLen := int(binary.BigEndian.Uint16(p[off+2:]))
	sigLen := int(binary.BigEndian.Uint16(p[off+4:]))
	if len(p) < fixed+frameLen+sigLen {
		return errMalformed
	}
	frame := p[fixed : fixed+frameLen]
	sig := p[fixed+frameLen : fixed+frameLen+sigLen]

	if origin == d.self.Address() {
		return nil // our own frame came back around
	}
	originPeer := d.topo.Peer(origin, true)
	if originPeer == nil {
		d.sw.RequestWhois(origin, now)
		return vswitch.ErrPeerUnknown
	}

	signer := frameSigner{self: originPeer.Identity()}
	msg := signer.frameMessage(nwid, from, mg, etherType, frame)
	if !originPeer.Identity().Verify(msg, sig) {
		metrics.PeerAnomaliesTotal.WithLabelValues(origin.String(), "bad_signature").Inc()
		return fmt.Errorf("%w: bad multicast signature from %s", errMalformed, origin)
	}

	nw, ok := d.networks[nwid]
	if !ok || !nw.IsAllowed(origin) {
		return nil
	}
	nw.Tap().Put(from, mg.MAC, etherType, frame)
	return nil
}
