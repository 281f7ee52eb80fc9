package vswitch

import (
	"net/netip"
	"sync"
	"time"

	"firestige.xyz/weft/internal/log"
	"firestige.xyz/weft/internal/metrics"
	"firestige.xyz/weft/internal/proto"
	"firestige.xyz/weft/internal/topology"
)

// rendezvousQueue holds time-fired NAT traversal hellos: after a
// RENDEZVOUS introduction we wait briefly (so the counterpart can open its
// side of the NAT) and then fire a HELLO at the advertised address. One
// pending contact per peer; a newer schedule replaces the older one.
type rendezvousQueue struct {
	mu      sync.Mutex
	pending map[proto.Address]*rendezvousEntry
}

type rendezvousEntry struct {
	fireAt      time.Time
	localSocket int64
	remote      netip.AddrPort
}

func newRendezvousQueue() *rendezvousQueue {
	return &rendezvousQueue{pending: make(map[proto.Address]*rendezvousEntry)}
}

func (q *rendezvousQueue) schedule(with proto.Address, localSocket int64, remote netip.AddrPort, fireAt time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending[with] = &rendezvousEntry{fireAt: fireAt, localSocket: localSocket, remote: remote}
}

// rendezvousFire is one due contact attempt.
type rendezvousFire struct {
	with        proto.Address
	localSocket int64
	remote      netip.AddrPort
}

// sweep removes and returns the entries due at now; future entries bound
// nextDelay.
func (q *rendezvousQueue) sweep(now time.Time, nextDelay time.Duration) ([]rendezvousFire, time.Duration) {
	var fires []rendezvousFire
	q.mu.Lock()
	defer q.mu.Unlock()
	for with, e := range q.pending {
		if !e.fireAt.After(now) {
			fires = append(fires, rendezvousFire{with: with, localSocket: e.localSocket, remote: e.remote})
			delete(q.pending, with)
		} else if d := e.fireAt.Sub(now); d < nextDelay {
			nextDelay = d
		}
	}
	return fires, nextDelay
}

// uniteThrottle enforces the minimum interval between rendezvous
// introductions for any unordered peer pair. The key sorts the two
// addresses so unite(A,B) and unite(B,A) share state.
type uniteThrottle struct {
	mu   sync.Mutex
	last map[uniteKey]time.Time
}

type uniteKey struct {
	lo, hi proto.Address
}

func makeUniteKey(a, b proto.Address) uniteKey {
	if a > b {
		a, b = b, a
	}
	return uniteKey{lo: a, hi: b}
}

func newUniteThrottle() *uniteThrottle {
	return &uniteThrottle{last: make(map[uniteKey]time.Time)}
}

// allow reports whether a new introduction for the pair may fire, and if
// so records the attempt.
func (t *uniteThrottle) allow(a, b proto.Address, force bool, now time.Time) bool {
	key := makeUniteKey(a, b)
	t.mu.Lock()
	defer t.mu.Unlock()
	if last, ok := t.last[key]; !force && ok && now.Sub(last) < proto.MinUniteInterval {
		return false
	}
	t.last[key] = now
	return true
}

// sweep forgets pairs whose throttle window has long expired.
func (t *uniteThrottle) sweep(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, last := range t.last {
		if now.Sub(last) > 4*proto.MinUniteInterval {
			delete(t.last, key)
		}
	}
}

// Unite tells two peers each other's public endpoints so they can attempt
// a direct path. Both peers must be known and have common ground (an
// address family both can dial); unless forced, at most one introduction
// per pair fires per MinUniteInterval. Returns whether introductions were
// sent.
func (s *Switch) Unite(p1, p2 proto.Address, force bool, now time.Time) bool {
	if p1 == p2 || p1 == s.self.Address() || p2 == s.self.Address() {
		return false
	}
	p1p := s.topo.Peer(p1, true)
	if p1p == nil {
		return false
	}
	p2p := s.topo.Peer(p2, true)
	if p2p == nil {
		return false
	}

	cgForP1, cgForP2, ok := topology.FindCommonGround(p1p, p2p, now)
	if !ok {
		return false
	}

	if !s.unite.allow(p1, p2, force, now) {
		metrics.UniteThrottledTotal.Inc()
		return false
	}

	log.GetLogger().Tracef("unite: %s(%s) <> %s(%s)", p1, cgForP1, p2, cgForP2)

	// Tell p1 where to find p2, and p2 where to find p1.
	s.sendRendezvous(p1p, p2, cgForP1, now)
	s.sendRendezvous(p2p, p1, cgForP2, now)
	return true
}

// sendRendezvous emits one RENDEZVOUS to peer advertising counterpart at
// addr.
func (s *Switch) sendRendezvous(peer *topology.Peer, counterpart proto.Address, addr netip.AddrPort, now time.Time) {
	outp := proto.NewPacket(peer.Address(), s.self.Address(), proto.VerbRendezvous)
	outp.AppendAddress(counterpart)
	outp.AppendUint16(addr.Port())
	if addr.Addr().Is4() {
		outp.AppendUint8(4)
		v4 := addr.Addr().As4()
		outp.Append(v4[:])
	} else {
		outp.AppendUint8(16)
		v6 := addr.Addr().As16()
		outp.Append(v6[:])
	}
	outp.Encrypt(peer.CryptKey())
	outp.MACSet(peer.MACKey())
	peer.Send(outp.Data(), false, proto.VerbRendezvous, now)
	metrics.RendezvousSentTotal.Inc()
}

// ContactAt schedules the NAT traversal HELLO toward with at remote,
// firing at fireAt. Called by the decoder when a RENDEZVOUS arrives.
func (s *Switch) ContactAt(with proto.Address, localSocket int64, remote netip.AddrPort, fireAt time.Time) {
	s.rendezvous.schedule(with, localSocket, remote, fireAt)
}
