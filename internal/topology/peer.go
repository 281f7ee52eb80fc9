package topology

import (
	"net/netip"
	"sync"
	"time"

	"firestige.xyz/weft/internal/identity"
	"firestige.xyz/weft/internal/proto"
)

// SendFunc writes one datagram toward a remote address through a local
// socket. localSocket <= 0 lets the transport pick any suitable socket.
type SendFunc func(localSocket int64, remote netip.AddrPort, data []byte) error

// Peer is a remote node we have a verified identity for: its session keys,
// the physical paths it has been seen on, and activity timestamps. A Peer
// is only constructed from an identity that validates against its address.
type Peer struct {
	id   *identity.Identity
	keys identity.SessionKeys
	send SendFunc

	mu        sync.Mutex
	paths     []peerPath
	latency   time.Duration
	firstSeen time.Time
}

type peerPath struct {
	path        *Path
	lastReceive time.Time
}

// NewPeer builds a peer from a validated remote identity, agreeing session
// keys with our own identity.
func NewPeer(self, theirs *identity.Identity, send SendFunc) (*Peer, error) {
	if !theirs.Validate() {
		return nil, identity.ErrInvalidIdentity
	}
	keys, err := self.Agree(theirs)
	if err != nil {
		return nil, err
	}
	return &Peer{id: theirs, keys: keys, send: send}, nil
}

func (p *Peer) Address() proto.Address { return p.id.Address() }
func (p *Peer) Hash() proto.IdentityHash { return p.id.Hash() }
func (p *Peer) Identity() *identity.Identity { return p.id }
func (p *Peer) Probe() uint64 { return p.keys.Probe }

// CryptKey returns the session stream cipher key shared with this peer.
func (p *Peer) CryptKey() *[32]byte { return &p.keys.Crypt }

// MACKey returns the session authentication key shared with this peer.
func (p *Peer) MACKey() *[32]byte { return &p.keys.MAC }

// Alive records a packet received from this peer on path, creating the
// path entry on first sighting.
func (p *Peer) Alive(path *Path, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.paths {
		if p.paths[i].path == path {
			if now.After(p.paths[i].lastReceive) {
				p.paths[i].lastReceive = now
			}
			return
		}
	}
	p.paths = append(p.paths, peerPath{path: path, lastReceive: now})
}

// AddPath introduces a known path without marking it active, e.g. a
// bootstrap address or a cached endpoint.
func (p *Peer) AddPath(path *Path) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.paths {
		if p.paths[i].path == path {
			return
		}
	}
	p.paths = append(p.paths, peerPath{path: path})
}

// HasActiveDirectPath reports whether any path has seen traffic within the
// activity window.
func (p *Peer) HasActiveDirectPath(now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.paths {
		if !p.paths[i].lastReceive.IsZero() && now.Sub(p.paths[i].lastReceive) < proto.PathActivityTimeout {
			return true
		}
	}
	return false
}

// bestPath returns the most recently active path, or the most recently
// added known path when none has seen traffic yet.
func (p *Peer) bestPath() *Path {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.paths) == 0 {
		return nil
	}
	best := 0
	for i := 1; i < len(p.paths); i++ {
		if p.paths[i].lastReceive.After(p.paths[best].lastReceive) {
			best = i
		}
	}
	if p.paths[best].lastReceive.IsZero() {
		best = len(p.paths) - 1
	}
	return p.paths[best].path
}

// BestRemote returns the remote address of the peer's best path.
func (p *Peer) BestRemote() (netip.AddrPort, bool) {
	path := p.bestPath()
	if path == nil {
		return netip.AddrPort{}, false
	}
	return path.Remote(), true
}

// Send writes data to this peer along its best path. Returns false when no
// path is known or the socket write fails; the caller decides whether to
// queue or drop.
func (p *Peer) Send(data []byte, isRelay bool, verb proto.Verb, now time.Time) bool {
	path := p.bestPath()
	if path == nil {
		return false
	}
	return p.send(path.LocalSocket(), path.Remote(), data) == nil
}

// SendVia writes data through an explicit socket and address, bypassing
// path selection. Used for NAT traversal hellos aimed at a rendezvous
// address.
func (p *Peer) SendVia(localSocket int64, remote netip.AddrPort, data []byte) bool {
	return p.send(localSocket, remote, data) == nil
}

// FindCommonGround picks the physical addresses two peers should dial to
// reach each other: the first value is where a reaches b, the second where
// b reaches a. Both must have an active path of the same address family,
// otherwise ok is false.
func FindCommonGround(a, b *Peer, now time.Time) (forA, forB netip.AddrPort, ok bool) {
	ra, ok := a.activeRemote(now)
	if !ok {
		return netip.AddrPort{}, netip.AddrPort{}, false
	}
	rb, ok := b.activeRemote(now)
	if !ok {
		return netip.AddrPort{}, netip.AddrPort{}, false
	}
	if ra.Addr().Is4() != rb.Addr().Is4() {
		return netip.AddrPort{}, netip.AddrPort{}, false
	}
	return rb, ra, true
}

func (p *Peer) activeRemote(now time.Time) (netip.AddrPort, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var best netip.AddrPort
	var bestAt time.Time
	for i := range p.paths {
		pp := &p.paths[i]
		if pp.lastReceive.IsZero() || now.Sub(pp.lastReceive) >= proto.PathActivityTimeout {
			continue
		}
		if pp.lastReceive.After(bestAt) {
			best = pp.path.Remote()
			bestAt = pp.lastReceive
		}
	}
	return best, bestAt != (time.Time{})
}

// RecordLatency folds a new round-trip measurement into the smoothed
// latency used for root ranking.
func (p *Peer) RecordLatency(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.latency == 0 {
		p.latency = d
		return
	}
	p.latency = (p.latency*3 + d) / 4
}

// Latency returns the smoothed round-trip latency, 0 if unmeasured.
func (p *Peer) Latency() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.latency
}

// Endpoints snapshots the peer's known remote addresses for persistence.
func (p *Peer) Endpoints() []proto.Endpoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	eps := make([]proto.Endpoint, 0, len(p.paths))
	for i := range p.paths {
		eps = append(eps, proto.EndpointFromAddrPort(p.paths[i].path.Remote()))
	}
	return eps
}

// expirePaths drops paths that have been silent for longer than cutoff,
// keeping never-active bootstrap paths.
func (p *Peer) expirePaths(now time.Time, cutoff time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	kept := p.paths[:0]
	for _, pp := range p.paths {
		if pp.lastReceive.IsZero() || now.Sub(pp.lastReceive) < cutoff {
			kept = append(kept, pp)
		}
	}
	p.paths = kept
}
