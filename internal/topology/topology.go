package topology

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"net/netip"
	"sort"
	"sync"
	"time"

	"firestige.xyz/weft/internal/identity"
	"firestige.xyz/weft/internal/log"
	"firestige.xyz/weft/internal/metrics"
	"firestige.xyz/weft/internal/proto"
)

var ErrNotARoot = errors.New("weft: identity is not a configured root")

// Topology is the database of everything we know about the overlay: peers
// with their secondary indices, the root set, canonical paths, and the
// physical path configuration.
//
// One RWMutex covers the peer map, both secondary indices, the root set
// and the ranked root list, so the indices can never drift from the
// primary map. The path table has its own lock.
type Topology struct {
	self  *identity.Identity
	store Store
	send  SendFunc

	peersMu      sync.RWMutex
	peers        map[proto.Address]*Peer
	peersByHash  map[proto.IdentityHash]*Peer
	peersByProbe map[uint64]*Peer
	roots        map[proto.Address]*identity.Identity
	rootPeers    []*Peer // sorted ascending by latency on RankRoots

	pathsMu  sync.RWMutex
	paths    map[uint64]*Path
	pathSalt uint64

	physMu sync.RWMutex
	phys   []PhysicalPathConfig
}

// New creates a Topology for the given node identity. store may be nil to
// disable the persistent peer cache.
func New(self *identity.Identity, store Store, send SendFunc) *Topology {
	var salt [8]byte
	if _, err := rand.Read(salt[:]); err != nil {
		// Without entropy the process cannot produce packet IDs either;
		// give up early rather than run with predictable table keys.
		log.GetLogger().WithError(err).Fatal("no entropy for path table salt")
	}
	return &Topology{
		self:         self,
		store:        store,
		send:         send,
		peers:        make(map[proto.Address]*Peer),
		peersByHash:  make(map[proto.IdentityHash]*Peer),
		peersByProbe: make(map[uint64]*Peer),
		roots:        make(map[proto.Address]*identity.Identity),
		paths:        make(map[uint64]*Path),
		pathSalt:     binary.BigEndian.Uint64(salt[:]),
	}
}

// Self returns the local node identity.
func (t *Topology) Self() *identity.Identity { return t.self }

// SendFunc returns the transport send hook peers are constructed with.
func (t *Topology) SendFunc() SendFunc { return t.send }

// Add inserts a peer if its address is not yet known and returns the
// canonical entry. Existing entries are never replaced, so callers must
// use the returned peer.
func (t *Topology) Add(peer *Peer) *Peer {
	t.peersMu.Lock()
	defer t.peersMu.Unlock()
	return t.addLocked(peer)
}

func (t *Topology) addLocked(peer *Peer) *Peer {
	if existing, ok := t.peers[peer.Address()]; ok {
		return existing
	}
	t.peers[peer.Address()] = peer
	t.peersByHash[peer.Hash()] = peer
	t.peersByProbe[peer.Probe()] = peer
	if _, isRoot := t.roots[peer.Address()]; isRoot {
		t.rootPeers = append(t.rootPeers, peer)
	}
	metrics.TopologyPeers.Set(float64(len(t.peers)))
	return peer
}

// Peer looks up a peer by address. On a miss with loadCached set, the
// persistent store is consulted and a hit is re-inserted under the same
// race-safe discipline as the path table.
func (t *Topology) Peer(addr proto.Address, loadCached bool) *Peer {
	t.peersMu.RLock()
	p := t.peers[addr]
	t.peersMu.RUnlock()
	if p != nil || !loadCached || t.store == nil {
		return p
	}

	loaded := t.loadCached(addr)
	if loaded == nil {
		return nil
	}
	t.peersMu.Lock()
	defer t.peersMu.Unlock()
	if existing, ok := t.peers[addr]; ok {
		return existing
	}
	return t.addLocked(loaded)
}

// loadCached reconstructs a peer from the persistent store, re-validating
// the stored identity. Failures are logged and treated as a miss.
func (t *Topology) loadCached(addr proto.Address) *Peer {
	rec, err := t.store.Load(addr)
	if err != nil {
		log.GetLogger().WithError(err).Tracef("peer cache load failed for %s", addr)
		return nil
	}
	if rec == nil {
		return nil
	}
	id, err := identity.Parse(rec.Identity)
	if err != nil || id.Address() != addr {
		log.GetLogger().Tracef("peer cache entry for %s is invalid, ignoring", addr)
		return nil
	}
	peer, err := NewPeer(t.self, id, t.send)
	if err != nil {
		return nil
	}
	for _, ep := range rec.Endpoints {
		if ep.Type == proto.EndpointInetAddrV4 || ep.Type == proto.EndpointInetAddrV6 {
			peer.AddPath(t.Path(0, ep.AddrPort))
		}
	}
	return peer
}

// PeerByHash looks up a peer by identity hash. In-memory only.
func (t *Topology) PeerByHash(h proto.IdentityHash) *Peer {
	t.peersMu.RLock()
	defer t.peersMu.RUnlock()
	return t.peersByHash[h]
}

// PeerByProbe looks up a peer by the cleartext probe token it sends on
// first contact. In-memory only.
func (t *Topology) PeerByProbe(probe uint64) *Peer {
	t.peersMu.RLock()
	defer t.peersMu.RUnlock()
	return t.peersByProbe[probe]
}

// Path canonicalizes a (local socket, remote) pair. Reads take the read
// lock; a miss constructs the path outside any lock and inserts under the
// write lock, keeping whichever handle won the race.
func (t *Topology) Path(localSocket int64, remote netip.AddrPort) *Path {
	k := pathKey(t.pathSalt, localSocket, remote)
	t.pathsMu.RLock()
	p := t.paths[k]
	t.pathsMu.RUnlock()
	if p != nil {
		return p
	}

	fresh := newPath(localSocket, remote)
	t.pathsMu.Lock()
	defer t.pathsMu.Unlock()
	if p := t.paths[k]; p != nil {
		return p
	}
	t.paths[k] = fresh
	metrics.TopologyPaths.Set(float64(len(t.paths)))
	return fresh
}

// AddRoot registers id as a root. If a bootstrap address is known a peer
// is created immediately with that path, otherwise the peer appears when
// its identity is first seen. Returns the root peer if one exists now.
func (t *Topology) AddRoot(id *identity.Identity, bootstrap netip.AddrPort) (*Peer, error) {
	if !id.Validate() {
		return nil, identity.ErrInvalidIdentity
	}
	t.peersMu.Lock()
	defer t.peersMu.Unlock()
	t.roots[id.Address()] = id

	peer := t.peers[id.Address()]
	if peer == nil {
		var err error
		peer, err = NewPeer(t.self, id, t.send)
		if err != nil {
			delete(t.roots, id.Address())
			return nil, err
		}
		t.addLocked(peer)
	} else {
		// Already known as an ordinary peer; promote it.
		found := false
		for _, rp := range t.rootPeers {
			if rp == peer {
				found = true
				break
			}
		}
		if !found {
			t.rootPeers = append(t.rootPeers, peer)
		}
	}
	if bootstrap.IsValid() {
		peer.AddPath(t.Path(0, bootstrap))
	}
	return peer, nil
}

// RemoveRoot demotes a root identity. The peer itself stays in the table.
func (t *Topology) RemoveRoot(addr proto.Address) bool {
	t.peersMu.Lock()
	defer t.peersMu.Unlock()
	if _, ok := t.roots[addr]; !ok {
		return false
	}
	delete(t.roots, addr)
	for i, rp := range t.rootPeers {
		if rp.Address() == addr {
			t.rootPeers = append(t.rootPeers[:i], t.rootPeers[i+1:]...)
			break
		}
	}
	return true
}

// IsRoot reports whether addr belongs to a configured root.
func (t *Topology) IsRoot(addr proto.Address) bool {
	t.peersMu.RLock()
	defer t.peersMu.RUnlock()
	_, ok := t.roots[addr]
	return ok
}

// Root returns the current best root, or nil when no root peer exists.
func (t *Topology) Root() *Peer {
	t.peersMu.RLock()
	defer t.peersMu.RUnlock()
	if len(t.rootPeers) == 0 {
		return nil
	}
	return t.rootPeers[0]
}

// RankRoots sorts the root list ascending by smoothed latency. Unmeasured
// roots sort last.
func (t *Topology) RankRoots(now time.Time) {
	t.peersMu.Lock()
	defer t.peersMu.Unlock()
	sort.SliceStable(t.rootPeers, func(i, j int) bool {
		li, lj := t.rootPeers[i].Latency(), t.rootPeers[j].Latency()
		if li == 0 {
			return false
		}
		if lj == 0 {
			return true
		}
		return li < lj
	})
}

// BestRoot returns the first ranked root not in exclude. When every root
// is excluded the first root overall is returned, so a caller out of
// alternatives still gets the best one rather than nothing.
func (t *Topology) BestRoot(exclude []proto.Address) *Peer {
	t.peersMu.RLock()
	defer t.peersMu.RUnlock()
	if len(t.rootPeers) == 0 {
		return nil
	}
	for _, rp := range t.rootPeers {
		excluded := false
		for _, ex := range exclude {
			if rp.Address() == ex {
				excluded = true
				break
			}
		}
		if !excluded {
			return rp
		}
	}
	return t.rootPeers[0]
}

// EachPeer calls f for every peer. The handle list is snapshotted under
// the read lock and released before f runs, so f may call back into the
// table freely at the cost of one allocation.
func (t *Topology) EachPeer(f func(*Peer)) {
	t.peersMu.RLock()
	snapshot := make([]*Peer, 0, len(t.peers))
	for _, p := range t.peers {
		snapshot = append(snapshot, p)
	}
	t.peersMu.RUnlock()
	for _, p := range snapshot {
		f(p)
	}
}

// EachPeerWithRoot is EachPeer with a flag telling f whether the peer is a
// ranked root.
func (t *Topology) EachPeerWithRoot(f func(*Peer, bool)) {
	t.peersMu.RLock()
	snapshot := make([]*Peer, 0, len(t.peers))
	isRoot := make([]bool, 0, len(t.peers))
	for addr, p := range t.peers {
		snapshot = append(snapshot, p)
		_, root := t.roots[addr]
		isRoot = append(isRoot, root)
	}
	t.peersMu.RUnlock()
	for i, p := range snapshot {
		f(p, isRoot[i])
	}
}

// EachPath calls f for every canonical path, snapshot-then-iterate like
// EachPeer.
func (t *Topology) EachPath(f func(*Path)) {
	t.pathsMu.RLock()
	snapshot := make([]*Path, 0, len(t.paths))
	for _, p := range t.paths {
		snapshot = append(snapshot, p)
	}
	t.pathsMu.RUnlock()
	for _, p := range snapshot {
		f(p)
	}
}

// PeerCount returns the number of peers in memory.
func (t *Topology) PeerCount() int {
	t.peersMu.RLock()
	defer t.peersMu.RUnlock()
	return len(t.peers)
}

// DoPeriodicTasks expires silent peer paths.
func (t *Topology) DoPeriodicTasks(now time.Time) {
	t.EachPeer(func(p *Peer) {
		p.expirePaths(now, 10*proto.PathActivityTimeout)
	})
}

// SaveAll flushes every peer to the persistent store. Called during
// cooperative shutdown.
func (t *Topology) SaveAll(now time.Time) {
	if t.store == nil {
		return
	}
	t.EachPeer(func(p *Peer) {
		rec := &StoredPeer{
			Address:   p.Address(),
			Identity:  p.Identity().String(),
			Endpoints: p.Endpoints(),
			LastSeen:  now,
		}
		if err := t.store.Save(rec); err != nil {
			log.GetLogger().WithError(err).Warnf("failed to persist peer %s", p.Address())
		}
	})
}
