package daemon

import (
	"encoding/binary"
	"sync"
	"time"

	"firestige.xyz/weft/internal/identity"
	"firestige.xyz/weft/internal/proto"
	"firestige.xyz/weft/internal/topology"
)

// likeTimeout is how long a MULTICAST_LIKE subscription stays fresh.
const likeTimeout = 2 * time.Minute

// multicaster tracks which peers announced interest in which multicast
// groups and picks propagation next hops for outbound group traffic.
// Subscribed peers with a live direct path come first; the best root pads
// the list so frames still spread when nobody has announced yet.
type multicaster struct {
	topo *topology.Topology

	mu    sync.Mutex
	likes map[likeKey]map[proto.Address]time.Time
}

type likeKey struct {
	networkID uint64
	group     proto.MulticastGroup
}

func newMulticaster(topo *topology.Topology) *multicaster {
	return &multicaster{
		topo:  topo,
		likes: make(map[likeKey]map[proto.Address]time.Time),
	}
}

// Like records a peer's subscription to a group.
func (m *multicaster) Like(peer proto.Address, networkID uint64, group proto.MulticastGroup, now time.Time) {
	key := likeKey{networkID: networkID, group: group}
	m.mu.Lock()
	defer m.mu.Unlock()
	subs, ok := m.likes[key]
	if !ok {
		subs = make(map[proto.Address]time.Time)
		m.likes[key] = subs
	}
	subs[peer] = now
}

// NextHops picks up to limit peers to propagate a multicast frame to.
func (m *multicaster) NextHops(networkID uint64, group proto.MulticastGroup, origin proto.Address,
	bf *proto.BloomFilter, limit int, now time.Time) []*topology.Peer {

	key := likeKey{networkID: networkID, group: group}
	m.mu.Lock()
	var subscribed []proto.Address
	if subs, ok := m.likes[key]; ok {
		for addr, at := range subs {
			if now.Sub(at) > likeTimeout {
				delete(subs, addr)
				continue
			}
			subscribed = append(subscribed, addr)
		}
	}
	m.mu.Unlock()

	seen := make(map[proto.Address]struct{}, limit)
	var hops []*topology.Peer
	add := func(p *topology.Peer) {
		if p == nil || len(hops) >= limit {
			return
		}
		if p.Address() == origin {
			return
		}
		if _, dup := seen[p.Address()]; dup {
			return
		}
		seen[p.Address()] = struct{}{}
		markBloom(bf, p.Address())
		hops = append(hops, p)
	}

	for _, addr := range subscribed {
		if p := m.topo.Peer(addr, false); p != nil && p.HasActiveDirectPath(now) {
			add(p)
		}
	}
	if len(hops) < limit {
		if root := m.topo.BestRoot(nil); root != nil {
			add(root)
		}
	}
	return hops
}

// markBloom sets the filter bit for an address so downstream propagation
// can skip nodes already visited.
func markBloom(bf *proto.BloomFilter, addr proto.Address) {
	bit := uint(addr) % uint(len(bf) * 8)
	bf[bit/8] |= 1 << (bit % 8)
}

// sweep drops stale subscriptions.
func (m *multicaster) sweep(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, subs := range m.likes {
		for addr, at := range subs {
			if now.Sub(at) > likeTimeout {
				delete(subs, addr)
			}
		}
		if len(subs) == 0 {
			delete(m.likes, key)
		}
	}
}

// frameSigner signs multicast frames with the node identity.
type frameSigner struct {
	self *identity.Identity
}

// frameMessage is the canonical serialization of a multicast frame's
// origin-relevant fields, the byte string that gets signed and verified.
func (s *frameSigner) frameMessage(networkID uint64, from proto.MAC, group proto.MulticastGroup,
	etherType uint16, payload []byte) []byte {

	msg := make([]byte, 0, 8+6+6+4+2+len(payload))
	msg = binary.BigEndian.AppendUint64(msg, networkID)
	msg = append(msg, from[:]...)
	msg = append(msg, group.MAC[:]...)
	msg = binary.BigEndian.AppendUint32(msg, group.ADI)
	msg = binary.BigEndian.AppendUint16(msg, etherType)
	msg = append(msg, payload...)
	return msg
}

// SignFrame signs the canonical frame message with the node identity.
func (s *frameSigner) SignFrame(networkID uint64, from proto.MAC, group proto.MulticastGroup,
	etherType uint16, payload []byte) ([]byte, error) {
	return s.self.Sign(s.frameMessage(networkID, from, group, etherType, payload))
}
