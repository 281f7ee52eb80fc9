// Package topology maintains the peer and path tables: who we know, how
// they are reached, and which nodes act as roots.
package topology

import (
	"encoding/binary"
	"hash/fnv"
	"net/netip"
)

// Path is a canonical (local socket, remote address) pair. Paths are
// immutable after construction; liveness bookkeeping lives on the Peer.
// The table guarantees that equal pairs share one handle, so handle
// identity doubles as pair equality.
type Path struct {
	localSocket int64
	remote      netip.AddrPort
}

func newPath(localSocket int64, remote netip.AddrPort) *Path {
	return &Path{localSocket: localSocket, remote: remote}
}

func (p *Path) LocalSocket() int64 { return p.localSocket }
func (p *Path) Remote() netip.AddrPort { return p.remote }

func (p *Path) String() string {
	return p.remote.String()
}

// pathKey hashes the pair under the table's startup salt so peers cannot
// predict key placement. Collisions only cost a shared bucket, never
// correctness: insertion re-checks under the write lock.
func pathKey(salt uint64, localSocket int64, remote netip.AddrPort) uint64 {
	h := fnv.New64a()
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], salt)
	h.Write(b[:])
	binary.BigEndian.PutUint64(b[:], uint64(localSocket))
	h.Write(b[:])
	addr16 := remote.Addr().As16()
	h.Write(addr16[:])
	binary.BigEndian.PutUint16(b[:2], remote.Port())
	h.Write(b[:2])
	return h.Sum64()
}
