package vswitch

import (
	"math/bits"
	"sync"
	"time"

	"firestige.xyz/weft/internal/log"
	"firestige.xyz/weft/internal/metrics"
	"firestige.xyz/weft/internal/proto"
)

// defragCache reassembles fragmented packets keyed by packet ID. Bit 0 of
// the have bitmap tracks the packet head (fragment 0); bit k tracks wire
// fragment k. An entry is complete when the popcount of the bitmap equals
// the announced total and the head is present; the reassembled byte
// sequence is head payload || fragment 1 || fragment 2 || ... regardless
// of arrival order. Incomplete entries age out on the maintenance pass.
type defragCache struct {
	mu      sync.Mutex
	entries map[uint64]*defragEntry
}

type defragEntry struct {
	creationTime   time.Time
	totalFragments int // 0 = unknown until any wire fragment arrives
	have           uint32
	frag0          *proto.Packet
	frags          [proto.MaxPacketFragments - 1]*proto.Fragment
}

func newDefragCache() *defragCache {
	return &defragCache{entries: make(map[uint64]*defragEntry)}
}

// insertFragment records one wire fragment, already validated by the
// classifier. Returns the reassembled packet when this fragment completes
// the set, else nil.
func (c *defragCache) insertFragment(frag *proto.Fragment, now time.Time) *proto.Packet {
	pid := frag.PacketID()
	fno := frag.FragmentNumber()
	total := frag.TotalFragments()

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[pid]
	if !ok {
		// Fragment before its head; hold it and wait.
		e = &defragEntry{creationTime: now, totalFragments: total, have: 1 << fno}
		e.frags[fno-1] = frag
		c.entries[pid] = e
		metrics.DefragActiveEntries.Set(float64(len(c.entries)))
		return nil
	}
	if e.have&(1<<fno) != 0 {
		// Duplicate fragment.
		return nil
	}
	e.frags[fno-1] = frag
	e.totalFragments = total // the fragment knows the count, the head does not
	e.have |= 1 << fno

	if bits.OnesCount32(e.have) == total && e.frag0 != nil {
		pkt := assemble(e)
		delete(c.entries, pid)
		metrics.DefragActiveEntries.Set(float64(len(c.entries)))
		return pkt
	}
	return nil
}

// insertHead records the packet head (fragment 0). Returns the
// reassembled packet when the head completes a known set, else nil.
func (c *defragCache) insertHead(pkt *proto.Packet, now time.Time) *proto.Packet {
	pid := pkt.PacketID()

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[pid]
	if !ok {
		e = &defragEntry{creationTime: now, frag0: pkt, have: 1}
		c.entries[pid] = e
		metrics.DefragActiveEntries.Set(float64(len(c.entries)))
		return nil
	}
	if e.have&1 != 0 {
		// Duplicate head.
		return nil
	}
	e.frag0 = pkt
	e.have |= 1
	if e.totalFragments > 0 && bits.OnesCount32(e.have) == e.totalFragments {
		out := assemble(e)
		delete(c.entries, pid)
		metrics.DefragActiveEntries.Set(float64(len(c.entries)))
		return out
	}
	return nil
}

// assemble concatenates the head with the fragment payloads in order.
func assemble(e *defragEntry) *proto.Packet {
	pkt := e.frag0
	for f := 1; f < e.totalFragments; f++ {
		pkt.Append(e.frags[f-1].Payload())
	}
	if pkt.Err() != nil {
		log.GetLogger().Tracef("reassembly of %016x overflowed, discarding", pkt.PacketID())
		metrics.PacketsDroppedTotal.WithLabelValues("reassembly_overflow").Inc()
		return nil
	}
	return pkt
}

// sweep drops entries older than timeout.
func (c *defragCache) sweep(now time.Time, timeout time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for pid, e := range c.entries {
		if now.Sub(e.creationTime) > timeout {
			log.GetLogger().Tracef("incomplete fragmented packet %016x timed out, fragments discarded", pid)
			delete(c.entries, pid)
		}
	}
	metrics.DefragActiveEntries.Set(float64(len(c.entries)))
}

// size reports the number of incomplete entries (tests and stats).
func (c *defragCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
