package vswitch

import (
	"net/netip"
	"sync"
	"time"

	"firestige.xyz/weft/internal/log"
	"firestige.xyz/weft/internal/metrics"
	"firestige.xyz/weft/internal/proto"
)

// txQueue holds packets that could not be sent yet, keyed by destination.
// Entries leave on successful retry or age out.
//
// Retry passes take ownership of the affected entries and run the attempt
// with no lock held, so a retry that reaches the socket or re-enters the
// switch can never deadlock against the queue. Entries still pending are
// merged back afterwards.
type txQueue struct {
	mu      sync.Mutex
	entries map[proto.Address][]*txEntry
	count   int
}

type txEntry struct {
	creationTime time.Time
	pkt          *proto.Packet
	encrypt      bool
}

func newTxQueue() *txQueue {
	return &txQueue{entries: make(map[proto.Address][]*txEntry)}
}

func (q *txQueue) add(dest proto.Address, pkt *proto.Packet, encrypt bool, now time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries[dest] = append(q.entries[dest], &txEntry{creationTime: now, pkt: pkt, encrypt: encrypt})
	q.count++
	metrics.TxQueueLength.Set(float64(q.count))
}

// retryFor re-attempts every entry queued for dest, removing successes.
func (q *txQueue) retryFor(dest proto.Address, try func(*txEntry) bool) {
	q.mu.Lock()
	taken := q.entries[dest]
	delete(q.entries, dest)
	q.count -= len(taken)
	q.mu.Unlock()
	if len(taken) == 0 {
		return
	}

	var kept []*txEntry
	for _, e := range taken {
		if !try(e) {
			kept = append(kept, e)
		}
	}
	q.putBack(dest, kept)
}

// sweep retries every entry and drops the ones older than timeout.
func (q *txQueue) sweep(now time.Time, timeout time.Duration, try func(*txEntry) bool) {
	q.mu.Lock()
	taken := q.entries
	q.entries = make(map[proto.Address][]*txEntry)
	q.count = 0
	q.mu.Unlock()

	for dest, entries := range taken {
		var kept []*txEntry
		for _, e := range entries {
			if try(e) {
				continue
			}
			if now.Sub(e.creationTime) > timeout {
				log.GetLogger().Tracef("queued packet %016x -> %s timed out", e.pkt.PacketID(), dest)
				metrics.PacketsDroppedTotal.WithLabelValues("tx_timeout").Inc()
				continue
			}
			kept = append(kept, e)
		}
		q.putBack(dest, kept)
	}
}

// putBack merges still-pending entries behind anything queued meanwhile.
func (q *txQueue) putBack(dest proto.Address, kept []*txEntry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(kept) > 0 {
		q.entries[dest] = append(kept, q.entries[dest]...)
		q.count += len(kept)
	}
	metrics.TxQueueLength.Set(float64(q.count))
}

func (q *txQueue) size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// rxQueue holds received packets whose decode is blocked on a missing
// peer. Entries leave on successful retry or age out. Retries follow the
// same take-ownership discipline as the transmit queue.
type rxQueue struct {
	mu      sync.Mutex
	entries []*rxEntry
}

type rxEntry struct {
	receiveTime time.Time
	pkt         *proto.Packet
	localSocket int64
	from        netip.AddrPort
}

func newRxQueue() *rxQueue {
	return &rxQueue{}
}

func (q *rxQueue) add(pkt *proto.Packet, localSocket int64, from netip.AddrPort, now time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append(q.entries, &rxEntry{receiveTime: now, pkt: pkt, localSocket: localSocket, from: from})
	metrics.RxQueueLength.Set(float64(len(q.entries)))
}

// retryAll re-attempts every queued decode, removing entries for which
// done returns true.
func (q *rxQueue) retryAll(done func(*rxEntry) bool) {
	q.mu.Lock()
	taken := q.entries
	q.entries = nil
	q.mu.Unlock()

	var kept []*rxEntry
	for _, e := range taken {
		if !done(e) {
			kept = append(kept, e)
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append(kept, q.entries...)
	metrics.RxQueueLength.Set(float64(len(q.entries)))
}

// sweep drops entries older than timeout.
func (q *rxQueue) sweep(now time.Time, timeout time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.entries[:0]
	for _, e := range q.entries {
		if now.Sub(e.receiveTime) > timeout {
			log.GetLogger().Tracef("queued receive %016x from %s timed out", e.pkt.PacketID(), e.from)
			metrics.PacketsDroppedTotal.WithLabelValues("rx_timeout").Inc()
			continue
		}
		kept = append(kept, e)
	}
	q.entries = kept
	metrics.RxQueueLength.Set(float64(len(q.entries)))
}

func (q *rxQueue) size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}
