package vswitch

import (
	"time"

	"firestige.xyz/weft/internal/proto"
)

// DoTimerTasks runs one maintenance pass over every pending-state queue
// and returns the longest the caller may wait before the next pass.
// Callers may always invoke it sooner. Queue locks are taken one at a
// time; nothing here blocks on the network while holding one.
func (s *Switch) DoTimerTasks(now time.Time) time.Duration {
	nextDelay := time.Hour

	// Due NAT traversal hellos fire now; future ones bound the delay.
	fires, nextDelay := s.rendezvous.sweep(now, nextDelay)
	for _, f := range fires {
		if peer := s.topo.Peer(f.with, true); peer != nil {
			s.sendHelloVia(peer, f.localSocket, f.remote, now)
		}
	}

	// WHOIS retries rotate to a root not yet consulted for that address.
	retries, nextDelay := s.whois.sweep(now, nextDelay)
	for _, r := range retries {
		if sn := s.sendWhoisRequest(r.addr, r.consulted, now); sn != 0 {
			s.whois.recordConsulted(r.addr, sn)
		}
	}

	s.tx.sweep(now, proto.TransmitQueueTimeout, func(e *txEntry) bool {
		return s.trySend(e.pkt, e.encrypt, now)
	})

	s.rx.sweep(now, proto.ReceiveQueueTimeout)
	s.defrag.sweep(now, proto.FragmentedPacketReceiveTimeout)
	s.unite.sweep(now)

	if nextDelay < proto.MinTimerTaskDelay {
		nextDelay = proto.MinTimerTaskDelay
	}
	return nextDelay
}
