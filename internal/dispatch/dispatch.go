// Package dispatch fans ingress datagrams out to a fixed set of partition
// workers. Datagrams are partitioned by source address on a consistent
// hash ring, so packets from one sender always land on the same worker
// and keep their arrival order, while unrelated senders decode in
// parallel.
package dispatch

import (
	"context"
	"errors"
	"net/netip"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/serialx/hashring"

	"firestige.xyz/weft/internal/log"
	"firestige.xyz/weft/internal/metrics"
)

var ErrClosed = errors.New("weft: dispatcher closed")

// Datagram is one raw UDP datagram with its receive context.
type Datagram struct {
	LocalSocket int64
	From        netip.AddrPort
	Data        []byte
}

// Handler consumes one datagram on a partition worker.
type Handler func(d Datagram)

// Dispatcher owns the partition ring and workers.
type Dispatcher struct {
	partitions []*partition
	ring       *hashring.HashRing
	nodes      []string
	handler    Handler
	closed     atomic.Bool
	wg         sync.WaitGroup

	submitted atomic.Int64
	processed atomic.Int64
	dropped   atomic.Int64
}

type partition struct {
	id     int
	queue  chan Datagram
	ctx    context.Context
	cancel context.CancelFunc
}

// Stats is a dispatcher snapshot.
type Stats struct {
	Submitted int64 `json:"submitted"`
	Processed int64 `json:"processed"`
	Dropped   int64 `json:"dropped"`
	Queued    []int `json:"queued"`
}

// New creates a dispatcher with the given partition count and per
// partition queue size, and starts the workers.
func New(partitions, queueSize int, handler Handler) *Dispatcher {
	if partitions <= 0 {
		partitions = 4
	}
	if queueSize <= 0 {
		queueSize = 1024
	}
	d := &Dispatcher{
		partitions: make([]*partition, partitions),
		nodes:      make([]string, partitions),
		handler:    handler,
	}
	for i := 0; i < partitions; i++ {
		d.nodes[i] = "partition-" + strconv.Itoa(i)
	}
	d.ring = hashring.New(d.nodes)

	for i := 0; i < partitions; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		p := &partition{
			id:     i,
			queue:  make(chan Datagram, queueSize),
			ctx:    ctx,
			cancel: cancel,
		}
		d.partitions[i] = p
		d.wg.Add(1)
		go d.runPartition(p)
	}
	return d
}

// Submit hands one datagram to its partition. A full partition queue
// counts a drop; the overlay is best effort and blocking the socket
// reader would be worse.
func (d *Dispatcher) Submit(dg Datagram) error {
	if d.closed.Load() {
		return ErrClosed
	}
	p := d.partitions[d.partitionFor(dg.From)]
	select {
	case p.queue <- dg:
		d.submitted.Add(1)
		return nil
	default:
		d.dropped.Add(1)
		metrics.DispatchDropsTotal.Inc()
		return nil
	}
}

// partitionFor maps a source address onto the ring.
func (d *Dispatcher) partitionFor(from netip.AddrPort) int {
	node, ok := d.ring.GetNode(from.Addr().String())
	if !ok {
		return 0
	}
	for i, n := range d.nodes {
		if n == node {
			return i
		}
	}
	return 0
}

func (d *Dispatcher) runPartition(p *partition) {
	defer d.wg.Done()
	logger := log.GetLogger()
	logger.Debugf("dispatch partition %d started", p.id)
	defer logger.Debugf("dispatch partition %d stopped", p.id)

	for {
		select {
		case <-p.ctx.Done():
			return
		case dg, ok := <-p.queue:
			if !ok {
				return
			}
			d.handler(dg)
			d.processed.Add(1)
		}
	}
}

// Stats snapshots the counters and queue depths.
func (d *Dispatcher) Stats() Stats {
	s := Stats{
		Submitted: d.submitted.Load(),
		Processed: d.processed.Load(),
		Dropped:   d.dropped.Load(),
		Queued:    make([]int, len(d.partitions)),
	}
	for i, p := range d.partitions {
		s.Queued[i] = len(p.queue)
	}
	return s
}

// Close stops accepting datagrams and waits for the workers to drain.
func (d *Dispatcher) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	for _, p := range d.partitions {
		p.cancel()
	}
	d.wg.Wait()
	return nil
}
