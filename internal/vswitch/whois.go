package vswitch

import (
	"sync"
	"time"

	"firestige.xyz/weft/internal/metrics"
	"firestige.xyz/weft/internal/proto"
)

// whoisResolver tracks outstanding identity-resolution requests. Each
// entry remembers when it was last sent, how many retries it has burned,
// and which roots it already consulted so retries rotate to a different
// root. The switch owns the actual sends; this is pure bookkeeping.
type whoisResolver struct {
	mu      sync.Mutex
	pending map[proto.Address]*whoisRequest
}

type whoisRequest struct {
	lastSent  time.Time
	retries   int
	consulted []proto.Address // capacity MaxWhoisRetries
}

func newWhoisResolver() *whoisResolver {
	return &whoisResolver{pending: make(map[proto.Address]*whoisRequest)}
}

// reset inserts or restarts the request for addr.
func (w *whoisResolver) reset(addr proto.Address, now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending[addr] = &whoisRequest{
		lastSent:  now,
		consulted: make([]proto.Address, 0, proto.MaxWhoisRetries),
	}
	metrics.WhoisOutstanding.Set(float64(len(w.pending)))
}

// recordConsulted appends the root consulted for addr, up to the retry
// budget. Once full, further sends re-use the best root without recording.
func (w *whoisResolver) recordConsulted(addr, root proto.Address) {
	w.mu.Lock()
	defer w.mu.Unlock()
	req, ok := w.pending[addr]
	if ok && len(req.consulted) < proto.MaxWhoisRetries {
		req.consulted = append(req.consulted, root)
	}
}

// remove drops the request for addr, if any.
func (w *whoisResolver) remove(addr proto.Address) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.pending, addr)
	metrics.WhoisOutstanding.Set(float64(len(w.pending)))
}

// whoisRetry describes one request due for retransmission.
type whoisRetry struct {
	addr      proto.Address
	consulted []proto.Address
}

// sweep walks the table: requests past the retry budget are removed,
// requests due for retransmission are returned for the switch to send
// (with their retry counter bumped), and the soonest outstanding deadline
// lowers nextDelay.
func (w *whoisResolver) sweep(now time.Time, nextDelay time.Duration) ([]whoisRetry, time.Duration) {
	var retries []whoisRetry

	w.mu.Lock()
	defer w.mu.Unlock()
	for addr, req := range w.pending {
		since := now.Sub(req.lastSent)
		if since < proto.WhoisRetryDelay {
			if d := proto.WhoisRetryDelay - since; d < nextDelay {
				nextDelay = d
			}
			continue
		}
		if req.retries >= proto.MaxWhoisRetries {
			delete(w.pending, addr)
			continue
		}
		req.lastSent = now
		req.retries++
		consulted := make([]proto.Address, len(req.consulted))
		copy(consulted, req.consulted)
		retries = append(retries, whoisRetry{addr: addr, consulted: consulted})
		if proto.WhoisRetryDelay < nextDelay {
			nextDelay = proto.WhoisRetryDelay
		}
	}
	metrics.WhoisOutstanding.Set(float64(len(w.pending)))
	return retries, nextDelay
}

func (w *whoisResolver) size() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}
