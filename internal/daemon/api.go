package daemon

import (
	"fmt"
	"time"

	"firestige.xyz/weft/internal/command"
	"firestige.xyz/weft/internal/topology"
)

// The daemon is the control plane's view of the node.

func (d *Daemon) Status() command.StatusResult {
	stats := d.sw.Stats()
	networks := make([]string, 0, len(d.networks))
	for id := range d.networks {
		networks = append(networks, fmt.Sprintf("%016x", id))
	}
	roots := 0
	d.topo.EachPeerWithRoot(func(_ *topology.Peer, isRoot bool) {
		if isRoot {
			roots++
		}
	})
	ds := d.dispatcher.Stats()
	return command.StatusResult{
		Address:  d.self.Address().String(),
		Uptime:   time.Since(d.startTime).Round(time.Second).String(),
		Peers:    d.topo.PeerCount(),
		Roots:    roots,
		Networks: networks,
		Switch: map[string]int{
			"defrag_entries":    stats.DefragEntries,
			"whois_outstanding": stats.WhoisOutstanding,
			"tx_queued":         stats.TxQueued,
			"rx_queued":         stats.RxQueued,
		},
		Dispatch: map[string]any{
			"submitted": ds.Submitted,
			"processed": ds.Processed,
			"dropped":   ds.Dropped,
		},
	}
}

func (d *Daemon) Peers(rootsOnly bool) []command.PeerInfo {
	now := time.Now()
	var out []command.PeerInfo
	d.topo.EachPeerWithRoot(func(p *topology.Peer, isRoot bool) {
		if rootsOnly && !isRoot {
			return
		}
		info := command.PeerInfo{
			Address:   p.Address().String(),
			Root:      isRoot,
			Direct:    p.HasActiveDirectPath(now),
			LatencyMS: p.Latency().Milliseconds(),
		}
		for _, ep := range p.Endpoints() {
			info.Paths = append(info.Paths, ep.String())
		}
		out = append(out, info)
	})
	return out
}

func (d *Daemon) Paths() []command.PathInfo {
	var out []command.PathInfo
	d.topo.EachPath(func(p *topology.Path) {
		out = append(out, command.PathInfo{
			LocalSocket: p.LocalSocket(),
			Remote:      p.Remote().String(),
		})
	})
	return out
}

func (d *Daemon) Shutdown() {
	select {
	case <-d.shutdownChan:
	default:
		close(d.shutdownChan)
	}
}
