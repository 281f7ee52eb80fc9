// Package daemon wires the node together and runs its lifecycle.
package daemon

import (
	"firestige.xyz/weft/internal/config"
	"firestige.xyz/weft/internal/proto"
	"firestige.xyz/weft/internal/tap"
)

// network is the static membership view of one overlay network, built
// from configuration. Managed membership (controllers, certificates) is
// out of scope; a network is either open or carries an explicit member
// list.
type network struct {
	id      uint64
	open    bool
	members map[proto.Address]struct{}
	dev     tap.Interface
}

func newNetwork(cfg config.NetworkConfig, dev tap.Interface) (*network, error) {
	id, err := config.ParseNetworkID(cfg.ID)
	if err != nil {
		return nil, err
	}
	nw := &network{
		id:      id,
		open:    cfg.Open,
		members: make(map[proto.Address]struct{}, len(cfg.Members)),
		dev:     dev,
	}
	for _, m := range cfg.Members {
		addr, err := proto.ParseAddress(m)
		if err != nil {
			return nil, err
		}
		nw.members[addr] = struct{}{}
	}
	return nw, nil
}

func (n *network) ID() uint64 { return n.id }
func (n *network) Tap() tap.Interface { return n.dev }
func (n *network) IsOpen() bool { return n.open }

func (n *network) IsMember(addr proto.Address) bool {
	_, ok := n.members[addr]
	return ok
}

func (n *network) IsAllowed(addr proto.Address) bool {
	return n.open || n.IsMember(addr)
}
