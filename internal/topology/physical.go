package topology

import (
	"net/netip"

	"firestige.xyz/weft/internal/proto"
)

// PhysicalPathConfig assigns transport parameters to a network prefix. A
// TrustedPathID of zero means untrusted; any other value lets packets
// marked with that ID skip authenticated-encryption overhead inside
// networks the operator already trusts (e.g. a private backbone).
type PhysicalPathConfig struct {
	Prefix        netip.Prefix
	MTU           int
	TrustedPathID uint64
}

// SetPhysicalPathConfiguration replaces the physical path table. The list
// is ordered: the first matching prefix wins. Entries beyond the
// configurable maximum are dropped.
func (t *Topology) SetPhysicalPathConfiguration(cfgs []PhysicalPathConfig) {
	if len(cfgs) > proto.MaxConfigurablePaths {
		cfgs = cfgs[:proto.MaxConfigurablePaths]
	}
	cleaned := make([]PhysicalPathConfig, 0, len(cfgs))
	for _, c := range cfgs {
		if !c.Prefix.IsValid() {
			continue
		}
		if c.MTU <= 0 || c.MTU > proto.DefaultUDPPayloadMTU {
			c.MTU = proto.DefaultUDPPayloadMTU
		}
		cleaned = append(cleaned, c)
	}
	t.physMu.Lock()
	t.phys = cleaned
	t.physMu.Unlock()
}

// OutboundPathInfo returns the MTU and trusted path ID for a destination
// address. Unconfigured destinations get the defaults.
func (t *Topology) OutboundPathInfo(addr netip.Addr) (mtu int, trustedPathID uint64) {
	t.physMu.RLock()
	defer t.physMu.RUnlock()
	for _, c := range t.phys {
		if c.Prefix.Contains(addr) {
			return c.MTU, c.TrustedPathID
		}
	}
	return proto.DefaultUDPPayloadMTU, 0
}

// ShouldInboundPathBeTrusted reports whether a packet arriving from addr
// marked with trustedPathID may skip cryptographic verification.
func (t *Topology) ShouldInboundPathBeTrusted(addr netip.Addr, trustedPathID uint64) bool {
	if trustedPathID == 0 {
		return false
	}
	t.physMu.RLock()
	defer t.physMu.RUnlock()
	for _, c := range t.phys {
		if c.TrustedPathID == trustedPathID && c.Prefix.Contains(addr) {
			return true
		}
	}
	return false
}
