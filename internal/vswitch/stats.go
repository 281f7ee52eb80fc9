package vswitch

// Stats is a point-in-time snapshot of the switch's pending state.
type Stats struct {
	DefragEntries    int `json:"defrag_entries"`
	WhoisOutstanding int `json:"whois_outstanding"`
	TxQueued         int `json:"tx_queued"`
	RxQueued         int `json:"rx_queued"`
}

// Stats snapshots the queue depths.
func (s *Switch) Stats() Stats {
	return Stats{
		DefragEntries:    s.defrag.size(),
		WhoisOutstanding: s.whois.size(),
		TxQueued:         s.tx.size(),
		RxQueued:         s.rx.size(),
	}
}
