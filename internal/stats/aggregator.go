// Package stats builds per-peer statistics from a single RIB dump: prefix
// counts per address family and the number of distinct ASNs seen adjacent
// to each peer.
package stats

import (
	"net/netip"
	"sort"

	"github.com/route-beacon/peer-stats/internal/rib"
)

// PeerStats is the finalized per-peer record emitted in a CollectorReport.
type PeerStats struct {
	ASN              uint32     `json:"asn"`
	IP               netip.Addr `json:"ip"`
	NumV4Pfxs        uint64     `json:"num_v4_pfxs"`
	NumV6Pfxs        uint64     `json:"num_v6_pfxs"`
	NumConnectedASNs uint64     `json:"num_connected_asns"`
}

// CollectorReport is the per-file output of aggregation, keyed by peer IP.
// Reports serialize identically for identical input regardless of entry order.
type CollectorReport struct {
	Collector  string                `json:"collector"`
	Project    string                `json:"project"`
	RIBDumpURL string                `json:"rib_dump_url"`
	Peers      map[string]*PeerStats `json:"peers"`
}

type peerKey struct {
	asn uint32
	ip  netip.Addr
}

// peerAcc keeps the live connected-ASN set during aggregation. The set is
// collapsed to a cardinality only when the report is emitted.
type peerAcc struct {
	stats     PeerStats
	connected map[uint32]struct{}
}

// Aggregator consumes one file's entry stream and owns all per-peer state for
// it. Aggregators are not safe for concurrent use and never shared across
// files; completed reports are passed by value between goroutines instead.
type Aggregator struct {
	collector string
	project   string
	url       string
	peers     map[peerKey]*peerAcc
}

func NewAggregator(collector, project, url string) *Aggregator {
	return &Aggregator{
		collector: collector,
		project:   project,
		url:       url,
		peers:     make(map[peerKey]*peerAcc),
	}
}

// Add folds one entry into the running statistics. The prefix counter for the
// entry's family is incremented; the next-hop ASN of a non-empty path joins
// the peer's connected set. Entries without a usable path still count their
// prefix. Returns rib.ErrMalformedEntry when the prefix family is unknown;
// the entry contributes nothing and aggregation continues.
func (a *Aggregator) Add(e *rib.Entry) error {
	fam := e.Family()
	if fam == 0 {
		return rib.ErrMalformedEntry
	}

	k := peerKey{asn: e.PeerASN, ip: e.PeerIP}
	p := a.peers[k]
	if p == nil {
		p = &peerAcc{
			stats:     PeerStats{ASN: e.PeerASN, IP: e.PeerIP},
			connected: make(map[uint32]struct{}),
		}
		a.peers[k] = p
	}

	if fam == 4 {
		p.stats.NumV4Pfxs++
	} else {
		p.stats.NumV6Pfxs++
	}

	if hop, ok := rib.NextHopASN(e.ASPath); ok {
		p.connected[hop] = struct{}{}
	}
	return nil
}

// NumPeers returns the number of distinct (ASN, IP) peers seen so far.
func (a *Aggregator) NumPeers() int { return len(a.peers) }

// Report finalizes the aggregation: connected sets collapse to their
// cardinality and peers are keyed by IP string. Peers are emitted in sorted
// (IP, ASN) order so that a duplicate IP across ASNs, which RIB peer tables
// do not produce in practice, resolves to the lowest ASN deterministically.
func (a *Aggregator) Report() *CollectorReport {
	keys := make([]peerKey, 0, len(a.peers))
	for k := range a.peers {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].ip != keys[j].ip {
			return keys[i].ip.Less(keys[j].ip)
		}
		return keys[i].asn < keys[j].asn
	})

	peers := make(map[string]*PeerStats, len(keys))
	for _, k := range keys {
		ip := k.ip.String()
		if _, ok := peers[ip]; ok {
			continue
		}
		acc := a.peers[k]
		st := acc.stats
		st.NumConnectedASNs = uint64(len(acc.connected))
		peers[ip] = &st
	}

	return &CollectorReport{
		Collector:  a.collector,
		Project:    a.project,
		RIBDumpURL: a.url,
		Peers:      peers,
	}
}
