// Package rel derives AS-adjacency pairs (as2rel) and prefix-to-origin
// mappings (pfx2as) from the entry stream of a single RIB dump.
package rel

import (
	"net/netip"
	"sort"

	"github.com/route-beacon/peer-stats/internal/rib"
)

// Pair is one observed adjacency between two ASNs, tagged with the address
// family of the route it came from. Endpoints are canonically ordered
// (AsnA <= AsnB) so that symmetric observations merge, and AsnA never equals
// AsnB: consecutive duplicates from path prepending are collapsed first.
type Pair struct {
	AsnA   uint32 `json:"asn_a"`
	AsnB   uint32 `json:"asn_b"`
	Family int    `json:"family"`
}

// Origin maps a prefix to the ASN that originated it, the terminal element
// of the AS path.
type Origin struct {
	Prefix    netip.Prefix `json:"prefix"`
	OriginASN uint32       `json:"origin_asn"`
}

// PairsReport is the persisted as2rel artifact: one dump's adjacency set with
// its provenance.
type PairsReport struct {
	Collector  string `json:"collector"`
	Project    string `json:"project"`
	RIBDumpURL string `json:"rib_dump_url"`
	Pairs      []Pair `json:"as2rel"`
}

// OriginsReport is the persisted pfx2as artifact.
type OriginsReport struct {
	Collector  string   `json:"collector"`
	Project    string   `json:"project"`
	RIBDumpURL string   `json:"rib_dump_url"`
	Origins    []Origin `json:"pfx2as"`
}

// Extractor accumulates the per-file adjacency and origin sets. Repeated
// identical observations within one file collapse to a single element;
// deduplication across files belongs to the indexer.
type Extractor struct {
	pairs   map[Pair]struct{}
	origins map[Origin]struct{}
}

func NewExtractor() *Extractor {
	return &Extractor{
		pairs:   make(map[Pair]struct{}),
		origins: make(map[Origin]struct{}),
	}
}

// Add folds one entry into both sets. Paths of length >= 2 after prepending
// collapse contribute one pair per adjacent ASN pair; any non-empty path
// contributes its terminal ASN as the prefix origin. An empty path yields no
// origin row since the origin would be ambiguous.
func (x *Extractor) Add(e *rib.Entry) error {
	fam := e.Family()
	if fam == 0 {
		return rib.ErrMalformedEntry
	}

	path := rib.DedupPath(e.ASPath)
	for i := 0; i+1 < len(path); i++ {
		a, b := path[i], path[i+1]
		if a == b {
			continue
		}
		if b < a {
			a, b = b, a
		}
		x.pairs[Pair{AsnA: a, AsnB: b, Family: fam}] = struct{}{}
	}

	if origin, ok := rib.OriginASN(path); ok {
		x.origins[Origin{Prefix: e.Prefix, OriginASN: origin}] = struct{}{}
	}
	return nil
}

func (x *Extractor) NumPairs() int   { return len(x.pairs) }
func (x *Extractor) NumOrigins() int { return len(x.origins) }

// Pairs returns the adjacency set sorted by (AsnA, AsnB, Family) for
// deterministic serialization.
func (x *Extractor) Pairs() []Pair {
	out := make([]Pair, 0, len(x.pairs))
	for p := range x.pairs {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AsnA != out[j].AsnA {
			return out[i].AsnA < out[j].AsnA
		}
		if out[i].AsnB != out[j].AsnB {
			return out[i].AsnB < out[j].AsnB
		}
		return out[i].Family < out[j].Family
	})
	return out
}

// Origins returns the pfx2as set sorted by (prefix, origin ASN) for
// deterministic serialization.
func (x *Extractor) Origins() []Origin {
	out := make([]Origin, 0, len(x.origins))
	for o := range x.origins {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].Prefix.Addr().Compare(out[j].Prefix.Addr()); c != 0 {
			return c < 0
		}
		if out[i].Prefix.Bits() != out[j].Prefix.Bits() {
			return out[i].Prefix.Bits() < out[j].Prefix.Bits()
		}
		return out[i].OriginASN < out[j].OriginASN
	})
	return out
}
