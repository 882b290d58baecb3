package mrt

import (
	"github.com/osrg/gobgp/v3/pkg/packet/bgp"
)

// flattenASPath linearizes the AS path attribute by concatenating AS_SEQUENCE
// segments in order. A missing attribute yields nil, as does a path carrying
// AS_SET or confederation segments, which have no ordered linearization.
func flattenASPath(attrs []bgp.PathAttributeInterface) []uint32 {
	for _, attr := range attrs {
		asPath, ok := attr.(*bgp.PathAttributeAsPath)
		if !ok {
			continue
		}
		var out []uint32
		for _, seg := range asPath.Value {
			if seg.GetType() != bgp.BGP_ASPATH_ATTR_TYPE_SEQ {
				return nil
			}
			out = append(out, seg.GetAS()...)
		}
		return out
	}
	return nil
}
