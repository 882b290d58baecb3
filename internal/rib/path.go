package rib

// DedupPath collapses consecutive duplicate ASNs in a path, the artifact of
// path prepending ([100, 100, 200] becomes [100, 200]). The input slice is
// returned unchanged when it contains no consecutive duplicates.
func DedupPath(path []uint32) []uint32 {
	dup := -1
	for i := 1; i < len(path); i++ {
		if path[i] == path[i-1] {
			dup = i
			break
		}
	}
	if dup < 0 {
		return path
	}
	out := make([]uint32, dup, len(path))
	copy(out, path[:dup])
	for _, asn := range path[dup:] {
		if asn == out[len(out)-1] {
			continue
		}
		out = append(out, asn)
	}
	return out
}

// NextHopASN returns the ASN adjacent to the peer on a prepending-collapsed
// path: the second element, or the only element of a single-element path.
// ok is false for an empty or unavailable path.
func NextHopASN(path []uint32) (asn uint32, ok bool) {
	p := DedupPath(path)
	switch {
	case len(p) == 0:
		return 0, false
	case len(p) == 1:
		return p[0], true
	default:
		return p[1], true
	}
}

// OriginASN returns the terminal element of a path, the AS that originated
// the prefix. ok is false for an empty or unavailable path.
func OriginASN(path []uint32) (asn uint32, ok bool) {
	if len(path) == 0 {
		return 0, false
	}
	return path[len(path)-1], true
}
