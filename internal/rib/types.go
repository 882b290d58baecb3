package rib

import (
	"errors"
	"io"
	"net/netip"
)

// ErrMalformedEntry marks an entry whose address family cannot be determined
// from its prefix. Callers log and skip such entries; they never abort a file.
var ErrMalformedEntry = errors.New("rib: malformed entry")

// Entry is one route-table entry decoded from a RIB dump: the peer that
// contributed it, the announced prefix, and the AS path the route carried.
// ASPath is the linearized path (AS_SEQUENCE segments flattened in order);
// it is nil when the dump carried no path attribute or the path cannot be
// linearized (AS_SET segments). Entries are immutable once produced.
type Entry struct {
	PeerASN uint32
	PeerIP  netip.Addr
	Prefix  netip.Prefix
	ASPath  []uint32
}

// Family returns 4 or 6 for the entry's prefix family, or 0 when the prefix
// is invalid and the family cannot be determined.
func (e *Entry) Family() int {
	if !e.Prefix.IsValid() {
		return 0
	}
	if e.Prefix.Addr().Is4() || e.Prefix.Addr().Is4In6() {
		return 4
	}
	return 6
}

// Source yields the entries of a single RIB dump in file order. Next returns
// io.EOF after the last entry. Sources are single-pass and not safe for
// concurrent use; Close releases the underlying transport.
type Source interface {
	Next() (*Entry, error)
	Close() error
}

// SliceSource adapts an in-memory entry slice to the Source interface.
type SliceSource struct {
	entries []*Entry
	pos     int
}

func NewSliceSource(entries []*Entry) *SliceSource {
	return &SliceSource{entries: entries}
}

func (s *SliceSource) Next() (*Entry, error) {
	if s.pos >= len(s.entries) {
		return nil, io.EOF
	}
	e := s.entries[s.pos]
	s.pos++
	return e, nil
}

func (s *SliceSource) Close() error { return nil }
