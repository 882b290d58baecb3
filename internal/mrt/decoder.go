// Package mrt turns archived MRT TABLE_DUMP_V2 files into entry streams.
// Record and attribute decoding is done by gobgp's packet packages; this
// package adds the framing scan, the peer index resolution, and the transport
// (local file or HTTP, with bzip2/gzip/zstd decompression by extension).
package mrt

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net/netip"

	gomrt "github.com/osrg/gobgp/v3/pkg/packet/mrt"
	"github.com/route-beacon/peer-stats/internal/rib"
	"go.uber.org/zap"
)

// maxRecordLen bounds a single MRT record. Peer index tables of the largest
// collectors stay well under 1 MiB; anything bigger is corruption.
const maxRecordLen = 32 * 1024 * 1024

// Decoder reads one MRT file and yields its RIB entries. It implements
// rib.Source. Unicast TABLE_DUMP_V2 records are decoded; multicast, generic
// and non-TABLE_DUMP_V2 records are passed over. A record whose body fails
// to parse inside intact length-prefixed framing is skipped and counted;
// broken framing aborts the file with a DecodeError.
type Decoder struct {
	ref     string
	scanner *bufio.Scanner
	close   func() error
	logger  *zap.Logger

	peers   []*gomrt.Peer
	queue   []*rib.Entry
	records int
	skipped uint64
}

// NewDecoder wraps an uncompressed MRT byte stream. close releases the
// underlying transport and may be nil.
func NewDecoder(ref string, r io.Reader, close func() error, logger *zap.Logger) *Decoder {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 64*1024), maxRecordLen)
	s.Split(splitRecords)
	return &Decoder{
		ref:     ref,
		scanner: s,
		close:   close,
		logger:  logger,
	}
}

// splitRecords frames MRT records: 12-byte common header, length field at
// offset 8. Unlike a plain scan, a partial record at EOF is an error rather
// than a silent truncation.
func splitRecords(data []byte, atEOF bool) (int, []byte, error) {
	if len(data) < gomrt.MRT_COMMON_HEADER_LEN {
		if atEOF && len(data) > 0 {
			return 0, nil, io.ErrUnexpectedEOF
		}
		return 0, nil, nil
	}
	total := gomrt.MRT_COMMON_HEADER_LEN + int(binary.BigEndian.Uint32(data[8:12]))
	if total > maxRecordLen {
		return 0, nil, fmt.Errorf("record length %d exceeds maximum %d", total, maxRecordLen)
	}
	if len(data) < total {
		if atEOF {
			return 0, nil, io.ErrUnexpectedEOF
		}
		return 0, nil, nil
	}
	return total, data[:total], nil
}

// Next returns the next RIB entry, or io.EOF when the file is exhausted.
func (d *Decoder) Next() (*rib.Entry, error) {
	for {
		if len(d.queue) > 0 {
			e := d.queue[0]
			d.queue = d.queue[1:]
			return e, nil
		}

		if !d.scanner.Scan() {
			if err := d.scanner.Err(); err != nil {
				return nil, &DecodeError{Ref: d.ref, Record: d.records, Err: err}
			}
			return nil, io.EOF
		}
		d.records++
		buf := d.scanner.Bytes()

		hdr := &gomrt.MRTHeader{}
		if err := hdr.DecodeFromBytes(buf[:gomrt.MRT_COMMON_HEADER_LEN]); err != nil {
			return nil, &DecodeError{Ref: d.ref, Record: d.records, Err: err}
		}
		if hdr.Type != gomrt.TABLE_DUMPv2 {
			continue
		}
		switch gomrt.MRTSubTypeTableDumpv2(hdr.SubType) {
		case gomrt.PEER_INDEX_TABLE:
			// The decoded peer table aliases the record bytes and outlives
			// this scan iteration; the scanner reuses its buffer.
			buf = append([]byte(nil), buf...)
		case gomrt.RIB_IPV4_UNICAST, gomrt.RIB_IPV6_UNICAST,
			gomrt.RIB_IPV4_UNICAST_ADDPATH, gomrt.RIB_IPV6_UNICAST_ADDPATH:
		default:
			continue
		}

		msg, err := gomrt.ParseMRTBody(hdr, buf[gomrt.MRT_COMMON_HEADER_LEN:])
		if err != nil {
			d.skipped++
			d.logger.Debug("skipping unparseable record",
				zap.String("file", d.ref),
				zap.Int("record", d.records),
				zap.Error(err),
			)
			continue
		}

		switch body := msg.Body.(type) {
		case *gomrt.PeerIndexTable:
			d.peers = body.Peers
		case *gomrt.Rib:
			if d.peers == nil {
				return nil, &DecodeError{
					Ref:    d.ref,
					Record: d.records,
					Err:    fmt.Errorf("rib record before peer index table"),
				}
			}
			d.enqueue(body)
		}
	}
}

// enqueue expands one RIB record into entries, one per peer that announced
// the prefix. Entries referencing a peer index outside the table are dropped
// and counted.
func (d *Decoder) enqueue(body *gomrt.Rib) {
	prefix, err := netip.ParsePrefix(body.Prefix.String())
	if err != nil {
		d.skipped += uint64(len(body.Entries))
		d.logger.Debug("skipping record with unusable prefix",
			zap.String("file", d.ref),
			zap.Int("record", d.records),
			zap.String("prefix", body.Prefix.String()),
		)
		return
	}

	for _, re := range body.Entries {
		if int(re.PeerIndex) >= len(d.peers) {
			d.skipped++
			d.logger.Debug("skipping entry with out-of-range peer index",
				zap.String("file", d.ref),
				zap.Int("record", d.records),
				zap.Uint16("peer_index", re.PeerIndex),
			)
			continue
		}
		peer := d.peers[re.PeerIndex]
		ip, ok := netip.AddrFromSlice(peer.IpAddress)
		if !ok {
			d.skipped++
			continue
		}
		d.queue = append(d.queue, &rib.Entry{
			PeerASN: peer.AS,
			PeerIP:  ip.Unmap(),
			Prefix:  prefix,
			ASPath:  flattenASPath(re.PathAttributes),
		})
	}
}

// Records returns the number of MRT records consumed so far.
func (d *Decoder) Records() int { return d.records }

// Skipped returns the number of records and entries dropped from intact
// framing (unparseable body, unknown peer index, unusable prefix).
func (d *Decoder) Skipped() uint64 { return d.skipped }

func (d *Decoder) Close() error {
	if d.close == nil {
		return nil
	}
	return d.close()
}
