package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"

	gomrt "github.com/osrg/gobgp/v3/pkg/packet/mrt"

	"github.com/route-beacon/peer-stats/internal/mrt"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "Usage: debug-mrt <file-or-url> [max-rib-records-to-print]")
		os.Exit(1)
	}
	ref := os.Args[1]
	maxRIB := 5
	if len(os.Args) > 2 {
		n, err := strconv.Atoi(os.Args[2])
		if err != nil {
			fmt.Fprintf(os.Stderr, "bad record count %q: %v\n", os.Args[2], err)
			os.Exit(1)
		}
		maxRIB = n
	}

	rc, err := mrt.OpenRaw(context.Background(), ref)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open: %v\n", err)
		os.Exit(1)
	}
	defer rc.Close()

	fmt.Printf("=== MRT record scan: %s ===\n\n", ref)

	br := bufio.NewReaderSize(rc, 1<<20)
	hdrBuf := make([]byte, gomrt.MRT_COMMON_HEADER_LEN)
	counts := map[string]int{}
	recNum := 0
	ribShown := 0

	for {
		if _, err := io.ReadFull(br, hdrBuf); err != nil {
			if err == io.EOF {
				break
			}
			fmt.Fprintf(os.Stderr, "record %d: truncated header: %v\n", recNum, err)
			os.Exit(1)
		}

		hdr := &gomrt.MRTHeader{}
		if err := hdr.DecodeFromBytes(hdrBuf); err != nil {
			fmt.Fprintf(os.Stderr, "record %d: bad header: %v\n", recNum, err)
			os.Exit(1)
		}
		body := make([]byte, hdr.Len)
		if _, err := io.ReadFull(br, body); err != nil {
			fmt.Fprintf(os.Stderr, "record %d: truncated body (want %d bytes): %v\n", recNum, hdr.Len, err)
			os.Exit(1)
		}
		recNum++
		counts[recordName(hdr)]++

		if hdr.Type != gomrt.TABLE_DUMPv2 {
			continue
		}

		switch gomrt.MRTSubTypeTableDumpv2(hdr.SubType) {
		case gomrt.PEER_INDEX_TABLE:
			printPeerIndex(recNum, hdr, body)
		case gomrt.RIB_IPV4_UNICAST, gomrt.RIB_IPV6_UNICAST,
			gomrt.RIB_IPV4_UNICAST_ADDPATH, gomrt.RIB_IPV6_UNICAST_ADDPATH:
			if ribShown < maxRIB {
				printRib(recNum, hdr, body)
				ribShown++
				if ribShown == maxRIB {
					fmt.Println("  ... (further RIB records not printed) ...")
				}
			}
		}
	}

	fmt.Printf("\nTotal records: %d\n", recNum)
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("  %-40s %d\n", name, counts[name])
	}
}

func printPeerIndex(recNum int, hdr *gomrt.MRTHeader, body []byte) {
	msg, err := gomrt.ParseMRTBody(hdr, body)
	if err != nil {
		fmt.Printf("record %d: PEER_INDEX_TABLE parse error: %v\n", recNum, err)
		return
	}
	pit, ok := msg.Body.(*gomrt.PeerIndexTable)
	if !ok {
		fmt.Printf("record %d: unexpected body %T\n", recNum, msg.Body)
		return
	}

	fmt.Printf("record %d: PEER_INDEX_TABLE collector_bgp_id=%s view=%q peers=%d\n",
		recNum, pit.CollectorBgpId, pit.ViewName, len(pit.Peers))
	for i, p := range pit.Peers {
		if i == 10 {
			fmt.Printf("  ... (%d more peers) ...\n", len(pit.Peers)-10)
			break
		}
		fmt.Printf("  [%3d] AS%-10d %s\n", i, p.AS, p.IpAddress)
	}
	fmt.Println()
}

func printRib(recNum int, hdr *gomrt.MRTHeader, body []byte) {
	msg, err := gomrt.ParseMRTBody(hdr, body)
	if err != nil {
		fmt.Printf("record %d: RIB parse error: %v\n", recNum, err)
		return
	}
	rib, ok := msg.Body.(*gomrt.Rib)
	if !ok {
		fmt.Printf("record %d: unexpected body %T\n", recNum, msg.Body)
		return
	}

	fmt.Printf("record %d: seq=%d prefix=%s entries=%d\n",
		recNum, rib.SequenceNumber, rib.Prefix, len(rib.Entries))
	for i, e := range rib.Entries {
		if i == 3 {
			fmt.Printf("  ... (%d more entries) ...\n", len(rib.Entries)-3)
			break
		}
		fmt.Printf("  peer_index=%d originated=%d attrs=%d\n",
			e.PeerIndex, e.OriginatedTime, len(e.PathAttributes))
	}
}

func recordName(hdr *gomrt.MRTHeader) string {
	switch hdr.Type {
	case gomrt.TABLE_DUMP:
		return fmt.Sprintf("TABLE_DUMP subtype=%d", hdr.SubType)
	case gomrt.TABLE_DUMPv2:
		return "TABLE_DUMPv2 " + subtypeName(gomrt.MRTSubTypeTableDumpv2(hdr.SubType))
	case gomrt.BGP4MP:
		return fmt.Sprintf("BGP4MP subtype=%d", hdr.SubType)
	case gomrt.BGP4MP_ET:
		return fmt.Sprintf("BGP4MP_ET subtype=%d", hdr.SubType)
	default:
		return fmt.Sprintf("type=%d subtype=%d", hdr.Type, hdr.SubType)
	}
}

func subtypeName(st gomrt.MRTSubTypeTableDumpv2) string {
	switch st {
	case gomrt.PEER_INDEX_TABLE:
		return "PEER_INDEX_TABLE"
	case gomrt.RIB_IPV4_UNICAST:
		return "RIB_IPV4_UNICAST"
	case gomrt.RIB_IPV4_MULTICAST:
		return "RIB_IPV4_MULTICAST"
	case gomrt.RIB_IPV6_UNICAST:
		return "RIB_IPV6_UNICAST"
	case gomrt.RIB_IPV6_MULTICAST:
		return "RIB_IPV6_MULTICAST"
	case gomrt.RIB_GENERIC:
		return "RIB_GENERIC"
	case gomrt.RIB_IPV4_UNICAST_ADDPATH:
		return "RIB_IPV4_UNICAST_ADDPATH"
	case gomrt.RIB_IPV6_UNICAST_ADDPATH:
		return "RIB_IPV6_UNICAST_ADDPATH"
	default:
		return fmt.Sprintf("subtype=%d", st)
	}
}
