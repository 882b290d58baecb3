package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/route-beacon/peer-stats/internal/broker"
	"github.com/route-beacon/peer-stats/internal/rib"
	"go.uber.org/zap"
)

func entry(peerASN uint32, peerIP, prefix string, path ...uint32) *rib.Entry {
	return &rib.Entry{
		PeerASN: peerASN,
		PeerIP:  netip.MustParseAddr(peerIP),
		Prefix:  netip.MustParsePrefix(prefix),
		ASPath:  path,
	}
}

func testItems(n int) []broker.Item {
	items := make([]broker.Item, n)
	for i := range items {
		items[i] = broker.Item{
			URL:       fmt.Sprintf("https://archive.example.org/rib.%d.gz", i),
			Collector: "rrc00",
			Project:   "riperis",
			Timestamp: time.Unix(1643673600, 0).UTC(),
		}
	}
	return items
}

// errAfterSource yields its entries and then fails instead of returning EOF.
type errAfterSource struct {
	entries []*rib.Entry
	pos     int
	err     error
}

func (s *errAfterSource) Next() (*rib.Entry, error) {
	if s.pos >= len(s.entries) {
		return nil, s.err
	}
	e := s.entries[s.pos]
	s.pos++
	return e, nil
}

func (s *errAfterSource) Close() error { return nil }

func TestRunAggregatesAllItems(t *testing.T) {
	items := testItems(3)
	open := func(ctx context.Context, item broker.Item) (rib.Source, error) {
		return rib.NewSliceSource([]*rib.Entry{
			entry(65000, "192.0.2.1", "10.0.0.0/8", 65000, 65001, 65002),
			entry(65000, "192.0.2.1", "10.1.0.0/16", 65000, 65003),
		}), nil
	}

	d := New(open, zap.NewNop())
	results := d.Run(context.Background(), items)

	if len(results) != len(items) {
		t.Fatalf("got %d results, want %d", len(results), len(items))
	}
	for i, res := range results {
		if res.Item.URL != items[i].URL {
			t.Errorf("result %d has item %q, want %q", i, res.Item.URL, items[i].URL)
		}
		if res.Err != nil {
			t.Fatalf("result %d failed: %v", i, res.Err)
		}
		if res.Entries != 2 {
			t.Errorf("result %d counted %d entries, want 2", i, res.Entries)
		}
		if res.Stats == nil || len(res.Stats.Peers) != 1 {
			t.Fatalf("result %d has no peer report", i)
		}
		ps := res.Stats.Peers["192.0.2.1"]
		if ps == nil {
			t.Fatalf("result %d is missing peer 192.0.2.1", i)
		}
		if ps.NumV4Pfxs != 2 {
			t.Errorf("result %d peer has %d v4 prefixes, want 2", i, ps.NumV4Pfxs)
		}
		if ps.NumConnectedASNs != 2 {
			t.Errorf("result %d peer has %d connected ASNs, want 2", i, ps.NumConnectedASNs)
		}
		if len(res.Pairs) == 0 || len(res.Origins) == 0 {
			t.Errorf("result %d is missing relationship output", i)
		}
	}
}

func TestRunIsolatesFailures(t *testing.T) {
	items := testItems(4)
	openErr := errors.New("connection refused")
	decodeErr := errors.New("truncated record")

	open := func(ctx context.Context, item broker.Item) (rib.Source, error) {
		switch item.URL {
		case items[1].URL:
			return nil, openErr
		case items[2].URL:
			return &errAfterSource{
				entries: []*rib.Entry{entry(65000, "192.0.2.1", "10.0.0.0/8", 65000)},
				err:     decodeErr,
			}, nil
		default:
			return rib.NewSliceSource([]*rib.Entry{
				entry(65000, "192.0.2.1", "10.0.0.0/8", 65000, 65001),
			}), nil
		}
	}

	d := New(open, zap.NewNop())
	results := d.Run(context.Background(), items)

	if len(results) != len(items) {
		t.Fatalf("got %d results, want %d", len(results), len(items))
	}
	if !errors.Is(results[1].Err, openErr) {
		t.Errorf("result 1 error = %v, want %v", results[1].Err, openErr)
	}
	if !errors.Is(results[2].Err, decodeErr) {
		t.Errorf("result 2 error = %v, want %v", results[2].Err, decodeErr)
	}
	for _, i := range []int{0, 3} {
		if results[i].Err != nil {
			t.Errorf("result %d failed: %v", i, results[i].Err)
		}
		if results[i].Stats == nil {
			t.Errorf("result %d has no report", i)
		}
	}
}

func TestRunBoundsConcurrency(t *testing.T) {
	if runtime.GOMAXPROCS(0) < 2 {
		t.Skip("needs at least two CPUs")
	}

	var inflight, peak atomic.Int32
	open := func(ctx context.Context, item broker.Item) (rib.Source, error) {
		cur := inflight.Add(1)
		defer inflight.Add(-1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		return rib.NewSliceSource(nil), nil
	}

	d := New(open, zap.NewNop(), WithWorkers(2))
	results := d.Run(context.Background(), testItems(8))

	if len(results) != 8 {
		t.Fatalf("got %d results, want 8", len(results))
	}
	if p := peak.Load(); p > 2 {
		t.Errorf("observed %d concurrent files, want at most 2", p)
	}
}

func TestRunReportsProgress(t *testing.T) {
	var mu sync.Mutex
	var calls [][2]int

	open := func(ctx context.Context, item broker.Item) (rib.Source, error) {
		return rib.NewSliceSource(nil), nil
	}
	d := New(open, zap.NewNop(), WithProgress(func(done, total int) {
		mu.Lock()
		calls = append(calls, [2]int{done, total})
		mu.Unlock()
	}))

	d.Run(context.Background(), testItems(5))

	mu.Lock()
	defer mu.Unlock()
	if len(calls) != 5 {
		t.Fatalf("got %d progress calls, want 5", len(calls))
	}
	seen := make(map[int]bool)
	for _, c := range calls {
		if c[1] != 5 {
			t.Errorf("progress total = %d, want 5", c[1])
		}
		seen[c[0]] = true
	}
	if !seen[5] {
		t.Error("never reported completion of the final item")
	}
}

func TestRunContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	open := func(ctx context.Context, item broker.Item) (rib.Source, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	time.AfterFunc(20*time.Millisecond, cancel)
	d := New(open, zap.NewNop(), WithWorkers(1))
	results := d.Run(ctx, testItems(3))

	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	for i, res := range results {
		if !errors.Is(res.Err, context.Canceled) {
			t.Errorf("result %d error = %v, want context.Canceled", i, res.Err)
		}
		if res.Item.URL == "" {
			t.Errorf("result %d lost its item", i)
		}
	}
}

func TestRunSkipsMalformedEntries(t *testing.T) {
	open := func(ctx context.Context, item broker.Item) (rib.Source, error) {
		return rib.NewSliceSource([]*rib.Entry{
			entry(65000, "192.0.2.1", "10.0.0.0/8", 65000, 65001),
			{PeerASN: 65000, PeerIP: netip.MustParseAddr("192.0.2.1")},
			entry(65000, "192.0.2.1", "10.1.0.0/16", 65000, 65002),
		}), nil
	}

	d := New(open, zap.NewNop())
	results := d.Run(context.Background(), testItems(1))

	res := results[0]
	if res.Err != nil {
		t.Fatalf("Run failed the file: %v", res.Err)
	}
	if res.Entries != 2 {
		t.Errorf("counted %d entries, want 2", res.Entries)
	}
	if res.Skipped != 1 {
		t.Errorf("skipped %d entries, want 1", res.Skipped)
	}
	if ps := res.Stats.Peers["192.0.2.1"]; ps.NumV4Pfxs != 2 {
		t.Errorf("peer has %d v4 prefixes, want 2", ps.NumV4Pfxs)
	}
}

func TestRunWithoutExtract(t *testing.T) {
	open := func(ctx context.Context, item broker.Item) (rib.Source, error) {
		return rib.NewSliceSource([]*rib.Entry{
			entry(65000, "192.0.2.1", "10.0.0.0/8", 65000, 65001),
		}), nil
	}

	d := New(open, zap.NewNop(), WithoutExtract())
	results := d.Run(context.Background(), testItems(1))

	if results[0].Pairs != nil || results[0].Origins != nil {
		t.Error("extraction output present despite WithoutExtract")
	}
	if results[0].Stats == nil {
		t.Error("peer report missing")
	}
}

func TestWorkersBounds(t *testing.T) {
	open := func(ctx context.Context, item broker.Item) (rib.Source, error) {
		return rib.NewSliceSource(nil), nil
	}
	max := runtime.GOMAXPROCS(0)

	if got := New(open, zap.NewNop()).Workers(); got != max {
		t.Errorf("default workers = %d, want %d", got, max)
	}
	if got := New(open, zap.NewNop(), WithWorkers(1)).Workers(); got != 1 {
		t.Errorf("workers(1) = %d, want 1", got)
	}
	if got := New(open, zap.NewNop(), WithWorkers(max+100)).Workers(); got != max {
		t.Errorf("workers(max+100) = %d, want %d", got, max)
	}
}

func TestRunEmptyItems(t *testing.T) {
	open := func(ctx context.Context, item broker.Item) (rib.Source, error) {
		t.Fatal("open called with no items")
		return nil, nil
	}
	results := New(open, zap.NewNop()).Run(context.Background(), nil)
	if len(results) != 0 {
		t.Fatalf("got %d results, want 0", len(results))
	}
}
