package broker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"
)

func testQuery() Query {
	return Query{
		TsStart:  time.Date(2022, 2, 1, 0, 0, 0, 0, time.UTC),
		TsEnd:    time.Date(2022, 2, 2, 0, 0, 0, 0, time.UTC),
		DataType: "rib",
	}
}

func TestSearchPaginates(t *testing.T) {
	var gotParams []map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		gotParams = append(gotParams, map[string]string{
			"ts_start":  q.Get("ts_start"),
			"ts_end":    q.Get("ts_end"),
			"data_type": q.Get("data_type"),
			"page":      q.Get("page"),
			"page_size": q.Get("page_size"),
		})
		switch q.Get("page") {
		case "1":
			fmt.Fprint(w, `{"count":3,"page":1,"page_size":2,"error":null,"data":[
				{"ts_start":"2022-02-01T00:00:00","ts_end":"2022-02-01T08:00:00","collector_id":"rrc00","data_type":"rib","url":"https://archive.example/rrc00/bview.1.gz","rough_size":100,"exact_size":120},
				{"ts_start":"2022-02-01T00:00:00","ts_end":"2022-02-01T02:00:00","collector_id":"route-views2","data_type":"rib","url":"https://archive.example/rv2/rib.1.bz2","rough_size":200,"exact_size":0}
			]}`)
		case "2":
			fmt.Fprint(w, `{"count":3,"page":2,"page_size":2,"error":null,"data":[
				{"ts_start":"2022-02-01T08:00:00","ts_end":"2022-02-01T16:00:00","collector_id":"rrc00","data_type":"rib","url":"https://archive.example/rrc00/bview.2.gz","rough_size":100,"exact_size":110}
			]}`)
		default:
			t.Errorf("unexpected page %q", q.Get("page"))
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 2, 0, 5*time.Second, zap.NewNop())
	items, err := c.Search(context.Background(), testQuery())
	if err != nil {
		t.Fatalf("Search: %v", err)
	}

	if len(items) != 3 {
		t.Fatalf("got %d items, want 3", len(items))
	}
	if len(gotParams) != 2 {
		t.Fatalf("made %d requests, want 2", len(gotParams))
	}
	if p := gotParams[0]; p["ts_start"] != "2022-02-01T00:00:00" || p["ts_end"] != "2022-02-02T00:00:00" ||
		p["data_type"] != "rib" || p["page_size"] != "2" {
		t.Errorf("first request params = %v", p)
	}

	first := items[0]
	if first.Collector != "rrc00" || first.Project != "riperis" {
		t.Errorf("first item = %+v", first)
	}
	if first.Size != 120 {
		t.Errorf("Size = %d, want exact_size 120", first.Size)
	}
	if want := time.Date(2022, 2, 1, 0, 0, 0, 0, time.UTC); !first.Timestamp.Equal(want) {
		t.Errorf("Timestamp = %v, want %v", first.Timestamp, want)
	}

	second := items[1]
	if second.Project != "route-views" {
		t.Errorf("second item project = %q, want route-views", second.Project)
	}
	if second.Size != 200 {
		t.Errorf("Size = %d, want rough_size fallback 200", second.Size)
	}
}

func TestSearchRetriesThenSucceeds(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			http.Error(w, "flaky", http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, `{"count":0,"page":1,"page_size":100,"error":null,"data":[]}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 100, 2, 5*time.Second, zap.NewNop())
	c.backoff = time.Millisecond
	items, err := c.Search(context.Background(), testQuery())
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(items) != 0 {
		t.Errorf("got %d items, want 0", len(items))
	}
	if attempts != 2 {
		t.Errorf("made %d attempts, want 2", attempts)
	}
}

func TestSearchExhaustsRetries(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 100, 2, 5*time.Second, zap.NewNop())
	c.backoff = time.Millisecond
	_, err := c.Search(context.Background(), testQuery())

	var qerr *QueryError
	if !errors.As(err, &qerr) {
		t.Fatalf("err = %v, want QueryError", err)
	}
	if attempts != 3 {
		t.Errorf("made %d attempts, want 3", attempts)
	}
}

func TestSearchAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"count":0,"page":1,"page_size":100,"error":"bad time range","data":[]}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 100, 0, 5*time.Second, zap.NewNop())
	_, err := c.Search(context.Background(), testQuery())

	var qerr *QueryError
	if !errors.As(err, &qerr) {
		t.Fatalf("err = %v, want QueryError", err)
	}
}

func TestSearchDropsBadTimestamps(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"count":2,"page":1,"page_size":100,"error":null,"data":[
			{"ts_start":"not-a-time","ts_end":"","collector_id":"rrc00","data_type":"rib","url":"https://a/x.gz","rough_size":1,"exact_size":1},
			{"ts_start":"2022-02-01T00:00:00","ts_end":"","collector_id":"rrc01","data_type":"rib","url":"https://a/y.gz","rough_size":1,"exact_size":1}
		]}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 100, 0, 5*time.Second, zap.NewNop())
	items, err := c.Search(context.Background(), testQuery())
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(items) != 1 || items[0].Collector != "rrc01" {
		t.Errorf("items = %+v, want only rrc01", items)
	}
}

func TestProjectForCollector(t *testing.T) {
	tests := []struct {
		collector string
		want      string
	}{
		{"rrc00", "riperis"},
		{"rrc26", "riperis"},
		{"route-views2", "route-views"},
		{"route-views.sg", "route-views"},
		{"amsix", "route-views"},
	}
	for _, tt := range tests {
		if got := ProjectForCollector(tt.collector); got != tt.want {
			t.Errorf("ProjectForCollector(%q) = %q, want %q", tt.collector, got, tt.want)
		}
	}
}

func TestInferCollector(t *testing.T) {
	tests := []struct {
		ref           string
		wantProject   string
		wantCollector string
	}{
		{"https://data.ris.ripe.net/rrc16/2022.02/bview.20220201.0000.gz", "riperis", "rrc16"},
		{"http://archive.routeviews.org/route-views.sg/bgpdata/2022.02/RIBS/rib.20220201.0000.bz2", "route-views", "route-views.sg"},
		{"http://archive.routeviews.org/bgpdata/2022.02/RIBS/rib.20220201.0000.bz2", "route-views", "route-views2"},
		{"/data/dumps/rrc00/bview.20220201.0000.gz", "riperis", "rrc00"},
		{"/tmp/some-dump.mrt", "unknown", "unknown"},
	}
	for _, tt := range tests {
		project, collector := InferCollector(tt.ref)
		if project != tt.wantProject || collector != tt.wantCollector {
			t.Errorf("InferCollector(%q) = (%q, %q), want (%q, %q)",
				tt.ref, project, collector, tt.wantProject, tt.wantCollector)
		}
	}
}
