// Package broker queries the BGPKIT broker API for archived RIB dump files
// in a time range. Results are paginated; the client walks all pages and
// retries transient failures with a linear backoff.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/route-beacon/peer-stats/internal/metrics"
	"go.uber.org/zap"
)

const tsLayout = "2006-01-02T15:04:05"

// Item is one archive file advertised by the broker.
type Item struct {
	URL       string
	Collector string
	Project   string
	DataType  string
	Timestamp time.Time
	Size      int64
}

// Query selects archives by half-open time range [TsStart, TsEnd) and data
// type. Collector narrows to a single collector when set.
type Query struct {
	TsStart   time.Time
	TsEnd     time.Time
	DataType  string
	Collector string
}

// QueryError reports a failed broker query after retries were exhausted.
// The slot is recorded as failed and remaining slots proceed.
type QueryError struct {
	TsStart time.Time
	TsEnd   time.Time
	Err     error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("broker: query [%s, %s): %v",
		e.TsStart.Format(tsLayout), e.TsEnd.Format(tsLayout), e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }

type Client struct {
	baseURL  string
	pageSize int
	retries  int
	backoff  time.Duration
	http     *http.Client
	logger   *zap.Logger
}

func NewClient(baseURL string, pageSize, retries int, timeout time.Duration, logger *zap.Logger) *Client {
	return &Client{
		baseURL:  baseURL,
		pageSize: pageSize,
		retries:  retries,
		backoff:  time.Second,
		http:     &http.Client{Timeout: timeout},
		logger:   logger,
	}
}

type searchResponse struct {
	Count    int        `json:"count"`
	Page     int        `json:"page"`
	PageSize int        `json:"page_size"`
	Error    *string    `json:"error"`
	Data     []itemJSON `json:"data"`
}

type itemJSON struct {
	TsStart     string `json:"ts_start"`
	TsEnd       string `json:"ts_end"`
	CollectorID string `json:"collector_id"`
	DataType    string `json:"data_type"`
	URL         string `json:"url"`
	RoughSize   int64  `json:"rough_size"`
	ExactSize   int64  `json:"exact_size"`
}

// Search returns every archive in the queried range, walking all result
// pages. Items whose timestamp the broker reports in an unexpected format
// are dropped with a warning rather than failing the query.
func (c *Client) Search(ctx context.Context, q Query) ([]Item, error) {
	var items []Item
	for page := 1; ; page++ {
		resp, err := c.fetchPage(ctx, q, page)
		if err != nil {
			metrics.BrokerQueriesTotal.WithLabelValues("error").Inc()
			return nil, &QueryError{TsStart: q.TsStart, TsEnd: q.TsEnd, Err: err}
		}
		for _, it := range resp.Data {
			ts, err := time.Parse(tsLayout, it.TsStart)
			if err != nil {
				c.logger.Warn("dropping broker item with unparseable timestamp",
					zap.String("url", it.URL),
					zap.String("ts_start", it.TsStart),
				)
				continue
			}
			size := it.ExactSize
			if size == 0 {
				size = it.RoughSize
			}
			items = append(items, Item{
				URL:       it.URL,
				Collector: it.CollectorID,
				Project:   ProjectForCollector(it.CollectorID),
				DataType:  it.DataType,
				Timestamp: ts,
				Size:      size,
			})
		}
		if len(resp.Data) < c.pageSize {
			break
		}
	}
	metrics.BrokerQueriesTotal.WithLabelValues("ok").Inc()
	return items, nil
}

func (c *Client) fetchPage(ctx context.Context, q Query, page int) (*searchResponse, error) {
	v := url.Values{}
	v.Set("ts_start", q.TsStart.UTC().Format(tsLayout))
	v.Set("ts_end", q.TsEnd.UTC().Format(tsLayout))
	v.Set("data_type", q.DataType)
	v.Set("page", fmt.Sprintf("%d", page))
	v.Set("page_size", fmt.Sprintf("%d", c.pageSize))
	if q.Collector != "" {
		v.Set("collector_id", q.Collector)
	}
	u := c.baseURL + "/search?" + v.Encode()

	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			c.logger.Warn("retrying broker query",
				zap.Int("attempt", attempt),
				zap.String("url", u),
				zap.Error(lastErr),
			)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * c.backoff):
			}
		}
		resp, err := c.doPage(ctx, u)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, lastErr
		}
	}
	return nil, lastErr
}

func (c *Client) doPage(ctx context.Context, u string) (*searchResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	var sr searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if sr.Error != nil && *sr.Error != "" {
		return nil, fmt.Errorf("broker error: %s", *sr.Error)
	}
	return &sr, nil
}
