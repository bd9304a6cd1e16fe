// Package upstream issues paginated, keyset-ordered fetches against the
// upstream liquidations indexer, wrapped by a circuit breaker and a
// token-bucket rate limiter (§4.1). Built the way the teacher's exchange
// adapters (internal/exchange/binance.go) call out over net/http, generalized
// to one capability set instead of per-exchange inheritance (§9).
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/suwandre/arbiter/internal/apperr"
	"github.com/suwandre/arbiter/internal/liquidation"
	"github.com/suwandre/arbiter/internal/observability"
)

// Filter narrows a fetchPage call to a coin/user/time range/notional floor.
type Filter struct {
	Coin           string
	User           string
	StartTime      time.Time
	EndTime        time.Time
	AmountDollars  float64
}

// Client issues GET requests to the upstream historical and recent
// liquidations endpoints.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	breaker    *CircuitBreaker
	limiter    *WeightedLimiter
	metrics    *observability.Metrics
}

func NewClient(baseURL, apiKey string, breaker *CircuitBreaker, limiter *WeightedLimiter, metrics *observability.Metrics) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		breaker: breaker,
		limiter: limiter,
		metrics: metrics,
	}
}

// CircuitOpen reports the breaker's current state, for the refresh loop to
// mirror into the circuit breaker gauge once per pass.
func (c *Client) CircuitOpen() bool {
	return c.breaker.IsOpen()
}

type rawResponse struct {
	Data            []rawEvent `json:"data"`
	NextCursor      *string    `json:"next_cursor"`
	HasMore         bool       `json:"has_more"`
	ExecutionTimeMs int64      `json:"execution_time_ms"`
}

type rawEvent struct {
	TID               int64    `json:"tid"`
	Time              string   `json:"time"`
	Coin              string   `json:"coin"`
	Dir               string   `json:"dir"`
	Notional          float64  `json:"notional"`
	MarkPrice         float64  `json:"mark_price"`
	LiquidatedUser    string   `json:"liquidated_user"`
	LiquidatorWallets []string `json:"liquidator_wallets"`
}

// FetchPage issues GET /liquidations/?{...} with an explicit filter, cursor,
// limit, and order.
func (c *Client) FetchPage(ctx context.Context, filter Filter, cursor string, limit int, order liquidation.Order) (*liquidation.Page, error) {
	q := url.Values{}
	if filter.Coin != "" {
		q.Set("coin", filter.Coin)
	}
	if filter.User != "" {
		q.Set("user", filter.User)
	}
	if !filter.StartTime.IsZero() {
		q.Set("start_time", strconv.FormatInt(filter.StartTime.UnixMilli(), 10))
	}
	if !filter.EndTime.IsZero() {
		q.Set("end_time", strconv.FormatInt(filter.EndTime.UnixMilli(), 10))
	}
	if filter.AmountDollars > 0 {
		q.Set("amount_dollars", strconv.FormatFloat(filter.AmountDollars, 'f', -1, 64))
	}
	return c.fetch(ctx, "/liquidations/", q, cursor, limit, order)
}

// FetchRecentPage issues GET /liquidations/recent?{...}, encoding hours as
// start_time = now - hours*3600s per §4.1.
func (c *Client) FetchRecentPage(ctx context.Context, hours int, cursor string, limit int, order liquidation.Order) (*liquidation.Page, error) {
	if hours < 1 || hours > 168 {
		return nil, apperr.New(apperr.KindValidationFailed, "hours must be in [1,168]")
	}
	q := url.Values{}
	start := time.Now().Add(-time.Duration(hours) * time.Hour)
	q.Set("start_time", strconv.FormatInt(start.UnixMilli(), 10))
	return c.fetch(ctx, "/liquidations/recent", q, cursor, limit, order)
}

func (c *Client) fetch(ctx context.Context, path string, q url.Values, cursor string, limit int, order liquidation.Order) (*liquidation.Page, error) {
	if limit < 1 || limit > 1000 {
		return nil, apperr.New(apperr.KindValidationFailed, "limit must be in [1,1000]")
	}
	if order != liquidation.Asc && order != liquidation.Desc {
		return nil, apperr.New(apperr.KindValidationFailed, "order must be ASC or DESC")
	}

	if !c.breaker.Allow() {
		return nil, apperr.ErrUpstreamUnavailable
	}
	if !c.limiter.Allow() {
		c.metrics.UpstreamRateLimited.Inc()
		return nil, apperr.ErrUpstreamRateLimited
	}

	q.Set("limit", strconv.Itoa(limit))
	q.Set("order", string(order))
	if cursor != "" {
		q.Set("cursor", cursor)
	}

	reqURL := c.baseURL + path + "?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		c.breaker.RecordFailure()
		return nil, fmt.Errorf("upstream fetch: build request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.breaker.RecordFailure()
		return nil, apperr.Wrap(apperr.KindUpstreamUnavailable, "upstream request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		c.breaker.RecordFailure()
		return nil, apperr.ErrUpstreamRateLimited
	}
	if resp.StatusCode != http.StatusOK {
		c.breaker.RecordFailure()
		return nil, apperr.Wrap(apperr.KindUpstreamUnavailable, fmt.Sprintf("unexpected status %d", resp.StatusCode), nil)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.breaker.RecordFailure()
		return nil, fmt.Errorf("upstream fetch: read body: %w", err)
	}

	var raw rawResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		c.breaker.RecordFailure()
		return nil, fmt.Errorf("upstream fetch: decode body: %w", err)
	}

	c.breaker.RecordSuccess()

	page := &liquidation.Page{
		HasMore:         raw.HasMore,
		ExecutionTimeMs: raw.ExecutionTimeMs,
	}
	if raw.NextCursor != nil {
		page.NextCursor = *raw.NextCursor
	}
	page.Events = make([]liquidation.Event, 0, len(raw.Data))
	for _, re := range raw.Data {
		ev, ok := normalize(re)
		if !ok {
			page.Malformed++
			continue
		}
		page.Events = append(page.Events, ev)
	}
	return page, nil
}

// normalize validates and converts one wire event, recomputing time_ms from
// the authoritative time field (§3: time_ms has been observed corrupted
// upstream).
func normalize(re rawEvent) (liquidation.Event, bool) {
	if re.TID <= 0 || re.Coin == "" {
		return liquidation.Event{}, false
	}
	dir := liquidation.Direction(re.Dir)
	if dir != liquidation.Long && dir != liquidation.Short {
		return liquidation.Event{}, false
	}
	if re.Notional <= 0 {
		return liquidation.Event{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, re.Time)
	if err != nil {
		t, err = time.Parse(time.RFC3339, re.Time)
		if err != nil {
			return liquidation.Event{}, false
		}
	}
	return liquidation.Event{
		TID:               re.TID,
		Time:              t,
		TimeMs:            t.UnixMilli(),
		Coin:              re.Coin,
		Dir:               dir,
		Notional:          re.Notional,
		MarkPrice:         re.MarkPrice,
		LiquidatedUser:    re.LiquidatedUser,
		LiquidatorWallets: re.LiquidatorWallets,
	}, true
}
