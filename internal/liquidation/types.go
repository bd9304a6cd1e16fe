package liquidation

import (
	"strconv"
	"strings"
	"time"
)

// Direction is the side of a liquidated position.
type Direction string

const (
	Long  Direction = "Long"
	Short Direction = "Short"
)

// Order is the sort order accepted by the upstream keyset pagination API.
type Order string

const (
	Asc  Order = "ASC"
	Desc Order = "DESC"
)

// Event is a single observed liquidation. Events are immutable once observed.
type Event struct {
	TID               int64     `json:"tid"`
	Time              time.Time `json:"time"`
	TimeMs            int64     `json:"time_ms"`
	Coin              string    `json:"coin"`
	Dir               Direction `json:"dir"`
	Notional          float64   `json:"notional"`
	MarkPrice         float64   `json:"mark_price"`
	LiquidatedUser    string    `json:"liquidated_user"`
	LiquidatorWallets []string  `json:"liquidator_wallets"`
}

// Period is one of the five fixed statistics/chart horizons.
type Period struct {
	Hours      int
	BucketSize time.Duration
}

// Periods is the closed set of configured windows, §3 Period configuration.
var Periods = []Period{
	{Hours: 2, BucketSize: 5 * time.Minute},
	{Hours: 4, BucketSize: 5 * time.Minute},
	{Hours: 8, BucketSize: 15 * time.Minute},
	{Hours: 12, BucketSize: 15 * time.Minute},
	{Hours: 24, BucketSize: 30 * time.Minute},
}

// Key renders a period's hour count the way cache keys and the
// chart-data query parameter expect it, e.g. "2h".
func (p Period) Key() string {
	return strconv.Itoa(p.Hours) + "h"
}

// BucketCount is the number of fixed-width buckets covering this period.
func (p Period) BucketCount() int {
	total := time.Duration(p.Hours) * time.Hour
	n := int(total / p.BucketSize)
	if total%p.BucketSize != 0 {
		n++
	}
	return n
}

// Bucket is one fixed-width time slice of aggregated liquidation activity.
type Bucket struct {
	TimestampMs  int64   `json:"timestamp_ms"`
	Count        int     `json:"count"`
	TotalVolume  float64 `json:"total_volume"`
	LongCount    int     `json:"long_count"`
	LongVolume   float64 `json:"long_volume"`
	ShortCount   int     `json:"short_count"`
	ShortVolume  float64 `json:"short_volume"`
}

// Stats is the statistics record for one period, built in a single scan.
type Stats struct {
	TotalVolume   float64 `json:"total_volume"`
	Count         int     `json:"count"`
	LongCount     int     `json:"long_count"`
	ShortCount    int     `json:"short_count"`
	LongVolume    float64 `json:"long_volume"`
	ShortVolume   float64 `json:"short_volume"`
	TopCoin       string  `json:"top_coin"`
	TopCoinVolume float64 `json:"top_coin_volume"`
	AvgSize       float64 `json:"avg_size"`
	MaxLiq        float64 `json:"max_liq"`
}

// PeriodView is the derived blob for a single period: stats plus buckets.
type PeriodView struct {
	Stats   Stats    `json:"stats"`
	Buckets []Bucket `json:"buckets"`
}

// Snapshot is the composite "all periods" blob published atomically by one
// refresh pass (invariant I1).
type Snapshot struct {
	Periods        map[string]PeriodView `json:"periods"`
	LastObservedID int64                 `json:"last_observed_id"`
	GeneratedAt    time.Time             `json:"generated_at"`
}

// Filter is the per-subscriber predicate set, §3 Subscriber session.
type Filter struct {
	Coin        string
	MinNotional float64
	User        string
}

// Match applies all configured filter fields, ANDed (§4.6 Filter semantics).
func (f Filter) Match(e Event) bool {
	if f.Coin != "" && !strings.EqualFold(f.Coin, e.Coin) {
		return false
	}
	if f.MinNotional > 0 && e.Notional < f.MinNotional {
		return false
	}
	if f.User != "" && !strings.EqualFold(f.User, e.LiquidatedUser) {
		return false
	}
	return true
}

// Page is one page of results from the upstream client, §4.1.
type Page struct {
	Events          []Event
	NextCursor      string
	HasMore         bool
	ExecutionTimeMs int64
	Malformed       int
}
