// Package refresh implements the Refresh Loop (§4.2): the single writer
// that drains the rolling window from the Upstream Client, builds derived
// views, and publishes the new-events delta on the Broadcast Bus. Built the
// way the teacher's internal/scheduler/scheduler.go pairs a ticker goroutine
// with a mutex-guarded cache, generalized to the five-period snapshot and a
// coalescing guard (§5 "Coalescing").
package refresh

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/suwandre/arbiter/internal/apperr"
	"github.com/suwandre/arbiter/internal/broadcast"
	"github.com/suwandre/arbiter/internal/cache"
	"github.com/suwandre/arbiter/internal/liquidation"
	"github.com/suwandre/arbiter/internal/observability"
	"github.com/suwandre/arbiter/internal/upstream"
	"github.com/suwandre/arbiter/internal/views"
)

const (
	maxPages           = 5
	interPageDelay     = 400 * time.Millisecond
	windowHours        = 24
	windowPageLimit    = 1000
)

// Config parameterizes a Loop's cadence and cache TTL (§6.1 env vars).
type Config struct {
	InitialDelay   time.Duration
	SteadyInterval time.Duration
	DerivedTTL     time.Duration
}

// Loop is the process-wide refresh singleton, §3 "two externally visible
// states: idle and refreshing".
type Loop struct {
	client  *upstream.Client
	cache   *cache.Cache
	bus     *broadcast.Bus
	metrics *observability.Metrics
	log     zerolog.Logger
	cfg     Config

	refreshing atomic.Bool
	mu         sync.Mutex
	lastWindow []liquidation.Event
}

func NewLoop(client *upstream.Client, c *cache.Cache, bus *broadcast.Bus, metrics *observability.Metrics, log zerolog.Logger, cfg Config) *Loop {
	return &Loop{client: client, cache: c, bus: bus, metrics: metrics, log: log, cfg: cfg}
}

// Run blocks, ticking the refresh pass on cfg.SteadyInterval after an
// initial cfg.InitialDelay, until ctx is cancelled (§4.2.6 Cadence).
func (l *Loop) Run(ctx context.Context) error {
	select {
	case <-time.After(l.cfg.InitialDelay):
	case <-ctx.Done():
		return ctx.Err()
	}
	l.tick(ctx)

	ticker := time.NewTicker(l.cfg.SteadyInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.tick(ctx)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// tick is the coalescing entry point: a tick that finds the guard set
// logs and returns (§5 "Coalescing").
func (l *Loop) tick(ctx context.Context) {
	if !l.refreshing.CompareAndSwap(false, true) {
		l.log.Info().Msg("refresh tick skipped: pass already in progress")
		return
	}
	defer l.refreshing.Store(false)

	if err := l.pass(ctx); err != nil {
		l.log.Warn().Err(err).Msg("refresh pass failed")
		outcome := "error"
		if apperr.Is(err, apperr.KindUpstreamUnavailable) {
			outcome = "upstream_unavailable"
		} else if apperr.Is(err, apperr.KindUpstreamRateLimited) {
			outcome = "rate_limited"
		}
		l.metrics.RefreshPasses.WithLabelValues(outcome).Inc()
	} else {
		l.metrics.RefreshPasses.WithLabelValues("ok").Inc()
	}

	if l.client.CircuitOpen() {
		l.metrics.CircuitBreakerOpen.Set(1)
	} else {
		l.metrics.CircuitBreakerOpen.Set(0)
	}
}

// pass implements §4.2's pass algorithm, steps 1-5.
func (l *Loop) pass(ctx context.Context) error {
	start := time.Now()
	defer func() { l.metrics.RefreshDuration.Observe(time.Since(start).Seconds()) }()

	window, partial, malformed, fetchErr := l.drainWindow(ctx)
	if len(window) == 0 && fetchErr != nil {
		// Whole pass failed: leave cached values and marker unchanged (§4.2.7).
		return fetchErr
	}
	if malformed > 0 {
		l.metrics.RefreshMalformed.Add(float64(malformed))
	}

	previousLastID, err := l.cache.GetInt64(ctx, cache.KeyLastObservedID)
	if err != nil {
		l.log.Warn().Err(err).Msg("failed to read last-observed-id, treating as zero")
		previousLastID = 0
	}

	delta := newEvents(window, previousLastID)

	nowMs := time.Now().UnixMilli()
	periods := views.Build(window, nowMs)

	snapshot := liquidation.Snapshot{
		Periods:        periods,
		LastObservedID: maxTID(window, previousLastID),
		GeneratedAt:    time.Now().UTC(),
	}

	if err := l.publishSnapshot(ctx, snapshot); err != nil {
		return err
	}

	if len(delta) > 0 {
		if err := l.bus.Publish(ctx, delta); err != nil {
			l.log.Warn().Err(err).Msg("failed to publish broadcast message")
		}
		l.metrics.RefreshEventsNew.Add(float64(len(delta)))
	}

	// I2: last-observed-id is non-decreasing, even for a partial pass.
	if err := l.cache.SetInt64(ctx, cache.KeyLastObservedID, snapshot.LastObservedID); err != nil {
		l.log.Warn().Err(err).Msg("failed to persist last-observed-id")
	}

	l.mu.Lock()
	l.lastWindow = window
	l.mu.Unlock()

	if partial {
		l.log.Warn().Int("events", len(window)).Msg("refresh pass completed over a partial window")
	}
	return nil
}

// drainWindow implements step 1: drain the rolling window via
// fetchRecentPage with page cap P_max and an inter-page delay.
func (l *Loop) drainWindow(ctx context.Context) (window []liquidation.Event, partial bool, malformed int, err error) {
	cursor := ""
	pages := 0

	for {
		page, ferr := l.client.FetchRecentPage(ctx, windowHours, cursor, windowPageLimit, liquidation.Desc)
		if ferr != nil {
			if pages == 0 {
				return nil, false, 0, ferr
			}
			// Partial-page ordering (§9 Open Question): use W_partial, advance
			// last-observed-id only to max(tid) seen, never decrease.
			return dedupe(window), true, malformed, nil
		}
		window = append(window, page.Events...)
		malformed += page.Malformed
		pages++

		if !page.HasMore || pages >= maxPages {
			break
		}
		cursor = page.NextCursor

		select {
		case <-time.After(interPageDelay):
		case <-ctx.Done():
			return dedupe(window), true, malformed, ctx.Err()
		}
	}

	return dedupe(window), pages >= maxPages, malformed, nil
}

// dedupe enforces I4: the rolling window contains no duplicate tid.
func dedupe(events []liquidation.Event) []liquidation.Event {
	seen := make(map[int64]struct{}, len(events))
	out := make([]liquidation.Event, 0, len(events))
	for _, e := range events {
		if _, ok := seen[e.TID]; ok {
			continue
		}
		seen[e.TID] = struct{}{}
		out = append(out, e)
	}
	return out
}

// newEvents computes D = {e in W : e.tid > lastObservedID}, sorted ascending
// by tid (§4.2 step 3).
func newEvents(window []liquidation.Event, lastObservedID int64) []liquidation.Event {
	out := make([]liquidation.Event, 0)
	for _, e := range window {
		if e.TID > lastObservedID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TID < out[j].TID })
	return out
}

func maxTID(window []liquidation.Event, floor int64) int64 {
	max := floor
	for _, e := range window {
		if e.TID > max {
			max = e.TID
		}
	}
	return max
}

// publishSnapshot writes all-periods, stats-all, and each chart/<period>
// blob from the same W (I1: internally consistent, all derived from one
// scan).
func (l *Loop) publishSnapshot(ctx context.Context, snapshot liquidation.Snapshot) error {
	if err := l.cache.SetJSON(ctx, cache.KeyAllData, snapshot, l.cfg.DerivedTTL); err != nil {
		return fmt.Errorf("publish all-data: %w", err)
	}

	statsAll := make(map[string]liquidation.Stats, len(snapshot.Periods))
	for k, v := range snapshot.Periods {
		statsAll[k] = v.Stats
	}
	if err := l.cache.SetJSON(ctx, cache.KeyStatsAll, statsAll, l.cfg.DerivedTTL); err != nil {
		return fmt.Errorf("publish stats-all: %w", err)
	}

	for k, v := range snapshot.Periods {
		if err := l.cache.SetJSON(ctx, cache.KeyChart(k), v, l.cfg.DerivedTTL); err != nil {
			return fmt.Errorf("publish chart/%s: %w", k, err)
		}
	}
	return nil
}

// RecentWindow returns the most recently drained in-memory window, used by
// the Subscriber Registry's resume replay (§4.6) without a further upstream
// round-trip.
func (l *Loop) RecentWindow() []liquidation.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]liquidation.Event, len(l.lastWindow))
	copy(out, l.lastWindow)
	return out
}
