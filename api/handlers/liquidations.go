// Package handlers implements the HTTP surface over the Snapshot Cache and
// Upstream Client (§6), in the teacher's ScoreHandler style: a small struct
// holding its dependencies, one method per route, structured zerolog lines
// around each lookup.
package handlers

import (
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/suwandre/arbiter/internal/apperr"
	"github.com/suwandre/arbiter/internal/cache"
	"github.com/suwandre/arbiter/internal/liquidation"
	"github.com/suwandre/arbiter/internal/upstream"
)

// LiquidationsHandler serves the cached read endpoints plus the
// pass-through paginated listing (§6 "HTTP endpoints").
type LiquidationsHandler struct {
	cache     *cache.Cache
	client    *upstream.Client
	log       zerolog.Logger
	recentTTL time.Duration
}

func NewLiquidationsHandler(c *cache.Cache, client *upstream.Client, recentTTL time.Duration, log zerolog.Logger) *LiquidationsHandler {
	return &LiquidationsHandler{cache: c, client: client, recentTTL: recentTTL, log: log}
}

// pageResponse is the wire shape for both the pass-through and recent
// listing endpoints.
type pageResponse struct {
	Data            []liquidation.Event `json:"data"`
	NextCursor      *string             `json:"next_cursor"`
	HasMore         bool                `json:"has_more"`
	ExecutionTimeMs int64               `json:"execution_time_ms"`
}

func toPageResponse(p *liquidation.Page) pageResponse {
	resp := pageResponse{Data: p.Events, HasMore: p.HasMore, ExecutionTimeMs: p.ExecutionTimeMs}
	if p.NextCursor != "" {
		resp.NextCursor = &p.NextCursor
	}
	return resp
}

// GetLiquidations handles GET /liquidations: direct pass-through pagination
// against upstream. Arbitrary filter combinations make this unsuitable for
// the fixed cache-key scheme (§6 "Cache keys" names no generic listing key),
// so every call reaches the Upstream Client directly, still protected by its
// circuit breaker and rate limiter.
func (h *LiquidationsHandler) GetLiquidations(c fiber.Ctx) error {
	filter := upstream.Filter{
		Coin: c.Query("coin"),
		User: c.Query("user"),
	}
	if v := c.Query("amount_dollars"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			filter.AmountDollars = f
		}
	}
	if v := c.Query("start_time"); v != "" {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			filter.StartTime = time.UnixMilli(ms)
		}
	}
	if v := c.Query("end_time"); v != "" {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			filter.EndTime = time.UnixMilli(ms)
		}
	}

	limit := queryInt(c, "limit", 100)
	order := liquidation.Order(c.Query("order", string(liquidation.Desc)))
	cursor := c.Query("cursor")

	page, err := h.client.FetchPage(c.Context(), filter, cursor, limit, order)
	if err != nil {
		h.log.Warn().Err(err).Msg("liquidations pass-through fetch failed")
		return writeUpstreamError(c, err)
	}
	return c.JSON(toPageResponse(page))
}

// GetRecent handles GET /liquidations/recent: cached, default hours=2
// (§6 "Cached. Default hours=2").
func (h *LiquidationsHandler) GetRecent(c fiber.Ctx) error {
	hours := queryInt(c, "hours", 2)
	if hours < 1 || hours > 168 {
		return writeValidationError(c, "hours must be in [1,168]")
	}
	limit := queryInt(c, "limit", 100)
	if limit < 1 || limit > 1000 {
		return writeValidationError(c, "limit must be in [1,1000]")
	}
	order := liquidation.Order(c.Query("order", string(liquidation.Desc)))
	cursor := c.Query("cursor")

	key := cache.KeyRecent(hours, limit)
	if cursor == "" {
		var cached pageResponse
		if err := h.cache.GetJSON(c.Context(), key, &cached); err == nil {
			return c.JSON(cached)
		} else if !errors.Is(err, cache.ErrMiss) {
			h.log.Warn().Err(err).Msg("recent cache read failed, falling through to upstream")
		}
	}

	page, err := h.client.FetchRecentPage(c.Context(), hours, cursor, limit, order)
	if err != nil {
		h.log.Warn().Err(err).Msg("recent fetch failed")
		return writeUpstreamError(c, err)
	}
	resp := toPageResponse(page)
	if cursor == "" {
		if err := h.cache.SetJSON(c.Context(), key, resp, h.recentTTL); err != nil {
			h.log.Warn().Err(err).Msg("failed to cache recent page")
		}
	}
	return c.JSON(resp)
}

// GetStatsAll handles GET /liquidations/stats/all.
func (h *LiquidationsHandler) GetStatsAll(c fiber.Ctx) error {
	var stats map[string]liquidation.Stats
	if err := h.cache.GetJSON(c.Context(), cache.KeyStatsAll, &stats); err != nil {
		return h.handleCacheMiss(c, err)
	}
	return c.JSON(stats)
}

// GetChartData handles GET /liquidations/chart-data?period=2h|4h|8h|12h|24h.
func (h *LiquidationsHandler) GetChartData(c fiber.Ctx) error {
	period := c.Query("period")
	if !validPeriod(period) {
		return writeValidationError(c, "period must be one of 2h,4h,8h,12h,24h")
	}
	var view liquidation.PeriodView
	if err := h.cache.GetJSON(c.Context(), cache.KeyChart(period), &view); err != nil {
		return h.handleCacheMiss(c, err)
	}
	return c.JSON(view)
}

// GetData handles GET /liquidations/data: the composite snapshot.
func (h *LiquidationsHandler) GetData(c fiber.Ctx) error {
	var snapshot liquidation.Snapshot
	if err := h.cache.GetJSON(c.Context(), cache.KeyAllData, &snapshot); err != nil {
		return h.handleCacheMiss(c, err)
	}
	return c.JSON(snapshot)
}

// handleCacheMiss implements §7: a cache miss before the first successful
// refresh pass has no value to degrade to, so it surfaces 503.
func (h *LiquidationsHandler) handleCacheMiss(c fiber.Ctx, err error) error {
	if errors.Is(err, cache.ErrMiss) {
		return writeAppError(c, apperr.New(apperr.KindUpstreamUnavailable, "no snapshot available yet"))
	}
	h.log.Warn().Err(err).Msg("cache read failed")
	return writeAppError(c, err)
}

func validPeriod(period string) bool {
	for _, p := range liquidation.Periods {
		if p.Key() == period {
			return true
		}
	}
	return false
}

func queryInt(c fiber.Ctx, key string, fallback int) int {
	v := c.Query(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func writeValidationError(c fiber.Ctx, message string) error {
	return writeAppError(c, apperr.New(apperr.KindValidationFailed, message))
}

func writeUpstreamError(c fiber.Ctx, err error) error {
	return writeAppError(c, err)
}
