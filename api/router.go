// Package api wires the Fiber v3 routes over the handlers package, the way
// the teacher's api/router.go groups routes under their own prefix.
package api

import (
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/suwandre/arbiter/api/handlers"
	"github.com/suwandre/arbiter/internal/cache"
	"github.com/suwandre/arbiter/internal/registry"
	"github.com/suwandre/arbiter/internal/upstream"
)

// SetupRoutes registers every liquidation-stream endpoint from §6.
func SetupRoutes(app *fiber.App, c *cache.Cache, client *upstream.Client, reg *registry.Registry, recentTTL time.Duration, log zerolog.Logger) {
	liq := handlers.NewLiquidationsHandler(c, client, recentTTL, log)
	stream := handlers.NewStreamHandler(reg, log)

	g := app.Group("/liquidations")

	g.Get("/", liq.GetLiquidations)
	g.Get("/recent", liq.GetRecent)
	g.Get("/stats/all", liq.GetStatsAll)
	g.Get("/chart-data", liq.GetChartData)
	g.Get("/data", liq.GetData)
	g.Get("/stream", stream.Stream)
	g.Get("/stream/stats", stream.StreamStats)
}
