package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"github.com/suwandre/arbiter/api"
	"github.com/suwandre/arbiter/config"
	"github.com/suwandre/arbiter/internal/broadcast"
	"github.com/suwandre/arbiter/internal/cache"
	"github.com/suwandre/arbiter/internal/observability"
	"github.com/suwandre/arbiter/internal/refresh"
	"github.com/suwandre/arbiter/internal/registry"
	"github.com/suwandre/arbiter/internal/taskrunner"
	"github.com/suwandre/arbiter/internal/upstream"
)

func main() {
	// ── 1. Config + logger setup
	cfg := config.Load()
	observability.InitLogger(cfg.LogLevel)
	log.Info().Msg("config loaded")

	// ── 2. Root context setup
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ── 3. Metrics
	metrics := observability.NewMetrics()

	// ── 4. Snapshot cache
	snapshotCache := cache.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	defer snapshotCache.Close()

	// ── 5. Upstream client: circuit breaker + weighted rate limiter
	breaker := upstream.NewCircuitBreaker(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerCooldown)
	limiter := upstream.NewWeightedLimiter(cfg.UpstreamRateLimitPerMinute, cfg.UpstreamRequestWeight)
	client := upstream.NewClient(cfg.UpstreamAPIURL, cfg.UpstreamAPIKey, breaker, limiter, metrics)

	// ── 6. Broadcast bus + refresh loop
	bus := broadcast.NewBus(snapshotCache, log.Logger)
	loop := refresh.NewLoop(client, snapshotCache, bus, metrics, log.Logger, refresh.Config{
		InitialDelay:   cfg.RefreshInitDelay,
		SteadyInterval: cfg.RefreshInterval,
		DerivedTTL:     cfg.DerivedTTL,
	})

	// ── 7. Subscriber registry
	reg := registry.New(registry.Config{
		MaxTotalSessions: cfg.MaxTotalSessions,
		MaxSessionsPerIP: cfg.MaxSessionsPerIP,
		MissedDataLimit:  cfg.MissedDataLimit,
	}, loop, metrics, log.Logger)

	// ── 8. Independent tasks: refresh loop, broadcast subscriber, heartbeat
	go func() {
		err := taskrunner.RunAll(ctx, log.Logger,
			taskrunner.Task{Name: "refresh-loop", Run: loop.Run},
			taskrunner.Task{Name: "broadcast-subscriber", Run: func(taskCtx context.Context) error {
				return bus.Subscribe(taskCtx, reg.BroadcastLocal)
			}},
			taskrunner.Task{Name: "heartbeat", Run: func(taskCtx context.Context) error {
				return runHeartbeat(taskCtx, reg, cfg.HeartbeatInterval)
			}},
		)
		if err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("background task group exited unexpectedly")
		}
	}()

	// ── 9. Fiber app
	app := fiber.New(fiber.Config{
		AppName:      "liquidationsd",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // SSE connections are long-lived (§6)
	})

	api.SetupRoutes(app, snapshotCache, client, reg, cfg.RecentTTL, log.Logger)
	app.Get("/metrics", adaptHandler(promhttp.Handler()))

	// ── 10. Graceful shutdown listener
	go func() {
		<-ctx.Done()
		log.Info().Msg("shutdown signal received")
		reg.Shutdown()
		if err := app.Shutdown(); err != nil {
			log.Error().Err(err).Msg("error during shutdown")
		}
	}()

	// ── 11. Start server (blocking)
	log.Info().Str("port", cfg.AppPort).Msg("starting server")
	if err := app.Listen(":" + cfg.AppPort); err != nil {
		log.Fatal().Err(err).Msg("server failed to start")
	}
}

// runHeartbeat ticks the registry's heartbeat frame on cfg.HeartbeatInterval
// until ctx is cancelled (§4.6 "heartbeatTick").
func runHeartbeat(ctx context.Context, reg *registry.Registry, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			reg.HeartbeatTick()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// adaptHandler bridges a net/http handler (promhttp's registry exporter)
// into a fiber v3 route, via fasthttp's adaptor.
func adaptHandler(h http.Handler) fiber.Handler {
	fasthttpHandler := fasthttpadaptor.NewFastHTTPHandler(h)
	return func(c fiber.Ctx) error {
		fasthttpHandler(c.RequestCtx())
		return nil
	}
}
