package handlers

import (
	"bufio"
	"fmt"
	"strconv"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/suwandre/arbiter/internal/liquidation"
	"github.com/suwandre/arbiter/internal/registry"
)

// StreamHandler serves the live SSE endpoint and its connection-count
// sibling (§6 "/liquidations/stream", "/liquidations/stream/stats").
type StreamHandler struct {
	registry *registry.Registry
	log      zerolog.Logger
}

func NewStreamHandler(reg *registry.Registry, log zerolog.Logger) *StreamHandler {
	return &StreamHandler{registry: reg, log: log}
}

// Stream handles GET /liquidations/stream: admits a session, writes SSE
// frames as they're enqueued, and honors Last-Event-ID for resume (§6
// "Stream wire format").
func (h *StreamHandler) Stream(c fiber.Ctx) error {
	filter := liquidation.Filter{
		Coin: c.Query("coin"),
		User: c.Query("user"),
	}
	if v := c.Query("min_amount_dollars"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			filter.MinNotional = f
		}
	}

	var resumeFrom int64
	if v := c.Get("Last-Event-ID"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			resumeFrom = n
		}
	}
	if v := c.Query("last_event_id"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			resumeFrom = n
		}
	}

	sess, err := h.registry.Attach(c.Context(), c.IP(), filter, resumeFrom)
	if err != nil {
		h.log.Info().Str("ip", c.IP()).Err(err).Msg("stream admission denied")
		return writeAppError(c, err)
	}

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	c.RequestCtx().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer h.registry.Detach(sess.ID)
		for {
			select {
			case frame, ok := <-sess.Frames():
				if !ok {
					return
				}
				if err := writeFrame(w, frame); err != nil {
					return
				}
				if err := w.Flush(); err != nil {
					return
				}
			case <-sess.Done():
				return
			}
		}
	})
	return nil
}

func writeFrame(w *bufio.Writer, f registry.Frame) error {
	if f.ID != nil {
		if _, err := fmt.Fprintf(w, "id: %d\n", *f.ID); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w, "event: %s\n", f.Kind); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", f.Data); err != nil {
		return err
	}
	return nil
}

// StreamStats handles GET /liquidations/stream/stats.
func (h *StreamHandler) StreamStats(c fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"totalConnections": h.registry.Count(),
		"uniqueIps":        h.registry.UniqueIPs(),
	})
}
