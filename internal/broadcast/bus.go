// Package broadcast implements the Broadcast Bus (§4.5): new-events batches
// published on a pub/sub channel so every process instance's subscriber
// fans out to its locally attached sessions. Grounded on go-redis's
// Publish/Subscribe as wired in 0xRichardL-vibe-copy-trading's ingestion
// app (redis client shared with the cache, §9 "Pub/sub vs direct dispatch").
package broadcast

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/suwandre/arbiter/internal/cache"
	"github.com/suwandre/arbiter/internal/liquidation"
)

// Message is the wire payload carried on the broadcast channel.
type Message struct {
	Events    []liquidation.Event `json:"events"`
	Timestamp time.Time           `json:"timestamp"`
}

// Handler processes a batch of new events observed by one refresh pass.
type Handler func(Message)

// Bus wraps the cache's pub/sub for the single broadcast channel.
type Bus struct {
	cache   *cache.Cache
	channel string
	log     zerolog.Logger
}

func NewBus(c *cache.Cache, log zerolog.Logger) *Bus {
	return &Bus{cache: c, channel: cache.ChannelBroadcast, log: log}
}

// Publish is fire-and-forget from the refresh loop (§4.5).
func (b *Bus) Publish(ctx context.Context, events []liquidation.Event) error {
	msg := Message{Events: events, Timestamp: time.Now().UTC()}
	return b.cache.Publish(ctx, b.channel, msg)
}

// Subscribe blocks, invoking handler for every message received on the
// broadcast channel, until ctx is cancelled. Every process instance runs
// exactly one of these loops (§4.5, §9).
func (b *Bus) Subscribe(ctx context.Context, handler Handler) error {
	sub := b.cache.Subscribe(ctx, b.channel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			var msg Message
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				b.log.Warn().Err(err).Msg("failed to decode broadcast message, skipping")
				continue
			}
			handler(msg)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
