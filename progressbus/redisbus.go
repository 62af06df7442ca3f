package progressbus

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/haytham10/frenchnoveltool/orchestrator"
	"github.com/redis/go-redis/v9"
)

const channelPrefix = "fnt:progress:"

// RedisBus fans a Publish out across every server replica subscribed
// to Redis pub/sub, so an orchestrator running on one instance reaches
// a websocket subscriber connected to another (spec.md §4.6's
// multi-replica fan-out requirement). It implements
// orchestrator.ProgressPublisher.
type RedisBus struct {
	rdb *redis.Client
	hub *Hub
}

// NewRedisBus builds a RedisBus delivering to hub's local room map.
func NewRedisBus(rdb *redis.Client, hub *Hub) *RedisBus {
	return &RedisBus{rdb: rdb, hub: hub}
}

// Publish broadcasts event on jobID's Redis channel. Delivery to local
// connections happens via Listen's own subscription to that same
// channel, including on the publishing instance, so Publish never
// calls hub.Deliver directly and risks a double delivery.
func (b *RedisBus) Publish(ctx context.Context, jobID string, event orchestrator.ProgressEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, channelPrefix+jobID, data).Err()
}

// Listen subscribes to every progress channel and forwards incoming
// events to the local Hub until ctx is cancelled. Run once per server
// process, typically in its own goroutine at startup.
func (b *RedisBus) Listen(ctx context.Context) error {
	sub := b.rdb.PSubscribe(ctx, channelPrefix+"*")
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			jobID := strings.TrimPrefix(msg.Channel, channelPrefix)
			var event orchestrator.ProgressEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				slog.Warn("progressbus: dropping malformed payload", "channel", msg.Channel, "error", err)
				continue
			}
			b.hub.Deliver(jobID, event)
		}
	}
}
