package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"
)

const defaultChannel = "vendaflow:changes"

// Bridge relays changes through Redis pub/sub so that every API instance's Hub sees
// changes made on any instance. Publish only writes to Redis; Run delivers what Redis
// sends back, including this instance's own changes, to the local Hub.
type Bridge struct {
	client  *redis.Client
	hub     *Hub
	channel string
}

func NewBridge(client *redis.Client, hub *Hub) *Bridge {
	return &Bridge{client: client, hub: hub, channel: defaultChannel}
}

func (b *Bridge) Publish(ctx context.Context, change Change) error {
	payload, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("marshal change: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish change: %w", err)
	}
	return nil
}

// Run relays Redis messages into the hub. A non-nil ready is closed once the subscription
// is confirmed. Run returns nil when ctx is cancelled or the subscription channel closes,
// and an error only when subscribing fails.
func (b *Bridge) Run(ctx context.Context, ready chan<- struct{}) error {
	pubsub := b.client.Subscribe(ctx, b.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	if ready != nil {
		close(ready)
	}

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			var change Change
			if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
				log.Printf("realtime: decode change: %v", err)
				continue
			}
			_ = b.hub.Publish(ctx, change)
		}
	}
}
