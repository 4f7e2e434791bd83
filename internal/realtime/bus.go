package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Bus fans change events out to every API replica over Redis pub/sub. The
// database stays the source of truth; the bus only carries notifications,
// and subscribers that miss messages resync from a snapshot.
type Bus struct {
	client *redis.Client
	prefix string
}

func NewBus(redisURL string) (*Bus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &Bus{client: client, prefix: "verbatim"}, nil
}

// NewBusWithClient creates a bus from an existing Redis client.
func NewBusWithClient(client *redis.Client) *Bus {
	return &Bus{client: client, prefix: "verbatim"}
}

func (b *Bus) channel(projectID, feature string) string {
	return fmt.Sprintf("%s:%s:%s", b.prefix, projectID, feature)
}

func (b *Bus) Publish(ctx context.Context, projectID, feature string, event ChangeEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal change event: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel(projectID, feature), data).Err(); err != nil {
		return fmt.Errorf("publish change event: %w", err)
	}
	return nil
}

// PublishRaw publishes an already-encoded payload, used for presence
// snapshots which are not row change events.
func (b *Bus) PublishRaw(ctx context.Context, projectID, feature string, payload []byte) error {
	if err := b.client.Publish(ctx, b.channel(projectID, feature), payload).Err(); err != nil {
		return fmt.Errorf("publish raw: %w", err)
	}
	return nil
}

// BusSubscription delivers events for one (project, feature) channel until
// closed.
type BusSubscription struct {
	pubsub *redis.PubSub
	events chan ChangeEvent
	cancel context.CancelFunc
}

func (b *Bus) Subscribe(ctx context.Context, projectID, feature string) *BusSubscription {
	ctx, cancel := context.WithCancel(ctx)
	pubsub := b.client.Subscribe(ctx, b.channel(projectID, feature))

	sub := &BusSubscription{
		pubsub: pubsub,
		events: make(chan ChangeEvent, 64),
		cancel: cancel,
	}

	go func() {
		defer close(sub.events)
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var event ChangeEvent
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					log.Printf("realtime: dropping malformed event on %s: %v", msg.Channel, err)
					continue
				}
				select {
				case sub.events <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return sub
}

// SubscribeRaw delivers undecoded payloads for one channel, used by the
// presence stream which carries snapshots rather than change events.
func (b *Bus) SubscribeRaw(ctx context.Context, projectID, feature string) (<-chan string, func()) {
	ctx, cancel := context.WithCancel(ctx)
	pubsub := b.client.Subscribe(ctx, b.channel(projectID, feature))
	out := make(chan string, 16)

	go func() {
		defer close(out)
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- msg.Payload:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, func() {
		cancel()
		_ = pubsub.Close()
	}
}

func (sub *BusSubscription) Events() <-chan ChangeEvent {
	return sub.events
}

func (sub *BusSubscription) Close() {
	sub.cancel()
	_ = sub.pubsub.Close()
}

func (b *Bus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *Bus) Close() error {
	return b.client.Close()
}
