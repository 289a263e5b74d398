package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/posterforge/internal/domain"
)

// Bus federates job events across processes over one Redis pub/sub
// channel. Each process runs a forwarder that demuxes incoming events
// into its local Hub; every publish goes through Redis so all processes,
// including the publishing one, see the same stream.
type Bus struct {
	rdb     *goredis.Client
	channel string
	hub     *Hub
}

// NewBus wires a Redis client and a local hub into a cross-process bus.
func NewBus(rdb *goredis.Client, channel string, hub *Hub) (*Bus, error) {
	if rdb == nil {
		return nil, fmt.Errorf("redis client required")
	}
	if channel == "" {
		return nil, fmt.Errorf("channel required")
	}
	if hub == nil {
		return nil, fmt.Errorf("hub required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &Bus{rdb: rdb, channel: channel, hub: hub}, nil
}

// Publish pushes one event onto the shared channel.
func (b *Bus) Publish(ctx domain.Context, ev domain.Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.rdb.Publish(ctx, b.channel, raw).Err(); err != nil {
		return fmt.Errorf("op=events.publish: %w", err)
	}
	return nil
}

// Subscribe registers a local listener; delivery happens through the
// forwarder, so events published by any process arrive here.
func (b *Bus) Subscribe(jobID string) (<-chan domain.Event, func()) {
	return b.hub.Subscribe(jobID)
}

// StartForwarder begins demuxing the Redis channel into the local hub.
// It returns after the subscription is confirmed; forwarding runs until
// ctx is cancelled.
func (b *Bus) StartForwarder(ctx context.Context) error {
	sub := b.rdb.Subscribe(ctx, b.channel)

	// Confirms the subscription actually started.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}

	go func() {
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					_ = sub.Close()
					return
				}
				var ev domain.Event
				if err := json.Unmarshal([]byte(m.Payload), &ev); err != nil {
					slog.Warn("bad event payload on bus", slog.Any("error", err))
					continue
				}
				b.hub.Dispatch(ev)
			}
		}
	}()

	return nil
}

// Close releases the Redis client.
func (b *Bus) Close() error {
	return b.rdb.Close()
}
