package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/gigmarket/trustcore/internal/apperr"
)

// DefaultChannel is the pub/sub channel audit events are published on.
const DefaultChannel = "trustcore:audit"

// RedisSink publishes events as JSON on a Redis channel.
type RedisSink struct {
	client  *redis.Client
	channel string
}

// NewRedisSink creates a publisher on channel (DefaultChannel if empty).
func NewRedisSink(client *redis.Client, channel string) *RedisSink {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisSink{client: client, channel: channel}
}

func (r *RedisSink) Emit(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("audit: marshal event: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		return apperr.External("audit.publish", err)
	}
	return nil
}

// Subscribe delivers events published on channel to handler until ctx is
// done. Malformed messages are logged and skipped.
func Subscribe(ctx context.Context, client *redis.Client, channel string, logger *slog.Logger, handler func(Event)) error {
	if channel == "" {
		channel = DefaultChannel
	}
	pubsub := client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return apperr.External("audit.subscribe", err)
	}
	ch := pubsub.Channel()

	go func() {
		defer func() { _ = pubsub.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					logger.Warn("failed to decode audit event", "error", err)
					continue
				}
				handler(ev)
			}
		}
	}()
	return nil
}

var _ Sink = (*RedisSink)(nil)
