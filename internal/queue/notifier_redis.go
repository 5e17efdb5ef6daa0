package queue

import (
	"context"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// RedisNotifier publishes live-session events to a Redis pub/sub channel
// and lets callers subscribe back to the same channel for the best-effort
// websocket relay. Publish failures are logged at warn and never
// propagated, matching Notifier's contract.
type RedisNotifier struct {
	client *redis.Client
	log    *slog.Logger
}

// NewRedisNotifier wraps an already-constructed client.
func NewRedisNotifier(client *redis.Client, log *slog.Logger) *RedisNotifier {
	if log == nil {
		log = slog.Default()
	}
	return &RedisNotifier{client: client, log: log}
}

func (n *RedisNotifier) Publish(ctx context.Context, channel string, payload []byte) {
	if err := n.client.Publish(ctx, channel, payload).Err(); err != nil {
		n.log.Warn("live session publish failed", "channel", channel, "error", err)
	}
}

// Subscribe opens a pub/sub subscription to channel, returning a channel of
// raw message payloads and a cancel func the caller must invoke to close
// the subscription. The returned channel is closed when the subscription
// ends (context cancellation or an unsubscribe).
func (n *RedisNotifier) Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error) {
	sub := n.client.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, err
	}

	out := make(chan []byte)
	go func() {
		defer close(out)
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, func() { _ = sub.Close() }, nil
}
