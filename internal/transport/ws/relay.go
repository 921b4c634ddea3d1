package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/cwrk-planet/watch-party/internal/protocol"

	"github.com/go-redis/redis/v8"
)

// RedisRelay fans room events out over one redis pub/sub channel.
type RedisRelay struct {
	rdb     *redis.Client
	channel string
}

func NewRedisRelay(rdb *redis.Client, prefix string) *RedisRelay {
	if prefix == "" {
		prefix = "watch-party"
	}
	return &RedisRelay{rdb: rdb, channel: prefix + ":events"}
}

type relayMessage struct {
	RoomID   string            `json:"roomId"`
	Envelope protocol.Envelope `json:"envelope"`
}

func (r *RedisRelay) Publish(ctx context.Context, roomID string, env protocol.Envelope) error {
	b, err := json.Marshal(relayMessage{RoomID: roomID, Envelope: env})
	if err != nil {
		return fmt.Errorf("relay encode: %w", err)
	}
	return r.rdb.Publish(ctx, r.channel, b).Err()
}

func (r *RedisRelay) Subscribe(ctx context.Context, deliver func(roomID string, env protocol.Envelope)) error {
	sub := r.rdb.Subscribe(ctx, r.channel)
	defer func() { _ = sub.Close() }()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("relay subscribe %s: %w", r.channel, err)
	}
	slog.Info("ws relay subscribed", "channel", r.channel)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var m relayMessage
			if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
				slog.Warn("ws relay: bad message", "err", err)
				continue
			}
			deliver(m.RoomID, m.Envelope)
		}
	}
}
