package redis

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/alanyoungcy/coinpair/internal/domain"
	"github.com/redis/go-redis/v9"
)

// subscriberBuffer is how many payloads a subscriber may fall behind before
// the oldest are discarded.
const subscriberBuffer = 128

// SignalBus carries quote payloads over Redis pub/sub. Delivery is at most
// once and only to subscribers listening at publish time. A quote supersedes
// the ones before it, so a subscriber that falls behind loses the oldest
// payloads rather than stalling the connection.
type SignalBus struct {
	rdb     *redis.Client
	dropped atomic.Uint64
}

// NewSignalBus creates a SignalBus on c.
func NewSignalBus(c *Client) *SignalBus {
	return &SignalBus{rdb: c.Underlying()}
}

// Publish sends payload on channel.
func (b *SignalBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe listens on channel, or on every matching channel when it holds
// a glob. The subscription is confirmed before returning; the channel closes
// once ctx is done.
func (b *SignalBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	var sub *redis.PubSub
	if strings.ContainsAny(channel, "*?[") {
		sub = b.rdb.PSubscribe(ctx, channel)
	} else {
		sub = b.rdb.Subscribe(ctx, channel)
	}
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w", channel, err)
	}

	out := make(chan []byte, subscriberBuffer)
	go b.forward(ctx, sub, out)
	return out, nil
}

// Dropped reports how many payloads slow subscribers have lost.
func (b *SignalBus) Dropped() uint64 { return b.dropped.Load() }

func (b *SignalBus) forward(ctx context.Context, sub *redis.PubSub, out chan []byte) {
	defer close(out)
	defer sub.Close()

	in := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			b.push(out, []byte(msg.Payload))
		}
	}
}

// push queues payload, evicting the oldest queued one when out is full.
// forward is the only writer, so a freed slot stays free.
func (b *SignalBus) push(out chan []byte, payload []byte) {
	select {
	case out <- payload:
		return
	default:
	}
	select {
	case <-out:
		b.dropped.Add(1)
	default:
	}
	select {
	case out <- payload:
	default:
		b.dropped.Add(1)
	}
}

var _ domain.SignalBus = (*SignalBus)(nil)
