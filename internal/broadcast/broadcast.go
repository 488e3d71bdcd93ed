// Package broadcast pushes engine events to observers. Every sink is
// fire-and-forget: delivery failures are logged and never reach the caller.
package broadcast

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Event types.
const (
	TypeTradeExecuted = "trade_executed"
	TypeOrderRejected = "order_rejected"
	TypeDecision      = "decision"
	TypeMarketUpdate  = "market_update"
)

// Event is one notification.
type Event struct {
	Type     string    `json:"type"`
	TraderID string    `json:"trader_id,omitempty"`
	Data     any       `json:"data,omitempty"`
	Time     time.Time `json:"time"`
}

// Sink accepts events. Publish must not block on slow subscribers.
type Sink interface {
	Publish(ctx context.Context, ev Event)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) {}

// Fanout publishes to every sink in order.
type Fanout []Sink

func (f Fanout) Publish(ctx context.Context, ev Event) {
	for _, s := range f {
		s.Publish(ctx, ev)
	}
}

// RedisPublisher publishes events as JSON on a Redis pub/sub channel.
type RedisPublisher struct {
	rdb     *redis.Client
	channel string
	timeout time.Duration
}

// NewRedisPublisher creates a publisher on channel.
func NewRedisPublisher(rdb *redis.Client, channel string) *RedisPublisher {
	return &RedisPublisher{rdb: rdb, channel: channel, timeout: 2 * time.Second}
}

func (p *RedisPublisher) Publish(ctx context.Context, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Warn("broadcast encode failed", "type", ev.Type, "err", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()
	if err := p.rdb.Publish(ctx, p.channel, data).Err(); err != nil {
		slog.Warn("redis publish failed", "channel", p.channel, "type", ev.Type, "err", err)
	}
}
