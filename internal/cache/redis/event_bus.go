package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/updownarb/internal/domain"
)

const (
	defaultStreamMaxLen int64 = 10000
	payloadField              = "payload"
)

// EventBus implements domain.EventBus: pub/sub for live trade-pair and
// merge events, a capped stream for the signal journal.
type EventBus struct {
	rdb    redis.UniversalClient
	prefix string
	maxLen int64
}

// NewEventBus creates an EventBus. Channel and stream names are prefixed
// with prefix; maxLen caps each stream approximately (0 = 10000).
func NewEventBus(c *Client, prefix string, maxLen int64) *EventBus {
	if maxLen <= 0 {
		maxLen = defaultStreamMaxLen
	}
	return &EventBus{rdb: c.rdb, prefix: prefix, maxLen: maxLen}
}

// Publish sends payload on channel.
func (b *EventBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.rdb.Publish(ctx, b.prefix+channel, payload).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", channel, err)
	}
	return nil
}

// StreamAppend adds payload to stream with XADD MAXLEN ~.
func (b *EventBus) StreamAppend(ctx context.Context, stream string, payload []byte) error {
	err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: b.prefix + stream,
		MaxLen: b.maxLen,
		Approx: true,
		Values: map[string]any{payloadField: payload},
	}).Err()
	if err != nil {
		return fmt.Errorf("redis: xadd %s: %w", stream, err)
	}
	return nil
}

var _ domain.EventBus = (*EventBus)(nil)
