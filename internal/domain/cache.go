package domain

import (
	"context"
	"time"
)

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// EventBus carries signal and trade-pair events to other processes.
type EventBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	StreamAppend(ctx context.Context, stream string, payload []byte) error
}

// Event channels and streams.
const (
	ChannelTradePairs = "ch:trade_pairs"
	ChannelMerges     = "ch:merges"
	StreamSignals     = "stream:signals"
)
