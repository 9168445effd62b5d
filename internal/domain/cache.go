package domain

import (
	"context"
	"time"
)

// OrderbookCache mirrors the live book for out-of-process readers.
type OrderbookCache interface {
	SetSnapshot(ctx context.Context, book *OrderBook) error
	GetSnapshot(ctx context.Context, marketID string) (*OrderBook, error)
	GetBBO(ctx context.Context, marketID string) (bestBid, bestAsk Decimal, err error)
}

// SignalBus publishes ephemeral notifications to other processes.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// RateLimiter counts requests per key over a sliding window.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}
