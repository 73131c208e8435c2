package domain

import (
	"context"
	"time"
)

// QuoteCache keeps the latest aggregated quote per instrument. Writes are
// upserts keyed by instrument, so repeated or reordered publishes are safe.
type QuoteCache interface {
	SetQuote(ctx context.Context, q AggregatedQuote) error
	GetQuote(ctx context.Context, instrument string) (AggregatedQuote, error)
	ListQuotes(ctx context.Context) ([]AggregatedQuote, error)
}

// RateDecision is the outcome of one counted request.
type RateDecision struct {
	Allowed bool
	// Count is how many requests the window holds after this one.
	Count int
	// RetryAfter is how long until a slot frees up; zero when Allowed.
	RetryAfter time.Duration
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	// Reset forgets every request counted for key.
	Reset(ctx context.Context, key string) error
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// SignalBus provides pub/sub between the aggregation side and display clients.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// QuoteChannelPattern matches every per-instrument quote channel.
const QuoteChannelPattern = "ch:quote:*"

// QuoteChannel is the pub/sub channel carrying quotes for one instrument.
func QuoteChannel(instrument string) string {
	return "ch:quote:" + instrument
}
