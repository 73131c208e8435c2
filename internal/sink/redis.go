package sink

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/alanyoungcy/coinpair/internal/domain"
)

// RedisSink stores the latest quote per instrument and fans it out on the
// instrument's pub/sub channel for websocket clients.
type RedisSink struct {
	cache domain.QuoteCache
	bus   domain.SignalBus
}

// NewRedisSink creates a RedisSink. bus may be nil to skip pub/sub.
func NewRedisSink(cache domain.QuoteCache, bus domain.SignalBus) *RedisSink {
	return &RedisSink{cache: cache, bus: bus}
}

// Publish implements aggregator.Sink.
func (s *RedisSink) Publish(ctx context.Context, q domain.AggregatedQuote) error {
	if err := s.cache.SetQuote(ctx, q); err != nil {
		return fmt.Errorf("sink: cache quote %s: %w", q.Instrument, err)
	}
	if s.bus == nil {
		return nil
	}

	payload, err := json.Marshal(q)
	if err != nil {
		return fmt.Errorf("sink: marshal quote %s: %w", q.Instrument, err)
	}
	if err := s.bus.Publish(ctx, domain.QuoteChannel(q.Instrument), payload); err != nil {
		return fmt.Errorf("sink: publish quote %s: %w", q.Instrument, err)
	}
	return nil
}
