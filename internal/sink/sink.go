// Package sink holds the destinations for aggregated quotes: structured log,
// text table, terminal dashboard and Redis. Every sink is an upsert keyed by instrument, so a
// repeated or reordered publish only replaces the previous row.
package sink

import (
	"context"
	"errors"
	"log/slog"
	"sort"

	"github.com/alanyoungcy/coinpair/internal/aggregator"
	"github.com/alanyoungcy/coinpair/internal/domain"
)

// Multi publishes to every sink in order. One failing sink does not stop the
// others.
type Multi []aggregator.Sink

// Publish implements aggregator.Sink.
func (m Multi) Publish(ctx context.Context, q domain.AggregatedQuote) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Publish(ctx, q); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink writes one structured log line per quote.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger.With(slog.String("component", "quotes"))}
}

// Publish implements aggregator.Sink.
func (s *LogSink) Publish(ctx context.Context, q domain.AggregatedQuote) error {
	bids := make([]any, 0, len(q.PerExchangeTopBid))
	for _, name := range sortedKeys(q.PerExchangeTopBid) {
		bids = append(bids, slog.String(name, q.PerExchangeTopBid[name].String()))
	}

	s.logger.InfoContext(ctx, "quote",
		slog.String("instrument", q.Instrument),
		slog.Group("bids", bids...),
		slog.String("spread", q.SpreadAbsolute.String()),
		slog.String("base", q.BasePrice.String()),
		slog.Float64("spread_percent", q.SpreadPercent),
		slog.Any("stale", q.Stale),
	)
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var (
	_ aggregator.Sink = Multi(nil)
	_ aggregator.Sink = (*LogSink)(nil)
	_ aggregator.Sink = (*TableSink)(nil)
	_ aggregator.Sink = (*Dashboard)(nil)
)

// quoteRows keeps the newest quote per instrument.
type quoteRows map[string]domain.AggregatedQuote

// upsert stores q unless a newer quote for the instrument is already held.
func (r quoteRows) upsert(q domain.AggregatedQuote) bool {
	if prev, ok := r[q.Instrument]; ok && q.ComputedAt.Before(prev.ComputedAt) {
		return false
	}
	r[q.Instrument] = q
	return true
}

func (r quoteRows) instruments() []string {
	return sortedKeys(r)
}
