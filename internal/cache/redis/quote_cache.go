package redis

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/alanyoungcy/coinpair/internal/domain"
	"github.com/redis/go-redis/v9"
)

//go:embed scripts/set_if_newer.lua
var setIfNewerLua string

// QuoteCache implements domain.QuoteCache using one Redis hash per
// instrument at "coinpair:quote:{instrument}" with fields "ts" (ComputedAt in
// Unix microseconds) and "data" (JSON). A quote only replaces a strictly older
// one, so late or duplicated writes are harmless.
type QuoteCache struct {
	rdb        *redis.Client
	setIfNewer *redis.Script
	ttl        time.Duration
}

// NewQuoteCache creates a QuoteCache. Entries expire after ttl when ttl > 0,
// so instruments that stop updating eventually disappear.
func NewQuoteCache(c *Client, ttl time.Duration) *QuoteCache {
	return &QuoteCache{
		rdb:        c.Underlying(),
		setIfNewer: redis.NewScript(setIfNewerLua),
		ttl:        ttl,
	}
}

func quoteKey(instrument string) string {
	return "coinpair:quote:" + instrument
}

const quoteIndexKey = "coinpair:quotes"

// SetQuote upserts q keyed by its instrument.
func (qc *QuoteCache) SetQuote(ctx context.Context, q domain.AggregatedQuote) error {
	data, err := json.Marshal(q)
	if err != nil {
		return fmt.Errorf("redis: marshal quote %s: %w", q.Instrument, err)
	}
	err = qc.setIfNewer.Run(ctx, qc.rdb,
		[]string{quoteKey(q.Instrument), quoteIndexKey},
		strconv.FormatInt(q.ComputedAt.UnixMicro(), 10),
		data,
		q.Instrument,
		qc.ttl.Milliseconds(),
	).Err()
	if err != nil {
		return fmt.Errorf("redis: set quote %s: %w", q.Instrument, err)
	}
	return nil
}

// GetQuote returns the cached quote for instrument, or domain.ErrNotFound.
func (qc *QuoteCache) GetQuote(ctx context.Context, instrument string) (domain.AggregatedQuote, error) {
	data, err := qc.rdb.HGet(ctx, quoteKey(instrument), "data").Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.AggregatedQuote{}, fmt.Errorf("redis: quote %s: %w", instrument, domain.ErrNotFound)
	}
	if err != nil {
		return domain.AggregatedQuote{}, fmt.Errorf("redis: get quote %s: %w", instrument, err)
	}
	var q domain.AggregatedQuote
	if err := json.Unmarshal(data, &q); err != nil {
		return domain.AggregatedQuote{}, fmt.Errorf("redis: decode quote %s: %w", instrument, err)
	}
	return q, nil
}

// ListQuotes returns every cached quote sorted by instrument. Index entries
// whose hash has expired are pruned.
func (qc *QuoteCache) ListQuotes(ctx context.Context) ([]domain.AggregatedQuote, error) {
	instruments, err := qc.rdb.SMembers(ctx, quoteIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: list quotes: %w", err)
	}
	if len(instruments) == 0 {
		return []domain.AggregatedQuote{}, nil
	}
	sort.Strings(instruments)

	pipe := qc.rdb.Pipeline()
	cmds := make([]*redis.StringCmd, len(instruments))
	for i, inst := range instruments {
		cmds[i] = pipe.HGet(ctx, quoteKey(inst), "data")
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: list quotes pipeline: %w", err)
	}

	out := make([]domain.AggregatedQuote, 0, len(instruments))
	var gone []any
	for i, cmd := range cmds {
		data, err := cmd.Bytes()
		if errors.Is(err, redis.Nil) {
			gone = append(gone, instruments[i])
			continue
		}
		if err != nil {
			continue
		}
		var q domain.AggregatedQuote
		if err := json.Unmarshal(data, &q); err != nil {
			continue
		}
		out = append(out, q)
	}
	if len(gone) > 0 {
		_ = qc.rdb.SRem(ctx, quoteIndexKey, gone...).Err()
	}
	return out, nil
}

// Compile-time interface check.
var _ domain.QuoteCache = (*QuoteCache)(nil)
