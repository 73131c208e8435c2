package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// FeedStatus is the lifecycle state of a single exchange feed.
type FeedStatus int

const (
	FeedConnecting FeedStatus = iota
	FeedSubscribed
	FeedStreaming
	FeedReconnecting
	FeedClosed
)

// String returns the lower-case status name used in logs and the API.
func (s FeedStatus) String() string {
	switch s {
	case FeedConnecting:
		return "connecting"
	case FeedSubscribed:
		return "subscribed"
	case FeedStreaming:
		return "streaming"
	case FeedReconnecting:
		return "reconnecting"
	case FeedClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// MarshalText lets statuses render as strings in JSON maps.
func (s FeedStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a status name produced by MarshalText.
func (s *FeedStatus) UnmarshalText(b []byte) error {
	for st := FeedConnecting; st <= FeedClosed; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown feed status %q", b)
}

// AggregatedQuote is the cross-exchange comparison for one instrument. It is
// built fresh on every aggregation cycle and never mutated after publish.
type AggregatedQuote struct {
	Instrument        string                     `json:"instrument"`
	PerExchangeTopBid map[string]decimal.Decimal `json:"per_exchange_top_bid"`
	PerExchangeTopAsk map[string]decimal.Decimal `json:"per_exchange_top_ask,omitempty"`
	SpreadAbsolute    decimal.Decimal            `json:"spread_absolute"`
	BasePrice         decimal.Decimal            `json:"base_price"`
	SpreadPercent     float64                    `json:"spread_percent"`
	// Stale lists exchanges whose value is present but not current: the feed
	// is reconnecting, the book is degraded, or the value aged out.
	Stale      []string  `json:"stale,omitempty"`
	ComputedAt time.Time `json:"computed_at"`
}

// IsStale reports whether the given exchange's contribution is stale.
func (q AggregatedQuote) IsStale(exchange string) bool {
	for _, s := range q.Stale {
		if s == exchange {
			return true
		}
	}
	return false
}

// DivergenceEvent records an aggregated quote whose spread crossed the alert
// threshold.
type DivergenceEvent struct {
	ID            string          `json:"id"`
	Instrument    string          `json:"instrument"`
	HighExchange  string          `json:"high_exchange"`
	LowExchange   string          `json:"low_exchange"`
	HighBid       decimal.Decimal `json:"high_bid"`
	LowBid        decimal.Decimal `json:"low_bid"`
	SpreadPercent float64         `json:"spread_percent"`
	DetectedAt    time.Time       `json:"detected_at"`
}
