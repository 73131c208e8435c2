package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side identifies one half of an order book.
type Side int

const (
	SideBid Side = iota
	SideAsk
)

// String returns "bid" or "ask".
func (s Side) String() string {
	if s == SideAsk {
		return "ask"
	}
	return "bid"
}

// PriceLevel is a single price+quantity entry in an order book. A zero
// quantity means the level is removed.
type PriceLevel struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// Key returns the canonical identity of the level's price, so "50000.0" and
// "50000" address the same level.
func (l PriceLevel) Key() string {
	return l.Price.String()
}

// TopOfBook is the best few levels of one exchange's book for an instrument.
// Bids are sorted descending by price, asks ascending.
type TopOfBook struct {
	Exchange   string
	Instrument string
	Bids       []PriceLevel
	Asks       []PriceLevel
	// Degraded is set while at least one side has not received a snapshot
	// since the feed started or last reconnected.
	Degraded  bool
	UpdatedAt time.Time
}

// BestBid returns the highest bid, if any.
func (t TopOfBook) BestBid() (decimal.Decimal, bool) {
	if len(t.Bids) == 0 {
		return decimal.Zero, false
	}
	return t.Bids[0].Price, true
}

// BestAsk returns the lowest ask, if any.
func (t TopOfBook) BestAsk() (decimal.Decimal, bool) {
	if len(t.Asks) == 0 {
		return decimal.Zero, false
	}
	return t.Asks[0].Price, true
}
