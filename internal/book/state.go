// Package book holds the per-exchange order book reconciled from snapshots and
// deltas. A State is owned by a single feed connection and is not safe for
// concurrent use.
//
// Deltas are applied in arrival order. Exchanges in this system carry no
// usable sequence numbers, so no continuity check is made between a snapshot
// and the deltas that follow it; a gap is only repaired by the next snapshot.
package book

import (
	"sort"
	"time"

	"github.com/alanyoungcy/coinpair/internal/domain"
	"github.com/shopspring/decimal"
)

type entry struct {
	price decimal.Decimal
	qty   decimal.Decimal
	seq   uint64
}

// side maps price identity to quantity.
type side struct {
	levels   map[string]entry
	snapshot bool // a snapshot has been applied since the last reset
}

func newSide() *side {
	return &side{levels: make(map[string]entry)}
}

// State is the best-effort view of one exchange's book for one instrument.
type State struct {
	bids       *side
	asks       *side
	seq        uint64
	lastUpdate time.Time
	now        func() time.Time
}

// New returns an empty book.
func New() *State {
	return &State{
		bids: newSide(),
		asks: newSide(),
		now:  time.Now,
	}
}

func (s *State) side(sd domain.Side) *side {
	if sd == domain.SideAsk {
		return s.asks
	}
	return s.bids
}

// ApplySnapshot replaces one side wholesale. Zero-quantity levels in the
// snapshot are skipped.
func (s *State) ApplySnapshot(sd domain.Side, levels []domain.PriceLevel) {
	target := s.side(sd)
	fresh := make(map[string]entry, len(levels))
	for _, lvl := range levels {
		if lvl.Quantity.Sign() <= 0 {
			continue
		}
		s.seq++
		fresh[lvl.Key()] = entry{price: lvl.Price, qty: lvl.Quantity, seq: s.seq}
	}
	target.levels = fresh
	target.snapshot = true
	s.lastUpdate = s.now()
}

// ApplyDelta upserts levels with positive quantity and removes levels with
// zero quantity. Removing an absent price is a no-op. A delta that arrives
// before any snapshot is applied to the empty side and leaves the book
// degraded.
func (s *State) ApplyDelta(sd domain.Side, levels []domain.PriceLevel) {
	target := s.side(sd)
	for _, lvl := range levels {
		key := lvl.Key()
		if lvl.Quantity.Sign() <= 0 {
			delete(target.levels, key)
			continue
		}
		if existing, ok := target.levels[key]; ok {
			existing.qty = lvl.Quantity
			target.levels[key] = existing
			continue
		}
		s.seq++
		target.levels[key] = entry{price: lvl.Price, qty: lvl.Quantity, seq: s.seq}
	}
	s.lastUpdate = s.now()
}

// MarkStale flags the current contents as pre-disconnect data. They remain
// readable (degraded) until the next snapshot of each side replaces them.
func (s *State) MarkStale() {
	s.bids.snapshot = false
	s.asks.snapshot = false
}

// Degraded reports whether either side is still waiting for a snapshot.
func (s *State) Degraded() bool {
	return !s.bids.snapshot || !s.asks.snapshot
}

// SideDegraded reports whether one side is still waiting for a snapshot.
func (s *State) SideDegraded(sd domain.Side) bool {
	return !s.side(sd).snapshot
}

// Len returns the number of levels held on one side.
func (s *State) Len(sd domain.Side) int {
	return len(s.side(sd).levels)
}

// LastUpdate is the time of the last applied snapshot or delta.
func (s *State) LastUpdate() time.Time {
	return s.lastUpdate
}

// Levels returns up to depth best levels of one side: bids descending, asks
// ascending, ties broken by insertion order. depth <= 0 returns every level.
func (s *State) Levels(sd domain.Side, depth int) []domain.PriceLevel {
	src := s.side(sd).levels
	entries := make([]entry, 0, len(src))
	for _, e := range src {
		entries = append(entries, e)
	}

	desc := sd == domain.SideBid
	sort.Slice(entries, func(i, j int) bool {
		c := entries[i].price.Cmp(entries[j].price)
		if c == 0 {
			return entries[i].seq < entries[j].seq
		}
		if desc {
			return c > 0
		}
		return c < 0
	})

	if depth > 0 && len(entries) > depth {
		entries = entries[:depth]
	}
	out := make([]domain.PriceLevel, len(entries))
	for i, e := range entries {
		out[i] = domain.PriceLevel{Price: e.price, Quantity: e.qty}
	}
	return out
}

// TopOfBook returns the best depth levels of both sides. The returned value
// shares no memory with the book.
func (s *State) TopOfBook(depth int) domain.TopOfBook {
	if depth <= 0 {
		depth = 1
	}
	return domain.TopOfBook{
		Bids:      s.Levels(domain.SideBid, depth),
		Asks:      s.Levels(domain.SideAsk, depth),
		Degraded:  s.Degraded(),
		UpdatedAt: s.lastUpdate,
	}
}
