package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/coinpair/internal/aggregator"
	"github.com/alanyoungcy/coinpair/internal/domain"
	"golang.org/x/sync/errgroup"
)

// Fleet runs an independent Supervisor per instrument. Supervisors share the
// sink but no book or aggregator state.
type Fleet struct {
	order  []string
	sups   map[string]*Supervisor
	logger *slog.Logger
}

// NewFleet builds one supervisor per instrument from the shared base config.
func NewFleet(base Config, instruments []string, sink aggregator.Sink, logger *slog.Logger) (*Fleet, error) {
	if len(instruments) == 0 {
		return nil, fmt.Errorf("supervisor: fleet: no instruments")
	}
	f := &Fleet{
		sups:   make(map[string]*Supervisor, len(instruments)),
		logger: logger.With(slog.String("component", "fleet")),
	}
	for _, inst := range instruments {
		key := strings.ToUpper(strings.TrimSpace(inst))
		if _, dup := f.sups[key]; dup {
			continue
		}
		cfg := base
		cfg.Instrument = key
		sup, err := New(cfg, sink, logger)
		if err != nil {
			return nil, err
		}
		f.sups[key] = sup
		f.order = append(f.order, key)
	}
	return f, nil
}

// Run runs every supervisor until ctx is cancelled or Stop is called.
func (f *Fleet) Run(ctx context.Context) error {
	f.logger.Info("fleet starting", slog.Int("instruments", len(f.order)))
	g, gctx := errgroup.WithContext(ctx)
	for _, inst := range f.order {
		sup := f.sups[inst]
		g.Go(func() error {
			return sup.Run(gctx)
		})
	}
	return g.Wait()
}

// Stop stops every supervisor. Safe to call repeatedly.
func (f *Fleet) Stop() {
	for _, sup := range f.sups {
		sup.Stop()
	}
}

// Instruments returns the monitored instruments in configuration order.
func (f *Fleet) Instruments() []string {
	out := make([]string, len(f.order))
	copy(out, f.order)
	return out
}

// Supervisor returns the supervisor for instrument.
func (f *Fleet) Supervisor(instrument string) (*Supervisor, bool) {
	sup, ok := f.sups[strings.ToUpper(instrument)]
	return sup, ok
}

// Latest returns the last quote for instrument.
func (f *Fleet) Latest(instrument string) (domain.AggregatedQuote, error) {
	sup, ok := f.Supervisor(instrument)
	if !ok {
		return domain.AggregatedQuote{}, fmt.Errorf("supervisor: %s: %w", instrument, domain.ErrNotFound)
	}
	q, ok := sup.Latest()
	if !ok {
		return domain.AggregatedQuote{}, fmt.Errorf("supervisor: %s: no quote yet: %w", instrument, domain.ErrNotFound)
	}
	return q, nil
}

// Quotes returns the last quote of every instrument that has one.
func (f *Fleet) Quotes() []domain.AggregatedQuote {
	out := make([]domain.AggregatedQuote, 0, len(f.order))
	for _, inst := range f.order {
		if q, ok := f.sups[inst].Latest(); ok {
			out = append(out, q)
		}
	}
	return out
}

// Feeds returns every connection's details across all instruments.
func (f *Fleet) Feeds() []domain.FeedInfo {
	var out []domain.FeedInfo
	for _, inst := range f.order {
		out = append(out, f.sups[inst].Feeds()...)
	}
	return out
}
