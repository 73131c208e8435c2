// Package supervisor wires one feed connection per exchange to a shared
// aggregator for a single instrument and owns their lifetimes.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/coinpair/internal/aggregator"
	"github.com/alanyoungcy/coinpair/internal/codec"
	"github.com/alanyoungcy/coinpair/internal/domain"
	"github.com/alanyoungcy/coinpair/internal/feed"
	"golang.org/x/sync/errgroup"
)

// ExchangeConfig selects an exchange and optionally overrides its endpoint.
type ExchangeConfig struct {
	Name string
	URL  string
}

// Config is everything needed to monitor one instrument.
type Config struct {
	Instrument        string
	Exchanges         []ExchangeConfig
	Depth             int
	ReconnectDelay    time.Duration
	HeartbeatInterval time.Duration
	PublishInterval   time.Duration
	StaleAfter        time.Duration
	// Dialer replaces the default WebSocket dialer when set.
	Dialer feed.Dialer
	// BufferSize is the capacity of the notification channel.
	BufferSize int
}

const defaultBufferSize = 256

// Supervisor runs every feed connection of one instrument together with its
// aggregator.
type Supervisor struct {
	instrument string
	conns      []*feed.Connection
	agg        *aggregator.Aggregator
	notes      chan domain.Notification
	logger     *slog.Logger

	mu       sync.Mutex
	cancel   context.CancelFunc
	stopped  bool
	stopOnce sync.Once
}

// New validates cfg and builds the connections. Unknown exchanges and
// duplicates fail here, before anything connects.
func New(cfg Config, sink aggregator.Sink, logger *slog.Logger) (*Supervisor, error) {
	instrument := strings.ToUpper(strings.TrimSpace(cfg.Instrument))
	if instrument == "" {
		return nil, errors.New("supervisor: instrument is required")
	}
	if len(cfg.Exchanges) == 0 {
		return nil, fmt.Errorf("supervisor: %s: no exchanges configured", instrument)
	}
	size := cfg.BufferSize
	if size <= 0 {
		size = defaultBufferSize
	}

	s := &Supervisor{
		instrument: instrument,
		notes:      make(chan domain.Notification, size),
		logger:     logger.With(slog.String("component", "supervisor"), slog.String("instrument", instrument)),
	}

	seen := make(map[string]struct{}, len(cfg.Exchanges))
	names := make([]string, 0, len(cfg.Exchanges))
	for _, ex := range cfg.Exchanges {
		cd, err := codec.New(ex.Name, codec.Options{URL: ex.URL, Depth: cfg.Depth})
		if err != nil {
			return nil, fmt.Errorf("supervisor: %s: %w", instrument, err)
		}
		if _, dup := seen[cd.Name()]; dup {
			return nil, fmt.Errorf("supervisor: %s: exchange %q configured twice", instrument, cd.Name())
		}
		seen[cd.Name()] = struct{}{}
		names = append(names, cd.Name())

		opts := []feed.Option{
			feed.WithReconnectDelay(cfg.ReconnectDelay),
			feed.WithHeartbeatInterval(cfg.HeartbeatInterval),
			feed.WithDepth(cfg.Depth),
		}
		if cfg.Dialer != nil {
			opts = append(opts, feed.WithDialer(cfg.Dialer))
		}
		s.conns = append(s.conns, feed.New(cd, instrument, s.notes, logger, opts...))
	}

	s.agg = aggregator.New(aggregator.Config{
		Instrument:      instrument,
		Exchanges:       names,
		PublishInterval: cfg.PublishInterval,
		StaleAfter:      cfg.StaleAfter,
	}, sink, logger)
	return s, nil
}

// Instrument returns the monitored instrument.
func (s *Supervisor) Instrument() string { return s.instrument }

// Run starts every connection and the aggregator and blocks until ctx is
// cancelled or Stop is called. It returns only after all of them have exited.
func (s *Supervisor) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.cancel = cancel
	s.mu.Unlock()

	s.logger.Info("supervisor starting", slog.Int("feeds", len(s.conns)))
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.agg.Run(gctx, s.notes)
	})
	for _, c := range s.conns {
		g.Go(func() error {
			return c.Run(gctx)
		})
	}
	err := g.Wait()
	s.logger.Info("supervisor stopped")
	return err
}

// Stop cancels Run. Calling it more than once, or before Run, is safe.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.stopped = true
		if s.cancel != nil {
			s.cancel()
		}
	})
}

// Statuses returns the live status of every connection keyed by exchange.
func (s *Supervisor) Statuses() map[string]domain.FeedStatus {
	out := make(map[string]domain.FeedStatus, len(s.conns))
	for _, c := range s.conns {
		out[c.Exchange()] = c.Status()
	}
	return out
}

// Feeds returns per-connection details in configuration order.
func (s *Supervisor) Feeds() []domain.FeedInfo {
	out := make([]domain.FeedInfo, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c.Info())
	}
	return out
}

// Latest returns the last published quote.
func (s *Supervisor) Latest() (domain.AggregatedQuote, bool) {
	return s.agg.Latest()
}
