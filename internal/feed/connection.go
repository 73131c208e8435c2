// Package feed runs one WebSocket session loop per exchange and instrument,
// keeps that exchange's order book, and forwards top-of-book changes to the
// aggregator.
package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/coinpair/internal/book"
	"github.com/alanyoungcy/coinpair/internal/codec"
	"github.com/alanyoungcy/coinpair/internal/domain"
	"github.com/gorilla/websocket"
)

const (
	// DefaultReconnectDelay is the fixed wait between sessions.
	DefaultReconnectDelay = 5 * time.Second

	// DefaultHeartbeatInterval is how often application pings are sent for
	// exchanges that need them.
	DefaultHeartbeatInterval = 10 * time.Second

	// DefaultDepth is the number of levels per side forwarded to the
	// aggregator.
	DefaultDepth = 5

	// decodeWarnEvery samples undecodable-frame warnings after the first.
	decodeWarnEvery = 100
)

// Connection owns a single exchange feed for one instrument. Run loops
// forever: connect, subscribe, stream, and on any failure wait a fixed delay
// and start again with the same parameters.
type Connection struct {
	codec      codec.Codec
	instrument string
	out        chan<- domain.Notification
	logger     *slog.Logger

	dialer            Dialer
	reconnectDelay    time.Duration
	heartbeatInterval time.Duration
	depth             int
	now               func() time.Time

	book    *book.State
	dropped uint64

	mu          sync.RWMutex
	status      domain.FeedStatus
	reconnects  int
	degraded    bool
	lastMessage time.Time
	lastErr     string
}

// Option configures a Connection.
type Option func(*Connection)

// WithDialer replaces the gorilla dialer, mainly for tests.
func WithDialer(d Dialer) Option { return func(c *Connection) { c.dialer = d } }

// WithReconnectDelay sets the wait between sessions.
func WithReconnectDelay(d time.Duration) Option {
	return func(c *Connection) {
		if d > 0 {
			c.reconnectDelay = d
		}
	}
}

// WithHeartbeatInterval sets the application ping period.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(c *Connection) {
		if d > 0 {
			c.heartbeatInterval = d
		}
	}
}

// WithDepth sets how many levels per side are forwarded.
func WithDepth(n int) Option {
	return func(c *Connection) {
		if n > 0 {
			c.depth = n
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(c *Connection) { c.now = now } }

// New builds a connection for instrument on the exchange spoken by cd.
// Notifications are delivered on out.
func New(cd codec.Codec, instrument string, out chan<- domain.Notification, logger *slog.Logger, opts ...Option) *Connection {
	c := &Connection{
		codec:             cd,
		instrument:        instrument,
		out:               out,
		dialer:            WSDialer{},
		reconnectDelay:    DefaultReconnectDelay,
		heartbeatInterval: DefaultHeartbeatInterval,
		depth:             DefaultDepth,
		now:               time.Now,
		book:              book.New(),
		status:            domain.FeedConnecting,
	}
	for _, o := range opts {
		o(c)
	}
	c.logger = logger.With(
		slog.String("component", "feed"),
		slog.String("exchange", cd.Name()),
		slog.String("instrument", instrument),
	)
	return c
}

// Exchange returns the exchange key.
func (c *Connection) Exchange() string { return c.codec.Name() }

// Status returns the current lifecycle state.
func (c *Connection) Status() domain.FeedStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// Info returns a snapshot of the connection's state.
func (c *Connection) Info() domain.FeedInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return domain.FeedInfo{
		Exchange:      c.codec.Name(),
		Instrument:    c.instrument,
		Status:        c.status,
		Reconnects:    c.reconnects,
		Degraded:      c.degraded,
		LastMessageAt: c.lastMessage,
		LastError:     c.lastErr,
	}
}

// Run drives the session loop until ctx is cancelled. It always returns nil
// once ctx is done; session failures are retried, never returned.
func (c *Connection) Run(ctx context.Context) error {
	c.logger.Info("feed starting", slog.String("endpoint", c.codec.Endpoint(c.instrument)))
	defer c.logger.Info("feed stopped")

	for {
		c.setStatus(ctx, domain.FeedConnecting)
		err := c.runSession(ctx)
		if ctx.Err() != nil {
			c.close()
			return nil
		}

		c.mu.Lock()
		c.reconnects++
		if err != nil {
			c.lastErr = err.Error()
		}
		c.mu.Unlock()

		c.book.MarkStale()
		c.logger.Warn("feed disconnected, reconnecting",
			slog.String("error", errString(err)),
			slog.Duration("delay", c.reconnectDelay),
		)
		c.setStatus(ctx, domain.FeedReconnecting)

		timer := time.NewTimer(c.reconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			c.close()
			return nil
		case <-timer.C:
		}
	}
}

// runSession handles one connection from dial to failure. It returns only
// after the heartbeat goroutine and the closer have exited.
func (c *Connection) runSession(ctx context.Context) error {
	name := c.codec.Name()
	conn, err := c.dialer.Dial(ctx, c.codec.Endpoint(c.instrument))
	if err != nil {
		return fmt.Errorf("feed/%s: dial: %w", name, errors.Join(domain.ErrTransport, err))
	}

	sessCtx, cancel := context.WithCancelCause(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel(nil)
		wg.Wait()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		<-sessCtx.Done()
		_ = conn.Close()
	}()

	if payload, ok := c.codec.Subscribe(c.instrument, c.now()); ok {
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return fmt.Errorf("feed/%s: subscribe: %w", name, errors.Join(domain.ErrTransport, err))
		}
	}
	c.setStatus(ctx, domain.FeedSubscribed)
	c.logger.Info("feed subscribed")

	if ping, ok := c.codec.Heartbeat(); ok {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.heartbeat(sessCtx, cancel, conn, ping)
		}()
	}

	streaming := false
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if sessCtx.Err() != nil {
				if cause := context.Cause(sessCtx); cause != nil && !errors.Is(cause, context.Canceled) {
					return fmt.Errorf("feed/%s: %w", name, cause)
				}
			}
			return fmt.Errorf("feed/%s: read: %w", name, errors.Join(domain.ErrTransport, err))
		}

		events, err := codec.SafeDecode(c.codec, raw)
		if err != nil {
			c.dropped++
			if c.dropped == 1 || c.dropped%decodeWarnEvery == 0 {
				c.logger.Warn("dropping undecodable frame",
					slog.String("error", err.Error()),
					slog.Uint64("dropped", c.dropped),
				)
			}
			continue
		}

		c.mu.Lock()
		c.lastMessage = c.now()
		c.mu.Unlock()

		if !hasBookData(events) {
			continue
		}
		if !streaming {
			streaming = true
			c.setStatus(ctx, domain.FeedStreaming)
		}
		c.apply(ctx, events)
	}
}

// heartbeat sends ping every interval until ctx ends. A failed send cancels
// the session with the write error as cause.
func (c *Connection) heartbeat(ctx context.Context, cancel context.CancelCauseFunc, conn Conn, ping []byte) {
	ticker := time.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.TextMessage, ping); err != nil {
				cancel(fmt.Errorf("heartbeat: %w", errors.Join(domain.ErrTransport, err)))
				return
			}
		}
	}
}

func hasBookData(events []codec.Event) bool {
	for _, ev := range events {
		if ev.Kind == codec.KindSnapshot || ev.Kind == codec.KindDelta {
			return true
		}
	}
	return false
}

// apply folds book events into the local book and forwards the new top of
// book.
func (c *Connection) apply(ctx context.Context, events []codec.Event) {
	for _, ev := range events {
		switch ev.Kind {
		case codec.KindSnapshot:
			c.book.ApplySnapshot(ev.Side, ev.Levels)
		case codec.KindDelta:
			c.book.ApplyDelta(ev.Side, ev.Levels)
		}
	}

	tob := c.book.TopOfBook(c.depth)
	tob.Exchange = c.codec.Name()
	tob.Instrument = c.instrument

	c.mu.Lock()
	c.degraded = tob.Degraded
	status := c.status
	c.mu.Unlock()

	c.emit(ctx, domain.Notification{
		Kind:       domain.NotifyBook,
		Exchange:   tob.Exchange,
		Instrument: c.instrument,
		Status:     status,
		Book:       tob,
		At:         c.now(),
	})
}

func (c *Connection) setStatus(ctx context.Context, s domain.FeedStatus) {
	c.mu.Lock()
	changed := c.status != s
	c.status = s
	c.mu.Unlock()
	if !changed {
		return
	}
	c.logger.Debug("feed status", slog.String("status", s.String()))
	c.emit(ctx, domain.Notification{
		Kind:       domain.NotifyStatus,
		Exchange:   c.codec.Name(),
		Instrument: c.instrument,
		Status:     s,
		At:         c.now(),
	})
}

// close records the terminal state. The aggregator may already be gone, so
// the notification is only offered.
func (c *Connection) close() {
	c.mu.Lock()
	c.status = domain.FeedClosed
	c.mu.Unlock()
	select {
	case c.out <- domain.Notification{
		Kind:       domain.NotifyStatus,
		Exchange:   c.codec.Name(),
		Instrument: c.instrument,
		Status:     domain.FeedClosed,
		At:         c.now(),
	}:
	default:
	}
}

func (c *Connection) emit(ctx context.Context, n domain.Notification) {
	select {
	case c.out <- n:
	case <-ctx.Done():
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
