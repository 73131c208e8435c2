// Package codec translates raw exchange WebSocket frames into canonical order
// book events. There is one Codec per exchange, chosen once when a feed is
// built; the wire contract of each exchange lives entirely in its codec.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/alanyoungcy/coinpair/internal/domain"
	"github.com/shopspring/decimal"
)

// Kind classifies a decoded event.
type Kind int

const (
	// KindSnapshot replaces one side of the book.
	KindSnapshot Kind = iota
	// KindDelta updates one side of the book incrementally.
	KindDelta
	// KindHeartbeat is a keep-alive reply or a control acknowledgement. It
	// carries no book data.
	KindHeartbeat
	// KindUnrecognized marks a frame that could not be decoded.
	KindUnrecognized
)

func (k Kind) String() string {
	switch k {
	case KindSnapshot:
		return "snapshot"
	case KindDelta:
		return "delta"
	case KindHeartbeat:
		return "heartbeat"
	default:
		return "unrecognized"
	}
}

// Event is one decoded unit of a frame. A single frame may yield one event
// per book side.
type Event struct {
	Kind   Kind
	Side   domain.Side
	Levels []domain.PriceLevel
}

// Codec is the per-exchange wire contract.
type Codec interface {
	// Name is the lower-case exchange key, e.g. "binance".
	Name() string
	// Endpoint returns the WebSocket URL for the instrument.
	Endpoint(instrument string) string
	// Subscribe returns the payload sent right after connecting, if the
	// exchange needs one.
	Subscribe(instrument string, now time.Time) ([]byte, bool)
	// Heartbeat returns the application-level keep-alive payload, if the
	// exchange needs one.
	Heartbeat() ([]byte, bool)
	// Decode turns one raw frame into events. Failures are returned as
	// *DecodeError and never panic.
	Decode(raw []byte) ([]Event, error)
}

// Options customises a codec at construction time.
type Options struct {
	// URL overrides the exchange's default WebSocket endpoint. For binance
	// it is the base to which the stream name is appended.
	URL string
	// Depth is the number of levels requested per side where the exchange
	// lets the client choose. Zero means the exchange default of 5.
	Depth int
}

const defaultDepth = 5

func (o Options) depth() int {
	if o.Depth <= 0 {
		return defaultDepth
	}
	return o.Depth
}

// DecodeError describes a frame that could not be turned into events.
type DecodeError struct {
	Exchange string
	Reason   string
	Payload  string
	Err      error
}

func (e *DecodeError) Error() string {
	msg := fmt.Sprintf("codec/%s: %s", e.Exchange, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes domain.ErrUnrecognized and the underlying cause.
func (e *DecodeError) Unwrap() []error {
	if e.Err != nil {
		return []error{domain.ErrUnrecognized, e.Err}
	}
	return []error{domain.ErrUnrecognized}
}

const maxPayloadSnippet = 256

func decodeErr(exchange, reason string, raw []byte, err error) *DecodeError {
	p := string(raw)
	if len(p) > maxPayloadSnippet {
		p = p[:maxPayloadSnippet] + "..."
	}
	return &DecodeError{Exchange: exchange, Reason: reason, Payload: p, Err: err}
}

// SafeDecode runs c.Decode and converts a panic inside the codec into a
// DecodeError so a malformed frame can never take down its connection.
func SafeDecode(c Codec, raw []byte) (events []Event, err error) {
	defer func() {
		if r := recover(); r != nil {
			events = nil
			err = decodeErr(c.Name(), "decoder panic", raw, fmt.Errorf("%v", r))
		}
	}()
	return c.Decode(raw)
}

// IsUnrecognized reports whether err marks an undecodable frame.
func IsUnrecognized(err error) bool {
	return errors.Is(err, domain.ErrUnrecognized)
}

// ---------------------------------------------------------------------------
// Registry
// ---------------------------------------------------------------------------

var constructors = map[string]func(Options) Codec{
	"binance": func(o Options) Codec { return newBinance(o) },
	"mexc":    func(o Options) Codec { return newMexc(o) },
	"bybit":   func(o Options) Codec { return newBybit(o) },
	"bitget":  func(o Options) Codec { return newBitget(o) },
	"gate":    func(o Options) Codec { return newGate(o) },
	"pionex":  func(o Options) Codec { return newPionex(o) },
}

// New returns the codec registered under name (case-insensitive). Unknown
// names fail with domain.ErrUnknownExchange.
func New(name string, opts Options) (Codec, error) {
	ctor, ok := constructors[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("codec: %q: %w", name, domain.ErrUnknownExchange)
	}
	return ctor(opts), nil
}

// Names returns every registered exchange key in sorted order.
func Names() []string {
	names := make([]string, 0, len(constructors))
	for n := range constructors {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Known reports whether name has a registered codec.
func Known(name string) bool {
	_, ok := constructors[strings.ToLower(strings.TrimSpace(name))]
	return ok
}

// ---------------------------------------------------------------------------
// Shared helpers
// ---------------------------------------------------------------------------

// pairsToLevels converts [[price, qty, ...], ...] arrays into levels. Entries
// may be JSON strings or numbers; extra trailing fields are ignored.
func pairsToLevels(pairs [][]json.Number) ([]domain.PriceLevel, error) {
	levels := make([]domain.PriceLevel, 0, len(pairs))
	for i, p := range pairs {
		if len(p) < 2 {
			return nil, fmt.Errorf("level %d: want [price, qty], got %d fields", i, len(p))
		}
		lvl, err := parseLevel(p[0], p[1])
		if err != nil {
			return nil, fmt.Errorf("level %d: %w", i, err)
		}
		levels = append(levels, lvl)
	}
	return levels, nil
}

func parseLevel(price, qty json.Number) (domain.PriceLevel, error) {
	p, err := decimal.NewFromString(price.String())
	if err != nil {
		return domain.PriceLevel{}, fmt.Errorf("price %q: %w", price, err)
	}
	q, err := decimal.NewFromString(qty.String())
	if err != nil {
		return domain.PriceLevel{}, fmt.Errorf("qty %q: %w", qty, err)
	}
	if q.Sign() < 0 {
		return domain.PriceLevel{}, fmt.Errorf("negative qty %s", q)
	}
	return domain.PriceLevel{Price: p, Quantity: q}, nil
}

// bothSides builds a snapshot or delta event for each side.
func bothSides(kind Kind, bids, asks []domain.PriceLevel) []Event {
	return []Event{
		{Kind: kind, Side: domain.SideBid, Levels: bids},
		{Kind: kind, Side: domain.SideAsk, Levels: asks},
	}
}

var heartbeatEvent = []Event{{Kind: KindHeartbeat}}

// knownQuotes are the settlement assets recognised when splitting an
// instrument like "BTCUSDT" into base and quote.
var knownQuotes = []string{"USDT", "USDC", "BUSD", "USD"}

// splitInstrument splits "BTCUSDT" into ("BTC", "USDT"). Unknown quotes fall
// back to the last four characters.
func splitInstrument(instrument string) (base, quote string) {
	upper := strings.ToUpper(instrument)
	for _, q := range knownQuotes {
		if strings.HasSuffix(upper, q) && len(upper) > len(q) {
			return upper[:len(upper)-len(q)], q
		}
	}
	if len(upper) > 4 {
		return upper[:len(upper)-4], upper[len(upper)-4:]
	}
	return upper, ""
}

// underscored renders "BTCUSDT" as "BTC_USDT".
func underscored(instrument string) string {
	base, quote := splitInstrument(instrument)
	if quote == "" {
		return base
	}
	return base + "_" + quote
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
