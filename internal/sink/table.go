package sink

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"text/tabwriter"

	"github.com/alanyoungcy/coinpair/internal/domain"
)

// TableSink writes a plain text table with one row per instrument and one
// column per exchange, plus the divergence percentage. It suits piped or
// non-interactive output; Dashboard is the interactive display.
type TableSink struct {
	out       io.Writer
	exchanges []string

	mu   sync.Mutex
	rows quoteRows
}

// NewTableSink creates a TableSink with a fixed column order.
func NewTableSink(out io.Writer, exchanges []string) *TableSink {
	return &TableSink{
		out:       out,
		exchanges: append([]string(nil), exchanges...),
		rows:      make(quoteRows),
	}
}

// Publish implements aggregator.Sink.
func (t *TableSink) Publish(_ context.Context, q domain.AggregatedQuote) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.rows.upsert(q) {
		return nil
	}
	return t.renderLocked()
}

// Render writes the current table without waiting for a new quote.
func (t *TableSink) Render() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.renderLocked()
}

func (t *TableSink) renderLocked() error {
	var b strings.Builder
	tw := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(tableHeader(t.exchanges), "\t"))

	for _, inst := range t.rows.instruments() {
		q := t.rows[inst]
		cells := make([]string, 0, len(t.exchanges)+2)
		cells = append(cells, inst)
		for _, name := range t.exchanges {
			cells = append(cells, Cell(q, name))
		}
		cells = append(cells, Percent(q))
		fmt.Fprintln(tw, strings.Join(cells, "\t"))
	}
	if err := tw.Flush(); err != nil {
		return fmt.Errorf("table: flush: %w", err)
	}

	if _, err := io.WriteString(t.out, b.String()); err != nil {
		return fmt.Errorf("table: write: %w", err)
	}
	return nil
}

// Cell renders one exchange's best bid for display. Missing bids render as
// "-" and stale ones carry a trailing "*".
func Cell(q domain.AggregatedQuote, exchange string) string {
	bid, ok := q.PerExchangeTopBid[exchange]
	if !ok {
		return "-"
	}
	if q.IsStale(exchange) {
		return bid.String() + "*"
	}
	return bid.String()
}

// Percent renders the divergence column, rounded to three places.
func Percent(q domain.AggregatedQuote) string {
	return fmt.Sprintf("%.3f", q.SpreadPercent)
}

func tableHeader(exchanges []string) []string {
	header := make([]string, 0, len(exchanges)+2)
	header = append(header, "Pair")
	for _, name := range exchanges {
		header = append(header, columnTitle(name))
	}
	return append(header, "Difference (%)")
}

func columnTitle(exchange string) string {
	if exchange == "" {
		return exchange
	}
	return strings.ToUpper(exchange[:1]) + exchange[1:]
}
