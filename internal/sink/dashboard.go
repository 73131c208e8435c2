package sink

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mum4k/termdash"
	"github.com/mum4k/termdash/cell"
	"github.com/mum4k/termdash/container"
	"github.com/mum4k/termdash/container/grid"
	"github.com/mum4k/termdash/keyboard"
	"github.com/mum4k/termdash/linestyle"
	"github.com/mum4k/termdash/terminal/tcell"
	"github.com/mum4k/termdash/terminal/terminalapi"
	"github.com/mum4k/termdash/widgets/barchart"
	"github.com/mum4k/termdash/widgets/text"

	"github.com/alanyoungcy/coinpair/internal/domain"
)

const (
	redrawInterval = 250 * time.Millisecond

	// chartBars is how many of the widest divergences the bar chart shows.
	chartBars = 10
)

var chartColors = []cell.Color{
	cell.ColorGreen,
	cell.ColorBlue,
	cell.ColorCyan,
	cell.ColorMagenta,
	cell.ColorYellow,
}

// Dashboard is the interactive terminal display. The upper pane is the quote
// table (Pair, one column per exchange, Difference (%)) with the highest bid
// in green, the lowest in red and stale bids in yellow. The lower pane charts
// the widest divergences in basis points.
type Dashboard struct {
	exchanges []string
	quotes    *text.Text
	chart     *barchart.BarChart
	onQuit    func()

	mu   sync.Mutex
	rows quoteRows
}

// NewDashboard builds the widgets. onQuit, if set, runs when the user presses
// q, Esc or Ctrl+C; the terminal is in raw mode so SIGINT never arrives.
func NewDashboard(exchanges []string, onQuit func()) (*Dashboard, error) {
	quotes, err := text.New()
	if err != nil {
		return nil, fmt.Errorf("dashboard: quote table: %w", err)
	}
	chart, err := barchart.New(
		barchart.ShowValues(),
		barchart.ValueColors([]cell.Color{cell.ColorBlack}),
	)
	if err != nil {
		return nil, fmt.Errorf("dashboard: bar chart: %w", err)
	}
	return &Dashboard{
		exchanges: append([]string(nil), exchanges...),
		quotes:    quotes,
		chart:     chart,
		onQuit:    onQuit,
		rows:      make(quoteRows),
	}, nil
}

// Publish implements aggregator.Sink.
func (d *Dashboard) Publish(_ context.Context, q domain.AggregatedQuote) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.rows.upsert(q) {
		return nil
	}
	if err := d.writeTableLocked(); err != nil {
		return err
	}
	return d.updateChartLocked()
}

// Layout returns the container options placing the quote table above the
// divergence chart.
func (d *Dashboard) Layout() ([]container.Option, error) {
	builder := grid.New()
	builder.Add(
		grid.RowHeightPerc(65,
			grid.Widget(d.quotes,
				container.Border(linestyle.Light),
				container.BorderTitle(" Best bids "),
			),
		),
		grid.RowHeightPerc(35,
			grid.Widget(d.chart,
				container.Border(linestyle.Light),
				container.BorderTitle(" Widest divergences (bps) "),
			),
		),
	)
	opts, err := builder.Build()
	if err != nil {
		return nil, fmt.Errorf("dashboard: layout: %w", err)
	}
	return opts, nil
}

// Options are the termdash options the dashboard runs with.
func (d *Dashboard) Options() []termdash.Option {
	return []termdash.Option{
		termdash.RedrawInterval(redrawInterval),
		termdash.KeyboardSubscriber(d.onKey),
	}
}

// Run takes over the terminal until ctx is done.
func (d *Dashboard) Run(ctx context.Context) error {
	t, err := tcell.New(tcell.ColorMode(terminalapi.ColorMode256))
	if err != nil {
		return fmt.Errorf("dashboard: init terminal: %w", err)
	}
	defer t.Close()

	opts, err := d.Layout()
	if err != nil {
		return err
	}
	c, err := container.New(t, opts...)
	if err != nil {
		return fmt.Errorf("dashboard: root container: %w", err)
	}
	return termdash.Run(ctx, t, c, d.Options()...)
}

func (d *Dashboard) onKey(k *terminalapi.Keyboard) {
	switch k.Key {
	case 'q', 'Q', keyboard.KeyEsc, keyboard.KeyCtrlC:
		if d.onQuit != nil {
			d.onQuit()
		}
	}
}

func (d *Dashboard) writeTableLocked() error {
	header := tableHeader(d.exchanges)
	instruments := d.rows.instruments()

	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = len(h)
	}
	for _, inst := range instruments {
		q := d.rows[inst]
		widths[0] = max(widths[0], len(inst))
		for i, name := range d.exchanges {
			widths[i+1] = max(widths[i+1], len(Cell(q, name)))
		}
	}

	d.quotes.Reset()
	for i, h := range header {
		if err := d.write(pad(h, widths[i], i == len(header)-1), cell.Bold()); err != nil {
			return err
		}
	}

	for _, inst := range instruments {
		q := d.rows[inst]
		if err := d.write(pad(inst, widths[0], false)); err != nil {
			return err
		}
		hi, lo := bidRange(q)
		for i, name := range d.exchanges {
			s := pad(Cell(q, name), widths[i+1], false)
			if err := d.write(s, bidColor(q, name, hi, lo)...); err != nil {
				return err
			}
		}
		if err := d.write(pad(Percent(q), widths[len(widths)-1], true)); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dashboard) write(s string, opts ...cell.Option) error {
	var err error
	if len(opts) == 0 {
		err = d.quotes.Write(s)
	} else {
		err = d.quotes.Write(s, text.WriteCellOpts(opts...))
	}
	if err != nil {
		return fmt.Errorf("dashboard: write table: %w", err)
	}
	return nil
}

func (d *Dashboard) updateChartLocked() error {
	quotes := make([]domain.AggregatedQuote, 0, len(d.rows))
	for _, q := range d.rows {
		quotes = append(quotes, q)
	}
	sort.Slice(quotes, func(i, j int) bool {
		if quotes[i].SpreadPercent != quotes[j].SpreadPercent {
			return quotes[i].SpreadPercent > quotes[j].SpreadPercent
		}
		return quotes[i].Instrument < quotes[j].Instrument
	})
	if len(quotes) > chartBars {
		quotes = quotes[:chartBars]
	}

	values := make([]int, len(quotes))
	labels := make([]string, len(quotes))
	colors := make([]cell.Color, len(quotes))
	top := 1
	for i, q := range quotes {
		values[i] = int(math.Round(q.SpreadPercent * 100))
		top = max(top, values[i])
		labels[i] = strings.TrimSuffix(q.Instrument, "USDT")
		colors[i] = chartColors[i%len(chartColors)]
	}
	if err := d.chart.Values(values, top, barchart.Labels(labels), barchart.BarColors(colors)); err != nil {
		return fmt.Errorf("dashboard: chart values: %w", err)
	}
	return nil
}

// bidRange returns the highest and lowest best bid of q.
func bidRange(q domain.AggregatedQuote) (hi, lo string) {
	first := true
	for _, name := range sortedKeys(q.PerExchangeTopBid) {
		bid := q.PerExchangeTopBid[name]
		if first || bid.GreaterThan(q.PerExchangeTopBid[hi]) {
			hi = name
		}
		if first || bid.LessThan(q.PerExchangeTopBid[lo]) {
			lo = name
		}
		first = false
	}
	return hi, lo
}

func bidColor(q domain.AggregatedQuote, name, hi, lo string) []cell.Option {
	if _, ok := q.PerExchangeTopBid[name]; !ok {
		return nil
	}
	switch {
	case q.IsStale(name):
		return []cell.Option{cell.FgColor(cell.ColorYellow)}
	case hi == lo:
		return nil
	case name == hi:
		return []cell.Option{cell.FgColor(cell.ColorGreen)}
	case name == lo:
		return []cell.Option{cell.FgColor(cell.ColorRed)}
	}
	return nil
}

// pad left-aligns s in a column of width w followed by two spaces, or a
// newline for the last column.
func pad(s string, w int, last bool) string {
	if last {
		return s + "\n"
	}
	return s + strings.Repeat(" ", w-len(s)+2)
}
