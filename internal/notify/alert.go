package notify

import (
	"fmt"
	"time"

	"github.com/alanyoungcy/coinpair/internal/domain"
)

// Event types understood by the notifier filter.
const (
	EventDivergence = "divergence"
	EventError      = "error"
)

// Alert is one operator notification. Senders render it in their own markup.
type Alert struct {
	Event  string
	Title  string
	Body   string
	Fields []Field
	At     time.Time
}

// Field is a labelled value shown under the alert body.
type Field struct {
	Name  string
	Value string
}

// DivergenceAlert describes a recorded divergence.
func DivergenceAlert(ev domain.DivergenceEvent) Alert {
	return Alert{
		Event: EventDivergence,
		Title: fmt.Sprintf("Divergence %s %.3f%%", ev.Instrument, ev.SpreadPercent),
		Body: fmt.Sprintf("%s bids %s above %s",
			ev.HighExchange, ev.HighBid.Sub(ev.LowBid).String(), ev.LowExchange),
		Fields: []Field{
			{Name: "High", Value: ev.HighExchange + " " + ev.HighBid.String()},
			{Name: "Low", Value: ev.LowExchange + " " + ev.LowBid.String()},
			{Name: "Spread", Value: fmt.Sprintf("%.3f%%", ev.SpreadPercent)},
		},
		At: ev.DetectedAt,
	}
}

// FailureAlert reports that a run mode stopped on err.
func FailureAlert(mode string, err error, at time.Time) Alert {
	return Alert{
		Event:  EventError,
		Title:  "coinpair " + mode + " stopped",
		Body:   err.Error(),
		Fields: []Field{{Name: "Mode", Value: mode}},
		At:     at.UTC(),
	}
}
