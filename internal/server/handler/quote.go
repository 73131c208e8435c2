package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/coinpair/internal/domain"
)

// QuoteSource returns the latest aggregated quotes.
type QuoteSource interface {
	Quotes() []domain.AggregatedQuote
	Latest(instrument string) (domain.AggregatedQuote, error)
}

// QuoteHandler serves aggregated quotes.
type QuoteHandler struct {
	quotes QuoteSource
	logger *slog.Logger
}

// NewQuoteHandler creates a QuoteHandler.
func NewQuoteHandler(quotes QuoteSource, logger *slog.Logger) *QuoteHandler {
	return &QuoteHandler{quotes: quotes, logger: logHandler(logger, "quotes")}
}

// ListQuotes returns the latest quote of every instrument that has one.
// GET /api/quotes
func (h *QuoteHandler) ListQuotes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.quotes.Quotes())
}

// GetQuote returns the latest quote for one instrument.
// GET /api/quotes/{instrument}
func (h *QuoteHandler) GetQuote(w http.ResponseWriter, r *http.Request) {
	inst := normInstrument(r.PathValue("instrument"))
	q, err := h.quotes.Latest(inst)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no quote for "+inst)
			return
		}
		internalError(w, r, h.logger, "get quote", err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}
