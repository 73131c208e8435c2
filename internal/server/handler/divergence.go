package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/coinpair/internal/domain"
)

// DivergenceLister reads recorded divergence alerts.
type DivergenceLister interface {
	ListRecent(ctx context.Context, instrument string, limit int) ([]domain.DivergenceEvent, error)
}

// DivergenceHandler serves recorded divergence alerts.
type DivergenceHandler struct {
	store  DivergenceLister
	logger *slog.Logger
}

// NewDivergenceHandler creates a DivergenceHandler.
func NewDivergenceHandler(store DivergenceLister, logger *slog.Logger) *DivergenceHandler {
	return &DivergenceHandler{store: store, logger: logHandler(logger, "divergences")}
}

// ListRecent returns the newest alerts, optionally for one instrument.
// GET /api/divergences?instrument=BTCUSDT&limit=50
func (h *DivergenceHandler) ListRecent(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	events, err := h.store.ListRecent(r.Context(), normInstrument(r.URL.Query().Get("instrument")), limit)
	if err != nil {
		internalError(w, r, h.logger, "list divergences", err)
		return
	}
	if events == nil {
		events = []domain.DivergenceEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}
