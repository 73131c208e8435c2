package handler

import (
	"net/http"
	"time"

	"github.com/alanyoungcy/coinpair/internal/domain"
)

// FeedSource exposes the live feed connections.
type FeedSource interface {
	Instruments() []string
	Feeds() []domain.FeedInfo
}

// StatusHandler serves the per-instrument, per-exchange feed status.
type StatusHandler struct {
	mode      string
	feeds     FeedSource
	startedAt time.Time
}

// NewStatusHandler creates a StatusHandler.
func NewStatusHandler(mode string, feeds FeedSource, startedAt time.Time) *StatusHandler {
	return &StatusHandler{mode: mode, feeds: feeds, startedAt: startedAt}
}

// GetStatus responds with the mode, uptime and every feed grouped by
// instrument.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	byInstrument := make(map[string][]domain.FeedInfo)
	for _, inst := range h.feeds.Instruments() {
		byInstrument[inst] = []domain.FeedInfo{}
	}
	streaming := 0
	all := h.feeds.Feeds()
	for _, f := range all {
		byInstrument[f.Instrument] = append(byInstrument[f.Instrument], f)
		if f.Status == domain.FeedStreaming {
			streaming++
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"mode":            h.mode,
		"uptime_seconds":  int64(time.Since(h.startedAt).Seconds()),
		"feeds_total":     len(all),
		"feeds_streaming": streaming,
		"instruments":     byInstrument,
	})
}
