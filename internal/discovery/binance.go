// Package discovery builds the instrument list from the Binance USDT-M
// futures REST API.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/alanyoungcy/coinpair/internal/domain"
	"github.com/shopspring/decimal"
)

// DefaultBaseURL is the Binance USDT-M futures REST root.
const DefaultBaseURL = "https://fapi.binance.com"

// BinanceClient queries exchange metadata and 24h volumes.
type BinanceClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewBinanceClient creates a client. timeout <= 0 uses 30s.
func NewBinanceClient(baseURL string, timeout time.Duration, logger *slog.Logger) *BinanceClient {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &BinanceClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.With(slog.String("component", "discovery")),
	}
}

type exchangeInfo struct {
	Symbols []symbolInfo `json:"symbols"`
}

type symbolInfo struct {
	Symbol       string `json:"symbol"`
	QuoteAsset   string `json:"quoteAsset"`
	Status       string `json:"status"`
	ContractType string `json:"contractType"`
}

type ticker24h struct {
	Symbol      string `json:"symbol"`
	QuoteVolume string `json:"quoteVolume"`
}

// USDTPerpetuals returns every USDT-quoted perpetual that is trading, in the
// order the exchange lists them. Symbols without status or contract type are
// kept.
func (c *BinanceClient) USDTPerpetuals(ctx context.Context) ([]string, error) {
	body, err := c.doGet(ctx, "/fapi/v1/exchangeInfo")
	if err != nil {
		return nil, fmt.Errorf("discovery: exchange info: %w", err)
	}
	var info exchangeInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("discovery: decode exchange info: %w", err)
	}

	out := make([]string, 0, len(info.Symbols))
	for _, s := range info.Symbols {
		if s.QuoteAsset != "USDT" {
			continue
		}
		if s.Status != "" && s.Status != "TRADING" {
			continue
		}
		if s.ContractType != "" && s.ContractType != "PERPETUAL" {
			continue
		}
		out = append(out, s.Symbol)
	}
	return out, nil
}

// FilterByVolume keeps the symbols of pairs whose 24h quote volume is
// strictly greater than minVolume. The result follows the ticker order.
func (c *BinanceClient) FilterByVolume(ctx context.Context, pairs []string, minVolume float64) ([]string, error) {
	body, err := c.doGet(ctx, "/fapi/v1/ticker/24hr")
	if err != nil {
		return nil, fmt.Errorf("discovery: 24h ticker: %w", err)
	}
	var tickers []ticker24h
	if err := json.Unmarshal(body, &tickers); err != nil {
		return nil, fmt.Errorf("discovery: decode 24h ticker: %w", err)
	}

	wanted := make(map[string]struct{}, len(pairs))
	for _, p := range pairs {
		wanted[p] = struct{}{}
	}
	threshold := decimal.NewFromFloat(minVolume)

	out := make([]string, 0, len(pairs))
	for _, t := range tickers {
		if _, ok := wanted[t.Symbol]; !ok {
			continue
		}
		vol, err := decimal.NewFromString(t.QuoteVolume)
		if err != nil {
			c.logger.Debug("skipping ticker with bad volume",
				slog.String("symbol", t.Symbol),
				slog.String("quote_volume", t.QuoteVolume),
			)
			continue
		}
		if vol.GreaterThan(threshold) {
			out = append(out, t.Symbol)
		}
	}
	return out, nil
}

// Discover returns liquid USDT perpetuals: the volume filter applied to
// USDTPerpetuals, truncated to limit when limit > 0.
func (c *BinanceClient) Discover(ctx context.Context, minVolume float64, limit int) ([]string, error) {
	pairs, err := c.USDTPerpetuals(ctx)
	if err != nil {
		return nil, err
	}
	liquid, err := c.FilterByVolume(ctx, pairs, minVolume)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(liquid) > limit {
		liquid = liquid[:limit]
	}
	c.logger.Info("instruments discovered",
		slog.Int("usdt_pairs", len(pairs)),
		slog.Int("liquid", len(liquid)),
		slog.Float64("min_volume", minVolume),
	)
	return liquid, nil
}

func (c *BinanceClient) doGet(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if err := checkHTTPStatus(resp.StatusCode, body); err != nil {
		return nil, err
	}
	return body, nil
}

func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	bodyStr := string(body)
	switch statusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, bodyStr)
	case http.StatusTooManyRequests, http.StatusTeapot:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, bodyStr)
	default:
		return fmt.Errorf("HTTP %d: %s", statusCode, bodyStr)
	}
}
