// Package app provides the top-level application lifecycle for coinpair. It
// resolves the instrument list, wires the infrastructure the configured mode
// needs, and runs the feed fleet with its sinks until the context ends.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/alanyoungcy/coinpair/internal/config"
	"github.com/alanyoungcy/coinpair/internal/discovery"
)

// App is the root application object. It owns the configuration, logger, and a
// list of cleanup functions that are called in reverse order on shutdown.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	out     io.Writer
	closers []func()
}

// New creates a new App from the given configuration and logger.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
		out:    os.Stdout,
	}
}

// Run is the main entry point. It resolves instruments, wires dependencies,
// starts the selected mode and blocks until the context is cancelled.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting application",
		slog.String("mode", a.cfg.Mode),
		slog.String("log_level", a.cfg.LogLevel),
		slog.Any("exchanges", a.cfg.NormalizedExchanges()),
	)

	instruments, err := a.resolveInstruments(ctx)
	if err != nil {
		return fmt.Errorf("app: resolve instruments: %w", err)
	}

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	switch strings.ToLower(a.cfg.Mode) {
	case "monitor":
		return a.MonitorMode(ctx, deps, instruments)
	case "full":
		return a.FullMode(ctx, deps, instruments)
	default:
		return fmt.Errorf("app: unsupported mode %q", a.cfg.Mode)
	}
}

// resolveInstruments returns the configured symbols, or discovers USDT
// perpetuals above the volume threshold when no symbols are given.
func (a *App) resolveInstruments(ctx context.Context) ([]string, error) {
	if symbols := a.cfg.NormalizedSymbols(); len(symbols) > 0 {
		a.logger.InfoContext(ctx, "using configured instruments", slog.Int("count", len(symbols)))
		return symbols, nil
	}
	if !a.cfg.Instruments.Discover {
		return nil, fmt.Errorf("no symbols configured and discovery disabled")
	}

	ic := a.cfg.Instruments
	client := discovery.NewBinanceClient(ic.BinanceRestURL, ic.RequestTimeout.Duration, a.logger)
	symbols, err := client.Discover(ctx, ic.MinQuoteVolume, ic.Limit)
	if err != nil {
		return nil, err
	}
	if len(symbols) == 0 {
		return nil, fmt.Errorf("discovery found no pairs above quote volume %.0f", ic.MinQuoteVolume)
	}
	a.logger.InfoContext(ctx, "discovered instruments",
		slog.Int("count", len(symbols)),
		slog.Float64("min_quote_volume", ic.MinQuoteVolume),
	)
	return symbols, nil
}

// Close tears down all resources in reverse registration order. It is safe to
// call multiple times; subsequent calls are no-ops.
func (a *App) Close() {
	a.logger.Info("shutting down application")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
