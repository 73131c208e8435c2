package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/coinpair/internal/aggregator"
	"github.com/alanyoungcy/coinpair/internal/divergence"
	"github.com/alanyoungcy/coinpair/internal/notify"
	"github.com/alanyoungcy/coinpair/internal/pipeline"
	"github.com/alanyoungcy/coinpair/internal/server"
	"github.com/alanyoungcy/coinpair/internal/server/handler"
	"github.com/alanyoungcy/coinpair/internal/server/ws"
	"github.com/alanyoungcy/coinpair/internal/sink"
	"github.com/alanyoungcy/coinpair/internal/supervisor"
)

// MonitorMode runs the feeds with local display sinks only. No external
// infrastructure is touched; the HTTP API is served when enabled.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies, instruments []string) error {
	a.logger.InfoContext(ctx, "starting monitor mode", slog.Int("instruments", len(instruments)))

	ctx, quit := context.WithCancel(ctx)
	defer quit()

	display, runDisplay, err := a.display(quit)
	if err != nil {
		return fmt.Errorf("monitor mode: %w", err)
	}
	fleet, err := supervisor.NewFleet(a.supervisorConfig(), instruments, display, a.logger)
	if err != nil {
		return fmt.Errorf("monitor mode: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return fleet.Run(ctx)
	})
	if runDisplay != nil {
		g.Go(func() error {
			return runDisplay(ctx)
		})
	}
	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, fleet, deps, nil)
	}
	return g.Wait()
}

// FullMode adds the Redis quote cache and pub/sub, divergence alerts, the
// websocket hub and the archive job on top of monitor mode.
func (a *App) FullMode(ctx context.Context, deps *Dependencies, instruments []string) error {
	a.logger.InfoContext(ctx, "starting full mode", slog.Int("instruments", len(instruments)))

	ctx, quit := context.WithCancel(ctx)
	defer quit()

	display, runDisplay, err := a.display(quit)
	if err != nil {
		return fmt.Errorf("full mode: %w", err)
	}
	sinks := sink.Multi{
		display,
		sink.NewRedisSink(deps.QuoteCache, deps.SignalBus),
	}
	if a.cfg.Divergence.Enabled {
		sinks = append(sinks, divergence.NewDetector(divergence.Config{
			ThresholdPercent: a.cfg.Divergence.ThresholdPercent,
			Cooldown:         a.cfg.Divergence.Cooldown.Duration,
		}, deps.RateLimiter, deps.DivergenceStore, deps.Notifier, a.logger))
	}

	fleet, err := supervisor.NewFleet(a.supervisorConfig(), instruments, sinks, a.logger)
	if err != nil {
		return fmt.Errorf("full mode: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := fleet.Run(ctx)
		if err != nil && deps.Notifier != nil {
			_ = deps.Notifier.Notify(context.WithoutCancel(ctx), notify.FailureAlert("full mode", err, time.Now()))
		}
		return err
	})
	if runDisplay != nil {
		g.Go(func() error {
			return runDisplay(ctx)
		})
	}

	if a.cfg.Pipeline.Enabled && deps.Archiver != nil {
		archiver := pipeline.NewArchiver(deps.Archiver, deps.LockManager, a.cfg.Pipeline.ArchiveRetentionDays, a.logger)
		g.Go(func() error {
			err := archiver.RunCron(ctx, a.cfg.Pipeline.ArchiveCron)
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("archiver: %w", err)
		})
	}

	if a.cfg.Server.Enabled {
		hub := ws.NewHub(deps.SignalBus, a.logger, ws.Config{
			Mode:      a.cfg.Mode,
			StartedAt: time.Now().UTC(),
		})
		g.Go(func() error {
			return hub.Run(ctx)
		})
		a.startHTTPServer(ctx, g, fleet, deps, hub)
	}

	return g.Wait()
}

// supervisorConfig maps the feed and aggregator settings onto the per
// instrument supervisor template.
func (a *App) supervisorConfig() supervisor.Config {
	exchanges := a.cfg.NormalizedExchanges()
	ecs := make([]supervisor.ExchangeConfig, 0, len(exchanges))
	for _, name := range exchanges {
		ecs = append(ecs, supervisor.ExchangeConfig{
			Name: name,
			URL:  a.cfg.Feeds.Endpoints[name],
		})
	}
	return supervisor.Config{
		Exchanges:         ecs,
		Depth:             a.cfg.Feeds.Depth,
		ReconnectDelay:    a.cfg.Feeds.ReconnectDelay.Duration,
		HeartbeatInterval: a.cfg.Feeds.HeartbeatInterval.Duration,
		PublishInterval:   a.cfg.Aggregator.PublishInterval.Duration,
		StaleAfter:        a.cfg.Aggregator.StaleAfter.Duration,
	}
}

// display builds the local display selected by aggregator.display; the sink
// is nil for "none". run is set when the display owns a goroutine, and quit
// is what the dashboard calls when the user closes it.
func (a *App) display(quit func()) (aggregator.Sink, func(context.Context) error, error) {
	exchanges := a.cfg.NormalizedExchanges()
	switch strings.ToLower(a.cfg.Aggregator.Display) {
	case "terminal":
		d, err := sink.NewDashboard(exchanges, quit)
		if err != nil {
			return nil, nil, fmt.Errorf("display: %w", err)
		}
		return d, d.Run, nil
	case "table":
		return sink.NewTableSink(a.out, exchanges), nil, nil
	case "none":
		return nil, nil, nil
	default:
		return sink.NewLogSink(a.logger), nil, nil
	}
}

// startHTTPServer adds the API server and its graceful shutdown to g. hub is
// nil in monitor mode.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, fleet *supervisor.Fleet, deps *Dependencies, hub *ws.Hub) {
	handlers := server.Handlers{
		Health: handler.NewHealthHandler(a.logger, deps.HealthChecks...),
		Status: handler.NewStatusHandler(a.cfg.Mode, fleet, time.Now()),
		Quotes: handler.NewQuoteHandler(fleet, a.logger),
	}
	if deps.DivergenceStore != nil {
		handlers.Divergences = handler.NewDivergenceHandler(deps.DivergenceStore, a.logger)
	}

	srvCfg := server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
	}
	if deps.RateLimiter != nil && a.cfg.Server.RateLimitPerMinute > 0 {
		srvCfg.RateLimiter = deps.RateLimiter
		srvCfg.RateLimit = a.cfg.Server.RateLimitPerMinute
		srvCfg.RateWindow = time.Minute
	}
	srv := server.NewServer(srvCfg, handlers, hub, a.logger)

	g.Go(func() error {
		a.logger.InfoContext(ctx, "HTTP server listening",
			slog.String("url", fmt.Sprintf("http://localhost:%d", a.cfg.Server.Port)))
		return srv.Start()
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
