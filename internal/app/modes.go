package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/polybook/internal/domain"
	"github.com/alanyoungcy/polybook/internal/server"
	"github.com/alanyoungcy/polybook/internal/server/handler"
	"github.com/alanyoungcy/polybook/internal/server/ws"
)

const shutdownTimeout = 5 * time.Second

// MonitorMode tracks the configured market and logs its stats periodically.
// No HTTP surface is started.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode", slog.String("market", a.cfg.Feed.MarketID))

	g, ctx := errgroup.WithContext(ctx)
	a.startBackground(ctx, g, deps)

	g.Go(func() error {
		if err := deps.Coordinator.Start(ctx, a.cfg.Feed.MarketID); err != nil {
			return fmt.Errorf("monitor mode: %w", err)
		}

		ticker := time.NewTicker(a.cfg.Monitor.StatsInterval.Duration)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				deps.Coordinator.Stop()
				return nil
			case <-ticker.C:
				a.logStats(ctx, deps)
			}
		}
	})

	return g.Wait()
}

// ServerMode serves the REST API and websocket push, and starts the
// configured market if any.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)

	hub := ws.NewHub(a.logger, ws.Config{
		Mode:      a.cfg.Mode,
		StartedAt: time.Now().UTC(),
		Welcome:   func() any { return deps.Coordinator.State() },
	})
	deps.Publisher.SetBroadcaster(hub, deps.Views)

	g.Go(func() error {
		return hub.Run(ctx)
	})
	if deps.Relay != nil && len(a.cfg.Server.RelayChannels) > 0 {
		g.Go(func() error {
			hub.Relay(ctx, deps.Relay, a.cfg.Server.RelayChannels...)
			return nil
		})
	}

	a.startBackground(ctx, g, deps)
	a.startHTTPServer(ctx, g, deps, hub)

	if market := a.cfg.Feed.MarketID; market != "" {
		g.Go(func() error {
			// A failed initial subscription is not fatal; the market can be
			// restarted over the API.
			if err := deps.Coordinator.Start(ctx, market); err != nil && ctx.Err() == nil && !errors.Is(err, domain.ErrStale) {
				a.logger.ErrorContext(ctx, "initial market start failed",
					slog.String("market", market),
					slog.String("error", err.Error()),
				)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		deps.Coordinator.Stop()
		return nil
	})

	return g.Wait()
}

// startBackground runs the publisher plus the event journal writer and the
// alert notifier when they are wired.
func (a *App) startBackground(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	g.Go(func() error {
		return deps.Publisher.Run(ctx)
	})
	if deps.Journal != nil {
		g.Go(func() error {
			return deps.Journal.Run(ctx)
		})
	}
	if deps.Notifier != nil {
		g.Go(func() error {
			return deps.Notifier.Run(ctx)
		})
	}
}

// startHTTPServer adds the API server to g and shuts it down gracefully when
// ctx is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, hub *ws.Hub) {
	var events handler.EventLister
	if deps.Journal != nil {
		events = deps.Journal
	}

	srv := server.NewServer(
		server.Config{
			Port:        a.cfg.Server.Port,
			CORSOrigins: a.cfg.Server.CORSOrigins,
			APIKey:      a.cfg.Server.APIKey,
			RateLimit:   a.cfg.Server.RateLimit,
			RateWindow:  a.cfg.Server.RateWindow.Duration,
		},
		server.Handlers{
			Health:  handler.NewHealthHandler(deps.Pingers, a.logger),
			Feed:    handler.NewFeedHandler(deps.Coordinator, a.cfg.Mode, a.logger),
			Book:    handler.NewBookHandler(deps.Views, a.logger),
			Events:  handler.NewEventsHandler(events, a.logger),
			Metrics: deps.Metrics.Handler(),
		},
		hub,
		deps.RateLimiter,
		a.logger,
	)

	g.Go(func() error {
		return srv.Start()
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

func (a *App) logStats(ctx context.Context, deps *Dependencies) {
	st := deps.Coordinator.State()
	attrs := []any{
		slog.String("market", st.MarketID),
		slog.String("status", string(st.Status)),
		slog.Int64("last_update_id", st.LastUpdateID),
		slog.Int("history", deps.Window.Len()),
	}
	if deps.Journal != nil {
		attrs = append(attrs, slog.Int64("journal_dropped", deps.Journal.Dropped()))
	}

	stats, err := deps.Views.Stats()
	switch {
	case errors.Is(err, domain.ErrNoBook):
		a.logger.WarnContext(ctx, "no order book loaded", attrs...)
		return
	case err != nil:
		a.logger.ErrorContext(ctx, "stats failed", append(attrs, slog.String("error", err.Error()))...)
		return
	case stats == nil:
		a.logger.InfoContext(ctx, "book one-sided", attrs...)
		return
	}
	attrs = append(attrs,
		slog.String("best_bid", stats.BestBid.String()),
		slog.String("best_ask", stats.BestAsk.String()),
		slog.String("mid", stats.MidPrice.String()),
		slog.String("spread", stats.Spread.String()),
		slog.Int("bid_levels", stats.BidLevels),
		slog.Int("ask_levels", stats.AskLevels),
	)
	if im, err := deps.Views.Imbalance(domain.Zero); err == nil && im != nil {
		attrs = append(attrs, slog.String("skew", im.Skew.String()))
	}
	a.logger.InfoContext(ctx, "book stats", attrs...)
}
