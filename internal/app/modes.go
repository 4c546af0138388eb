package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/yieldrouter/internal/server"
	"github.com/alanyoungcy/yieldrouter/internal/server/handler"
)

// FullMode runs every component in one process: the HTTP API, message
// delivery, the event sinks, snapshots and the simulation loops.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)

	a.startEventSinks(ctx, g, deps)
	a.startDelivery(ctx, g, deps)
	a.startSimulation(ctx, g, deps)
	a.startTVLRefresh(ctx, g, deps)

	var snapshotTriggerCh chan struct{}
	if deps.Archiver != nil && a.cfg.Snapshot.Enabled {
		snapshotTriggerCh = make(chan struct{}, 1)
		a.startSnapshots(ctx, g, deps, snapshotTriggerCh)
	}

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, snapshotTriggerCh)
	}

	return g.Wait()
}

// ServerMode serves the API and applies inbound messages, without the
// snapshot and simulation loops.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)

	a.startEventSinks(ctx, g, deps)
	a.startDelivery(ctx, g, deps)
	a.startHTTPServer(ctx, g, deps, nil)

	return g.Wait()
}

// RelayMode only applies inbound cross-domain messages and keeps the TVL of
// remote allocations fresh.
func (a *App) RelayMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting relay mode")

	g, ctx := errgroup.WithContext(ctx)

	a.startEventSinks(ctx, g, deps)
	a.startDelivery(ctx, g, deps)
	a.startTVLRefresh(ctx, g, deps)

	return g.Wait()
}

// SnapshotMode takes a single ledger snapshot and exits.
func (a *App) SnapshotMode(ctx context.Context, deps *Dependencies) error {
	if deps.Archiver == nil {
		return fmt.Errorf("snapshot mode: blob storage is not configured")
	}
	path, err := deps.Archiver.Take(ctx)
	if err != nil {
		return fmt.Errorf("snapshot mode: %w", err)
	}
	a.logger.InfoContext(ctx, "snapshot written", slog.String("path", path))
	return nil
}

// MigrateMode applies the embedded schema migrations and exits. It does not
// wire the rest of the application.
func (a *App) MigrateMode(ctx context.Context) error {
	pg, err := openPostgres(ctx, a.cfg)
	if err != nil {
		return fmt.Errorf("migrate mode: %w", err)
	}
	defer pg.Close()

	if err := pg.RunMigrations(ctx); err != nil {
		return fmt.Errorf("migrate mode: %w", err)
	}
	a.logger.InfoContext(ctx, "migrations applied")
	return nil
}

// startEventSinks drains the async event queues.
func (a *App) startEventSinks(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	for _, q := range deps.Async {
		g.Go(func() error {
			return q.Run(ctx)
		})
	}
}

// startDelivery applies inbound cross-domain messages: from the Redis stream
// relay, or by draining the in-process network on a short tick.
func (a *App) startDelivery(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if deps.Relay != nil {
		g.Go(func() error {
			return deps.Relay.Run(ctx)
		})
		return
	}
	if deps.Network == nil {
		return
	}

	g.Go(func() error {
		ticker := time.NewTicker(200 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if err := deps.Network.DeliverAll(ctx); err != nil && ctx.Err() == nil {
					a.logger.WarnContext(ctx, "message delivery failed", slog.String("error", err.Error()))
				}
			}
		}
	})
}

// startSimulation accrues yield on every simulated adapter.
func (a *App) startSimulation(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	interval := a.cfg.Simulation.AccrualInterval.Duration
	if len(deps.Simulated) == 0 || interval <= 0 {
		return
	}

	g.Go(func() error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				for _, src := range deps.Simulated {
					if src.bps <= 0 {
						continue
					}
					if y := src.adapter.AccrueBps(src.bps); y.IsPositive() {
						a.logger.DebugContext(ctx, "simulated yield accrued",
							slog.String("strategy", src.name),
							slog.String("amount", y.String()),
						)
					}
				}
			}
		}
	})
}

// startTVLRefresh periodically publishes the value of remote allocations.
func (a *App) startTVLRefresh(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	interval := a.cfg.CrossChain.TVLInterval.Duration
	if interval <= 0 {
		return
	}

	g.Go(func() error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if err := deps.Coordinator.Flush(ctx); err != nil && ctx.Err() == nil {
					a.logger.ErrorContext(ctx, "unsaved transfers remain", slog.String("error", err.Error()))
				}
				if err := deps.Coordinator.RefreshTVL(ctx, deps.Allocation.Allocations()); err != nil && ctx.Err() == nil {
					a.logger.WarnContext(ctx, "tvl refresh failed", slog.String("error", err.Error()))
				}
			}
		}
	})
}

// startSnapshots runs the snapshot schedule plus on-demand snapshots
// requested through the API.
func (a *App) startSnapshots(ctx context.Context, g *errgroup.Group, deps *Dependencies, triggerCh <-chan struct{}) {
	g.Go(func() error {
		err := deps.Archiver.RunCron(ctx, a.cfg.Snapshot.Cron)
		if ctx.Err() != nil {
			return nil
		}
		return err
	})

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-triggerCh:
				if _, err := deps.Archiver.Take(ctx); err != nil {
					a.logger.ErrorContext(ctx, "triggered snapshot failed", slog.String("error", err.Error()))
				}
			}
		}
	})
}

// startHTTPServer adds the API server and the websocket hub to g. The server
// is shut down gracefully when ctx is cancelled. snapshotTriggerCh is
// optional; when set, POST /api/snapshots requests one snapshot on it.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, snapshotTriggerCh chan<- struct{}) {
	srv := a.buildServer(deps, snapshotTriggerCh)

	g.Go(func() error {
		return deps.Hub.Run(ctx)
	})
	g.Go(func() error {
		a.logger.InfoContext(ctx, "HTTP server listening",
			slog.Int("port", a.cfg.Server.Port),
			slog.String("url", fmt.Sprintf("http://localhost:%d", a.cfg.Server.Port)),
		)
		return srv.Run(ctx)
	})
}

func (a *App) buildServer(deps *Dependencies, snapshotTriggerCh chan<- struct{}) *server.Server {
	health := handler.NewHealthHandler(a.logger)
	for name, check := range deps.Checks {
		health = health.WithCheck(name, check)
	}

	handlers := server.Handlers{
		Health:     health,
		Status:     handler.NewStatusHandler(a.cfg.Mode, a.cfg.Domain.ID, time.Now().UTC()),
		Vault:      handler.NewVaultHandler(deps.Vault, a.logger),
		Strategy:   handler.NewStrategyHandler(deps.Allocation, a.logger),
		Allocation: handler.NewAllocationHandler(deps.Allocation, a.logger),
		CrossChain: handler.NewCrossChainHandler(deps.Coordinator, deps.TransferStore, a.logger),
		Audit:      handler.NewAuditHandler(deps.AuditStore, a.logger),
		Metrics:    promhttp.HandlerFor(deps.Metrics, promhttp.HandlerOpts{}),
	}
	if deps.Archiver != nil {
		sh := handler.NewSnapshotHandler(deps.Archiver, a.logger)
		if snapshotTriggerCh != nil {
			sh = sh.WithTriggerChannel(snapshotTriggerCh)
		}
		handlers.Snapshot = sh
	}

	return server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, handlers, deps.Hub, deps.RateLimiter, a.logger)
}
