// worldcore is the realtime synchronization server: it admits sessions over
// WebSocket, runs the per-sync-group tick loops, and fans state changes out
// to the sessions allowed to see them.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/worldmesh/worldcore/internal/auth"
	"github.com/worldmesh/worldcore/internal/config"
	"github.com/worldmesh/worldcore/internal/events"
	"github.com/worldmesh/worldcore/internal/fanout"
	"github.com/worldmesh/worldcore/internal/keyframe"
	"github.com/worldmesh/worldcore/internal/metrics"
	"github.com/worldmesh/worldcore/internal/query"
	"github.com/worldmesh/worldcore/internal/server"
	"github.com/worldmesh/worldcore/internal/session"
	"github.com/worldmesh/worldcore/internal/store"
	"github.com/worldmesh/worldcore/internal/tick"
	"github.com/worldmesh/worldcore/internal/world"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	// .env is optional; deployments usually inject real env vars.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load config", "path", *configPath, "error", err)
		os.Exit(1)
	}

	gateway, err := store.Open(cfg.Store.DSN, cfg.Store.MaxOpenConns, cfg.Store.MaxIdleConns)
	if err != nil {
		slog.Error("open store", "error", err)
		os.Exit(1)
	}
	defer gateway.Close()

	groups := make([]world.SyncGroup, 0, len(cfg.SyncGroups))
	for name, sg := range cfg.SyncGroups {
		groups = append(groups, world.SyncGroup{
			Name:             name,
			TickRate:         sg.TickRate(),
			MaxBufferedTicks: sg.MaxBufferedTicks,
		})
	}

	m := metrics.New(prometheus.DefaultRegisterer)
	registry := session.NewRegistry()
	router := fanout.NewRouter(registry, m)
	gate := auth.NewGate(gateway)
	executor := query.NewExecutor(gateway, m, cfg.Session.QueryTimeout(), cfg.Session.MaxQueryResultBytes)
	keyframes := keyframe.NewBuilder(gateway, m)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Tick notices flow through the bus: the Postgres listener publishes,
	// follower fan-out and the optional Redis mirror consume.
	bus := events.NewTickBus()
	defer bus.Close()

	if cfg.Redis.Enabled {
		mirror, err := events.NewRedisMirror(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, bus)
		if err != nil {
			slog.Error("connect redis mirror", "error", err)
			os.Exit(1)
		}
		bus.SetMirror(mirror)
	}

	listener, err := store.ListenTicks(gateway.DSN(), func(notice store.TickNotice) {
		bus.Publish(ctx, notice)
	})
	if err != nil {
		slog.Error("listen tick channel", "error", err)
		os.Exit(1)
	}
	defer listener.Close()

	var scheduler *tick.Scheduler
	if cfg.Scheduler.Enabled {
		scheduler = tick.NewScheduler(gateway, router, m, groups)
		scheduler.Start(ctx)
		defer scheduler.Stop()
		slog.Info("running as tick leader", "sync_groups", len(groups))
	} else {
		follower := tick.NewFollower(gateway, router, m, groups)
		follower.Start(ctx, bus)
		defer follower.Stop()
		slog.Info("running as tick follower", "sync_groups", len(groups))
	}

	srv := server.New(cfg, gate, registry, executor, keyframes, m, scheduler)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}
}
