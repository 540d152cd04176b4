// Package server wires the sync runtime together: the WebSocket upgrade
// endpoint, each connection's read loop, the heartbeat reaper, and the
// operational HTTP surface. Subsystem lifecycles are driven explicitly from
// here and cmd/worldcore, never by package initialization order.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/worldmesh/worldcore/internal/auth"
	"github.com/worldmesh/worldcore/internal/config"
	"github.com/worldmesh/worldcore/internal/keyframe"
	"github.com/worldmesh/worldcore/internal/metrics"
	"github.com/worldmesh/worldcore/internal/protocol"
	"github.com/worldmesh/worldcore/internal/query"
	"github.com/worldmesh/worldcore/internal/session"
	"github.com/worldmesh/worldcore/internal/tick"
)

const (
	// SocketPath is the fixed upgrade endpoint.
	SocketPath = "/world/ws"

	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	maxMsgSize = 512 * 1024
)

// Server owns the HTTP listener and the per-connection plumbing.
type Server struct {
	cfg       *config.Config
	gate      *auth.Gate
	registry  *session.Registry
	executor  *query.Executor
	keyframes *keyframe.Builder
	metrics   *metrics.Metrics
	scheduler *tick.Scheduler // nil on follower nodes

	upgrader  websocket.Upgrader
	clientCfg protocol.ClientConfig
	httpSrv   *http.Server
	reaper    *Reaper
}

func New(
	cfg *config.Config,
	gate *auth.Gate,
	registry *session.Registry,
	executor *query.Executor,
	keyframes *keyframe.Builder,
	m *metrics.Metrics,
	scheduler *tick.Scheduler,
) *Server {
	s := &Server{
		cfg:       cfg,
		gate:      gate,
		registry:  registry,
		executor:  executor,
		keyframes: keyframes,
		metrics:   m,
		scheduler: scheduler,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     buildCheckOrigin(cfg.Server),
		},
		clientCfg: buildClientConfig(cfg),
	}
	s.reaper = NewReaper(registry, gate, m, cfg.Session.ReaperInterval(), cfg.Session.HeartbeatInactivity())
	return s
}

// buildCheckOrigin validates the Origin header against the configured
// allowlist in production; dev and staging accept everything.
func buildCheckOrigin(cfg config.ServerConfig) func(*http.Request) bool {
	if cfg.Env == "production" && len(cfg.AllowedOrigins) > 0 {
		allowed := make(map[string]bool, len(cfg.AllowedOrigins))
		for _, origin := range cfg.AllowedOrigins {
			allowed[origin] = true
		}
		return func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if allowed[origin] {
				return true
			}
			slog.Info("rejected socket upgrade from origin", "origin", origin)
			return false
		}
	}
	if cfg.Env == "production" {
		slog.Warn("no allowed_origins configured in production, accepting all origins")
	}
	return func(*http.Request) bool { return true }
}

func buildClientConfig(cfg *config.Config) protocol.ClientConfig {
	groups := make(map[string]protocol.SyncGroupConfig, len(cfg.SyncGroups))
	for name, sg := range cfg.SyncGroups {
		groups[name] = protocol.SyncGroupConfig{
			TickRateMs:       sg.TickRateMs,
			MaxBufferedTicks: sg.MaxBufferedTicks,
		}
	}
	return protocol.ClientConfig{
		SyncGroups:            groups,
		HeartbeatInactivityMs: cfg.Session.HeartbeatInactivityMs,
		QueryTimeoutMs:        cfg.Session.QueryTimeoutMs,
		MaxQueryResultBytes:   cfg.Session.MaxQueryResultBytes,
	}
}

// Routes builds the HTTP handler tree.
func (s *Server) Routes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc(SocketPath, s.handleUpgrade).Methods("GET")
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/stats", s.handleStats).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	return r
}

// Start runs the reaper and the HTTP listener. Blocks until the listener
// stops.
func (s *Server) Start(ctx context.Context) error {
	s.reaper.Start(ctx)

	addr := fmt.Sprintf(":%d", s.cfg.Server.Port)
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("sync server listening", "addr", addr, "socket_path", SocketPath)
	if err := s.httpSrv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown closes every session with a normal-closure code, stops the
// reaper, and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	for _, sess := range s.registry.All() {
		sess.Close(websocket.CloseNormalClosure, session.CloseShutdown)
	}
	s.reaper.Stop()
	if s.httpSrv != nil {
		return s.httpSrv.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// groupStats is one sync group's slice of the /stats payload.
type groupStats struct {
	Sessions    int   `json:"sessions"`
	CurrentTick int64 `json:"currentTick,omitempty"`
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	groups := make(map[string]groupStats, len(s.cfg.SyncGroups))
	for name := range s.cfg.SyncGroups {
		gs := groupStats{Sessions: s.registry.GroupLen(name)}
		if s.scheduler != nil {
			gs.CurrentTick = s.scheduler.CurrentTick(name)
		}
		groups[name] = gs
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"sessions":   s.registry.Len(),
		"syncGroups": groups,
	})
}
