// Package server wires the gateway's HTTP surface into an http.Server
// with hot-reloadable configuration.
package server

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/remoteterm/gateway/internal/api"
	"github.com/remoteterm/gateway/internal/config"
	"github.com/remoteterm/gateway/internal/relay"
	"github.com/remoteterm/gateway/internal/session"
	"github.com/remoteterm/gateway/internal/telemetry"
)

type Server struct {
	cfg      atomic.Value
	table    *session.Table
	recorder *telemetry.Recorder
	relay    *relay.Relay

	terminal   *dynamicHandler
	httpServer *http.Server
}

func New(cfg *config.Config, table *session.Table, recorder *telemetry.Recorder, rel *relay.Relay) *Server {
	s := &Server{
		table:    table,
		recorder: recorder,
		relay:    rel,
	}
	s.cfg.Store(cfg)
	configProvider := func() *config.Config { return s.cfg.Load().(*config.Config) }

	terminal := newDynamicHandler(api.NewTerminalHandler(cfg, table, recorder, rel))

	mux := http.NewServeMux()
	mux.HandleFunc("/health", api.HealthHandler)
	mux.Handle("/env", api.EnvHandler(configProvider))
	mux.Handle("/terminal/", terminal)

	server := &http.Server{
		Addr:    cfg.Server.Address,
		Handler: mux,
		// The SSE endpoint holds connections open indefinitely: bound only
		// the header read, never the request read or response write.
		ReadHeaderTimeout: time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second,
		IdleTimeout:       time.Duration(cfg.Server.IdleTimeoutSeconds) * time.Second,
	}

	s.terminal = terminal
	s.httpServer = server
	return s
}

func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// UpdateConfig swaps the active config and rebuilds the terminal handler
// so new admission decisions see the new rate-limit settings. The session
// table keeps the settings it was built with (kubectl path, replay ring,
// network tuning), so in-flight and newly created sessions alike are
// unaffected by those fields.
func (s *Server) UpdateConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	s.cfg.Store(cfg)
	s.terminal.Update(api.NewTerminalHandler(cfg, s.table, s.recorder, s.relay))
}
