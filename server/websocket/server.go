// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package websocket pushes broker messages to browser clients.
package websocket

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/absmach/ramses-gateway/ratelimit"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Defaults for Config fields left at zero.
const (
	DefaultPath           = "/ws"
	DefaultWriteWait      = 10 * time.Second
	DefaultPongWait       = 60 * time.Second
	DefaultMaxMessageSize = 512
)

type Config struct {
	Address         string
	Path            string
	ShutdownTimeout time.Duration
	WriteWait       time.Duration
	PongWait        time.Duration
	MaxMessageSize  int64
}

type Server struct {
	config   Config
	hub      *Hub
	limiter  *ratelimit.IPRateLimiter
	logger   *slog.Logger
	server   *http.Server
	upgrader websocket.Upgrader
}

// New creates a push server for hub. A nil limiter disables upgrade rate
// limiting.
func New(cfg Config, hub *Hub, limiter *ratelimit.IPRateLimiter, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = DefaultWriteWait
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = DefaultPongWait
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}

	s := &Server{
		config:  cfg,
		hub:     hub,
		limiter: limiter,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Path, s.ServeHTTP)

	s.server = &http.Server{
		Addr:              cfg.Address,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// Path returns the upgrade path.
func (s *Server) Path() string {
	return s.config.Path
}

// Listen serves upgrades on the configured address until ctx is cancelled.
func (s *Server) Listen(ctx context.Context) error {
	s.logger.Info("websocket_server_starting",
		slog.String("addr", s.config.Address),
		slog.String("path", s.config.Path))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("websocket_server_shutdown_initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		// Shutdown does not track hijacked connections.
		s.hub.Close()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("websocket_server_shutdown_error", slog.String("error", err.Error()))
			return err
		}

		s.logger.Info("websocket_server_stopped")
		return nil
	}
}

// ServeHTTP upgrades the request and attaches the connection to the hub.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.AllowRequest(r) {
		s.logger.Warn("websocket_upgrade_rate_limited", slog.String("remote_addr", r.RemoteAddr))
		http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket_upgrade_failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		id:         uuid.NewString(),
		remoteAddr: r.RemoteAddr,
		hub:        s.hub,
		conn:       ws,
		send:       make(chan []byte, s.hub.sendBuffer),
		writeWait:  s.config.WriteWait,
		pongWait:   s.config.PongWait,
		maxSize:    s.config.MaxMessageSize,
		logger:     s.logger,
	}
	s.hub.register(c)

	go c.writePump()
	go c.readPump()
}
