// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package websocket

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/absmach/mds/transport"
	"github.com/gorilla/websocket"
	"golang.org/x/net/netutil"
)

// Config holds the websocket listener settings.
type Config struct {
	Address         string
	Path            string
	ShutdownTimeout time.Duration
	// MaxConnections caps concurrent connections; zero means unlimited.
	MaxConnections int
}

// Acceptor takes ownership of a new, unstarted transport.
type Acceptor interface {
	Accept(ctx context.Context, t transport.Transport) error
}

// RateLimiter decides whether a remote host may open another connection.
type RateLimiter interface {
	AllowRemote(remote string) bool
}

// Server upgrades HTTP requests on Path to websocket transports and hands
// them to the acceptor, which runs the registration handshake.
type Server struct {
	config   Config
	acceptor Acceptor
	limiter  RateLimiter
	logger   *slog.Logger
	server   *http.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	ctx      context.Context
	listener net.Listener
}

// New creates a websocket server. limiter may be nil.
func New(cfg Config, a Acceptor, limiter RateLimiter, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.Path == "" {
		cfg.Path = "/mds"
	}

	s := &Server{
		config:   cfg,
		acceptor: a,
		limiter:  limiter,
		logger:   logger,
		ctx:      context.Background(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	s.server = &http.Server{
		Addr:    cfg.Address,
		Handler: s.Handler(),
	}

	return s
}

// Handler returns the HTTP handler serving the websocket path.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.config.Path, s.handleWebSocket)
	return mux
}

// Addr returns the listener's network address, or an empty string before
// Listen.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Listen serves until ctx is done. Accepted transports live until the
// router stops them.
func (s *Server) Listen(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return err
	}
	if s.config.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, s.config.MaxConnections)
	}
	s.mu.Lock()
	s.listener = ln
	s.ctx = ctx
	s.mu.Unlock()

	s.logger.Info("websocket_server_starting",
		slog.String("addr", ln.Addr().String()),
		slog.String("path", s.config.Path),
		slog.Int("max_connections", s.config.MaxConnections))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
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

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("websocket_server_shutdown_error", slog.String("error", err.Error()))
			return err
		}

		s.logger.Info("websocket_server_stopped")
		return nil
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil && !s.limiter.AllowRemote(r.RemoteAddr) {
		s.logger.Warn("websocket_rate_limited", slog.String("remote_addr", r.RemoteAddr))
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket_upgrade_failed", slog.String("error", err.Error()))
		return
	}

	s.logger.Debug("websocket_connection_accepted", slog.String("remote_addr", r.RemoteAddr))

	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	t := transport.NewWebSocket(conn, s.logger)
	if err := s.acceptor.Accept(ctx, t); err != nil {
		s.logger.Warn("websocket_accept_failed",
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("error", err.Error()))
		_ = t.Stop(false)
	}
}
