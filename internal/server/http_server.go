package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Tyrowin/wsrelay/internal/config"
	"github.com/Tyrowin/wsrelay/internal/metrics"
	"github.com/Tyrowin/wsrelay/internal/relay"
)

// Server owns the relay hub and the HTTP server that accepts connections.
type Server struct {
	cfg        *config.Config
	logger     *slog.Logger
	hub        *relay.Hub
	metrics    *metrics.Metrics
	metricsReg *prometheus.Registry
	origins    *originPolicy
	upgrader   websocket.Upgrader
	connOpts   relay.ConnectionOptions
	httpServer *http.Server
}

// New builds the registry, relay and hub for cfg and starts the hub's event
// loop. The HTTP listener is not opened until Start or Serve.
func New(cfg *config.Config, logger *slog.Logger, clock clockwork.Clock) *Server {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	reg := metrics.NewRegistry()
	m := metrics.New(reg)

	registry := relay.NewRegistry(clock, logger, m)
	rel := relay.NewRelay(registry, cfg.Mode, clock, logger, m)

	connOpts := cfg.ConnectionOptions()
	connOpts.Clock = clock

	s := &Server{
		cfg:        cfg,
		logger:     logger,
		hub:        relay.NewHub(registry, rel, logger),
		metrics:    m,
		metricsReg: reg,
		origins:    newOriginPolicy(cfg.AllowedOrigins, logger),
		connOpts:   connOpts,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.origins.checkOrigin,
	}
	s.httpServer = CreateServer(cfg.Addr(), s.Routes())

	go s.hub.Run()
	logger.Info("Hub started and ready to manage WebSocket connections", "mode", rel.Mode())
	return s
}

// CreateServer creates and configures an HTTP server with the specified address and handler.
// It sets reasonable timeout values for production use.
func CreateServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// Start listens on the configured address and serves until Shutdown.
// It returns nil after a graceful shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("WebSocket server is running", "addr", ln.Addr().String())
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections, then closes every WebSocket
// connection. The timeout for the hub is taken from ctx when it has a
// deadline and from the configured shutdown timeout otherwise.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server...")

	var errs []error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
		errs = append(errs, err)
	}

	timeout := s.cfg.ShutdownTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = max(time.Until(deadline), 0)
	}
	if err := s.hub.Shutdown(timeout); err != nil {
		errs = append(errs, err)
	}

	if len(errs) == 0 {
		s.logger.Info("Server closed")
	}
	return errors.Join(errs...)
}

// Hub returns the server's relay hub.
func (s *Server) Hub() *relay.Hub {
	return s.hub
}
