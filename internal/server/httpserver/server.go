package httpserver

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// Config configures the member HTTP server.
type Config struct {
	// Addr is the listen address. Required.
	Addr string

	// ReadHeaderTimeout bounds reading request headers.
	// Default: 10s
	ReadHeaderTimeout time.Duration

	// IdleTimeout closes idle keep-alive connections.
	// Default: 120s
	IdleTimeout time.Duration

	// Logger for logging.
	Logger *slog.Logger
}

// Server serves the cluster, topology and admin RPC together with the
// health and metrics endpoints of one member.
type Server struct {
	httpServer *http.Server
	listener   net.Listener
	logger     *slog.Logger
}

// New creates a server and binds its listener, so the address is known
// before Serve is called.
func New(cfg Config, handler http.Handler) (*Server, error) {
	if cfg.Addr == "" {
		return nil, errors.New("httpserver: listen address is required")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 10 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 120 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, err
	}

	return &Server{
		httpServer: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: cfg.ReadHeaderTimeout,
			IdleTimeout:       cfg.IdleTimeout,
			ErrorLog:          slog.NewLogLogger(cfg.Logger.Handler(), slog.LevelWarn),
		},
		listener: ln,
		logger:   cfg.Logger,
	}, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Serve blocks serving requests. It returns nil after Shutdown.
func (s *Server) Serve() error {
	s.logger.Info("http server listening", "addr", s.Addr())
	if err := s.httpServer.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
