package web

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ShutdownHook runs while the server drains
type ShutdownHook func(ctx context.Context) error

// ServerConfig holds the listener settings
type ServerConfig struct {
	Address           string
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	ReadHeaderTimeout time.Duration
	MaxHeaderBytes    int
	ShutdownTimeout   time.Duration
}

// DefaultServerConfig returns production timeouts for addr
func DefaultServerConfig(addr string) ServerConfig {
	return ServerConfig{
		Address:           addr,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
		ShutdownTimeout:   30 * time.Second,
	}
}

// Server runs the HTTP listener and shuts it down gracefully
type Server struct {
	httpServer *http.Server
	config     ServerConfig
	log        *zap.Logger

	mu       sync.Mutex
	listener net.Listener
	hooks    []ShutdownHook
	once     sync.Once
	err      error
}

// NewServer creates a server for handler
func NewServer(cfg ServerConfig, handler http.Handler, log *zap.Logger) (*Server, error) {
	if handler == nil {
		return nil, errors.New("handler cannot be nil")
	}
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	return &Server{
		httpServer: &http.Server{
			Addr:              cfg.Address,
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			WriteTimeout:      cfg.WriteTimeout,
			IdleTimeout:       cfg.IdleTimeout,
			ReadHeaderTimeout: cfg.ReadHeaderTimeout,
			MaxHeaderBytes:    cfg.MaxHeaderBytes,
		},
		config: cfg,
		log:    log,
	}, nil
}

// RegisterHook adds a hook run before the listener stops. Hooks run in
// registration order; a failing hook does not stop the others.
func (s *Server) RegisterHook(hook ShutdownHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, hook)
}

// Addr returns the bound address once listening, the configured one before
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.config.Address
}

// Run serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to create listener: %w", err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("server listening", zap.String("addr", ln.Addr().String()))
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server failed: %w", err)
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.log.Info("shutdown signal received")
		return s.Shutdown()
	}
}

// Shutdown runs the hooks and drains open requests within the shutdown
// timeout. Only the first call does anything.
func (s *Server) Shutdown() error {
	s.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		s.mu.Lock()
		hooks := append([]ShutdownHook(nil), s.hooks...)
		s.mu.Unlock()

		for i, hook := range hooks {
			if err := hook(ctx); err != nil {
				s.log.Warn("shutdown hook failed", zap.Int("hook", i), zap.Error(err))
			}
		}

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.err = fmt.Errorf("server shutdown error: %w", err)
			s.log.Error("server shutdown failed", zap.Error(err))
			return
		}
		s.log.Info("server stopped")
	})
	return s.err
}
