package observability

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// ServerConfig holds configuration for the metrics server.
type ServerConfig struct {
	// Address is the listen address, e.g. ":9091".
	Address string

	// Path is the path to serve metrics on.
	Path string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultServerConfig returns a ServerConfig with default values.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:      ":9091",
		Path:         "/metrics",
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Server serves the metrics registry over HTTP.
type Server struct {
	config   ServerConfig
	metrics  *Metrics
	logger   *zap.Logger
	server   *http.Server
	listener net.Listener
	mu       sync.Mutex
	stopOnce sync.Once
}

// NewServer creates a new metrics server.
func NewServer(cfg ServerConfig, metrics *Metrics, logger *zap.Logger) *Server {
	defaults := DefaultServerConfig()
	if cfg.Address == "" {
		cfg.Address = defaults.Address
	}
	if cfg.Path == "" {
		cfg.Path = defaults.Path
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaults.ReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Server{
		config:  cfg,
		metrics: metrics,
		logger:  logger,
	}
}

// Handler returns the HTTP handler serving metrics and a liveness probe.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(s.config.Path, promhttp.HandlerFor(
		s.metrics.Gatherer(),
		promhttp.HandlerOpts{
			ErrorLog:            &zapErrorLogger{logger: s.logger},
			ErrorHandling:       promhttp.ContinueOnError,
			MaxRequestsInFlight: 10,
			Timeout:             s.config.WriteTimeout,
			EnableOpenMetrics:   true,
		},
	))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			s.logger.Debug("failed to write health response", zap.Error(err))
		}
	})
	return mux
}

// Start begins serving in the background. It returns once the listener
// is bound.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       s.config.ReadTimeout,
		ReadHeaderTimeout: s.config.ReadTimeout,
		WriteTimeout:      s.config.WriteTimeout,
	}
	srv := s.server
	s.mu.Unlock()

	s.logger.Info("starting metrics server",
		zap.String("address", ln.Addr().String()),
		zap.String("path", s.config.Path),
	)

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	return nil
}

// Addr returns the bound listen address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	var stopErr error
	s.stopOnce.Do(func() {
		s.mu.Lock()
		srv := s.server
		s.mu.Unlock()
		if srv == nil {
			return
		}
		s.logger.Info("stopping metrics server")
		stopErr = srv.Shutdown(ctx)
	})
	return stopErr
}

// zapErrorLogger adapts zap.Logger to promhttp.Logger interface.
type zapErrorLogger struct {
	logger *zap.Logger
}

// Println implements promhttp.Logger.
func (l *zapErrorLogger) Println(v ...interface{}) {
	l.logger.Error(fmt.Sprint(v...))
}
