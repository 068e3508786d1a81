package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/therealutkarshpriyadarshi/authtrail/internal/gateway"
	"github.com/therealutkarshpriyadarshi/authtrail/internal/health"
	"github.com/therealutkarshpriyadarshi/authtrail/internal/logging"
)

// Server hosts the metrics, health and gateway endpoints. Surfaces
// configured with the same address share one listener.
type Server struct {
	servers map[string]*http.Server
	mu      sync.Mutex
	addrs   map[string]string
	logger  *logging.Logger
}

// Config holds server configuration. A surface is served only when its
// address and its handler source are both set.
type Config struct {
	MetricsAddress  string
	MetricsPath     string
	Profiling       bool // mount pprof under /debug on the metrics address
	HealthAddress   string
	LivenessPath    string
	ReadinessPath   string
	GatewayAddress  string
	MetricsRegistry *prometheus.Registry
	HealthChecker   *health.Checker
	Gateway         *gateway.Gateway
	Logger          *logging.Logger
}

// New creates a new server
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = logging.Global()
	}

	s := &Server{
		servers: make(map[string]*http.Server),
		addrs:   make(map[string]string),
		logger:  cfg.Logger.WithComponent("server"),
	}

	routers := make(map[string]chi.Router)
	routerFor := func(addr string) chi.Router {
		if r, ok := routers[addr]; ok {
			return r
		}
		// no RealIP: the gateway rate limits on the socket address
		r := chi.NewRouter()
		r.Use(chimiddleware.Recoverer)
		routers[addr] = r
		return r
	}

	if cfg.MetricsAddress != "" && cfg.MetricsRegistry != nil {
		metricsPath := cfg.MetricsPath
		if metricsPath == "" {
			metricsPath = "/metrics"
		}

		routerFor(cfg.MetricsAddress).Handle(metricsPath, promhttp.HandlerFor(
			cfg.MetricsRegistry,
			promhttp.HandlerOpts{
				EnableOpenMetrics: true,
			},
		))

		if cfg.Profiling {
			routerFor(cfg.MetricsAddress).Mount("/debug", chimiddleware.Profiler())
		}
	}

	if cfg.HealthAddress != "" && cfg.HealthChecker != nil {
		livenessPath := cfg.LivenessPath
		if livenessPath == "" {
			livenessPath = "/health/live"
		}

		readinessPath := cfg.ReadinessPath
		if readinessPath == "" {
			readinessPath = "/health/ready"
		}

		r := routerFor(cfg.HealthAddress)
		r.Get(livenessPath, cfg.HealthChecker.LivenessHandler())
		r.Get(readinessPath, cfg.HealthChecker.ReadinessHandler())
		r.Get("/health", cfg.HealthChecker.HTTPHandler())
	}

	if cfg.GatewayAddress != "" && cfg.Gateway != nil {
		cfg.Gateway.Routes(routerFor(cfg.GatewayAddress))
	}

	for addr, r := range routers {
		s.servers[addr] = &http.Server{
			Addr:              addr,
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       5 * time.Second,
			// CSV exports of a large table take a while to stream
			WriteTimeout: 60 * time.Second,
		}
	}

	return s
}

// Start binds every listener and serves in the background. An address that
// cannot be bound is reported immediately and nothing is left listening.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	listeners := make(map[string]net.Listener, len(s.servers))
	for addr := range s.servers {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			for _, l := range listeners {
				l.Close()
			}
			return fmt.Errorf("failed to listen on %s: %w", addr, err)
		}
		listeners[addr] = ln
	}

	for addr, ln := range listeners {
		srv := s.servers[addr]
		s.addrs[addr] = ln.Addr().String()

		s.logger.Info().Str("address", ln.Addr().String()).Msg("Starting HTTP server")

		go func(srv *http.Server, ln net.Listener) {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error().Err(err).Str("address", srv.Addr).Msg("HTTP server error")
			}
		}(srv, ln)
	}

	return nil
}

// BoundAddr returns the actual address bound for a configured address,
// which differs when the configured port is 0
func (s *Server) BoundAddr(configured string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addrs[configured]
}

// Stop gracefully shuts down the servers
func (s *Server) Stop(ctx context.Context) error {
	var errs []error

	for addr, srv := range s.servers {
		s.logger.Info().Str("address", addr).Msg("Shutting down HTTP server")
		if err := srv.Shutdown(ctx); err != nil {
			s.logger.Error().Err(err).Str("address", addr).Msg("Error shutting down HTTP server")
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
