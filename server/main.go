package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pollbridge/clock"
	"pollbridge/protocol"
	"pollbridge/server/config"
	"pollbridge/server/handlers"
	"pollbridge/server/metrics"
	"pollbridge/server/poller"
	"pollbridge/server/session"
	"pollbridge/server/upstream"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

type Server struct {
	config    *config.Config
	startTime time.Time
	upstream  *upstream.Client
	acceptor  *handlers.Acceptor
	gatherer  prometheus.Gatherer
	cancel    context.CancelFunc // cancels every session
	logger    zerolog.Logger
}

// Implement metrics.ServerInfo interface
func (s *Server) ServerID() string {
	return s.config.ServerID
}

func (s *Server) StartTime() time.Time {
	return s.startTime
}

func (s *Server) ActiveSessions() int {
	return s.acceptor.ActiveSessions()
}

func (s *Server) UpstreamURL() string {
	return s.upstream.URL()
}

func (s *Server) Draining() bool {
	return s.acceptor.Draining()
}

func newServer(cfg *config.Config, reg prometheus.Registerer, gatherer prometheus.Gatherer, logger zerolog.Logger) (*Server, error) {
	matcher, err := upstream.ParseStatusCodes(cfg.UpstreamStatusCodes)
	if err != nil {
		return nil, err
	}

	client, err := upstream.NewClient(upstream.Config{
		URL:           cfg.UpstreamURL,
		Timeout:       cfg.UpstreamTimeout,
		StatusMatcher: matcher,
		MaxBodyBytes:  cfg.UpstreamMaxBody,
		HTTP2:         cfg.UpstreamHTTP2,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream client: %w", err)
	}

	m := metrics.New(reg, cfg.ServerID)
	p := poller.New(client, poller.Config{
		Budget:   cfg.PollBudget,
		Interval: cfg.PollInterval,
	}, clock.Real(), m)

	ctx, cancel := context.WithCancel(context.Background())
	acceptor := handlers.NewAcceptor(ctx, p, handlers.AcceptorConfig{
		AllowedOrigins: cfg.AllowedOrigins,
		MaxMessageSize: cfg.MaxMessageSize,
		Session: session.Config{
			FailurePolicy: session.FailurePolicy(cfg.FailurePolicy),
			WriteTimeout:  cfg.PingTimeout,
		},
	}, m, logger)

	return &Server{
		config:    cfg,
		startTime: time.Now(),
		upstream:  client,
		acceptor:  acceptor,
		gatherer:  gatherer,
		cancel:    cancel,
		logger:    logger,
	}, nil
}

// Handler returns the main mux
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(s.config.WSPath, s.acceptor)
	mux.HandleFunc("/health", metrics.HealthHandler(s))

	// Add metrics endpoint to main mux if no separate port configured
	if s.config.MetricsPort == "" {
		mux.Handle("/metrics", metrics.MetricsHandler(s.gatherer))
	}

	// Return 404 for unknown paths (don't leak API structure)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	return mux
}

// Shutdown stops accepting clients, asks every session to close, and waits
// for them until ctx is done. Sessions still alive then are dropped.
func (s *Server) Shutdown(ctx context.Context) {
	s.acceptor.Drain()
	s.cancel()

	s.logger.Info().Int("sessions", s.acceptor.ActiveSessions()).Msg("Waiting for sessions to close...")
	if err := s.acceptor.Wait(ctx); err != nil {
		s.logger.Warn().Int("sessions", s.acceptor.ActiveSessions()).Msg("Shutdown timeout - dropping remaining client connections")
		s.acceptor.CloseAll()
		s.acceptor.Wait(context.Background())
	}
	s.logger.Info().Msg("All sessions closed")
}

// logStatsLoop periodically logs server statistics
func (s *Server) logStatsLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.logger.Info().
				Int("sessions", s.acceptor.ActiveSessions()).
				Str("uptime", time.Since(s.startTime).Round(time.Second).String()).
				Msg("Server stats")
		}
	}
}

func main() {
	// Load configuration (parses flags and env vars)
	cfg, err := config.Load(os.Args[1:], os.Getenv)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			fmt.Fprintf(os.Stderr, "Usage: pollbridge [flags]\n\n%s", config.Usage())
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	// Validate required config
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger with config
	baseLogger := protocol.InitLogger(cfg.LogLevel, cfg.LogFormat)
	logger := baseLogger.With().Str("serverID", cfg.ServerID).Logger()
	logger.Info().Fields(cfg.LogFields()).Msg("Configuration loaded")

	srv, err := newServer(cfg, prometheus.DefaultRegisterer, prometheus.DefaultGatherer, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialise server")
	}

	statsCtx, stopStats := context.WithCancel(context.Background())
	defer stopStats()
	go srv.logStatsLoop(statsCtx, 30*time.Second)

	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: srv.Handler(),
	}

	// Start separate metrics server if configured
	var metricsServer *http.Server
	if cfg.MetricsPort != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metrics.MetricsHandler(prometheus.DefaultGatherer))
		metricsServer = &http.Server{Addr: ":" + cfg.MetricsPort, Handler: metricsMux}
		go func() {
			logger.Info().Str("port", cfg.MetricsPort).Msg("Metrics endpoint listening")
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("Metrics server error")
			}
		}()
	}

	logger.Info().Str("port", cfg.HTTPPort).Str("wsPath", cfg.WSPath).Str("upstream", cfg.UpstreamURL).Msg("Server listening")

	// Start HTTP server in background
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigChan
	logger.Info().Str("signal", sig.String()).Msg("Received signal, initiating graceful shutdown")

	// Create shutdown context with configurable timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Stop the listener first; upgraded connections are not tracked by
	// http.Server and are drained by the session shutdown below.
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown error")
	}

	srv.Shutdown(shutdownCtx)

	if metricsServer != nil {
		metricsServer.Close()
	}

	logger.Info().Msg("Graceful shutdown complete")
}
