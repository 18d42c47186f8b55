package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/iteam1/reviewbot/internal/pipeline"
	"github.com/iteam1/reviewbot/internal/providers"
	"github.com/iteam1/reviewbot/internal/webhookutils"
)

// Runner executes the review pipeline for one delivery.
type Runner interface {
	Run(ctx context.Context, adapter providers.Adapter, headers map[string]string, body []byte) *pipeline.Result
}

// Options configures the HTTP server.
type Options struct {
	Port         int
	RunTimeout   time.Duration
	MaxBodyBytes int64
	Version      string
}

// Server receives provider webhooks and hands them to the pipeline.
type Server struct {
	echo       *echo.Echo
	port       int
	registry   *providers.Registry
	verifiers  map[string]webhookutils.Verifier
	runner     Runner
	runTimeout time.Duration
	maxBody    int64
	version    string
	logger     zerolog.Logger
}

// NewServer creates the server. verifiers is keyed by provider name; a
// provider without a verifier accepts every delivery.
func NewServer(opts Options, registry *providers.Registry, verifiers map[string]webhookutils.Verifier, runner Runner, logger zerolog.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	if opts.RunTimeout <= 0 {
		opts.RunTimeout = 5 * time.Minute
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 25 << 20
	}

	server := &Server{
		echo:       e,
		port:       opts.Port,
		registry:   registry,
		verifiers:  verifiers,
		runner:     runner,
		runTimeout: opts.RunTimeout,
		maxBody:    opts.MaxBodyBytes,
		version:    opts.Version,
		logger:     logger,
	}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Info().
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Str("request_id", v.RequestID).
				Msg("request")
			return nil
		},
	}))

	server.setupRoutes()
	return server
}

func (s *Server) setupRoutes() {
	s.echo.GET("/health", s.health)
	s.echo.POST("/webhooks", s.handleWebhook)
	s.echo.POST("/webhooks/:provider", s.handleWebhook)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves until SIGINT or SIGTERM, then shuts down gracefully. Runs in
// flight are given the run timeout to finish.
func (s *Server) Start() error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Int("port", s.port).Strs("providers", s.registry.Names()).Msg("reviewbot listening")
		if err := s.echo.Start(fmt.Sprintf(":%d", s.port)); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case sig := <-quit:
		s.logger.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.runTimeout)
	defer cancel()
	return s.Shutdown(ctx)
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"service":   "reviewbot",
		"version":   s.version,
		"providers": s.registry.Names(),
	})
}
