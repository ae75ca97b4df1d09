// Package api serves the admin and observability HTTP surface: health,
// Prometheus metrics and the JSON control-plane endpoints.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/cboxdk/overload-manager/internal/allocator"
	"github.com/cboxdk/overload-manager/internal/config"
	"github.com/cboxdk/overload-manager/internal/forecast"
	"github.com/cboxdk/overload-manager/internal/phase"
	"github.com/cboxdk/overload-manager/internal/scheduler"
	"github.com/cboxdk/overload-manager/internal/telemetry"
	"go.uber.org/zap"
)

// Server is the admin HTTP server. All JSON endpoints under the admin path
// go through the rate limiter; health and metrics do not, so probes and
// scrapers are never shed.
type Server struct {
	cfg    config.ServerConfig
	logger *zap.Logger

	controller *phase.Controller
	alloc      *allocator.Allocator
	sched      *scheduler.Scheduler
	forecaster *forecast.Forecaster
	emitter    *telemetry.EventEmitter

	httpServer *http.Server
}

// NewServer wires the admin server. metricsHandler serves the Prometheus
// scrape endpoint; emitter may be nil when event storage is disabled.
func NewServer(
	cfg config.ServerConfig,
	controller *phase.Controller,
	alloc *allocator.Allocator,
	sched *scheduler.Scheduler,
	forecaster *forecast.Forecaster,
	emitter *telemetry.EventEmitter,
	metricsHandler http.Handler,
	logger *zap.Logger,
) *Server {
	s := &Server{
		cfg:        cfg,
		logger:     logger,
		controller: controller,
		alloc:      alloc,
		sched:      sched,
		forecaster: forecaster,
		emitter:    emitter,
	}

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.HealthPath, s.handleHealth)
	mux.Handle(cfg.MetricsPath, metricsHandler)

	admin := http.NewServeMux()
	admin.HandleFunc(cfg.AdminPath+"/status", s.handleStatus)
	admin.HandleFunc(cfg.AdminPath+"/queue", s.handleQueue)
	admin.HandleFunc(cfg.AdminPath+"/services", s.handleServices)
	admin.HandleFunc(cfg.AdminPath+"/patterns", s.handlePatterns)
	admin.HandleFunc(cfg.AdminPath+"/events", s.handleEvents)
	admin.HandleFunc(cfg.AdminPath+"/phase", s.handlePhase)
	mux.Handle(cfg.AdminPath+"/", rateLimitMiddleware(cfg.RateLimit, logger)(admin))

	s.httpServer = &http.Server{
		Addr:         cfg.BindAddress,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start begins serving. Blocks until the listener fails or Stop is called.
func (s *Server) Start() error {
	s.logger.Info("Admin server listening",
		zap.String("address", s.cfg.BindAddress),
		zap.String("metrics_path", s.cfg.MetricsPath),
		zap.String("admin_path", s.cfg.AdminPath))

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("admin server failed: %w", err)
	}
	return nil
}

// Stop drains in-flight requests and shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("admin server shutdown failed: %w", err)
	}
	s.logger.Info("Admin server stopped")
	return nil
}
