// Package admin exposes the operational HTTP surface: health probes, queue
// statistics, and Prometheus metrics. It serves operators and probes only;
// recipients and configurations are managed directly in the database.
package admin

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dripsend/dripsend/internal/metrics"
	"github.com/dripsend/dripsend/internal/recipients"
)

// Config holds admin server settings.
// Embed this in your app config for env parsing with caarlos0/env.
type Config struct {
	Addr            string        `env:"ADMIN_ADDR" envDefault:":8081"`
	ReadTimeout     time.Duration `env:"ADMIN_READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout    time.Duration `env:"ADMIN_WRITE_TIMEOUT" envDefault:"10s"`
	ShutdownTimeout time.Duration `env:"ADMIN_SHUTDOWN_TIMEOUT" envDefault:"5s"`
}

// Deps bundles what the admin surface reports on.
type Deps struct {
	Queue   *recipients.Queue
	Metrics *metrics.Metrics

	// ReadinessChecks run on /health/ready; the server is ready only when
	// all pass.
	ReadinessChecks Checks

	Logger *slog.Logger
}

// Server wraps the HTTP listener.
type Server struct {
	cfg Config
	srv *http.Server
	log *slog.Logger
}

// NewServer builds the admin router and server.
func NewServer(cfg Config, deps Deps) *Server {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health/live", livenessHandler())
	r.Get("/health/ready", readinessHandler(deps.ReadinessChecks, log))
	r.Get("/stats/{configID}", statsHandler(deps.Queue, log))
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())
	}

	return &Server{
		cfg: cfg,
		srv: &http.Server{
			Addr:         cfg.Addr,
			Handler:      r,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		log: log,
	}
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("admin server listening", slog.String("addr", s.cfg.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
