// Package server exposes opswatch state over HTTP and hosts the tick loop
// for `opswatch serve`.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/3leaps/opswatch/internal/server/handlers"
	"github.com/3leaps/opswatch/internal/server/middleware"
)

type options struct {
	status       handlers.StatusSource
	history      handlers.HistorySource
	ticks        handlers.TickTrigger
	version      handlers.VersionInfo
	readTimeout  time.Duration
	writeTimeout time.Duration
	logger       *zap.Logger
}

// Option configures a Server.
type Option func(*options)

func WithStatusSource(s handlers.StatusSource) Option {
	return func(o *options) { o.status = s }
}

func WithHistory(h handlers.HistorySource) Option {
	return func(o *options) { o.history = h }
}

func WithTickTrigger(t handlers.TickTrigger) Option {
	return func(o *options) { o.ticks = t }
}

func WithVersion(v handlers.VersionInfo) Option {
	return func(o *options) { o.version = v }
}

func WithTimeouts(read, write time.Duration) Option {
	return func(o *options) {
		o.readTimeout = read
		o.writeTimeout = write
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// Server is the opswatch HTTP server.
type Server struct {
	host   string
	port   int
	router *chi.Mux
	opts   options
}

// New builds a server and registers routes. Job routes exist only when a
// status source is configured.
func New(host string, port int, opts ...Option) *Server {
	o := options{
		version:      handlers.VersionInfo{Version: "dev"},
		readTimeout:  30 * time.Second,
		writeTimeout: 30 * time.Second,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	s := &Server{host: host, port: port, router: chi.NewRouter(), opts: o}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery)
	r.NotFound(middleware.NotFound)
	r.MethodNotAllowed(middleware.MethodNotAllowed)

	r.Get("/health", handlers.HealthHandler)
	r.Get("/health/live", handlers.LivenessHandler)
	r.Get("/health/ready", handlers.ReadinessHandler)
	r.Get("/health/startup", handlers.StartupHandler)
	r.Get("/version", handlers.VersionHandler(s.opts.version))

	if s.opts.status == nil {
		return
	}
	jobs := handlers.NewJobs(s.opts.status, s.opts.history, s.opts.ticks)
	r.Get("/jobs", jobs.List)
	r.Get("/jobs/{id}", jobs.Get)
	if s.opts.history != nil {
		r.Get("/history", jobs.History)
	}
	if s.opts.ticks != nil {
		r.Get("/tick", jobs.LastTick)
		r.Post("/tick", jobs.RunTick)
	}
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Port() int { return s.port }

func (s *Server) Addr() string {
	return net.JoinHostPort(s.host, strconv.Itoa(s.port))
}

// ListenAndServe serves until ctx ends, then shuts down within
// shutdownTimeout.
func (s *Server) ListenAndServe(ctx context.Context, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              s.Addr(),
		Handler:           s.router,
		ReadTimeout:       s.opts.readTimeout,
		ReadHeaderTimeout: s.opts.readTimeout,
		WriteTimeout:      s.opts.writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.opts.logger.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.opts.logger.Info("http server shutting down")
	return srv.Shutdown(shutdownCtx)
}
