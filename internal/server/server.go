// Package server exposes investigations over HTTP and WebSocket: a small
// REST API for submission and status, and two live channels per running
// investigation for monitoring and operator guidance.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/snare/api/schemas"
	"github.com/xkilldash9x/snare/internal/bus"
	"github.com/xkilldash9x/snare/internal/config"
	"github.com/xkilldash9x/snare/internal/investigation"
	"github.com/xkilldash9x/snare/internal/observability"
	"github.com/xkilldash9x/snare/internal/playbook"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	defaultReadHeaderTimeout = 10 * time.Second
	defaultShutdownTimeout   = 15 * time.Second
)

// Investigations is the part of the coordinator the API drives.
type Investigations interface {
	Submit(ctx context.Context, url string, opts investigation.Options) (*investigation.Handle, error)
	Cancel(id string) error
	Status(ctx context.Context, id string) (*schemas.TaskRecord, error)
	Active() []string
}

// PlaybookSource lists the playbooks new investigations would start with.
type PlaybookSource interface {
	Snapshot() *playbook.Matcher
}

// Deps are the services behind the API. Playbooks and Metrics may be nil.
type Deps struct {
	Investigations Investigations
	Buses          *bus.Registry
	Playbooks      PlaybookSource
	Metrics        *observability.Metrics
}

// Server hosts the API.
type Server struct {
	cfg      config.ServerConfig
	deps     Deps
	logger   *zap.Logger
	upgrader websocket.Upgrader
	router   chi.Router
}

// New builds the server and its routes.
func New(cfg config.ServerConfig, deps Deps, logger *zap.Logger) *Server {
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = defaultReadHeaderTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	if deps.Buses == nil {
		deps.Buses = bus.NewRegistry()
	}
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger.Named("server"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Operators connect from a separate dashboard origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.router = s.routes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// WebSocket routes stay outside the request logger and timeout.
	r.Get("/ws/monitor/{id}", s.handleMonitor)
	r.Get("/ws/guidance/{id}", s.handleGuidance)

	r.Group(func(r chi.Router) {
		r.Use(s.requestLogger)
		r.Use(middleware.Timeout(30 * time.Second))

		r.Get("/healthz", s.handleHealth)
		r.Handle("/metrics", s.deps.Metrics.Handler())

		r.Route("/api/v1", func(r chi.Router) {
			r.Post("/investigations", s.handleSubmit)
			r.Get("/investigations", s.handleListActive)
			r.Get("/investigations/{id}", s.handleStatus)
			r.Delete("/investigations/{id}", s.handleCancel)
			r.Get("/playbooks", s.handlePlaybooks)
		})
	})
	return r
}

// requestLogger logs each API request on the server's zap logger.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

// ListenAndServe serves on cfg.Addr until ctx is cancelled, then drains
// in-flight requests within the shutdown timeout.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("API server listening", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
		defer cancel()
		s.logger.Info("API server shutting down")
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown: %w", err)
		}
		return nil
	})
	return g.Wait()
}
