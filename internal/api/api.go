// Package api provides the HTTP server of MailPipe.
//
// It exposes the producer API (enqueue, status, get, events, cancel), the inbound notification
// webhook, Prometheus metrics and a health check.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/BTreeMap/MailPipe/internal/messaging"
	"github.com/BTreeMap/MailPipe/internal/models"
)

// Server configuration defaults.
const (
	DefaultAddr              = ":8080"
	DefaultReadHeaderTimeout = 10 * time.Second
	DefaultShutdownTimeout   = 15 * time.Second
	// maxBodyBytes bounds every request body.
	maxBodyBytes = 4 << 20
)

// NotificationProcessor handles webhook bodies.
type NotificationProcessor interface {
	Process(ctx context.Context, body []byte) (int, models.APIResponse)
}

// Server serves the HTTP API.
type Server struct {
	svc          messaging.Service
	notify       NotificationProcessor
	webhookToken string
	addr         string
	health       func(ctx context.Context) error

	router     chi.Router
	httpServer *http.Server
}

// Opts holds server configuration collected from options.
type Opts struct {
	Addr         string
	WebhookToken string
	Health       func(ctx context.Context) error
}

// Option configures a Server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) {
		o.Addr = addr
	}
}

// WithWebhookToken requires ?token= on the notification webhook.
func WithWebhookToken(token string) Option {
	return func(o *Opts) {
		o.WebhookToken = token
	}
}

// WithHealthCheck sets the probe behind /healthz.
func WithHealthCheck(fn func(ctx context.Context) error) Option {
	return func(o *Opts) {
		o.Health = fn
	}
}

// NewServer creates a Server.
func NewServer(svc messaging.Service, notify NotificationProcessor, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &Server{
		svc:          svc,
		notify:       notify,
		webhookToken: cfg.WebhookToken,
		addr:         cfg.Addr,
		health:       cfg.Health,
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Route("/messages", func(r chi.Router) {
		r.Post("/", s.enqueueHandler)
		r.Get("/{id}", s.getHandler)
		r.Get("/{id}/status", s.statusHandler)
		r.Get("/{id}/events", s.eventsHandler)
		r.Post("/{id}/cancel", s.cancelHandler)
	})
	r.Post("/webhooks/notifications", s.notificationHandler)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", s.healthHandler)
	return r
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run listens on the configured address until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", s.addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	slog.Info("Server.Run: shutting down")
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server.Run: graceful shutdown failed", "error", err)
		return err
	}
	return nil
}

// requestLogger logs each request at debug level.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Debug("Server: request handled",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"requestID", middleware.GetReqID(r.Context()))
	})
}
