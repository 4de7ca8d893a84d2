// Package server exposes the query agent over HTTP.
//
// POST /v1/query runs the pre-flight gates (authentication, role, tenant,
// body, rate limit, usage quota) and then streams the orchestrator's answer
// as NDJSON. Pre-flight failures are written as a JSON error envelope; once
// streaming starts, failures are reported in the final chunk instead.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/haasonsaas/sqlagent/internal/agent"
	"github.com/haasonsaas/sqlagent/internal/auth"
	"github.com/haasonsaas/sqlagent/internal/observability"
	"github.com/haasonsaas/sqlagent/internal/ratelimit"
	"github.com/haasonsaas/sqlagent/internal/tenant"
	"github.com/haasonsaas/sqlagent/internal/usage"
	"github.com/haasonsaas/sqlagent/pkg/models"
)

// QueryRoute is the streaming query endpoint.
const QueryRoute = "/v1/query"

const (
	DefaultMaxBodyBytes     = 64 << 10
	DefaultMaxContentLength = 8000
	DefaultMaxHistory       = 20

	readyTimeout = 2 * time.Second
)

// Runner starts an orchestrator run. *agent.Orchestrator implements it.
type Runner interface {
	Run(ctx context.Context, req agent.RunRequest) (<-chan *models.AgentEvent, error)
}

// ReadinessCheck is one dependency checked by /readyz.
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Config controls the HTTP surface.
type Config struct {
	Addr              string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration

	// MaxBodyBytes caps the request body. Default: 64KiB
	MaxBodyBytes int64

	// MaxContentLength caps the user message in characters. Default: 8000
	MaxContentLength int

	// RequiredRole, when set, must be held by the caller.
	RequiredRole string
}

// Dependencies are the collaborators the handlers use. Auth, Tenants, and
// Runner are required; the limiters are skipped when nil.
type Dependencies struct {
	Auth        *auth.Service
	Tenants     *tenant.Resolver
	Runner      Runner
	RateLimiter *ratelimit.Limiter
	Usage       *usage.Limiter
	Tiers       *usage.TierResolver
	Checks      []ReadinessCheck

	// MetricsHandler serves /metrics. Omitted when nil.
	MetricsHandler http.Handler

	Metrics *observability.Metrics
	Hash    observability.HashFunc
	Logger  *slog.Logger
}

// Server is the HTTP front end.
type Server struct {
	config Config
	deps   Dependencies
	logger *slog.Logger
	router chi.Router

	httpServer *http.Server
}

// New builds the router. It does not start listening.
func New(cfg Config, deps Dependencies) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.MaxContentLength <= 0 {
		cfg.MaxContentLength = DefaultMaxContentLength
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 10 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Hash == nil {
		deps.Hash = observability.NewHasher("").Func()
	}

	s := &Server{
		config: cfg,
		deps:   deps,
		logger: logger.With("component", "server"),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(accessLogMiddleware(s.logger, s.deps.Metrics))
	r.Use(auth.Middleware(s.deps.Auth, s.logger))
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "sqlagent",
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				return r.Method + " " + r.URL.Path
			}),
		)
	})

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if s.deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.MetricsHandler)
	}
	r.Post(QueryRoute, s.handleQuery)

	return r
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves until ctx is done, then shuts down gracefully,
// letting in-flight streams finish within ShutdownTimeout.
func (s *Server) ListenAndServe(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	return s.Serve(ctx, listener)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: s.config.ReadHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting http server", "addr", listener.Addr().String())
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	s.logger.Info("shutting down http server")
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}
