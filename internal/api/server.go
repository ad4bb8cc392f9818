// Package api serves listsync's HTTP API: public page forms and submissions,
// and the admin routes for sites, pages, mappings and the outbox.
package api

import (
	"context"
	"crypto/tls"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/foxzi/listsync/internal/config"
	"github.com/foxzi/listsync/internal/ipfilter"
	"github.com/foxzi/listsync/internal/mailchimp"
	"github.com/foxzi/listsync/internal/metadata"
	"github.com/foxzi/listsync/internal/metrics"
	"github.com/foxzi/listsync/internal/outbox"
	"github.com/foxzi/listsync/internal/page"
	"github.com/foxzi/listsync/internal/ratelimit"
	"github.com/foxzi/listsync/internal/settings"
	"github.com/foxzi/listsync/internal/submission"
)

// Metadata is the cached Mailchimp metadata used by the admin routes
type Metadata interface {
	ListAudiences(ctx context.Context, site metadata.Site) ([]mailchimp.List, error)
	ListMergeFields(ctx context.Context, site metadata.Site, listID string) ([]mailchimp.MergeField, error)
	ListInterestCategories(ctx context.Context, site metadata.Site, listID string) ([]mailchimp.InterestCategory, error)
	Invalidate(ctx context.Context, site metadata.Site, listID string) error
}

// Options wires the server's dependencies. Outbox and Limiter are optional.
type Options struct {
	Config      *config.APIConfig
	Pages       *page.Store
	Sites       *settings.Store
	Metadata    Metadata
	Submissions *submission.Handler
	Outbox      *outbox.BoltStorage
	Limiter     *ratelimit.Limiter
	TLS         *tls.Config // nil serves plain HTTP
	Version     string
	Logger      *slog.Logger
}

// Server is the HTTP API server
type Server struct {
	router      *chi.Mux
	httpServer  *http.Server
	config      *config.APIConfig
	pages       *page.Store
	sites       *settings.Store
	meta        Metadata
	submissions *submission.Handler
	outbox      *outbox.BoltStorage
	limiter     *ratelimit.Limiter
	ipFilter    *ipfilter.Filter
	tlsConfig   *tls.Config
	version     string
	logger      *slog.Logger
	startTime   time.Time
}

// NewServer creates a new API server
func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Config == nil {
		opts.Config = &config.APIConfig{}
	}

	s := &Server{
		router:      chi.NewRouter(),
		config:      opts.Config,
		pages:       opts.Pages,
		sites:       opts.Sites,
		meta:        opts.Metadata,
		submissions: opts.Submissions,
		outbox:      opts.Outbox,
		limiter:     opts.Limiter,
		ipFilter:    ipfilter.New(opts.Config.AllowedIPs, opts.Config.TrustProxy, opts.Logger),
		tlsConfig:   opts.TLS,
		version:     opts.Version,
		logger:      opts.Logger,
		startTime:   time.Now(),
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Recoverer)
	s.router.Use(metrics.HTTPMiddleware)

	// Health check and public forms (no auth required)
	s.router.Get("/health", s.handleHealth)
	s.router.Route("/pages/{id}", func(r chi.Router) {
		r.Get("/", s.handleGetForm)
		r.With(s.bodyLimitMiddleware).Post("/submissions", s.handleSubmit)
	})

	// Admin routes (IP filter and API key)
	s.router.Route("/admin", func(r chi.Router) {
		r.Use(s.ipFilter.Middleware)
		r.Use(s.authMiddleware)

		NewAdminServer(s).RegisterRoutes(r)
		if s.outbox != nil {
			NewOutboxServer(s.outbox, s.logger).RegisterRoutes(r)
		}
	})
}

// Handler returns the HTTP handler of the server
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:           s.config.ListenAddr,
		Handler:        s.router,
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		IdleTimeout:    s.config.IdleTimeout,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
		TLSConfig:      s.tlsConfig,
	}

	if s.tlsConfig != nil {
		s.logger.Info("starting HTTPS API server", "addr", s.config.ListenAddr)
		return s.httpServer.ListenAndServeTLS("", "")
	}

	s.logger.Info("starting HTTP API server", "addr", s.config.ListenAddr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
