// Package app wires listsync's stores, workers and servers together.
package app

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/foxzi/listsync/internal/api"
	"github.com/foxzi/listsync/internal/cache"
	"github.com/foxzi/listsync/internal/config"
	"github.com/foxzi/listsync/internal/dkim"
	"github.com/foxzi/listsync/internal/mailchimp"
	"github.com/foxzi/listsync/internal/metadata"
	"github.com/foxzi/listsync/internal/metrics"
	"github.com/foxzi/listsync/internal/notify"
	"github.com/foxzi/listsync/internal/outbox"
	"github.com/foxzi/listsync/internal/page"
	"github.com/foxzi/listsync/internal/ratelimit"
	"github.com/foxzi/listsync/internal/settings"
	"github.com/foxzi/listsync/internal/submission"
	listsyncTLS "github.com/foxzi/listsync/internal/tls"
)

// App is the main application
type App struct {
	config           *config.Config
	storage          *outbox.BoltStorage
	cache            cache.Store
	apiServer        *api.Server
	tlsProvider      *listsyncTLS.Provider
	challengeServer  *http.Server
	submissions      *submission.Handler
	processor        *outbox.Processor
	cleaner          *outbox.Cleaner
	rateLimiter      *ratelimit.Limiter
	metricsServer    *metrics.Server
	metricsCollector *metrics.Collector
	logger           *slog.Logger
}

// New creates a new application
func New(cfg *config.Config, version string) (*App, error) {
	logger := SetupLogger(cfg.Logging)

	// Storage shared by the outbox, pages, settings and counters
	storage, err := outbox.NewBoltStorage(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage: %w", err)
	}

	a := &App{
		config:  cfg,
		storage: storage,
		logger:  logger,
	}
	if err := a.init(version); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *App) init(version string) error {
	cfg := a.config
	logger := a.logger
	db := a.storage.DB()

	newClient := MailchimpFactory(cfg.Mailchimp, logger.With("component", "mailchimp"))

	sites, err := settings.NewStore(db, func(apiKey string) settings.Pinger {
		return newClient(apiKey)
	}, cfg.Mailchimp.APIKey)
	if err != nil {
		return fmt.Errorf("failed to create settings store: %w", err)
	}

	pages, err := page.NewStore(db)
	if err != nil {
		return fmt.Errorf("failed to create page store: %w", err)
	}

	// Metadata cache
	switch cfg.Cache.Backend {
	case "redis":
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		store, err := cache.NewRedisStore(ctx, cache.RedisOptions{
			Addr:     cfg.Cache.Redis.Addr,
			Password: cfg.Cache.Redis.Password,
			DB:       cfg.Cache.Redis.DB,
			TTL:      cfg.Cache.TTL,
		})
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		a.cache = store
		logger.Info("metadata cache backed by redis", "addr", cfg.Cache.Redis.Addr)
	default:
		a.cache = cache.NewMemoryStore(cfg.Cache.TTL)
	}

	meta := metadata.NewClient(a.cache, func(apiKey string) metadata.API {
		return newClient(apiKey)
	}, logger.With("component", "metadata"))

	sender := outbox.NewMailchimpSender(sites, func(apiKey string) outbox.MemberAdder {
		return newClient(apiKey)
	})

	// Metrics
	if cfg.Metrics.Enabled {
		m := metrics.New()
		metrics.SetGlobal(m)

		a.metricsCollector, err = metrics.NewCollector(db, m, a.storage, cfg.Storage.Path, cfg.Metrics.FlushInterval)
		if err != nil {
			return fmt.Errorf("failed to create metrics collector: %w", err)
		}
		a.metricsServer = metrics.NewServer(m, cfg.Metrics.ListenAddr, cfg.Metrics.Path,
			cfg.Metrics.AllowedIPs, logger.With("component", "metrics"))
		logger.Info("metrics enabled", "addr", cfg.Metrics.ListenAddr, "path", cfg.Metrics.Path)
	}

	// Admin notifications
	notifier, err := newNotifier(cfg, logger.With("component", "notify"))
	if err != nil {
		return err
	}

	// Retry queue
	var enqueuer submission.Enqueuer
	if cfg.Outbox.Enabled {
		enqueuer = a.storage
		a.processor = outbox.NewProcessor(
			a.storage,
			sender,
			outbox.ProcessorConfig{
				Workers:         cfg.Outbox.Workers,
				RetryInterval:   cfg.Outbox.RetryInterval,
				MaxRetries:      cfg.Outbox.MaxRetries,
				ProcessInterval: cfg.Outbox.ProcessInterval,
			},
			mailchimp.IsTemporary,
			logger.With("component", "processor"),
		)

		cleanerCfg := outbox.CleanerConfig{
			DLQMaxAge:   cfg.DLQ.MaxAge,
			DLQMaxCount: cfg.DLQ.MaxCount,
			DLQInterval: cfg.DLQ.CleanupInterval,
		}
		if cfg.Storage.Retention != nil {
			cleanerCfg.DeliveredMaxAge = cfg.Storage.Retention.DeliveredMaxAge
			cleanerCfg.DeliveredInterval = cfg.Storage.Retention.CleanupInterval
		}
		a.cleaner = outbox.NewCleaner(a.storage, cleanerCfg, logger.With("component", "cleaner"))
	}

	// Rate limiter
	if cfg.RateLimit.Enabled {
		a.rateLimiter, err = ratelimit.NewLimiter(db, &ratelimit.Config{
			Enabled:     true,
			Global:      limitConfig(cfg.RateLimit.Global),
			DefaultSite: limitConfig(cfg.RateLimit.DefaultSite),
			DefaultPage: limitConfig(cfg.RateLimit.DefaultPage),
			DefaultIP:   limitConfig(cfg.RateLimit.DefaultIP),
		})
		if err != nil {
			return fmt.Errorf("failed to create rate limiter: %w", err)
		}
		logger.Info("rate limiting enabled")
	}

	a.submissions = submission.New(submission.Options{
		Submissions:   pages,
		Sites:         sites,
		Metadata:      meta,
		Sender:        sender,
		Outbox:        enqueuer,
		Notifier:      notifier,
		NotifyTimeout: cfg.Notify.Timeout,
		Logger:        logger.With("component", "submission"),
	})

	// HTTPS for the API listener
	var tlsConfig *tls.Config
	if cfg.API.TLS.Enabled() {
		a.tlsProvider, err = listsyncTLS.New(cfg.API.TLS)
		if err != nil {
			return err
		}
		tlsConfig = a.tlsProvider.TLSConfig()
		if a.tlsProvider.ACME() {
			a.challengeServer = &http.Server{
				Addr:              cfg.API.TLS.ACME.HTTPAddr,
				Handler:           a.tlsProvider.ChallengeHandler(nil),
				ReadHeaderTimeout: 10 * time.Second,
			}
			logger.Info("ACME (Let's Encrypt) enabled", "domains", cfg.API.TLS.ACME.Domains)
		} else {
			logger.Info("TLS enabled with manual certificates")
		}
	}

	// Outbox routes stay mounted so entries left by an earlier run can be inspected
	a.apiServer = api.NewServer(api.Options{
		Config:      &cfg.API,
		Pages:       pages,
		Sites:       sites,
		Metadata:    meta,
		Submissions: a.submissions,
		Outbox:      a.storage,
		Limiter:     a.rateLimiter,
		TLS:         tlsConfig,
		Version:     version,
		Logger:      logger.With("component", "api"),
	})

	return nil
}

// MailchimpFactory returns a constructor of API clients configured from cfg
func MailchimpFactory(cfg config.MailchimpConfig, logger *slog.Logger) func(apiKey string) *mailchimp.Client {
	return func(apiKey string) *mailchimp.Client {
		return mailchimp.NewClient(apiKey, mailchimp.Options{
			BaseURL:    cfg.BaseURL,
			Timeout:    cfg.Timeout,
			MaxRetries: cfg.MaxRetries,
			PageSize:   cfg.PageSize,
			Logger:     logger,
		})
	}
}

func newNotifier(cfg *config.Config, logger *slog.Logger) (notify.Notifier, error) {
	if !cfg.Notify.Enabled {
		return notify.Discard{Logger: logger}, nil
	}

	var signer *dkim.Signer
	if cfg.Notify.DKIM.Enabled {
		var err error
		signer, err = dkim.NewSignerFromFile(cfg.Notify.DKIM.KeyFile, cfg.Notify.DKIM.Domain, cfg.Notify.DKIM.Selector)
		if err != nil {
			return nil, fmt.Errorf("failed to load DKIM key: %w", err)
		}
		logger.Info("DKIM signing enabled", "domain", signer.Domain(), "selector", signer.Selector())
	}

	logger.Info("admin notifications enabled", "host", cfg.Notify.Host, "recipients", len(cfg.Notify.To))
	return notify.NewMailer(notify.Options{
		Host:          cfg.Notify.Host,
		Port:          cfg.Notify.Port,
		Username:      cfg.Notify.Username,
		Password:      cfg.Notify.Password,
		TLS:           cfg.Notify.TLS,
		TLSSkipVerify: cfg.Notify.TLSSkipVerify,
		HeloName:      cfg.Server.Hostname,
		From:          cfg.Notify.From,
		To:            cfg.Notify.To,
		SubjectPrefix: cfg.Notify.SubjectPrefix,
		Timeout:       cfg.Notify.Timeout,
	}, signer, logger), nil
}

func limitConfig(v *config.LimitValues) *ratelimit.LimitConfig {
	if v == nil {
		return nil
	}
	return &ratelimit.LimitConfig{
		SubmissionsPerHour: v.SubmissionsPerHour,
		SubmissionsPerDay:  v.SubmissionsPerDay,
	}
}

// Handler returns the API handler, for tests
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run starts all components and waits for shutdown
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting listsync",
		"hostname", a.config.Server.Hostname,
		"api_addr", a.config.API.ListenAddr,
		"storage", a.config.Storage.Path,
		"cache", a.config.Cache.Backend,
		"outbox", a.processor != nil,
	)

	// Create context that listens for signals
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if a.processor != nil {
		// Entries claimed by a worker when the previous run stopped
		if n, err := a.storage.RequeueSending(ctx); err != nil {
			a.logger.Error("failed to requeue interrupted entries", "error", err)
		} else if n > 0 {
			a.logger.Info("requeued interrupted entries", "count", n)
		}
		a.processor.Start(ctx)
		a.cleaner.Start(ctx)
	}

	if a.metricsCollector != nil {
		a.metricsCollector.Start(ctx)
	}

	if a.tlsProvider != nil {
		a.logCertificates(ctx)
	}

	// Channel to collect errors
	errCh := make(chan error, 3)

	if a.challengeServer != nil {
		go func() {
			a.logger.Info("starting ACME challenge server", "addr", a.challengeServer.Addr)
			if err := a.challengeServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("acme challenge server: %w", err)
			}
		}()
	}

	go func() {
		if err := a.apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	if a.metricsServer != nil {
		go func() {
			if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	// Wait for shutdown signal or error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		a.logger.Error("server error", "error", err)
		cancel()
	}

	return a.Shutdown(context.Background())
}

// logCertificates reports served certificates that are close to expiry
func (a *App) logCertificates(ctx context.Context) {
	certs, err := a.tlsProvider.Certificates(ctx)
	if err != nil {
		a.logger.Warn("failed to read TLS certificates", "error", err)
		return
	}
	for _, cert := range certs {
		if cert.DueForRenewal() {
			a.logger.Warn("TLS certificate expires soon", "domain", cert.Domain, "days_left", cert.DaysLeft)
		} else {
			a.logger.Info("TLS certificate", "domain", cert.Domain, "expires", cert.NotAfter)
		}
	}
}

// Shutdown gracefully shuts down all components
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, a.config.Server.ShutdownTimeout)
	defer cancel()

	// Stop accepting submissions first
	if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("api server shutdown error", "error", err)
	}

	// Let pending admin notifications finish
	done := make(chan struct{})
	go func() {
		a.submissions.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		a.logger.Warn("admin notifications still running at shutdown")
	}

	if a.processor != nil {
		a.processor.Stop()
		a.cleaner.Stop()
	}

	if a.challengeServer != nil {
		if err := a.challengeServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("acme challenge server shutdown error", "error", err)
		}
	}

	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("metrics server shutdown error", "error", err)
		}
	}

	a.close()

	a.logger.Info("shutdown complete")
	return nil
}

// close persists counters and releases storage
func (a *App) close() {
	if a.metricsCollector != nil {
		if err := a.metricsCollector.Stop(); err != nil {
			a.logger.Error("metrics collector stop error", "error", err)
		}
	}

	if a.rateLimiter != nil {
		if err := a.rateLimiter.Stop(); err != nil {
			a.logger.Error("rate limiter stop error", "error", err)
		}
	}

	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			a.logger.Error("cache close error", "error", err)
		}
	}

	if err := a.storage.Close(); err != nil {
		a.logger.Error("storage close error", "error", err)
	}
}

// SetupLogger creates a logger based on configuration
func SetupLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
