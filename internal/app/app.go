// Package app wires configuration, storage, channels, dispatch,
// scheduling and the HTTP surfaces into one runnable unit.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/salonhq/outreach/internal/analytics"
	"github.com/salonhq/outreach/internal/api"
	"github.com/salonhq/outreach/internal/channel"
	"github.com/salonhq/outreach/internal/config"
	"github.com/salonhq/outreach/internal/directory"
	"github.com/salonhq/outreach/internal/dispatch"
	"github.com/salonhq/outreach/internal/metrics"
	"github.com/salonhq/outreach/internal/plan"
	"github.com/salonhq/outreach/internal/scheduler"
	"github.com/salonhq/outreach/internal/store"
	"github.com/salonhq/outreach/internal/targeting"
	"github.com/salonhq/outreach/internal/template"
)

// App is the main application
type App struct {
	config *config.Config
	logger *slog.Logger

	store         *store.Store
	processor     *dispatch.Processor
	scheduler     *scheduler.Scheduler
	apiServer     *api.Server
	metricsServer *metrics.Server

	cleanupStop chan struct{}
	cleanupDone chan struct{}
}

// New creates a new application
func New(cfg *config.Config) (*App, error) {
	logger := setupLogger(cfg.Logging)

	st, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	dir, err := directory.NewBoltDirectory(st.DB())
	if err != nil {
		return nil, fmt.Errorf("failed to create customer directory: %w", err)
	}

	templates, err := template.NewStorage(st.DB())
	if err != nil {
		return nil, fmt.Errorf("failed to create template storage: %w", err)
	}

	registry, err := buildRegistry(cfg, logger)
	if err != nil {
		return nil, err
	}

	m := metrics.New()
	resolver := targeting.NewResolver(dir, st.Frequency(), logger)
	engine := template.NewEngine()
	aggregator := analytics.New(st.Campaigns(), st.Deliveries(), logger)
	limiter := plan.NewLimiter(st.Usage(), cfg.MonthlyLimit, logger)

	processor := dispatch.NewProcessor(dispatch.Deps{
		Store:       st,
		Templates:   templates,
		Directory:   dir,
		Resolver:    resolver,
		Engine:      engine,
		Dispatchers: registry,
		Aggregator:  aggregator,
		Limiter:     limiter,
		Metrics:     m,
		Logger:      logger,
	}, dispatch.Config{
		BatchSize:     cfg.Dispatch.BatchSize,
		Concurrency:   cfg.Dispatch.Concurrency,
		BatchDelay:    cfg.Dispatch.BatchDelay,
		MaxRetries:    cfg.Dispatch.MaxRetries,
		RetryInterval: cfg.Dispatch.RetryInterval,
		RetryPoll:     cfg.Dispatch.RetryPoll,
	})

	sched := scheduler.New(st, resolver, processor, m, logger)

	apiServer := api.NewServer(api.Deps{
		Config:      cfg,
		Store:       st,
		Templates:   templates,
		Resolver:    resolver,
		Engine:      engine,
		Dispatchers: registry,
		Scheduler:   sched,
		Aggregator:  aggregator,
		Metrics:     m,
		Logger:      logger,
	})

	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(m, cfg.Metrics.ListenAddr, cfg.Metrics.Path, logger)
	}

	return &App{
		config:        cfg,
		logger:        logger,
		store:         st,
		processor:     processor,
		scheduler:     sched,
		apiServer:     apiServer,
		metricsServer: metricsServer,
		cleanupStop:   make(chan struct{}),
		cleanupDone:   make(chan struct{}),
	}, nil
}

// buildRegistry constructs the default dispatcher from the global
// channel credentials plus one dispatcher per tenant that overrides
// any of them.
func buildRegistry(cfg *config.Config, logger *slog.Logger) (*channel.Registry, error) {
	def, err := buildDispatcher(cfg.Channels, logger)
	if err != nil {
		return nil, err
	}
	registry := channel.NewRegistry(def)

	for tenantID, tenant := range cfg.Tenants {
		if tenant.Channels == nil {
			continue
		}
		merged := mergeChannels(cfg.Channels, *tenant.Channels)
		d, err := buildDispatcher(merged, logger.With("tenant", tenantID))
		if err != nil {
			return nil, fmt.Errorf("tenant %s: %w", tenantID, err)
		}
		registry.Register(tenantID, d)
	}
	return registry, nil
}

// mergeChannels overlays tenant credentials on the global defaults.
func mergeChannels(base, override config.ChannelsConfig) config.ChannelsConfig {
	merged := base
	if override.SMS != nil {
		merged.SMS = override.SMS
	}
	if override.Email != nil {
		merged.Email = override.Email
	}
	if override.Line != nil {
		merged.Line = override.Line
	}
	if override.Instagram != nil {
		merged.Instagram = override.Instagram
	}
	return merged
}

// buildDispatcher creates adapters for every configured channel.
func buildDispatcher(channels config.ChannelsConfig, logger *slog.Logger) (*channel.Dispatcher, error) {
	var adapters []channel.Adapter

	if channels.SMS != nil {
		a, err := channel.NewSMSAdapter(*channels.SMS, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create sms adapter: %w", err)
		}
		adapters = append(adapters, a)
	}
	if channels.Email != nil {
		a, err := channel.NewEmailAdapter(*channels.Email, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create email adapter: %w", err)
		}
		adapters = append(adapters, a)
	}
	if channels.Line != nil {
		a, err := channel.NewLineAdapter(*channels.Line, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create line adapter: %w", err)
		}
		adapters = append(adapters, a)
	}
	if channels.Instagram != nil {
		a, err := channel.NewInstagramAdapter(*channels.Instagram, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create instagram adapter: %w", err)
		}
		adapters = append(adapters, a)
	}

	return channel.NewDispatcher(adapters, logger), nil
}

// Run starts all components and waits for shutdown
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting outreach",
		"api_addr", a.config.API.ListenAddr,
		"storage", a.config.Storage.Path,
		"tenants", len(a.config.Tenants),
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Jobs left mid-send by a crash go back to pending before any
	// timer fires.
	if err := a.processor.RecoverInFlight(ctx); err != nil {
		return fmt.Errorf("failed to recover in-flight jobs: %w", err)
	}

	a.processor.Start(ctx)
	if err := a.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	go a.cleanupLoop(ctx)

	errCh := make(chan error, 2)
	go func() {
		if err := a.apiServer.ListenAndServe(); err != nil {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()
	if a.metricsServer != nil {
		go func() {
			if err := a.metricsServer.Start(); err != nil {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		a.logger.Error("server error", "error", err)
		cancel()
	}

	return a.Shutdown(context.Background())
}

// cleanupLoop prunes old delivery records on the retention interval.
func (a *App) cleanupLoop(ctx context.Context) {
	defer close(a.cleanupDone)

	if a.config.Retention.MaxAge <= 0 {
		return
	}

	ticker := time.NewTicker(a.config.Retention.CleanupInterval)
	defer ticker.Stop()

	deliveries := a.store.Deliveries()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.cleanupStop:
			return
		case <-ticker.C:
			removed, err := deliveries.Cleanup(ctx, a.config.Retention.MaxAge)
			if err != nil {
				a.logger.Error("delivery record cleanup failed", "error", err)
				continue
			}
			if removed > 0 {
				a.logger.Info("pruned delivery records", "removed", removed)
			}
		}
	}
}

// Shutdown gracefully shuts down all components
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// Stop the API first so no new work arrives, then the timers,
	// then the dispatcher.
	if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("api server shutdown error", "error", err)
	}

	a.scheduler.Stop()
	a.processor.Stop()

	close(a.cleanupStop)
	select {
	case <-a.cleanupDone:
	case <-shutdownCtx.Done():
	}

	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("metrics server shutdown error", "error", err)
		}
	}

	if err := a.store.Close(); err != nil {
		a.logger.Error("storage close error", "error", err)
	}

	a.logger.Info("shutdown complete")
	return nil
}

// setupLogger creates a logger based on configuration
func setupLogger(cfg config.LoggingConfig) *slog.Logger {
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

	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
