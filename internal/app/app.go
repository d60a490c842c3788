// Package app constructs the service container and owns its lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/notipy/internal/auth"
	"github.com/MarcoPoloResearchLab/notipy/internal/channels"
	"github.com/MarcoPoloResearchLab/notipy/internal/config"
	"github.com/MarcoPoloResearchLab/notipy/internal/database"
	"github.com/MarcoPoloResearchLab/notipy/internal/events"
	"github.com/MarcoPoloResearchLab/notipy/internal/ids"
	"github.com/MarcoPoloResearchLab/notipy/internal/lease"
	"github.com/MarcoPoloResearchLab/notipy/internal/links"
	"github.com/MarcoPoloResearchLab/notipy/internal/pagestore"
	"github.com/MarcoPoloResearchLab/notipy/internal/reconciler"
	"github.com/MarcoPoloResearchLab/notipy/internal/scheduler"
	"github.com/MarcoPoloResearchLab/notipy/internal/server"
	"github.com/MarcoPoloResearchLab/notipy/internal/servers"
	"github.com/MarcoPoloResearchLab/notipy/internal/webhooks"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// SweepJobName is the scheduler job removing inactive servers.
const SweepJobName = "sweep_inactive_servers"

const shutdownTimeout = 10 * time.Second

// Options overrides process-level collaborators, mainly for tests.
type Options struct {
	Clock      func() time.Time
	HTTPClient *http.Client
}

// App is the process-wide service container.
type App struct {
	config config.AppConfig
	logger *zap.Logger
	clock  func() time.Time

	db         *gorm.DB
	redis      *lease.Redis
	Issuer     *auth.TokenIssuer
	Servers    *servers.Service
	Links      *links.Service
	PageStore  *pagestore.Client
	Channels   *channels.Client
	Events     *events.Dispatcher
	Ingester   *webhooks.Ingester
	Queue      *webhooks.Queue
	Reconciler *reconciler.Reconciler
	Scheduler  *scheduler.Scheduler
	handler    http.Handler

	mu       sync.Mutex
	cancel   context.CancelFunc
	started  bool
	shutdown bool
}

// New opens the database, connects to redis when configured and wires every service.
func New(ctx context.Context, cfg config.AppConfig, logger *zap.Logger, opts Options) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	db, err := database.Open(cfg.DatabaseDriver, cfg.DatabaseDSN, logger)
	if err != nil {
		return nil, err
	}
	a := &App{config: cfg, logger: logger, clock: clock, db: db}
	if err := a.wire(ctx, opts); err != nil {
		_ = a.close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(ctx context.Context, opts Options) error {
	cfg := a.config
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(cfg.SigningSecret),
		Issuer:        cfg.TokenIssuer,
		Audience:      cfg.TokenAudience,
		TokenTTL:      cfg.TokenTTL,
		Clock:         a.clock,
	})
	if err != nil {
		return fmt.Errorf("app: token issuer: %w", err)
	}
	a.Issuer = issuer

	a.Servers, err = servers.NewService(servers.ServiceConfig{
		Database:        a.db,
		Clock:           a.clock,
		Logger:          a.logger,
		CacheTTL:        cfg.ServerCacheTTL,
		CacheMaxEntries: cfg.CacheMaxEntries,
	})
	if err != nil {
		return err
	}
	a.Links, err = links.NewService(links.ServiceConfig{
		Database:         a.db,
		Servers:          a.Servers,
		Logger:           a.logger,
		DatabaseCacheTTL: cfg.DatabaseCacheTTL,
		PageCacheTTL:     cfg.PageCacheTTL,
		CacheMaxEntries:  cfg.CacheMaxEntries,
	})
	if err != nil {
		return err
	}

	a.PageStore = pagestore.NewClient(pagestore.ClientConfig{
		BaseURL:    cfg.PageStoreBaseURL,
		APIVersion: cfg.PageStoreAPIVersion,
		HTTPClient: opts.HTTPClient,
		Timeout:    cfg.PageStoreTimeout,
	})
	a.Channels, err = channels.NewClient(channels.ClientConfig{
		BaseURL:    cfg.ChannelsBaseURL,
		BotToken:   cfg.ChannelsBotToken,
		HTTPClient: opts.HTTPClient,
		Timeout:    cfg.ChannelsTimeout,
	})
	if err != nil {
		return err
	}

	a.Events = events.NewDispatcher()
	a.Ingester, err = webhooks.NewIngester(webhooks.IngesterConfig{
		Servers:  a.Servers,
		Links:    a.Links,
		Notifier: a.Channels,
		Events:   a.Events,
		Logger:   a.logger,
	})
	if err != nil {
		return err
	}
	idProvider := ids.NewUUIDProvider()
	a.Queue, err = webhooks.NewQueue(webhooks.QueueConfig{
		Handler:    a.Ingester,
		Workers:    cfg.WebhookWorkers,
		Size:       cfg.WebhookQueueSize,
		IDProvider: idProvider,
		Clock:      a.clock,
		Logger:     a.logger,
	})
	if err != nil {
		return err
	}

	var runLease lease.Lease = lease.NewLocal(a.clock)
	if cfg.RedisURL != "" {
		a.redis, err = lease.Connect(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		runLease = a.redis
		a.logger.Info("reconciler lease backed by redis")
	}
	a.Reconciler, err = reconciler.New(reconciler.Config{
		Links:        a.Links,
		Pages:        a.PageStore,
		Channels:     a.Channels,
		Lease:        runLease,
		LeaseTTL:     cfg.LeaseTTL,
		RetryCeiling: cfg.RetryCeiling,
		Events:       a.Events,
		IDProvider:   idProvider,
		Clock:        a.clock,
		Logger:       a.logger,
	})
	if err != nil {
		return err
	}

	a.Scheduler = scheduler.New(a.logger)
	if err := a.Scheduler.Register(scheduler.Job{
		Name:        server.ReconcileJobName,
		Description: "deliver dirty pages to their channels",
		Interval:    cfg.ReconcileInterval,
		Fn:          a.reconcile,
	}); err != nil {
		return err
	}
	if err := a.Scheduler.Register(scheduler.Job{
		Name:        SweepJobName,
		Description: "remove servers inactive for longer than the inactivity window",
		Interval:    cfg.SweepInterval,
		Fn: func(ctx context.Context) error {
			_, err := a.SweepInactive(ctx)
			return err
		},
	}); err != nil {
		return err
	}

	a.handler, err = server.NewHTTPHandler(server.Dependencies{
		Tokens:         a.Issuer,
		Servers:        a.Servers,
		Links:          a.Links,
		Webhooks:       a.Queue,
		PageStore:      a.PageStore,
		Jobs:           a.Scheduler,
		Events:         a.Events,
		Failures:       a.Reconciler,
		AllowedOrigins: cfg.AllowedOrigins,
		Logger:         a.logger,
	})
	return err
}

// Handler returns the HTTP handler.
func (a *App) Handler() http.Handler {
	return a.handler
}

// Start launches the webhook workers and the scheduled jobs. They keep running
// until Shutdown, independent of ctx cancellation.
func (a *App) Start(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started || a.shutdown {
		return
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.cancel = cancel
	a.started = true
	a.Queue.Start(runCtx)
	a.Scheduler.Start(runCtx)
}

// Serve starts the background work and the HTTP listener, and shuts everything
// down once ctx is done.
func (a *App) Serve(ctx context.Context) error {
	a.Start(ctx)
	httpServer := &http.Server{
		Addr:              a.config.HTTPAddress,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("server starting", zap.String("address", a.config.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil && serveErr == nil {
		serveErr = err
	}
	if err := a.Shutdown(shutdownCtx); err != nil && serveErr == nil {
		serveErr = err
	}
	return serveErr
}

// Shutdown stops scheduling, drains queued webhooks and releases connections.
func (a *App) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	if a.shutdown {
		a.mu.Unlock()
		return nil
	}
	a.shutdown = true
	cancel := a.cancel
	started := a.started
	a.mu.Unlock()

	if started {
		a.Queue.Stop()
		cancel()
		done := make(chan struct{})
		go func() {
			a.Scheduler.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			a.logger.Warn("shutdown timed out waiting for running jobs")
		}
	}
	return a.close()
}

func (a *App) close() error {
	var errs []error
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.db != nil {
		sqlDB, err := a.db.DB()
		if err != nil {
			errs = append(errs, err)
		} else {
			errs = append(errs, sqlDB.Close())
		}
	}
	return errors.Join(errs...)
}

// reconcile runs to completion even when shutdown begins mid-run.
func (a *App) reconcile(ctx context.Context) error {
	_, err := a.Reconciler.Run(context.WithoutCancel(ctx))
	if errors.Is(err, reconciler.ErrRunInProgress) {
		a.logger.Info("reconcile skipped, another run holds the lease")
		return nil
	}
	return err
}

// SweepInactive removes servers untouched for the inactivity window along with
// their database links and pages. It returns the removed server ids.
func (a *App) SweepInactive(ctx context.Context) ([]string, error) {
	cutoff := a.clock().Add(-a.config.InactivityWindow)
	removed, err := a.Servers.SweepInactive(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	var errs []error
	for _, serverID := range removed {
		threadIDs, err := a.Links.UnlinkServer(ctx, serverID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		a.logger.Info("inactive server removed",
			zap.String("server_id", serverID),
			zap.Int("thread_count", len(threadIDs)))
	}
	return removed, errors.Join(errs...)
}
