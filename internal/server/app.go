// Package server builds the auditd dependency graph and runs the HTTP service.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-audit-scheduler/internal/admission"
	"github.com/JakeFAU/site-audit-scheduler/internal/api"
	"github.com/JakeFAU/site-audit-scheduler/internal/archive"
	gcsarchive "github.com/JakeFAU/site-audit-scheduler/internal/archive/gcs"
	localarchive "github.com/JakeFAU/site-audit-scheduler/internal/archive/local"
	"github.com/JakeFAU/site-audit-scheduler/internal/audit"
	"github.com/JakeFAU/site-audit-scheduler/internal/browser"
	"github.com/JakeFAU/site-audit-scheduler/internal/cache"
	"github.com/JakeFAU/site-audit-scheduler/internal/clock"
	"github.com/JakeFAU/site-audit-scheduler/internal/config"
	"github.com/JakeFAU/site-audit-scheduler/internal/logging"
	"github.com/JakeFAU/site-audit-scheduler/internal/metrics"
	"github.com/JakeFAU/site-audit-scheduler/internal/orchestrator"
	"github.com/JakeFAU/site-audit-scheduler/internal/pool"
	memorypublisher "github.com/JakeFAU/site-audit-scheduler/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/site-audit-scheduler/internal/publisher/pubsub"
	"github.com/JakeFAU/site-audit-scheduler/internal/queue"
	"github.com/JakeFAU/site-audit-scheduler/internal/ratelimit"
	"github.com/JakeFAU/site-audit-scheduler/internal/scanner/local"
	"github.com/JakeFAU/site-audit-scheduler/internal/scanner/remote"
	"github.com/JakeFAU/site-audit-scheduler/internal/telemetry"
)

// Version is stamped at build time.
var Version = "dev"

// App contains the application's dependencies.
type App struct {
	cfg       *config.Config
	logger    *zap.Logger
	pool      *pool.Pool
	cache     *cache.Cache
	service   *orchestrator.Service
	apiServer *api.Server

	pubsubClient  *pubsub.Client
	pubsubTopic   *pubsub.Topic
	storageClient *storage.Client
	telemetry     *telemetry.Providers

	closing atomic.Bool
}

// Build creates the application's dependencies and warms the browser pool.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(logging.Options{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
		Service:     cfg.Telemetry.ServiceName,
	})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	app := &App{cfg: cfg, logger: logger}
	logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.Bool("remote_enabled", cfg.Remote.Enabled),
		zap.Bool("auth_enabled", cfg.Auth.Enabled),
	)

	if err := app.wire(ctx); err != nil {
		app.closeInfrastructure(ctx)
		app.closeObservability(ctx)
		return nil, err
	}
	return app, nil
}

// wire builds everything after the logger. Build releases whatever it created on failure.
func (a *App) wire(ctx context.Context) error {
	var err error
	a.telemetry, err = telemetry.Init(ctx, telemetry.Options{
		ServiceName: a.cfg.Telemetry.ServiceName,
		Version:     Version,
		ProjectID:   a.cfg.Telemetry.ProjectID,
	})
	if err != nil {
		return fmt.Errorf("telemetry init failed: %w", err)
	}
	metrics.Init()

	clk := clock.New()
	if err := a.setupPool(ctx, clk); err != nil {
		return err
	}

	a.cache, err = cache.New(cache.Config{
		MaxSize:       a.cfg.Cache.MaxSize,
		DefaultTTL:    a.cfg.Cache.DefaultTTL,
		SweepInterval: a.cfg.Cache.SweepInterval,
	}, clk, a.logger.Named("cache"))
	if err != nil {
		return fmt.Errorf("cache init failed: %w", err)
	}

	publisher, err := a.setupPublisher(ctx)
	if err != nil {
		return err
	}

	scanCfg := local.Config{
		NavigationTimeout: a.cfg.Scanner.NavigationTimeout,
		SettleDelay:       a.cfg.Scanner.SettleDelay,
		UserAgent:         a.cfg.Pool.UserAgent,
	}
	if a.cfg.Scanner.PerHostRPS > 0 {
		hosts, err := ratelimit.New(ratelimit.Config{
			DefaultRPS:   a.cfg.Scanner.PerHostRPS,
			DefaultBurst: a.cfg.Scanner.PerHostBurst,
			OnWait:       metrics.ObserveHostWait,
		})
		if err != nil {
			return fmt.Errorf("host limiter init failed: %w", err)
		}
		scanCfg.Hosts = hosts
	}

	deps := orchestrator.Deps{
		Cache:     a.cache,
		Local:     local.New(scanCfg, a.pool, clk, a.logger.Named("scanner")),
		Pool:      a.pool,
		Publisher: publisher,
		Recorder:  metrics.Recorder{},
		Clock:     clk,
		Logger:    a.logger.Named("orchestrator"),
	}
	if deps.Archive, err = a.setupArchive(ctx, clk); err != nil {
		return err
	}
	if err := setupRemote(a.cfg, clk, a.logger, &deps); err != nil {
		return err
	}

	a.service, err = orchestrator.New(orchestrator.Config{
		Queue: queue.Config{
			MaxConcurrency: a.cfg.Queue.MaxConcurrency,
			HistorySize:    a.cfg.Queue.HistorySize,
		},
		JobTimeout:  a.cfg.Queue.JobTimeout,
		WaitTimeout: a.cfg.Queue.WaitTimeout,
	}, deps)
	if err != nil {
		return fmt.Errorf("orchestrator init failed: %w", err)
	}

	metrics.SetSnapshotSource(func() metrics.Snapshot {
		return snapshotFrom(a.service.Stats())
	})
	a.cache.Start()

	a.apiServer = api.NewServer(a.service, api.Options{
		AuthEnabled:    a.cfg.Auth.Enabled,
		APIKey:         a.cfg.Auth.APIKey,
		RequestTimeout: a.cfg.Server.RequestTimeout,
		Ready:          a.ready,
	}, a.logger.Named("api"))

	return nil
}

func (a *App) setupPool(ctx context.Context, clk clock.Clock) error {
	launcher := browser.NewLauncher(browser.Config{
		Headless:  a.cfg.Pool.Headless,
		ExecPath:  a.cfg.Pool.ExecPath,
		UserAgent: a.cfg.Pool.UserAgent,
		NoSandbox: a.cfg.Pool.NoSandbox,
	})
	p, err := pool.New(pool.Config{
		MinInstances:  a.cfg.Pool.MinInstances,
		MaxInstances:  a.cfg.Pool.MaxInstances,
		IdleTimeout:   a.cfg.Pool.IdleTimeout,
		SweepInterval: a.cfg.Pool.SweepInterval,
		LaunchTimeout: a.cfg.Pool.LaunchTimeout,
	}, launcher, clk, a.logger.Named("pool"))
	if err != nil {
		return fmt.Errorf("browser pool init failed: %w", err)
	}
	if err := p.Initialize(ctx); err != nil {
		_ = p.Shutdown(ctx)
		return fmt.Errorf("browser pool warm-up failed: %w", err)
	}
	a.pool = p
	return nil
}

func setupRemote(cfg *config.Config, clk clock.Clock, logger *zap.Logger, deps *orchestrator.Deps) error {
	if !cfg.Remote.Enabled {
		logger.Info("remote scanning disabled")
		return nil
	}
	client, err := remote.New(remote.Config{
		Endpoint:      cfg.Remote.Endpoint,
		APIKey:        cfg.Remote.APIKey,
		Timeout:       cfg.Remote.Timeout,
		RatePerSecond: cfg.Remote.RatePerSecond,
	}, nil, logger.Named("remote"))
	if err != nil {
		return fmt.Errorf("remote scanner init failed: %w", err)
	}
	gate, err := admission.New(cfg.Remote.MaxConcurrent, clk, logger.Named("admission"))
	if err != nil {
		return fmt.Errorf("admission queue init failed: %w", err)
	}
	deps.Remote = client
	deps.Admission = gate
	logger.Info("remote scanning enabled",
		zap.Int("max_concurrent", cfg.Remote.MaxConcurrent),
		zap.Float64("rate_per_second", cfg.Remote.RatePerSecond),
	)
	return nil
}

func (a *App) setupPublisher(ctx context.Context) (audit.Publisher, error) {
	if a.cfg.PubSub.TopicName == "" || a.cfg.PubSub.ProjectID == "" {
		a.logger.Warn("No Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	var err error
	a.pubsubClient, err = pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubTopic = a.pubsubClient.Topic(a.cfg.PubSub.TopicName)
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return gcppublisher.New(a.pubsubTopic), nil
}

func (a *App) setupArchive(ctx context.Context, clk clock.Clock) (orchestrator.Archiver, error) {
	var store archive.BlobStore
	switch a.cfg.Archive.Backend {
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.storageClient = client
		store, err = gcsarchive.New(client, gcsarchive.Config{Bucket: a.cfg.Archive.Bucket})
		if err != nil {
			return nil, fmt.Errorf("gcs archive init failed: %w", err)
		}
		a.logger.Info("archiving reports to GCS", zap.String("bucket", a.cfg.Archive.Bucket))
	case "local":
		var err error
		store, err = localarchive.New(localarchive.Config{BaseDir: a.cfg.Archive.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local archive init failed: %w", err)
		}
		a.logger.Info("archiving reports to local disk", zap.String("path", a.cfg.Archive.BaseDir))
	default:
		a.logger.Info("report archive disabled")
		return nil, nil
	}
	archiver, err := archive.New(store, a.cfg.Archive.Prefix, clk)
	if err != nil {
		return nil, fmt.Errorf("archive init failed: %w", err)
	}
	return archiver, nil
}

func (a *App) ready() error {
	if a.closing.Load() {
		return errors.New("shutting down")
	}
	return nil
}

// snapshotFrom flattens orchestrator stats into scrape gauges.
func snapshotFrom(stats orchestrator.Stats) metrics.Snapshot {
	snap := metrics.Snapshot{
		QueueQueued:     stats.Queue.Queued,
		QueueProcessing: stats.Queue.Processing,
		QueueMax:        stats.Queue.MaxConcurrency,
		QueueAvgMs:      stats.Queue.AverageProcessingTimeMs,
		CacheSize:       stats.Cache.Size,
		CacheHits:       stats.Cache.Hits,
		CacheMisses:     stats.Cache.Misses,
		CacheEvictions:  stats.Cache.Evictions,
	}
	if stats.Pool != nil {
		snap.PoolSize = stats.Pool.Size
		snap.PoolInUse = stats.Pool.InUse
		snap.PoolWaiting = stats.Pool.Waiting
		snap.PoolMax = stats.Pool.MaxInstances
	}
	if stats.Admission != nil {
		snap.RemoteQueued = stats.Admission.Queued
		snap.RemoteProcessing = stats.Admission.Processing
		snap.RemoteMax = stats.Admission.MaxConcurrent
	}
	return snap
}

// Handler exposes the traced API router.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run serves HTTP and blocks until ctx is canceled or a termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			stop()
		}
		close(serveErr)
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")
	a.closing.Store(true)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	closeErr := a.Close(shutdownCtx)
	if err := <-serveErr; err != nil {
		return fmt.Errorf("http server: %w", err)
	}
	return closeErr
}

// Close drains local jobs, then releases browsers, the cache sweeper and publishers.
func (a *App) Close(ctx context.Context) error {
	a.closing.Store(true)
	var errs []error
	if a.service != nil {
		if err := a.service.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("drain scan queue: %w", err))
		}
	}
	a.closeInfrastructure(ctx)
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.cache != nil {
		a.cache.Stop()
	}
	if a.pool != nil {
		if err := a.pool.Shutdown(ctx); err != nil {
			a.logger.Warn("browser pool shutdown failed", zap.Error(err))
		}
	}
	if a.pubsubTopic != nil {
		a.pubsubTopic.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storageClient != nil {
		if err := a.storageClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
}

func (a *App) closeObservability(ctx context.Context) {
	metrics.SetSnapshotSource(nil)
	if err := a.telemetry.Shutdown(ctx); err != nil {
		a.logger.Warn("telemetry shutdown failed", zap.Error(err))
	}
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
}
