// Package app initializes and holds the long-lived services of the harvest
// engine, acting as the dependency injection container for the CLI.
package app

import (
	"context"
	"fmt"

	gcsapi "cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"forumharvest/internal/api"
	"forumharvest/internal/batch"
	"forumharvest/internal/clock/system"
	"forumharvest/internal/config"
	"forumharvest/internal/export"
	"forumharvest/internal/id/uuid"
	"forumharvest/internal/logging"
	"forumharvest/internal/manager"
	"forumharvest/internal/progress"
	"forumharvest/internal/progress/sinks"
	"forumharvest/internal/session"
	"forumharvest/internal/source"
	"forumharvest/internal/source/discourse"
	"forumharvest/internal/source/memory"
	"forumharvest/internal/source/rss"
	"forumharvest/internal/storage"
	storagegcs "forumharvest/internal/storage/gcs"
	storagelocal "forumharvest/internal/storage/local"
	storagememory "forumharvest/internal/storage/memory"
	"forumharvest/internal/store"
	storememory "forumharvest/internal/store/memory"
	"forumharvest/internal/store/postgres"
)

// App holds every shared service the commands need. It is built once at
// startup and torn down by Close.
type App struct {
	Cfg       config.Config
	Logger    *zap.Logger
	Registry  *prometheus.Registry
	Manager   *manager.Manager
	Sources   *source.Registry
	Sessions  store.SessionRepository
	Content   store.ContentRepository
	Blobs     storage.Provider
	Exporter  *export.Exporter
	Processor *batch.Processor
	Reports   *batch.ReportWriter
	Server    *api.Server

	hub       *progress.Hub
	tracker   *progress.Tracker
	gcsClient *gcsapi.Client
}

// New builds the full service graph from configuration. It fails fast when
// any critical dependency cannot be initialized and recovers previously
// interrupted sessions before returning.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}

	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}
	logger.Info("initializing services")

	a := &App{Cfg: cfg, Logger: logger}
	clock := system.New()
	ids := uuid.NewGenerator()

	if err := a.initStorage(ctx); err != nil {
		return nil, err
	}
	if err := a.initStores(ctx); err != nil {
		return nil, err
	}
	if err := a.initProgress(ctx, clock); err != nil {
		return nil, err
	}

	state := session.NewStateManager(clock, logger)
	a.Manager = manager.New(state, a.tracker, a.hub, a.Sessions, ids, clock, logger, manager.Config{
		PersistInterval: cfg.Manager.PersistInterval,
		RetentionAge:    cfg.Manager.RetentionAge,
	})
	restored, skipped, err := a.Manager.Recover(ctx)
	if err != nil {
		return nil, fmt.Errorf("recover sessions: %w", err)
	}
	if restored > 0 || skipped > 0 {
		logger.Info("session recovery finished",
			zap.Int("restored", restored),
			zap.Int("skipped", skipped))
	}

	a.Sources = source.NewRegistry()
	a.Sources.Register(discourse.New(discourse.Config{
		UserAgent: cfg.Harvest.UserAgent,
		Timeout:   cfg.FetchTimeout(),
	}))
	a.Sources.Register(rss.New(rss.Config{
		UserAgent: cfg.Harvest.UserAgent,
		Timeout:   cfg.FetchTimeout(),
	}))
	a.Sources.Register(memory.New(nil))

	a.Exporter = export.NewExporter(a.Blobs)
	a.Processor = batch.NewProcessor(clock, logger)
	handlers := &batch.Handlers{
		Manager:  a.Manager,
		Registry: a.Sources,
		Content:  a.Content,
		Sessions: a.Sessions,
		Exporter: a.Exporter,
		Clock:    clock,
		Logger:   logger,
	}
	handlers.RegisterAll(a.Processor)
	a.Reports = batch.NewReportWriter(a.Blobs)

	a.Server = api.NewServer(a.Manager, a.Sessions, a.Processor, a.Reports, a.Registry, cfg, logger)

	logger.Info("services initialized")
	return a, nil
}

func (a *App) initStorage(ctx context.Context) error {
	switch a.Cfg.Storage.Backend {
	case "local":
		provider, err := storagelocal.New(storagelocal.Config{BaseDir: a.Cfg.Storage.BaseDir})
		if err != nil {
			return fmt.Errorf("initialize local storage: %w", err)
		}
		a.Blobs = provider
	case "gcs":
		client, err := gcsapi.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("initialize gcs client: %w", err)
		}
		provider, err := storagegcs.New(client, storagegcs.Config{Bucket: a.Cfg.Storage.GCSBucket})
		if err != nil {
			return fmt.Errorf("initialize gcs storage: %w", err)
		}
		a.gcsClient = client
		a.Blobs = provider
		a.Logger.Info("using gcs storage", zap.String("bucket", a.Cfg.Storage.GCSBucket))
	case "memory":
		a.Blobs = storagememory.New()
	case "none":
		a.Logger.Info("blob storage disabled; artifacts will be discarded")
		a.Blobs = storage.NopProvider{}
	default:
		return fmt.Errorf("unknown storage backend %q", a.Cfg.Storage.Backend)
	}
	return nil
}

func (a *App) initStores(ctx context.Context) error {
	if a.Cfg.DB.DSN == "" {
		a.Logger.Info("no database configured; using in-memory stores")
		a.Sessions = storememory.NewSessionStore()
		a.Content = storememory.NewContentStore()
		return nil
	}
	sessions, err := postgres.NewSessionStore(ctx, postgres.Config{
		DSN:             a.Cfg.DB.DSN,
		MaxConns:        a.Cfg.DB.MaxConns,
		MinConns:        a.Cfg.DB.MinConns,
		MaxConnLifetime: a.Cfg.DB.MaxConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("initialize session store: %w", err)
	}
	if err := sessions.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	a.Sessions = sessions
	content, err := postgres.NewContentStore(sessions.Pool())
	if err != nil {
		return fmt.Errorf("initialize content store: %w", err)
	}
	a.Content = content
	a.Logger.Info("connected to postgres")
	return nil
}

func (a *App) initProgress(ctx context.Context, clock progress.Clock) error {
	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	sinkList := []progress.Sink{sinks.NewLogSink(a.Logger)}
	promSink, err := sinks.NewPrometheusSink(a.Registry)
	if err != nil {
		return fmt.Errorf("initialize prometheus sink: %w", err)
	}
	sinkList = append(sinkList, promSink)

	if a.Cfg.PubSub.Enabled {
		publisher, err := sinks.NewTopicPublisher(ctx, a.Cfg.PubSub.ProjectID, a.Cfg.PubSub.TopicName)
		if err != nil {
			return fmt.Errorf("initialize pubsub publisher: %w", err)
		}
		sinkList = append(sinkList, sinks.NewPubSubSink(publisher, a.Logger))
		a.Logger.Info("publishing progress events", zap.String("topic", a.Cfg.PubSub.TopicName))
	}

	a.hub = progress.NewHub(progress.HubConfig{Logger: a.Logger}, sinkList...)
	milestones := make([]float64, 0, len(a.Cfg.Manager.Milestones))
	for _, m := range a.Cfg.Manager.Milestones {
		milestones = append(milestones, float64(m))
	}
	a.tracker = progress.NewTracker(progress.TrackerConfig{
		Milestones:        milestones,
		HistorySize:       a.Cfg.Manager.HistorySize,
		HeartbeatInterval: a.Cfg.Manager.HeartbeatInterval,
		Logger:            a.Logger,
	}, clock, a.hub)
	return nil
}

// Run starts the manager's persistence loop and blocks until the context is
// cancelled.
func (a *App) Run(ctx context.Context) {
	a.Manager.Run(ctx)
}

// Close tears services down in dependency order: the manager persists and
// releases sessions first, then the event pipeline flushes, then external
// clients close.
func (a *App) Close(ctx context.Context) {
	if a.Manager != nil {
		if err := a.Manager.Close(ctx); err != nil {
			a.Logger.Warn("manager shutdown failed", zap.Error(err))
		}
	}
	if a.tracker != nil {
		a.tracker.Close()
	}
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.Logger.Warn("event hub shutdown failed", zap.Error(err))
		}
	}
	if a.Sessions != nil {
		a.Sessions.Close()
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.Logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	_ = a.Logger.Sync()
}
