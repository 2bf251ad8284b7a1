package main

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"

	"github.com/MarcoPoloResearchLab/tidewatch/internal/auth"
	"github.com/MarcoPoloResearchLab/tidewatch/internal/broadcast"
	"github.com/MarcoPoloResearchLab/tidewatch/internal/config"
	"github.com/MarcoPoloResearchLab/tidewatch/internal/database"
	"github.com/MarcoPoloResearchLab/tidewatch/internal/decoder"
	"github.com/MarcoPoloResearchLab/tidewatch/internal/enrichment"
	"github.com/MarcoPoloResearchLab/tidewatch/internal/ingest"
	"github.com/MarcoPoloResearchLab/tidewatch/internal/maintenance"
	"github.com/MarcoPoloResearchLab/tidewatch/internal/metrics"
	"github.com/MarcoPoloResearchLab/tidewatch/internal/server"
	"github.com/MarcoPoloResearchLab/tidewatch/internal/sources"
	"github.com/MarcoPoloResearchLab/tidewatch/internal/tracking"
	"github.com/MarcoPoloResearchLab/tidewatch/internal/transport"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// application owns the long-lived components of one process.
type application struct {
	config     config.AppConfig
	logger     *zap.Logger
	db         *gorm.DB
	metrics    *metrics.Metrics
	dispatcher *broadcast.Dispatcher
	registry   *sources.Registry
	tracking   *tracking.Service
	pipeline   *ingest.Pipeline

	lookup *enrichment.Client
	worker *enrichment.Worker

	supervisor *sources.Supervisor
	scheduler  *maintenance.Scheduler
	natsConn   *nats.Conn
}

// newApplication wires storage, routing and ingestion. withEnrichment enables
// the profile worker when an API key is configured.
func newApplication(appConfig config.AppConfig, logger *zap.Logger, withEnrichment bool) (*application, error) {
	db, err := database.Open(database.Options{
		Driver: appConfig.DatabaseDriver,
		DSN:    appConfig.DatabaseDSN,
		Path:   appConfig.DatabasePath,
	}, logger)
	if err != nil {
		return nil, err
	}

	app := &application{
		config:  appConfig,
		logger:  logger,
		db:      db,
		metrics: metrics.New(),
	}
	app.dispatcher = broadcast.NewDispatcher(broadcast.Config{OnEvict: app.metrics.BroadcastEvicted})
	aisDecoder := decoder.NewAISDecoder()

	app.registry, err = sources.NewRegistry(sources.RegistryConfig{
		Database:            db,
		IDProvider:          sources.NewUUIDProvider(),
		DefaultSpoofLimitKM: appConfig.DefaultSpoofLimitKM,
		DefaultBaudRate:     appConfig.DefaultSerialBaud,
		Metrics:             app.metrics,
		OnDelete:            aisDecoder.Forget,
		Logger:              logger,
	})
	if err != nil {
		app.closeDatabase()
		return nil, err
	}

	var enqueuer tracking.Enqueuer
	if withEnrichment && appConfig.EnrichmentEnabled() {
		app.lookup, err = enrichment.NewClient(enrichment.ClientConfig{
			BaseURL:     appConfig.EnrichmentBaseURL,
			APIKey:      appConfig.EnrichmentAPIKey,
			MinInterval: appConfig.EnrichmentMinInterval,
			CacheTTL:    appConfig.EnrichmentCacheTTL,
			Logger:      logger,
		})
		if err != nil {
			app.closeDatabase()
			return nil, err
		}
		app.worker, err = enrichment.NewWorker(enrichment.WorkerConfig{
			Database:  db,
			Lookup:    app.lookup,
			QueueSize: appConfig.EnrichmentQueueSize,
			Metrics:   app.metrics,
			Logger:    logger,
		})
		if err != nil {
			app.closeDatabase()
			return nil, err
		}
		enqueuer = app.worker
	}

	app.tracking, err = tracking.NewService(tracking.ServiceConfig{
		Database:   db,
		Decoder:    aisDecoder,
		Sources:    app.registry,
		Directory:  app.registry,
		Publisher:  app.dispatcher,
		Enrichment: enqueuer,
		Validity: tracking.ValidityPolicy{
			RejectNullIsland: appConfig.RejectNullIsland,
			RejectSentinels:  appConfig.RejectSentinels,
		},
		SpoofCacheTTL: appConfig.SpoofCacheTTL,
		Metrics:       app.metrics,
		Logger:        logger,
	})
	if err != nil {
		app.closeDatabase()
		return nil, err
	}

	app.pipeline, err = ingest.NewPipeline(ingest.Config{
		Router:    app.tracking,
		Shards:    appConfig.IngestShards,
		QueueSize: appConfig.IngestQueueSize,
		Metrics:   app.metrics,
		Logger:    logger,
	})
	if err != nil {
		app.closeDatabase()
		return nil, err
	}
	return app, nil
}

// start launches adapters, the enrichment worker, the NATS relay and the
// maintenance scheduler.
func (a *application) start(ctx context.Context) error {
	a.supervisor = sources.NewSupervisor(sources.SupervisorConfig{
		Sink:    a.pipeline,
		Paused:  a.registry.IsPaused,
		OnExit:  a.registry.HandleAdapterExit,
		Metrics: a.metrics,
		Logger:  a.logger,
	})
	a.registry.AttachSupervisor(a.supervisor)
	if err := a.registry.Restore(ctx); err != nil {
		return err
	}

	if a.worker != nil {
		go a.worker.Run(ctx)
	}

	if a.config.NATSURL != "" {
		conn, err := broadcast.Connect(a.config.NATSURL)
		if err != nil {
			return err
		}
		a.natsConn = conn
		relay := broadcast.NewNATSRelay(broadcast.RelayConfig{
			Publisher:     conn,
			SubjectPrefix: a.config.NATSSubjectPrefix,
			Logger:        a.logger,
		})
		go relay.Run(ctx, a.dispatcher)
		a.logger.Info("nats relay started", zap.String("url", conn.ConnectedUrlRedacted()))
	}

	scheduler, err := maintenance.NewScheduler(maintenance.Config{
		Schedule:   a.config.MaintenanceSchedule,
		Reconciler: a.registry,
		Logger:     a.logger,
	})
	if err != nil {
		return err
	}
	a.scheduler = scheduler
	a.scheduler.Start()
	return nil
}

func (a *application) httpHandler() (http.Handler, error) {
	deps := server.Dependencies{
		Tracking:   a.tracking,
		Sources:    a.registry,
		Dispatcher: a.dispatcher,
		Metrics:    a.metrics,
		UploadDir:  a.config.UploadDir,
		Logger:     a.logger,
	}
	if a.config.AuthEnabled() {
		issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
			SigningSecret: []byte(a.config.SigningSecret),
			Issuer:        a.config.AuthIssuer,
			TokenTTL:      a.config.TokenTTL,
		})
		if err != nil {
			return nil, err
		}
		deps.Tokens = issuer
	} else {
		a.logger.Warn("auth.signing_secret not set; mutating routes are unauthenticated")
	}
	if a.lookup != nil {
		deps.History = a.lookup
	}
	if a.worker != nil {
		deps.Enrichment = a.worker
	}
	return server.NewHTTPHandler(deps)
}

// shutdown stops adapters first so no line is submitted to a closed pipeline.
func (a *application) shutdown() {
	if a.supervisor != nil {
		a.supervisor.Shutdown()
	}
	a.pipeline.Close()
	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	if a.natsConn != nil {
		if err := a.natsConn.Drain(); err != nil {
			a.logger.Warn("nats drain failed", zap.Error(err))
		}
	}
}

func (a *application) closeDatabase() {
	sqlDB, err := a.db.DB()
	if err != nil {
		return
	}
	if err := sqlDB.Close(); err != nil {
		a.logger.Warn("database close failed", zap.Error(err))
	}
}

// replayFile registers path as a file source (reusing an existing
// registration), reads it to the end and waits for the pipeline to drain.
func (a *application) replayFile(ctx context.Context, path string) (tracking.Status, error) {
	absolute, err := filepath.Abs(path)
	if err != nil {
		return tracking.Status{}, err
	}
	source, err := a.registry.Register(ctx, sources.Registration{
		Transport: string(transport.KindFile),
		Endpoint:  absolute,
	})
	if errors.Is(err, sources.ErrDuplicateSource) {
		source, err = a.findSource(ctx, absolute)
	}
	if err != nil {
		a.pipeline.Close()
		return tracking.Status{}, err
	}

	adapter := transport.NewFileAdapter(transport.FileConfig{Path: absolute, Logger: a.logger})
	runErr := adapter.Run(ctx, func(line transport.Line) error {
		return a.pipeline.Submit(ctx, source.SourceID, line)
	})
	a.pipeline.Close()
	if runErr != nil {
		return tracking.Status{}, runErr
	}
	if err := a.registry.MarkProcessingComplete(ctx, source.SourceID); err != nil {
		return tracking.Status{}, err
	}
	return a.tracking.Status(ctx)
}

func (a *application) findSource(ctx context.Context, endpoint string) (sources.Source, error) {
	registered, err := a.registry.List(ctx)
	if err != nil {
		return sources.Source{}, err
	}
	for _, source := range registered {
		if source.Transport == transport.KindFile && source.Endpoint == endpoint {
			return source, nil
		}
	}
	return sources.Source{}, sources.ErrSourceNotFound
}
