package app

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/catalogd/internal/common"
	"github.com/ternarybob/catalogd/internal/handlers"
	"github.com/ternarybob/catalogd/internal/interfaces"
	"github.com/ternarybob/catalogd/internal/progress"
	"github.com/ternarybob/catalogd/internal/queue"
	"github.com/ternarybob/catalogd/internal/server"
	"github.com/ternarybob/catalogd/internal/services/ingest"
	"github.com/ternarybob/catalogd/internal/services/maintenance"
	"github.com/ternarybob/catalogd/internal/services/webhooks"
	badgerstore "github.com/ternarybob/catalogd/internal/storage/badger"
	"github.com/ternarybob/catalogd/internal/storage/sqlite"
	"github.com/ternarybob/catalogd/internal/validator"
)

// App holds all application components and dependencies
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	StorageManager interfaces.StorageManager
	BadgerDB       *badgerstore.BadgerDB
	ProgressStore  *progress.Store
	QueueManager   *queue.Manager
	WorkerPool     *queue.Pool

	IngestService      *ingest.Service
	WebhookService     *webhooks.Service
	MaintenanceService *maintenance.Service

	Server *server.Server
}

// New initializes the application with all dependencies. A storage
// bootstrap failure is fatal; the caller should exit.
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	if err := app.initStorage(); err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	if err := app.initQueue(); err != nil {
		app.closeStorage()
		return nil, fmt.Errorf("failed to initialize queue: %w", err)
	}

	app.initServices()
	app.initServer()

	return app, nil
}

func (a *App) initStorage() error {
	storageManager, err := sqlite.NewManager(a.Logger, &a.Config.Storage.SQLite)
	if err != nil {
		return err
	}
	a.StorageManager = storageManager

	badgerDB, err := badgerstore.NewBadgerDB(a.Logger, &a.Config.Storage.Badger)
	if err != nil {
		storageManager.Close()
		return err
	}
	a.BadgerDB = badgerDB

	a.ProgressStore = progress.NewStore(badgerDB.DB(), a.Config.ProgressTTL(), a.Logger)
	return nil
}

func (a *App) initQueue() error {
	queueManager, err := queue.NewManager(a.BadgerDB.DB(), a.Logger)
	if err != nil {
		return err
	}
	a.QueueManager = queueManager
	a.WorkerPool = queue.NewPool(queueManager, a.Config.Queue.Concurrency, a.Config.PollInterval(), a.Logger)
	return nil
}

func (a *App) initServices() {
	cfg := a.Config

	a.WebhookService = webhooks.NewService(a.StorageManager.Webhooks(), a.QueueManager, a.Logger)
	a.IngestService = ingest.NewService(a.StorageManager, a.QueueManager, a.ProgressStore, a.Logger)
	a.MaintenanceService = maintenance.NewService(
		a.QueueManager, cfg.Uploads.TmpDir, cfg.StaleUploadAge(), cfg.Uploads.SweepSchedule, a.Logger)

	importWorker := ingest.NewImportWorker(
		a.StorageManager, a.ProgressStore, a.WebhookService,
		cfg.Ingest.BatchSize, cfg.ProgressInterval(), a.Logger)
	bulkDeleteWorker := ingest.NewBulkDeleteWorker(
		a.StorageManager, a.ProgressStore, a.WebhookService,
		cfg.Ingest.BatchSize, cfg.ProgressInterval(), a.Logger)
	deliverer := webhooks.NewDeliverer(
		a.StorageManager.Webhooks(), cfg.WebhookTimeout(), cfg.Webhooks.MaxResponseBody, a.Logger)

	a.WorkerPool.RegisterHandler(queue.QueueIngest, importWorker.Handle)
	a.WorkerPool.RegisterHandler(queue.QueueBulkOps, bulkDeleteWorker.Handle)
	a.WorkerPool.RegisterHandler(queue.QueueWebhook, deliverer.Handle)
}

func (a *App) initServer() {
	cfg := a.Config
	csvValidator := validator.NewCSVValidator(0)

	a.Server = server.New(server.Options{
		Host:       cfg.Server.Host,
		Port:       cfg.Server.Port,
		APIPrefix:  cfg.Server.APIPrefix,
		UploadRate: cfg.Uploads.RatePerMinute,

		API:      handlers.NewAPIHandler(a.StorageManager, a.QueueManager, a.Logger),
		Upload:   handlers.NewUploadHandler(a.IngestService, csvValidator, cfg.Uploads.TmpDir, cfg.MaxUploadBytes(), cfg.Server.APIPrefix, a.Logger),
		Progress: handlers.NewProgressHandler(a.IngestService, a.ProgressStore, a.Logger),
		Imports:  handlers.NewImportHandler(a.IngestService, a.Logger),
		Products: handlers.NewProductHandler(a.StorageManager, a.IngestService, a.WebhookService, cfg.Server.APIPrefix, a.Logger),
		Webhooks: handlers.NewWebhookHandler(a.StorageManager, a.Logger),
	}, a.Logger)
}

// Start launches the workers, the maintenance schedule and the HTTP
// listener. Blocks until the listener stops.
func (a *App) Start() error {
	a.WorkerPool.Start()
	if err := a.MaintenanceService.Start(); err != nil {
		return err
	}
	return a.Server.Start()
}

// Shutdown stops components in dependency order: listener first so no
// new work arrives, then workers, then storage.
func (a *App) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		a.Logger.Warn().Err(err).Msg("HTTP shutdown did not complete cleanly")
	}

	a.MaintenanceService.Stop()
	a.WorkerPool.Stop()
	a.closeStorage()

	a.Logger.Info().Msg("Shutdown complete")
	return nil
}

func (a *App) closeStorage() {
	if a.ProgressStore != nil {
		if err := a.ProgressStore.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close progress store")
		}
	}
	if a.BadgerDB != nil {
		if err := a.BadgerDB.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close badger database")
		}
	}
	if a.StorageManager != nil {
		if err := a.StorageManager.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close storage")
		}
	}
}
