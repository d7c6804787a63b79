package sqlite

import (
	"context"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/catalogd/internal/common"
	"github.com/ternarybob/catalogd/internal/interfaces"
)

// Manager implements the StorageManager interface
type Manager struct {
	db       *SQLiteDB
	jobs     interfaces.JobStorage
	products interfaces.ProductStorage
	webhooks interfaces.WebhookStorage
	logger   arbor.ILogger
}

// NewManager creates a new SQLite storage manager
func NewManager(logger arbor.ILogger, config *common.SQLiteConfig) (interfaces.StorageManager, error) {
	db, err := NewSQLiteDB(logger, config)
	if err != nil {
		return nil, err
	}

	return &Manager{
		db:       db,
		jobs:     NewJobStorage(db, logger),
		products: NewProductStorage(db, logger),
		webhooks: NewWebhookStorage(db, logger),
		logger:   logger,
	}, nil
}

// Jobs returns the job storage interface
func (m *Manager) Jobs() interfaces.JobStorage {
	return m.jobs
}

// Products returns the product storage interface
func (m *Manager) Products() interfaces.ProductStorage {
	return m.products
}

// Webhooks returns the webhook storage interface
func (m *Manager) Webhooks() interfaces.WebhookStorage {
	return m.webhooks
}

// Ping verifies the database is reachable
func (m *Manager) Ping(ctx context.Context) error {
	if m.db == nil {
		return nil
	}
	return m.db.Ping(ctx)
}

// Close closes the database connection
func (m *Manager) Close() error {
	if m.db != nil {
		return m.db.Close()
	}
	return nil
}
