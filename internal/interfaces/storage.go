package interfaces

import (
	"context"
	"errors"

	"github.com/ternarybob/catalogd/internal/models"
)

// ErrNotFound is returned when a requested row does not exist
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a write collides with an existing row
// (duplicate SKU on create, URL on subscription create)
var ErrConflict = errors.New("conflict")

// JobAdvance carries the optional fields of a status transition
type JobAdvance struct {
	TotalRows     *int64
	ProcessedRows *int64
	ErrorMessage  *string
	// ResetProcessed zeroes processed_rows, used when a re-delivered
	// work item restarts parsing from the top
	ResetProcessed bool
}

// JobStorage - interface for import job persistence
type JobStorage interface {
	// CreateJob inserts a new job row in status queued
	CreateJob(ctx context.Context, job *models.Job) error

	// GetJob retrieves a job by id, returns ErrNotFound if absent
	GetJob(ctx context.Context, id string) (*models.Job, error)

	// AdvanceJob moves the job to the given status, applying adv fields.
	// Illegal transitions (terminal rows, regressions other than the
	// redelivery reset) return an error and leave the row untouched.
	AdvanceJob(ctx context.Context, id string, status models.JobStatus, adv JobAdvance) (*models.Job, error)

	// IncrementProcessed atomically adds n to processed_rows
	IncrementProcessed(ctx context.Context, id string, n int64) error

	// ListRecentJobs returns jobs ordered by created_at descending
	ListRecentJobs(ctx context.Context, limit int) ([]*models.Job, error)
}

// ProductListOptions controls product listing pagination
type ProductListOptions struct {
	Limit  int
	Offset int
	// ActiveOnly filters to active products when true
	ActiveOnly bool
	// Search matches sku or name substrings when non-empty
	Search string
}

// ProductStorage - interface for catalog persistence
type ProductStorage interface {
	// BatchUpsert inserts or updates a batch of rows keyed by lower(sku)
	// in a single transaction. Duplicate SKUs within the batch collapse
	// to the last occurrence. Returns the number of rows written.
	BatchUpsert(ctx context.Context, rows []models.ProductInput) (int64, error)

	// Count returns the total number of products
	Count(ctx context.Context) (int64, error)

	// SelectIDs returns up to limit product ids in insertion order
	SelectIDs(ctx context.Context, limit int) ([]int64, error)

	// DeleteByIDs removes the given rows, returns the number deleted
	DeleteByIDs(ctx context.Context, ids []int64) (int64, error)

	// CRUD operations
	Create(ctx context.Context, input models.ProductInput) (*models.Product, error)
	GetByID(ctx context.Context, id int64) (*models.Product, error)
	GetBySKU(ctx context.Context, sku string) (*models.Product, error)
	List(ctx context.Context, opts ProductListOptions) ([]*models.Product, int64, error)
	Update(ctx context.Context, id int64, input models.ProductInput) (*models.Product, error)
	Delete(ctx context.Context, id int64) error
}

// DeliveryResult carries the terminal outcome of one webhook delivery
type DeliveryResult struct {
	Status         models.DeliveryStatus
	ResponseCode   *int
	ResponseBody   *string
	ResponseTimeMS *int64
}

// WebhookStorage - interface for subscription and delivery persistence
type WebhookStorage interface {
	// Subscription operations
	CreateSubscription(ctx context.Context, sub *models.WebhookSubscription) error
	GetSubscription(ctx context.Context, id int64) (*models.WebhookSubscription, error)
	ListSubscriptions(ctx context.Context) ([]*models.WebhookSubscription, error)
	UpdateSubscription(ctx context.Context, sub *models.WebhookSubscription) error
	DeleteSubscription(ctx context.Context, id int64) error

	// ListEnabledForEvent returns enabled subscriptions whose event list
	// contains the given event type
	ListEnabledForEvent(ctx context.Context, eventType string) ([]*models.WebhookSubscription, error)

	// Delivery operations. CreateDelivery appends a pending row;
	// CompleteDelivery moves it to a terminal status exactly once.
	CreateDelivery(ctx context.Context, delivery *models.WebhookDelivery) error
	CompleteDelivery(ctx context.Context, id int64, result DeliveryResult) error
	ListDeliveries(ctx context.Context, subscriptionID int64, limit, offset int) ([]*models.WebhookDelivery, int64, error)
}

// StorageManager aggregates the per-entity storages over one database
type StorageManager interface {
	Jobs() JobStorage
	Products() ProductStorage
	Webhooks() WebhookStorage

	// Ping verifies the database is reachable
	Ping(ctx context.Context) error

	// Close releases the underlying connection
	Close() error
}
