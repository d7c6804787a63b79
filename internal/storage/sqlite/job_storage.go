package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/catalogd/internal/interfaces"
	"github.com/ternarybob/catalogd/internal/models"
)

// unixToTime converts Unix timestamp to time.Time
func unixToTime(unix int64) time.Time {
	return time.Unix(unix, 0)
}

// JobStorage implements SQLite storage for import jobs
type JobStorage struct {
	db     *SQLiteDB
	logger arbor.ILogger
}

// NewJobStorage creates a new job storage instance
func NewJobStorage(db *SQLiteDB, logger arbor.ILogger) interfaces.JobStorage {
	return &JobStorage{
		db:     db,
		logger: logger,
	}
}

// CreateJob inserts a new job row
func (s *JobStorage) CreateJob(ctx context.Context, job *models.Job) error {
	now := time.Now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	if job.Status == "" {
		job.Status = models.JobStatusQueued
	}

	var totalRows sql.NullInt64
	if job.TotalRows != nil {
		totalRows.Valid = true
		totalRows.Int64 = *job.TotalRows
	}

	query := `
		INSERT INTO import_jobs (id, filename, kind, status, total_rows, processed_rows, error_message, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.DB().ExecContext(ctx, query,
		job.ID, job.Filename, string(job.Kind), string(job.Status),
		totalRows, job.ProcessedRows, job.ErrorMessage,
		job.CreatedAt.Unix(), job.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}

	s.logger.Debug().Str("job_id", job.ID).Str("kind", string(job.Kind)).Msg("Job created")
	return nil
}

// GetJob retrieves a job by id
func (s *JobStorage) GetJob(ctx context.Context, id string) (*models.Job, error) {
	return scanJob(s.db.DB().QueryRowContext(ctx, `
		SELECT id, filename, kind, status, total_rows, processed_rows, error_message, created_at, updated_at
		FROM import_jobs WHERE id = ?`, id))
}

// rowScanner covers *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var job models.Job
	var kind, status string
	var totalRows sql.NullInt64
	var createdAt, updatedAt int64

	err := row.Scan(&job.ID, &job.Filename, &kind, &status, &totalRows,
		&job.ProcessedRows, &job.ErrorMessage, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, interfaces.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}

	job.Kind = models.JobKind(kind)
	job.Status = models.JobStatus(status)
	if totalRows.Valid {
		job.TotalRows = &totalRows.Int64
	}
	job.CreatedAt = unixToTime(createdAt)
	job.UpdatedAt = unixToTime(updatedAt)
	return &job, nil
}

// AdvanceJob moves a job to the given status inside a transaction.
// The current row is read first so illegal transitions never write.
func (s *JobStorage) AdvanceJob(ctx context.Context, id string, status models.JobStatus, adv interfaces.JobAdvance) (*models.Job, error) {
	tx, err := s.db.DB().BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	current, err := scanJob(tx.QueryRowContext(ctx, `
		SELECT id, filename, kind, status, total_rows, processed_rows, error_message, created_at, updated_at
		FROM import_jobs WHERE id = ?`, id))
	if err != nil {
		return nil, err
	}

	if !current.Status.CanTransitionTo(status) {
		return nil, fmt.Errorf("illegal transition %s -> %s for job %s", current.Status, status, id)
	}

	now := time.Now()
	current.Status = status
	current.UpdatedAt = now
	if adv.TotalRows != nil {
		current.TotalRows = adv.TotalRows
	}
	if adv.ProcessedRows != nil {
		current.ProcessedRows = *adv.ProcessedRows
	}
	if adv.ResetProcessed {
		current.ProcessedRows = 0
	}
	if adv.ErrorMessage != nil {
		current.ErrorMessage = *adv.ErrorMessage
	}

	var totalRows sql.NullInt64
	if current.TotalRows != nil {
		totalRows.Valid = true
		totalRows.Int64 = *current.TotalRows
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE import_jobs
		SET status = ?, total_rows = ?, processed_rows = ?, error_message = ?, updated_at = ?
		WHERE id = ?`,
		string(current.Status), totalRows, current.ProcessedRows,
		current.ErrorMessage, now.Unix(), id)
	if err != nil {
		return nil, fmt.Errorf("failed to update job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit job update: %w", err)
	}

	s.logger.Debug().Str("job_id", id).Str("status", string(status)).Msg("Job advanced")
	return current, nil
}

// IncrementProcessed atomically adds n to processed_rows
func (s *JobStorage) IncrementProcessed(ctx context.Context, id string, n int64) error {
	result, err := s.db.DB().ExecContext(ctx, `
		UPDATE import_jobs
		SET processed_rows = processed_rows + ?, updated_at = ?
		WHERE id = ?`, n, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to increment processed rows: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check affected rows: %w", err)
	}
	if rows == 0 {
		return interfaces.ErrNotFound
	}
	return nil
}

// ListRecentJobs returns jobs ordered by created_at descending
func (s *JobStorage) ListRecentJobs(ctx context.Context, limit int) ([]*models.Job, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.DB().QueryContext(ctx, `
		SELECT id, filename, kind, status, total_rows, processed_rows, error_message, created_at, updated_at
		FROM import_jobs ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}
