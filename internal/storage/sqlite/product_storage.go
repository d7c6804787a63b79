package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/catalogd/internal/interfaces"
	"github.com/ternarybob/catalogd/internal/models"
)

// upsertChunkSize keeps multi-VALUES statements under the SQLite
// bound-parameter limit (5 parameters per row)
const upsertChunkSize = 500

// deleteChunkSize bounds the IN clause for bulk deletes
const deleteChunkSize = 900

// ProductStorage implements SQLite storage for the product catalog
type ProductStorage struct {
	db     *SQLiteDB
	logger arbor.ILogger
}

// NewProductStorage creates a new product storage instance
func NewProductStorage(db *SQLiteDB, logger arbor.ILogger) interfaces.ProductStorage {
	return &ProductStorage{
		db:     db,
		logger: logger,
	}
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// BatchUpsert writes a batch of rows in a single transaction, keyed by
// lower(sku). Duplicate SKUs within the batch collapse to the last
// occurrence so the transaction never conflicts with itself. Blank SKUs
// are skipped.
func (s *ProductStorage) BatchUpsert(ctx context.Context, rows []models.ProductInput) (int64, error) {
	// Dedup keeping the last occurrence, preserving first-seen order
	seen := make(map[string]int, len(rows))
	deduped := make([]models.ProductInput, 0, len(rows))
	for _, row := range rows {
		sku := strings.TrimSpace(row.SKU)
		if sku == "" {
			continue
		}
		row.SKU = sku
		key := strings.ToLower(sku)
		if idx, ok := seen[key]; ok {
			deduped[idx] = row
			continue
		}
		seen[key] = len(deduped)
		deduped = append(deduped, row)
	}

	if len(deduped) == 0 {
		return 0, nil
	}

	tx, err := s.db.DB().BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	for start := 0; start < len(deduped); start += upsertChunkSize {
		end := start + upsertChunkSize
		if end > len(deduped) {
			end = len(deduped)
		}
		chunk := deduped[start:end]

		var sb strings.Builder
		sb.WriteString(`INSERT INTO products (sku, name, description, active, created_at, updated_at) VALUES `)
		args := make([]interface{}, 0, len(chunk)*5)
		for i, row := range chunk {
			if i > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "(?, ?, ?, ?, %d, %d)", now, now)
			args = append(args, row.SKU, row.Name, row.Description, boolToInt(row.Active))
		}
		sb.WriteString(` ON CONFLICT(lower(sku)) DO UPDATE SET
			sku = excluded.sku,
			name = excluded.name,
			description = excluded.description,
			active = excluded.active,
			updated_at = excluded.updated_at`)

		if _, err := tx.ExecContext(ctx, sb.String(), args...); err != nil {
			return 0, fmt.Errorf("failed to upsert batch: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit batch: %w", err)
	}

	return int64(len(deduped)), nil
}

// Count returns the total number of products
func (s *ProductStorage) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM products`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count products: %w", err)
	}
	return count, nil
}

// SelectIDs returns up to limit product ids in insertion order
func (s *ProductStorage) SelectIDs(ctx context.Context, limit int) ([]int64, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := s.db.DB().QueryContext(ctx, `SELECT id FROM products ORDER BY id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select product ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan product id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteByIDs removes the given rows and returns the number deleted
func (s *ProductStorage) DeleteByIDs(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	var total int64
	for start := 0; start < len(ids); start += deleteChunkSize {
		end := start + deleteChunkSize
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[start:end]

		placeholders := strings.Repeat("?, ", len(chunk)-1) + "?"
		args := make([]interface{}, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}

		result, err := s.db.DB().ExecContext(ctx,
			`DELETE FROM products WHERE id IN (`+placeholders+`)`, args...)
		if err != nil {
			return total, fmt.Errorf("failed to delete products: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("failed to check affected rows: %w", err)
		}
		total += affected
	}

	return total, nil
}

// Create inserts a single product
func (s *ProductStorage) Create(ctx context.Context, input models.ProductInput) (*models.Product, error) {
	now := time.Now()
	result, err := s.db.DB().ExecContext(ctx, `
		INSERT INTO products (sku, name, description, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		strings.TrimSpace(input.SKU), input.Name, input.Description,
		boolToInt(input.Active), now.Unix(), now.Unix())
	if err != nil {
		if isUniqueViolation(err) {
			return nil, interfaces.ErrConflict
		}
		return nil, fmt.Errorf("failed to insert product: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read insert id: %w", err)
	}
	return s.GetByID(ctx, id)
}

func scanProduct(row rowScanner) (*models.Product, error) {
	var p models.Product
	var description sql.NullString
	var active int
	var createdAt, updatedAt int64

	err := row.Scan(&p.ID, &p.SKU, &p.Name, &description, &active, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, interfaces.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan product: %w", err)
	}

	p.Description = description.String
	p.Active = active != 0
	p.CreatedAt = unixToTime(createdAt)
	p.UpdatedAt = unixToTime(updatedAt)
	return &p, nil
}

// GetByID retrieves a product by id
func (s *ProductStorage) GetByID(ctx context.Context, id int64) (*models.Product, error) {
	return scanProduct(s.db.DB().QueryRowContext(ctx, `
		SELECT id, sku, name, description, active, created_at, updated_at
		FROM products WHERE id = ?`, id))
}

// GetBySKU retrieves a product by SKU, case-insensitively
func (s *ProductStorage) GetBySKU(ctx context.Context, sku string) (*models.Product, error) {
	return scanProduct(s.db.DB().QueryRowContext(ctx, `
		SELECT id, sku, name, description, active, created_at, updated_at
		FROM products WHERE lower(sku) = lower(?)`, strings.TrimSpace(sku)))
}

// List returns a page of products plus the total count
func (s *ProductStorage) List(ctx context.Context, opts interfaces.ProductListOptions) ([]*models.Product, int64, error) {
	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}

	var conds []string
	var args []interface{}
	if opts.ActiveOnly {
		conds = append(conds, "active = 1")
	}
	if search := strings.TrimSpace(opts.Search); search != "" {
		pattern := "%" + search + "%"
		conds = append(conds, "(sku LIKE ? OR name LIKE ?)")
		args = append(args, pattern, pattern)
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int64
	if err := s.db.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM products`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count products: %w", err)
	}

	rows, err := s.db.DB().QueryContext(ctx, `
		SELECT id, sku, name, description, active, created_at, updated_at
		FROM products`+where+` ORDER BY id LIMIT ? OFFSET ?`,
		append(args, opts.Limit, opts.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list products: %w", err)
	}
	defer rows.Close()

	var products []*models.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, 0, err
		}
		products = append(products, p)
	}
	return products, total, rows.Err()
}

// Update replaces the mutable fields of a product
func (s *ProductStorage) Update(ctx context.Context, id int64, input models.ProductInput) (*models.Product, error) {
	result, err := s.db.DB().ExecContext(ctx, `
		UPDATE products SET sku = ?, name = ?, description = ?, active = ?, updated_at = ?
		WHERE id = ?`,
		strings.TrimSpace(input.SKU), input.Name, input.Description,
		boolToInt(input.Active), time.Now().Unix(), id)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, interfaces.ErrConflict
		}
		return nil, fmt.Errorf("failed to update product: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to check affected rows: %w", err)
	}
	if rows == 0 {
		return nil, interfaces.ErrNotFound
	}
	return s.GetByID(ctx, id)
}

// Delete removes a single product
func (s *ProductStorage) Delete(ctx context.Context, id int64) error {
	result, err := s.db.DB().ExecContext(ctx, `DELETE FROM products WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete product: %w", err)
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
