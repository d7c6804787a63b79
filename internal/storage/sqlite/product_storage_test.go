package sqlite

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/catalogd/internal/interfaces"
	"github.com/ternarybob/catalogd/internal/models"
)

func setupProductStorage(t *testing.T) interfaces.ProductStorage {
	db, cleanup := setupTestDB(t)
	t.Cleanup(cleanup)
	return NewProductStorage(db, arbor.NewLogger())
}

func TestProductStorage_BatchUpsertInsertsAndUpdates(t *testing.T) {
	storage := setupProductStorage(t)
	ctx := context.Background()

	written, err := storage.BatchUpsert(ctx, []models.ProductInput{
		{SKU: "ABC-1", Name: "Widget", Active: true},
		{SKU: "ABC-2", Name: "Gadget", Description: "spare", Active: false},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), written)

	// Re-import with different casing updates the same row
	written, err = storage.BatchUpsert(ctx, []models.ProductInput{
		{SKU: "abc-1", Name: "Widget v2", Active: false},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), written)

	count, err := storage.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	p, err := storage.GetBySKU(ctx, "ABC-1")
	require.NoError(t, err)
	assert.Equal(t, "Widget v2", p.Name)
	assert.Equal(t, "abc-1", p.SKU)
	assert.False(t, p.Active)
}

func TestProductStorage_BatchUpsertDuplicatesCollapseToLast(t *testing.T) {
	storage := setupProductStorage(t)
	ctx := context.Background()

	written, err := storage.BatchUpsert(ctx, []models.ProductInput{
		{SKU: "DUP-1", Name: "first", Active: true},
		{SKU: "dup-1", Name: "second", Active: true},
		{SKU: "DUP-1", Name: "last", Active: false},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), written)

	p, err := storage.GetBySKU(ctx, "dup-1")
	require.NoError(t, err)
	assert.Equal(t, "last", p.Name)
	assert.False(t, p.Active)
}

func TestProductStorage_BatchUpsertSkipsBlankSKU(t *testing.T) {
	storage := setupProductStorage(t)
	ctx := context.Background()

	written, err := storage.BatchUpsert(ctx, []models.ProductInput{
		{SKU: "  ", Name: "no sku", Active: true},
		{SKU: "OK-1", Name: "ok", Active: true},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), written)

	count, err := storage.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestProductStorage_BatchUpsertLargeBatch(t *testing.T) {
	storage := setupProductStorage(t)
	ctx := context.Background()

	// Larger than one statement chunk
	rows := make([]models.ProductInput, 0, upsertChunkSize+50)
	for i := 0; i < upsertChunkSize+50; i++ {
		rows = append(rows, models.ProductInput{
			SKU:    fmt.Sprintf("BULK-%04d", i),
			Name:   fmt.Sprintf("Bulk item %d", i),
			Active: true,
		})
	}

	written, err := storage.BatchUpsert(ctx, rows)
	require.NoError(t, err)
	assert.Equal(t, int64(len(rows)), written)

	count, err := storage.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(len(rows)), count)
}

func TestProductStorage_SelectIDsAndDelete(t *testing.T) {
	storage := setupProductStorage(t)
	ctx := context.Background()

	_, err := storage.BatchUpsert(ctx, []models.ProductInput{
		{SKU: "D-1", Name: "one", Active: true},
		{SKU: "D-2", Name: "two", Active: true},
		{SKU: "D-3", Name: "three", Active: true},
	})
	require.NoError(t, err)

	ids, err := storage.SelectIDs(ctx, 2)
	require.NoError(t, err)
	require.Len(t, ids, 2)
	assert.Less(t, ids[0], ids[1])

	deleted, err := storage.DeleteByIDs(ctx, ids)
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	count, err := storage.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	// Already-deleted ids are not counted again
	deleted, err = storage.DeleteByIDs(ctx, ids)
	require.NoError(t, err)
	assert.Equal(t, int64(0), deleted)
}

func TestProductStorage_CreateConflict(t *testing.T) {
	storage := setupProductStorage(t)
	ctx := context.Background()

	_, err := storage.Create(ctx, models.ProductInput{SKU: "C-1", Name: "first", Active: true})
	require.NoError(t, err)

	_, err = storage.Create(ctx, models.ProductInput{SKU: "c-1", Name: "dup", Active: true})
	assert.ErrorIs(t, err, interfaces.ErrConflict)
}

func TestProductStorage_UpdateAndDelete(t *testing.T) {
	storage := setupProductStorage(t)
	ctx := context.Background()

	p, err := storage.Create(ctx, models.ProductInput{SKU: "U-1", Name: "before", Active: true})
	require.NoError(t, err)

	updated, err := storage.Update(ctx, p.ID, models.ProductInput{SKU: "U-1", Name: "after", Active: false})
	require.NoError(t, err)
	assert.Equal(t, "after", updated.Name)
	assert.False(t, updated.Active)

	_, err = storage.Update(ctx, 99999, models.ProductInput{SKU: "X", Name: "x"})
	assert.ErrorIs(t, err, interfaces.ErrNotFound)

	require.NoError(t, storage.Delete(ctx, p.ID))
	assert.ErrorIs(t, storage.Delete(ctx, p.ID), interfaces.ErrNotFound)
}

func TestProductStorage_List(t *testing.T) {
	storage := setupProductStorage(t)
	ctx := context.Background()

	_, err := storage.BatchUpsert(ctx, []models.ProductInput{
		{SKU: "L-1", Name: "one", Active: true},
		{SKU: "L-2", Name: "two", Active: false},
		{SKU: "L-3", Name: "three", Active: true},
	})
	require.NoError(t, err)

	page, total, err := storage.List(ctx, interfaces.ProductListOptions{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	assert.Len(t, page, 2)

	active, total, err := storage.List(ctx, interfaces.ProductListOptions{Limit: 10, ActiveOnly: true})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Len(t, active, 2)
}
