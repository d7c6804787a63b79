package models

import (
	"time"
)

// Product is one catalog row. SKU is stored as provided (trimmed); identity
// is the lowercase folding, enforced by a unique index on lower(sku).
type Product struct {
	ID          int64     `json:"id"`
	SKU         string    `json:"sku"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ProductInput is one source row for an upsert or create
type ProductInput struct {
	SKU         string `json:"sku" validate:"required,max=255"`
	Name        string `json:"name" validate:"required,max=255"`
	Description string `json:"description,omitempty"`
	Active      bool   `json:"active"`
}
