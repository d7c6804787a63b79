package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/catalogd/internal/interfaces"
	"github.com/ternarybob/catalogd/internal/models"
	"github.com/ternarybob/catalogd/internal/services/ingest"
)

// ProductHandler handles catalog CRUD and bulk operations
type ProductHandler struct {
	storage   interfaces.StorageManager
	ingest    *ingest.Service
	events    interfaces.EventPublisher
	validate  *validator.Validate
	apiPrefix string
	logger    arbor.ILogger
}

// NewProductHandler creates a product handler
func NewProductHandler(storage interfaces.StorageManager, ingestSvc *ingest.Service, events interfaces.EventPublisher, apiPrefix string, logger arbor.ILogger) *ProductHandler {
	return &ProductHandler{
		storage:   storage,
		ingest:    ingestSvc,
		events:    events,
		validate:  validator.New(),
		apiPrefix: apiPrefix,
		logger:    logger,
	}
}

// CollectionHandler routes /products
// GET lists, POST creates
func (h *ProductHandler) CollectionHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.list(w, r)
	case http.MethodPost:
		h.create(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// ItemHandler routes /products/{id}
func (h *ProductHandler) ItemHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := h.productID(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodGet:
		h.get(w, r, id)
	case http.MethodPut:
		h.update(w, r, id)
	case http.MethodDelete:
		h.delete(w, r, id)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// SKUHandler looks a product up by SKU, case-insensitively
// GET /api/products/sku/{sku}
func (h *ProductHandler) SKUHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	sku := parts[len(parts)-1]
	if sku == "" || sku == "sku" {
		WriteError(w, http.StatusBadRequest, "sku is required")
		return
	}

	product, err := h.storage.Products().GetBySKU(r.Context(), sku)
	if err == interfaces.ErrNotFound {
		WriteError(w, http.StatusNotFound, "product not found")
		return
	}
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "failed to load product")
		return
	}
	WriteJSON(w, http.StatusOK, product)
}

// BulkDeleteHandler starts an asynchronous bulk delete job
// POST /api/products/bulk-delete
func (h *ProductHandler) BulkDeleteHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	// Body is optional; an empty or absent count means delete everything
	var req struct {
		Count int64 `json:"count"`
	}
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err.Error() != "EOF" {
			WriteError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	if req.Count < 0 {
		WriteError(w, http.StatusBadRequest, "count must not be negative")
		return
	}

	job, err := h.ingest.StartBulkDelete(r.Context(), req.Count)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to start bulk delete")
		WriteError(w, http.StatusInternalServerError, "failed to start bulk delete")
		return
	}

	WriteJSON(w, http.StatusAccepted, map[string]interface{}{
		"job_id":  job.ID,
		"sse_url": fmt.Sprintf("%s/progress/%s", h.apiPrefix, job.ID),
		"message": "bulk delete queued",
	})
}

func (h *ProductHandler) list(w http.ResponseWriter, r *http.Request) {
	limit, offset := GetPaginationParams(r)
	opts := interfaces.ProductListOptions{
		Limit:      limit,
		Offset:     offset,
		ActiveOnly: r.URL.Query().Get("active") == "true",
		Search:     r.URL.Query().Get("search"),
	}

	products, total, err := h.storage.Products().List(r.Context(), opts)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list products")
		WriteError(w, http.StatusInternalServerError, "failed to list products")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"products": products,
		"total":    total,
		"limit":    limit,
		"offset":   offset,
	})
}

func (h *ProductHandler) create(w http.ResponseWriter, r *http.Request) {
	var input models.ProductInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	input.SKU = strings.TrimSpace(input.SKU)
	input.Name = strings.TrimSpace(input.Name)

	if err := h.validate.Struct(input); err != nil {
		WriteError(w, http.StatusBadRequest, fmt.Sprintf("validation failed: %v", err))
		return
	}

	product, err := h.storage.Products().Create(r.Context(), input)
	if err == interfaces.ErrConflict {
		WriteError(w, http.StatusConflict, fmt.Sprintf("product with sku %q already exists", input.SKU))
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Str("sku", input.SKU).Msg("Failed to create product")
		WriteError(w, http.StatusInternalServerError, "failed to create product")
		return
	}

	h.events.Publish(r.Context(), models.EventProductCreated, map[string]interface{}{
		"id":  product.ID,
		"sku": product.SKU,
	})
	WriteJSON(w, http.StatusCreated, product)
}

func (h *ProductHandler) get(w http.ResponseWriter, r *http.Request, id int64) {
	product, err := h.storage.Products().GetByID(r.Context(), id)
	if err == interfaces.ErrNotFound {
		WriteError(w, http.StatusNotFound, "product not found")
		return
	}
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "failed to load product")
		return
	}
	WriteJSON(w, http.StatusOK, product)
}

func (h *ProductHandler) update(w http.ResponseWriter, r *http.Request, id int64) {
	var input models.ProductInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	input.SKU = strings.TrimSpace(input.SKU)
	input.Name = strings.TrimSpace(input.Name)

	if err := h.validate.Struct(input); err != nil {
		WriteError(w, http.StatusBadRequest, fmt.Sprintf("validation failed: %v", err))
		return
	}

	product, err := h.storage.Products().Update(r.Context(), id, input)
	if err == interfaces.ErrNotFound {
		WriteError(w, http.StatusNotFound, "product not found")
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Int64("id", id).Msg("Failed to update product")
		WriteError(w, http.StatusInternalServerError, "failed to update product")
		return
	}

	h.events.Publish(r.Context(), models.EventProductUpdated, map[string]interface{}{
		"id":  product.ID,
		"sku": product.SKU,
	})
	WriteJSON(w, http.StatusOK, product)
}

func (h *ProductHandler) delete(w http.ResponseWriter, r *http.Request, id int64) {
	product, err := h.storage.Products().GetByID(r.Context(), id)
	if err == interfaces.ErrNotFound {
		WriteError(w, http.StatusNotFound, "product not found")
		return
	}
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "failed to load product")
		return
	}

	if err := h.storage.Products().Delete(r.Context(), id); err != nil {
		if err == interfaces.ErrNotFound {
			WriteError(w, http.StatusNotFound, "product not found")
			return
		}
		h.logger.Error().Err(err).Int64("id", id).Msg("Failed to delete product")
		WriteError(w, http.StatusInternalServerError, "failed to delete product")
		return
	}

	h.events.Publish(r.Context(), models.EventProductDeleted, map[string]interface{}{
		"id":  product.ID,
		"sku": product.SKU,
	})
	WriteJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// productID extracts the trailing id segment from /products/{id}
func (h *ProductHandler) productID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	raw := parts[len(parts)-1]
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		WriteError(w, http.StatusBadRequest, "invalid product id")
		return 0, false
	}
	return id, true
}
