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
)

// WebhookHandler manages webhook subscriptions and exposes their
// delivery history
type WebhookHandler struct {
	storage  interfaces.StorageManager
	validate *validator.Validate
	logger   arbor.ILogger
}

// NewWebhookHandler creates a webhook handler
func NewWebhookHandler(storage interfaces.StorageManager, logger arbor.ILogger) *WebhookHandler {
	return &WebhookHandler{
		storage:  storage,
		validate: validator.New(),
		logger:   logger,
	}
}

type subscriptionRequest struct {
	URL     string   `json:"url" validate:"required,url,startswith=http"`
	Events  []string `json:"events" validate:"required,min=1"`
	Enabled *bool    `json:"enabled"`
}

// CollectionHandler routes /webhooks
func (h *WebhookHandler) CollectionHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.list(w, r)
	case http.MethodPost:
		h.create(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// ItemHandler routes /webhooks/{id} and /webhooks/{id}/deliveries
func (h *WebhookHandler) ItemHandler(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")

	if len(parts) >= 2 && parts[len(parts)-1] == "deliveries" {
		id, ok := parseSubscriptionID(w, parts[len(parts)-2])
		if !ok {
			return
		}
		h.deliveries(w, r, id)
		return
	}

	id, ok := parseSubscriptionID(w, parts[len(parts)-1])
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

func (h *WebhookHandler) list(w http.ResponseWriter, r *http.Request) {
	subs, err := h.storage.Webhooks().ListSubscriptions(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list webhook subscriptions")
		WriteError(w, http.StatusInternalServerError, "failed to list webhooks")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"webhooks": subs,
		"total":    len(subs),
	})
}

func (h *WebhookHandler) create(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeSubscription(w, r)
	if !ok {
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	sub := &models.WebhookSubscription{
		URL:     req.URL,
		Events:  req.Events,
		Enabled: enabled,
	}

	if err := h.storage.Webhooks().CreateSubscription(r.Context(), sub); err != nil {
		if err == interfaces.ErrConflict {
			WriteError(w, http.StatusConflict, fmt.Sprintf("subscription for %s already exists", req.URL))
			return
		}
		h.logger.Error().Err(err).Str("url", req.URL).Msg("Failed to create webhook subscription")
		WriteError(w, http.StatusInternalServerError, "failed to create webhook")
		return
	}

	h.logger.Info().Int64("id", sub.ID).Str("url", sub.URL).Msg("Webhook subscription created")
	WriteJSON(w, http.StatusCreated, sub)
}

func (h *WebhookHandler) get(w http.ResponseWriter, r *http.Request, id int64) {
	sub, err := h.storage.Webhooks().GetSubscription(r.Context(), id)
	if err == interfaces.ErrNotFound {
		WriteError(w, http.StatusNotFound, "webhook not found")
		return
	}
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "failed to load webhook")
		return
	}
	WriteJSON(w, http.StatusOK, sub)
}

func (h *WebhookHandler) update(w http.ResponseWriter, r *http.Request, id int64) {
	sub, err := h.storage.Webhooks().GetSubscription(r.Context(), id)
	if err == interfaces.ErrNotFound {
		WriteError(w, http.StatusNotFound, "webhook not found")
		return
	}
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "failed to load webhook")
		return
	}

	req, ok := h.decodeSubscription(w, r)
	if !ok {
		return
	}

	sub.URL = req.URL
	sub.Events = req.Events
	if req.Enabled != nil {
		sub.Enabled = *req.Enabled
	}

	if err := h.storage.Webhooks().UpdateSubscription(r.Context(), sub); err != nil {
		if err == interfaces.ErrConflict {
			WriteError(w, http.StatusConflict, fmt.Sprintf("subscription for %s already exists", req.URL))
			return
		}
		if err == interfaces.ErrNotFound {
			WriteError(w, http.StatusNotFound, "webhook not found")
			return
		}
		h.logger.Error().Err(err).Int64("id", id).Msg("Failed to update webhook subscription")
		WriteError(w, http.StatusInternalServerError, "failed to update webhook")
		return
	}
	WriteJSON(w, http.StatusOK, sub)
}

func (h *WebhookHandler) delete(w http.ResponseWriter, r *http.Request, id int64) {
	if err := h.storage.Webhooks().DeleteSubscription(r.Context(), id); err != nil {
		if err == interfaces.ErrNotFound {
			WriteError(w, http.StatusNotFound, "webhook not found")
			return
		}
		h.logger.Error().Err(err).Int64("id", id).Msg("Failed to delete webhook subscription")
		WriteError(w, http.StatusInternalServerError, "failed to delete webhook")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// deliveries returns the delivery history for a subscription, newest first
// GET /api/webhooks/{id}/deliveries
func (h *WebhookHandler) deliveries(w http.ResponseWriter, r *http.Request, id int64) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	if _, err := h.storage.Webhooks().GetSubscription(r.Context(), id); err != nil {
		if err == interfaces.ErrNotFound {
			WriteError(w, http.StatusNotFound, "webhook not found")
			return
		}
		WriteError(w, http.StatusInternalServerError, "failed to load webhook")
		return
	}

	limit, offset := GetPaginationParams(r)
	records, total, err := h.storage.Webhooks().ListDeliveries(r.Context(), id, limit, offset)
	if err != nil {
		h.logger.Error().Err(err).Int64("id", id).Msg("Failed to list deliveries")
		WriteError(w, http.StatusInternalServerError, "failed to list deliveries")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"deliveries": records,
		"total":      total,
		"limit":      limit,
		"offset":     offset,
	})
}

// decodeSubscription parses and validates a subscription payload
func (h *WebhookHandler) decodeSubscription(w http.ResponseWriter, r *http.Request) (*subscriptionRequest, bool) {
	var req subscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON body")
		return nil, false
	}
	if err := h.validate.Struct(req); err != nil {
		WriteError(w, http.StatusBadRequest, fmt.Sprintf("validation failed: %v", err))
		return nil, false
	}
	for _, event := range req.Events {
		if !isKnownEvent(event) {
			WriteError(w, http.StatusBadRequest, fmt.Sprintf("unknown event type %q", event))
			return nil, false
		}
	}
	return &req, true
}

func isKnownEvent(eventType string) bool {
	for _, known := range models.KnownEventTypes {
		if known == eventType {
			return true
		}
	}
	return false
}

func parseSubscriptionID(w http.ResponseWriter, raw string) (int64, bool) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		WriteError(w, http.StatusBadRequest, "invalid webhook id")
		return 0, false
	}
	return id, true
}
