package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/storelinehq/courier/internal/db"
	"github.com/storelinehq/courier/internal/dispatch"
	"github.com/storelinehq/courier/internal/metrics"
)

// MessageRepository defines the queue operations the API needs
type MessageRepository interface {
	CreateMessage(ctx context.Context, msg *db.Message) error
	GetMessage(ctx context.Context, id uuid.UUID) (*db.Message, error)
	ListMessagesByTenant(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]*db.Message, error)
}

// TickRunner triggers one dispatch pass on demand
type TickRunner interface {
	RunTick(ctx context.Context) (dispatch.Summary, error)
}

// MessageRequest represents the incoming enqueue request body
type MessageRequest struct {
	TenantID              string `json:"tenant_id"`
	Recipient             string `json:"recipient"`
	Body                  string `json:"body"`
	Priority              int    `json:"priority"`
	Kind                  string `json:"kind"`
	CampaignID            string `json:"campaign_id,omitempty"`
	SenderIdentity        string `json:"sender_identity,omitempty"`
	MaxPerRecipientPerDay *int   `json:"max_per_recipient_per_day,omitempty"`
	MaxPerTenantPerDay    *int   `json:"max_per_tenant_per_day,omitempty"`
	IntervalSeconds       int    `json:"interval_seconds,omitempty"`
	MaxRetries            int    `json:"max_retries,omitempty"`
}

// MessageResponse is returned after enqueueing a message
type MessageResponse struct {
	ID string `json:"id"`
}

// TickResponse is the summary of a manually triggered dispatch tick
type TickResponse struct {
	Processed       int     `json:"processed"`
	Failed          int     `json:"failed"`
	Skipped         int     `json:"skipped"`
	Total           int     `json:"total"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger *zap.Logger
	repo   MessageRepository
	ticks  TickRunner
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, repo MessageRepository, ticks TickRunner) *Handler {
	return &Handler{
		logger: logger,
		repo:   repo,
		ticks:  ticks,
	}
}

// CreateMessage handles POST /v1/messages
func (h *Handler) CreateMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req MessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if req.TenantID == "" || req.Recipient == "" || req.Body == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields",
			"tenant_id, recipient, and body are required")
		return
	}

	if req.Kind != db.KindTransactional && req.Kind != db.KindNotification && req.Kind != db.KindCampaign {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid kind",
			"kind must be transactional, notification, or campaign")
		return
	}

	if req.Priority < 1 || req.Priority > 10 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid priority",
			"priority must be between 1 and 10")
		return
	}

	// Reserved sender identities belong to campaign traffic only.
	if req.Kind != db.KindCampaign && (req.CampaignID != "" || req.SenderIdentity != "") {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid campaign fields",
			"campaign_id and sender_identity are only allowed for campaign messages")
		return
	}

	tenantID, err := uuid.Parse(req.TenantID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid tenant_id",
			"tenant_id must be a valid UUID")
		return
	}

	msg := &db.Message{
		ID:                    uuid.New(),
		TenantID:              tenantID,
		Recipient:             req.Recipient,
		Body:                  req.Body,
		Priority:              req.Priority,
		Kind:                  req.Kind,
		MaxPerRecipientPerDay: req.MaxPerRecipientPerDay,
		MaxPerTenantPerDay:    req.MaxPerTenantPerDay,
		IntervalSeconds:       req.IntervalSeconds,
		MaxRetries:            req.MaxRetries,
		Status:                db.StatusPending,
	}

	if req.CampaignID != "" {
		campaignID, err := uuid.Parse(req.CampaignID)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid campaign_id",
				"campaign_id must be a valid UUID")
			return
		}
		msg.CampaignID = &campaignID
	}
	if req.SenderIdentity != "" {
		msg.SenderIdentity = &req.SenderIdentity
	}

	if err := h.repo.CreateMessage(ctx, msg); err != nil {
		h.logger.Error("failed to enqueue message", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to enqueue message", "")
		return
	}

	metrics.RecordMessageEnqueued(msg.TenantID.String(), msg.Kind)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(MessageResponse{ID: msg.ID.String()})
}

// GetMessage handles GET /v1/messages/{id}
func (h *Handler) GetMessage(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid message id",
			"id must be a valid UUID")
		return
	}

	msg, err := h.repo.GetMessage(r.Context(), id)
	if err != nil {
		h.writeError(w, http.StatusNotFound, "not_found", "Message not found", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(msg)
}

// ListMessages handles GET /v1/messages?tenant_id=...&limit=...&offset=...
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	tenantID, err := uuid.Parse(r.URL.Query().Get("tenant_id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid tenant_id",
			"tenant_id query parameter must be a valid UUID")
		return
	}

	limit := parseIntParam(r.URL.Query().Get("limit"), 50)
	if limit > 200 {
		limit = 200
	}
	offset := parseIntParam(r.URL.Query().Get("offset"), 0)

	messages, err := h.repo.ListMessagesByTenant(r.Context(), tenantID, limit, offset)
	if err != nil {
		h.logger.Error("failed to list messages", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to list messages", "")
		return
	}

	if messages == nil {
		messages = []*db.Message{}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(messages)
}

// TriggerTick handles POST /v1/dispatch/tick and runs one dispatch pass
// immediately, returning its summary.
func (h *Handler) TriggerTick(w http.ResponseWriter, r *http.Request) {
	summary, err := h.ticks.RunTick(r.Context())
	if err != nil {
		h.logger.Error("manual tick failed", zap.Error(err))
		h.writeError(w, http.StatusServiceUnavailable, "tick_failed", "Dispatch tick failed", err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(TickResponse{
		Processed:       summary.Processed,
		Failed:          summary.Failed,
		Skipped:         summary.Skipped,
		Total:           summary.Total,
		DurationSeconds: summary.Duration.Seconds(),
	})
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

func parseIntParam(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}
