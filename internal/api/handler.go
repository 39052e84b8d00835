package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/automation"
	"github.com/lalithlochan/herald/internal/channel"
	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/dispatch"
	"github.com/lalithlochan/herald/internal/metrics"
	"github.com/lalithlochan/herald/internal/quota"
	"github.com/lalithlochan/herald/internal/redis"
)

// JobService is satisfied by *dispatch.Service.
type JobService interface {
	CreateJob(ctx context.Context, req dispatch.CreateRequest) (*db.BulkJob, error)
	Continue(ctx context.Context, id uuid.UUID) (*dispatch.Progress, error)
	Status(ctx context.Context, id uuid.UUID) (*db.BulkJob, error)
	Cancel(ctx context.Context, id uuid.UUID) (*db.BulkJob, error)
	Deliveries(ctx context.Context, id uuid.UUID, limit, offset int) ([]db.DeliveryLogEntry, error)
}

// QuotaService is satisfied by *quota.Ledger.
type QuotaService interface {
	Snapshot(ctx context.Context, accountID uuid.UUID) (*quota.Usage, error)
}

// FlowService is satisfied by *automation.Manager.
type FlowService interface {
	Create(ctx context.Context, req automation.FlowRequest) (*db.AutomationFlow, error)
	List(ctx context.Context, eventID uuid.UUID) ([]*db.AutomationFlow, error)
	SetStatus(ctx context.Context, id uuid.UUID, status string) (*db.AutomationFlow, error)
}

// Idempotency is satisfied by *redis.IdempotencyService.
type Idempotency interface {
	CheckOrReserve(ctx context.Context, accountID, key string) (*redis.IdempotencyResult, error)
	Store(ctx context.Context, accountID, key string, result *redis.IdempotencyResult) error
	Release(ctx context.Context, accountID, key string) error
}

// CreateJobRequest is the body of POST /bulk-jobs.
type CreateJobRequest struct {
	EventID         string             `json:"eventId"`
	RecipientFilter db.RecipientFilter `json:"recipientFilter"`
	MessageKind     string             `json:"messageKind"`
	Channel         string             `json:"channel"`
	Shape           string             `json:"shape,omitempty"`
	TemplateID      string             `json:"templateId,omitempty"`
	Overrides       map[string]string  `json:"overrides,omitempty"`
}

// CreateJobResponse is returned after a job is created or replayed.
type CreateJobResponse struct {
	JobID           uuid.UUID `json:"jobId"`
	TotalRecipients int       `json:"totalRecipients"`
	Channel         string    `json:"channel"`
	Status          string    `json:"status"`
}

// CreateFlowRequest is the body of POST /flows.
type CreateFlowRequest struct {
	EventID     string `json:"eventId"`
	Name        string `json:"name"`
	TriggerType string `json:"triggerType"`
	OffsetHours int    `json:"offsetHours"`
	MessageKind string `json:"messageKind"`
	Channel     string `json:"channel"`
	Shape       string `json:"shape,omitempty"`
	TemplateID  string `json:"templateId,omitempty"`
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
	logger      *zap.Logger
	jobs        JobService
	quota       QuotaService
	flows       FlowService
	channels    *channel.Registry
	idempotency Idempotency // nil if Redis not configured
}

type Option func(*Handler)

func WithQuota(q QuotaService) Option { return func(h *Handler) { h.quota = q } }

func WithFlows(f FlowService) Option { return func(h *Handler) { h.flows = f } }

func WithChannels(r *channel.Registry) Option { return func(h *Handler) { h.channels = r } }

func WithIdempotency(i Idempotency) Option { return func(h *Handler) { h.idempotency = i } }

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, jobs JobService, opts ...Option) *Handler {
	h := &Handler{logger: logger, jobs: jobs}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes mounts every endpoint on r.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/bulk-jobs", func(r chi.Router) {
		r.Post("/", h.CreateJob)
		r.Post("/{id}/continue", h.ContinueJob)
		r.Get("/{id}/status", h.GetJobStatus)
		r.Post("/{id}/cancel", h.CancelJob)
		r.Get("/{id}/deliveries", h.ListDeliveries)
	})
	if h.quota != nil {
		r.Get("/accounts/{id}/quota", h.GetQuota)
	}
	if h.flows != nil {
		r.Route("/flows", func(r chi.Router) {
			r.Post("/", h.CreateFlow)
			r.Get("/", h.ListFlows)
			r.Patch("/{id}/status", h.UpdateFlowStatus)
		})
	}
	if h.channels != nil {
		r.Get("/channels", h.ListChannels)
	}
}

// CreateJob handles POST /bulk-jobs
// Supports idempotency via the Idempotency-Key header.
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}

	var req CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	eventID, err := uuid.Parse(req.EventID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid eventId", "eventId must be a valid UUID")
		return
	}
	if req.MessageKind == "" || req.Channel == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "messageKind and channel are required")
		return
	}

	idempotencyKey := r.Header.Get("Idempotency-Key")
	reserved := false
	if idempotencyKey != "" && h.idempotency != nil {
		cached, err := h.idempotency.CheckOrReserve(ctx, accountID.String(), idempotencyKey)
		switch {
		case errors.Is(err, redis.ErrDuplicateRequest):
			h.writeError(w, http.StatusConflict, "duplicate_request",
				"Request is already being processed",
				"Another request with this idempotency key is in progress")
			return
		case err != nil:
			h.logger.Warn("idempotency check failed, proceeding",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		case cached != nil:
			metrics.RecordIdempotencyHit()
			w.Header().Set("X-Idempotency-Replayed", "true")
			h.writeJSON(w, cached.StatusCode, CreateJobResponse{
				JobID:           cached.JobID,
				TotalRecipients: cached.TotalRecipients,
				Channel:         cached.Channel,
				Status:          db.JobStatusPending,
			})
			return
		default:
			reserved = true
		}
	}

	job, err := h.jobs.CreateJob(ctx, dispatch.CreateRequest{
		AccountID:   accountID,
		EventID:     eventID,
		Filter:      req.RecipientFilter,
		MessageKind: req.MessageKind,
		Channel:     req.Channel,
		Shape:       req.Shape,
		TemplateID:  req.TemplateID,
		Overrides:   req.Overrides,
	})
	if err != nil {
		if reserved {
			if rerr := h.idempotency.Release(context.WithoutCancel(ctx), accountID.String(), idempotencyKey); rerr != nil {
				h.logger.Warn("failed to release idempotency key", zap.Error(rerr))
			}
		}
		h.logger.Error("failed to create bulk job",
			zap.Error(err),
			zap.String("account_id", accountID.String()),
			zap.String("event_id", req.EventID),
		)
		h.writeServiceError(w, err, "Failed to create bulk job")
		return
	}

	h.logger.Info("bulk job created",
		zap.String("job_id", job.ID.String()),
		zap.String("account_id", accountID.String()),
		zap.String("channel", job.Channel),
		zap.Int("total_recipients", job.TotalRecipients),
	)

	if reserved {
		result := &redis.IdempotencyResult{
			JobID:           job.ID,
			Channel:         job.Channel,
			TotalRecipients: job.TotalRecipients,
			StatusCode:      http.StatusCreated,
			CreatedAt:       time.Now().Unix(),
		}
		if err := h.idempotency.Store(ctx, accountID.String(), idempotencyKey, result); err != nil {
			h.logger.Warn("failed to store idempotency result",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		}
	}

	h.writeJSON(w, http.StatusCreated, CreateJobResponse{
		JobID:           job.ID,
		TotalRecipients: job.TotalRecipients,
		Channel:         job.Channel,
		Status:          job.Status,
	})
}

// ContinueJob handles POST /bulk-jobs/{id}/continue
func (h *Handler) ContinueJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.pathID(w, r, "job")
	if !ok {
		return
	}

	progress, err := h.jobs.Continue(r.Context(), jobID)
	if err != nil {
		if !errors.Is(err, dispatch.ErrJobBusy) {
			h.logger.Error("failed to continue bulk job",
				zap.Error(err),
				zap.String("job_id", jobID.String()),
			)
		}
		h.writeServiceError(w, err, "Failed to continue bulk job")
		return
	}

	h.writeJSON(w, http.StatusOK, progress)
}

// GetJobStatus handles GET /bulk-jobs/{id}/status
func (h *Handler) GetJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.pathID(w, r, "job")
	if !ok {
		return
	}

	job, err := h.jobs.Status(r.Context(), jobID)
	if err != nil {
		h.writeServiceError(w, err, "Failed to get bulk job")
		return
	}

	h.writeJSON(w, http.StatusOK, job)
}

// CancelJob handles POST /bulk-jobs/{id}/cancel
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.pathID(w, r, "job")
	if !ok {
		return
	}

	job, err := h.jobs.Cancel(r.Context(), jobID)
	if err != nil {
		h.writeServiceError(w, err, "Failed to cancel bulk job")
		return
	}

	h.logger.Info("bulk job cancel requested",
		zap.String("job_id", jobID.String()),
		zap.String("status", job.Status),
	)

	h.writeJSON(w, http.StatusOK, map[string]any{
		"jobId":  job.ID,
		"status": job.Status,
	})
}

// ListDeliveries handles GET /bulk-jobs/{id}/deliveries?limit=20&offset=0
func (h *Handler) ListDeliveries(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.pathID(w, r, "job")
	if !ok {
		return
	}

	limit, offset := pagination(r)
	entries, err := h.jobs.Deliveries(r.Context(), jobID, limit, offset)
	if err != nil {
		h.writeServiceError(w, err, "Failed to list deliveries")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"data":   entries,
		"limit":  limit,
		"offset": offset,
		"count":  len(entries),
	})
}

// GetQuota handles GET /accounts/{id}/quota
func (h *Handler) GetQuota(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.pathID(w, r, "account")
	if !ok {
		return
	}

	usage, err := h.quota.Snapshot(r.Context(), accountID)
	if err != nil {
		h.logger.Error("failed to load quota",
			zap.Error(err),
			zap.String("account_id", accountID.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to load quota", "")
		return
	}

	h.writeJSON(w, http.StatusOK, usage)
}

// CreateFlow handles POST /flows
func (h *Handler) CreateFlow(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}

	var req CreateFlowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	eventID, err := uuid.Parse(req.EventID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid eventId", "eventId must be a valid UUID")
		return
	}

	flow, err := h.flows.Create(r.Context(), automation.FlowRequest{
		AccountID:   accountID,
		EventID:     eventID,
		Name:        req.Name,
		TriggerType: req.TriggerType,
		OffsetHours: req.OffsetHours,
		MessageKind: req.MessageKind,
		Channel:     req.Channel,
		Shape:       req.Shape,
		TemplateID:  req.TemplateID,
	})
	if err != nil {
		h.writeServiceError(w, err, "Failed to create flow")
		return
	}

	h.logger.Info("automation flow created",
		zap.String("flow_id", flow.ID.String()),
		zap.String("event_id", flow.EventID.String()),
		zap.String("trigger", flow.TriggerType),
	)

	h.writeJSON(w, http.StatusCreated, flow)
}

// ListFlows handles GET /flows?eventId=xxx
func (h *Handler) ListFlows(w http.ResponseWriter, r *http.Request) {
	eventIDStr := r.URL.Query().Get("eventId")
	if eventIDStr == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing eventId", "eventId query parameter is required")
		return
	}
	eventID, err := uuid.Parse(eventIDStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid eventId", "eventId must be a valid UUID")
		return
	}

	flows, err := h.flows.List(r.Context(), eventID)
	if err != nil {
		h.writeServiceError(w, err, "Failed to list flows")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"data":  flows,
		"count": len(flows),
	})
}

// UpdateFlowStatus handles PATCH /flows/{id}/status
func (h *Handler) UpdateFlowStatus(w http.ResponseWriter, r *http.Request) {
	flowID, ok := h.pathID(w, r, "flow")
	if !ok {
		return
	}

	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	switch req.Status {
	case db.FlowStatusActive, db.FlowStatusPaused, db.FlowStatusArchived:
	default:
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid status",
			"status must be one of: ACTIVE, PAUSED, ARCHIVED")
		return
	}

	flow, err := h.flows.SetStatus(r.Context(), flowID, req.Status)
	if err != nil {
		h.writeServiceError(w, err, "Failed to update flow")
		return
	}

	h.writeJSON(w, http.StatusOK, flow)
}

// ListChannels handles GET /channels
func (h *Handler) ListChannels(w http.ResponseWriter, r *http.Request) {
	type channelInfo struct {
		Channel     string  `json:"channel"`
		RateCeiling float64 `json:"rateCeiling"`
	}
	names := h.channels.Channels()
	out := make([]channelInfo, 0, len(names))
	for _, name := range names {
		s, _ := h.channels.Get(name)
		out = append(out, channelInfo{Channel: name, RateCeiling: s.RateCeiling()})
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"data": out})
}

func (h *Handler) accountID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := r.Header.Get(AccountHeader)
	if raw == "" {
		h.writeError(w, http.StatusUnauthorized, "unauthorized", "Missing account", AccountHeader+" header is required")
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid account", AccountHeader+" must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request, what string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid "+what+" ID", "ID must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func pagination(r *http.Request) (limit, offset int) {
	limit = 20
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}
	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}
	return limit, offset
}

// writeServiceError maps domain sentinels to problem responses.
func (h *Handler) writeServiceError(w http.ResponseWriter, err error, title string) {
	switch {
	case errors.Is(err, dispatch.ErrInvalidRequest), errors.Is(err, automation.ErrInvalidFlow):
		h.writeError(w, http.StatusBadRequest, "invalid_request", title, err.Error())
	case errors.Is(err, dispatch.ErrEventNotFound), errors.Is(err, dispatch.ErrAccountNotFound),
		errors.Is(err, dispatch.ErrJobNotFound), errors.Is(err, automation.ErrFlowNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", title, err.Error())
	case errors.Is(err, dispatch.ErrTooManyRecipients), errors.Is(err, dispatch.ErrNoRecipients):
		h.writeError(w, http.StatusUnprocessableEntity, "unprocessable", title, err.Error())
	case errors.Is(err, dispatch.ErrJobBusy):
		h.writeError(w, http.StatusConflict, "job_busy", title, err.Error())
	case errors.Is(err, automation.ErrInvalidTransition):
		h.writeError(w, http.StatusConflict, "invalid_transition", title, err.Error())
	default:
		h.writeError(w, http.StatusInternalServerError, "internal_error", title, "")
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
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
