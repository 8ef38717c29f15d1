package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/pesio-ai/be-procurement-approvals/internal/auth"
	"github.com/pesio-ai/be-procurement-approvals/internal/errors"
	"github.com/pesio-ai/be-procurement-approvals/internal/logger"
	"github.com/pesio-ai/be-procurement-approvals/internal/metrics"
	"github.com/pesio-ai/be-procurement-approvals/internal/middleware"
	"github.com/pesio-ai/be-procurement-approvals/internal/service"
)

// ApprovalService is the engine surface the transports call.
type ApprovalService interface {
	ProcessApproval(ctx context.Context, uc *auth.UserContext, in service.ProcessApprovalInput) (*service.ApprovalResult, error)
	GetWorkflow(ctx context.Context, uc *auth.UserContext, entityType, entityID string) (*service.WorkflowView, error)
}

// HTTPHandler handles HTTP requests
type HTTPHandler struct {
	service ApprovalService
	log     *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(service ApprovalService, log *logger.Logger) *HTTPHandler {
	return &HTTPHandler{
		service: service,
		log:     log,
	}
}

// Register mounts the approval routes on mux behind caller authentication.
func (h *HTTPHandler) Register(mux *http.ServeMux) {
	mux.Handle("POST /api/v1/approvals",
		metrics.InstrumentHandler("/api/v1/approvals", middleware.Authenticate(http.HandlerFunc(h.ProcessApproval))))
	mux.Handle("GET /api/v1/approvals/{entityType}/{entityId}",
		metrics.InstrumentHandler("/api/v1/approvals/{entityType}/{entityId}", middleware.Authenticate(http.HandlerFunc(h.GetWorkflow))))
}

type processApprovalRequest struct {
	EntityType string  `json:"entity_type"`
	EntityID   string  `json:"entity_id"`
	Action     string  `json:"action"`
	Notes      *string `json:"notes"`
}

// ProcessApproval handles submit, approve and reject requests
func (h *HTTPHandler) ProcessApproval(w http.ResponseWriter, r *http.Request) {
	uc, err := auth.GetUserContext(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var req processApprovalRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		errors.Validation("body", "invalid JSON request body").WriteHTTP(w, r.URL.Path)
		return
	}

	res, err := h.service.ProcessApproval(r.Context(), uc, service.ProcessApprovalInput{
		EntityType: req.EntityType,
		EntityID:   req.EntityID,
		Action:     req.Action,
		Notes:      emptyToNil(req.Notes),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, res)
}

// GetWorkflow handles workflow read requests
func (h *HTTPHandler) GetWorkflow(w http.ResponseWriter, r *http.Request) {
	uc, err := auth.GetUserContext(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	view, err := h.service.GetWorkflow(r.Context(), uc, r.PathValue("entityType"), r.PathValue("entityId"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, view)
}

// Health reports liveness.
func Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	p := errors.ToProblem(err)
	if p.Status >= http.StatusInternalServerError {
		h.log.Error().Err(err).
			Str("request_id", middleware.GetRequestID(r.Context())).
			Str("path", r.URL.Path).
			Msg("Approval request failed")
	}
	p.WriteHTTP(w, r.URL.Path)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func emptyToNil(s *string) *string {
	if s == nil || *s == "" {
		return nil
	}
	return s
}
