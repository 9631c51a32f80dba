package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/xela07ax/mcp-action-gateway/internal/domain"
	"github.com/xela07ax/mcp-action-gateway/internal/infra/auth"
)

// ApprovalService Описываем, что нам нужно от workflow
type ApprovalService interface {
	GetStatus(ctx context.Context, requestID string) (domain.ApprovalRequest, error)
	Decide(ctx context.Context, requestID string, decision domain.Decision, decidedBy, comment string) (domain.ApprovalRequest, error)
	List(status domain.ApprovalStatus, limit int) []domain.ApprovalRequest
}

type ApprovalHandler struct {
	service    ApprovalService
	dispatcher Dispatcher
}

func NewApprovalHandler(s ApprovalService, d Dispatcher) *ApprovalHandler {
	return &ApprovalHandler{service: s, dispatcher: d}
}

func (h *ApprovalHandler) GetDetails(w http.ResponseWriter, r *http.Request) {
	req, err := h.service.GetStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		code := domain.ErrorCode(err)
		writeError(w, errorHTTPStatus(code), code, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// List отдает GET /api/approvals?status=pending&limit=50. Без status отдаем все.
func (h *ApprovalHandler) List(w http.ResponseWriter, r *http.Request) {
	status := domain.ApprovalStatus(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		writeError(w, http.StatusBadRequest, "invalid_request", "unknown status "+string(status))
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	list := h.service.List(status, limit)
	writeJSON(w, http.StatusOK, map[string]any{"approvals": list, "total": len(list)})
}

// DecideRequest — либо decision ("approved"/"rejected"), либо approved: bool.
type DecideRequest struct {
	Decision  domain.Decision `json:"decision"`
	Approved  *bool           `json:"approved"`
	DecidedBy string          `json:"decided_by"`
	Comment   string          `json:"comment"`
}

func (h *ApprovalHandler) Decide(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req DecideRequest
	if err := decodeBody(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	decision := req.Decision
	if decision == "" && req.Approved != nil {
		decision = domain.DecisionRejected
		if *req.Approved {
			decision = domain.DecisionApproved
		}
	}
	if decision == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "decision is required")
		return
	}

	// decided_by берем из токена оператора, без auth из тела
	decidedBy := req.DecidedBy
	if op, ok := auth.OperatorFromContext(r.Context()); ok {
		decidedBy = op.UserID
	}
	if decidedBy == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "decided_by is required")
		return
	}

	out, err := h.service.Decide(r.Context(), id, decision, decidedBy, req.Comment)
	if err != nil {
		code := domain.ErrorCode(err)
		writeError(w, errorHTTPStatus(code), code, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// Resume обрабатывает POST /api/approval/{id}/resume: одноразовое исполнение решенной заявки.
func (h *ApprovalHandler) Resume(w http.ResponseWriter, r *http.Request) {
	writeEnvelope(w, h.dispatcher.Resume(r.Context(), chi.URLParam(r, "id")))
}
