package handler

import (
	"context"
	"errors"
	"io"
	"iter"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/xela07ax/mcp-action-gateway/internal/domain"
)

// Dispatcher — ядро шлюза (engine.Dispatcher подходит)
type Dispatcher interface {
	Dispatch(ctx context.Context, req domain.Request) domain.ResultEnvelope
	Resume(ctx context.Context, requestID string) domain.ResultEnvelope
}

type ActionLister interface {
	List() iter.Seq[domain.ActionInfo]
}

type ActionHandler struct {
	dispatcher Dispatcher
	actions    ActionLister
}

func NewActionHandler(d Dispatcher, actions ActionLister) *ActionHandler {
	return &ActionHandler{dispatcher: d, actions: actions}
}

type ActionRequest struct {
	Params domain.Params `json:"params"`
}

// Execute обрабатывает POST /api/action/{name}, тело {"params": {...}}.
func (h *ActionHandler) Execute(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var body ActionRequest
	if err := decodeBody(w, r, &body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}

	env := h.dispatcher.Dispatch(r.Context(), domain.NewRequest(name, body.Params, domain.DirectSource()))
	writeEnvelope(w, env)
}

// List отдает GET /api/actions. Обработчики наружу не отдаются.
func (h *ActionHandler) List(w http.ResponseWriter, _ *http.Request) {
	out := make([]domain.ActionInfo, 0)
	for info := range h.actions.List() {
		out = append(out, info)
	}
	writeJSON(w, http.StatusOK, map[string]any{"actions": out, "total": len(out)})
}
