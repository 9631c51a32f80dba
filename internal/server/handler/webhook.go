package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/mcp-action-gateway/internal/actions"
	"github.com/xela07ax/mcp-action-gateway/internal/domain"
	"github.com/xela07ax/mcp-action-gateway/internal/webhook"
)

// Заголовки подписи: X-Webhook-Signature, у части сценариев X-Signature
const (
	SignatureHeader         = "X-Webhook-Signature"
	FallbackSignatureHeader = "X-Signature"
)

// RouteResolver — "тип вебхука -> действие" (webhook.Routes подходит)
type RouteResolver interface {
	Resolve(webhookType string) string
}

type WebhookHandler struct {
	dispatcher Dispatcher
	routes     RouteResolver
	logger     *zap.Logger
}

func NewWebhookHandler(d Dispatcher, routes RouteResolver, logger *zap.Logger) *WebhookHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookHandler{dispatcher: d, routes: routes, logger: logger.Named("webhook-api")}
}

// WebhookResponse — основной конверт плюс граф знаний, если payload содержал задачу.
type WebhookResponse struct {
	domain.ResultEnvelope
	KnowledgeGraph *domain.ResultEnvelope `json:"knowledge_graph,omitempty"`
}

// Receive принимает POST /api/webhook/{source}. Подпись проверяет ядро по сырому телу.
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	source := chi.URLParam(r, "source")

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "cannot read webhook body")
		return
	}
	data := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &data); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "webhook body must be a JSON object")
			return
		}
	}

	signature := r.Header.Get(SignatureHeader)
	if signature == "" {
		signature = r.Header.Get(FallbackSignatureHeader)
	}

	webhookID := uuid.New().String()
	clientID := webhook.ExtractClientID(data, webhookID)
	action := h.routes.Resolve(source)

	params := domain.Params{
		"webhook_data": data,
		"webhook_id":   webhookID,
		"webhook_type": source,
		"client_id":    clientID,
		"timestamp":    time.Now().UTC().Format(time.RFC3339Nano),
	}

	env := h.dispatch(r.Context(), action, params, source, raw, signature)
	resp := WebhookResponse{ResultEnvelope: env}

	// Make.com: задача в payload -> дополнительно строим граф знаний
	if action == actions.ProcessWebhookData && env.Status == domain.EnvelopeCompleted {
		if _, ok := data["task"].(map[string]any); ok {
			kg := h.dispatch(r.Context(), actions.ExtractClientKnowledgeGraph, domain.Params{
				"client_id":    clientID,
				"webhook_data": data,
			}, source, raw, signature)
			resp.KnowledgeGraph = &kg
		}
	}

	h.logger.Info("webhook handled",
		zap.String("source", source),
		zap.String("action", action),
		zap.String("client_id", clientID),
		zap.String("status", string(env.Status)))

	writeJSON(w, EnvelopeHTTPStatus(env), resp)
}

func (h *WebhookHandler) dispatch(ctx context.Context, action string, params domain.Params, source string, raw []byte, signature string) domain.ResultEnvelope {
	req := domain.NewRequest(action, params, domain.WebhookSource(source))
	req.RawBody = raw
	req.Signature = signature
	return h.dispatcher.Dispatch(ctx, req)
}
