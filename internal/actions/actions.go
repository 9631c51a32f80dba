package actions

/*
Файл actions.go — встроенные действия шлюза (клиентские данные, интеграция с Make.com/Zapier).

Каждое действие реализует domain.Handler: params -> result. Ошибка обработчика уходит в конверт
как handler_failure без изменений, повторов нет.
*/

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/mcp-action-gateway/internal/domain"
	"github.com/xela07ax/mcp-action-gateway/internal/registry"
)

// Имена встроенных действий
const (
	GetClientData               = "get_client_data"
	UpdateClientSession         = "update_client_session"
	ProcessWebhookData          = "process_webhook_data"
	ExtractClientKnowledgeGraph = "extract_client_knowledge_graph"
	SendWebhookResponse         = "send_webhook_response"
	ValidateWebhookSignature    = "validate_webhook_signature"
)

// Registrar — то, что нужно от реестра (registry.Registry подходит).
type Registrar interface {
	Register(name, description string, requiresApproval bool, handler domain.Handler, opts ...registry.Option) error
}

// SignatureChecker — проверка подписи по зарегистрированному секрету источника.
type SignatureChecker interface {
	Validate(sourceID string, payload []byte, signature string) (bool, error)
}

// EndpointResolver возвращает адрес для ответа источнику вебхука.
type EndpointResolver func(sourceID string) (string, bool)

type Set struct {
	client    *http.Client
	endpoints EndpointResolver
	checker   SignatureChecker
	logger    *zap.Logger
	now       func() time.Time
}

type Option func(*Set)

func WithHTTPClient(c *http.Client) Option { return func(s *Set) { s.client = c } }

func WithEndpoints(r EndpointResolver) Option { return func(s *Set) { s.endpoints = r } }

func WithClock(now func() time.Time) Option { return func(s *Set) { s.now = now } }

func NewSet(checker SignatureChecker, logger *zap.Logger, opts ...Option) *Set {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Set{
		client:    &http.Client{Timeout: 30 * time.Second},
		endpoints: func(string) (string, bool) { return "", false },
		checker:   checker,
		logger:    logger.Named("actions"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register регистрирует все встроенные действия.
func (s *Set) Register(reg Registrar) error {
	defs := []struct {
		name     string
		desc     string
		approval bool
		handler  domain.Handler
		schema   string
	}{
		{GetClientData, "Retrieve client data and metadata for the current session", false, s.GetClientData, getClientDataSchema},
		{UpdateClientSession, "Update client session information", true, s.UpdateClientSession, updateClientSessionSchema},
		{ProcessWebhookData, "Process webhook data from the Make.com ChatGPT-Clients integration", false, s.ProcessWebhookData, processWebhookDataSchema},
		{ExtractClientKnowledgeGraph, "Extract client knowledge graph data from webhook", false, s.ExtractClientKnowledgeGraph, extractKnowledgeGraphSchema},
		{SendWebhookResponse, "Send webhook response back to Make.com", true, s.SendWebhookResponse, sendWebhookResponseSchema},
		{ValidateWebhookSignature, "Validate webhook signature and authenticity", false, s.ValidateWebhookSignature, validateSignatureSchema},
	}

	var errs []error
	for _, d := range defs {
		if err := reg.Register(d.name, d.desc, d.approval, d.handler, registry.WithSchema([]byte(d.schema))); err != nil {
			errs = append(errs, fmt.Errorf("register %s: %w", d.name, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Set) timestamp() string {
	return s.now().UTC().Format(time.RFC3339Nano)
}

func newID() string {
	return uuid.New().String()
}

// Хелперы чтения params: JSON-декодер дает map[string]any, []any, string, float64, bool.

func str(p map[string]any, key string) string {
	v, _ := p[key].(string)
	return v
}

func boolOr(p map[string]any, key string, def bool) bool {
	if v, ok := p[key].(bool); ok {
		return v
	}
	return def
}

func obj(p map[string]any, key string) map[string]any {
	v, _ := p[key].(map[string]any)
	return v
}

func list(p map[string]any, key string) []any {
	v, _ := p[key].([]any)
	return v
}

// scalar приводит id из JSON (строка или число) к строке, как в node_id.
func scalar(p map[string]any, key string, def string) string {
	switch v := p[key].(type) {
	case string:
		if v != "" {
			return v
		}
	case float64:
		return fmt.Sprintf("%v", v)
	case nil:
	default:
		return fmt.Sprintf("%v", v)
	}
	return def
}

var errNoClientID = errors.New("client_id is required")

func requireClientID(p domain.Params) (string, error) {
	id := str(p, "client_id")
	if id == "" {
		return "", errNoClientID
	}
	return id, nil
}
