package webhook

import (
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// DefaultAction — действие для источников без явного маршрута.
const DefaultAction = "process_webhook_data"

// Routes — маппинг "тип вебхука -> действие".
type Routes struct {
	mu     sync.RWMutex
	routes map[string]string
	logger *zap.Logger
}

func NewRoutes(logger *zap.Logger) *Routes {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Routes{
		routes: make(map[string]string),
		logger: logger.Named("webhook-routes"),
	}
}

func (r *Routes) Register(webhookType, action string) {
	r.mu.Lock()
	r.routes[webhookType] = action
	r.mu.Unlock()
	r.logger.Info("registered webhook route", zap.String("route", webhookType), zap.String("action", action))
}

// Resolve возвращает действие для типа вебхука, иначе DefaultAction.
func (r *Routes) Resolve(webhookType string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if action, ok := r.routes[webhookType]; ok {
		return action
	}
	return DefaultAction
}

// ExtractClientID достает client_id из payload Make.com:
// сначала верхний уровень, потом task.custom_fields с name=client_id,
// иначе генерирует webhook_client_<первые 8 символов webhookID>.
func ExtractClientID(data map[string]any, webhookID string) string {
	if id, ok := data["client_id"]; ok {
		if s := stringify(id); s != "" {
			return s
		}
	}

	if task, ok := data["task"].(map[string]any); ok {
		if fields, ok := task["custom_fields"].([]any); ok {
			for _, f := range fields {
				field, ok := f.(map[string]any)
				if !ok {
					continue
				}
				name, _ := field["name"].(string)
				if strings.ToLower(name) != "client_id" {
					continue
				}
				if s := stringify(field["value"]); s != "" {
					return s
				}
			}
		}
	}

	short := webhookID
	if len(short) > 8 {
		short = short[:8]
	}
	return "webhook_client_" + short
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}
