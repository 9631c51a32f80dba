package actions

import (
	"context"
	"errors"
	"runtime"

	"go.uber.org/zap"

	"github.com/xela07ax/mcp-action-gateway/internal/domain"
)

// GetClientData возвращает данные и метаданные клиентской сессии.
func (s *Set) GetClientData(_ context.Context, p domain.Params) (domain.Result, error) {
	clientID := str(p, "client_id")
	if clientID == "" {
		clientID = newID()
	}
	includeMetrics := boolOr(p, "include_metrics", true)
	includeSystem := boolOr(p, "include_system_info", true)
	now := s.timestamp()

	s.logger.Info("retrieving client data", zap.String("client_id", clientID))

	out := domain.Result{
		"client_id":  clientID,
		"timestamp":  now,
		"session_id": newID(),
		"status":     "active",
		"capabilities": map[string]any{
			"supports_async":       true,
			"supports_human_loop":  true,
			"supports_metrics":     includeMetrics,
			"supports_system_info": includeSystem,
		},
		"request_metadata": map[string]any{
			"user_agent":     strOr(p, "user_agent", "MCP-Client/1.0"),
			"request_source": strOr(p, "request_source", "api"),
			"request_method": "POST",
			"content_type":   "application/json",
		},
	}
	if includeSystem {
		out["system_info"] = map[string]any{
			"platform":    runtime.GOOS,
			"go_version":  runtime.Version(),
			"server_time": now,
			"timezone":    "UTC",
		}
	}
	if includeMetrics {
		out["metrics"] = map[string]any{
			"last_request_time": now,
		}
	}
	return out, nil
}

// UpdateClientSession обновляет данные сессии клиента. Требует одобрения оператора.
func (s *Set) UpdateClientSession(_ context.Context, p domain.Params) (domain.Result, error) {
	clientID, err := requireClientID(p)
	if err != nil {
		return nil, err
	}
	sessionData := map[string]any{}
	if raw, ok := p["session_data"]; ok && raw != nil {
		m, ok := raw.(map[string]any)
		if !ok {
			return nil, errors.New("session_data must be an object")
		}
		sessionData = m
	}
	reason := strOr(p, "update_reason", "No reason provided")

	s.logger.Info("updating client session", zap.String("client_id", clientID), zap.String("reason", reason))

	return domain.Result{
		"client_id":     clientID,
		"status":        "updated",
		"update_reason": reason,
		"session_data":  sessionData,
		"timestamp":     s.timestamp(),
		"updated_by":    "human_approval",
	}, nil
}

func strOr(p map[string]any, key, def string) string {
	if v := str(p, key); v != "" {
		return v
	}
	return def
}
