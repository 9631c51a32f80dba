package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/xela07ax/mcp-action-gateway/internal/domain"
)

const maxResponseBody = 64 << 10

// ProcessWebhookData разбирает payload сценария Make.com "GPT - Get Client Knowledge Graph".
func (s *Set) ProcessWebhookData(_ context.Context, p domain.Params) (domain.Result, error) {
	data := obj(p, "webhook_data")
	if data == nil {
		data = map[string]any{}
	}

	clientID := str(p, "client_id")
	if clientID == "" {
		clientID = str(data, "client_id")
	}
	if clientID == "" {
		return nil, errors.New("client_id not found in webhook data or parameters")
	}
	actionID := p["action_id"]
	if actionID == nil {
		actionID = data["action_id"]
	}

	size, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("webhook_data is not serializable: %w", err)
	}

	now := s.timestamp()
	out := domain.Result{
		"webhook_id":   s.webhookID(p),
		"client_id":    clientID,
		"action_id":    actionID,
		"timestamp":    now,
		"source":       sourceOr(p, "make.com_chatgpt_clients"),
		"webhook_data": data,
		"status":       "processed",
		"metadata": map[string]any{
			"webhook_version":  "1.0",
			"integration_type": "make.com_chatgpt_clients",
			"processing_time":  now,
			"webhook_size":     len(size),
		},
	}
	if task, ok := data["task"]; ok {
		out["task_data"] = task
	}
	if fields, ok := data["custom_fields"]; ok {
		out["custom_fields"] = fields
	}

	s.logger.Info("processed webhook data", zap.String("client_id", clientID))
	return out, nil
}

// ExtractClientKnowledgeGraph строит граф знаний клиента из задачи вебхука:
// узлы (task, user, custom_field) и связи assigned_to / has_custom_field.
func (s *Set) ExtractClientKnowledgeGraph(_ context.Context, p domain.Params) (domain.Result, error) {
	clientID, err := requireClientID(p)
	if err != nil {
		return nil, err
	}
	data := obj(p, "webhook_data")
	includeTask := boolOr(p, "include_task_details", true)

	nodes := make([]any, 0)
	rels := make([]any, 0)

	if task := obj(data, "task"); len(task) > 0 {
		taskID := scalar(task, "id", "unknown")
		taskNode := "task_" + taskID

		props := map[string]any{
			"name":   str(task, "name"),
			"status": str(obj(task, "status"), "status"),
		}
		if includeTask {
			props["description"] = str(task, "description")
			props["priority"] = str(obj(task, "priority"), "priority")
			props["due_date"] = task["due_date"]
			props["created_date"] = task["date_created"]
			props["updated_date"] = task["date_updated"]
		}
		nodes = append(nodes, map[string]any{"node_id": taskNode, "node_type": "task", "properties": props})

		for _, raw := range list(task, "assignees") {
			a, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			userNode := "user_" + scalar(a, "id", "unknown")
			nodes = append(nodes, map[string]any{
				"node_id":   userNode,
				"node_type": "user",
				"properties": map[string]any{
					"username":        str(a, "username"),
					"email":           str(a, "email"),
					"initials":        str(a, "initials"),
					"profile_picture": str(a, "profilePicture"),
				},
			})
			rels = append(rels, map[string]any{
				"relationship_id":   "assigns_" + taskID + "_" + scalar(a, "id", "unknown"),
				"source_node":       taskNode,
				"target_node":       userNode,
				"relationship_type": "assigned_to",
				"properties":        map[string]any{"assigned_date": task["date_created"]},
			})
		}

		for _, raw := range list(task, "custom_fields") {
			f, ok := raw.(map[string]any)
			if !ok || isEmpty(f["value"]) {
				continue
			}
			fieldNode := "field_" + scalar(f, "id", "unknown")
			nodes = append(nodes, map[string]any{
				"node_id":   fieldNode,
				"node_type": "custom_field",
				"properties": map[string]any{
					"name":     str(f, "name"),
					"type":     str(f, "type"),
					"value":    f["value"],
					"required": boolOr(f, "required", false),
				},
			})
			rels = append(rels, map[string]any{
				"relationship_id":   "has_field_" + taskID + "_" + scalar(f, "id", "unknown"),
				"source_node":       taskNode,
				"target_node":       fieldNode,
				"relationship_type": "has_custom_field",
				"properties":        map[string]any{},
			})
		}
	}

	s.logger.Info("extracted knowledge graph", zap.String("client_id", clientID), zap.Int("nodes", len(nodes)))

	return domain.Result{
		"client_id":       clientID,
		"extraction_id":   newID(),
		"timestamp":       s.timestamp(),
		"knowledge_nodes": nodes,
		"relationships":   rels,
		"metadata": map[string]any{
			"total_nodes":         len(nodes),
			"total_relationships": len(rels),
			"extraction_method":   "make.com_webhook",
			"webhook_source":      "chatgpt_clients_integration",
		},
	}, nil
}

// SendWebhookResponse отправляет ответ в сценарий, вызвавший вебхук. Требует одобрения:
// это внешний вызов с побочным эффектом, и он выполняется ровно один раз.
func (s *Set) SendWebhookResponse(ctx context.Context, p domain.Params) (domain.Result, error) {
	url := str(p, "response_url")
	if url == "" {
		if src := str(p, "source_id"); src != "" {
			url, _ = s.endpoints(src)
		}
	}
	if url == "" {
		return nil, errors.New("response_url is required (or a source_id with a configured endpoint)")
	}

	data := map[string]any{}
	if raw, ok := p["response_data"]; ok && raw != nil {
		m, ok := raw.(map[string]any)
		if !ok {
			return nil, errors.New("response_data must be an object")
		}
		data = m
	}
	clientID := str(p, "client_id")
	responseID := newID()

	body, err := json.Marshal(map[string]any{
		"status":      strOr(p, "response_type", "success"),
		"client_id":   clientID,
		"timestamp":   s.timestamp(),
		"response_id": responseID,
		"data":        data,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal response payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build webhook response request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("webhook response failed: %w", err)
	}
	defer resp.Body.Close()

	text, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read webhook response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("webhook response rejected: %d %s", resp.StatusCode, bytes.TrimSpace(text))
	}

	s.logger.Info("webhook response sent",
		zap.String("client_id", clientID),
		zap.Int("status", resp.StatusCode))

	return domain.Result{
		"response_id":     responseID,
		"status":          "sent",
		"response_status": resp.StatusCode,
		"response_text":   string(text),
		"client_id":       clientID,
		"timestamp":       s.timestamp(),
	}, nil
}

// ValidateWebhookSignature проверяет подпись payload секретом источника.
// Секрет в params не передается и ожидаемая подпись наружу не отдается.
func (s *Set) ValidateWebhookSignature(_ context.Context, p domain.Params) (domain.Result, error) {
	sourceID := str(p, "source_id")
	signature := str(p, "signature")
	if sourceID == "" || signature == "" {
		return nil, errors.New("source_id and signature are required")
	}
	if s.checker == nil {
		return nil, errors.New("signature validation is not configured")
	}

	var payload []byte
	if raw, ok := p["payload"].(string); ok {
		payload = []byte(raw)
	} else {
		// encoding/json сортирует ключи map: каноническое представление
		b, err := json.Marshal(obj(p, "webhook_data"))
		if err != nil {
			return nil, fmt.Errorf("webhook_data is not serializable: %w", err)
		}
		payload = b
	}

	valid, err := s.checker.Validate(sourceID, payload, signature)
	if err != nil {
		return nil, err
	}
	clientID := str(p, "client_id")
	if valid {
		s.logger.Info("webhook signature validated", zap.String("source_id", sourceID), zap.String("client_id", clientID))
	} else {
		s.logger.Warn("webhook signature mismatch", zap.String("source_id", sourceID), zap.String("client_id", clientID))
	}

	return domain.Result{
		"validation_id":     newID(),
		"client_id":         clientID,
		"source_id":         sourceID,
		"is_valid":          valid,
		"timestamp":         s.timestamp(),
		"validation_method": "hmac_sha256",
	}, nil
}

func (s *Set) webhookID(p domain.Params) string {
	if id := str(p, "webhook_id"); id != "" {
		return id
	}
	return newID()
}

func sourceOr(p domain.Params, def string) string {
	if t := str(p, "webhook_type"); t != "" {
		return t
	}
	return def
}

func isEmpty(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return x == ""
	case bool:
		return !x
	case float64:
		return x == 0
	case []any:
		return len(x) == 0
	case map[string]any:
		return len(x) == 0
	}
	return false
}
