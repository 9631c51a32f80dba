package domain

import (
	"context"
	"encoding/json"
	"time"
)

// Params — входные параметры действия (разобранный JSON).
type Params map[string]any

// Clone — глубокая копия: вложенные объекты и массивы JSON не разделяются с оригиналом.
func (p Params) Clone() Params {
	if p == nil {
		return nil
	}
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case Params:
		return t.Clone()
	case map[string]any:
		return map[string]any(Params(t).Clone())
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []map[string]any:
		out := make([]map[string]any, len(t))
		for i, e := range t {
			out[i] = map[string]any(Params(e).Clone())
		}
		return out
	}
	return v
}

// Result — результат действия, отдается клиенту как есть.
type Result map[string]any

// Handler — контракт подключаемого действия.
// Ядро вызывает его не более одного раза на Request, повторов внутри ядра нет.
type Handler func(ctx context.Context, params Params) (Result, error)

// ActionDescriptor описывает зарегистрированное действие.
// Принадлежит Registry и не меняется после регистрации.
type ActionDescriptor struct {
	Name             string
	Description      string
	RequiresApproval bool
	// Schema — необязательная JSON Schema для Params
	Schema  json.RawMessage
	Handler Handler

	RegisteredAt time.Time
}

// Info возвращает публичную часть дескриптора (без ссылки на обработчик).
func (d *ActionDescriptor) Info() ActionInfo {
	return ActionInfo{
		Name:             d.Name,
		Description:      d.Description,
		RequiresApproval: d.RequiresApproval,
		Schema:           d.Schema,
	}
}

// ActionInfo — то, что видит листинг /api/actions.
type ActionInfo struct {
	Name             string          `json:"name"`
	Description      string          `json:"description"`
	RequiresApproval bool            `json:"requires_approval"`
	Schema           json.RawMessage `json:"schema,omitempty"`
}
