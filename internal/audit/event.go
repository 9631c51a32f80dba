package audit

import "time"

// Фазы, в которых ядро пишет событие
const (
	PhaseDispatch = "dispatch"
	PhaseResume   = "resume"
)

type AuditEvent struct {
	ID        string         `json:"id"`         // UUID события
	RequestID string         `json:"request_id"` // Сквозной ID запроса
	Action    string         `json:"action"`     // Что хотели сделать
	TraceID   string         `json:"trace_id"`   // X-Trace-ID транспорта
	Source    string         `json:"source"`     // direct | webhook:<source_id>
	Params    map[string]any `json:"params"`     // С какими данными
	Phase     string         `json:"phase"`      // dispatch | resume

	// Результат
	Status     string         `json:"status"` // статус конверта: completed, pending_approval, rejected, failed
	ErrorCode  string         `json:"error_code,omitempty"`
	Error      string         `json:"error,omitempty"`
	Response   map[string]any `json:"response,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	DurationMs int64          `json:"duration_ms"` // Время обработки
}
