package domain

import "time"

// ActionStats — счетчики исполнения по одному действию.
type ActionStats struct {
	Name               string        `json:"name"`
	ExecutionCount     int64         `json:"execution_count"`
	TotalExecutionTime time.Duration `json:"total_execution_time"`
	AvgExecutionTime   time.Duration `json:"average_execution_time"`
	LastExecution      *time.Time    `json:"last_execution,omitempty"`
}

// RegistryStats — агрегат по всему реестру.
type RegistryStats struct {
	TotalActions       int           `json:"total_actions"`
	TotalExecutions    int64         `json:"total_executions"`
	TotalExecutionTime time.Duration `json:"total_execution_time"`
	AvgExecutionTime   time.Duration `json:"average_execution_time"`
}

// ApprovalCounts — срез очереди HITL для статус-эндпоинта.
type ApprovalCounts struct {
	Pending      int     `json:"pending"`
	Approved     int     `json:"approved"`
	Rejected     int     `json:"rejected"`
	Expired      int     `json:"expired"`
	Total        int     `json:"total"`
	ApprovalRate float64 `json:"approval_rate"` // approved / decided
}
