package engine

import (
	"context"

	"github.com/xela07ax/mcp-action-gateway/internal/domain"
)

// ApprovalGauge — наблюдатель Workflow, ведет mcp_approvals{status}.
// Каждая заявка один раз попадает в pending и один раз из него выходит.
type ApprovalGauge struct {
	metrics *Metrics
}

func NewApprovalGauge(m *Metrics) *ApprovalGauge {
	return &ApprovalGauge{metrics: m}
}

func (g *ApprovalGauge) OnCreated(_ context.Context, _ domain.ApprovalRequest) {
	g.metrics.Approvals.WithLabelValues(string(domain.StatusPending)).Inc()
}

func (g *ApprovalGauge) OnDecided(_ context.Context, req domain.ApprovalRequest) {
	if !req.Status.IsTerminal() {
		return
	}
	g.metrics.Approvals.WithLabelValues(string(domain.StatusPending)).Dec()
	g.metrics.Approvals.WithLabelValues(string(req.Status)).Inc()
}
