package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Latency: сколько заняла обработка (включая обработчик)
	RequestDuration *prometheus.HistogramVec

	// Traffic: общее кол-во dispatch/resume по статусу конверта
	TotalRequests *prometheus.CounterVec

	// Errors: классификация отказов по коду конверта
	ErrorTotal *prometheus.CounterVec

	// HITL: очередь заявок по статусам
	Approvals *prometheus.GaugeVec

	// Saturation: состояние Circuit Breaker (0 - closed, 1 - half-open, 2 - open)
	CircuitBreakerState *prometheus.GaugeVec

	// Audit: заполненность буфера (backpressure)
	AuditBufferFill prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		RequestDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mcp_dispatch_duration_seconds",
			Help:    "Histogram of dispatch and resume latencies.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"action", "phase", "status"}),

		TotalRequests: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "mcp_dispatch_total",
			Help: "Total number of dispatched and resumed requests.",
		}, []string{"action", "phase", "status"}),

		ErrorTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "mcp_errors_total",
			Help: "Total number of failed envelopes by error code.",
		}, []string{"code"}),

		Approvals: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "mcp_approvals",
			Help: "Approval requests by status.",
		}, []string{"status"}),

		CircuitBreakerState: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "mcp_circuit_breaker_state",
			Help: "Current state of the per-action circuit breaker (0=closed, 1=half-open, 2=open).",
		}, []string{"action"}),

		AuditBufferFill: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "mcp_audit_buffer_utilization",
			Help: "Current number of events in audit buffer.",
		}),
	}
}
