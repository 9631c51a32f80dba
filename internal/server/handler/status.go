package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/xela07ax/mcp-action-gateway/internal/domain"
)

type StatsProvider interface {
	Stats() domain.RegistryStats
}

type ApprovalCounter interface {
	Counts() domain.ApprovalCounts
}

// BreakerStates — состояние circuit breaker по каждому действию
type BreakerStates func() map[string]string

type ResultStore interface {
	Get(requestID string) (domain.ResultEnvelope, bool)
}

type StatusHandler struct {
	stats     StatsProvider
	approvals ApprovalCounter
	breakers  BreakerStates
	results   ResultStore
	started   time.Time
}

func NewStatusHandler(stats StatsProvider, approvals ApprovalCounter, breakers BreakerStates, results ResultStore) *StatusHandler {
	return &StatusHandler{stats: stats, approvals: approvals, breakers: breakers, results: results, started: time.Now()}
}

// Status отдает GET /api/status: реестр, очередь HITL, предохранители.
func (h *StatusHandler) Status(w http.ResponseWriter, _ *http.Request) {
	out := map[string]any{
		"status":         "running",
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
		"registry":       h.stats.Stats(),
		"approvals":      h.approvals.Counts(),
	}
	if h.breakers != nil {
		out["circuit_breakers"] = h.breakers()
	}
	writeJSON(w, http.StatusOK, out)
}

// Stats отдает GET /api/stats, только счетчики реестра.
func (h *StatusHandler) Stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.stats.Stats())
}

// Result отдает GET /api/result/{id}: отложенный конверт после Resume.
func (h *StatusHandler) Result(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	env, ok := h.results.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "no result for request "+id)
		return
	}
	writeJSON(w, http.StatusOK, env)
}

func Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}
