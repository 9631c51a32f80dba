package engine

import (
	"context"
	"sync"

	"github.com/xela07ax/mcp-action-gateway/internal/domain"
)

const defaultResultCacheSize = 10000

// ResultCache хранит последние отложенные конверты для GET /api/result/{id}.
// При переполнении вытесняются самые старые.
type ResultCache struct {
	mu      sync.RWMutex
	results map[string]domain.ResultEnvelope
	order   []string
	limit   int
}

func NewResultCache(limit int) *ResultCache {
	if limit <= 0 {
		limit = defaultResultCacheSize
	}
	return &ResultCache{results: make(map[string]domain.ResultEnvelope), limit: limit}
}

func (c *ResultCache) Deliver(_ context.Context, env domain.ResultEnvelope) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.results[env.RequestID]; !exists {
		c.order = append(c.order, env.RequestID)
	}
	c.results[env.RequestID] = env

	for len(c.order) > c.limit {
		delete(c.results, c.order[0])
		c.order = c.order[1:]
	}
}

func (c *ResultCache) Get(requestID string) (domain.ResultEnvelope, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	env, ok := c.results[requestID]
	return env, ok
}
