package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/mcp-action-gateway/internal/approval"
	"github.com/xela07ax/mcp-action-gateway/internal/domain"
	"github.com/xela07ax/mcp-action-gateway/internal/infra"
)

type published struct {
	channel string
	payload []byte
}

type fakeClient struct {
	mu        sync.Mutex
	failFirst int
	calls     int
	published []published
	stored    map[string][]byte
}

func (c *fakeClient) Publish(_ context.Context, channel string, message interface{}) *redis.IntCmd {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.failFirst > 0 {
		c.failFirst--
		return redis.NewIntResult(0, errors.New("connection reset"))
	}
	c.published = append(c.published, published{channel: channel, payload: message.([]byte)})
	return redis.NewIntResult(1, nil)
}

func (c *fakeClient) Set(_ context.Context, key string, value interface{}, _ time.Duration) *redis.StatusCmd {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stored == nil {
		c.stored = map[string][]byte{}
	}
	c.stored[key] = value.([]byte)
	return redis.NewStatusResult("OK", nil)
}

func TestNotifierPublishesApprovalLifecycle(t *testing.T) {
	ctx := context.Background()
	client := &fakeClient{}
	n := NewNotifier(client, nil, WithAttempts(1, 0))
	w := approval.NewWorkflow(nil, approval.WithObserver(n))

	_, err := w.Create(ctx, "r1", "send_message", domain.Params{"to": "bob"})
	require.NoError(t, err)
	_, err = w.Decide(ctx, "r1", domain.DecisionApproved, "alice", "")
	require.NoError(t, err)

	require.Len(t, client.published, 2)
	assert.Equal(t, infra.RedisChanApprovalCreated, client.published[0].channel)
	assert.Equal(t, infra.RedisChanApprovalDecided, client.published[1].channel)

	var ev ApprovalEvent
	require.NoError(t, json.Unmarshal(client.published[1].payload, &ev))
	assert.Equal(t, "decided", ev.Event)
	assert.Equal(t, domain.StatusApproved, ev.Req.Status)
	assert.Equal(t, "alice", ev.Req.DecidedBy)
}

func TestNotifierRetriesPublish(t *testing.T) {
	client := &fakeClient{failFirst: 2}
	n := NewNotifier(client, nil, WithAttempts(3, time.Millisecond))

	n.Deliver(context.Background(), domain.Completed("r1", domain.Result{"sent": true}))

	assert.Equal(t, 3, client.calls)
	require.Len(t, client.published, 1)
	assert.Equal(t, infra.RedisChanResults, client.published[0].channel)
	assert.JSONEq(t, `{"request_id":"r1","status":"completed","data":{"sent":true}}`, string(client.stored[infra.RedisKeyResult("r1")]))
}

func TestNotifierGivesUpWithoutPanic(t *testing.T) {
	client := &fakeClient{failFirst: 10}
	n := NewNotifier(client, nil, WithAttempts(2, time.Millisecond))

	n.OnCreated(context.Background(), domain.ApprovalRequest{RequestID: "r1"})
	assert.Equal(t, 2, client.calls)
	assert.Empty(t, client.published)
}

func TestHandleDecisionCommand(t *testing.T) {
	ctx := context.Background()
	w := approval.NewWorkflow(nil)
	_, err := w.Create(ctx, "r1", "send_message", nil)
	require.NoError(t, err)

	req, err := HandleDecisionCommand(ctx, w, `{"request_id":"r1","decision":"rejected","decided_by":"bot:alice","comment":"spam"}`)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRejected, req.Status)
	assert.Equal(t, "bot:alice", req.DecidedBy)
	assert.Equal(t, "spam", req.Comment)

	_, err = HandleDecisionCommand(ctx, w, `{"request_id":"r1","decision":"approved","decided_by":"bob"}`)
	assert.ErrorIs(t, err, domain.ErrAlreadyDecided)

	_, err = HandleDecisionCommand(ctx, w, `not json`)
	assert.Error(t, err)

	_, err = HandleDecisionCommand(ctx, w, `{"request_id":"r1","decision":"approved"}`)
	assert.ErrorContains(t, err, "decided_by")
}

type staticTokens map[string]*domain.OperatorClaims

func (s staticTokens) VerifyToken(token string) (*domain.OperatorClaims, error) {
	if c, ok := s[token]; ok {
		return c, nil
	}
	return nil, errors.New("invalid token")
}

func TestHandleDecisionCommandRequiresOperatorToken(t *testing.T) {
	ctx := context.Background()
	w := approval.NewWorkflow(nil)
	for _, id := range []string{"r1", "r2"} {
		_, err := w.Create(ctx, id, "send_message", nil)
		require.NoError(t, err)
	}
	opt := WithTokenValidator(staticTokens{
		"op-token":     {UserID: "alice", Scopes: map[string]bool{domain.ScopeApprovalsDecide: true}},
		"reader-token": {UserID: "eve", Scopes: map[string]bool{"approvals:read": true}},
	}, domain.ScopeApprovalsDecide)

	cases := map[string]string{
		"missing token": `{"request_id":"r1","decision":"approved","decided_by":"mallory"}`,
		"unknown token": `{"request_id":"r1","decision":"approved","decided_by":"mallory","token":"forged"}`,
		"missing scope": `{"request_id":"r1","decision":"approved","decided_by":"eve","token":"reader-token"}`,
	}
	for name, payload := range cases {
		_, err := HandleDecisionCommand(ctx, w, payload, opt)
		assert.ErrorIs(t, err, ErrCommandUnauthorized, name)
	}
	st, err := w.GetStatus(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, st.Status)

	// decided_by берется из токена, а не из тела команды
	req, err := HandleDecisionCommand(ctx, w, `{"request_id":"r1","decision":"approved","decided_by":"mallory","token":"op-token"}`, opt)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, req.Status)
	assert.Equal(t, "alice", req.DecidedBy)

	req, err = HandleDecisionCommand(ctx, w, `{"request_id":"r2","decision":"rejected","token":"Bearer op-token"}`, WithTokenValidator(
		staticTokens{"Bearer op-token": {UserID: "alice", Scopes: map[string]bool{domain.ScopeApprovalsDecide: true}}},
		domain.ScopeApprovalsDecide))
	require.NoError(t, err)
	assert.Equal(t, "alice", req.DecidedBy)
}

func TestDecisionHandlerIgnoresUnauthorizedCommand(t *testing.T) {
	ctx := context.Background()
	w := approval.NewWorkflow(nil)
	_, err := w.Create(ctx, "r1", "send_message", nil)
	require.NoError(t, err)

	h := DecisionHandler(w, zap.NewNop(), WithTokenValidator(staticTokens{}, domain.ScopeApprovalsDecide))
	h(ctx, `{"request_id":"r1","decision":"approved","decided_by":"bot"}`)

	st, err := w.GetStatus(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, st.Status)
}
