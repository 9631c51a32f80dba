package notify

/*
Файл redis.go публикует события HITL и отложенные результаты в Redis Pub/Sub.

- Notifier — approval.Observer (created/decided) и engine.ResultSink (конверт после Resume).
- Публикация повторяется через retry-go: это уведомление, а не вызов обработчика.
- Сбой Redis логируется и не влияет на заявку или конверт.
*/

import (
	"context"
	"encoding/json"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/mcp-action-gateway/internal/domain"
	"github.com/xela07ax/mcp-action-gateway/internal/infra"
)

const (
	defaultResultTTL      = 24 * time.Hour
	defaultPublishTimeout = 2 * time.Second
)

// Client — подмножество redis.Cmdable, которое нужно Notifier (*redis.Client подходит).
type Client interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// ApprovalEvent — сообщение каналов mcp:approvals:*.
type ApprovalEvent struct {
	Event string                 `json:"event"` // created | decided
	Req   domain.ApprovalRequest `json:"approval"`
}

type Notifier struct {
	client    Client
	logger    *zap.Logger
	attempts  uint
	delay     time.Duration
	resultTTL time.Duration
}

type Option func(*Notifier)

func WithAttempts(n uint, delay time.Duration) Option {
	return func(nt *Notifier) {
		nt.attempts = n
		nt.delay = delay
	}
}

func WithResultTTL(ttl time.Duration) Option {
	return func(n *Notifier) { n.resultTTL = ttl }
}

func NewNotifier(client Client, logger *zap.Logger, opts ...Option) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	n := &Notifier{
		client:    client,
		logger:    logger.Named("notify"),
		attempts:  3,
		delay:     100 * time.Millisecond,
		resultTTL: defaultResultTTL,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

func (n *Notifier) OnCreated(ctx context.Context, req domain.ApprovalRequest) {
	n.publish(ctx, infra.RedisChanApprovalCreated, ApprovalEvent{Event: "created", Req: req})
}

func (n *Notifier) OnDecided(ctx context.Context, req domain.ApprovalRequest) {
	n.publish(ctx, infra.RedisChanApprovalDecided, ApprovalEvent{Event: "decided", Req: req})
}

// Deliver сохраняет конверт под ключом request_id и публикует его в канал результатов.
func (n *Notifier) Deliver(ctx context.Context, env domain.ResultEnvelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		n.logger.Error("failed to marshal envelope", zap.String("request_id", env.RequestID), zap.Error(err))
		return
	}

	ctx, cancel := n.boundedContext(ctx)
	defer cancel()

	err = n.retry(ctx, func() error {
		return n.client.Set(ctx, infra.RedisKeyResult(env.RequestID), payload, n.resultTTL).Err()
	})
	if err != nil {
		n.logger.Error("failed to store result", zap.String("request_id", env.RequestID), zap.Error(err))
	}
	n.publishRaw(ctx, infra.RedisChanResults, payload, env.RequestID)
}

func (n *Notifier) publish(ctx context.Context, channel string, msg ApprovalEvent) {
	payload, err := json.Marshal(msg)
	if err != nil {
		n.logger.Error("failed to marshal approval event", zap.String("request_id", msg.Req.RequestID), zap.Error(err))
		return
	}
	ctx, cancel := n.boundedContext(ctx)
	defer cancel()
	n.publishRaw(ctx, channel, payload, msg.Req.RequestID)
}

func (n *Notifier) publishRaw(ctx context.Context, channel string, payload []byte, requestID string) {
	err := n.retry(ctx, func() error {
		return n.client.Publish(ctx, channel, payload).Err()
	})
	if err != nil {
		n.logger.Error("failed to publish",
			zap.String("chan", channel),
			zap.String("request_id", requestID),
			zap.Error(err))
	}
}

func (n *Notifier) retry(ctx context.Context, fn func() error) error {
	return retry.New(
		retry.Context(ctx),
		retry.Attempts(n.attempts),
		retry.Delay(n.delay),
		retry.LastErrorOnly(true),
	).Do(fn)
}

// boundedContext: ctx приходит от HTTP-запроса оператора, он может уже закрываться.
func (n *Notifier) boundedContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), defaultPublishTimeout)
}
