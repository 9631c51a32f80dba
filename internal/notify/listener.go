package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/mcp-action-gateway/internal/domain"
	"github.com/xela07ax/mcp-action-gateway/internal/infra/auth"
)

// DecisionCommand — решение оператора, пришедшее не через HTTP (чат-бот, консоль).
type DecisionCommand struct {
	RequestID string          `json:"request_id"`
	Decision  domain.Decision `json:"decision"`
	DecidedBy string          `json:"decided_by"`
	Comment   string          `json:"comment,omitempty"`
	// Token — JWT оператора; обязателен, если включена проверка токенов
	Token string `json:"token,omitempty"`
}

type Decider interface {
	Decide(ctx context.Context, requestID string, decision domain.Decision, decidedBy, comment string) (domain.ApprovalRequest, error)
}

// ErrCommandUnauthorized — команда без валидного токена или без нужного scope.
var ErrCommandUnauthorized = errors.New("decision command not authorized")

type commandConfig struct {
	tokens auth.TokenValidator
	scope  string
}

type CommandOption func(*commandConfig)

// WithTokenValidator требует в команде токен оператора с указанным scope,
// тот же, что и для HTTP. decided_by тогда берется из токена.
func WithTokenValidator(v auth.TokenValidator, scope string) CommandOption {
	return func(c *commandConfig) {
		c.tokens = v
		c.scope = scope
	}
}

// HandleDecisionCommand разбирает сообщение канала команд и применяет решение.
func HandleDecisionCommand(ctx context.Context, d Decider, payload string, opts ...CommandOption) (domain.ApprovalRequest, error) {
	var cfg commandConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	var cmd DecisionCommand
	if err := json.Unmarshal([]byte(payload), &cmd); err != nil {
		return domain.ApprovalRequest{}, fmt.Errorf("invalid decision command: %w", err)
	}
	if cfg.tokens != nil {
		if cmd.Token == "" {
			return domain.ApprovalRequest{}, fmt.Errorf("%w: missing token", ErrCommandUnauthorized)
		}
		claims, err := cfg.tokens.VerifyToken(cmd.Token)
		if err != nil {
			return domain.ApprovalRequest{}, fmt.Errorf("%w: %v", ErrCommandUnauthorized, err)
		}
		if cfg.scope != "" && !claims.Scopes[cfg.scope] {
			return domain.ApprovalRequest{}, fmt.Errorf("%w: token does not grant %s", ErrCommandUnauthorized, cfg.scope)
		}
		cmd.DecidedBy = claims.UserID
	}
	if cmd.RequestID == "" || cmd.DecidedBy == "" {
		return domain.ApprovalRequest{}, errors.New("invalid decision command: request_id and decided_by are required")
	}
	return d.Decide(ctx, cmd.RequestID, cmd.Decision, cmd.DecidedBy, cmd.Comment)
}

// DecisionHandler — onMessage для ListenResilient поверх Decider.
func DecisionHandler(d Decider, logger *zap.Logger, opts ...CommandOption) func(ctx context.Context, payload string) {
	return func(ctx context.Context, payload string) {
		req, err := HandleDecisionCommand(ctx, d, payload, opts...)
		if err != nil {
			// payload может нести токен, в лог его не пишем
			logger.Warn("decision command rejected", zap.Int("payload_bytes", len(payload)), zap.Error(err))
			return
		}
		logger.Info("decision command applied",
			zap.String("request_id", req.RequestID),
			zap.String("status", string(req.Status)),
			zap.String("decided_by", req.DecidedBy))
	}
}

// ListenResilient — цикл "живучей" подписки на канал Redis.
// Обрабатывает переподключения; onReconnect вызывается после каждой успешной подписки.
func ListenResilient(
	ctx context.Context,
	rdb *redis.Client,
	logger *zap.Logger,
	channel string,
	onReconnect func() error,
	onMessage func(ctx context.Context, payload string),
) {
	for {
		pubsub := rdb.Subscribe(ctx, channel)

		// Проверка успешности подписки
		if _, err := pubsub.Receive(ctx); err != nil {
			pubsub.Close()
			if ctx.Err() != nil {
				return
			}
			logger.Error("failed to subscribe", zap.String("chan", channel), zap.Error(err))
			if !sleep(ctx, 5*time.Second) {
				return
			}
			continue
		}

		if onReconnect != nil {
			if err := onReconnect(); err != nil {
				logger.Error("sync failed on reconnect", zap.Error(err))
			}
		}

		ch := pubsub.Channel()

	loop:
		for {
			select {
			case <-ctx.Done():
				pubsub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break loop // Канал закрыт, идем на переподключение
				}
				onMessage(ctx, msg.Payload)
			}
		}

		pubsub.Close()
		if !sleep(ctx, time.Second) {
			return
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
