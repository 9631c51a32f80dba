package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/xela07ax/mcp-action-gateway/internal/domain"
)

// SignaturePrefix — необязательный префикс подписи ("sha256=<hex>").
const SignaturePrefix = "sha256="

// Validator проверяет подлинность вебхуков по общему секрету источника.
// Про глобальный флаг WEBHOOK_VALIDATION_ENABLED он не знает: это решает Dispatcher.
type Validator struct {
	mu      sync.RWMutex
	secrets map[string]domain.WebhookSecret
	logger  *zap.Logger
}

func NewValidator(logger *zap.Logger) *Validator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Validator{
		secrets: make(map[string]domain.WebhookSecret),
		logger:  logger.Named("webhook-validator"),
	}
}

// RegisterSecret регистрирует (или перезаписывает) секрет источника.
func (v *Validator) RegisterSecret(sourceID, secret string) error {
	return v.Register(domain.WebhookSecret{SourceID: sourceID, Secret: secret})
}

func (v *Validator) Register(s domain.WebhookSecret) error {
	if s.SourceID == "" {
		return errors.New("webhook: source id is required")
	}
	if s.Secret == "" {
		return fmt.Errorf("webhook: empty secret for source %q", s.SourceID)
	}
	v.mu.Lock()
	v.secrets[s.SourceID] = s
	v.mu.Unlock()

	v.logger.Info("registered webhook secret", zap.String("source", s.SourceID))
	return nil
}

// Validate сверяет HMAC-SHA256(secret, payload) с присланной подписью.
// Ошибка возвращается только для конфигурационных проблем (ErrUnknownSource),
// любая несовпавшая или битая подпись дает просто false.
func (v *Validator) Validate(sourceID string, payload []byte, signature string) (bool, error) {
	v.mu.RLock()
	ws, ok := v.secrets[sourceID]
	v.mu.RUnlock()
	if !ok {
		v.logger.Warn("no secret registered for webhook source", zap.String("source", sourceID))
		return false, fmt.Errorf("%w: %s", domain.ErrUnknownSource, sourceID)
	}

	provided, err := decodeSignature(signature)
	if err != nil {
		return false, nil
	}

	mac := hmac.New(sha256.New, []byte(ws.Secret))
	_, _ = mac.Write(payload)
	return hmac.Equal(mac.Sum(nil), provided), nil
}

// Sources отдает список источников с зарегистрированным секретом.
func (v *Validator) Sources() []string {
	v.mu.RLock()
	out := make([]string, 0, len(v.secrets))
	for id := range v.secrets {
		out = append(out, id)
	}
	v.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Sign считает подпись в том же формате, что ожидает Validate (hex, без префикса).
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func decodeSignature(signature string) ([]byte, error) {
	sig := strings.TrimSpace(signature)
	sig = strings.TrimPrefix(sig, SignaturePrefix)
	if len(sig) != sha256.Size*2 {
		return nil, errors.New("webhook: malformed signature length")
	}
	return hex.DecodeString(sig)
}
