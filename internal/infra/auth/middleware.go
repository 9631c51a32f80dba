package auth

import (
	"context"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/xela07ax/mcp-action-gateway/internal/domain"
)

// TokenValidator — проверка токена оператора
type TokenValidator interface {
	VerifyToken(tokenStr string) (*domain.OperatorClaims, error)
}

type ctxKey string

const operatorKey ctxKey = "operator"

// NewMiddleware пропускает только запросы с валидным токеном и нужным scope.
// С пустым scope достаточно валидного токена.
func NewMiddleware(v TokenValidator, scope string, logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeError(w, http.StatusUnauthorized, "missing access token")
				return
			}

			claims, err := v.VerifyToken(authHeader)
			if err != nil {
				logger.Warn("auth failure", zap.Error(err))
				writeError(w, http.StatusUnauthorized, "invalid access token")
				return
			}
			if scope != "" && !claims.Scopes[scope] {
				logger.Warn("auth failure: missing scope",
					zap.String("user_id", claims.UserID),
					zap.String("scope", scope))
				writeError(w, http.StatusForbidden, "token does not grant "+scope)
				return
			}

			// Прокидываем оператора в контекст: из него берется decided_by
			next.ServeHTTP(w, r.WithContext(WithOperator(r.Context(), claims)))
		})
	}
}

func WithOperator(ctx context.Context, claims *domain.OperatorClaims) context.Context {
	return context.WithValue(ctx, operatorKey, claims)
}

// OperatorFromContext — оператор, прошедший NewMiddleware
func OperatorFromContext(ctx context.Context) (*domain.OperatorClaims, bool) {
	claims, ok := ctx.Value(operatorKey).(*domain.OperatorClaims)
	return claims, ok && claims != nil
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized", "message": msg})
}
