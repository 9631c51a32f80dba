package domain

import (
	"github.com/golang-jwt/jwt/v5"
)

// OperatorClaims — токен оператора, принимающего решения по заявкам HITL.
type OperatorClaims struct {
	UserID string          `json:"user_id"`
	Scopes map[string]bool `json:"scopes"` // "approvals:decide": true
	jwt.RegisteredClaims
}

const ScopeApprovalsDecide = "approvals:decide"
