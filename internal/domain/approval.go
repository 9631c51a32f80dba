package domain

import (
	"time"
)

// Статусы State Machine
type ApprovalStatus string

const (
	StatusPending  ApprovalStatus = "pending"
	StatusApproved ApprovalStatus = "approved"
	StatusRejected ApprovalStatus = "rejected"
	StatusExpired  ApprovalStatus = "expired"
)

// IsTerminal: из терминального статуса переходов нет.
func (s ApprovalStatus) IsTerminal() bool {
	return s == StatusApproved || s == StatusRejected || s == StatusExpired
}

func (s ApprovalStatus) Valid() bool {
	return s == StatusPending || s.IsTerminal()
}

// ApprovalRequest — заявка на ручное подтверждение (HITL), 1:1 с Request.
type ApprovalRequest struct {
	RequestID  string         `json:"request_id"`
	ActionName string         `json:"action_name"`
	Params     Params         `json:"params"`
	Status     ApprovalStatus `json:"status"`

	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	DecidedAt *time.Time `json:"decided_at,omitempty"`
	DecidedBy string     `json:"decided_by,omitempty"`
	Comment   string     `json:"comment,omitempty"`

	// Resumed — одноразовый флаг Resume, гарантирует at-most-once вызов обработчика
	Resumed bool `json:"resumed"`
}

// CanTransitionTo проверяет правила конечного автомата
func (a *ApprovalRequest) CanTransitionTo(next ApprovalStatus) error {
	if a.Status != StatusPending {
		return ErrAlreadyDecided
	}
	if !next.IsTerminal() {
		return ErrInvalidTransition
	}
	return nil
}

// Decision — решение оператора. Expired оператор выставить не может.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

func (d Decision) Status() (ApprovalStatus, error) {
	switch d {
	case DecisionApproved:
		return StatusApproved, nil
	case DecisionRejected:
		return StatusRejected, nil
	}
	return "", ErrInvalidTransition
}
