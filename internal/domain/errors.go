package domain

import (
	"errors"
	"fmt"
)

// Таксономия ошибок ядра. Ядро ничего не ретраит: ошибка фиксируется в конверте.
var (
	ErrUnknownAction     = errors.New("unknown action")
	ErrUnknownSource     = errors.New("unknown webhook source")
	ErrInvalidSignature  = errors.New("invalid webhook signature")
	ErrNotFound          = errors.New("approval request not found")
	ErrAlreadyDecided    = errors.New("approval request already decided")
	ErrNotDecided        = errors.New("approval request is not decided yet")
	ErrAlreadyResumed    = errors.New("approval request already resumed")
	ErrExpired           = errors.New("approval request expired")
	ErrTimeout           = errors.New("operation timed out")
	ErrCanceled          = errors.New("operation canceled by caller")
	ErrInvalidParams     = errors.New("invalid action params")
	ErrInvalidTransition = errors.New("invalid approval status transition")
	ErrDuplicateRequest  = errors.New("approval request already exists")
)

// HandlerFailure оборачивает ошибку обработчика, текст уходит в конверт без изменений.
type HandlerFailure struct {
	Action string
	Err    error
}

func (e *HandlerFailure) Error() string {
	return fmt.Sprintf("handler %s failed: %v", e.Action, e.Err)
}

func (e *HandlerFailure) Unwrap() error { return e.Err }

// ErrorCode отдает стабильный код для поля error.code конверта.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	// Таймаут обработчика считается timeout, а не handler_failure
	if errors.Is(err, ErrTimeout) {
		return "timeout"
	}
	if errors.Is(err, ErrCanceled) {
		return "canceled"
	}
	var hf *HandlerFailure
	if errors.As(err, &hf) {
		return "handler_failure"
	}
	switch {
	case errors.Is(err, ErrUnknownAction):
		return "unknown_action"
	case errors.Is(err, ErrUnknownSource):
		return "unknown_source"
	case errors.Is(err, ErrInvalidSignature):
		return "invalid_signature"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	// решение по истекшей заявке оборачивает оба: первым идет already_decided
	case errors.Is(err, ErrAlreadyDecided):
		return "already_decided"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrNotDecided):
		return "not_decided"
	case errors.Is(err, ErrAlreadyResumed):
		return "already_resumed"
	case errors.Is(err, ErrInvalidParams):
		return "invalid_params"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrDuplicateRequest):
		return "duplicate_request"
	}
	return "internal"
}
