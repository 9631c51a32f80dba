package handler

import (
	"encoding/json"
	"net/http"

	"github.com/xela07ax/mcp-action-gateway/internal/domain"
)

const maxBodyBytes = 1 << 20

// statusClientClosedRequest — клиент ушел раньше ответа (как в nginx).
const statusClientClosedRequest = 499

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]any{
		"status": domain.EnvelopeFailed,
		"error":  domain.EnvelopeError{Code: code, Message: msg},
	})
}

// writeEnvelope отдает конверт с HTTP-статусом по его status/error.code.
func writeEnvelope(w http.ResponseWriter, env domain.ResultEnvelope) {
	writeJSON(w, EnvelopeHTTPStatus(env), env)
}

// EnvelopeHTTPStatus — HTTP-код для конверта. pending_approval -> 202.
func EnvelopeHTTPStatus(env domain.ResultEnvelope) int {
	switch env.Status {
	case domain.EnvelopeCompleted, domain.EnvelopeRejected:
		return http.StatusOK
	case domain.EnvelopePendingApproval:
		return http.StatusAccepted
	}
	if env.Error == nil {
		return http.StatusInternalServerError
	}
	return errorHTTPStatus(env.Error.Code)
}

func errorHTTPStatus(code string) int {
	switch code {
	case "unknown_action", "unknown_source", "not_found":
		return http.StatusNotFound
	case "invalid_signature":
		return http.StatusUnauthorized
	case "invalid_params", "invalid_transition":
		return http.StatusBadRequest
	case "already_decided", "not_decided", "already_resumed", "expired", "duplicate_request":
		return http.StatusConflict
	case "timeout":
		return http.StatusGatewayTimeout
	case "handler_failure":
		return http.StatusBadGateway
	case "canceled":
		return statusClientClosedRequest
	}
	return http.StatusInternalServerError
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	return dec.Decode(v)
}
