package domain

import "errors"

type EnvelopeStatus string

const (
	EnvelopeCompleted       EnvelopeStatus = "completed"
	EnvelopePendingApproval EnvelopeStatus = "pending_approval"
	EnvelopeRejected        EnvelopeStatus = "rejected"
	EnvelopeFailed          EnvelopeStatus = "failed"
)

// EnvelopeError — машинный код плюс текст для человека.
type EnvelopeError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ResultEnvelope — единственный ответ ядра на Request. После возврата не меняется.
type ResultEnvelope struct {
	RequestID string         `json:"request_id"`
	Status    EnvelopeStatus `json:"status"`
	Data      Result         `json:"data,omitempty"`
	Error     *EnvelopeError `json:"error,omitempty"`
}

func Completed(requestID string, data Result) ResultEnvelope {
	return ResultEnvelope{RequestID: requestID, Status: EnvelopeCompleted, Data: data}
}

func PendingApproval(requestID string) ResultEnvelope {
	return ResultEnvelope{RequestID: requestID, Status: EnvelopePendingApproval}
}

func Rejected(requestID string) ResultEnvelope {
	return ResultEnvelope{RequestID: requestID, Status: EnvelopeRejected}
}

// Failed кладет ошибку обработчика в message как есть, без обертки HandlerFailure.
func Failed(requestID string, err error) ResultEnvelope {
	msg := err.Error()
	var hf *HandlerFailure
	if errors.As(err, &hf) && hf.Err != nil {
		msg = hf.Err.Error()
	}
	return ResultEnvelope{
		RequestID: requestID,
		Status:    EnvelopeFailed,
		Error:     &EnvelopeError{Code: ErrorCode(err), Message: msg},
	}
}
