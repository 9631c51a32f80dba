package domain

import (
	"time"

	"github.com/google/uuid"
)

type SourceKind string

const (
	SourceDirect  SourceKind = "direct"
	SourceWebhook SourceKind = "webhook"
)

// Source — откуда пришел запрос: напрямую от клиента или из вебхука внешней системы.
type Source struct {
	Kind SourceKind `json:"kind"`
	ID   string     `json:"id,omitempty"` // source_id вебхука, например "make.com"
}

func DirectSource() Source { return Source{Kind: SourceDirect} }

func WebhookSource(id string) Source { return Source{Kind: SourceWebhook, ID: id} }

func (s Source) IsWebhook() bool { return s.Kind == SourceWebhook }

func (s Source) String() string {
	if s.IsWebhook() {
		return string(SourceWebhook) + ":" + s.ID
	}
	return string(SourceDirect)
}

// Request — разобранный транспортом входящий вызов. Живет только до ответа.
type Request struct {
	ID         string    `json:"request_id"`
	ActionName string    `json:"action_name"`
	Params     Params    `json:"params"`
	Source     Source    `json:"source"`
	ReceivedAt time.Time `json:"received_at"`

	// Для вебхуков: сырое тело и подпись, которые проверяет webhook.Validator
	RawBody   []byte `json:"-"`
	Signature string `json:"-"`
}

// NewRequest генерирует request_id и фиксирует время прихода.
func NewRequest(action string, params Params, src Source) Request {
	if params == nil {
		params = Params{}
	}
	return Request{
		ID:         uuid.New().String(),
		ActionName: action,
		Params:     params,
		Source:     src,
		ReceivedAt: time.Now().UTC(),
	}
}
