package domain

// WebhookSecret — общий секрет внешнего источника. Меняется только повторной регистрацией.
type WebhookSecret struct {
	SourceID string `json:"source_id"`
	Secret   string `json:"-"`
}
