package audit

import (
	"context"

	"go.uber.org/zap"
)

// LogStorage пишет события аудита в zap, когда Postgres не настроен.
type LogStorage struct {
	logger *zap.Logger
}

func NewLogStorage(logger *zap.Logger) *LogStorage {
	return &LogStorage{logger: logger.Named("audit-log")}
}

func (s *LogStorage) WriteBatch(_ context.Context, events []AuditEvent) error {
	for _, e := range events {
		s.logger.Info("audit",
			zap.String("id", e.ID),
			zap.String("request_id", e.RequestID),
			zap.String("action", e.Action),
			zap.String("source", e.Source),
			zap.String("phase", e.Phase),
			zap.String("status", e.Status),
			zap.String("error_code", e.ErrorCode),
			zap.Int64("duration_ms", e.DurationMs),
		)
	}
	return nil
}
