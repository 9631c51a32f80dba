package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Драйвер Postgres

	"github.com/xela07ax/mcp-action-gateway/internal/audit"
)

const auditSchema = `
CREATE TABLE IF NOT EXISTS audit_logs (
	id          UUID PRIMARY KEY,
	request_id  TEXT NOT NULL,
	trace_id    TEXT,
	action      TEXT,
	source      TEXT,
	phase       TEXT NOT NULL,
	params      JSONB,
	status      TEXT NOT NULL,
	error_code  TEXT,
	error       TEXT,
	response    JSONB,
	duration_ms BIGINT,
	timestamp   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS audit_logs_request_id_idx ON audit_logs (request_id);`

// Количество колонок в таблице audit_logs
const auditFields = 13

type PoolConfig struct {
	MaxConns int
	MinConns int
}

type AuditRepo struct {
	db *sql.DB
}

func NewAuditRepo(connString string, pool PoolConfig) (*AuditRepo, error) {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	if pool.MaxConns <= 0 {
		pool.MaxConns = 25
	}
	db.SetMaxOpenConns(pool.MaxConns)
	db.SetMaxIdleConns(max(pool.MinConns, 1))
	db.SetConnMaxLifetime(5 * time.Minute)
	return &AuditRepo{db: db}, nil
}

// Init проверяет соединение и создает таблицу, если ее нет.
func (r *AuditRepo) Init(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping audit db: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, auditSchema); err != nil {
		return fmt.Errorf("migrate audit_logs: %w", err)
	}
	return nil
}

func (r *AuditRepo) Close() error {
	return r.db.Close()
}

func (r *AuditRepo) WriteBatch(ctx context.Context, events []audit.AuditEvent) error {
	if len(events) == 0 {
		return nil
	}
	query, vals, err := buildAuditInsert(events)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, query, vals...)
	return err
}

// buildAuditInsert динамически строит запрос для пакетной вставки.
// ON CONFLICT: повтор пачки после ретрая не дублирует события.
func buildAuditInsert(events []audit.AuditEvent) (string, []any, error) {
	var sb strings.Builder
	vals := make([]any, 0, len(events)*auditFields)

	for i, e := range events {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString("(")
		for f := 1; f <= auditFields; f++ {
			if f > 1 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", i*auditFields+f)
		}
		sb.WriteString(")")

		params, err := marshalJSON(e.Params)
		if err != nil {
			return "", nil, fmt.Errorf("marshal params of %s: %w", e.ID, err)
		}
		resp, err := marshalJSON(e.Response)
		if err != nil {
			return "", nil, fmt.Errorf("marshal response of %s: %w", e.ID, err)
		}

		vals = append(vals,
			e.ID, e.RequestID, e.TraceID, e.Action, e.Source, e.Phase,
			params, e.Status, e.ErrorCode, e.Error, resp, e.DurationMs, e.Timestamp,
		)
	}

	query := "INSERT INTO audit_logs (id, request_id, trace_id, action, source, phase, params, status, error_code, error, response, duration_ms, timestamp) VALUES " +
		sb.String() + " ON CONFLICT (id) DO NOTHING"
	return query, vals, nil
}

func marshalJSON(m map[string]any) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}
