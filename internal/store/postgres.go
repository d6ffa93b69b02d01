package store

import (
	"context"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/serroba/ratelimit-service/internal/audit"
)

const denialsTable = "rate_limit_denials"

const denialsSchema = `
	CREATE TABLE IF NOT EXISTS rate_limit_denials (
		id                  TEXT PRIMARY KEY,
		identifier          TEXT NOT NULL,
		category            TEXT NOT NULL,
		method              TEXT NOT NULL,
		path                TEXT NOT NULL,
		client_ip           TEXT,
		user_agent          TEXT,
		request_id          TEXT,
		limit_value         BIGINT NOT NULL,
		current_value       BIGINT NOT NULL,
		retry_after_seconds BIGINT NOT NULL,
		occurred_at         TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS rate_limit_denials_occurred_at_idx
		ON rate_limit_denials (occurred_at DESC);
`

type pgExecutor interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresDenialStore is a PostgreSQL implementation of audit.Store.
type PostgresDenialStore struct {
	exec    pgExecutor
	builder squirrel.StatementBuilderType
}

// NewPostgresDenialStore creates a denial store over a pgxpool.Pool or any
// executor with the same Exec and Query methods.
func NewPostgresDenialStore(exec pgExecutor) *PostgresDenialStore {
	return &PostgresDenialStore{
		exec:    exec,
		builder: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
}

// EnsureSchema creates the denial table and its index when missing.
func (p *PostgresDenialStore) EnsureSchema(ctx context.Context) error {
	if _, err := p.exec.Exec(ctx, denialsSchema); err != nil {
		return fmt.Errorf("create denial schema: %w", err)
	}

	return nil
}

// SaveDenial inserts the event. Redelivered events with a known ID are ignored.
func (p *PostgresDenialStore) SaveDenial(ctx context.Context, event *audit.DenialEvent) error {
	query, args, err := p.builder.Insert(denialsTable).
		Columns(
			"id",
			"identifier",
			"category",
			"method",
			"path",
			"client_ip",
			"user_agent",
			"request_id",
			"limit_value",
			"current_value",
			"retry_after_seconds",
			"occurred_at",
		).
		Values(
			event.ID,
			event.Identifier,
			event.Category,
			event.Method,
			event.Path,
			nullableString(event.ClientIP),
			nullableString(event.UserAgent),
			nullableString(event.RequestID),
			event.Limit,
			event.Current,
			event.RetryAfterSeconds,
			event.OccurredAt,
		).
		Suffix("ON CONFLICT (id) DO NOTHING").
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert denial sql: %w", err)
	}

	if _, err := p.exec.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert denial: %w", err)
	}

	return nil
}

// RecentDenials returns up to limit events, newest first.
func (p *PostgresDenialStore) RecentDenials(ctx context.Context, limit int) ([]audit.DenialEvent, error) {
	if limit <= 0 {
		return []audit.DenialEvent{}, nil
	}

	query, args, err := p.builder.
		Select(
			"id",
			"identifier",
			"category",
			"method",
			"path",
			"COALESCE(client_ip, '')",
			"COALESCE(user_agent, '')",
			"COALESCE(request_id, '')",
			"limit_value",
			"current_value",
			"retry_after_seconds",
			"occurred_at",
		).
		From(denialsTable).
		OrderBy("occurred_at DESC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select denials sql: %w", err)
	}

	rows, err := p.exec.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select denials: %w", err)
	}

	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (audit.DenialEvent, error) {
		var e audit.DenialEvent

		err := row.Scan(
			&e.ID,
			&e.Identifier,
			&e.Category,
			&e.Method,
			&e.Path,
			&e.ClientIP,
			&e.UserAgent,
			&e.RequestID,
			&e.Limit,
			&e.Current,
			&e.RetryAfterSeconds,
			&e.OccurredAt,
		)

		return e, err
	})
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}

	return &s
}

// Compile-time check.
var _ audit.Store = (*PostgresDenialStore)(nil)
