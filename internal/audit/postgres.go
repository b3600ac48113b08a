package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/yazhsab/qbitel-bridge/go/soar/internal/model"
)

const auditSchema = `
CREATE TABLE IF NOT EXISTS soar_audit_log (
	id TEXT PRIMARY KEY,
	actor TEXT NOT NULL,
	action TEXT NOT NULL,
	target TEXT NOT NULL DEFAULT '',
	target_type TEXT NOT NULL DEFAULT '',
	incident_id TEXT NOT NULL DEFAULT '',
	execution_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	timestamp TIMESTAMPTZ NOT NULL,
	details JSONB NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS soar_audit_log_incident_idx ON soar_audit_log (incident_id, timestamp);
CREATE INDEX IF NOT EXISTS soar_audit_log_timestamp_idx ON soar_audit_log (timestamp);
`

const auditColumns = "id, actor, action, target, target_type, incident_id, execution_id, status, timestamp, details"

// PostgresSink persists audit entries in PostgreSQL.
type PostgresSink struct {
	Pool *pgxpool.Pool
}

// NewPostgresPool opens and pings a connection pool.
func NewPostgresPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return pool, nil
}

// NewPostgresSink wraps pool.
func NewPostgresSink(pool *pgxpool.Pool) *PostgresSink {
	return &PostgresSink{Pool: pool}
}

// EnsureSchema creates the audit table and indexes when missing.
func (s *PostgresSink) EnsureSchema(ctx context.Context) error {
	if _, err := s.Pool.Exec(ctx, auditSchema); err != nil {
		return fmt.Errorf("failed to ensure audit schema: %w", err)
	}
	return nil
}

// Append inserts one entry.
func (s *PostgresSink) Append(ctx context.Context, entry model.AuditLogEntry) error {
	entry = prepare(entry)

	details, err := json.Marshal(entry.Details)
	if err != nil {
		return fmt.Errorf("failed to encode audit details: %w", err)
	}
	if entry.Details == nil {
		details = []byte("{}")
	}

	query := `INSERT INTO soar_audit_log (` + auditColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::jsonb)`
	_, err = s.Pool.Exec(ctx, query,
		entry.ID,
		entry.Actor,
		entry.Action,
		entry.Target,
		entry.TargetType,
		entry.IncidentID,
		entry.ExecutionID,
		entry.Status,
		entry.Timestamp,
		string(details),
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}

// Query returns matching entries oldest first.
func (s *PostgresSink) Query(ctx context.Context, filter model.AuditFilter) ([]model.AuditLogEntry, error) {
	query, args := buildQuery(filter)

	rows, err := s.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	entries := make([]model.AuditLogEntry, 0)
	for rows.Next() {
		var (
			e       model.AuditLogEntry
			details []byte
		)
		if err := rows.Scan(&e.ID, &e.Actor, &e.Action, &e.Target, &e.TargetType,
			&e.IncidentID, &e.ExecutionID, &e.Status, &e.Timestamp, &details); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &e.Details); err != nil {
				return nil, fmt.Errorf("failed to decode audit details: %w", err)
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read audit log: %w", err)
	}

	// rows arrive newest first so the limit keeps the most recent entries
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// Purge deletes entries older than the horizon.
func (s *PostgresSink) Purge(ctx context.Context, olderThan time.Time) (int, error) {
	tag, err := s.Pool.Exec(ctx, `DELETE FROM soar_audit_log WHERE timestamp < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to purge audit log: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func buildQuery(filter model.AuditFilter) (string, []any) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}

	if filter.IncidentID != "" {
		add("incident_id = $%d", filter.IncidentID)
	}
	if filter.ExecutionID != "" {
		add("execution_id = $%d", filter.ExecutionID)
	}
	if filter.Actor != "" {
		add("actor = $%d", filter.Actor)
	}
	if filter.Action != "" {
		add("action = $%d", filter.Action)
	}
	if !filter.Since.IsZero() {
		add("timestamp >= $%d", filter.Since)
	}
	if !filter.Until.IsZero() {
		add("timestamp <= $%d", filter.Until)
	}

	var b strings.Builder
	b.WriteString("SELECT " + auditColumns + " FROM soar_audit_log")
	if len(where) > 0 {
		b.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY timestamp DESC, id DESC")
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		fmt.Fprintf(&b, " LIMIT $%d", len(args))
	}
	return b.String(), args
}
