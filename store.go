package eventbus

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// AuditStore persists audit events.
type AuditStore interface {
	SaveAudit(ctx context.Context, env Envelope, ev AuditEvent) error
}

// AuditRecord is one persisted audit row.
type AuditRecord struct {
	ID            string
	UserID        string
	Action        string
	Resource      string
	ResourceID    string
	Details       map[string]any
	IP            string
	UserAgent     string
	CorrelationID string
	Source        string
	OccurredAt    time.Time
}

// SetupDatabase creates the audit_logs table and its indexes if they do not
// exist. The DDL is portable across SQLite and PostgreSQL.
//
// Parameters:
//   - ctx: bounds the schema statements.
//   - db: an open connection pool.
//
// Returns:
//   - error: the first statement that failed, wrapped.
func SetupDatabase(ctx context.Context, db *sql.DB) error {
	const createTable = `
CREATE TABLE IF NOT EXISTS audit_logs (
	id VARCHAR(64) PRIMARY KEY,
	user_id VARCHAR(255),
	action VARCHAR(255) NOT NULL,
	resource VARCHAR(255) NOT NULL,
	resource_id VARCHAR(255),
	details TEXT,
	ip VARCHAR(64),
	user_agent TEXT,
	correlation_id VARCHAR(255),
	source VARCHAR(255),
	occurred_at TIMESTAMP NOT NULL
)`
	if _, err := db.ExecContext(ctx, createTable); err != nil {
		return fmt.Errorf("create audit_logs table: %w", err)
	}
	indexes := []struct{ name, column string }{
		{"idx_audit_logs_user_id", "user_id"},
		{"idx_audit_logs_action", "action"},
		{"idx_audit_logs_correlation_id", "correlation_id"},
		{"idx_audit_logs_occurred_at", "occurred_at"},
	}
	for _, ix := range indexes {
		stmt := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON audit_logs (%s)", ix.name, ix.column)
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create %s index: %w", ix.column, err)
		}
	}
	return nil
}

// SQLAuditStore writes audit events with database/sql. Inserts are idempotent
// on the envelope id, so a redelivered or replayed event does not add a row.
type SQLAuditStore struct {
	db       *sql.DB
	postgres bool
}

var _ AuditStore = (*SQLAuditStore)(nil)

// NewSQLAuditStore wraps db. driver selects the placeholder style: "postgres"
// and "pgx" use $n, everything else uses ?.
func NewSQLAuditStore(db *sql.DB, driver string) *SQLAuditStore {
	return &SQLAuditStore{db: db, postgres: driver == "postgres" || driver == "pgx"}
}

// rebind rewrites ? placeholders for the store's dialect.
func (s *SQLAuditStore) rebind(query string) string {
	if !s.postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const insertAudit = `
INSERT INTO audit_logs (id, user_id, action, resource, resource_id, details, ip, user_agent, correlation_id, source, occurred_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO NOTHING`

// SaveAudit inserts one row for env. Details are stored as JSON.
func (s *SQLAuditStore) SaveAudit(ctx context.Context, env Envelope, ev AuditEvent) error {
	var details sql.NullString
	if len(ev.Details) > 0 {
		data, err := json.Marshal(ev.Details)
		if err != nil {
			return fmt.Errorf("marshal details for %s: %w", env.ID, err)
		}
		details = sql.NullString{String: string(data), Valid: true}
	}
	occurred := env.Timestamp
	if occurred.IsZero() {
		occurred = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.rebind(insertAudit),
		env.ID,
		nullString(ev.UserID),
		ev.Action,
		ev.Resource,
		nullString(ev.ResourceID),
		details,
		nullString(ev.IP),
		nullString(ev.UserAgent),
		nullString(env.CorrelationID),
		nullString(env.Source),
		occurred.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert audit %s: %w", env.ID, err)
	}
	return nil
}

// Recent returns up to limit rows, newest first.
func (s *SQLAuditStore) Recent(ctx context.Context, limit int) ([]AuditRecord, error) {
	const query = `
SELECT id, user_id, action, resource, resource_id, details, ip, user_agent, correlation_id, source, occurred_at
FROM audit_logs ORDER BY occurred_at DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, s.rebind(query), limit)
	if err != nil {
		return nil, fmt.Errorf("query audit_logs: %w", err)
	}
	defer rows.Close()

	var out []AuditRecord
	for rows.Next() {
		var rec AuditRecord
		var userID, resourceID, details, ip, ua, correlation, src sql.NullString
		if err := rows.Scan(&rec.ID, &userID, &rec.Action, &rec.Resource, &resourceID, &details, &ip, &ua, &correlation, &src, &rec.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		rec.UserID, rec.ResourceID, rec.IP = userID.String, resourceID.String, ip.String
		rec.UserAgent, rec.CorrelationID, rec.Source = ua.String, correlation.String, src.String
		if details.Valid {
			if err := json.Unmarshal([]byte(details.String), &rec.Details); err != nil {
				return nil, fmt.Errorf("decode details of %s: %w", rec.ID, err)
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Count returns the number of rows, optionally restricted to one action.
func (s *SQLAuditStore) Count(ctx context.Context, action string) (int, error) {
	query, args := "SELECT COUNT(*) FROM audit_logs", []any{}
	if action != "" {
		query += " WHERE action = ?"
		args = append(args, action)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, s.rebind(query), args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count audit_logs: %w", err)
	}
	return n, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
