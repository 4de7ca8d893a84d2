package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AuditEntry is one execute_sql invocation. SQL is stored PII-masked and the
// org is stored hashed.
type AuditEntry struct {
	ID           string
	RunID        string
	ToolCallID   string
	OrgHash      string
	UserID       string
	SQL          string
	Status       string
	Reason       string
	RowsReturned int
	Truncated    bool
	Duration     time.Duration
	CreatedAt    time.Time
}

// AuditStore writes query audit rows.
type AuditStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewAuditStore creates an audit store.
func NewAuditStore(db *sql.DB) *AuditStore {
	return &AuditStore{db: db, now: time.Now}
}

// Record inserts entry, filling ID and CreatedAt when unset.
func (s *AuditStore) Record(ctx context.Context, entry AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO query_audit
		 (id, run_id, tool_call_id, org_hash, user_id, sql_text, status, reason, rows_returned, truncated, duration_ms, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		entry.ID,
		entry.RunID,
		entry.ToolCallID,
		entry.OrgHash,
		entry.UserID,
		entry.SQL,
		entry.Status,
		entry.Reason,
		entry.RowsReturned,
		entry.Truncated,
		entry.Duration.Milliseconds(),
		entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("record audit: %w", err)
	}
	return nil
}
