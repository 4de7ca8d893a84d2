package sqlexec

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// bindTenantSQL scopes row-level security policies to the caller for the
// lifetime of the surrounding transaction.
const bindTenantSQL = `SELECT set_config('app.current_org_id', $1, true), set_config('app.current_user_id', $2, true)`

// Binding identifies whose rows a query may see.
type Binding struct {
	OrgID  string
	UserID string
}

// Result holds the rows returned by a tenant-scoped query.
type Result struct {
	Columns   []string
	Rows      [][]any
	RowCount  int
	Truncated bool
	Duration  time.Duration
}

// TenantDB runs read-only queries with the tenant bound on the connection.
type TenantDB struct {
	db  *sql.DB
	now func() time.Time
}

// NewTenantDB wraps a pooled database handle.
func NewTenantDB(db *sql.DB) *TenantDB {
	return &TenantDB{db: db, now: time.Now}
}

// Query runs query inside a read-only transaction after binding the tenant
// settings, returning at most maxRows rows. The transaction is always rolled
// back so the connection goes back to the pool without session state.
func (t *TenantDB) Query(ctx context.Context, binding Binding, query string, maxRows int) (*Result, error) {
	if t == nil || t.db == nil {
		return nil, errors.New("tenant database not configured")
	}
	if binding.OrgID == "" {
		return nil, errors.New("tenant binding requires an org id")
	}
	if maxRows <= 0 {
		maxRows = DefaultMaxResultRows
	}

	start := t.now()
	tx, err := t.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin read-only transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, bindTenantSQL, binding.OrgID, binding.UserID); err != nil {
		return nil, fmt.Errorf("bind tenant: %w", err)
	}

	rows, err := tx.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("run query: %w", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("read columns: %w", err)
	}

	result := &Result{Columns: columns, Rows: make([][]any, 0)}
	for rows.Next() {
		if len(result.Rows) == maxRows {
			result.Truncated = true
			break
		}
		values := make([]any, len(columns))
		targets := make([]any, len(columns))
		for i := range values {
			targets[i] = &values[i]
		}
		if err := rows.Scan(targets...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		for i, v := range values {
			// lib/pq returns text and numeric columns as []byte.
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		result.Rows = append(result.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	result.RowCount = len(result.Rows)
	result.Duration = t.now().Sub(start)
	return result, nil
}
