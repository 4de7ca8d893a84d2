package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// UsageStore keeps period counters in Postgres. Each increment is a single
// upsert, so concurrent requests never lose updates.
type UsageStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewUsageStore creates a usage counter store.
func NewUsageStore(db *sql.DB) *UsageStore {
	return &UsageStore{db: db, now: time.Now}
}

// Increment adds one to key and returns the new count. An expired row is
// restarted at one.
func (s *UsageStore) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if key == "" {
		return 0, fmt.Errorf("key is required")
	}
	now := s.now().UTC()
	var count int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO usage_counters (key, count, expires_at, updated_at)
		 VALUES ($1, 1, $2, $3)
		 ON CONFLICT (key) DO UPDATE SET
		   count = CASE WHEN usage_counters.expires_at <= $3 THEN 1 ELSE usage_counters.count + 1 END,
		   expires_at = CASE WHEN usage_counters.expires_at <= $3 THEN EXCLUDED.expires_at ELSE usage_counters.expires_at END,
		   updated_at = $3
		 RETURNING count`,
		key, now.Add(ttl), now,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("increment usage: %w", err)
	}
	return count, nil
}

// Get returns the current count for key, or zero when absent or expired.
func (s *UsageStore) Get(ctx context.Context, key string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		`SELECT count FROM usage_counters WHERE key = $1 AND expires_at > $2`,
		key, s.now().UTC(),
	).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get usage: %w", err)
	}
	return count, nil
}
