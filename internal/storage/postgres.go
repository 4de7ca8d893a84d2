// Package storage holds the Postgres-backed stores: org memberships, usage
// counters and the query audit trail, plus the schema migrator.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
)

var (
	ErrNotFound = errors.New("not found")
	ErrNoDB     = errors.New("db is required")
)

// Open connects to Postgres with the configured pool settings and verifies
// the connection.
func Open(ctx context.Context, cfg DatabaseConfig) (*sql.DB, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("database url is required")
	}
	cfg = cfg.withDefaults()

	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	configurePool(db, cfg)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

func configurePool(db *sql.DB, cfg DatabaseConfig) {
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
}

// StoreSet groups the stores backed by one database handle.
type StoreSet struct {
	DB          *sql.DB
	Memberships *MembershipStore
	Usage       *UsageStore
	Audit       *AuditStore
}

// NewStoreSet builds every store on db.
func NewStoreSet(db *sql.DB) (StoreSet, error) {
	if db == nil {
		return StoreSet{}, ErrNoDB
	}
	return StoreSet{
		DB:          db,
		Memberships: NewMembershipStore(db),
		Usage:       NewUsageStore(db),
		Audit:       NewAuditStore(db),
	}, nil
}

// Ping checks database connectivity.
func (s StoreSet) Ping(ctx context.Context) error {
	if s.DB == nil {
		return ErrNoDB
	}
	return s.DB.PingContext(ctx)
}

// Close releases the database handle.
func (s StoreSet) Close() error {
	if s.DB == nil {
		return nil
	}
	return s.DB.Close()
}
