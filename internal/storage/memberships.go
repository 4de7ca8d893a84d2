package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// MembershipStore reads org memberships. It satisfies tenant.MembershipLookup.
type MembershipStore struct {
	db *sql.DB
}

// NewMembershipStore creates a membership store.
func NewMembershipStore(db *sql.DB) *MembershipStore {
	return &MembershipStore{db: db}
}

// ListOrgIDs returns the user's organizations, oldest membership first.
func (s *MembershipStore) ListOrgIDs(ctx context.Context, userID string) ([]string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT org_id FROM org_memberships WHERE user_id = $1 ORDER BY created_at, org_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("query memberships: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan membership: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("memberships: %w", err)
	}
	return ids, nil
}

// Add records a membership. Existing memberships are left unchanged.
func (s *MembershipStore) Add(ctx context.Context, userID, orgID, role string) error {
	userID = strings.TrimSpace(userID)
	orgID = strings.TrimSpace(orgID)
	if userID == "" || orgID == "" {
		return fmt.Errorf("user id and org id are required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO org_memberships (user_id, org_id, role) VALUES ($1, $2, $3)
		 ON CONFLICT (user_id, org_id) DO NOTHING`,
		userID, orgID, strings.TrimSpace(role))
	if err != nil {
		return fmt.Errorf("add membership: %w", err)
	}
	return nil
}
