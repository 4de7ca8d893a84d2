package models

import "strings"

// Principal is the authenticated identity attached to a request. It is
// produced by the session or API key layer and consumed by tenant resolution.
type Principal struct {
	// ID is the stable user identifier.
	ID string `json:"id"`

	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`

	// ActiveOrgID is the organization selected in the session, if any.
	ActiveOrgID string `json:"active_org_id,omitempty"`

	// OrgIDs lists memberships carried by the credential itself.
	OrgIDs []string `json:"org_ids,omitempty"`

	// Roles granted to the principal.
	Roles []string `json:"roles,omitempty"`

	// Tier is the pricing tier used to pick usage limits.
	Tier string `json:"tier,omitempty"`
}

// HasRole reports whether the principal was granted role. Comparison is
// case-insensitive. An empty role is always satisfied.
func (p *Principal) HasRole(role string) bool {
	role = strings.TrimSpace(role)
	if role == "" {
		return true
	}
	if p == nil {
		return false
	}
	for _, r := range p.Roles {
		if strings.EqualFold(strings.TrimSpace(r), role) {
			return true
		}
	}
	return false
}

// MemberOf reports whether orgID appears in the credential's memberships.
func (p *Principal) MemberOf(orgID string) bool {
	if p == nil || orgID == "" {
		return false
	}
	if p.ActiveOrgID == orgID {
		return true
	}
	for _, id := range p.OrgIDs {
		if id == orgID {
			return true
		}
	}
	return false
}
